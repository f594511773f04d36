// Package config loads, resolves and validates the ASH project configuration.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/mitchellh/mapstructure"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// file names looked up in <source>/.ash and then <source>
var FileNames = []string{".ash.yaml", ".ash.yml", ".ash.json"}

type AshConfig struct {
	ProjectName    string                  `yaml:"project_name" json:"project_name"`
	FailOnFindings bool                    `yaml:"fail_on_findings" json:"fail_on_findings"`
	GlobalSettings GlobalSettings          `yaml:"global_settings" json:"global_settings"`
	Execution      ExecutionSettings       `yaml:"execution" json:"execution"`
	Scanners       map[string]PluginConfig `yaml:"scanners" json:"scanners"`
	Converters     map[string]PluginConfig `yaml:"converters" json:"converters"`
	Reporters      map[string]PluginConfig `yaml:"reporters" json:"reporters"`
	AWS            AWSSettings             `yaml:"aws" json:"aws"`
}

type GlobalSettings struct {
	SeverityThreshold shared.Threshold     `yaml:"severity_threshold" json:"severity_threshold"`
	IgnorePaths       []shared.IgnorePath  `yaml:"ignore_paths" json:"ignore_paths"`
	Suppressions      []shared.Suppression `yaml:"suppressions" json:"suppressions"`
}

type ExecutionSettings struct {
	Strategy   shared.ExecutionStrategy `yaml:"strategy" json:"strategy"`
	MaxWorkers int                      `yaml:"max_workers" json:"max_workers"`
}

type AWSSettings struct {
	Region       string `yaml:"region,omitempty" json:"region,omitempty"`
	Profile      string `yaml:"profile,omitempty" json:"profile,omitempty"`
	RoleArn      string `yaml:"role_arn,omitempty" json:"role_arn,omitempty"`
	S3Bucket     string `yaml:"s3_bucket,omitempty" json:"s3_bucket,omitempty"`
	S3Prefix     string `yaml:"s3_prefix,omitempty" json:"s3_prefix,omitempty"`
	LogGroupName string `yaml:"log_group_name,omitempty" json:"log_group_name,omitempty"`
}

// PluginConfig configures one scanner, converter or reporter. A missing
// enabled key means enabled.
type PluginConfig struct {
	Enabled *bool                  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Options map[string]interface{} `yaml:"options,omitempty" json:"options,omitempty"`
}

func (p PluginConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

func enabled(b bool) PluginConfig {
	return PluginConfig{Enabled: &b}
}

// Default returns the built-in configuration.
func Default() *AshConfig {
	return &AshConfig{
		ProjectName:    "ash-project",
		FailOnFindings: true,
		GlobalSettings: GlobalSettings{
			SeverityThreshold: shared.ThresholdMedium,
		},
		Execution: ExecutionSettings{
			Strategy:   shared.Parallel,
			MaxWorkers: 4,
		},
		Scanners: map[string]PluginConfig{
			"bandit":     enabled(true),
			"semgrep":    enabled(true),
			"checkov":    enabled(true),
			"grype":      enabled(true),
			"iam-policy": enabled(true),
		},
		Converters: map[string]PluginConfig{
			"archive": enabled(true),
			"jupyter": enabled(true),
		},
		Reporters: map[string]PluginConfig{
			"json":     enabled(true),
			"sarif":    enabled(true),
			"markdown": enabled(true),
			"text":     enabled(true),
			"csv":      enabled(true),
		},
		AWS: AWSSettings{
			S3Prefix: shared.DefaultS3Prefix,
		},
	}
}

// NormalizeName turns plugin names into their kebab-case registry form.
func NormalizeName(name string) string {
	return strcase.ToKebab(strings.TrimSpace(name))
}

// Load reads a YAML or JSON config file on top of the defaults.
func Load(path string) (*AshConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	cfg := Default()
	defaults := *cfg
	cfg.Scanners, cfg.Converters, cfg.Reporters = nil, nil, nil
	if strings.EqualFold(filepath.Ext(path), ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(cfg)
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(cfg)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	cfg.Scanners = mergePlugins(defaults.Scanners, cfg.Scanners)
	cfg.Converters = mergePlugins(defaults.Converters, cfg.Converters)
	cfg.Reporters = mergePlugins(defaults.Reporters, cfg.Reporters)
	cfg.normalize()
	return cfg, nil
}

func (c *AshConfig) normalize() {
	c.Scanners = normalizeKeys(c.Scanners)
	c.Converters = normalizeKeys(c.Converters)
	c.Reporters = normalizeKeys(c.Reporters)
	c.GlobalSettings.SeverityThreshold = shared.Threshold(strings.ToUpper(string(c.GlobalSettings.SeverityThreshold)))
	if c.GlobalSettings.SeverityThreshold == "" {
		c.GlobalSettings.SeverityThreshold = shared.ThresholdMedium
	}
	if c.Execution.Strategy == "" {
		c.Execution.Strategy = shared.Parallel
	}
	if c.Execution.MaxWorkers <= 0 {
		c.Execution.MaxWorkers = 4
	}
}

// mergePlugins overlays file entries on the defaults by normalised name.
func mergePlugins(base, override map[string]PluginConfig) map[string]PluginConfig {
	out := make(map[string]PluginConfig, len(base)+len(override))
	for k, v := range base {
		out[NormalizeName(k)] = v
	}
	for k, v := range override {
		out[NormalizeName(k)] = v
	}
	return out
}

func normalizeKeys(in map[string]PluginConfig) map[string]PluginConfig {
	out := make(map[string]PluginConfig, len(in))
	for k, v := range in {
		out[NormalizeName(k)] = v
	}
	return out
}

// Candidates lists the config files Resolve looks for, in order.
func Candidates(sourceDir string) []string {
	paths := make([]string, 0, len(FileNames)*2)
	for _, name := range FileNames {
		paths = append(paths, filepath.Join(sourceDir, ".ash", name))
	}
	for _, name := range FileNames {
		paths = append(paths, filepath.Join(sourceDir, name))
	}
	return paths
}

// Resolve finds the config for sourceDir. An explicit path must load; a
// discovered file that fails to load falls back to the defaults. The returned
// path is empty when the defaults are used.
func Resolve(sourceDir, explicit string, log *logger.Logger) (*AshConfig, string, error) {
	if explicit != "" {
		cfg, err := Load(explicit)
		if err != nil {
			return nil, "", err
		}
		cfg.ApplyEnv()
		log.Infof("Loaded config from %s", explicit)
		return cfg, explicit, nil
	}
	for _, candidate := range Candidates(sourceDir) {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		cfg, err := Load(candidate)
		if err != nil {
			log.Warnf("Failed to load config %s, using defaults: %v", candidate, err)
			break
		}
		cfg.ApplyEnv()
		log.Infof("Loaded config from %s", candidate)
		return cfg, candidate, nil
	}
	log.Verbosef("No config file found in %s, using defaults", sourceDir)
	cfg := Default()
	cfg.ApplyEnv()
	return cfg, "", nil
}

// ApplyEnv fills AWS settings from the environment where the file left them empty.
func (c *AshConfig) ApplyEnv() {
	if c.AWS.S3Bucket == "" {
		c.AWS.S3Bucket = os.Getenv(string(shared.EnvS3BucketName))
	}
	if c.AWS.Region == "" {
		c.AWS.Region = os.Getenv(string(shared.EnvAWSRegion))
	}
	if c.AWS.LogGroupName == "" {
		c.AWS.LogGroupName = os.Getenv(string(shared.EnvLogGroupName))
	}
	if c.AWS.S3Prefix == "" {
		c.AWS.S3Prefix = shared.DefaultS3Prefix
	}
}

// Validate returns every problem found, combined.
func (c *AshConfig) Validate() error {
	var err error
	if !shared.IsValidThreshold(string(c.GlobalSettings.SeverityThreshold)) {
		err = multierr.Append(err, shared.ConfigError{
			Field:   "global_settings.severity_threshold",
			Message: "must be one of ALL, LOW, MEDIUM, HIGH, CRITICAL",
		})
	}
	if !shared.IsValidStrategy(string(c.Execution.Strategy)) {
		err = multierr.Append(err, shared.ConfigError{
			Field:   "execution.strategy",
			Message: "must be parallel or sequential",
		})
	}
	for i, ip := range c.GlobalSettings.IgnorePaths {
		if strings.TrimSpace(ip.Path) == "" {
			err = multierr.Append(err, shared.ConfigError{
				Field:   "global_settings.ignore_paths[" + strconv.Itoa(i) + "].path",
				Message: "must not be empty",
			})
		}
	}
	for i, s := range c.GlobalSettings.Suppressions {
		field := "global_settings.suppressions[" + strconv.Itoa(i) + "]"
		if strings.TrimSpace(s.Path) == "" {
			err = multierr.Append(err, shared.ConfigError{Field: field + ".path", Message: "must not be empty"})
		}
		if s.LineStart > 0 && s.LineEnd > 0 && s.LineEnd < s.LineStart {
			err = multierr.Append(err, shared.ConfigError{Field: field + ".line_end", Message: "must not be before line_start"})
		}
		if s.Expiration != "" {
			if _, perr := time.Parse("2006-01-02", s.Expiration); perr != nil {
				err = multierr.Append(err, shared.ConfigError{Field: field + ".expiration", Message: "must be YYYY-MM-DD"})
			}
		}
	}
	return err
}

// EnabledScanners lists enabled scanner names, sorted.
func (c *AshConfig) EnabledScanners() []string {
	return enabledNames(c.Scanners)
}

func (c *AshConfig) EnabledConverters() []string {
	return enabledNames(c.Converters)
}

func (c *AshConfig) EnabledReporters() []string {
	return enabledNames(c.Reporters)
}

func enabledNames(m map[string]PluginConfig) []string {
	names := []string{}
	for name, p := range m {
		if p.IsEnabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ScannerConfig returns the config of a scanner by (normalised) name.
func (c *AshConfig) ScannerConfig(name string) (PluginConfig, bool) {
	p, ok := c.Scanners[NormalizeName(name)]
	return p, ok
}

// DecodeOptions decodes plugin options into out using mapstructure tags.
func DecodeOptions(p PluginConfig, out interface{}) error {
	if len(p.Options) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return errors.Wrap(dec.Decode(p.Options), "decoding plugin options")
}

// Save writes the config as YAML, or JSON for a .json path.
func (c *AshConfig) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", filepath.Dir(path))
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "writing config %s", path)
}
