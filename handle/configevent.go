// Package handle runs ASH for AWS Config rule invocations.
package handle

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/outofoffice3/ash/internal/awsclientmgr"
	"github.com/outofoffice3/ash/internal/config"
	"github.com/outofoffice3/ash/internal/converter"
	"github.com/outofoffice3/ash/internal/orchestrator"
	"github.com/outofoffice3/ash/internal/results"
	"github.com/outofoffice3/ash/internal/scanner"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/outofoffice3/ash/internal/writer"
	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/pkg/errors"
)

const SourceArchiveName = "source.zip"

// Settings locate the project config and identify the account being evaluated.
type Settings struct {
	ConfigBucket string
	ConfigKey    string
	AccountID    string
	// WorkDir holds the downloaded source and the output tree.
	WorkDir string
}

// SettingsFromEnv reads CONFIG_FILE_BUCKET_NAME, CONFIG_FILE_KEY and
// AWS_ACCOUNT_ID.
func SettingsFromEnv() (Settings, error) {
	s := Settings{
		ConfigBucket: os.Getenv(string(shared.EnvBucketName)),
		ConfigKey:    os.Getenv(string(shared.EnvConfigFileKey)),
		AccountID:    os.Getenv(string(shared.EnvAWSAccountID)),
		WorkDir:      os.TempDir(),
	}
	if s.ConfigBucket == "" || s.ConfigKey == "" || s.AccountID == "" {
		return s, errors.Errorf("%s, %s and %s must be set", shared.EnvBucketName, shared.EnvConfigFileKey, shared.EnvAWSAccountID)
	}
	return s, nil
}

// RuleParameters are the optional parameters of the Config rule.
type RuleParameters struct {
	SourceBucket string `json:"sourceBucket"`
	SourceKey    string `json:"sourceKey"`
	TestMode     bool   `json:"testMode,string"`
}

// ParseEvent accepts a Config rule event, bare or wrapped in the detail of a
// CloudWatch event.
func ParseEvent(payload []byte) (events.ConfigEvent, error) {
	var wrapper struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(payload, &wrapper); err != nil {
		return events.ConfigEvent{}, errors.Wrap(err, "decoding event")
	}
	if len(wrapper.Detail) > 0 && string(wrapper.Detail) != "null" {
		payload = wrapper.Detail
	}
	var event events.ConfigEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return event, errors.Wrap(err, "decoding config event")
	}
	return event, nil
}

func parseRuleParameters(raw string) (RuleParameters, error) {
	p := RuleParameters{}
	if strings.TrimSpace(raw) == "" {
		return p, nil
	}
	err := json.Unmarshal([]byte(raw), &p)
	return p, errors.Wrap(err, "decoding rule parameters")
}

type HandlerInitConfig struct {
	Settings Settings
	AWS      awsclientmgr.Provider
	Log      *logger.Logger
	// Scanners replaces the built-in scanner registry.
	Scanners *scanner.Registry
}

type Handler struct {
	settings Settings
	aws      awsclientmgr.Provider
	log      *logger.Logger
	scanners *scanner.Registry
}

func NewHandler(cfg HandlerInitConfig) *Handler {
	if cfg.Log == nil {
		cfg.Log = logger.Default()
	}
	if cfg.Settings.WorkDir == "" {
		cfg.Settings.WorkDir = os.TempDir()
	}
	return &Handler{settings: cfg.Settings, aws: cfg.AWS, log: cfg.Log, scanners: cfg.Scanners}
}

// HandleConfigEvent downloads the project config and source archive, scans
// the source and publishes the evaluations back to AWS Config.
func (h *Handler) HandleConfigEvent(ctx context.Context, event events.ConfigEvent) (*results.AggregatedResults, error) {
	params, err := parseRuleParameters(event.RuleParameters)
	if err != nil {
		return nil, err
	}
	mgr, err := h.aws(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "initialising aws clients")
	}
	w := writer.Init(writer.WriterInitConfig{AWSClientMgr: mgr})

	run, err := os.MkdirTemp(h.settings.WorkDir, "ash-")
	if err != nil {
		return nil, errors.Wrap(err, "creating work dir")
	}
	defer os.RemoveAll(run)
	h.log.Debugf("config rule [%s] invoked, work dir [%s]", event.ConfigRuleName, run)

	cfg, err := h.loadConfig(ctx, w, run)
	if err != nil {
		return nil, err
	}
	h.enableRemoteReporters(cfg, params)

	bucket, key := h.sourceLocation(params)
	src := filepath.Join(run, "src")
	if err := h.fetchSource(ctx, w, bucket, key, run, src); err != nil {
		return nil, err
	}

	o, err := orchestrator.New(orchestrator.Options{
		SourceDir:       src,
		OutputDir:       filepath.Join(run, "output"),
		Config:          cfg,
		Color:           logger.ColorNever,
		Cleanup:         true,
		AWS:             h.aws,
		ResultToken:     event.ResultToken,
		ScannerRegistry: h.scanners,
	})
	if err != nil {
		return nil, err
	}
	res, err := o.Execute(ctx)
	if err != nil {
		return res, err
	}
	stats := res.Metadata.SummaryStats
	h.log.Infof("account [%s] evaluated: %d findings, %d actionable", h.settings.AccountID, stats.Total, stats.Actionable)
	return res, nil
}

// loadConfig fetches the config object and loads it with the extension of its key.
func (h *Handler) loadConfig(ctx context.Context, w writer.Writer, dir string) (*config.AshConfig, error) {
	data, err := w.GetObject(ctx, h.settings.ConfigBucket, h.settings.ConfigKey)
	if err != nil {
		return nil, err
	}
	name := path.Base(h.settings.ConfigKey)
	switch strings.ToLower(path.Ext(name)) {
	case ".json", ".yaml", ".yml":
	default:
		name += ".yaml"
	}
	local := filepath.Join(dir, name)
	if err := os.WriteFile(local, data, 0o644); err != nil {
		return nil, errors.Wrapf(err, "writing %s", local)
	}
	cfg, err := config.Load(local)
	if err != nil {
		return nil, err
	}
	h.log.Infof("config file retrieved from s3://%s/%s", h.settings.ConfigBucket, h.settings.ConfigKey)
	return cfg, nil
}

func (h *Handler) enableRemoteReporters(cfg *config.AshConfig, params RuleParameters) {
	on := true
	if cfg.AWS.S3Bucket == "" {
		cfg.AWS.S3Bucket = os.Getenv(string(shared.EnvS3BucketName))
	}
	if cfg.AWS.S3Bucket == "" {
		cfg.AWS.S3Bucket = h.settings.ConfigBucket
	}
	if _, ok := cfg.Reporters["s3"]; !ok {
		cfg.Reporters["s3"] = config.PluginConfig{Enabled: &on}
	}
	cfg.Reporters["aws-config"] = config.PluginConfig{
		Enabled: &on,
		Options: map[string]interface{}{
			"account_id": h.settings.AccountID,
			"test_mode":  params.TestMode,
		},
	}
}

// sourceLocation defaults to source.zip next to the config object.
func (h *Handler) sourceLocation(params RuleParameters) (string, string) {
	bucket := params.SourceBucket
	if bucket == "" {
		bucket = h.settings.ConfigBucket
	}
	key := params.SourceKey
	if key == "" {
		key = path.Join(path.Dir(h.settings.ConfigKey), SourceArchiveName)
		key = strings.TrimPrefix(key, "./")
	}
	return bucket, key
}

func (h *Handler) fetchSource(ctx context.Context, w writer.Writer, bucket, key, dir, src string) error {
	data, err := w.GetObject(ctx, bucket, key)
	if err != nil {
		return err
	}
	archive := filepath.Join(dir, SourceArchiveName)
	if err := os.WriteFile(archive, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", archive)
	}
	// the source tree keeps dotfiles and nested archives for the scan set walk
	extractor := converter.NewArchive("source", converter.ArchiveOptions{AllFiles: true}, converter.Env{Log: h.log})
	n, err := extractor.Extract(archive, src)
	if err != nil {
		return errors.Wrapf(err, "extracting s3://%s/%s", bucket, key)
	}
	if n == 0 {
		return errors.Errorf("s3://%s/%s has no files", bucket, key)
	}
	h.log.Infof("extracted %d files from s3://%s/%s", n, bucket, key)
	return nil
}
