package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/outofoffice3/ash/internal/shared"
	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/stretchr/testify/assert"
	"go.uber.org/multierr"
)

func testLogger() *logger.Logger {
	return logger.GetLogger("config-test", logger.WithWriter(io.Discard))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	assert.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDefault(t *testing.T) {
	assertion := assert.New(t)
	cfg := Default()

	assertion.True(cfg.FailOnFindings)
	assertion.Equal(shared.ThresholdMedium, cfg.GlobalSettings.SeverityThreshold)
	assertion.Equal([]string{"bandit", "checkov", "grype", "iam-policy", "semgrep"}, cfg.EnabledScanners())
	assertion.Equal([]string{"archive", "jupyter"}, cfg.EnabledConverters())
	assertion.Equal([]string{"csv", "json", "markdown", "sarif", "text"}, cfg.EnabledReporters())
	assertion.NoError(cfg.Validate())
}

func TestNormalizeName(t *testing.T) {
	assertion := assert.New(t)
	assertion.Equal("bandit-scanner", NormalizeName("Bandit_Scanner"))
	assertion.Equal("iam-policy", NormalizeName(" iam-policy "))
	assertion.Equal("semgrep", NormalizeName("Semgrep"))
}

func TestLoadYAML(t *testing.T) {
	assertion := assert.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".ash.yaml")
	writeFile(t, path, `
project_name: demo
fail_on_findings: false
global_settings:
  severity_threshold: high
  ignore_paths:
    - path: tests/**
      reason: test fixtures
  suppressions:
    - rule_id: B101
      path: src/*.py
      line_start: 3
      line_end: 9
      reason: asserts are fine here
      expiration: "2099-01-01"
scanners:
  Bandit:
    enabled: false
  custom:
    options:
      command: trufflehog
      timeout: 30s
`)
	cfg, err := Load(path)
	assertion.NoError(err)
	assertion.Equal("demo", cfg.ProjectName)
	assertion.False(cfg.FailOnFindings)
	assertion.Equal(shared.ThresholdHigh, cfg.GlobalSettings.SeverityThreshold)
	assertion.Len(cfg.GlobalSettings.IgnorePaths, 1)
	assertion.Equal(3, cfg.GlobalSettings.Suppressions[0].LineStart)

	bandit, ok := cfg.ScannerConfig("bandit")
	assertion.True(ok)
	assertion.False(bandit.IsEnabled())

	// scanners the file does not mention keep their defaults
	semgrep, ok := cfg.ScannerConfig("semgrep")
	assertion.True(ok)
	assertion.True(semgrep.IsEnabled())

	custom, ok := cfg.ScannerConfig("custom")
	assertion.True(ok)
	assertion.True(custom.IsEnabled())

	var opts struct {
		Command string        `mapstructure:"command"`
		Timeout time.Duration `mapstructure:"timeout"`
	}
	assertion.NoError(DecodeOptions(custom, &opts))
	assertion.Equal("trufflehog", opts.Command)
	assertion.Equal(30*time.Second, opts.Timeout)
	assertion.NoError(cfg.Validate())
}

func TestLoadJSON(t *testing.T) {
	assertion := assert.New(t)
	path := filepath.Join(t.TempDir(), ".ash.json")
	writeFile(t, path, `{"project_name":"json-demo","execution":{"strategy":"sequential","max_workers":2}}`)

	cfg, err := Load(path)
	assertion.NoError(err)
	assertion.Equal("json-demo", cfg.ProjectName)
	assertion.Equal(shared.Sequential, cfg.Execution.Strategy)
	assertion.Equal(2, cfg.Execution.MaxWorkers)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	assertion := assert.New(t)
	path := filepath.Join(t.TempDir(), ".ash.yaml")
	writeFile(t, path, "project_nam: typo\n")

	_, err := Load(path)
	assertion.Error(err)
}

func TestResolveOrder(t *testing.T) {
	assertion := assert.New(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".ash.yaml"), "project_name: root\n")
	writeFile(t, filepath.Join(dir, ".ash", ".ash.yml"), "project_name: nested\n")

	cfg, path, err := Resolve(dir, "", testLogger())
	assertion.NoError(err)
	assertion.Equal("nested", cfg.ProjectName)
	assertion.Equal(filepath.Join(dir, ".ash", ".ash.yml"), path)

	explicit := filepath.Join(dir, "custom.yaml")
	writeFile(t, explicit, "project_name: explicit\n")
	cfg, path, err = Resolve(dir, explicit, testLogger())
	assertion.NoError(err)
	assertion.Equal("explicit", cfg.ProjectName)
	assertion.Equal(explicit, path)
}

func TestResolveFallsBackToDefault(t *testing.T) {
	assertion := assert.New(t)
	dir := t.TempDir()

	cfg, path, err := Resolve(dir, "", testLogger())
	assertion.NoError(err)
	assertion.Empty(path)
	assertion.Equal(Default().ProjectName, cfg.ProjectName)

	// a broken file falls back too
	writeFile(t, filepath.Join(dir, ".ash.yaml"), "project_name: [unterminated\n")
	cfg, path, err = Resolve(dir, "", testLogger())
	assertion.NoError(err)
	assertion.Empty(path)
	assertion.Equal(Default().ProjectName, cfg.ProjectName)

	// an explicit path must load
	_, _, err = Resolve(dir, filepath.Join(dir, "missing.yaml"), testLogger())
	assertion.Error(err)
}

func TestApplyEnv(t *testing.T) {
	assertion := assert.New(t)
	t.Setenv(string(shared.EnvS3BucketName), "env-bucket")
	t.Setenv(string(shared.EnvLogGroupName), "env-group")
	t.Setenv(string(shared.EnvAWSRegion), "eu-west-1")

	cfg := Default()
	cfg.AWS.S3Bucket = "file-bucket"
	cfg.ApplyEnv()
	assertion.Equal("file-bucket", cfg.AWS.S3Bucket)
	assertion.Equal("env-group", cfg.AWS.LogGroupName)
	assertion.Equal("eu-west-1", cfg.AWS.Region)
}

func TestValidateCollectsErrors(t *testing.T) {
	assertion := assert.New(t)
	cfg := Default()
	cfg.GlobalSettings.SeverityThreshold = "SEVERE"
	cfg.Execution.Strategy = "random"
	cfg.GlobalSettings.IgnorePaths = []shared.IgnorePath{{Path: " "}}
	cfg.GlobalSettings.Suppressions = []shared.Suppression{{Path: "a.py", LineStart: 9, LineEnd: 2, Expiration: "01/02/2030"}}

	err := cfg.Validate()
	assertion.Error(err)
	assertion.Len(multierr.Errors(err), 5)
}

func TestSaveRoundTrip(t *testing.T) {
	assertion := assert.New(t)
	dir := t.TempDir()

	for _, name := range []string{"out.yaml", "out.json"} {
		cfg := Default()
		cfg.ProjectName = "saved"
		path := filepath.Join(dir, "nested", name)
		assertion.NoError(cfg.Save(path))

		loaded, err := Load(path)
		assertion.NoError(err)
		assertion.Equal("saved", loaded.ProjectName)
		assertion.Equal(cfg.EnabledScanners(), loaded.EnabledScanners())
	}
}
