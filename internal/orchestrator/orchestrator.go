// Package orchestrator prepares the output tree, resolves the configuration
// and drives the engine for one ASH invocation.
package orchestrator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/outofoffice3/ash/internal/awsclientmgr"
	"github.com/outofoffice3/ash/internal/config"
	"github.com/outofoffice3/ash/internal/converter"
	"github.com/outofoffice3/ash/internal/engine"
	"github.com/outofoffice3/ash/internal/metricmgr"
	"github.com/outofoffice3/ash/internal/reporter"
	"github.com/outofoffice3/ash/internal/results"
	"github.com/outofoffice3/ash/internal/scanner"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	ExitOK       = 0
	ExitError    = 1
	ExitFindings = 2
)

type Options struct {
	SourceDir  string
	OutputDir  string
	ConfigPath string
	// Config skips resolution when set.
	Config *config.AshConfig

	Scanners        []string
	ExcludeScanners []string
	Strategy        shared.ExecutionStrategy
	Phases          []shared.Phase

	LogLevel     string
	Color        logger.ColorMode
	Simple       bool
	ShowProgress bool
	// Console replaces stderr for log and progress output.
	Console io.Writer

	Cleanup bool
	// ExistingResults reports on a saved aggregated results file instead of
	// scanning.
	ExistingResults    string
	FailOnFindings     *bool
	IgnoreSuppressions bool

	AWS         awsclientmgr.Provider
	ResultToken string

	ScannerRegistry   *scanner.Registry
	ConverterRegistry *converter.Registry
	ReporterRegistry  *reporter.Registry
}

type Orchestrator struct {
	opts       Options
	level      logger.Level
	cfg        *config.AshConfig
	configPath string
	log        *logger.Logger
}

func New(opts Options) (*Orchestrator, error) {
	if opts.SourceDir == "" {
		opts.SourceDir = "."
	}
	src, err := filepath.Abs(opts.SourceDir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving source dir %s", opts.SourceDir)
	}
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		return nil, errors.Errorf("source dir %s is not a directory", src)
	}
	opts.SourceDir = src
	if opts.OutputDir == "" {
		opts.OutputDir = filepath.Join(src, shared.DefaultOutputDir)
	}
	if opts.OutputDir, err = filepath.Abs(opts.OutputDir); err != nil {
		return nil, errors.Wrapf(err, "resolving output dir %s", opts.OutputDir)
	}

	if opts.Strategy != "" && !shared.IsValidStrategy(string(opts.Strategy)) {
		return nil, shared.ConfigError{Field: "strategy", Message: "must be parallel or sequential, got " + string(opts.Strategy)}
	}
	for _, p := range opts.Phases {
		if !shared.IsValidPhase(string(p)) {
			return nil, shared.ConfigError{Field: "phases", Message: "unknown phase " + string(p)}
		}
	}
	level := logger.InfoLevel
	if opts.LogLevel != "" {
		if level, err = logger.ParseLevel(opts.LogLevel); err != nil {
			return nil, err
		}
	}
	if opts.Color == "" {
		opts.Color = logger.ColorAuto
	}
	if opts.Console == nil {
		opts.Console = os.Stderr
	}
	return &Orchestrator{opts: opts, level: level}, nil
}

func (o *Orchestrator) SourceDir() string { return o.opts.SourceDir }

func (o *Orchestrator) OutputDir() string { return o.opts.OutputDir }

// Config is the resolved configuration, nil before Execute.
func (o *Orchestrator) Config() *config.AshConfig { return o.cfg }

func (o *Orchestrator) ResultsPath() string {
	return filepath.Join(o.opts.OutputDir, shared.AggregatedResultsFileName)
}

// reportOnly is true when nothing needs to be scanned.
func (o *Orchestrator) reportOnly() bool {
	if o.opts.ExistingResults != "" {
		return true
	}
	return len(o.opts.Phases) == 1 && o.opts.Phases[0] == shared.PhaseReport
}

// ensureDirectories creates the output tree. The work dir starts empty on
// every scan.
func (o *Orchestrator) ensureDirectories() error {
	out := o.opts.OutputDir
	work := filepath.Join(out, shared.WorkDirName)
	if !o.reportOnly() {
		if err := os.RemoveAll(work); err != nil {
			return errors.Wrapf(err, "clearing %s", work)
		}
	}
	var err error
	for _, dir := range []string{
		out,
		work,
		filepath.Join(out, shared.ReportsDirName),
		filepath.Join(out, shared.ScannersDirName),
	} {
		err = multierr.Append(err, errors.Wrapf(os.MkdirAll(dir, 0o755), "creating %s", dir))
	}
	return err
}

func (o *Orchestrator) configureLogger() *logger.Logger {
	return logger.GetLogger(logger.DefaultName,
		logger.WithLevel(o.level),
		logger.WithOutputDir(o.opts.OutputDir),
		logger.WithColor(o.opts.Color),
		logger.WithSimpleFormat(o.opts.Simple),
		logger.WithShowProgress(o.opts.ShowProgress),
		logger.WithWriter(o.opts.Console),
	)
}

func (o *Orchestrator) resolveConfig() error {
	if o.opts.Config != nil {
		o.cfg = o.opts.Config
		o.cfg.ApplyEnv()
	} else {
		cfg, path, err := config.Resolve(o.opts.SourceDir, o.opts.ConfigPath, o.log)
		if err != nil {
			return err
		}
		o.cfg, o.configPath = cfg, path
	}
	if o.opts.FailOnFindings != nil {
		o.cfg.FailOnFindings = *o.opts.FailOnFindings
	}
	return errors.Wrap(o.cfg.Validate(), "invalid configuration")
}

func (o *Orchestrator) awsProvider() awsclientmgr.Provider {
	if o.opts.AWS != nil {
		return o.opts.AWS
	}
	return awsclientmgr.Lazy(awsclientmgr.AWSClientMgrInitConfig{
		Region:    o.cfg.AWS.Region,
		Profile:   o.cfg.AWS.Profile,
		RoleArn:   o.cfg.AWS.RoleArn,
		AccountId: os.Getenv(string(shared.EnvAWSAccountID)),
		Log:       o.log.Named("aws"),
	})
}

// Execute runs the invocation and returns its results. A non-nil error means
// the run itself failed; findings are reported through ExitCode.
func (o *Orchestrator) Execute(ctx context.Context) (*results.AggregatedResults, error) {
	if err := o.ensureDirectories(); err != nil {
		return nil, err
	}
	o.log = o.configureLogger()
	defer o.log.Close()
	ctx = logger.WithContext(ctx, o.log)

	o.log.Infof("🚀 ASH %s scanning %s", shared.AshVersion, o.opts.SourceDir)
	o.log.Verbosef("Output directory: %s", o.opts.OutputDir)
	if err := o.resolveConfig(); err != nil {
		o.log.Errorf("🔴 %v", err)
		return nil, err
	}

	eng, err := engine.New(engine.Options{
		Config:             o.cfg,
		SourceDir:          o.opts.SourceDir,
		OutputDir:          o.opts.OutputDir,
		Phases:             o.opts.Phases,
		Strategy:           o.opts.Strategy,
		Selection:          scanner.Selection{Include: o.opts.Scanners, Exclude: o.opts.ExcludeScanners},
		ShowProgress:       o.opts.ShowProgress,
		ProgressWriter:     o.opts.Console,
		IgnoreSuppressions: o.opts.IgnoreSuppressions,
		Log:                o.log,
		AWS:                o.awsProvider(),
		ResultToken:        o.opts.ResultToken,
		Scanners:           o.opts.ScannerRegistry,
		Converters:         o.opts.ConverterRegistry,
		Reporters:          o.opts.ReporterRegistry,
	})
	if err != nil {
		return nil, err
	}

	var res *results.AggregatedResults
	var runErr error
	if o.reportOnly() {
		res, runErr = o.report(ctx, eng)
		if res == nil {
			return nil, runErr
		}
	} else {
		res, runErr = eng.Run(ctx)
	}
	if res.Metadata.ConfigPath == "" {
		res.Metadata.ConfigPath = o.configPath
	}
	if err := eng.Errors().Combined(); err != nil {
		o.log.Warnf("⚠️ %d component errors: %v", len(multierr.Errors(err)), err)
	}
	o.logMetrics(eng.Metrics())

	if err := res.Save(o.ResultsPath()); err != nil {
		o.log.Errorf("Unable to save aggregated results: %v", err)
		runErr = multierr.Append(runErr, err)
	}
	if o.opts.Cleanup {
		work := filepath.Join(o.opts.OutputDir, shared.WorkDirName)
		o.log.Verbosef("Removing %s", work)
		if err := os.RemoveAll(work); err != nil {
			o.log.Warnf("Unable to remove %s: %v", work, err)
		}
	}
	if o.opts.ShowProgress {
		logger.GetLogger(logger.DefaultName, logger.WithWriter(o.opts.Console), logger.WithColor(o.opts.Color), logger.WithSimpleFormat(o.opts.Simple))
	}
	o.summarize(res)
	return res, runErr
}

// report loads saved results and runs the reporters over them.
func (o *Orchestrator) report(ctx context.Context, eng *engine.Engine) (*results.AggregatedResults, error) {
	path := o.opts.ExistingResults
	if path == "" {
		path = o.ResultsPath()
	}
	o.log.Infof("📂 Loading existing results from %s", path)
	res, err := results.Load(path)
	if err != nil {
		return nil, err
	}
	threshold := o.cfg.GlobalSettings.SeverityThreshold
	if threshold == "" {
		threshold = shared.ThresholdMedium
	}
	res.Evaluate(threshold)
	_, err = eng.Report(ctx, res)
	if err != nil {
		o.log.Warnf("Some reports failed: %v", err)
	}
	return res, nil
}

func (o *Orchestrator) logMetrics(metrics metricmgr.MetricMgr) {
	for _, m := range metricmgr.AllMetrics {
		if v, ok := metrics.GetMetric(m); ok && v != 0 {
			o.log.Verbosef("%s: %d", m, v)
		}
	}
}

func (o *Orchestrator) summarize(res *results.AggregatedResults) {
	stats := res.Metadata.SummaryStats
	o.log.Infof("Scanners: %d passed, %d failed, %d missing, %d skipped, %d errored",
		stats.Passed, stats.Failed, stats.Missing, stats.Skipped, stats.Errored)
	switch {
	case stats.Actionable > 0 && o.cfg.FailOnFindings:
		o.log.Errorf("🔴 %d actionable findings at or above %s", stats.Actionable, strings.ToUpper(string(res.Metadata.Threshold)))
	case stats.Actionable > 0:
		o.log.Warnf("⚠️ %d actionable findings, fail_on_findings is off", stats.Actionable)
	default:
		o.log.Infof("✅ No actionable findings")
	}
	o.log.Infof("Results: %s", o.ResultsPath())
}

// ExitCode maps a finished run to the process exit code.
func ExitCode(res *results.AggregatedResults, cfg *config.AshConfig) int {
	if res == nil || cfg == nil {
		return ExitError
	}
	if cfg.FailOnFindings && res.Metadata.SummaryStats.Actionable > 0 {
		return ExitFindings
	}
	return ExitOK
}
