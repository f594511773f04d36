// Package engine runs the convert, scan and report phases of an ASH scan.
package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/outofoffice3/ash/internal/awsclientmgr"
	"github.com/outofoffice3/ash/internal/cache"
	"github.com/outofoffice3/ash/internal/config"
	"github.com/outofoffice3/ash/internal/converter"
	"github.com/outofoffice3/ash/internal/errormgr"
	"github.com/outofoffice3/ash/internal/gotracker"
	"github.com/outofoffice3/ash/internal/metricmgr"
	"github.com/outofoffice3/ash/internal/reporter"
	"github.com/outofoffice3/ash/internal/results"
	"github.com/outofoffice3/ash/internal/sarif"
	"github.com/outofoffice3/ash/internal/scanner"
	"github.com/outofoffice3/ash/internal/scanset"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/outofoffice3/ash/internal/writer"
	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/pkg/errors"
)

type Options struct {
	Config    *config.AshConfig
	SourceDir string
	OutputDir string
	// Files is the scan set of SourceDir. It is computed when nil.
	Files  []string
	Phases []shared.Phase
	// Strategy overrides the configured execution strategy when set.
	Strategy           shared.ExecutionStrategy
	Selection          scanner.Selection
	ShowProgress       bool
	ProgressWriter     io.Writer
	IgnoreSuppressions bool

	Log         *logger.Logger
	AWS         awsclientmgr.Provider
	ResultToken string

	Scanners   *scanner.Registry
	Converters *converter.Registry
	Reporters  *reporter.Registry
}

type Engine struct {
	opts    Options
	cfg     *config.AshConfig
	log     *logger.Logger
	metrics metricmgr.MetricMgr
	errs    errormgr.ErrorMgr
	tracker gotracker.GoroutineTracker
	cache   cache.Cache
}

func New(opts Options) (*Engine, error) {
	if opts.SourceDir == "" {
		return nil, errors.New("source dir is required")
	}
	src, err := filepath.Abs(opts.SourceDir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving source dir %s", opts.SourceDir)
	}
	opts.SourceDir = src
	if opts.OutputDir == "" {
		opts.OutputDir = filepath.Join(src, shared.DefaultOutputDir)
	}
	if opts.OutputDir, err = filepath.Abs(opts.OutputDir); err != nil {
		return nil, errors.Wrapf(err, "resolving output dir %s", opts.OutputDir)
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if len(opts.Phases) == 0 {
		opts.Phases = shared.AllPhases
	}
	if opts.Strategy == "" {
		opts.Strategy = opts.Config.Execution.Strategy
	}
	if opts.Log == nil {
		opts.Log = logger.Default()
	}
	if opts.ProgressWriter == nil {
		opts.ProgressWriter = os.Stderr
	}
	if opts.Scanners == nil {
		opts.Scanners = scanner.DefaultRegistry()
	}
	if opts.Converters == nil {
		opts.Converters = converter.DefaultRegistry()
	}
	if opts.Reporters == nil {
		opts.Reporters = reporter.DefaultRegistry()
	}
	return &Engine{
		opts:    opts,
		cfg:     opts.Config,
		log:     opts.Log,
		metrics: metricmgr.Init(),
		errs:    errormgr.NewErrorMgr(),
		tracker: gotracker.NewTracker(),
		cache:   cache.NewCache(),
	}, nil
}

func (e *Engine) Metrics() metricmgr.MetricMgr { return e.metrics }

func (e *Engine) Errors() errormgr.ErrorMgr { return e.errs }

func (e *Engine) Tracker() gotracker.GoroutineTracker { return e.tracker }

func (e *Engine) HasPhase(p shared.Phase) bool {
	for _, phase := range e.opts.Phases {
		if strings.EqualFold(string(phase), string(p)) {
			return true
		}
	}
	return false
}

func (e *Engine) workDir() string { return filepath.Join(e.opts.OutputDir, shared.WorkDirName) }

// ConvertedDir receives the output of the convert phase.
func (e *Engine) ConvertedDir() string {
	return filepath.Join(e.workDir(), shared.ConvertedDirName)
}

// Run executes the selected phases in the order convert, scan, report and
// returns the evaluated results. Component failures are recorded on the
// results and in Errors(); only a cancelled context or an unreadable source
// tree fails the run.
func (e *Engine) Run(ctx context.Context) (*results.AggregatedResults, error) {
	res := results.New(e.cfg.ProjectName, e.opts.SourceDir, e.opts.OutputDir)

	files, excluded := e.opts.Files, []string(nil)
	if files == nil {
		set, err := scanset.Walk(scanset.ScanSetConfig{
			SourceDir:    e.opts.SourceDir,
			ExtraIgnores: ignorePatterns(e.cfg.GlobalSettings.IgnorePaths),
			OutputDir:    e.workDir(),
			SkipDirs:     []string{e.opts.OutputDir},
			Log:          e.log.Named("scanset"),
		})
		if err != nil {
			return res, err
		}
		files, excluded = set.Files, set.Excluded
	}
	_ = e.metrics.IncrementMetric(metricmgr.TotalFilesScanned, int32(len(files)))

	targets := []scanner.Target{{Name: scanner.TargetSource, Dir: e.opts.SourceDir, Files: files, Excluded: excluded}}
	if e.HasPhase(shared.PhaseConvert) {
		e.log.Infof("🔄 Starting convert phase")
		if t, ok := e.convert(ctx, res, files); ok {
			targets = append(targets, t)
		}
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	if e.HasPhase(shared.PhaseScan) {
		e.log.Infof("🔎 Starting scan phase")
		e.scan(ctx, res, targets)
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}
	e.evaluate(res)

	if e.HasPhase(shared.PhaseReport) {
		e.log.Infof("📝 Starting report phase")
		if _, err := e.Report(ctx, res); err != nil {
			e.log.Warnf("Some reports failed: %v", err)
		}
	}
	e.recordMetrics(res)
	e.writeWorkLogs()
	return res, ctx.Err()
}

// recordMetrics copies the current counters into the results metadata.
// Counters still at zero keep a value loaded with the results.
func (e *Engine) recordMetrics(res *results.AggregatedResults) {
	if res.Metadata.Metrics == nil {
		res.Metadata.Metrics = make(map[string]int32, len(metricmgr.AllMetrics))
	}
	for m, v := range e.metrics.Snapshot() {
		if _, ok := res.Metadata.Metrics[string(m)]; !ok || v != 0 {
			res.Metadata.Metrics[string(m)] = v
		}
	}
}

func ignorePatterns(paths []shared.IgnorePath) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, p.Path)
	}
	return out
}

// convert runs the enabled converters and returns the converted target when
// they produced any file.
func (e *Engine) convert(ctx context.Context, res *results.AggregatedResults, files []string) (scanner.Target, bool) {
	log := e.log.Named("convert")
	converters, err := e.opts.Converters.Build(e.cfg, converter.Env{
		Log:         log,
		Metrics:     e.metrics,
		IgnorePaths: e.cfg.GlobalSettings.IgnorePaths,
	})
	if err != nil {
		log.Errorf("Unable to build converters: %v", err)
		e.errs.StoreError(errormgr.Error{Phase: shared.PhaseConvert, Component: "registry", Message: err.Error()})
	}

	dir := e.ConvertedDir()
	converted := 0
	for _, c := range converters {
		if ctx.Err() != nil {
			break
		}
		paths, err := c.Convert(ctx, e.opts.SourceDir, files, dir)
		cr := &results.ConverterResult{Name: c.Name(), ConvertedPaths: paths}
		res.ConverterResults[c.Name()] = cr
		_ = e.metrics.IncrementMetric(metricmgr.TotalConvertersRun, 1)
		if err != nil {
			_ = e.metrics.IncrementMetric(metricmgr.TotalFailedConverters, 1)
			cr.Error = err.Error()
			log.Errorf("Converter %s failed: %v", c.Name(), err)
			e.errs.StoreError(errormgr.Error{Phase: shared.PhaseConvert, Component: c.Name(), Message: err.Error()})
		}
		log.Verbosef("Converter %s produced %d files", c.Name(), len(paths))
		converted += len(paths)
	}
	if converted == 0 {
		return scanner.Target{}, false
	}

	set, err := scanset.Walk(scanset.ScanSetConfig{SourceDir: dir, Log: e.log.Named("scanset")})
	if err != nil || len(set.Files) == 0 {
		if err != nil {
			log.Warnf("Unable to list converted files: %v", err)
		}
		return scanner.Target{}, false
	}
	_ = e.metrics.IncrementMetric(metricmgr.TotalFilesScanned, int32(len(set.Files)))
	return scanner.Target{Name: scanner.TargetConverted, Dir: dir, Files: set.Files, Excluded: set.Excluded}, true
}

// evaluate applies ignore paths and suppressions, then flattens and counts
// findings against the threshold.
func (e *Engine) evaluate(res *results.AggregatedResults) {
	settings := e.cfg.GlobalSettings
	res.SARIF = sarif.ApplySuppressions(res.SARIF, sarif.ApplyOptions{
		SourceDir:          e.opts.SourceDir,
		OutputDir:          e.opts.OutputDir,
		IgnorePaths:        settings.IgnorePaths,
		Suppressions:       settings.Suppressions,
		IgnoreSuppressions: e.opts.IgnoreSuppressions,
		Log:                e.log.Named("suppression"),
	})
	threshold := settings.SeverityThreshold
	if threshold == "" {
		threshold = shared.ThresholdMedium
	}
	actionable := res.Evaluate(threshold)
	stats := res.Metadata.SummaryStats
	_ = e.metrics.IncrementMetric(metricmgr.TotalFindings, int32(stats.Total))
	_ = e.metrics.IncrementMetric(metricmgr.TotalSuppressed, int32(stats.Suppressed))
	e.log.Infof("📊 %d findings, %d actionable at threshold %s, %d suppressed", stats.Total, actionable, threshold, stats.Suppressed)
}

// Report runs the enabled reporters over res.
func (e *Engine) Report(ctx context.Context, res *results.AggregatedResults) (map[string]string, error) {
	log := e.log.Named("report")
	env := reporter.Env{
		Log:         log,
		Metrics:     e.metrics,
		Writer:      writer.Init(writer.WriterInitConfig{BaseDir: e.opts.OutputDir}),
		AWS:         e.opts.AWS,
		Settings:    e.cfg.AWS,
		ResultToken: e.opts.ResultToken,
	}
	e.recordMetrics(res)
	reporters, err := e.opts.Reporters.Build(e.cfg, env)
	if err != nil {
		log.Errorf("Unable to build reporters: %v", err)
		e.errs.StoreError(errormgr.Error{Phase: shared.PhaseReport, Component: "registry", Message: err.Error()})
	}
	locations, runErr := reporter.Run(ctx, reporters, res, filepath.Join(e.opts.OutputDir, shared.ReportsDirName), env)
	if runErr != nil {
		e.errs.StoreError(errormgr.Error{Phase: shared.PhaseReport, Component: "reporters", Message: runErr.Error()})
	}
	names := make([]string, 0, len(locations))
	for name := range locations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		log.Infof("💾 %s report: %s", name, locations[name])
	}
	if err != nil && runErr == nil {
		return locations, err
	}
	return locations, runErr
}

// writeWorkLogs leaves the error log and, at TRACE, the goroutine log in the
// work dir.
func (e *Engine) writeWorkLogs() {
	if errs := e.errs.GetErrors(); len(errs) > 0 {
		path := filepath.Join(e.workDir(), shared.ErrorLogFileName)
		if err := e.errs.WriteCSV(path); err != nil {
			e.log.Warnf("unable to write %s: %v", path, err)
		}
	}
	if !e.tracker.AreAllGoroutinesClosed() {
		e.log.Warnf("scanner tasks still running: %v", e.tracker.ActiveGoroutines())
	}
	if e.log.Enabled(logger.TraceLevel) {
		path := filepath.Join(e.workDir(), shared.GoroutineLogFileName)
		if err := e.tracker.WriteCSV(path); err != nil {
			e.log.Warnf("unable to write %s: %v", path, err)
		}
	}
}
