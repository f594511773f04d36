package engine

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/outofoffice3/ash/internal/config"
	"github.com/outofoffice3/ash/internal/errormgr"
	"github.com/outofoffice3/ash/internal/metricmgr"
	"github.com/outofoffice3/ash/internal/results"
	"github.com/outofoffice3/ash/internal/sarif"
	"github.com/outofoffice3/ash/internal/scanner"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// outcome is what one scanner task produced over every target.
type outcome struct {
	name     string
	kind     shared.ScannerType
	version  string
	status   shared.ScannerStatus
	message  string
	exitCode int
	targets  []string
	reports  []*sarif.Report
	duration time.Duration
	ran      bool
}

func (e *Engine) scannerEnv() scanner.Env {
	return scanner.Env{
		OutputDir: e.opts.OutputDir,
		Log:       e.log.Named("scanner"),
		Cache:     e.cache,
		Metrics:   e.metrics,
		AWS:       e.opts.AWS,
	}
}

// scan runs every selected scanner over targets and merges their reports
// into res.
func (e *Engine) scan(ctx context.Context, res *results.AggregatedResults, targets []scanner.Target) {
	log := e.log.Named("scan")
	scanners, err := e.opts.Scanners.Build(e.cfg, e.scannerEnv(), e.opts.Selection)
	if err != nil {
		log.Errorf("Unable to build scanners: %v", err)
		e.errs.StoreError(errormgr.Error{Phase: shared.PhaseScan, Component: "registry", Message: err.Error()})
	}
	e.markSkipped(res, scanners)
	if len(scanners) == 0 {
		log.Warnf("No scanners selected")
		return
	}

	outcomes := make([]outcome, len(scanners))
	for i, s := range scanners {
		outcomes[i] = outcome{name: s.Name(), kind: s.Type()}
	}

	errCh := make(chan error)
	listened := make(chan struct{})
	go func() {
		e.errs.ListenForErrors(errCh)
		close(listened)
	}()

	var bar *progressbar.ProgressBar
	if e.opts.ShowProgress {
		bar = progressbar.NewOptions(len(scanners),
			progressbar.OptionSetWriter(e.opts.ProgressWriter),
			progressbar.OptionSetDescription("Scanning"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}
	done := func(i int) {
		if bar != nil {
			_ = bar.Add(1)
		}
		o := outcomes[i]
		log.Infof("Completed scanner: %s (%s)", o.name, o.status)
	}

	if e.opts.Strategy == shared.Sequential {
		log.Infof("Executing %d scanners sequentially", len(scanners))
		for i, s := range scanners {
			if ctx.Err() != nil {
				break
			}
			outcomes[i] = e.runScanner(ctx, s, targets, errCh)
			done(i)
		}
	} else {
		workers := e.cfg.Execution.MaxWorkers
		if workers <= 0 {
			workers = 4
		}
		log.Infof("Executing %d scanners in parallel on %d workers", len(scanners), workers)
		pool := pond.New(workers, len(scanners), pond.Strategy(pond.Lazy()))
		group := pool.Group()
		var mu sync.Mutex
		for i, s := range scanners {
			if ctx.Err() != nil {
				break
			}
			i, s := i, s
			e.tracker.TrackGoroutine("scanTask", s.Name())
			group.Submit(func() {
				defer e.tracker.TrackDeferCall("scanTask", s.Name())
				// a task dequeued after cancellation never runs and is recorded SKIPPED
				if ctx.Err() != nil {
					return
				}
				o := e.runScanner(ctx, s, targets, errCh)
				mu.Lock()
				defer mu.Unlock()
				outcomes[i] = o
				done(i)
			})
		}
		group.Wait()
		pool.StopAndWait()
	}
	if bar != nil {
		_ = bar.Finish()
	}
	close(errCh)
	<-listened

	reports := []*sarif.Report{}
	for _, o := range outcomes {
		sr := res.Scanner(o.name)
		sr.Type = o.kind
		if !o.ran {
			sr.Status = shared.StatusSkipped
			sr.Error = "scan cancelled"
			continue
		}
		_ = e.metrics.IncrementMetric(metricmgr.TotalScannersRun, 1)
		sr.Version = o.version
		sr.Targets = o.targets
		sr.ExitCode = o.exitCode
		sr.Duration = o.duration.Seconds()
		sr.Error = o.message
		if o.status != "" {
			sr.Status = o.status
		}
		if o.status == shared.StatusError {
			_ = e.metrics.IncrementMetric(metricmgr.TotalFailedScanners, 1)
		}
		reports = append(reports, o.reports...)
	}
	res.SARIF = sarif.Merge(reports...)
}

// markSkipped records configured scanners that will not run.
func (e *Engine) markSkipped(res *results.AggregatedResults, scanners []scanner.Scanner) {
	selected := map[string]bool{}
	for _, s := range scanners {
		selected[s.Name()] = true
	}
	excluded := map[string]bool{}
	for _, name := range e.opts.Selection.Exclude {
		excluded[config.NormalizeName(name)] = true
	}
	names := make([]string, 0, len(e.cfg.Scanners))
	for name := range e.cfg.Scanners {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if selected[name] {
			continue
		}
		sr := res.Scanner(name)
		sr.Status = shared.StatusSkipped
		sr.Excluded = excluded[name]
	}
}

// runScanner validates s and scans each target in turn. Failures are sent to
// errCh and recorded on the outcome.
func (e *Engine) runScanner(ctx context.Context, s scanner.Scanner, targets []scanner.Target, errCh chan<- error) outcome {
	defer e.tracker.Track("runScanner", s.Name())()
	log := e.log.Named("scan").Named(s.Name())
	start := time.Now()
	o := outcome{name: s.Name(), kind: s.Type(), ran: true}

	avail := s.Validate(ctx)
	o.version = avail.Version
	if !avail.Available {
		log.Warnf("⚠️ %s is not available: %s", s.Name(), avail.Message)
		o.status = shared.StatusMissing
		o.message = avail.Message
		o.duration = time.Since(start)
		return o
	}

	failures := []string{}
	for _, t := range targets {
		if ctx.Err() != nil {
			failures = append(failures, ctx.Err().Error())
			break
		}
		log.Debugf("Scanning %s target %s", t.Name, t.Dir)
		report, err := s.Scan(ctx, t)
		if code := scanner.ExitCode(report); code > o.exitCode {
			o.exitCode = code
		}
		if err != nil {
			if errors.Is(err, scanner.ErrUnavailable) {
				o.status = shared.StatusMissing
				o.message = err.Error()
				break
			}
			log.Errorf("🔴 Failed to execute %s scanner on %s: %v", s.Name(), t.Name, err)
			errCh <- errormgr.Error{Phase: shared.PhaseScan, Component: s.Name(), Target: t.Name, Message: err.Error()}
			failures = append(failures, t.Name+": "+err.Error())
		} else {
			o.targets = append(o.targets, t.Name)
		}
		// partial results of a failed target are kept
		if report == nil {
			continue
		}
		e.relocate(report, t)
		invocation := map[string]interface{}{"target": t.Name, "exit_code": scanner.ExitCode(report)}
		o.reports = append(o.reports, sarif.AttachScannerDetails(report, s.Name(), avail.Version, invocation))
	}
	if len(failures) > 0 {
		o.status = shared.StatusError
		o.message = strings.Join(failures, "; ")
	}
	o.duration = time.Since(start)
	return o
}

// relocate rewrites report locations relative to the source dir. Locations
// of converted targets keep their path below the output dir, or become
// absolute when the output dir is outside the source tree.
func (e *Engine) relocate(report *sarif.Report, t scanner.Target) {
	sarif.SanitizePaths(report, t.Dir)
	if t.Dir == e.opts.SourceDir {
		return
	}
	prefix := filepath.ToSlash(t.Dir)
	if rel, err := filepath.Rel(e.opts.SourceDir, t.Dir); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		prefix = filepath.ToSlash(rel)
	}
	fix := func(locs []*sarif.Location) {
		for _, loc := range locs {
			if loc == nil || loc.PhysicalLocation == nil || loc.PhysicalLocation.ArtifactLocation == nil {
				continue
			}
			al := loc.PhysicalLocation.ArtifactLocation
			if al.URI == "" || filepath.IsAbs(filepath.FromSlash(al.URI)) || strings.HasPrefix(al.URI, "arn:") {
				continue
			}
			al.URI = prefix + "/" + al.URI
		}
	}
	for _, run := range report.Runs {
		for _, r := range run.Results {
			fix(r.Locations)
			fix(r.RelatedLocations)
		}
	}
}
