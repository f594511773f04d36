// Package scanner runs security tools over a scan target and returns their
// findings as SARIF.
package scanner

import (
	"context"

	"github.com/outofoffice3/ash/internal/awsclientmgr"
	"github.com/outofoffice3/ash/internal/cache"
	"github.com/outofoffice3/ash/internal/metricmgr"
	"github.com/outofoffice3/ash/internal/sarif"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/pkg/errors"
)

const (
	// TargetSource is the project source tree.
	TargetSource = "source"
	// TargetConverted holds the files produced by the convert phase.
	TargetConverted = "converted"
)

// ErrUnavailable is returned by Scan when the tool cannot be run.
var ErrUnavailable = errors.New("scanner tool is not available")

// Target is one directory a scanner runs over.
type Target struct {
	Name string
	Dir  string
	// Files is the scan set relative to Dir.
	Files []string
	// Excluded are the paths below Dir left out of the scan set. A directory
	// stands for everything below it.
	Excluded []string
}

// Availability is the outcome of Validate.
type Availability struct {
	Available bool
	Path      string
	Version   string
	Message   string
}

type Scanner interface {
	Name() string
	Type() shared.ScannerType
	Validate(ctx context.Context) Availability
	// Scan runs the tool over target. The returned report carries one
	// invocation with the tool's exit code.
	Scan(ctx context.Context, target Target) (*sarif.Report, error)
}

// AWSProvider returns the AWS client manager, loading credentials on first use.
type AWSProvider = awsclientmgr.Provider

// Env is shared by every scanner of a run.
type Env struct {
	OutputDir string
	Log       *logger.Logger
	Cache     cache.Cache
	Metrics   metricmgr.MetricMgr
	AWS       AWSProvider
}

func (e Env) withDefaults() Env {
	if e.Log == nil {
		e.Log = logger.Default()
	}
	if e.Cache == nil {
		e.Cache = cache.NewCache()
	}
	if e.Metrics == nil {
		e.Metrics = metricmgr.Init()
	}
	return e
}

// ExitCode returns the exit code recorded on the report's first invocation.
func ExitCode(report *sarif.Report) int {
	if report == nil {
		return 0
	}
	for _, run := range report.Runs {
		for _, inv := range run.Invocations {
			if inv != nil && inv.ExitCode != nil {
				return *inv.ExitCode
			}
		}
	}
	return 0
}

// withInvocation records the command and exit code on the first run, adding
// an empty run for tool when the report has none.
func withInvocation(report *sarif.Report, tool, commandLine string, exitCode int, ok bool) *sarif.Report {
	if report == nil {
		report = sarif.NewReport()
	}
	if len(report.Runs) == 0 {
		report.Runs = append(report.Runs, sarif.NewRun(tool, ""))
	}
	code := exitCode
	inv := &sarif.Invocation{CommandLine: commandLine, ExecutionSuccessful: ok, ExitCode: &code}
	report.Runs[0].Invocations = append([]*sarif.Invocation{inv}, report.Runs[0].Invocations...)
	return report
}
