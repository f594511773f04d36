// Package reporter renders aggregated results into report files and
// publishes them to remote targets.
package reporter

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/outofoffice3/ash/internal/awsclientmgr"
	"github.com/outofoffice3/ash/internal/config"
	"github.com/outofoffice3/ash/internal/metricmgr"
	"github.com/outofoffice3/ash/internal/results"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/outofoffice3/ash/internal/writer"
	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ReportBaseName prefixes every local report file.
const ReportBaseName = "ash"

type Reporter interface {
	Name() string
	Extension() string
	Report(ctx context.Context, res *results.AggregatedResults) ([]byte, error)
}

// Publisher delivers a rendered report to a remote target instead of the
// local reports directory.
type Publisher interface {
	Reporter
	Publish(ctx context.Context, res *results.AggregatedResults, data []byte) (string, error)
}

type Env struct {
	Log     *logger.Logger
	Metrics metricmgr.MetricMgr
	// Writer writes local reports, anchored at the output dir
	Writer writer.Writer
	AWS    awsclientmgr.Provider
	// AWS settings resolved from the config and the environment
	Settings config.AWSSettings
	// ResultToken is the AWS Config result token of a lambda invocation
	ResultToken string
	Now         func() time.Time
}

func (e Env) withDefaults() Env {
	if e.Log == nil {
		e.Log = logger.Default()
	}
	if e.Metrics == nil {
		e.Metrics = metricmgr.Init()
	}
	if e.Writer == nil {
		e.Writer = writer.Init(writer.WriterInitConfig{})
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	return e
}

// Factory builds a reporter from its configuration.
type Factory func(name string, cfg config.PluginConfig, env Env) (Reporter, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry holds the built-in local and remote reporters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for name, f := range map[string]Factory{
		"json":            newJSON,
		"flat-json":       newFlatJSON,
		"sarif":           newSARIF,
		"yaml":            newYAML,
		"csv":             newCSV,
		"markdown":        newMarkdown,
		"text":            newText,
		"junitxml":        newJUnit,
		"s3":              newS3,
		"cloudwatch-logs": newCloudWatchLogs,
		"aws-config":      newAWSConfig,
	} {
		_ = r.Register(name, f)
	}
	return r
}

func (r *Registry) Register(name string, f Factory) error {
	name = config.NormalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return errors.Errorf("reporter [%s] is already registered", name)
	}
	r.factories[name] = f
	return nil
}

func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[config.NormalizeName(name)]
	return f, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build returns the enabled reporters of cfg, sorted by name.
func (r *Registry) Build(cfg *config.AshConfig, env Env) ([]Reporter, error) {
	var errs error
	reporters := []Reporter{}
	for _, name := range cfg.EnabledReporters() {
		f, ok := r.Get(name)
		if !ok {
			errs = multierr.Append(errs, errors.Errorf("unknown reporter [%s]", name))
			continue
		}
		rep, err := f(name, cfg.Reporters[name], env)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		reporters = append(reporters, rep)
	}
	return reporters, errs
}

// FileName is the local file a reporter writes under the reports dir.
func FileName(r Reporter) string {
	return ReportBaseName + "." + r.Extension()
}

// Run renders every reporter. Local reports are written to reportsDir and
// publishers deliver theirs. A failing reporter does not stop the others.
// The returned map holds the location of each report by reporter name.
func Run(ctx context.Context, reporters []Reporter, res *results.AggregatedResults, reportsDir string, env Env) (map[string]string, error) {
	env = env.withDefaults()
	locations := map[string]string{}
	var errs error
	for _, r := range reporters {
		if err := ctx.Err(); err != nil {
			return locations, multierr.Append(errs, err)
		}
		location, err := run(ctx, r, res, reportsDir, env)
		if err != nil {
			_ = env.Metrics.IncrementMetric(metricmgr.TotalFailedReports, 1)
			env.Log.Errorf("Reporter %s failed: %v", r.Name(), err)
			errs = multierr.Append(errs, errors.Wrapf(err, "reporter [%s]", r.Name()))
			continue
		}
		_ = env.Metrics.IncrementMetric(metricmgr.TotalReportsWritten, 1)
		env.Log.Verbosef("Report %s written to %s", r.Name(), location)
		locations[r.Name()] = location
	}
	return locations, errs
}

func run(ctx context.Context, r Reporter, res *results.AggregatedResults, reportsDir string, env Env) (string, error) {
	data, err := r.Report(ctx, res)
	if err != nil {
		return "", err
	}
	if p, ok := r.(Publisher); ok {
		return p.Publish(ctx, res, data)
	}
	return env.Writer.WriteFile(filepath.Join(reportsDir, FileName(r)), data)
}

// sortedFindings orders findings by severity, then scanner, file and line.
func sortedFindings(res *results.AggregatedResults) []shared.Finding {
	entries := res.Entries()
	out := make([]shared.Finding, 0, entries.Len())
	for _, sev := range shared.AllSeverities {
		bucket, err := entries.GetEntries(sev)
		if err != nil {
			continue
		}
		sort.SliceStable(bucket, func(i, j int) bool {
			a, b := bucket[i], bucket[j]
			if a.Scanner != b.Scanner {
				return a.Scanner < b.Scanner
			}
			if a.FilePath != b.FilePath {
				return a.FilePath < b.FilePath
			}
			return a.LineStart < b.LineStart
		})
		out = append(out, bucket...)
	}
	return out
}

// actionable reports whether f counts against the threshold of res.
func actionable(res *results.AggregatedResults, f shared.Finding) bool {
	return !f.Suppressed && res.Metadata.Threshold.Includes(f.Severity)
}
