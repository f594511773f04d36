// Package converter turns archives and notebooks in the scan set into plain
// files the scanners can read. Converted files land under
// <output>/work/converted and are scanned as their own target.
package converter

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/outofoffice3/ash/internal/config"
	"github.com/outofoffice3/ash/internal/metricmgr"
	"github.com/outofoffice3/ash/internal/sarif"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

type Converter interface {
	Name() string
	// Convert reads the scan set files of sourceDir and writes its output
	// under outDir. It returns the paths it produced.
	Convert(ctx context.Context, sourceDir string, files []string, outDir string) ([]string, error)
}

// Env carries what converters share during a run.
type Env struct {
	Log         *logger.Logger
	Metrics     metricmgr.MetricMgr
	IgnorePaths []shared.IgnorePath
}

func (e Env) withDefaults() Env {
	if e.Log == nil {
		e.Log = logger.Default()
	}
	if e.Metrics == nil {
		e.Metrics = metricmgr.Init()
	}
	return e
}

// ignored reports whether rel matches a global ignore path.
func (e Env) ignored(rel string) bool {
	for _, ip := range e.IgnorePaths {
		if sarif.PathMatchesPattern(rel, ip.Path) {
			e.Log.Debugf("Skipping conversion of ignored path: %s due to global ignore_path '%s' with reason '%s'", rel, ip.Path, ip.Reason)
			return true
		}
	}
	return false
}

// flatName turns a relative path into a single directory name.
func flatName(rel string) string {
	rel = strings.TrimPrefix(path.Clean(rel), "./")
	return strings.NewReplacer("/", "__", " ", "_", ":", "_").Replace(rel)
}

type Factory func(name string, cfg config.PluginConfig, env Env) (Converter, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry holds the built-in converters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register("archive", newArchive)
	_ = r.Register("jupyter", newJupyter)
	return r
}

func (r *Registry) Register(name string, f Factory) error {
	name = config.NormalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return errors.Errorf("converter [%s] is already registered", name)
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

// Build returns the enabled converters of cfg, sorted by name.
func (r *Registry) Build(cfg *config.AshConfig, env Env) ([]Converter, error) {
	var errs error
	converters := []Converter{}
	for _, name := range cfg.EnabledConverters() {
		f, ok := r.Get(name)
		if !ok {
			errs = multierr.Append(errs, errors.Errorf("unknown converter [%s]", name))
			continue
		}
		c, err := f(name, cfg.Converters[name], env)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		converters = append(converters, c)
	}
	return converters, errs
}
