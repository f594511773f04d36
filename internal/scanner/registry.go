package scanner

import (
	"sort"
	"sync"

	"github.com/outofoffice3/ash/internal/config"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Factory builds a scanner from its configuration.
type Factory func(name string, cfg config.PluginConfig, env Env) (Scanner, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry holds the built-in scanners.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for name, f := range map[string]Factory{
		"bandit":     newBandit,
		"semgrep":    newSemgrep,
		"checkov":    newCheckov,
		"grype":      newGrype,
		"custom":     newCustom,
		"iam-policy": newIAMPolicy,
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
		return errors.Errorf("scanner [%s] is already registered", name)
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

// Selection narrows the enabled scanners of a config.
type Selection struct {
	// Include, when set, replaces the enabled set. Named scanners run even
	// if the config disables them.
	Include []string
	Exclude []string
}

// Build returns the scanners selected from cfg, sorted by name. Scanners that
// fail to build are skipped and their errors combined.
func (r *Registry) Build(cfg *config.AshConfig, env Env, sel Selection) ([]Scanner, error) {
	names := cfg.EnabledScanners()
	if len(sel.Include) > 0 {
		names = normalizeAll(sel.Include)
	}
	excluded := map[string]bool{}
	for _, name := range normalizeAll(sel.Exclude) {
		excluded[name] = true
	}

	var errs error
	scanners := []Scanner{}
	seen := map[string]bool{}
	for _, name := range names {
		if excluded[name] || seen[name] {
			continue
		}
		seen[name] = true
		pc, _ := cfg.ScannerConfig(name)
		f, ok := r.Get(name)
		if !ok && isCustom(pc) {
			f, ok = newCustom, true
		}
		if !ok {
			errs = multierr.Append(errs, errors.Errorf("unknown scanner [%s]", name))
			continue
		}
		s, err := f(name, pc, env)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		scanners = append(scanners, s)
	}
	sort.Slice(scanners, func(i, j int) bool { return scanners[i].Name() < scanners[j].Name() })
	return scanners, errs
}

func normalizeAll(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = config.NormalizeName(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}
