// Package scanset computes the list of source files a scan covers.
package scanset

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/pkg/errors"
)

const (
	IgnoreReportFileName = "ash-ignore-report.txt"
	FileListFileName     = "ash-scan-set-files-list.txt"
)

var ignoreFileNames = []string{".gitignore", ".ignore"}

type ScanSetConfig struct {
	SourceDir string
	// ExtraIgnores are gitignore-style patterns anchored at SourceDir.
	ExtraIgnores []string
	// OutputDir receives the ignore report and the file list when set.
	OutputDir string
	// SkipDirs are absolute directories left out of the walk, such as the
	// ASH output dir when it lives inside SourceDir.
	SkipDirs []string
	Filter   *regexp.Regexp
	Log      *logger.Logger
}

// ScanSet is the outcome of a walk. Excluded lists what the walk left out:
// a directory entry stands for everything below it.
type ScanSet struct {
	Files    []string
	Excluded []string
}

type rule struct {
	base     string
	pattern  string
	negate   bool
	dirOnly  bool
	anchored bool
}

// parseRule turns one ignore-file line into a rule. ok is false for blanks and comments.
func parseRule(base, line string) (rule, bool) {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return rule{}, false
	}
	r := rule{base: base}
	if strings.HasPrefix(line, "!") {
		r.negate = true
		line = line[1:]
	} else if strings.HasPrefix(line, `\`) {
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		r.anchored = true
		line = strings.TrimPrefix(line, "/")
	} else if strings.Contains(line, "/") && !strings.HasPrefix(line, "**/") {
		r.anchored = true
	}
	if line == "" {
		return rule{}, false
	}
	r.pattern = line
	return r, true
}

func (r rule) matches(rel string, isDir bool) bool {
	if r.dirOnly && !isDir {
		return false
	}
	if r.base != "" {
		if !strings.HasPrefix(rel, r.base+"/") {
			return false
		}
		rel = strings.TrimPrefix(rel, r.base+"/")
	}
	target := rel
	if !r.anchored {
		if !strings.Contains(r.pattern, "/") {
			target = path.Base(rel)
		}
	}
	ok, err := doublestar.Match(r.pattern, target)
	return err == nil && ok
}

type walker struct {
	cfg    ScanSetConfig
	rules  map[string][]rule
	report []string
}

// ignored applies the rules of every ancestor directory in order; the last match wins.
func (w *walker) ignored(rel string, isDir bool) bool {
	dirs := []string{""}
	parent := path.Dir(rel)
	if parent != "." {
		parts := strings.Split(parent, "/")
		for i := range parts {
			dirs = append(dirs, strings.Join(parts[:i+1], "/"))
		}
	}
	ignored := false
	for _, d := range dirs {
		for _, r := range w.rules[d] {
			if r.matches(rel, isDir) {
				ignored = !r.negate
			}
		}
	}
	return ignored
}

func (w *walker) loadIgnoreFiles(dir, rel string) error {
	for _, name := range ignoreFileNames {
		p := filepath.Join(dir, name)
		f, err := os.Open(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "opening %s", p)
		}
		w.report = append(w.report, "######### START CONTENTS: ${SOURCE_DIR}/"+path.Join(rel, name)+" #########")
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := sc.Text()
			w.report = append(w.report, strings.TrimSpace(line))
			if r, ok := parseRule(rel, line); ok {
				w.rules[rel] = append(w.rules[rel], r)
			}
		}
		f.Close()
		if err := sc.Err(); err != nil {
			return errors.Wrapf(err, "reading %s", p)
		}
		w.report = append(w.report, "######### END CONTENTS: ${SOURCE_DIR}/"+path.Join(rel, name)+" #########", "")
		w.cfg.Log.Debugf("Found ignore file: ${SOURCE_DIR}/%s", path.Join(rel, name))
	}
	return nil
}

func isKnownIgnoreDir(name string) bool {
	for _, d := range shared.KnownIgnoreDirs {
		if d == name {
			return true
		}
	}
	return false
}

// Compute walks SourceDir and returns the files not excluded by known
// directories, ignore files or extra patterns, as sorted relative slash paths.
func Compute(cfg ScanSetConfig) ([]string, error) {
	set, err := Walk(cfg)
	if set == nil {
		return nil, err
	}
	return set.Files, err
}

// Walk is Compute that also returns the excluded paths, so tools that walk
// the tree themselves can be told what to skip.
func Walk(cfg ScanSetConfig) (*ScanSet, error) {
	if cfg.Log == nil {
		cfg.Log = logger.Default()
	}
	root, err := filepath.Abs(cfg.SourceDir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving source dir %s", cfg.SourceDir)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "reading source dir %s", cfg.SourceDir)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("source dir %s is not a directory", cfg.SourceDir)
	}

	w := &walker{cfg: cfg, rules: map[string][]rule{}}
	if len(cfg.ExtraIgnores) > 0 {
		w.report = append(w.report, "######### START CONTENTS: ASH_IGNORE_PATHS #########")
		for _, p := range cfg.ExtraIgnores {
			w.report = append(w.report, p)
			if r, ok := parseRule("", p); ok {
				w.rules[""] = append(w.rules[""], r)
			}
		}
		w.report = append(w.report, "######### END CONTENTS: ASH_IGNORE_PATHS #########", "")
	}

	skip := map[string]bool{}
	for _, d := range cfg.SkipDirs {
		if abs, err := filepath.Abs(d); err == nil {
			skip[abs] = true
		}
	}

	files := []string{}
	excluded := []string{}
	err = filepath.WalkDir(root, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			cfg.Log.Warnf("Unable to read %s: %v", p, walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == "." {
				return w.loadIgnoreFiles(p, "")
			}
			if isKnownIgnoreDir(d.Name()) || skip[p] || w.ignored(rel, true) {
				cfg.Log.Tracef("Skipping directory %s", rel)
				excluded = append(excluded, rel)
				return filepath.SkipDir
			}
			return w.loadIgnoreFiles(p, rel)
		}
		if w.ignored(rel, false) || (cfg.Filter != nil && !cfg.Filter.MatchString(rel)) {
			excluded = append(excluded, rel)
			return nil
		}
		cfg.Log.Tracef("Matched file for scan set: ${SOURCE_DIR}/%s", rel)
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "walking source dir")
	}
	sort.Strings(files)
	sort.Strings(excluded)
	set := &ScanSet{Files: files, Excluded: excluded}

	if cfg.OutputDir != "" {
		if err := w.writeReports(files); err != nil {
			return set, err
		}
	}
	cfg.Log.Verbosef("Scan set contains %d files, %d paths excluded", len(files), len(excluded))
	return set, nil
}

// Excludes reports whether rel, a slash path relative to the walked
// directory, is one of the excluded paths or lies below one.
func (s *ScanSet) Excludes(rel string) bool {
	return IsExcluded(s.Excluded, rel)
}

// IsExcluded reports whether rel equals or lies below one of excluded.
func IsExcluded(excluded []string, rel string) bool {
	rel = strings.TrimPrefix(path.Clean(filepath.ToSlash(rel)), "./")
	for _, e := range excluded {
		if rel == e || strings.HasPrefix(rel, e+"/") {
			return true
		}
	}
	return false
}

func (w *walker) writeReports(files []string) error {
	if err := os.MkdirAll(w.cfg.OutputDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", w.cfg.OutputDir)
	}
	if err := os.WriteFile(filepath.Join(w.cfg.OutputDir, IgnoreReportFileName), []byte(strings.Join(w.report, "\n")), 0o644); err != nil {
		return errors.Wrap(err, "writing ignore report")
	}
	if err := os.WriteFile(filepath.Join(w.cfg.OutputDir, FileListFileName), []byte(strings.Join(files, "\n")), 0o644); err != nil {
		return errors.Wrap(err, "writing scan set file list")
	}
	return nil
}
