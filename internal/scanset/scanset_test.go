package scanset

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/stretchr/testify/assert"
)

var testLog = logger.GetLogger("scanset-test", logger.WithWriter(io.Discard))

func writeFiles(t *testing.T, root string, files map[string]string) {
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestComputeHonoursIgnoreFiles(t *testing.T) {
	assertion := assert.New(t)
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		".gitignore":              "# build output\n*.log\nbuild/\n!keep.log\n/top.txt\n",
		"main.py":                 "",
		"debug.log":               "",
		"keep.log":                "",
		"top.txt":                 "",
		"sub/top.txt":             "",
		"build/out.js":            "",
		"sub/.ignore":             "secret.env\n",
		"sub/secret.env":          "",
		"sub/app.py":              "",
		"other/secret.env":        "",
		".git/config":             "",
		"node_modules/x/index.js": "",
	})

	files, err := Compute(ScanSetConfig{SourceDir: root, Log: testLog})
	assertion.NoError(err)
	assertion.Equal([]string{
		".gitignore",
		"keep.log",
		"main.py",
		"other/secret.env",
		"sub/.ignore",
		"sub/app.py",
		"sub/top.txt",
	}, files)
}

func TestComputeExtraIgnoresAndFilter(t *testing.T) {
	assertion := assert.New(t)
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/a.py":        "",
		"src/b.go":        "",
		"tests/test_a.py": "",
		"docs/deep/x.md":  "",
	})

	files, err := Compute(ScanSetConfig{
		SourceDir:    root,
		ExtraIgnores: []string{"tests/", "docs/**/*.md"},
		Log:          testLog,
	})
	assertion.NoError(err)
	assertion.Equal([]string{"src/a.py", "src/b.go"}, files)

	files, err = Compute(ScanSetConfig{SourceDir: root, Filter: regexp.MustCompile(`\.py$`), Log: testLog})
	assertion.NoError(err)
	assertion.Equal([]string{"src/a.py", "tests/test_a.py"}, files)
}

func TestComputeWritesReports(t *testing.T) {
	assertion := assert.New(t)
	root := t.TempDir()
	out := t.TempDir()
	writeFiles(t, root, map[string]string{".gitignore": "*.tmp\n", "a.py": "", "b.tmp": ""})

	_, err := Compute(ScanSetConfig{SourceDir: root, OutputDir: out, Log: testLog})
	assertion.NoError(err)

	list, err := os.ReadFile(filepath.Join(out, FileListFileName))
	assertion.NoError(err)
	assertion.Equal(".gitignore\na.py", string(list))

	report, err := os.ReadFile(filepath.Join(out, IgnoreReportFileName))
	assertion.NoError(err)
	assertion.Contains(string(report), "START CONTENTS: ${SOURCE_DIR}/.gitignore")
	assertion.Contains(string(report), "*.tmp")
}

func TestComputeMissingDir(t *testing.T) {
	assertion := assert.New(t)
	_, err := Compute(ScanSetConfig{SourceDir: filepath.Join(t.TempDir(), "nope"), Log: testLog})
	assertion.Error(err)
}

func TestParseRule(t *testing.T) {
	assertion := assert.New(t)

	_, ok := parseRule("", "# comment")
	assertion.False(ok)
	_, ok = parseRule("", "   ")
	assertion.False(ok)

	r, ok := parseRule("sub", "!/dist/")
	assertion.True(ok)
	assertion.True(r.negate)
	assertion.True(r.anchored)
	assertion.True(r.dirOnly)
	assertion.Equal("dist", r.pattern)

	assertion.True(r.matches("sub/dist", true))
	assertion.False(r.matches("sub/dist", false))
	assertion.False(r.matches("sub/x/dist", true))
}

func TestWalkReportsExcluded(t *testing.T) {
	assertion := assert.New(t)
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		".gitignore":        "vendor/\n*.log\n",
		"app.py":            "",
		"debug.log":         "",
		"vendor/gen.py":     "",
		".venv/lib.py":      "",
		"out/report.json":   "",
		"src/handler.py":    "",
		"src/.ignore":       "fixtures/\n",
		"src/fixtures/x.py": "",
	})

	set, err := Walk(ScanSetConfig{SourceDir: root, SkipDirs: []string{filepath.Join(root, "out")}, Log: testLog})
	assertion.NoError(err)
	assertion.Equal([]string{".gitignore", "app.py", "src/.ignore", "src/handler.py"}, set.Files)
	assertion.Equal([]string{".venv", "debug.log", "out", "src/fixtures", "vendor"}, set.Excluded)

	assertion.True(set.Excludes("vendor/gen.py"))
	assertion.True(set.Excludes("./src/fixtures/x.py"))
	assertion.True(set.Excludes("out"))
	assertion.False(set.Excludes("app.py"))
	assertion.False(set.Excludes("vendored.py"))
}
