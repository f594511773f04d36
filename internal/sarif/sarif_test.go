package sarif

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/outofoffice3/ash/internal/shared"
	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/stretchr/testify/assert"
)

var testLog = logger.GetLogger("sarif-test", logger.WithWriter(io.Discard))

func TestFindingIDIsStable(t *testing.T) {
	assertion := assert.New(t)

	a := FindingID("B101", "src/app.py", 10, 12)
	b := FindingID("B101", "src/app.py", 10, 12)
	c := FindingID("B101", "src/app.py", 11, 12)

	assertion.Equal(a, b)
	assertion.NotEqual(a, c)
	assertion.Len(a, 36)

	// zero lines are skipped, not hashed as "0"
	assertion.Equal(FindingID("B101", "src/app.py", 0, 0), FindingID("B101", "src/app.py", -1, 0))
	assertion.NotEqual(FindingID("B101", "", 0, 0), FindingID("B101", "src/app.py", 0, 0))
}

func TestSanitizeURI(t *testing.T) {
	assertion := assert.New(t)
	source := t.TempDir()

	abs := filepath.Join(source, "pkg", "main.go")
	assertion.Equal("pkg/main.go", SanitizeURI(abs, source))
	assertion.Equal("pkg/main.go", SanitizeURI("file://"+abs, source))
	assertion.Equal("pkg/main.go", SanitizeURI("pkg\\main.go", source))
	assertion.Equal("already/relative.py", SanitizeURI("already/relative.py", source))
	assertion.Equal("", SanitizeURI("", source))

	outside := filepath.Join(filepath.Dir(source), "elsewhere.py")
	assertion.Equal(filepath.ToSlash(outside), SanitizeURI(outside, source))
}

func TestSanitizePaths(t *testing.T) {
	assertion := assert.New(t)
	source := t.TempDir()

	result := NewResult("R1", "error", "msg", filepath.Join(source, "a.py"), 1, 1)
	result.RelatedLocations = []*Location{{PhysicalLocation: &PhysicalLocation{ArtifactLocation: &ArtifactLocation{URI: filepath.Join(source, "b.py")}}}}
	result.AnalysisTarget = &ArtifactLocation{URI: "file://" + filepath.Join(source, "c.py")}
	run := NewRun("bandit", "1.7.5")
	run.Results = append(run.Results, result)
	report := NewReport()
	report.Runs = append(report.Runs, run)

	SanitizePaths(report, source)

	uri, _, _ := result.PrimaryLocation()
	assertion.Equal("a.py", uri)
	assertion.Equal("b.py", result.RelatedLocations[0].PhysicalLocation.ArtifactLocation.URI)
	assertion.Equal("c.py", result.AnalysisTarget.URI)
	assertion.Nil(SanitizePaths(nil, source))
}

func TestAttachScannerDetails(t *testing.T) {
	assertion := assert.New(t)

	run := NewRun("Bandit", "")
	run.Results = append(run.Results, NewResult("B101", "warning", "assert used", "a.py", 3, 3))
	report := &Report{Runs: []*Run{run}}

	AttachScannerDetails(report, "bandit", "1.7.5", map[string]interface{}{"command": "bandit -r ."})
	AttachScannerDetails(report, "bandit", "1.7.5", nil)

	assertion.Equal("bandit", run.Tool.Driver.Name)
	assertion.Equal("1.7.5", run.Tool.Driver.Version)
	assertion.Equal([]string{"bandit"}, run.Tool.Driver.Properties["tags"])

	props := run.Results[0].Properties
	assertion.Equal("bandit", props["scanner_name"])
	assertion.Equal("1.7.5", props["scanner_version"])
	assertion.Equal([]string{"bandit"}, props["tags"])
	details, ok := props["scanner_details"].(map[string]interface{})
	if assertion.True(ok) {
		assertion.Equal("bandit", details["tool_name"])
	}
}

func TestPathMatchesPattern(t *testing.T) {
	assertion := assert.New(t)

	assertion.True(PathMatchesPattern("tests/unit/test_app.py", "tests"))
	assertion.True(PathMatchesPattern("tests/unit/test_app.py", "tests/"))
	assertion.True(PathMatchesPattern("tests", "tests"))
	assertion.True(PathMatchesPattern("docs/readme.md", "docs/*.md"))
	assertion.True(PathMatchesPattern("src\\vendor\\lib.js", "src/vendor"))
	assertion.True(PathMatchesPattern("a/b/c/d.txt", "a/**"))

	assertion.False(PathMatchesPattern("testsuite/app.py", "tests"))
	assertion.False(PathMatchesPattern("src/app.py", "tests"))
	assertion.False(PathMatchesPattern("", "tests"))
}

func newReport(results ...*Result) *Report {
	run := NewRun("semgrep", "1.0.0")
	run.Results = append(run.Results, results...)
	report := NewReport()
	report.Runs = append(report.Runs, run)
	return report
}

func TestApplySuppressionsIgnorePaths(t *testing.T) {
	assertion := assert.New(t)

	ignored := NewResult("R1", "error", "m", "tests/test_a.py", 4, 4)
	kept := NewResult("R1", "error", "m", "src/a.py", 4, 4)
	report := newReport(ignored, kept)

	ApplySuppressions(report, ApplyOptions{
		SourceDir:   t.TempDir(),
		IgnorePaths: []shared.IgnorePath{{Path: "tests", Reason: "test code"}},
		Log:         testLog,
	})

	assertion.Len(report.Runs[0].Results, 2)
	if assertion.Len(ignored.Suppressions, 1) {
		assertion.Equal(SuppressionKindExternal, ignored.Suppressions[0].Kind)
		assertion.Equal("(ASH) Suppressing finding on uri 'tests/test_a.py' based on path match against pattern 'tests' with global reason: test code", ignored.Suppressions[0].Justification)
	}
	assertion.False(kept.IsSuppressed())
}

func TestApplySuppressionsRules(t *testing.T) {
	assertion := assert.New(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	inRange := NewResult("B101", "warning", "m", "src/app.py", 10, 10)
	outOfRange := NewResult("B101", "warning", "m", "src/app.py", 40, 40)
	otherRule := NewResult("B602", "warning", "m", "src/app.py", 10, 10)
	expiredRule := NewResult("B303", "warning", "m", "src/app.py", 10, 10)
	report := newReport(inRange, outOfRange, otherRule, expiredRule)

	ApplySuppressions(report, ApplyOptions{
		SourceDir: t.TempDir(),
		Suppressions: []shared.Suppression{
			{RuleID: "B101", Path: "src/*.py", LineStart: 5, LineEnd: 20, Reason: "reviewed"},
			{RuleID: "B303", Path: "src/app.py", Expiration: "2025-01-01"},
		},
		Now: now,
		Log: testLog,
	})

	if assertion.Len(inRange.Suppressions, 1) {
		assertion.Equal("(ASH) Suppressing finding for rule 'B101' in 'src/app.py' with reason: reviewed", inRange.Suppressions[0].Justification)
	}
	assertion.False(outOfRange.IsSuppressed())
	assertion.False(otherRule.IsSuppressed())
	assertion.False(expiredRule.IsSuppressed())
}

func TestApplySuppressionsIgnoreFlag(t *testing.T) {
	assertion := assert.New(t)

	r := NewResult("B101", "warning", "m", "tests/a.py", 1, 1)
	report := newReport(r)
	ApplySuppressions(report, ApplyOptions{
		IgnorePaths:        []shared.IgnorePath{{Path: "tests"}},
		Suppressions:       []shared.Suppression{{RuleID: "B101", Path: "tests/a.py"}},
		IgnoreSuppressions: true,
		Log:                testLog,
	})
	assertion.False(r.IsSuppressed())
}

func TestApplySuppressionsDropsOutputDir(t *testing.T) {
	assertion := assert.New(t)
	source := t.TempDir()
	output := filepath.Join(source, ".ash", "ash_output")
	assertion.NoError(os.MkdirAll(filepath.Join(output, shared.WorkDirName), 0o755))

	inOutput := NewResult("R", "note", "m", ".ash/ash_output/reports/ash.html", 1, 1)
	inWork := NewResult("R", "note", "m", ".ash/ash_output/work/extracted/a.py", 1, 1)
	normal := NewResult("R", "note", "m", "main.py", 1, 1)
	report := newReport(inOutput, inWork, normal)

	ApplySuppressions(report, ApplyOptions{SourceDir: source, OutputDir: output, Log: testLog})

	assertion.Equal([]*Result{inWork, normal}, report.Runs[0].Results)
}

func TestApplySuppressionsDropsRepeatedConvertedResults(t *testing.T) {
	assertion := assert.New(t)
	source := t.TempDir()
	output := filepath.Join(source, ".ash", "ash_output")

	converted := ".ash/ash_output/work/converted/jupyter/nb.py"
	first := NewResult("B105", "error", "m", converted, 1, 1)
	repeat := NewResult("B105", "error", "m", converted, 1, 1)
	otherLine := NewResult("B105", "error", "m", converted, 2, 2)
	sourceA := NewResult("B105", "error", "m", "app.py", 1, 1)
	sourceB := NewResult("B105", "error", "m", "app.py", 1, 1)
	report := Merge(newReport(first, sourceA), newReport(repeat, otherLine, sourceB))

	ApplySuppressions(report, ApplyOptions{SourceDir: source, OutputDir: output, Log: testLog})

	assertion.Equal([]*Result{first, sourceA}, report.Runs[0].Results)
	assertion.Equal([]*Result{otherLine, sourceB}, report.Runs[1].Results)
}

func TestDropExcluded(t *testing.T) {
	assertion := assert.New(t)
	source := t.TempDir()

	kept := NewResult("R", "error", "m", filepath.Join(source, "app.py"), 1, 1)
	venv := NewResult("R", "error", "m", filepath.Join(source, ".venv", "lib.py"), 1, 1)
	vendor := NewResult("R", "error", "m", "vendor/gen.py", 1, 1)
	leadingSlash := NewResult("R", "error", "m", "/vendor/main.tf", 1, 1)
	lookalike := NewResult("R", "error", "m", "vendored.py", 1, 1)
	report := newReport(kept, venv, vendor, leadingSlash, lookalike)

	assertion.Equal(3, DropExcluded(report, source, []string{".venv", "vendor"}))
	assertion.Equal([]*Result{kept, lookalike}, report.Runs[0].Results)
	assertion.Equal(0, DropExcluded(report, source, nil))
	assertion.Equal(0, DropExcluded(nil, source, []string{"vendor"}))
}

func TestParseAndMerge(t *testing.T) {
	assertion := assert.New(t)

	doc := `{"version":"2.1.0","runs":[{"tool":{"driver":{"name":"grype"}},"results":null}]}`
	report, err := Parse([]byte(doc))
	assertion.NoError(err)
	assertion.NotNil(report.Runs[0].Results)

	_, err = Parse([]byte("{"))
	assertion.Error(err)

	merged := Merge(report, nil, newReport(NewResult("X", "note", "m", "", 0, 0)))
	assertion.Len(merged.Runs, 2)
	assertion.Equal(Version, merged.Version)

	path := filepath.Join(t.TempDir(), "r.sarif")
	assertion.NoError(os.WriteFile(path, []byte(doc), 0o644))
	fromFile, err := ParseFile(path)
	assertion.NoError(err)
	assertion.Equal("grype", fromFile.Runs[0].Tool.Driver.Name)
}
