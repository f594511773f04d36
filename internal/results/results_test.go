package results

import (
	"path/filepath"
	"testing"

	"github.com/outofoffice3/ash/internal/sarif"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/stretchr/testify/assert"
)

func sampleReport() *sarif.Report {
	bandit := sarif.NewRun("bandit", "1.7.5")
	bandit.Tool.Driver.Rules = []*sarif.Rule{{ID: "B105", ShortDescription: &sarif.Message{Text: "Hardcoded password"}}}
	bandit.Results = []*sarif.Result{
		sarif.NewResult("B105", "error", "password in code", "app/settings.py", 10, 10),
		sarif.NewResult("B101", "note", "assert used", "app/test_x.py", 3, 3),
		sarif.NewResult("B108", "", "tmp file", "app/tmp.py", 0, 0),
	}
	bandit.Results[1].Suppressions = []*sarif.Suppression{{Kind: sarif.SuppressionKindExternal, Justification: "tests"}}

	iam := sarif.NewRun("iam-policy", shared.AshVersion)
	critical := sarif.NewResult("ASH-IAM-002", "error", "admin", "template.yaml", 5, 5)
	critical.Properties = sarif.PropertyBag{"severity": "CRITICAL", "scanner_name": "iam-policy"}
	iam.Results = []*sarif.Result{critical}

	report := sarif.NewReport()
	report.Runs = []*sarif.Run{bandit, iam}
	return report
}

func TestFlatten(t *testing.T) {
	assertion := assert.New(t)
	findings := Flatten(sampleReport())
	if !assertion.Len(findings, 4) {
		return
	}

	first := findings[0]
	assertion.Equal("bandit", first.Scanner)
	assertion.Equal("Hardcoded password", first.Title)
	assertion.Equal(shared.High, first.Severity)
	assertion.Equal("app/settings.py", first.FilePath)
	assertion.Equal(10, first.LineStart)
	assertion.Equal(sarif.FindingID("B105", "app/settings.py", 10, 10), first.ID)

	assertion.True(findings[1].Suppressed)
	assertion.Equal("tests", findings[1].Reason)
	assertion.Equal(shared.Low, findings[1].Severity)
	assertion.Equal("B101", findings[1].Title)

	assertion.Equal(shared.Medium, findings[2].Severity)
	assertion.Equal(shared.Critical, findings[3].Severity)
	assertion.Empty(Flatten(nil))
}

func TestEvaluate(t *testing.T) {
	assertion := assert.New(t)
	a := New("demo", "/src", "/src/.ash/ash_output")
	a.SARIF = sampleReport()
	a.Scanner("bandit")
	a.Scanner("grype").Status = shared.StatusMissing
	a.Scanner("semgrep").Status = shared.StatusError
	a.Scanner("checkov")

	actionable := a.Evaluate(shared.ThresholdHigh)
	assertion.Equal(2, actionable)

	bandit := a.ScannerResults["bandit"]
	assertion.Equal(shared.StatusFailed, bandit.Status)
	assertion.Equal(3, bandit.FindingCount)
	assertion.Equal(1, bandit.Actionable)
	assertion.Equal(1, bandit.Suppressed)
	assertion.Equal(1, bandit.SeverityCounts.High)
	assertion.Equal(1, bandit.SeverityCounts.Medium)

	assertion.Equal(shared.StatusFailed, a.ScannerResults["iam-policy"].Status)
	assertion.Equal(shared.StatusPassed, a.ScannerResults["checkov"].Status)
	assertion.Equal(shared.StatusMissing, a.ScannerResults["grype"].Status)

	stats := a.Metadata.SummaryStats
	assertion.Equal(4, stats.Total)
	assertion.Equal(2, stats.Actionable)
	assertion.Equal(1, stats.Suppressed)
	assertion.Equal(1, stats.Critical)
	assertion.Equal(2, stats.Failed)
	assertion.Equal(1, stats.Passed)
	assertion.Equal(1, stats.Missing)
	assertion.Equal(1, stats.Errored)
	assertion.Equal(shared.ThresholdHigh, a.Metadata.Threshold)

	// lowering the threshold re-evaluates a failed scanner
	assertion.Equal(3, a.Evaluate(shared.ThresholdMedium))
	assertion.Equal(2, a.ScannerResults["bandit"].Actionable)

	assertion.Equal(1, a.Evaluate(shared.ThresholdCritical))
	assertion.Equal(shared.StatusPassed, a.ScannerResults["bandit"].Status)
}

func TestEntries(t *testing.T) {
	assertion := assert.New(t)
	a := New("demo", "/src", "/out")
	a.SARIF = sampleReport()
	a.Evaluate(shared.ThresholdMedium)

	em := a.Entries()
	assertion.Equal(4, em.Len())
	counts := em.Counts()
	assertion.Equal(1, counts[shared.High])
	assertion.Equal(0, counts[shared.Low])
	assertion.Len(em.Suppressed(), 1)
}

func TestSaveLoad(t *testing.T) {
	assertion := assert.New(t)
	path := filepath.Join(t.TempDir(), "nested", shared.AggregatedResultsFileName)

	a := New("demo", "/src", "/out")
	a.SARIF = sampleReport()
	a.ConverterResults["archive"] = &ConverterResult{Name: "archive", ConvertedPaths: []string{"/out/converted/archives/a.zip"}}
	a.Evaluate(shared.ThresholdMedium)
	assertion.NoError(a.Save(path))

	loaded, err := Load(path)
	assertion.NoError(err)
	assertion.Equal(a.Metadata.ReportID, loaded.Metadata.ReportID)
	assertion.Equal(a.Metadata.SummaryStats.Actionable, loaded.Metadata.SummaryStats.Actionable)
	assertion.Len(loaded.SARIF.Runs, 2)
	assertion.Equal(a.Findings, loaded.Findings)
	assertion.Equal([]string{"bandit", "iam-policy"}, loaded.ScannerNames())

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assertion.Error(err)
}
