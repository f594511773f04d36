// Package results holds the aggregated outcome of a scan: the merged SARIF
// report, per-scanner status and the flattened findings reporters render.
package results

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/outofoffice3/ash/internal/entrymgr"
	"github.com/outofoffice3/ash/internal/sarif"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/pkg/errors"
)

type SeverityCount struct {
	Suppressed int `json:"suppressed" yaml:"suppressed"`
	Critical   int `json:"critical" yaml:"critical"`
	High       int `json:"high" yaml:"high"`
	Medium     int `json:"medium" yaml:"medium"`
	Low        int `json:"low" yaml:"low"`
	Info       int `json:"info" yaml:"info"`
}

func (c *SeverityCount) add(sev shared.Severity) {
	switch sev {
	case shared.Critical:
		c.Critical++
	case shared.High:
		c.High++
	case shared.Medium:
		c.Medium++
	case shared.Low:
		c.Low++
	default:
		c.Info++
	}
}

// Get returns the count of one severity.
func (c SeverityCount) Get(sev shared.Severity) int {
	switch sev {
	case shared.Critical:
		return c.Critical
	case shared.High:
		return c.High
	case shared.Medium:
		return c.Medium
	case shared.Low:
		return c.Low
	}
	return c.Info
}

type SummaryStats struct {
	SeverityCount `yaml:",inline"`
	Start         time.Time `json:"start" yaml:"start"`
	End           time.Time `json:"end" yaml:"end"`
	Duration      float64   `json:"duration" yaml:"duration"`
	Total         int       `json:"total" yaml:"total"`
	Actionable    int       `json:"actionable" yaml:"actionable"`
	Passed        int       `json:"passed" yaml:"passed"`
	Failed        int       `json:"failed" yaml:"failed"`
	Missing       int       `json:"missing" yaml:"missing"`
	Skipped       int       `json:"skipped" yaml:"skipped"`
	Errored       int       `json:"errored" yaml:"errored"`
}

type Metadata struct {
	ReportID     string           `json:"report_id" yaml:"report_id"`
	GeneratedAt  time.Time        `json:"generated_at" yaml:"generated_at"`
	ProjectName  string           `json:"project_name" yaml:"project_name"`
	ToolVersion  string           `json:"tool_version" yaml:"tool_version"`
	SourceDir    string           `json:"source_dir" yaml:"source_dir"`
	OutputDir    string           `json:"output_dir" yaml:"output_dir"`
	ConfigPath   string           `json:"config_path,omitempty" yaml:"config_path,omitempty"`
	Threshold    shared.Threshold `json:"severity_threshold" yaml:"severity_threshold"`
	SummaryStats SummaryStats     `json:"summary_stats" yaml:"summary_stats"`
	// Metrics holds the run counters keyed by metric name.
	Metrics map[string]int32 `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

type ScannerResult struct {
	Name           string               `json:"scanner_name" yaml:"scanner_name"`
	Type           shared.ScannerType   `json:"scanner_type,omitempty" yaml:"scanner_type,omitempty"`
	Version        string               `json:"scanner_version,omitempty" yaml:"scanner_version,omitempty"`
	Status         shared.ScannerStatus `json:"status" yaml:"status"`
	Excluded       bool                 `json:"excluded" yaml:"excluded"`
	Targets        []string             `json:"targets,omitempty" yaml:"targets,omitempty"`
	SeverityCounts SeverityCount        `json:"severity_counts" yaml:"severity_counts"`
	FindingCount   int                  `json:"finding_count" yaml:"finding_count"`
	Actionable     int                  `json:"actionable_finding_count" yaml:"actionable_finding_count"`
	Suppressed     int                  `json:"suppressed_finding_count" yaml:"suppressed_finding_count"`
	ExitCode       int                  `json:"exit_code" yaml:"exit_code"`
	Duration       float64              `json:"duration" yaml:"duration"`
	Error          string               `json:"error,omitempty" yaml:"error,omitempty"`
}

type ConverterResult struct {
	Name           string   `json:"converter_name" yaml:"converter_name"`
	ConvertedPaths []string `json:"converted_paths" yaml:"converted_paths"`
	Error          string   `json:"error,omitempty" yaml:"error,omitempty"`
}

type AggregatedResults struct {
	Name             string                      `json:"name" yaml:"name"`
	Description      string                      `json:"description" yaml:"description"`
	Metadata         Metadata                    `json:"metadata" yaml:"metadata"`
	ScannerResults   map[string]*ScannerResult   `json:"scanner_results" yaml:"scanner_results"`
	ConverterResults map[string]*ConverterResult `json:"converter_results" yaml:"converter_results"`
	SARIF            *sarif.Report               `json:"sarif" yaml:"-"`
	Findings         []shared.Finding            `json:"findings" yaml:"findings"`
}

// New returns empty results with a fresh report id.
func New(projectName, sourceDir, outputDir string) *AggregatedResults {
	now := time.Now().UTC()
	return &AggregatedResults{
		Name:        "ASH Scan Report",
		Description: "Aggregated security scan results",
		Metadata: Metadata{
			ReportID:     uuid.NewString(),
			GeneratedAt:  now,
			ProjectName:  projectName,
			ToolVersion:  shared.AshVersion,
			SourceDir:    sourceDir,
			OutputDir:    outputDir,
			SummaryStats: SummaryStats{Start: now},
		},
		ScannerResults:   map[string]*ScannerResult{},
		ConverterResults: map[string]*ConverterResult{},
		SARIF:            sarif.NewReport(),
		Findings:         []shared.Finding{},
	}
}

// Scanner returns the result entry of name, creating it when missing.
func (a *AggregatedResults) Scanner(name string) *ScannerResult {
	sr, ok := a.ScannerResults[name]
	if !ok {
		sr = &ScannerResult{Name: name, Status: shared.StatusPassed}
		a.ScannerResults[name] = sr
	}
	return sr
}

// ScannerNames returns the scanner names sorted.
func (a *AggregatedResults) ScannerNames() []string {
	names := make([]string, 0, len(a.ScannerResults))
	for name := range a.ScannerResults {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Flatten turns the SARIF results of report into findings.
func Flatten(report *sarif.Report) []shared.Finding {
	findings := []shared.Finding{}
	if report == nil {
		return findings
	}
	for _, run := range report.Runs {
		titles := map[string]string{}
		for _, rule := range run.Tool.Driver.Rules {
			if rule.ShortDescription != nil && rule.ShortDescription.Text != "" {
				titles[rule.ID] = rule.ShortDescription.Text
			} else if rule.Name != "" {
				titles[rule.ID] = rule.Name
			}
		}
		for _, r := range run.Results {
			uri, start, end := r.PrimaryLocation()
			f := shared.Finding{
				ID:          sarif.FindingID(r.RuleID, uri, start, end),
				Scanner:     scannerName(run, r),
				RuleID:      r.RuleID,
				Title:       titles[r.RuleID],
				Description: r.Message.Text,
				Severity:    severityOf(r),
				FilePath:    uri,
				LineStart:   start,
				LineEnd:     end,
				Suppressed:  r.IsSuppressed(),
			}
			if f.Title == "" {
				f.Title = r.RuleID
			}
			if f.Suppressed {
				f.Reason = r.Suppressions[0].Justification
			}
			findings = append(findings, f)
		}
	}
	return findings
}

func scannerName(run *sarif.Run, r *sarif.Result) string {
	if name, ok := r.Properties["scanner_name"].(string); ok && name != "" {
		return name
	}
	return run.Tool.Driver.Name
}

// severityOf prefers properties.severity and falls back to the SARIF level.
// A missing level means warning.
func severityOf(r *sarif.Result) shared.Severity {
	if s, ok := r.Properties["severity"].(string); ok {
		if sev, err := shared.ParseSeverity(s); err == nil {
			return sev
		}
	}
	if r.Level == "" {
		return shared.Medium
	}
	sev, _ := shared.ParseSeverity(r.Level)
	return sev
}

// Evaluate recomputes findings, per-scanner counts, statuses and the summary
// against threshold, and returns the number of actionable findings.
func (a *AggregatedResults) Evaluate(threshold shared.Threshold) int {
	a.Findings = Flatten(a.SARIF)
	a.Metadata.Threshold = threshold

	for _, sr := range a.ScannerResults {
		sr.SeverityCounts = SeverityCount{}
		sr.FindingCount, sr.Actionable, sr.Suppressed = 0, 0, 0
	}

	stats := SummaryStats{Start: a.Metadata.SummaryStats.Start, End: time.Now().UTC()}
	for _, f := range a.Findings {
		sr := a.Scanner(f.Scanner)
		sr.FindingCount++
		stats.Total++
		if f.Suppressed {
			sr.Suppressed++
			sr.SeverityCounts.Suppressed++
			stats.Suppressed++
			continue
		}
		sr.SeverityCounts.add(f.Severity)
		stats.add(f.Severity)
		if threshold.Includes(f.Severity) {
			sr.Actionable++
			stats.Actionable++
		}
	}

	for _, sr := range a.ScannerResults {
		switch sr.Status {
		case shared.StatusSkipped:
			stats.Skipped++
			continue
		case shared.StatusMissing:
			stats.Missing++
			continue
		case shared.StatusError:
			stats.Errored++
			continue
		}
		if sr.Actionable > 0 {
			sr.Status = shared.StatusFailed
			stats.Failed++
		} else {
			sr.Status = shared.StatusPassed
			stats.Passed++
		}
	}
	if !stats.Start.IsZero() {
		stats.Duration = stats.End.Sub(stats.Start).Seconds()
	}
	a.Metadata.SummaryStats = stats
	return stats.Actionable
}

// Entries buckets the findings by severity.
func (a *AggregatedResults) Entries() entrymgr.EntryMgr {
	em := entrymgr.NewEntryMgr()
	for _, f := range a.Findings {
		_ = em.Add(f)
	}
	return em
}

// Save writes the results as indented JSON.
func (a *AggregatedResults) Save(path string) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding aggregated results")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", filepath.Dir(path))
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "writing %s", path)
}

// Load reads results written by Save.
func Load(path string) (*AggregatedResults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading aggregated results %s", path)
	}
	a := &AggregatedResults{}
	if err := json.Unmarshal(data, a); err != nil {
		return nil, errors.Wrapf(err, "parsing aggregated results %s", path)
	}
	if a.ScannerResults == nil {
		a.ScannerResults = map[string]*ScannerResult{}
	}
	if a.ConverterResults == nil {
		a.ConverterResults = map[string]*ConverterResult{}
	}
	if a.SARIF == nil {
		a.SARIF = sarif.NewReport()
	}
	return a, nil
}
