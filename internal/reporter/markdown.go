package reporter

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/outofoffice3/ash/internal/config"
	"github.com/outofoffice3/ash/internal/metricmgr"
	"github.com/outofoffice3/ash/internal/results"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/pkg/errors"
)

const markdownTemplate = `# ASH Security Scan Report

- **Report generated**: {{ .Meta.GeneratedAt.Format "2006-01-02 15:04:05 MST" }}
- **Project**: {{ .Meta.ProjectName }}
- **ASH version**: {{ .Meta.ToolVersion }}
- **Report id**: {{ .Meta.ReportID }}

## Summary

- **Severity threshold**: {{ .Meta.Threshold }}
- **Total findings**: {{ .Stats.Total }} ({{ .Stats.Actionable }} actionable, {{ .Stats.Suppressed }} suppressed)
- **By severity**:{{ range $i, $c := .BySeverity }}{{ if $i }},{{ end }} {{ $c.Severity }} {{ $c.Count }}{{ end }}
- **Scanners**: {{ .Stats.Passed }} passed, {{ .Stats.Failed }} failed, {{ .Stats.Missing }} missing, {{ .Stats.Skipped }} skipped, {{ .Stats.Errored }} errored

### Scanner Results

| Scanner | Suppressed | Critical | High | Medium | Low | Info | Actionable | Result |
| --- | ---: | ---: | ---: | ---: | ---: | ---: | ---: | --- |
{{- range .Scanners }}
| {{ .Name }} | {{ .SeverityCounts.Suppressed }} | {{ .SeverityCounts.Critical }} | {{ .SeverityCounts.High }} | {{ .SeverityCounts.Medium }} | {{ .SeverityCounts.Low }} | {{ .SeverityCounts.Info }} | {{ .Actionable }} | {{ .Status }} |
{{- end }}
{{ if .Hotspots }}
### Top {{ len .Hotspots }} Hotspots

| Finding Count | File Location |
| ---: | --- |
{{- range .Hotspots }}
| {{ .Count }} | {{ .File | cell }} |
{{- end }}
{{ end }}
## Detailed Findings
{{ if not .Findings }}
No actionable findings.
{{- else }}
{{- range .Findings }}

### {{ .Severity }}: {{ .Title | cell }}

- **Scanner**: {{ .Scanner }}
- **Rule**: {{ .RuleID }}
{{- if .FilePath }}
- **Location**: {{ .FilePath }}{{ if .LineStart }}:{{ .LineStart }}{{ if and .LineEnd (ne .LineEnd .LineStart) }}-{{ .LineEnd }}{{ end }}{{ end }}
{{- end }}

{{ .Description | trim | indent 4 }}
{{- end }}
{{- if gt .Omitted 0 }}

_{{ .Omitted }} more findings omitted, see ash.json for the full list._
{{- end }}
{{- end }}
{{ if .Suppressed }}
## Suppressed Findings

| Severity | Scanner | Rule | Location | Reason |
| --- | --- | --- | --- | --- |
{{- range .Suppressed }}
| {{ .Severity }} | {{ .Scanner }} | {{ .RuleID | cell }} | {{ .FilePath | cell }}{{ if .LineStart }}:{{ .LineStart }}{{ end }} | {{ .Reason | cell }} |
{{- end }}
{{ end }}
{{- if .Metrics }}
## Run Metrics

| Metric | Value |
| --- | ---: |
{{- range .Metrics }}
| {{ .Name }} | {{ .Value }} |
{{- end }}
{{ end }}`

type MarkdownOptions struct {
	// MaxFindings caps the detailed findings section.
	MaxFindings int `mapstructure:"max_findings"`
	// TopHotspots caps the hotspot table; 0 hides it.
	TopHotspots int `mapstructure:"top_hotspots"`
}

type severityCount struct {
	Severity shared.Severity
	Count    int
}

type metricValue struct {
	Name  string
	Value int32
}

type hotspot struct {
	File  string
	Count int
}

type markdownData struct {
	Meta       results.Metadata
	Stats      results.SummaryStats
	BySeverity []severityCount
	Scanners   []*results.ScannerResult
	Hotspots   []hotspot
	Findings   []shared.Finding
	Omitted    int
	Suppressed []shared.Finding
	Metrics    []metricValue
}

type markdown struct {
	name string
	opts MarkdownOptions
	tmpl *template.Template
}

func newMarkdown(name string, cfg config.PluginConfig, env Env) (Reporter, error) {
	opts := MarkdownOptions{MaxFindings: 200, TopHotspots: 20}
	if err := config.DecodeOptions(cfg, &opts); err != nil {
		return nil, errors.Wrapf(err, "reporter [%s]", name)
	}
	funcs := sprig.TxtFuncMap()
	funcs["cell"] = func(s string) string {
		return strings.NewReplacer("|", `\|`, "\n", " ").Replace(s)
	}
	tmpl, err := template.New(name).Funcs(funcs).Parse(markdownTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "parsing markdown template")
	}
	return &markdown{name: name, opts: opts, tmpl: tmpl}, nil
}

func (m *markdown) Name() string { return m.name }

func (m *markdown) Extension() string { return "md" }

func (m *markdown) Report(ctx context.Context, res *results.AggregatedResults) ([]byte, error) {
	entries := res.Entries()
	counts := entries.Counts()
	data := markdownData{
		Meta:     res.Metadata,
		Stats:    res.Metadata.SummaryStats,
		Hotspots: hotspots(res, m.opts.TopHotspots),
		Metrics:  metricValues(res.Metadata.Metrics),
	}
	for _, sev := range shared.AllSeverities {
		data.BySeverity = append(data.BySeverity, severityCount{Severity: sev, Count: counts[sev]})
	}
	data.Suppressed = entries.Suppressed()
	if m.opts.MaxFindings > 0 && len(data.Suppressed) > m.opts.MaxFindings {
		data.Suppressed = data.Suppressed[:m.opts.MaxFindings]
	}
	for _, name := range res.ScannerNames() {
		data.Scanners = append(data.Scanners, res.ScannerResults[name])
	}
	for _, f := range sortedFindings(res) {
		if !actionable(res, f) {
			continue
		}
		if m.opts.MaxFindings > 0 && len(data.Findings) >= m.opts.MaxFindings {
			data.Omitted++
			continue
		}
		data.Findings = append(data.Findings, f)
	}

	buf := &bytes.Buffer{}
	if err := m.tmpl.Execute(buf, data); err != nil {
		return nil, errors.Wrap(err, "rendering markdown report")
	}
	return buf.Bytes(), nil
}

// metricValues lists the recorded metrics in reporting order.
func metricValues(metrics map[string]int32) []metricValue {
	if len(metrics) == 0 {
		return nil
	}
	out := make([]metricValue, 0, len(metrics))
	for _, m := range metricmgr.AllMetrics {
		if v, ok := metrics[string(m)]; ok {
			out = append(out, metricValue{Name: string(m), Value: v})
		}
	}
	return out
}

// hotspots counts unsuppressed findings per file, most first.
func hotspots(res *results.AggregatedResults, top int) []hotspot {
	if top <= 0 {
		return nil
	}
	counts := map[string]int{}
	for _, f := range res.Findings {
		if !f.Suppressed && f.FilePath != "" {
			counts[f.FilePath]++
		}
	}
	out := make([]hotspot, 0, len(counts))
	for file, n := range counts {
		out = append(out, hotspot{File: file, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].File < out[j].File
	})
	if len(out) > top {
		out = out[:top]
	}
	return out
}
