package reporter

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/outofoffice3/ash/internal/config"
	"github.com/outofoffice3/ash/internal/results"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/pkg/errors"
)

var statusColours = map[shared.ScannerStatus]*color.Color{
	shared.StatusPassed:  color.New(color.FgGreen),
	shared.StatusFailed:  color.New(color.FgRed, color.Bold),
	shared.StatusMissing: color.New(color.FgYellow),
	shared.StatusSkipped: color.New(color.FgBlue),
	shared.StatusError:   color.New(color.FgHiRed),
}

type TextOptions struct {
	Color bool `mapstructure:"color"`
	// ShowFindings lists actionable findings after the summary table.
	ShowFindings bool `mapstructure:"show_findings"`
}

type text struct {
	name string
	opts TextOptions
}

func newText(name string, cfg config.PluginConfig, env Env) (Reporter, error) {
	opts := TextOptions{ShowFindings: true}
	if err := config.DecodeOptions(cfg, &opts); err != nil {
		return nil, errors.Wrapf(err, "reporter [%s]", name)
	}
	return &text{name: name, opts: opts}, nil
}

func (t *text) Name() string { return t.name }

func (t *text) Extension() string { return "txt" }

func (t *text) Report(ctx context.Context, res *results.AggregatedResults) ([]byte, error) {
	out := Summary(res, t.opts.Color)
	if t.opts.ShowFindings {
		out += findingList(res)
	}
	return []byte(out), nil
}

// colour is decided per call, not by the global color.NoColor switch
func init() {
	for _, c := range statusColours {
		c.EnableColor()
	}
}

func paint(c *color.Color, s string, colour bool) string {
	if !colour || c == nil {
		return s
	}
	return c.Sprint(s)
}

// Summary renders the per-scanner table printed at the end of a scan.
func Summary(res *results.AggregatedResults, colour bool) string {
	b := &strings.Builder{}
	stats := res.Metadata.SummaryStats
	fmt.Fprintf(b, "ASH Scan Summary (%s)\n", res.Metadata.ProjectName)
	fmt.Fprintf(b, "Report id: %s  Threshold: %s  Duration: %.1fs\n\n", res.Metadata.ReportID, res.Metadata.Threshold, stats.Duration)

	tw := tabwriter.NewWriter(b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCANNER\tSUPPRESSED\tCRITICAL\tHIGH\tMEDIUM\tLOW\tINFO\tACTIONABLE\tRESULT")
	for _, name := range res.ScannerNames() {
		sr := res.ScannerResults[name]
		c := sr.SeverityCounts
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			sr.Name, c.Suppressed, c.Critical, c.High, c.Medium, c.Low, c.Info, sr.Actionable,
			paint(statusColours[sr.Status], string(sr.Status), colour))
	}
	tw.Flush()

	fmt.Fprintf(b, "\nTotal: %d findings, %d actionable, %d suppressed\n", stats.Total, stats.Actionable, stats.Suppressed)
	fmt.Fprintf(b, "Scanners: %d passed, %d failed, %d missing, %d skipped, %d errored\n",
		stats.Passed, stats.Failed, stats.Missing, stats.Skipped, stats.Errored)
	return b.String()
}

func findingList(res *results.AggregatedResults) string {
	b := &strings.Builder{}
	n := 0
	for _, f := range sortedFindings(res) {
		if !actionable(res, f) {
			continue
		}
		if n == 0 {
			b.WriteString("\nActionable findings:\n")
		}
		n++
		location := f.FilePath
		if f.LineStart > 0 {
			location = fmt.Sprintf("%s:%d", location, f.LineStart)
		}
		fmt.Fprintf(b, "  [%s] %s %s %s\n", f.Severity, f.Scanner, f.RuleID, location)
		if f.Description != "" {
			fmt.Fprintf(b, "      %s\n", strings.ReplaceAll(strings.TrimSpace(f.Description), "\n", "\n      "))
		}
	}
	return b.String()
}
