package reporter

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/outofoffice3/ash/internal/config"
	"github.com/outofoffice3/ash/internal/results"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// format is a local reporter backed by a render function.
type format struct {
	name   string
	ext    string
	render func(res *results.AggregatedResults) ([]byte, error)
}

func (f *format) Name() string { return f.name }

func (f *format) Extension() string { return f.ext }

func (f *format) Report(ctx context.Context, res *results.AggregatedResults) ([]byte, error) {
	return f.render(res)
}

func noOptions(name string, cfg config.PluginConfig) error {
	return errors.Wrapf(config.DecodeOptions(cfg, &struct{}{}), "reporter [%s]", name)
}

func newJSON(name string, cfg config.PluginConfig, env Env) (Reporter, error) {
	if err := noOptions(name, cfg); err != nil {
		return nil, err
	}
	return &format{name: name, ext: "json", render: func(res *results.AggregatedResults) ([]byte, error) {
		return json.MarshalIndent(res, "", "  ")
	}}, nil
}

func newSARIF(name string, cfg config.PluginConfig, env Env) (Reporter, error) {
	if err := noOptions(name, cfg); err != nil {
		return nil, err
	}
	return &format{name: name, ext: "sarif", render: func(res *results.AggregatedResults) ([]byte, error) {
		return json.MarshalIndent(res.SARIF, "", "  ")
	}}, nil
}

func newYAML(name string, cfg config.PluginConfig, env Env) (Reporter, error) {
	if err := noOptions(name, cfg); err != nil {
		return nil, err
	}
	return &format{name: name, ext: "yaml", render: renderYAML}, nil
}

func renderYAML(res *results.AggregatedResults) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := yaml.NewEncoder(buf)
	enc.SetIndent(2)
	if err := enc.Encode(res); err != nil {
		return nil, errors.Wrap(err, "encoding yaml report")
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// flatFinding is one row of the flat-json and csv reports.
type flatFinding struct {
	shared.Finding
	Actionable bool `json:"is_actionable"`
}

func newFlatJSON(name string, cfg config.PluginConfig, env Env) (Reporter, error) {
	if err := noOptions(name, cfg); err != nil {
		return nil, err
	}
	return &format{name: name, ext: "flat.json", render: func(res *results.AggregatedResults) ([]byte, error) {
		rows := []flatFinding{}
		for _, f := range sortedFindings(res) {
			rows = append(rows, flatFinding{Finding: f, Actionable: actionable(res, f)})
		}
		return json.MarshalIndent(rows, "", "  ")
	}}, nil
}

var csvHeader = []string{
	"id", "scanner", "rule_id", "severity", "title", "description",
	"file_path", "line_start", "line_end", "is_suppressed", "suppression_reason", "is_actionable",
}

func newCSV(name string, cfg config.PluginConfig, env Env) (Reporter, error) {
	if err := noOptions(name, cfg); err != nil {
		return nil, err
	}
	return &format{name: name, ext: "csv", render: renderCSV}, nil
}

func renderCSV(res *results.AggregatedResults) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, f := range sortedFindings(res) {
		row := []string{
			f.ID, f.Scanner, f.RuleID, string(f.Severity), f.Title,
			strings.ReplaceAll(f.Description, "\n", " "),
			f.FilePath, strconv.Itoa(f.LineStart), strconv.Itoa(f.LineEnd),
			strconv.FormatBool(f.Suppressed), f.Reason, strconv.FormatBool(actionable(res, f)),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
