// Package sarif holds the subset of the SARIF 2.1.0 model ASH reads and
// writes, and the helpers that normalise reports from different scanners.
package sarif

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

const (
	Version = "2.1.0"
	Schema  = "https://json.schemastore.org/sarif-2.1.0.json"
)

type PropertyBag map[string]interface{}

type Report struct {
	Schema  string `json:"$schema,omitempty"`
	Version string `json:"version"`
	Runs    []*Run `json:"runs"`
}

type Run struct {
	Tool        Tool          `json:"tool"`
	Results     []*Result     `json:"results"`
	Invocations []*Invocation `json:"invocations,omitempty"`
	Properties  PropertyBag   `json:"properties,omitempty"`
}

type Tool struct {
	Driver Driver `json:"driver"`
}

type Driver struct {
	Name           string      `json:"name"`
	Version        string      `json:"version,omitempty"`
	InformationURI string      `json:"informationUri,omitempty"`
	Rules          []*Rule     `json:"rules,omitempty"`
	Properties     PropertyBag `json:"properties,omitempty"`
}

type Rule struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name,omitempty"`
	ShortDescription     *Message       `json:"shortDescription,omitempty"`
	FullDescription      *Message       `json:"fullDescription,omitempty"`
	HelpURI              string         `json:"helpUri,omitempty"`
	DefaultConfiguration *Configuration `json:"defaultConfiguration,omitempty"`
	Properties           PropertyBag    `json:"properties,omitempty"`
}

type Configuration struct {
	Level string `json:"level,omitempty"`
}

type Invocation struct {
	CommandLine         string `json:"commandLine,omitempty"`
	ExecutionSuccessful bool   `json:"executionSuccessful"`
	ExitCode            *int   `json:"exitCode,omitempty"`
}

type Result struct {
	RuleID           string            `json:"ruleId,omitempty"`
	Level            string            `json:"level,omitempty"`
	Kind             string            `json:"kind,omitempty"`
	Message          Message           `json:"message"`
	Locations        []*Location       `json:"locations,omitempty"`
	RelatedLocations []*Location       `json:"relatedLocations,omitempty"`
	AnalysisTarget   *ArtifactLocation `json:"analysisTarget,omitempty"`
	Suppressions     []*Suppression    `json:"suppressions,omitempty"`
	Fingerprints     map[string]string `json:"fingerprints,omitempty"`
	Properties       PropertyBag       `json:"properties,omitempty"`
}

type Message struct {
	Text string `json:"text,omitempty"`
}

type Location struct {
	PhysicalLocation *PhysicalLocation `json:"physicalLocation,omitempty"`
}

type PhysicalLocation struct {
	ArtifactLocation *ArtifactLocation `json:"artifactLocation,omitempty"`
	Region           *Region           `json:"region,omitempty"`
}

type ArtifactLocation struct {
	URI string `json:"uri,omitempty"`
}

type Region struct {
	StartLine   int `json:"startLine,omitempty"`
	EndLine     int `json:"endLine,omitempty"`
	StartColumn int `json:"startColumn,omitempty"`
	EndColumn   int `json:"endColumn,omitempty"`
}

type Suppression struct {
	Kind          string `json:"kind"`
	Justification string `json:"justification,omitempty"`
}

// NewReport returns an empty 2.1.0 report.
func NewReport() *Report {
	return &Report{Schema: Schema, Version: Version, Runs: []*Run{}}
}

// NewRun returns a run for the named tool.
func NewRun(toolName, toolVersion string) *Run {
	return &Run{
		Tool:    Tool{Driver: Driver{Name: toolName, Version: toolVersion}},
		Results: []*Result{},
	}
}

// NewResult builds a result with a single file location.
func NewResult(ruleID, level, text, uri string, startLine, endLine int) *Result {
	r := &Result{RuleID: ruleID, Level: level, Message: Message{Text: text}}
	if uri != "" {
		loc := &Location{PhysicalLocation: &PhysicalLocation{ArtifactLocation: &ArtifactLocation{URI: uri}}}
		if startLine > 0 {
			loc.PhysicalLocation.Region = &Region{StartLine: startLine, EndLine: endLine}
		}
		r.Locations = []*Location{loc}
	}
	return r
}

// PrimaryLocation returns the uri and line range of the first location.
func (r *Result) PrimaryLocation() (uri string, start, end int) {
	if len(r.Locations) == 0 || r.Locations[0] == nil || r.Locations[0].PhysicalLocation == nil {
		return "", 0, 0
	}
	pl := r.Locations[0].PhysicalLocation
	if pl.ArtifactLocation != nil {
		uri = pl.ArtifactLocation.URI
	}
	if pl.Region != nil {
		start, end = pl.Region.StartLine, pl.Region.EndLine
	}
	return uri, start, end
}

func (r *Result) IsSuppressed() bool {
	return len(r.Suppressions) > 0
}

// Parse decodes a SARIF document.
func Parse(data []byte) (*Report, error) {
	report := &Report{}
	if err := json.Unmarshal(data, report); err != nil {
		return nil, errors.Wrap(err, "parsing sarif")
	}
	for _, run := range report.Runs {
		if run.Results == nil {
			run.Results = []*Result{}
		}
	}
	return report, nil
}

// ParseFile reads and decodes a SARIF file.
func ParseFile(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading sarif %s", path)
	}
	return Parse(data)
}

// Merge concatenates the runs of reports into a new report.
func Merge(reports ...*Report) *Report {
	merged := NewReport()
	for _, r := range reports {
		if r == nil {
			continue
		}
		merged.Runs = append(merged.Runs, r.Runs...)
	}
	return merged
}
