package reporter

import (
	"encoding/xml"
	"fmt"

	"github.com/outofoffice3/ash/internal/config"
	"github.com/outofoffice3/ash/internal/results"
	"github.com/outofoffice3/ash/internal/shared"
)

type junitSuites struct {
	XMLName  xml.Name     `xml:"testsuites"`
	Name     string       `xml:"name,attr"`
	Tests    int          `xml:"tests,attr"`
	Failures int          `xml:"failures,attr"`
	Errors   int          `xml:"errors,attr"`
	Time     float64      `xml:"time,attr"`
	Suites   []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	Name     string      `xml:"name,attr"`
	Tests    int         `xml:"tests,attr"`
	Failures int         `xml:"failures,attr"`
	Errors   int         `xml:"errors,attr"`
	Skipped  int         `xml:"skipped,attr"`
	Time     float64     `xml:"time,attr"`
	Cases    []junitCase `xml:"testcase"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr"`
	File      string        `xml:"file,attr,omitempty"`
	Line      int           `xml:"line,attr,omitempty"`
	Failure   *junitMessage `xml:"failure,omitempty"`
	Error     *junitMessage `xml:"error,omitempty"`
	Skipped   *junitMessage `xml:"skipped,omitempty"`
}

type junitMessage struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr,omitempty"`
	Text    string `xml:",chardata"`
}

func newJUnit(name string, cfg config.PluginConfig, env Env) (Reporter, error) {
	if err := noOptions(name, cfg); err != nil {
		return nil, err
	}
	return &format{name: name, ext: "junit.xml", render: renderJUnit}, nil
}

// renderJUnit writes one testsuite per scanner. Each actionable finding is a
// failing testcase; a scanner without one gets a single passing testcase.
func renderJUnit(res *results.AggregatedResults) ([]byte, error) {
	byScanner := map[string][]shared.Finding{}
	for _, f := range sortedFindings(res) {
		if actionable(res, f) {
			byScanner[f.Scanner] = append(byScanner[f.Scanner], f)
		}
	}

	suites := junitSuites{Name: "ASH Scan Report", Time: res.Metadata.SummaryStats.Duration}
	for _, name := range res.ScannerNames() {
		sr := res.ScannerResults[name]
		suite := junitSuite{Name: name, Time: sr.Duration}
		switch sr.Status {
		case shared.StatusError:
			suite.Errors = 1
			suite.Cases = append(suite.Cases, junitCase{Name: name, Classname: name, Error: &junitMessage{Message: sr.Error, Type: string(sr.Status)}})
		case shared.StatusMissing, shared.StatusSkipped:
			suite.Skipped = 1
			suite.Cases = append(suite.Cases, junitCase{Name: name, Classname: name, Skipped: &junitMessage{Message: string(sr.Status)}})
		default:
			for _, f := range byScanner[name] {
				suite.Failures++
				suite.Cases = append(suite.Cases, junitCase{
					Name:      fmt.Sprintf("%s %s", f.RuleID, f.ID),
					Classname: name,
					File:      f.FilePath,
					Line:      f.LineStart,
					Failure: &junitMessage{
						Message: f.Title,
						Type:    string(f.Severity),
						Text:    f.Description,
					},
				})
			}
			if len(suite.Cases) == 0 {
				suite.Cases = append(suite.Cases, junitCase{Name: name, Classname: name})
			}
		}
		suite.Tests = len(suite.Cases)
		suites.Tests += suite.Tests
		suites.Failures += suite.Failures
		suites.Errors += suite.Errors
		suites.Suites = append(suites.Suites, suite)
	}

	data, err := xml.MarshalIndent(suites, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(data, '\n')...), nil
}
