package shared

import (
	"strings"

	"github.com/pkg/errors"
)

type EnvVar string
type ResourceType string

type Severity string

const (
	Critical Severity = "CRITICAL"
	High     Severity = "HIGH"
	Medium   Severity = "MEDIUM"
	Low      Severity = "LOW"
	Info     Severity = "INFO"
)

// AllSeverities is ordered from most to least severe.
var AllSeverities = []Severity{Critical, High, Medium, Low, Info}

func (s Severity) Rank() int {
	switch s {
	case Critical:
		return 4
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	}
	return 0
}

// ParseSeverity accepts severity names and SARIF levels.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return Critical, nil
	case "high", "error":
		return High, nil
	case "medium", "moderate", "warning":
		return Medium, nil
	case "low", "note":
		return Low, nil
	case "info", "informational", "none", "negligible":
		return Info, nil
	}
	return Info, errors.Errorf("unknown severity [%s]", s)
}

type Threshold string

const (
	ThresholdAll      Threshold = "ALL"
	ThresholdLow      Threshold = "LOW"
	ThresholdMedium   Threshold = "MEDIUM"
	ThresholdHigh     Threshold = "HIGH"
	ThresholdCritical Threshold = "CRITICAL"
)

// Includes reports whether findings of severity sev count against the threshold.
func (t Threshold) Includes(sev Severity) bool {
	switch t {
	case ThresholdAll:
		return true
	case ThresholdLow:
		return sev.Rank() >= Low.Rank()
	case ThresholdHigh:
		return sev.Rank() >= High.Rank()
	case ThresholdCritical:
		return sev.Rank() >= Critical.Rank()
	}
	return sev.Rank() >= Medium.Rank()
}

type ScannerStatus string

const (
	StatusPassed  ScannerStatus = "PASSED"
	StatusFailed  ScannerStatus = "FAILED"
	StatusSkipped ScannerStatus = "SKIPPED"
	StatusMissing ScannerStatus = "MISSING"
	StatusError   ScannerStatus = "ERROR"
)

type ScannerType string

const (
	TypeSAST    ScannerType = "SAST"
	TypeIAC     ScannerType = "IAC"
	TypeSCA     ScannerType = "SCA"
	TypeSecrets ScannerType = "SECRETS"
	TypeCustom  ScannerType = "CUSTOM"
)

type Phase string

const (
	PhaseConvert Phase = "convert"
	PhaseScan    Phase = "scan"
	PhaseReport  Phase = "report"
)

// AllPhases in execution order.
var AllPhases = []Phase{PhaseConvert, PhaseScan, PhaseReport}

type ExecutionStrategy string

const (
	Parallel   ExecutionStrategy = "parallel"
	Sequential ExecutionStrategy = "sequential"
)

// Finding is one flattened, scanner-independent result.
type Finding struct {
	ID          string   `json:"id" yaml:"id"`
	Scanner     string   `json:"scanner" yaml:"scanner"`
	RuleID      string   `json:"rule_id" yaml:"rule_id"`
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description" yaml:"description"`
	Severity    Severity `json:"severity" yaml:"severity"`
	FilePath    string   `json:"file_path,omitempty" yaml:"file_path,omitempty"`
	LineStart   int      `json:"line_start,omitempty" yaml:"line_start,omitempty"`
	LineEnd     int      `json:"line_end,omitempty" yaml:"line_end,omitempty"`
	Suppressed  bool     `json:"is_suppressed" yaml:"is_suppressed"`
	Reason      string   `json:"suppression_reason,omitempty" yaml:"suppression_reason,omitempty"`
}

// Suppression rule from the project configuration.
type Suppression struct {
	RuleID     string `json:"rule_id,omitempty" yaml:"rule_id,omitempty" mapstructure:"rule_id"`
	Path       string `json:"path" yaml:"path" mapstructure:"path"`
	LineStart  int    `json:"line_start,omitempty" yaml:"line_start,omitempty" mapstructure:"line_start"`
	LineEnd    int    `json:"line_end,omitempty" yaml:"line_end,omitempty" mapstructure:"line_end"`
	Reason     string `json:"reason,omitempty" yaml:"reason,omitempty" mapstructure:"reason"`
	Expiration string `json:"expiration,omitempty" yaml:"expiration,omitempty" mapstructure:"expiration"`
}

// IgnorePath excludes matching locations from every scanner's results.
type IgnorePath struct {
	Path   string `json:"path" yaml:"path"`
	Reason string `json:"reason" yaml:"reason"`
}
