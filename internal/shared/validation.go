package shared

import (
	"regexp"
	"strings"
)

var iamActionRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+:[a-zA-Z0-9_\*]+$`)

// validate action from configuration file
func IsValidAction(action string) bool {
	// IAM action pattern: <service-namespace>:<action-name>
	return iamActionRegex.MatchString(action)
}

// validate account scope
func IsValidScope(scope string) bool {
	switch strings.ToLower(scope) {
	case "roles", "users", "all":
		return true
	}
	return false
}

func IsValidSeverity(s string) bool {
	for _, sev := range AllSeverities {
		if strings.EqualFold(string(sev), s) {
			return true
		}
	}
	return false
}

func IsValidThreshold(s string) bool {
	switch Threshold(strings.ToUpper(s)) {
	case ThresholdAll, ThresholdLow, ThresholdMedium, ThresholdHigh, ThresholdCritical:
		return true
	}
	return false
}

func IsValidStrategy(s string) bool {
	return ExecutionStrategy(s) == Parallel || ExecutionStrategy(s) == Sequential
}

func IsValidPhase(s string) bool {
	for _, p := range AllPhases {
		if string(p) == s {
			return true
		}
	}
	return false
}

func ValidateAnnotation(str string, maxLength int) string {
	if str != "" {
		return truncateString(str, maxLength)
	}
	return "N/A"
}

func truncateString(str string, maxLength int) string {
	if len(str) > maxLength {
		if maxLength > 3 {
			return str[:maxLength-3] + "..."
		}
		return str[:maxLength]
	}
	return str
}
