// Package suppression matches findings against the suppression rules of the
// project configuration.
package suppression

import (
	"math"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/outofoffice3/ash/pkg/logger"
)

const (
	dateLayout = "2006-01-02"

	// DefaultExpiryWarningDays is how far ahead expiring rules are reported.
	DefaultExpiryWarningDays = 30
)

// Matches reports whether finding is covered by rule. Expiration is not
// considered here.
func Matches(finding shared.Finding, rule shared.Suppression) bool {
	if rule.RuleID != "" && !ruleIDMatches(finding.RuleID, rule.RuleID) {
		return false
	}
	if !pathMatches(finding.FilePath, rule.Path) {
		return false
	}
	return lineRangeMatches(finding, rule)
}

func ruleIDMatches(ruleID, pattern string) bool {
	if ruleID == "" {
		return false
	}
	ok, err := doublestar.Match(pattern, ruleID)
	return err == nil && ok
}

func pathMatches(path, pattern string) bool {
	if path == "" || pattern == "" {
		return false
	}
	path = strings.ReplaceAll(path, "\\", "/")
	pattern = strings.ReplaceAll(pattern, "\\", "/")
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}

// a zero line means "not set"
func lineRangeMatches(finding shared.Finding, rule shared.Suppression) bool {
	if rule.LineStart == 0 && rule.LineEnd == 0 {
		return true
	}
	if finding.LineStart == 0 {
		return false
	}
	findingEnd := finding.LineEnd
	if findingEnd == 0 {
		findingEnd = finding.LineStart
	}
	switch {
	case rule.LineEnd == 0:
		return finding.LineStart >= rule.LineStart
	case rule.LineStart == 0:
		return findingEnd <= rule.LineEnd
	}
	return finding.LineStart <= rule.LineEnd && findingEnd >= rule.LineStart
}

// expired reports whether rule expired before today. Unparseable dates count as expired.
func expired(rule shared.Suppression, today time.Time) (bool, error) {
	if rule.Expiration == "" {
		return false, nil
	}
	exp, err := time.ParseInLocation(dateLayout, rule.Expiration, today.Location())
	if err != nil {
		return true, err
	}
	return exp.Before(truncateDay(today)), nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ShouldSuppress returns the first active rule that matches finding.
func ShouldSuppress(finding shared.Finding, rules []shared.Suppression, now time.Time, log *logger.Logger) (bool, *shared.Suppression) {
	for i := range rules {
		rule := rules[i]
		isExpired, err := expired(rule, now)
		if err != nil {
			log.Warnf("Invalid expiration date format for suppression: %s", rule.Expiration)
			continue
		}
		if isExpired {
			log.Debugf("Suppression for rule %s has expired on %s", rule.RuleID, rule.Expiration)
			continue
		}
		if Matches(finding, rule) {
			return true, &rule
		}
	}
	return false, nil
}

// Expiring returns the rules that expire within days of now (inclusive).
func Expiring(rules []shared.Suppression, days int, now time.Time, log *logger.Logger) []shared.Suppression {
	today := truncateDay(now)
	out := []shared.Suppression{}
	for _, rule := range rules {
		if rule.Expiration == "" {
			continue
		}
		exp, err := time.ParseInLocation(dateLayout, rule.Expiration, today.Location())
		if err != nil {
			log.Warnf("Invalid expiration date format for suppression: %s", rule.Expiration)
			continue
		}
		remaining := int(math.Round(exp.Sub(today).Hours() / 24))
		if remaining >= 0 && remaining <= days {
			out = append(out, rule)
		}
	}
	return out
}
