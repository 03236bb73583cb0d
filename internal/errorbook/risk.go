package errorbook

import (
	"time"
)

// Risk is the derived release-gate label.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// RiskRank orders risk labels for threshold comparison.
func RiskRank(r Risk) int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	case RiskLow:
		return 0
	default:
		return -1
	}
}

// ValidRisk reports whether r is a known risk label.
func ValidRisk(r Risk) bool {
	return RiskRank(r) >= 0
}

// highRiskTags is the closed tag set that forces high risk for any
// unresolved entry.
var highRiskTags = map[string]struct{}{
	"release-blocker": {},
	"security":        {},
	"auth":            {},
	"payment":         {},
	"data-loss":       {},
	"integrity":       {},
	"compliance":      {},
	"incident":        {},
}

// EvaluateRisk derives the release-gate risk for an entry.
func EvaluateRisk(e *Entry) Risk {
	if e.Status == StatusPromoted || e.Status == StatusDeprecated {
		return RiskLow
	}
	for _, tag := range e.Tags {
		if _, ok := highRiskTags[tag]; ok {
			return RiskHigh
		}
	}
	switch e.Status {
	case StatusCandidate:
		if e.QualityScore >= 85 {
			return RiskHigh
		}
		if e.QualityScore >= 75 && e.HasOntologyTag("decision_policy") {
			return RiskHigh
		}
		return RiskMedium
	case StatusVerified:
		if e.QualityScore >= 85 && e.HasOntologyTag("decision_policy") {
			return RiskHigh
		}
		return RiskMedium
	default:
		return RiskMedium
	}
}

// MitigationViolations returns the policy-violation field paths for an
// entry whose mitigation is enabled and unresolved: missing exit
// criteria, missing cleanup task, and a missing, unparseable, or expired
// deadline.
func MitigationViolations(e *Entry, now time.Time) []string {
	m := e.TemporaryMitigation
	if !m.Active() {
		return nil
	}
	var violations []string
	if m.ExitCriteria == "" {
		violations = append(violations, "temporary_mitigation.exit_criteria")
	}
	if m.CleanupTask == "" {
		violations = append(violations, "temporary_mitigation.cleanup_task")
	}
	if m.DeadlineAt == "" {
		violations = append(violations, "temporary_mitigation.deadline_at")
	} else if deadline, err := time.Parse(time.RFC3339, m.DeadlineAt); err != nil {
		violations = append(violations, "temporary_mitigation.deadline_at")
	} else if !deadline.After(now) {
		violations = append(violations, "temporary_mitigation.deadline_at")
	}
	return violations
}
