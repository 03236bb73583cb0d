package errorbook

import (
	"sort"
	"time"

	"github.com/sce-dev/sce/infrastructure/errors"
)

// GateOptions configures a release-gate evaluation.
type GateOptions struct {
	MinRisk         Risk
	IncludeVerified bool
}

// Blocker is one entry blocking the release gate.
type Blocker struct {
	EntryID          string    `json:"entry_id"`
	Fingerprint      string    `json:"fingerprint"`
	Title            string    `json:"title"`
	Status           Status    `json:"status"`
	Risk             Risk      `json:"risk"`
	QualityScore     int       `json:"quality_score"`
	Tags             []string  `json:"tags,omitempty"`
	PolicyViolations []string  `json:"policy_violations,omitempty"`
	HasMitigation    bool      `json:"has_mitigation"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// GateResult is the release-gate verdict.
type GateResult struct {
	Passed            bool      `json:"passed"`
	MinRisk           Risk      `json:"min_risk"`
	IncludeVerified   bool      `json:"include_verified"`
	BlockedCount      int       `json:"blocked_count"`
	RiskBlocked       []Blocker `json:"risk_blocked,omitempty"`
	MitigationBlocked []Blocker `json:"mitigation_blocked,omitempty"`
	EvaluatedEntries  int       `json:"evaluated_entries"`
	EvaluatedAt       time.Time `json:"evaluated_at"`
}

// ReleaseGate iterates every entry and collects risk-blocked unresolved
// entries and mitigation-policy violators. The gate passes iff both sets
// are empty.
func (e *Engine) ReleaseGate(opts GateOptions) (*GateResult, error) {
	if opts.MinRisk == "" {
		opts.MinRisk = RiskHigh
	}
	if !ValidRisk(opts.MinRisk) {
		return nil, errors.UnknownEnum("min_risk", string(opts.MinRisk),
			[]string{string(RiskLow), string(RiskMedium), string(RiskHigh)})
	}

	entries, err := e.List()
	if err != nil {
		return nil, err
	}
	now := e.clock.Now().UTC()

	result := &GateResult{
		MinRisk:          opts.MinRisk,
		IncludeVerified:  opts.IncludeVerified,
		EvaluatedEntries: len(entries),
		EvaluatedAt:      now,
	}

	for _, entry := range entries {
		risk := EvaluateRisk(entry)

		unresolved := entry.Status == StatusCandidate ||
			(opts.IncludeVerified && entry.Status == StatusVerified)
		if unresolved && RiskRank(risk) >= RiskRank(opts.MinRisk) {
			result.RiskBlocked = append(result.RiskBlocked, blockerFor(entry, risk, nil))
		}

		if violations := MitigationViolations(entry, now); len(violations) > 0 {
			result.MitigationBlocked = append(result.MitigationBlocked, blockerFor(entry, risk, violations))
		}
	}

	sortBlockers(result.RiskBlocked)
	sortBlockers(result.MitigationBlocked)
	result.BlockedCount = len(result.RiskBlocked) + len(result.MitigationBlocked)
	result.Passed = result.BlockedCount == 0
	return result, nil
}

func blockerFor(entry *Entry, risk Risk, violations []string) Blocker {
	return Blocker{
		EntryID:          entry.ID,
		Fingerprint:      entry.Fingerprint,
		Title:            entry.Title,
		Status:           entry.Status,
		Risk:             risk,
		QualityScore:     entry.QualityScore,
		Tags:             entry.Tags,
		PolicyViolations: violations,
		HasMitigation:    entry.TemporaryMitigation.Active(),
		UpdatedAt:        entry.UpdatedAt,
	}
}

// sortBlockers orders by mitigation-present desc, risk desc, quality
// desc, updated_at desc.
func sortBlockers(blockers []Blocker) {
	sort.SliceStable(blockers, func(i, j int) bool {
		a, b := blockers[i], blockers[j]
		if a.HasMitigation != b.HasMitigation {
			return a.HasMitigation
		}
		if RiskRank(a.Risk) != RiskRank(b.Risk) {
			return RiskRank(a.Risk) > RiskRank(b.Risk)
		}
		if a.QualityScore != b.QualityScore {
			return a.QualityScore > b.QualityScore
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})
}
