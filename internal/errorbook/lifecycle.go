package errorbook

import (
	"github.com/sce-dev/sce/infrastructure/errors"
)

// promoteQualityFloor is the minimum quality score for promotion.
const promoteQualityFloor = 75

// Promote moves an entry to promoted. Preconditions: non-empty root
// cause, at least one fix action, one verification evidence, one ontology
// tag, quality >= 75, and status not deprecated. An active temporary
// mitigation is marked resolved on promotion.
func (e *Engine) Promote(id string) (*Entry, error) {
	entry, index, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if entry.Status == StatusPromoted {
		return entry, nil
	}
	if entry.Status == StatusDeprecated {
		return nil, errors.ForbiddenTransition(string(StatusDeprecated), string(StatusPromoted)).
			WithDetails("id", id)
	}

	var missing []string
	if entry.RootCause == "" {
		missing = append(missing, "root_cause")
	}
	if len(entry.FixActions) == 0 {
		missing = append(missing, "fix_actions")
	}
	if len(entry.VerificationEvidence) == 0 {
		missing = append(missing, "verification_evidence")
	}
	if len(entry.OntologyTags) == 0 {
		missing = append(missing, "ontology_tags")
	}
	if len(missing) > 0 {
		return nil, errors.Precondition("entry is not promotable").
			WithDetails("id", id).
			WithDetails("missing", missing)
	}
	if entry.QualityScore < promoteQualityFloor {
		return nil, errors.Precondition("quality score below promotion floor").
			WithDetails("id", id).
			WithDetails("quality_score", entry.QualityScore).
			WithDetails("required", promoteQualityFloor)
	}

	entry.Status = StatusPromoted
	e.resolveMitigation(entry)
	return e.commit(entry, index)
}

// Verify adds verification evidence and moves a candidate to verified.
// Verified requires at least one piece of evidence after the update.
func (e *Engine) Verify(id string, evidence []string) (*Entry, error) {
	entry, index, err := e.load(id)
	if err != nil {
		return nil, err
	}
	switch entry.Status {
	case StatusPromoted:
		return nil, errors.ForbiddenTransition(string(StatusPromoted), string(StatusVerified)).
			WithDetails("id", id)
	case StatusDeprecated:
		return nil, errors.ForbiddenTransition(string(StatusDeprecated), string(StatusVerified)).
			WithDetails("id", id).
			WithDetails("hint", "requalify the entry first")
	}

	entry.VerificationEvidence = unionList(entry.VerificationEvidence, dedupeTrim(evidence))
	if len(entry.VerificationEvidence) == 0 {
		return nil, errors.Precondition("verified status requires verification evidence").
			WithDetails("id", id).
			WithDetails("missing", []string{"verification_evidence"})
	}
	entry.Status = StatusVerified
	return e.commit(entry, index)
}

// Deprecate retires an entry. Promoted entries cannot be deprecated. The
// active mitigation, if any, is implicitly resolved.
func (e *Engine) Deprecate(id string) (*Entry, error) {
	entry, index, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if entry.Status == StatusPromoted {
		return nil, errors.ForbiddenTransition(string(StatusPromoted), string(StatusDeprecated)).
			WithDetails("id", id)
	}
	if entry.Status == StatusDeprecated {
		return entry, nil
	}
	entry.Status = StatusDeprecated
	e.resolveMitigation(entry)
	return e.commit(entry, index)
}

// Requalify returns a deprecated or candidate entry to candidate or
// verified; promoted and deprecated are never requalification targets.
func (e *Engine) Requalify(id string, target Status) (*Entry, error) {
	if target != StatusCandidate && target != StatusVerified {
		return nil, errors.UnknownEnum("target", string(target),
			[]string{string(StatusCandidate), string(StatusVerified)})
	}
	entry, index, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if entry.Status != StatusDeprecated && entry.Status != StatusCandidate {
		return nil, errors.ForbiddenTransition(string(entry.Status), string(target)).
			WithDetails("id", id)
	}
	if target == StatusVerified && len(entry.VerificationEvidence) == 0 {
		return nil, errors.Precondition("verified status requires verification evidence").
			WithDetails("id", id).
			WithDetails("missing", []string{"verification_evidence"})
	}
	entry.Status = target
	return e.commit(entry, index)
}

// SetMitigation attaches or replaces the temporary mitigation.
func (e *Engine) SetMitigation(id string, m Mitigation) (*Entry, error) {
	entry, index, err := e.load(id)
	if err != nil {
		return nil, err
	}
	entry.TemporaryMitigation = &m
	return e.commit(entry, index)
}

// ResolveMitigation marks the entry's mitigation resolved directly.
func (e *Engine) ResolveMitigation(id string) (*Entry, error) {
	entry, index, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if entry.TemporaryMitigation == nil {
		return nil, errors.NotFound("temporary mitigation", id)
	}
	e.resolveMitigation(entry)
	return e.commit(entry, index)
}

func (e *Engine) resolveMitigation(entry *Entry) {
	if entry.TemporaryMitigation.Active() {
		now := e.clock.Now().UTC()
		entry.TemporaryMitigation.Resolved = true
		entry.TemporaryMitigation.ResolvedAt = &now
	}
}

// load fetches the entry and the current index together for an update.
func (e *Engine) load(id string) (*Entry, *Index, error) {
	entry, err := e.Get(id)
	if err != nil {
		return nil, nil, err
	}
	index, err := e.loadIndex()
	if err != nil {
		return nil, nil, err
	}
	return entry, index, nil
}

// commit re-stamps, re-scores, and persists the entry.
func (e *Engine) commit(entry *Entry, index *Index) (*Entry, error) {
	entry.UpdatedAt = e.clock.Now().UTC()
	entry.Rescore()
	if err := e.persist(entry, index); err != nil {
		return nil, err
	}
	return entry, nil
}
