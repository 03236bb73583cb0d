package errorbook

import (
	"strings"

	"github.com/sce-dev/sce/infrastructure/clock"
	"github.com/sce-dev/sce/infrastructure/config"
	"github.com/sce-dev/sce/infrastructure/errors"
	"github.com/sce-dev/sce/infrastructure/logging"
	"github.com/sce-dev/sce/infrastructure/metrics"
	"github.com/sce-dev/sce/internal/store"
)

// DefaultSource labels entries recorded without an explicit origin.
const DefaultSource = "manual"

// Engine curates the errorbook: deduplicated record/merge, the status
// lifecycle, mitigation governance, and the release gate.
type Engine struct {
	store   *store.Store
	clock   clock.Clock
	log     *logging.Logger
	metrics *metrics.Metrics
}

// New constructs an Engine over the given store.
func New(st *store.Store, clk clock.Clock, log *logging.Logger, m *metrics.Metrics) *Engine {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = logging.Discard()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Engine{store: st, clock: clk, log: log, metrics: m}
}

// RecordInput is the closed record for a record operation.
type RecordInput struct {
	Title                string
	Symptom              string
	RootCause            string
	FixActions           []string
	VerificationEvidence []string
	Tags                 []string
	OntologyTags         []string
	Status               Status
	Source               string
	Mitigation           *Mitigation
}

// normalize trims and de-duplicates the input lists and applies the
// defaults. Ontology tags are checked against the closed vocabulary.
func (in *RecordInput) normalize() error {
	in.Title = strings.TrimSpace(in.Title)
	in.Symptom = strings.TrimSpace(in.Symptom)
	in.RootCause = strings.TrimSpace(in.RootCause)
	in.Source = strings.TrimSpace(in.Source)
	if in.Source == "" {
		in.Source = DefaultSource
	}
	in.FixActions = dedupeTrim(in.FixActions)
	in.VerificationEvidence = dedupeTrim(in.VerificationEvidence)
	in.Tags = config.NormalizeList(in.Tags)
	in.OntologyTags = config.NormalizeList(in.OntologyTags)

	if in.Title == "" {
		return errors.MissingParameter("title")
	}
	if in.Symptom == "" {
		return errors.MissingParameter("symptom")
	}
	for _, tag := range in.OntologyTags {
		if !ValidOntologyTag(tag) {
			return errors.UnknownEnum("ontology_tags", tag, OntologyTags)
		}
	}
	if in.Status == "" {
		in.Status = StatusCandidate
	}
	if !ValidStatus(in.Status) {
		return errors.UnknownEnum("status", string(in.Status),
			[]string{string(StatusCandidate), string(StatusVerified), string(StatusDeprecated)})
	}
	if in.Status == StatusPromoted {
		return errors.ForbiddenTransition("record", string(StatusPromoted)).
			WithDetails("reason", "promotion is reachable only via promote")
	}
	if in.Status == StatusVerified && len(in.VerificationEvidence) == 0 {
		return errors.Precondition("verified status requires verification evidence").
			WithDetails("missing", []string{"verification_evidence"})
	}
	// Entries stay discoverable by origin even when the caller tags nothing.
	if len(in.Tags) == 0 {
		in.Tags = []string{strings.ToLower(in.Source)}
	}
	return nil
}

// Record inserts a new entry or merges into the entry sharing the input's
// fingerprint. Returns the resulting entry and whether a merge happened.
func (e *Engine) Record(in RecordInput) (*Entry, bool, error) {
	if err := in.normalize(); err != nil {
		return nil, false, err
	}
	fp := Fingerprint(in.Title, in.Symptom, in.RootCause)
	now := e.clock.Now().UTC()

	index, err := e.loadIndex()
	if err != nil {
		return nil, false, err
	}

	if row, ok := index.findByFingerprint(fp); ok {
		existing, err := e.Get(row.ID)
		if err != nil {
			return nil, false, err
		}
		mergeInto(existing, in)
		existing.UpdatedAt = now
		existing.Rescore()
		if err := e.persist(existing, index); err != nil {
			return nil, false, err
		}
		e.metrics.ErrorbookRecordsTotal.WithLabelValues("merged").Inc()
		e.log.Debugf("errorbook merge %s occurrences=%d", existing.ID, existing.Occurrences)
		return existing, true, nil
	}

	entry := &Entry{
		ID:                   "eb-" + fp,
		Fingerprint:          fp,
		Title:                in.Title,
		Symptom:              in.Symptom,
		RootCause:            in.RootCause,
		FixActions:           in.FixActions,
		VerificationEvidence: in.VerificationEvidence,
		Tags:                 in.Tags,
		OntologyTags:         in.OntologyTags,
		Status:               in.Status,
		Occurrences:          1,
		Source:               in.Source,
		TemporaryMitigation:  in.Mitigation,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	entry.Rescore()
	if err := e.persist(entry, index); err != nil {
		return nil, false, err
	}
	e.metrics.ErrorbookRecordsTotal.WithLabelValues("created").Inc()
	return entry, false, nil
}

// mergeInto unions the incoming payload into the existing entry. The
// status picker chooses the higher rank, so a promoted entry is never
// demoted by a later record.
func mergeInto(existing *Entry, in RecordInput) {
	existing.FixActions = unionList(existing.FixActions, in.FixActions)
	existing.VerificationEvidence = unionList(existing.VerificationEvidence, in.VerificationEvidence)
	existing.Tags = unionList(existing.Tags, in.Tags)
	existing.OntologyTags = unionList(existing.OntologyTags, in.OntologyTags)
	if StatusRank(in.Status) > StatusRank(existing.Status) {
		existing.Status = in.Status
	}
	if existing.RootCause == "" {
		existing.RootCause = in.RootCause
	}
	if existing.TemporaryMitigation == nil && in.Mitigation != nil {
		existing.TemporaryMitigation = in.Mitigation
	}
	existing.Occurrences++
}

// Get loads an entry by ID.
func (e *Engine) Get(id string) (*Entry, error) {
	var entry Entry
	if err := e.store.ReadJSON(e.store.Layout().ErrorbookEntry(id), &entry); err != nil {
		if errors.HasCode(err, errors.CodeNotFound) {
			return nil, errors.NotFound("errorbook entry", id)
		}
		return nil, err
	}
	return &entry, nil
}

// GetByFingerprint loads an entry by fingerprint via the index.
func (e *Engine) GetByFingerprint(fp string) (*Entry, error) {
	index, err := e.loadIndex()
	if err != nil {
		return nil, err
	}
	row, ok := index.findByFingerprint(fp)
	if !ok {
		return nil, errors.NotFound("errorbook entry", fp)
	}
	return e.Get(row.ID)
}

// List loads every entry, ordered by ID.
func (e *Engine) List() ([]*Entry, error) {
	ids, err := e.store.ListJSON(e.store.Layout().ErrorbookEntriesDir())
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := e.Get(id)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// loadIndex reads the index, falling back to a rebuild from entry files
// when the index document is corrupt, and to an empty index when absent.
func (e *Engine) loadIndex() (*Index, error) {
	var index Index
	err := e.store.ReadJSON(e.store.Layout().ErrorbookIndex(), &index)
	switch {
	case err == nil:
		return &index, nil
	case errors.HasCode(err, errors.CodeNotFound):
		return &Index{}, nil
	case errors.HasCode(err, errors.CodeCorruption):
		e.log.Warn("errorbook index corrupt, rebuilding from entries")
		return e.RebuildIndex()
	default:
		return nil, err
	}
}

// RebuildIndex regenerates the index from the entry files and writes it.
func (e *Engine) RebuildIndex() (*Index, error) {
	ids, err := e.store.ListJSON(e.store.Layout().ErrorbookEntriesDir())
	if err != nil {
		return nil, err
	}
	index := &Index{}
	for _, id := range ids {
		entry, err := e.Get(id)
		if err != nil {
			// A corrupt entry cannot be silently repaired; refuse.
			return nil, err
		}
		index.upsert(summarize(entry))
	}
	if err := e.store.WriteJSON(e.store.Layout().ErrorbookIndex(), index); err != nil {
		return nil, err
	}
	return index, nil
}

// persist writes the entry file first (source of truth), then the index.
func (e *Engine) persist(entry *Entry, index *Index) error {
	if err := e.store.WriteJSON(e.store.Layout().ErrorbookEntry(entry.ID), entry); err != nil {
		return err
	}
	index.upsert(summarize(entry))
	return e.store.WriteJSON(e.store.Layout().ErrorbookIndex(), index)
}
