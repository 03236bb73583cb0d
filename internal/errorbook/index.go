package errorbook

import (
	"sort"
	"time"
)

// IndexEntry is the summary row kept for each entry. The entry file is
// the source of truth; the index is a materialized cache rebuildable
// from entries.
type IndexEntry struct {
	ID           string    `json:"id"`
	Fingerprint  string    `json:"fingerprint"`
	Title        string    `json:"title"`
	Status       Status    `json:"status"`
	QualityScore int       `json:"quality_score"`
	Occurrences  int       `json:"occurrences"`
	Tags         []string  `json:"tags,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Index is the ordered list of entry summaries.
type Index struct {
	Entries []IndexEntry `json:"entries"`
}

func summarize(e *Entry) IndexEntry {
	return IndexEntry{
		ID:           e.ID,
		Fingerprint:  e.Fingerprint,
		Title:        e.Title,
		Status:       e.Status,
		QualityScore: e.QualityScore,
		Occurrences:  e.Occurrences,
		Tags:         e.Tags,
		UpdatedAt:    e.UpdatedAt,
	}
}

// upsert replaces the summary with a matching fingerprint or appends a
// new one, keeping the index ordered by entry ID.
func (ix *Index) upsert(summary IndexEntry) {
	for i, row := range ix.Entries {
		if row.Fingerprint == summary.Fingerprint {
			ix.Entries[i] = summary
			return
		}
	}
	ix.Entries = append(ix.Entries, summary)
	sort.Slice(ix.Entries, func(i, j int) bool {
		return ix.Entries[i].ID < ix.Entries[j].ID
	})
}

// findByFingerprint returns the summary with the given fingerprint.
func (ix *Index) findByFingerprint(fp string) (IndexEntry, bool) {
	for _, row := range ix.Entries {
		if row.Fingerprint == fp {
			return row, true
		}
	}
	return IndexEntry{}, false
}
