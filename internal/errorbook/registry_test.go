package errorbook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sce-dev/sce/infrastructure/errors"
)

type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[string][]byte
	calls []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, uri)
	doc, ok := f.docs[uri]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no document at %s", uri)
	}
	return doc, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func snapshotDoc(entries ...map[string]any) []byte {
	data, _ := json.Marshal(map[string]any{"entries": entries})
	return data
}

func TestTokenize(t *testing.T) {
	tokens := Tokenize("SHA-256 Hash/mismatch on WRITE!", 2)
	assert.Equal(t, []string{"sha", "256", "hash", "mismatch", "on", "write"}, tokens)

	tokens = Tokenize("a bb ccc", 3)
	assert.Equal(t, []string{"ccc"}, tokens)

	tokens = Tokenize("dup dup DUP", 2)
	assert.Equal(t, []string{"dup"}, tokens)
}

func TestSearch_CacheMode(t *testing.T) {
	e, _ := newTestEngine(t)
	cache := CacheDocument{
		APIVersion: 1,
		Source:     "upstream",
		RawEntries: []map[string]any{
			{"fingerprint": "aaaa", "title": "hash mismatch on write", "status": "verified", "quality_score": 80},
			{"fingerprint": "bbbb", "title": "unrelated timeout", "status": "candidate", "quality_score": 20},
		},
	}
	require.NoError(t, e.store.WriteJSON(e.store.Layout().ErrorbookRegistryCache(), cache))

	r := NewRegistry(e, RegistryConfig{}, &fakeFetcher{})
	result, err := r.Search(context.Background(), "hash mismatch", SearchModeCache)
	require.NoError(t, err)
	require.Len(t, result.Matches, 1)
	assert.Equal(t, "aaaa", result.Matches[0].Fingerprint)
	// title 8*2 tokens + quality 80/20 + verified rank 2 = 22
	assert.InDelta(t, 22.0, result.Matches[0].MatchScore, 0.001)
}

func TestSearch_RemoteShardedIndex(t *testing.T) {
	e, _ := newTestEngine(t)

	index, _ := json.Marshal(map[string]any{
		"api_version":      1,
		"min_token_length": 2,
		"token_to_source":  map[string]any{"hash": "https://reg.example/shards/h.json"},
		"token_to_bucket":  map[string]any{"mismatch": "m"},
		"buckets":          map[string]any{"m": "https://reg.example/shards/m.json"},
	})
	fetcher := &fakeFetcher{docs: map[string][]byte{
		"https://reg.example/index.json": index,
		"https://reg.example/shards/h.json": snapshotDoc(
			map[string]any{"fingerprint": "aaaa", "title": "hash mismatch", "status": "candidate", "quality_score": 60},
		),
		"https://reg.example/shards/m.json": snapshotDoc(
			map[string]any{"fingerprint": "aaaa", "title": "hash mismatch", "status": "candidate", "quality_score": 60},
			map[string]any{"fingerprint": "cccc", "title": "mismatch elsewhere", "status": "candidate", "quality_score": 10},
		),
	}}

	cfg := RegistryConfig{Sources: []SourceConfig{{
		Name: "upstream", Source: "https://reg.example/all.json",
		IndexURL: "https://reg.example/index.json", Enabled: true,
	}}}
	r := NewRegistry(e, cfg, fetcher)

	result, err := r.Search(context.Background(), "hash mismatch", SearchModeRemote)
	require.NoError(t, err)
	require.Len(t, result.Matches, 2, "duplicate fingerprints collapse")
	assert.Equal(t, "aaaa", result.Matches[0].Fingerprint, "best match first")
	assert.Empty(t, result.Warnings)
}

func TestSearch_NoShardFallsBackToDefaultSource(t *testing.T) {
	e, _ := newTestEngine(t)
	index, _ := json.Marshal(map[string]any{
		"api_version":     1,
		"token_to_source": map[string]any{},
		"default_source":  "https://reg.example/default.json",
	})
	fetcher := &fakeFetcher{docs: map[string][]byte{
		"https://reg.example/index.json": index,
		"https://reg.example/default.json": snapshotDoc(
			map[string]any{"fingerprint": "dddd", "title": "oddball failure", "status": "candidate", "quality_score": 5},
		),
	}}
	cfg := RegistryConfig{Sources: []SourceConfig{{
		Name: "upstream", Source: "https://reg.example/all.json",
		IndexURL: "https://reg.example/index.json", Enabled: true,
	}}}
	r := NewRegistry(e, cfg, fetcher)

	result, err := r.Search(context.Background(), "oddball", SearchModeRemote)
	require.NoError(t, err)
	require.Len(t, result.Matches, 1)
	assert.Equal(t, "dddd", result.Matches[0].Fingerprint)
}

func TestSearch_NoShardNoDefaultNeedsFullscanOptIn(t *testing.T) {
	e, _ := newTestEngine(t)
	index, _ := json.Marshal(map[string]any{"api_version": 1})
	full := snapshotDoc(map[string]any{"fingerprint": "eeee", "title": "rare bird", "status": "candidate", "quality_score": 0})
	fetcher := &fakeFetcher{docs: map[string][]byte{
		"https://reg.example/index.json": index,
		"https://reg.example/all.json":   full,
	}}
	src := SourceConfig{Name: "upstream", Source: "https://reg.example/all.json",
		IndexURL: "https://reg.example/index.json", Enabled: true}

	r := NewRegistry(e, RegistryConfig{Sources: []SourceConfig{src}}, fetcher)
	result, err := r.Search(context.Background(), "rare bird", SearchModeRemote)
	require.NoError(t, err)
	assert.Empty(t, result.Matches, "fullscan requires opt-in")

	r = NewRegistry(e, RegistryConfig{Sources: []SourceConfig{src}, AllowRemoteFullscan: true}, fetcher)
	result, err = r.Search(context.Background(), "rare bird", SearchModeRemote)
	require.NoError(t, err)
	require.Len(t, result.Matches, 1)
}

func TestSearch_MaxShardsCap(t *testing.T) {
	tokenToSource := make(map[string]any)
	docs := map[string][]byte{}
	query := ""
	for i := 0; i < 12; i++ {
		tok := fmt.Sprintf("tok%02d", i)
		uri := fmt.Sprintf("https://reg.example/s%02d.json", i)
		tokenToSource[tok] = uri
		docs[uri] = snapshotDoc()
		query += tok + " "
	}
	index, _ := json.Marshal(map[string]any{"api_version": 1, "token_to_source": tokenToSource})
	docs["https://reg.example/index.json"] = index

	e, _ := newTestEngine(t)
	fetcher := &fakeFetcher{docs: docs}
	cfg := RegistryConfig{Sources: []SourceConfig{{
		Name: "upstream", Source: "https://reg.example/all.json",
		IndexURL: "https://reg.example/index.json", Enabled: true,
	}}}
	r := NewRegistry(e, cfg, fetcher)

	_, err := r.Search(context.Background(), query, SearchModeRemote)
	require.NoError(t, err)
	// index fetch + at most 8 shard fetches
	assert.LessOrEqual(t, fetcher.callCount(), 9)
}

func TestSearch_SourceFailureIsWarning(t *testing.T) {
	e, _ := newTestEngine(t)
	cfg := RegistryConfig{Sources: []SourceConfig{{
		Name: "down", Source: "https://down.example/all.json", Enabled: true,
	}}}
	r := NewRegistry(e, cfg, &fakeFetcher{})
	r.retry.MaxAttempts = 1

	result, err := r.Search(context.Background(), "anything", SearchModeRemote)
	require.NoError(t, err, "source failure downgrades to a warning on find")
	assert.Len(t, result.Warnings, 1)
}

func TestSync(t *testing.T) {
	e, _ := newTestEngine(t)
	fetcher := &fakeFetcher{docs: map[string][]byte{
		"https://reg.example/all.json": snapshotDoc(
			map[string]any{"fingerprint": "aaaa", "title": "hash mismatch", "status": "verified", "quality_score": 70},
		),
	}}
	cfg := RegistryConfig{Sources: []SourceConfig{{
		Name: "upstream", Source: "https://reg.example/all.json", Enabled: true,
	}}}
	r := NewRegistry(e, cfg, fetcher)

	n, err := r.Sync(context.Background(), "upstream")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	result, err := r.Search(context.Background(), "hash", SearchModeCache)
	require.NoError(t, err)
	require.Len(t, result.Matches, 1)

	_, err = r.Sync(context.Background(), "missing")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestHealth(t *testing.T) {
	e, _ := newTestEngine(t)
	fetcher := &fakeFetcher{docs: map[string][]byte{
		"https://ok.example/all.json": snapshotDoc(),
	}}
	cfg := RegistryConfig{Sources: []SourceConfig{
		{Name: "ok", Source: "https://ok.example/all.json", Enabled: true},
		{Name: "down", Source: "https://down.example/all.json", Enabled: true},
		{Name: "off", Source: "https://off.example/all.json", Enabled: false},
	}}
	r := NewRegistry(e, cfg, fetcher)
	r.retry.MaxAttempts = 1

	results, err := r.Health(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, results, 2, "disabled sources are not probed")
	assert.True(t, results[0].Healthy)
	assert.False(t, results[1].Healthy)

	_, err = r.Health(context.Background(), true)
	require.True(t, errors.HasCode(err, errors.CodeRegistryUnavailable))
}

func TestExport_SkipsDeprecated(t *testing.T) {
	e, _ := newTestEngine(t)
	keep, _, err := e.Record(hashMismatchInput())
	require.NoError(t, err)
	gone, _, err := e.Record(RecordInput{Title: "old", Symptom: "stale"})
	require.NoError(t, err)
	_, err = e.Deprecate(gone.ID)
	require.NoError(t, err)

	doc, err := e.Export()
	require.NoError(t, err)
	require.Len(t, doc.Entries, 1)
	assert.Equal(t, keep.ID, doc.Entries[0].ID)
	assert.True(t, e.store.Exists(e.store.Layout().ErrorbookRegistryExport()))
}
