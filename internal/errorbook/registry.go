package errorbook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sce-dev/sce/infrastructure/errors"
	"github.com/sce-dev/sce/infrastructure/resilience"
)

// Search modes.
const (
	SearchModeCache  = "cache"
	SearchModeRemote = "remote"
	SearchModeHybrid = "hybrid"
)

const (
	defaultMinTokenLength = 2
	defaultMaxShards      = 8
	registryAPIVersion    = 1
)

// SourceConfig declares one registry source.
type SourceConfig struct {
	Name     string `json:"name"`
	Source   string `json:"source"`
	IndexURL string `json:"index_url,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// RegistryConfig is the persisted registry configuration.
type RegistryConfig struct {
	Sources             []SourceConfig `json:"sources"`
	MaxShards           int            `json:"max_shards,omitempty"`
	AllowRemoteFullscan bool           `json:"allow_remote_fullscan,omitempty"`
}

// DefaultRegistryConfig is materialized on first read.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{Sources: []SourceConfig{}, MaxShards: defaultMaxShards}
}

// Fetcher retrieves a registry document by URI. http(s) URIs go over the
// network; anything else is read as a local file path.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// HTTPFetcher is the default Fetcher. Outbound requests are paced by a
// token-bucket limiter so shard fan-out cannot hammer a registry host.
type HTTPFetcher struct {
	Client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPFetcher returns a Fetcher with a bounded request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPFetcher{
		Client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		return os.ReadFile(uri)
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, uri)
	}
	return io.ReadAll(resp.Body)
}

// Match is one scored search hit.
type Match struct {
	ID           string  `json:"id,omitempty"`
	Fingerprint  string  `json:"fingerprint"`
	Title        string  `json:"title"`
	Symptom      string  `json:"symptom,omitempty"`
	RootCause    string  `json:"root_cause,omitempty"`
	Status       Status  `json:"status"`
	QualityScore int     `json:"quality_score"`
	MatchScore   float64 `json:"match_score"`
	SourceName   string  `json:"source_name,omitempty"`
}

// SearchResult carries the deduplicated matches plus non-fatal source
// warnings (a failed source downgrades to a warning on find).
type SearchResult struct {
	Matches  []Match  `json:"matches"`
	Warnings []string `json:"warnings,omitempty"`
}

// Registry performs cache/remote/hybrid searches over configured sources.
type Registry struct {
	engine  *Engine
	config  RegistryConfig
	fetcher Fetcher
	retry   resilience.RetryConfig
}

// NewRegistry constructs a Registry. A nil fetcher selects the HTTP
// fetcher with default timeout.
func NewRegistry(engine *Engine, cfg RegistryConfig, fetcher Fetcher) *Registry {
	if fetcher == nil {
		fetcher = NewHTTPFetcher(0)
	}
	if cfg.MaxShards <= 0 {
		cfg.MaxShards = defaultMaxShards
	}
	return &Registry{
		engine:  engine,
		config:  cfg,
		fetcher: fetcher,
		retry: resilience.RetryConfig{
			MaxAttempts:  2,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
			Jitter:       0.1,
		},
	}
}

// fetch retrieves a registry document with transient-failure retries.
func (r *Registry) fetch(ctx context.Context, uri string) ([]byte, error) {
	var data []byte
	err := resilience.Retry(ctx, r.engine.clock, r.retry, func() error {
		var ferr error
		data, ferr = r.fetcher.Fetch(ctx, uri)
		return ferr
	})
	return data, err
}

// LoadRegistryConfig reads the registry config, materializing the
// default document on first read.
func (e *Engine) LoadRegistryConfig() (RegistryConfig, error) {
	var cfg RegistryConfig
	err := e.store.ReadJSONOrDefault(e.store.Layout().ErrorbookRegistryConfig(), &cfg, DefaultRegistryConfig())
	if err != nil {
		return RegistryConfig{}, err
	}
	return cfg, nil
}

// Tokenize lowercases the query, splits on non-alphanumeric runes, and
// keeps tokens of at least minLen characters.
func Tokenize(query string, minLen int) []string {
	if minLen <= 0 {
		minLen = defaultMinTokenLength
	}
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	var tokens []string
	seen := make(map[string]struct{})
	for _, f := range fields {
		if len(f) < minLen {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	return tokens
}

// Search runs a query in the given mode and returns deduplicated matches
// ordered by score.
func (r *Registry) Search(ctx context.Context, query, mode string) (*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.MissingParameter("query")
	}
	if mode == "" {
		mode = SearchModeHybrid
	}

	result := &SearchResult{}
	switch mode {
	case SearchModeCache:
		r.searchCache(query, result)
	case SearchModeRemote:
		r.searchRemote(ctx, query, result)
	case SearchModeHybrid:
		r.searchCache(query, result)
		r.searchRemote(ctx, query, result)
	default:
		return nil, errors.UnknownEnum("mode", mode,
			[]string{SearchModeCache, SearchModeRemote, SearchModeHybrid})
	}

	result.Matches = dedupeMatches(result.Matches)
	return result, nil
}

// searchCache scores the locally synced snapshot.
func (r *Registry) searchCache(query string, result *SearchResult) {
	path := r.engine.store.Layout().ErrorbookRegistryCache()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Warnings = append(result.Warnings, fmt.Sprintf("cache: %v", err))
		}
		return
	}
	tokens := Tokenize(query, defaultMinTokenLength)
	result.Matches = append(result.Matches, scoreSnapshot(data, tokens, "cache")...)
}

// searchRemote consults each enabled source's token index and scores the
// resolved shards. Source failures downgrade to warnings.
func (r *Registry) searchRemote(ctx context.Context, query string, result *SearchResult) {
	for _, src := range r.config.Sources {
		if !src.Enabled {
			continue
		}
		matches, err := r.searchSource(ctx, src, query)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", src.Name, err))
			continue
		}
		result.Matches = append(result.Matches, matches...)
	}
}

func (r *Registry) searchSource(ctx context.Context, src SourceConfig, query string) ([]Match, error) {
	// A source without a token index is a plain snapshot.
	if src.IndexURL == "" {
		data, err := r.fetch(ctx, src.Source)
		if err != nil {
			return nil, errors.RegistryUnavailable(src.Name, err)
		}
		tokens := Tokenize(query, defaultMinTokenLength)
		return scoreSnapshot(data, tokens, src.Name), nil
	}

	indexData, err := r.fetch(ctx, src.IndexURL)
	if err != nil {
		return nil, errors.RegistryUnavailable(src.Name, err)
	}
	doc := gjson.ParseBytes(indexData)

	minLen := defaultMinTokenLength
	if v := doc.Get("min_token_length"); v.Exists() && int(v.Int()) > 0 {
		minLen = int(v.Int())
	}
	tokens := Tokenize(query, minLen)

	shards := resolveShards(doc, tokens, r.config.MaxShards)
	if len(shards) == 0 {
		if def := doc.Get("default_source"); def.Exists() && def.String() != "" {
			shards = []string{def.String()}
		} else if r.config.AllowRemoteFullscan {
			shards = []string{src.Source}
		} else {
			return nil, nil
		}
	}

	// Shards are independent; fetch them concurrently.
	perShard := make([][]Match, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, uri := range shards {
		i, uri := i, uri
		g.Go(func() error {
			data, err := r.fetch(gctx, uri)
			if err != nil {
				return errors.RegistryUnavailable(src.Name, err).WithDetails("shard", uri)
			}
			perShard[i] = scoreSnapshot(data, tokens, src.Name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var matches []Match
	for _, m := range perShard {
		matches = append(matches, m...)
	}
	return matches, nil
}

// resolveShards maps tokens through token_to_source (uri or uri list)
// and token_to_bucket -> buckets, deduplicating and capping the result.
func resolveShards(doc gjson.Result, tokens []string, maxShards int) []string {
	var uris []string
	seen := make(map[string]struct{})
	add := func(uri string) {
		if uri == "" {
			return
		}
		if _, ok := seen[uri]; ok {
			return
		}
		seen[uri] = struct{}{}
		uris = append(uris, uri)
	}

	tokenToSource := doc.Get("token_to_source")
	tokenToBucket := doc.Get("token_to_bucket")
	buckets := doc.Get("buckets")

	for _, tok := range tokens {
		if v := tokenToSource.Get(tok); v.Exists() {
			if v.IsArray() {
				for _, item := range v.Array() {
					add(item.String())
				}
			} else {
				add(v.String())
			}
		}
		if v := tokenToBucket.Get(tok); v.Exists() {
			if uri := buckets.Get(v.String()); uri.Exists() {
				add(uri.String())
			}
		}
	}

	if maxShards > 0 && len(uris) > maxShards {
		uris = uris[:maxShards]
	}
	return uris
}

// Match-score weights, summed per query token found in each field.
const (
	matchWeightTitle       = 8
	matchWeightSymptom     = 5
	matchWeightRootCause   = 5
	matchWeightFix         = 3
	matchWeightTag         = 2
	matchWeightFingerprint = 1
)

// scoreSnapshot parses a snapshot document ({"entries": [...]} or a bare
// array) and scores every candidate against the tokens. gjson keeps the
// parse tolerant of foreign snapshot fields.
func scoreSnapshot(data []byte, tokens []string, sourceName string) []Match {
	doc := gjson.ParseBytes(data)
	items := doc.Get("entries")
	if !items.Exists() && doc.IsArray() {
		items = doc
	}
	if !items.IsArray() {
		return nil
	}

	var matches []Match
	items.ForEach(func(_, item gjson.Result) bool {
		m := scoreCandidate(item, tokens, sourceName)
		if m.MatchScore > 0 {
			matches = append(matches, m)
		}
		return true
	})
	return matches
}

func scoreCandidate(item gjson.Result, tokens []string, sourceName string) Match {
	title := item.Get("title").String()
	symptom := item.Get("symptom").String()
	rootCause := item.Get("root_cause").String()
	fingerprint := item.Get("fingerprint").String()

	var fixText, tagText strings.Builder
	for _, v := range item.Get("fix_actions").Array() {
		fixText.WriteString(v.String())
		fixText.WriteString(" ")
	}
	for _, v := range item.Get("tags").Array() {
		tagText.WriteString(v.String())
		tagText.WriteString(" ")
	}

	lowTitle := strings.ToLower(title)
	lowSymptom := strings.ToLower(symptom)
	lowRoot := strings.ToLower(rootCause)
	lowFix := strings.ToLower(fixText.String())
	lowTags := strings.ToLower(tagText.String())
	lowFp := strings.ToLower(fingerprint)

	score := 0.0
	for _, tok := range tokens {
		if strings.Contains(lowTitle, tok) {
			score += matchWeightTitle
		}
		if strings.Contains(lowSymptom, tok) {
			score += matchWeightSymptom
		}
		if strings.Contains(lowRoot, tok) {
			score += matchWeightRootCause
		}
		if strings.Contains(lowFix, tok) {
			score += matchWeightFix
		}
		if strings.Contains(lowTags, tok) {
			score += matchWeightTag
		}
		if strings.Contains(lowFp, tok) {
			score += matchWeightFingerprint
		}
	}

	status := Status(item.Get("status").String())
	quality := int(item.Get("quality_score").Int())
	if score > 0 {
		score += float64(quality) / 20.0
		if rank := StatusRank(status); rank > 0 {
			score += float64(rank)
		}
	}

	return Match{
		ID:           item.Get("id").String(),
		Fingerprint:  fingerprint,
		Title:        title,
		Symptom:      symptom,
		RootCause:    rootCause,
		Status:       status,
		QualityScore: quality,
		MatchScore:   score,
		SourceName:   sourceName,
	}
}

// dedupeMatches keeps the highest-scored match per fingerprint and
// orders the result by score descending.
func dedupeMatches(matches []Match) []Match {
	best := make(map[string]Match)
	for _, m := range matches {
		key := m.Fingerprint
		if key == "" {
			key = m.SourceName + "/" + m.Title
		}
		if prev, ok := best[key]; !ok || m.MatchScore > prev.MatchScore {
			best[key] = m
		}
	}
	out := make([]Match, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MatchScore != out[j].MatchScore {
			return out[i].MatchScore > out[j].MatchScore
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// Export snapshot document.
type ExportDocument struct {
	APIVersion  int       `json:"api_version"`
	GeneratedAt time.Time `json:"generated_at"`
	Entries     []*Entry  `json:"entries"`
}

// Export writes a registry snapshot of all non-deprecated entries to the
// contractual export path and returns the document.
func (e *Engine) Export() (*ExportDocument, error) {
	entries, err := e.List()
	if err != nil {
		return nil, err
	}
	doc := &ExportDocument{
		APIVersion:  registryAPIVersion,
		GeneratedAt: e.clock.Now().UTC(),
		Entries:     []*Entry{},
	}
	for _, entry := range entries {
		if entry.Status == StatusDeprecated {
			continue
		}
		doc.Entries = append(doc.Entries, entry)
	}
	if err := e.store.WriteJSON(e.store.Layout().ErrorbookRegistryExport(), doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// CacheDocument is the synced local snapshot consulted by cache mode.
type CacheDocument struct {
	APIVersion int              `json:"api_version"`
	SyncedAt   time.Time        `json:"synced_at"`
	Source     string           `json:"source"`
	RawEntries []map[string]any `json:"entries"`
}

// Sync fetches a source snapshot into the local registry cache. The
// snapshot is revalidated as JSON before it replaces the cache.
func (r *Registry) Sync(ctx context.Context, sourceName string) (int, error) {
	var src *SourceConfig
	for i := range r.config.Sources {
		if r.config.Sources[i].Name == sourceName {
			src = &r.config.Sources[i]
			break
		}
	}
	if src == nil {
		return 0, errors.NotFound("registry source", sourceName)
	}
	if !src.Enabled {
		return 0, errors.Precondition("registry source is disabled").WithDetails("source", sourceName)
	}

	data, err := r.fetch(ctx, src.Source)
	if err != nil {
		return 0, errors.RegistryUnavailable(src.Name, err)
	}
	doc := gjson.ParseBytes(data)
	items := doc.Get("entries")
	if !items.Exists() && doc.IsArray() {
		items = doc
	}
	if !items.IsArray() {
		return 0, errors.Corrupted(src.Source, fmt.Errorf("snapshot has no entries array"))
	}

	var raw []map[string]any
	items.ForEach(func(_, item gjson.Result) bool {
		if m, ok := item.Value().(map[string]any); ok {
			raw = append(raw, m)
		}
		return true
	})

	cache := CacheDocument{
		APIVersion: registryAPIVersion,
		SyncedAt:   r.engine.clock.Now().UTC(),
		Source:     src.Name,
		RawEntries: raw,
	}
	if err := r.engine.store.WriteJSON(r.engine.store.Layout().ErrorbookRegistryCache(), cache); err != nil {
		return 0, err
	}
	return len(raw), nil
}

// SourceHealth is one probe result from a registry health check.
type SourceHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Health probes every enabled source (and its index document when
// declared). With failOnAlert, any unhealthy source is fatal.
func (r *Registry) Health(ctx context.Context, failOnAlert bool) ([]SourceHealth, error) {
	var results []SourceHealth
	var firstErr error
	for _, src := range r.config.Sources {
		if !src.Enabled {
			continue
		}
		health := SourceHealth{Name: src.Name, Healthy: true}
		if _, err := r.fetch(ctx, src.Source); err != nil {
			health.Healthy = false
			health.Error = err.Error()
		} else if src.IndexURL != "" {
			if _, err := r.fetch(ctx, src.IndexURL); err != nil {
				health.Healthy = false
				health.Error = err.Error()
			}
		}
		if !health.Healthy && firstErr == nil {
			firstErr = errors.RegistryUnavailable(src.Name, fmt.Errorf("%s", health.Error))
		}
		results = append(results, health)
	}
	if failOnAlert && firstErr != nil {
		return results, firstErr
	}
	return results, nil
}
