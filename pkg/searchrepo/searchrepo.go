// Package searchrepo implements the Search Repository of spec §4.5: a front
// end to the files_fts inverted index with tag/free-text search, snippet
// extraction, a TTL'd result cache, tag expansion, suggestions, and index
// maintenance.
//
// Grounded on dshills-gocontext-mcp's internal/searcher/searcher.go for the
// cache shape (canonical-key hashing, hashicorp/golang-lru, TTL-checked
// Get/Add under a mutex) and on the teacher's database/sql query-then-scan
// idiom for everything touching SQLite; the fts5 MATCH/rank/snippet()
// vocabulary itself has no teacher precedent since the teacher repo has no
// full-text index.
package searchrepo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/alexcollie/codeindex/pkg/dbservice"
	codeerrors "github.com/alexcollie/codeindex/pkg/errors"
	"github.com/alexcollie/codeindex/pkg/querybuilder"
)

const (
	// cacheTTL is spec §4.5's five-minute result-cache lifetime.
	cacheTTL = 5 * time.Minute
	// cacheCapacity bounds the cache by entry count instead of the spec's
	// insertion-triggered TTL sweep — an LRU satisfies the same contract
	// (DESIGN NOTES §9 permits either) while avoiding an unbounded map.
	cacheCapacity = 100

	defaultSuggestionLimit = 20
	maxTagCount            = 5
	maxTagLength           = 100
	maxQueryLength         = 1000
)

// dangerousPattern flags obvious SQL-injection attempts in free-text
// search and tags. It is advisory only — parameterization is the real
// defense (DESIGN NOTES §9) — so it never gates anything that bypasses
// positional binding.
var dangerousPattern = regexp.MustCompile(`(?i)'\s*;|\b(drop|delete|update|insert|alter|create)\b|--|/\*|\*/`)

// tagSubstitutions maps common abbreviations to their expansions. Order
// within each slice is preserved — substitutions never get reordered.
var tagSubstitutions = map[string][]string{
	"js":    {"javascript"},
	"ts":    {"typescript"},
	"py":    {"python"},
	"cpp":   {"c++"},
	"cs":    {"csharp", "c#"},
	"react": {"jsx", "tsx"},
}

// expandTag returns tag, its lower/upper forms, and any fixed substitutions,
// deduplicated with first-hit-wins ordering (spec §4.5 "tag expansion").
func expandTag(tag string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	add(tag)
	add(strings.ToLower(tag))
	add(strings.ToUpper(tag))
	for _, sub := range tagSubstitutions[strings.ToLower(tag)] {
		add(sub)
	}
	return out
}

// Filters narrows a search to a subset of files (spec §4.5).
type Filters struct {
	Language     *string
	FileType     *string
	PathContains *string
	SizeMin      *int64
	SizeMax      *int64
	DateAfter    *int64
	DateBefore   *int64
	MinScore     *float64
}

// Options controls pagination and presentation of search results.
type Options struct {
	Limit           *int
	Offset          *int
	Filters         *Filters
	IncludeSnippets bool
	OverRetrieve    bool
}

// Match is one matched field within a Hit.
type Match struct {
	Field   string
	Snippet string
	Start   int
	End     int
	Terms   []string
}

// HitMetadata carries denormalized file attributes for a Hit.
type HitMetadata struct {
	Extension    string
	Language     string
	Size         int64
	LastModified int64
}

// Hit is one search result (spec §4.5 "Result shape per hit").
type Hit struct {
	ID       string
	Path     string
	Filename string
	Score    float64
	Matches  []Match
	Metadata HitMetadata
}

// Suggestion is one completion returned by GetSuggestions.
type Suggestion struct {
	Type  string
	Value string
	Count int
}

// MaintenanceResult reports the outcome of RebuildIndex/OptimizeIndex (spec
// §4.5 "index maintenance").
type MaintenanceResult struct {
	Success   bool
	Operation string
	Duration  time.Duration
	SizeBefore int64
	SizeAfter  int64
	Error     string
}

// ProgressFunc receives 0/50/100 during index maintenance.
type ProgressFunc func(percent int)

// ErrorAggregator is the subset of the injected error-aggregator interface
// (spec §6) the Search Repository consults for get_error_statistics and
// check_failure_alerts.
type ErrorAggregator interface {
	RecordError(err error, context map[string]any)
	GetErrorStatistics() map[string]any
	GetActiveAlerts() []map[string]any
}

type cacheKey struct {
	Type            string   `json:"type"`
	Terms           []string `json:"sorted_terms"`
	Limit           *int     `json:"limit"`
	Offset          *int     `json:"offset"`
	Filters         *Filters `json:"filters"`
	IncludeSnippets bool     `json:"include_snippets"`
	MinScore        *float64 `json:"min_score"`
}

type cacheEntry struct {
	hits       []Hit
	insertedAt time.Time
}

// Repository is the Search Repository.
type Repository struct {
	db   *dbservice.Service
	errs ErrorAggregator

	cacheMu sync.RWMutex
	cache   *lru.Cache[string, *cacheEntry]
}

// New constructs a Repository. errs may be nil; GetErrorStatistics and
// CheckFailureAlerts become no-ops in that case.
func New(db *dbservice.Service, errs ErrorAggregator) *Repository {
	cache, err := lru.New[string, *cacheEntry](cacheCapacity)
	if err != nil {
		panic(fmt.Sprintf("searchrepo: failed to construct result cache: %v", err))
	}
	return &Repository{db: db, errs: errs, cache: cache}
}

func validateTags(tags []string) error {
	if len(tags) == 0 || len(tags) > maxTagCount {
		return codeerrors.New(codeerrors.KindConstraintViolation, "invalid_tag_count",
			"tags must contain between 1 and 5 entries", map[string]any{"count": len(tags)})
	}
	for _, t := range tags {
		if t == "" || len(t) > maxTagLength {
			return codeerrors.New(codeerrors.KindConstraintViolation, "invalid_tag_length",
				"each tag must be 1-100 characters", map[string]any{"tag": t})
		}
		if dangerousPattern.MatchString(t) {
			return codeerrors.New(codeerrors.KindConstraintViolation, "unsafe_tag",
				"tag contains a disallowed pattern", map[string]any{"tag": t})
		}
	}
	return nil
}

func validateQuery(q string) error {
	if q == "" || len(q) > maxQueryLength {
		return codeerrors.New(codeerrors.KindConstraintViolation, "invalid_query_length",
			"query must be 1-1000 characters", map[string]any{"length": len(q)})
	}
	if dangerousPattern.MatchString(q) {
		return codeerrors.New(codeerrors.KindConstraintViolation, "unsafe_query",
			"query contains a disallowed pattern", map[string]any{"query": q})
	}
	return nil
}

func validatePrefix(prefix string) error {
	if len(prefix) > maxTagLength {
		return codeerrors.New(codeerrors.KindConstraintViolation, "invalid_prefix_length",
			"prefix must be at most 100 characters", map[string]any{"length": len(prefix)})
	}
	return nil
}

// canonicalKey hashes a cacheKey into a stable lookup string.
func canonicalKey(k cacheKey) string {
	sorted := append([]string{}, k.Terms...)
	sort.Strings(sorted)
	k.Terms = sorted
	blob, _ := json.Marshal(k)
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

func (r *Repository) lookupCache(key string) ([]Hit, bool) {
	r.cacheMu.RLock()
	entry, ok := r.cache.Get(key)
	r.cacheMu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Since(entry.insertedAt) > cacheTTL {
		r.cacheMu.Lock()
		r.cache.Remove(key)
		r.cacheMu.Unlock()
		return nil, false
	}
	return entry.hits, true
}

func (r *Repository) storeCache(key string, hits []Hit) {
	r.cacheMu.Lock()
	r.cache.Add(key, &cacheEntry{hits: hits, insertedAt: time.Now()})
	r.cacheMu.Unlock()
}

// ClearCache drops every cached result (spec §4.5 "clear_cache"); also
// invoked internally by index maintenance.
func (r *Repository) ClearCache() {
	r.cacheMu.Lock()
	r.cache.Purge()
	r.cacheMu.Unlock()
}

// applyFilters appends the optional filter clauses shared by tag and
// free-text search onto b.
func applyFilters(b *querybuilder.Builder, f *Filters) {
	if f == nil {
		return
	}
	b.WhereIf(f.Language != nil, "f.language = ?", derefStr(f.Language)).
		WhereIf(f.FileType != nil, "f.extension = ?", derefStr(f.FileType)).
		WhereIf(f.PathContains != nil, "f.path LIKE ?", "%"+derefStr(f.PathContains)+"%").
		WhereIf(f.SizeMin != nil, "f.size >= ?", derefInt64(f.SizeMin)).
		WhereIf(f.SizeMax != nil, "f.size <= ?", derefInt64(f.SizeMax)).
		WhereIf(f.DateAfter != nil, "f.last_modified >= ?", derefInt64(f.DateAfter)).
		WhereIf(f.DateBefore != nil, "f.last_modified <= ?", derefInt64(f.DateBefore)).
		WhereIf(f.MinScore != nil, "fts.rank >= ?", derefFloat(f.MinScore))
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
func derefInt64(i *int64) int64 {
	if i == nil {
		return 0
	}
	return *i
}
func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

const snippetEllipsis = "..."

func snippetExpr(col int, alias string) string {
	return fmt.Sprintf("snippet(files_fts, %d, '\x01', '\x02', '%s', 32) AS %s", col, snippetEllipsis, alias)
}

// splitSnippet turns the \x01/\x02-delimited snippet text produced by
// snippetExpr back into start/end offsets around the first marked term.
func splitSnippet(raw string) (text string, start, end int) {
	startIdx := strings.IndexByte(raw, '\x01')
	endIdx := strings.IndexByte(raw, '\x02')
	if startIdx < 0 || endIdx < 0 || endIdx < startIdx {
		return raw, 0, 0
	}
	clean := raw[:startIdx] + raw[startIdx+1:endIdx] + raw[endIdx+1:]
	return clean, startIdx, endIdx - 1
}

func effectiveLimit(opts Options) (limit int, hasLimit bool, overRetrieveFactor int) {
	overRetrieveFactor = 1
	if opts.OverRetrieve {
		overRetrieveFactor = 2
	}
	if opts.Limit == nil {
		return 0, false, overRetrieveFactor
	}
	return *opts.Limit * overRetrieveFactor, true, overRetrieveFactor
}

// snippetCols are the files_fts columns eligible for snippet extraction,
// per spec §4.5: tag search covers fields 0..2, free-text covers 0..4.
var snippetCols = []struct {
	index int
	field string
}{
	{0, "filename"},
	{1, "path"},
	{2, "definitions"},
	{3, "imports"},
	{4, "docstrings"},
}

func (r *Repository) runSearch(ctx context.Context, matchClauses []string, matchArgs []any, opts Options, snippetFieldCount int) ([]Hit, error) {
	b := querybuilder.New()
	b.Where("("+strings.Join(matchClauses, " OR ")+")", matchArgs...)
	applyFilters(b, opts.Filters)
	b.OrderBy("fts.rank", "DESC")

	limit, hasLimit, _ := effectiveLimit(opts)
	if hasLimit {
		b.Limit(limit)
	}
	if opts.Offset != nil {
		b.Offset(*opts.Offset)
	}
	suffix, args := b.Build()

	cols := []string{"f.id", "f.path", "f.filename", "fts.rank", "f.extension", "f.language", "f.size", "f.last_modified"}
	var snipAliases []string
	if opts.IncludeSnippets {
		for _, c := range snippetCols[:snippetFieldCount] {
			alias := "snip_" + c.field
			cols = append(cols, snippetExpr(c.index, alias))
			snipAliases = append(snipAliases, c.field)
		}
	}

	query := "SELECT " + strings.Join(cols, ", ") + " FROM files_fts fts JOIN files f ON f.rowid = fts.rowid" + suffix

	rows, err := r.db.ExecuteQuery(ctx, query, args...)
	if err != nil {
		if r.errs != nil {
			r.errs.RecordError(err, map[string]any{"operation": "search"})
		}
		return nil, err
	}
	defer rows.Close()

	var out []Hit
	for rows.Next() {
		var h Hit
		dest := []any{&h.ID, &h.Path, &h.Filename, &h.Score, &h.Metadata.Extension, &h.Metadata.Language, &h.Metadata.Size, &h.Metadata.LastModified}
		snippetVals := make([]string, len(snipAliases))
		for i := range snippetVals {
			dest = append(dest, &snippetVals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, codeerrors.Wrap(codeerrors.KindQueryFailed, "scan_failed", "failed to scan search row", err, nil)
		}
		for i, field := range snipAliases {
			text, start, end := splitSnippet(snippetVals[i])
			h.Matches = append(h.Matches, Match{Field: field, Snippet: text, Start: start, End: end})
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, codeerrors.Wrap(codeerrors.KindQueryFailed, "rows_failed", "error iterating search rows", err, nil)
	}

	if opts.Limit != nil && len(out) > *opts.Limit {
		out = out[:*opts.Limit]
	}
	return out, nil
}

// SearchByTags matches files against expanded tags OR'd together, with
// optional filters (spec §4.5 "search_by_tags").
func (r *Repository) SearchByTags(ctx context.Context, tags []string, opts Options) ([]Hit, error) {
	if err := validateTags(tags); err != nil {
		return nil, err
	}
	var terms []string
	seen := map[string]bool{}
	for _, t := range tags {
		for _, expanded := range expandTag(t) {
			if !seen[expanded] {
				seen[expanded] = true
				terms = append(terms, expanded)
			}
		}
	}

	key := canonicalKey(cacheKey{Type: "tags", Terms: terms, Limit: opts.Limit, Offset: opts.Offset,
		Filters: opts.Filters, IncludeSnippets: opts.IncludeSnippets, MinScore: filterMinScore(opts.Filters)})
	if hits, ok := r.lookupCache(key); ok {
		return hits, nil
	}

	matchClauses := make([]string, len(terms))
	matchArgs := make([]any, len(terms))
	for i, term := range terms {
		matchClauses[i] = "fts MATCH ?"
		matchArgs[i] = "tags:" + term
	}

	hits, err := r.runSearch(ctx, matchClauses, matchArgs, opts, 3)
	if err != nil {
		return nil, err
	}
	r.storeCache(key, hits)
	return hits, nil
}

func filterMinScore(f *Filters) *float64 {
	if f == nil {
		return nil
	}
	return f.MinScore
}

// SearchByText runs a single free-text MATCH across all indexed columns
// (spec §4.5 "search_by_text").
func (r *Repository) SearchByText(ctx context.Context, query string, opts Options) ([]Hit, error) {
	if err := validateQuery(query); err != nil {
		return nil, err
	}

	key := canonicalKey(cacheKey{Type: "text", Terms: []string{query}, Limit: opts.Limit, Offset: opts.Offset,
		Filters: opts.Filters, IncludeSnippets: opts.IncludeSnippets, MinScore: filterMinScore(opts.Filters)})
	if hits, ok := r.lookupCache(key); ok {
		return hits, nil
	}

	hits, err := r.runSearch(ctx, []string{"fts MATCH ?"}, []any{query}, opts, 5)
	if err != nil {
		return nil, err
	}
	r.storeCache(key, hits)
	return hits, nil
}

// GetSuggestions returns up to limit completions for prefix, split across
// tag and filename halves (spec §4.5 "get_suggestions"). file_tags and
// files are ordinary indexed tables, so prefix matching uses LIKE rather
// than an FTS MATCH — equivalent "starts-with" semantics without a second
// virtual-table scan path.
func (r *Repository) GetSuggestions(ctx context.Context, prefix string, limit int) ([]Suggestion, error) {
	if err := validatePrefix(prefix); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultSuggestionLimit
	}
	tagLimit := limit / 2
	fileLimit := limit - tagLimit
	like := prefix + "%"

	// A UNION ALL of the tag and filename projections, each already
	// LIMITed to its half, re-ranked together by count in the outer
	// SELECT (spec §4.5 "a UNION of two projections ... split across the
	// two halves of limit").
	rows, err := r.db.ExecuteQuery(ctx,
		`SELECT type, value, cnt FROM (
			SELECT 'tag' AS type, tag AS value, COUNT(*) AS cnt FROM file_tags WHERE tag LIKE ? GROUP BY tag ORDER BY cnt DESC LIMIT ?
			UNION ALL
			SELECT 'filename' AS type, filename AS value, COUNT(*) AS cnt FROM files WHERE filename LIKE ? GROUP BY filename ORDER BY cnt DESC LIMIT ?
		) ORDER BY cnt DESC`,
		like, tagLimit, like, fileLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Suggestion
	for rows.Next() {
		var s Suggestion
		if err := rows.Scan(&s.Type, &s.Value, &s.Count); err != nil {
			return nil, codeerrors.Wrap(codeerrors.KindQueryFailed, "scan_failed", "failed to scan suggestion", err, nil)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) ftsRowCount(ctx context.Context) int64 {
	var n int64
	_, _ = r.db.ExecuteOne(ctx, "SELECT COUNT(*) FROM files_fts", nil, &n)
	return n
}

// RebuildIndex issues the fts5 'rebuild' command then re-optimizes (spec
// §4.5 "rebuild_index"). Failures return a structured result rather than
// propagating, so maintenance tooling never crashes on a search failure.
func (r *Repository) RebuildIndex(ctx context.Context, progress ProgressFunc) MaintenanceResult {
	return r.maintain(ctx, "rebuild", "rebuild", progress)
}

// OptimizeIndex issues the fts5 'optimize' command then ANALYZE (spec §4.5
// "optimize_index").
func (r *Repository) OptimizeIndex(ctx context.Context, progress ProgressFunc) MaintenanceResult {
	return r.maintain(ctx, "optimize", "optimize", progress)
}

func (r *Repository) maintain(ctx context.Context, operation, command string, progress ProgressFunc) MaintenanceResult {
	start := time.Now()
	notify := func(pct int) {
		if progress != nil {
			progress(pct)
		}
	}
	notify(0)

	before := r.ftsRowCount(ctx)

	_, err := r.db.ExecuteRun(ctx, fmt.Sprintf("INSERT INTO files_fts(files_fts) VALUES('%s')", command))
	if err != nil {
		if r.errs != nil {
			r.errs.RecordError(err, map[string]any{"operation": operation})
		}
		return MaintenanceResult{Success: false, Operation: operation, Duration: time.Since(start), Error: err.Error()}
	}
	notify(50)

	if operation == "rebuild" {
		if _, err := r.db.ExecuteRun(ctx, "INSERT INTO files_fts(files_fts) VALUES('optimize')"); err != nil {
			if r.errs != nil {
				r.errs.RecordError(err, map[string]any{"operation": operation})
			}
			return MaintenanceResult{Success: false, Operation: operation, Duration: time.Since(start), Error: err.Error()}
		}
	}
	if operation == "optimize" {
		if _, err := r.db.ExecuteRun(ctx, "ANALYZE"); err != nil {
			if r.errs != nil {
				r.errs.RecordError(err, map[string]any{"operation": operation})
			}
			return MaintenanceResult{Success: false, Operation: operation, Duration: time.Since(start), Error: err.Error()}
		}
	}

	r.ClearCache()
	after := r.ftsRowCount(ctx)
	notify(100)

	return MaintenanceResult{Success: true, Operation: operation, Duration: time.Since(start), SizeBefore: before, SizeAfter: after}
}

// Stats is a snapshot of index size and cache occupancy (spec §4.5
// "get_stats").
type Stats struct {
	IndexedRows int64
	CacheSize   int
}

// GetStats returns current index/cache sizes.
func (r *Repository) GetStats(ctx context.Context) Stats {
	r.cacheMu.RLock()
	size := r.cache.Len()
	r.cacheMu.RUnlock()
	return Stats{IndexedRows: r.ftsRowCount(ctx), CacheSize: size}
}

// GetErrorStatistics delegates to the injected error aggregator (spec §4.5
// "get_error_statistics"); returns nil if none is configured.
func (r *Repository) GetErrorStatistics() map[string]any {
	if r.errs == nil {
		return nil
	}
	return r.errs.GetErrorStatistics()
}

// CheckFailureAlerts delegates to the injected error aggregator (spec §4.5
// "check_failure_alerts").
func (r *Repository) CheckFailureAlerts() []map[string]any {
	if r.errs == nil {
		return nil
	}
	return r.errs.GetActiveAlerts()
}
