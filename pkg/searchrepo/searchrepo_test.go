package searchrepo

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexcollie/codeindex/internal/logging"
	"github.com/alexcollie/codeindex/internal/timeouts"
	"github.com/alexcollie/codeindex/pkg/dbservice"
	codeerrors "github.com/alexcollie/codeindex/pkg/errors"
	"github.com/alexcollie/codeindex/pkg/migrate"
	"github.com/alexcollie/codeindex/pkg/pool"
)

func newTestRepo(t *testing.T) (*Repository, *dbservice.Service) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "searchrepo_test.db")
	p, err := pool.New(pool.Config{Path: path, Min: 1, Max: 2})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	migrator, err := migrate.New(lease.DB(), logging.Nop(), migrate.CoreMigrations()...)
	require.NoError(t, err)
	require.NoError(t, migrator.Migrate(context.Background()))
	lease.Release()

	svc := dbservice.New(p, logging.Nop(), timeouts.NewRegistry(nil), migrator, 0)
	return New(svc, nil), svc
}

// insertFile inserts a file row plus a definition, an import, and tags, then
// touches the row so the files_fts_update trigger recomputes its indexed
// text from the just-inserted dependents.
func insertFile(t *testing.T, svc *dbservice.Service, id, path, filename, language string, tags []string, defName string) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.ExecuteRun(ctx,
		"INSERT INTO files (id, path, filename, extension, size, last_modified, hash, language, indexed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		id, path, filename, "ts", 10, 100, hash64('a'), language, 1)
	require.NoError(t, err)

	_, err = svc.ExecuteRun(ctx,
		"INSERT INTO definitions (id, file_id, name, type, line, column, exported, docstring) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		id+"-def1", id, defName, "function", 1, 0, 1, "docs for "+defName)
	require.NoError(t, err)

	for _, tag := range tags {
		_, err = svc.ExecuteRun(ctx, "INSERT INTO file_tags (file_id, tag, weight) VALUES (?, ?, 1.0)", id, tag)
		require.NoError(t, err)
	}

	_, err = svc.ExecuteRun(ctx, "UPDATE files SET filename = filename WHERE id = ?", id)
	require.NoError(t, err)
}

func hash64(seed byte) string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = seed
	}
	return string(out)
}

func TestExpandTagDeduplicatesAndSubstitutes(t *testing.T) {
	terms := expandTag("ts")
	assert.Contains(t, terms, "ts")
	assert.Contains(t, terms, "typescript")
	assert.Contains(t, terms, "TS")

	seen := map[string]int{}
	for _, term := range terms {
		seen[term]++
	}
	for term, count := range seen {
		assert.Equal(t, 1, count, "term %q should appear once", term)
	}
}

func TestExpandTagWithoutSubstitutionKeepsCaseVariants(t *testing.T) {
	terms := expandTag("rust")
	assert.ElementsMatch(t, []string{"rust", "RUST"}, terms)
}

func TestValidateTagsRejectsEmptyAndTooMany(t *testing.T) {
	require.Error(t, validateTags(nil))
	require.Error(t, validateTags([]string{"a", "b", "c", "d", "e", "f"}))
	require.NoError(t, validateTags([]string{"go"}))
}

func TestValidateTagsRejectsDangerousPattern(t *testing.T) {
	err := validateTags([]string{"go'; DROP TABLE files; --"})
	require.Error(t, err)
}

func TestValidateQueryRejectsTooLongOrDangerous(t *testing.T) {
	require.Error(t, validateQuery(""))
	require.Error(t, validateQuery("DROP TABLE files"))
	require.NoError(t, validateQuery("function handler"))
}

func TestValidatePrefixRejectsTooLong(t *testing.T) {
	long := make([]byte, maxTagLength+1)
	for i := range long {
		long[i] = 'a'
	}
	require.Error(t, validatePrefix(string(long)))
	require.NoError(t, validatePrefix("han"))
}

func TestCanonicalKeyIsOrderIndependent(t *testing.T) {
	a := canonicalKey(cacheKey{Type: "tags", Terms: []string{"go", "rust"}})
	b := canonicalKey(cacheKey{Type: "tags", Terms: []string{"rust", "go"}})
	assert.Equal(t, a, b)
}

func TestCanonicalKeyDiffersByType(t *testing.T) {
	a := canonicalKey(cacheKey{Type: "tags", Terms: []string{"go"}})
	b := canonicalKey(cacheKey{Type: "text", Terms: []string{"go"}})
	assert.NotEqual(t, a, b)
}

func TestSplitSnippetExtractsOffsets(t *testing.T) {
	text, start, end := splitSnippet("prefix \x01match\x02 suffix")
	assert.Equal(t, "prefix match suffix", text)
	assert.Equal(t, 7, start)
	assert.Equal(t, 12, end)
}

func TestSplitSnippetWithoutMarkersReturnsRawUnchanged(t *testing.T) {
	text, start, end := splitSnippet("no markers here")
	assert.Equal(t, "no markers here", text)
	assert.Equal(t, 0, start)
	assert.Equal(t, 0, end)
}

func TestSearchByTagsFindsMatchingFile(t *testing.T) {
	repo, svc := newTestRepo(t)
	insertFile(t, svc, "f1", "/a.ts", "a.ts", "typescript", []string{"typescript"}, "handleRequest")

	hits, err := repo.SearchByTags(context.Background(), []string{"ts"}, Options{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "f1", hits[0].ID)
	assert.Equal(t, "typescript", hits[0].Metadata.Language)
}

func TestSearchByTagsRejectsInvalidInput(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, err := repo.SearchByTags(context.Background(), nil, Options{})
	require.Error(t, err)
	assert.True(t, codeerrors.IsKind(err, codeerrors.KindConstraintViolation))
}

func TestSearchByTagsUsesCacheOnSecondCall(t *testing.T) {
	repo, svc := newTestRepo(t)
	insertFile(t, svc, "f1", "/a.ts", "a.ts", "typescript", []string{"typescript"}, "handleRequest")

	first, err := repo.SearchByTags(context.Background(), []string{"ts"}, Options{})
	require.NoError(t, err)

	second, err := repo.SearchByTags(context.Background(), []string{"ts"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSearchByTextFindsMatchingFile(t *testing.T) {
	repo, svc := newTestRepo(t)
	insertFile(t, svc, "f1", "/a.ts", "a.ts", "typescript", nil, "handleRequest")

	hits, err := repo.SearchByText(context.Background(), "handleRequest", Options{IncludeSnippets: true})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "f1", hits[0].ID)
	assert.NotEmpty(t, hits[0].Matches)
}

func TestSearchByTextRejectsDangerousQuery(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, err := repo.SearchByText(context.Background(), "'; DROP TABLE files; --", Options{})
	require.Error(t, err)
}

func TestSearchByTagsWithOffsetOnlyDoesNotError(t *testing.T) {
	repo, svc := newTestRepo(t)
	insertFile(t, svc, "f1", "/a.ts", "a.ts", "typescript", []string{"typescript"}, "handleRequest")

	offset := 1
	hits, err := repo.SearchByTags(context.Background(), []string{"ts"}, Options{Offset: &offset})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchByTagsAppliesLanguageFilter(t *testing.T) {
	repo, svc := newTestRepo(t)
	insertFile(t, svc, "f1", "/a.ts", "a.ts", "typescript", []string{"web"}, "handleRequest")
	insertFile(t, svc, "f2", "/b.go", "b.go", "go", []string{"web"}, "handleGoRequest")

	lang := "go"
	hits, err := repo.SearchByTags(context.Background(), []string{"web"}, Options{Filters: &Filters{Language: &lang}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "f2", hits[0].ID)
}

func TestGetSuggestionsReturnsTagAndFilenameHalves(t *testing.T) {
	repo, svc := newTestRepo(t)
	insertFile(t, svc, "f1", "/handler.ts", "handler.ts", "typescript", []string{"handler-tag"}, "handleRequest")

	suggestions, err := repo.GetSuggestions(context.Background(), "handl", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, suggestions)
}

func TestGetSuggestionsRejectsTooLongPrefix(t *testing.T) {
	repo, _ := newTestRepo(t)
	long := make([]byte, maxTagLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := repo.GetSuggestions(context.Background(), string(long), 10)
	require.Error(t, err)
}

func TestRebuildIndexReportsSuccessAndClearsCache(t *testing.T) {
	repo, svc := newTestRepo(t)
	insertFile(t, svc, "f1", "/a.ts", "a.ts", "typescript", []string{"typescript"}, "handleRequest")

	_, err := repo.SearchByTags(context.Background(), []string{"ts"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, repo.GetStats(context.Background()).CacheSize)

	var progressed []int
	result := repo.RebuildIndex(context.Background(), func(pct int) { progressed = append(progressed, pct) })
	assert.True(t, result.Success)
	assert.Equal(t, []int{0, 50, 100}, progressed)
	assert.Equal(t, 0, repo.GetStats(context.Background()).CacheSize)
}

func TestOptimizeIndexReportsSuccess(t *testing.T) {
	repo, svc := newTestRepo(t)
	insertFile(t, svc, "f1", "/a.ts", "a.ts", "typescript", []string{"typescript"}, "handleRequest")

	result := repo.OptimizeIndex(context.Background(), nil)
	assert.True(t, result.Success)
	assert.Equal(t, "optimize", result.Operation)
}

func TestGetErrorStatisticsNilAggregatorReturnsNil(t *testing.T) {
	repo, _ := newTestRepo(t)
	assert.Nil(t, repo.GetErrorStatistics())
	assert.Nil(t, repo.CheckFailureAlerts())
}

func TestClearCacheEmptiesStats(t *testing.T) {
	repo, svc := newTestRepo(t)
	insertFile(t, svc, "f1", "/a.ts", "a.ts", "typescript", []string{"typescript"}, "handleRequest")

	_, err := repo.SearchByTags(context.Background(), []string{"ts"}, Options{})
	require.NoError(t, err)
	repo.ClearCache()
	assert.Equal(t, 0, repo.GetStats(context.Background()).CacheSize)
}
