package optimizer

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "optimizer_test.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE files (id TEXT PRIMARY KEY, path TEXT, language TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO files (id, path, language) VALUES ('f1', '/a.ts', 'typescript')`)
	require.NoError(t, err)
	return db
}

func TestAnalyzeQuerySecurityFlagsDangerousPattern(t *testing.T) {
	report := AnalyzeQuerySecurity("SELECT * FROM files; DROP TABLE files; --")
	assert.False(t, report.IsSafe)
	assert.NotEmpty(t, report.Warnings)
}

func TestAnalyzeQuerySecuritySafeParameterizedQuery(t *testing.T) {
	report := AnalyzeQuerySecurity("SELECT * FROM files WHERE path = ?")
	assert.True(t, report.IsSafe)
	assert.Empty(t, report.Warnings)
}

func TestAnalyzeQuerySecurityWarnsOnUnboundLiteral(t *testing.T) {
	report := AnalyzeQuerySecurity("SELECT * FROM files WHERE path = 'literal'")
	assert.True(t, report.IsSafe)
	assert.NotEmpty(t, report.Warnings)
}

func TestSuggestIndexesForFilesTable(t *testing.T) {
	suggestions := SuggestIndexes("files")
	require.NotEmpty(t, suggestions)
	assert.Contains(t, suggestions[0], "idx_files_path")
}

func TestSuggestIndexesForFTSTable(t *testing.T) {
	suggestions := SuggestIndexes("files_fts")
	require.NotEmpty(t, suggestions)
	assert.Contains(t, suggestions[0], "idx_files_fts_rank")
}

func TestSuggestIndexesForUnknownTableReturnsNil(t *testing.T) {
	assert.Nil(t, SuggestIndexes("unrelated_table"))
}

func TestNewRejectsNonPositiveSizeByDefaulting(t *testing.T) {
	db := openTestDB(t)
	o, err := New(db, 0)
	require.NoError(t, err)
	require.NotNil(t, o)
}

func TestPreparedStatementCachesHandle(t *testing.T) {
	db := openTestDB(t)
	o, err := New(db, 10)
	require.NoError(t, err)
	defer o.Close()

	stmt1, err := o.PreparedStatement(context.Background(), "SELECT id FROM files WHERE path = ?")
	require.NoError(t, err)
	stmt2, err := o.PreparedStatement(context.Background(), "SELECT id FROM files WHERE path = ?")
	require.NoError(t, err)
	assert.Same(t, stmt1, stmt2)
}

func TestOptimizeQueryCapturesPlanAndRewritesSQL(t *testing.T) {
	db := openTestDB(t)
	o, err := New(db, 10)
	require.NoError(t, err)
	defer o.Close()

	result, err := o.OptimizeQuery(context.Background(), "SELECT * FROM files WHERE language = ?", []any{"typescript"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM files WHERE language = ?", result.OriginalSQL)
	assert.Contains(t, result.OptimizedSQL, "LIMIT")
	assert.NotEmpty(t, result.Plan.Steps)
}

func TestOptimizeQueryAppendsIndexedByWhenRecommended(t *testing.T) {
	db := openTestDB(t)
	o, err := New(db, 10)
	require.NoError(t, err)
	defer o.Close()

	result, err := o.OptimizeQuery(context.Background(), "SELECT * FROM files WHERE language = ?", []any{"typescript"})
	require.NoError(t, err)
	if len(result.Plan.RecommendedIndexes) > 0 {
		assert.Contains(t, result.OptimizedSQL, "INDEXED BY")
	}
}

func TestOptimizeQueryDoesNotAppendLimitForIDEquality(t *testing.T) {
	db := openTestDB(t)
	o, err := New(db, 10)
	require.NoError(t, err)
	defer o.Close()

	result, err := o.OptimizeQuery(context.Background(), "SELECT * FROM files WHERE id = ?", []any{"f1"})
	require.NoError(t, err)
	assert.NotContains(t, result.OptimizedSQL, "LIMIT")
}

func TestClearStalePlansRemovesExpiredEntries(t *testing.T) {
	db := openTestDB(t)
	o, err := New(db, 10)
	require.NoError(t, err)
	defer o.Close()

	_, err = o.OptimizeQuery(context.Background(), "SELECT * FROM files", nil)
	require.NoError(t, err)

	o.plansMu.Lock()
	for _, key := range o.plans.Keys() {
		entry, _ := o.plans.Peek(key)
		entry.plan.CapturedAt = entry.plan.CapturedAt.Add(-2 * PlanCacheTimeout)
	}
	o.plansMu.Unlock()

	o.ClearStalePlans()
	assert.Equal(t, 0, o.plans.Len())
}

func TestCloseClosesCachedStatements(t *testing.T) {
	db := openTestDB(t)
	o, err := New(db, 10)
	require.NoError(t, err)

	_, err = o.PreparedStatement(context.Background(), "SELECT id FROM files")
	require.NoError(t, err)
	require.NoError(t, o.Close())
	assert.Equal(t, 0, o.stmts.Len())
}
