// Package optimizer implements the Query Optimizer of spec §4.6:
// execution-plan capture and caching, prepared-statement caching, and
// lightweight SQL rewrite/safety heuristics.
//
// Grounded on spec.md §4.6 directly; both the plan cache and the prepared
// statement cache use hashicorp/golang-lru per DESIGN NOTES §9 "Cache
// eviction" ("consider replacing with a size-capped LRU"), the same
// library pkg/searchrepo uses for its result cache.
package optimizer

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	codeerrors "github.com/alexcollie/codeindex/pkg/errors"
)

// PlanCacheTimeout is how long a cached execution plan is trusted before
// EXPLAIN QUERY PLAN is re-run (spec §4.6 "PLAN_CACHE_TIMEOUT").
const PlanCacheTimeout = 5 * time.Minute

// defaultSafetyLimit is appended to unbounded SELECTs (spec §4.6
// "MAX_CACHE_SIZE").
const defaultSafetyLimit = 100

var dangerousPattern = regexp.MustCompile(`(?i)'\s*;|\b(drop|delete|update|insert|alter|create)\b|--|/\*|\*/`)
var idEqualityPattern = regexp.MustCompile(`(?i)\bwhere\b.*\bid\s*=\s*\?`)
var whitespaceRun = regexp.MustCompile(`\s+`)
var fromTablePattern = regexp.MustCompile(`(?i)\bfrom\s+([a-zA-Z_][a-zA-Z0-9_]*)`)

// PlanStep is one row of an EXPLAIN QUERY PLAN result.
type PlanStep struct {
	ID      int
	Parent  int
	Detail  string
}

// Plan is a cached execution plan for one SQL shape.
type Plan struct {
	SQL               string
	Steps             []PlanStep
	RecommendedIndexes []string
	EstimatedCost     float64
	OptimizationHints []string
	CapturedAt        time.Time
}

// OptimizeResult is the return value of OptimizeQuery.
type OptimizeResult struct {
	OriginalSQL         string
	OptimizedSQL        string
	Params              []any
	Plan                Plan
	EstimatedImprovement float64
}

// SecurityReport is the return value of AnalyzeQuerySecurity.
type SecurityReport struct {
	IsSafe   bool
	Warnings []string
}

type planCacheEntry struct {
	plan Plan
}

type stmtCacheEntry struct {
	stmt *sql.Stmt
}

// Optimizer is the Query Optimizer.
type Optimizer struct {
	db *sql.DB

	plansMu sync.Mutex
	plans   *lru.Cache[string, *planCacheEntry]

	stmtsMu sync.Mutex
	stmts   *lru.Cache[string, *stmtCacheEntry]
}

// New constructs an Optimizer over db (used to run EXPLAIN QUERY PLAN and
// to prepare cached statements), with plan/statement caches bounded to
// maxSize entries each.
func New(db *sql.DB, maxSize int) (*Optimizer, error) {
	if maxSize <= 0 {
		maxSize = 100
	}
	plans, err := lru.New[string, *planCacheEntry](maxSize)
	if err != nil {
		return nil, codeerrors.Wrap(codeerrors.KindConfiguration, "plan_cache_init_failed", "failed to construct plan cache", err, nil)
	}
	stmts, err := lru.NewWithEvict[string, *stmtCacheEntry](maxSize, func(_ string, entry *stmtCacheEntry) {
		_ = entry.stmt.Close()
	})
	if err != nil {
		return nil, codeerrors.Wrap(codeerrors.KindConfiguration, "stmt_cache_init_failed", "failed to construct statement cache", err, nil)
	}
	return &Optimizer{db: db, plans: plans, stmts: stmts}, nil
}

func hashSQL(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])
}

// PreparedStatement returns a cached *sql.Stmt for sqlText, preparing and
// caching it on first use.
func (o *Optimizer) PreparedStatement(ctx context.Context, sqlText string) (*sql.Stmt, error) {
	hash := hashSQL(sqlText)

	o.stmtsMu.Lock()
	if entry, ok := o.stmts.Get(hash); ok {
		o.stmtsMu.Unlock()
		return entry.stmt, nil
	}
	o.stmtsMu.Unlock()

	stmt, err := o.db.PrepareContext(ctx, sqlText)
	if err != nil {
		return nil, codeerrors.Wrap(codeerrors.KindQueryFailed, "prepare_failed", "failed to prepare statement", err, nil)
	}

	o.stmtsMu.Lock()
	o.stmts.Add(hash, &stmtCacheEntry{stmt: stmt})
	o.stmtsMu.Unlock()
	return stmt, nil
}

// capturePlan runs EXPLAIN QUERY PLAN and derives recommended indexes,
// estimated cost, and optimization hints (spec §4.6 step 1).
func (o *Optimizer) capturePlan(ctx context.Context, sqlText string, args []any) (Plan, error) {
	rows, err := o.db.QueryContext(ctx, "EXPLAIN QUERY PLAN "+sqlText, args...)
	if err != nil {
		return Plan{}, codeerrors.Wrap(codeerrors.KindQueryFailed, "explain_failed", "failed to capture execution plan", err, nil)
	}
	defer rows.Close()

	plan := Plan{SQL: sqlText, CapturedAt: time.Now()}
	var cost float64
	var costSeen bool
	for rows.Next() {
		var id, parent, notUsed int
		var detail string
		if err := rows.Scan(&id, &parent, &notUsed, &detail); err != nil {
			return Plan{}, codeerrors.Wrap(codeerrors.KindQueryFailed, "explain_scan_failed", "failed to scan plan row", err, nil)
		}
		plan.Steps = append(plan.Steps, PlanStep{ID: id, Parent: parent, Detail: detail})

		lower := strings.ToLower(detail)
		if strings.Contains(lower, "scan table") {
			plan.OptimizationHints = append(plan.OptimizationHints, "full table scan: "+detail)
			if m := fromTablePattern.FindStringSubmatch(sqlText); m != nil {
				plan.RecommendedIndexes = append(plan.RecommendedIndexes, "CREATE INDEX ON "+m[1])
			}
		}
		if strings.Contains(lower, "using index") {
			plan.OptimizationHints = append(plan.OptimizationHints, "covering index available: "+detail)
		}
		if strings.Contains(lower, "using temp b-tree") {
			plan.OptimizationHints = append(plan.OptimizationHints, "temporary B-tree required: "+detail)
		}
		if strings.Contains(lower, "subquery") {
			plan.OptimizationHints = append(plan.OptimizationHints, "uncorrelated subquery: "+detail)
		}
		if idx := strings.Index(lower, "cost="); idx >= 0 {
			if v, ok := parseLeadingFloat(detail[idx+5:]); ok {
				cost += v
				costSeen = true
			}
		}
	}
	if !costSeen {
		cost = float64(len(plan.Steps))
	}
	plan.EstimatedCost = cost
	return plan, rows.Err()
}

func parseLeadingFloat(s string) (float64, bool) {
	end := 0
	for end < len(s) && (s[end] == '.' || (s[end] >= '0' && s[end] <= '9')) {
		end++
	}
	if end == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// rewrite applies spec §4.6 step 2/3's SQL-string rewrites.
func rewrite(sqlText string, recommendedIndexes []string) string {
	out := whitespaceRun.ReplaceAllString(strings.TrimSpace(sqlText), " ")
	out = strings.ReplaceAll(out, `"`, "'")

	lower := strings.ToLower(out)
	if strings.HasPrefix(lower, "select") && !strings.Contains(lower, " limit ") && !idEqualityPattern.MatchString(out) {
		out = out + " LIMIT " + strconv.Itoa(defaultSafetyLimit)
	}

	if len(recommendedIndexes) > 0 {
		if loc := fromTablePattern.FindStringSubmatchIndex(out); loc != nil {
			tableEnd := loc[3]
			out = out[:tableEnd] + " INDEXED BY " + recommendedIndexes[0] + out[tableEnd:]
		}
	}
	return out
}

// OptimizeQuery implements spec §4.6 "optimize_query".
func (o *Optimizer) OptimizeQuery(ctx context.Context, sqlText string, params []any) (OptimizeResult, error) {
	hash := hashSQL(sqlText)

	o.plansMu.Lock()
	entry, ok := o.plans.Get(hash)
	o.plansMu.Unlock()

	var plan Plan
	if ok && time.Since(entry.plan.CapturedAt) < PlanCacheTimeout {
		plan = entry.plan
	} else {
		var err error
		plan, err = o.capturePlan(ctx, sqlText, params)
		if err != nil {
			return OptimizeResult{}, err
		}
		o.plansMu.Lock()
		o.plans.Add(hash, &planCacheEntry{plan: plan})
		o.plansMu.Unlock()
	}

	optimized := rewrite(sqlText, plan.RecommendedIndexes)

	improvement := 0.0
	for _, hint := range plan.OptimizationHints {
		if strings.Contains(hint, "covering index") {
			improvement += 30
		}
	}
	if len(plan.RecommendedIndexes) > 0 {
		improvement += 20
	}
	if plan.EstimatedCost < 10 {
		improvement += 10
	}
	if improvement > 100 {
		improvement = 100
	}

	return OptimizeResult{
		OriginalSQL:          sqlText,
		OptimizedSQL:         optimized,
		Params:               params,
		Plan:                 plan,
		EstimatedImprovement: improvement,
	}, nil
}

// AnalyzeQuerySecurity implements spec §4.6 "analyze_query_security".
func AnalyzeQuerySecurity(sqlText string) SecurityReport {
	report := SecurityReport{IsSafe: true}
	if dangerousPattern.MatchString(sqlText) {
		report.IsSafe = false
		report.Warnings = append(report.Warnings, "query matches a disallowed SQL pattern")
	}
	if strings.Contains(sqlText, "'") && !strings.Contains(sqlText, "?") {
		report.Warnings = append(report.Warnings, "string literal present without a bound placeholder")
	}
	return report
}

// SuggestIndexes returns fixed-shape CREATE INDEX statements for known
// table name patterns (spec §4.6 "suggest_indexes").
func SuggestIndexes(table string) []string {
	lower := strings.ToLower(table)
	switch {
	case strings.HasPrefix(lower, "files") && !strings.Contains(lower, "fts"):
		return []string{
			"CREATE INDEX IF NOT EXISTS idx_" + table + "_path ON " + table + "(path)",
			"CREATE INDEX IF NOT EXISTS idx_" + table + "_language ON " + table + "(language)",
		}
	case strings.Contains(lower, "search") || strings.Contains(lower, "fts"):
		return []string{
			"CREATE INDEX IF NOT EXISTS idx_" + table + "_rank ON " + table + "(rank)",
		}
	default:
		return nil
	}
}

// ClearStalePlans drops plan-cache entries older than PlanCacheTimeout
// (spec §4.6 "clear_stale_plans"). The prepared-statement cache has no TTL
// of its own — it is bounded by LRU eviction — so only plans are swept
// here.
func (o *Optimizer) ClearStalePlans() {
	o.plansMu.Lock()
	defer o.plansMu.Unlock()
	now := time.Now()
	for _, key := range o.plans.Keys() {
		entry, ok := o.plans.Peek(key)
		if ok && now.Sub(entry.plan.CapturedAt) > PlanCacheTimeout {
			o.plans.Remove(key)
		}
	}
}

// Close releases every cached prepared statement.
func (o *Optimizer) Close() error {
	o.stmtsMu.Lock()
	defer o.stmtsMu.Unlock()
	o.stmts.Purge()
	return nil
}
