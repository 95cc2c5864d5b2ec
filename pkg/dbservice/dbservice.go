// Package dbservice implements the thin transactional façade of spec §4.3:
// repositories formulate parameterized statements and hand them to this
// package, which runs them against a leased pool.Pool handle and folds the
// result into per-operation counters.
//
// Grounded on the teacher's pkg/storage query helpers (execContext/
// queryContext wrappers around one *sql.DB), generalized to lease-scoped
// handles from pkg/pool and widened with execute_transaction/backup/stats
// per spec §4.3 and §7.
package dbservice

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/alexcollie/codeindex/internal/logging"
	"github.com/alexcollie/codeindex/internal/timeouts"
	codeerrors "github.com/alexcollie/codeindex/pkg/errors"
	"github.com/alexcollie/codeindex/pkg/migrate"
	"github.com/alexcollie/codeindex/pkg/pool"
)

// Stats is a snapshot of query counters (spec §4.3 "get_stats").
type Stats struct {
	QueriesTotal    int64
	QueriesFailed   int64
	TransactionsTotal  int64
	TransactionsFailed int64
	SlowQueries     int64
}

// HealthStatus describes the outcome of HealthCheck.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// Health is the result of a health check.
type Health struct {
	Status    HealthStatus
	LatencyMs float64
	Error     string
}

// Service is the transactional façade over a pool.Pool.
type Service struct {
	pool      *pool.Pool
	logger    logging.Sink
	timeouts  *timeouts.Registry
	migrator  *migrate.Engine
	slowMs    int64

	mu                 sync.Mutex
	queriesTotal       int64
	queriesFailed      int64
	transactionsTotal  int64
	transactionsFailed int64
	slowQueries        int64
}

// New constructs a Service over p. migrator may be nil if the caller manages
// migrations separately; slowQueryThreshold marks queries slower than it as
// "slow" in Stats (spec §7 Monitoring.slow_query_threshold_ms).
func New(p *pool.Pool, logger logging.Sink, timeoutRegistry *timeouts.Registry, migrator *migrate.Engine, slowQueryThreshold time.Duration) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	if timeoutRegistry == nil {
		timeoutRegistry = timeouts.NewRegistry(nil)
	}
	return &Service{
		pool:     p,
		logger:   logger,
		timeouts: timeoutRegistry,
		migrator: migrator,
		slowMs:   slowQueryThreshold.Milliseconds(),
	}
}

// GetMigrationManager returns the migration engine this service was built
// with (spec §4.3 "get_migration_manager").
func (s *Service) GetMigrationManager() *migrate.Engine { return s.migrator }

// Rows wraps *sql.Rows so that closing it releases the lease that produced
// it. Callers must Close it exactly once, the way they would a bare
// *sql.Rows.
type Rows struct {
	*sql.Rows
	lease *pool.Lease
}

// Close closes the underlying rows and releases the pool lease.
func (r *Rows) Close() error {
	err := r.Rows.Close()
	r.lease.Release()
	return err
}

func (s *Service) recordQuery(start time.Time, err error) {
	elapsed := time.Since(start)
	s.mu.Lock()
	s.queriesTotal++
	if err != nil {
		s.queriesFailed++
	}
	if s.slowMs > 0 && elapsed.Milliseconds() >= s.slowMs {
		s.slowQueries++
		s.logger.Warn("slow query", nil, logging.Fields{"elapsed_ms": elapsed.Milliseconds()})
	}
	s.mu.Unlock()
}

// ExecuteQuery runs query under a leased handle and returns streaming rows.
// The caller owns the returned *Rows and must Close it; doing so releases
// the lease (spec §4.3 "execute_query").
func (s *Service) ExecuteQuery(ctx context.Context, query string, args ...any) (*Rows, error) {
	start := time.Now()
	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		s.recordQuery(start, err)
		return nil, err
	}
	rows, err := lease.DB().QueryContext(ctx, query, args...)
	if err != nil {
		lease.Release()
		s.recordQuery(start, err)
		return nil, codeerrors.Wrap(codeerrors.KindQueryFailed, "query_failed", "query execution failed", err,
			map[string]any{"query": query})
	}
	s.recordQuery(start, nil)
	return &Rows{Rows: rows, lease: lease}, nil
}

// ExecuteOne runs query expecting at most one row and scans it into dest.
// found is false and err is nil when no row matched (spec §4.3
// "execute_one").
func (s *Service) ExecuteOne(ctx context.Context, query string, args []any, dest ...any) (found bool, err error) {
	start := time.Now()
	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		s.recordQuery(start, err)
		return false, err
	}
	defer lease.Release()

	err = lease.DB().QueryRowContext(ctx, query, args...).Scan(dest...)
	if err == sql.ErrNoRows {
		s.recordQuery(start, nil)
		return false, nil
	}
	if err != nil {
		s.recordQuery(start, err)
		return false, codeerrors.Wrap(codeerrors.KindQueryFailed, "query_one_failed", "query execution failed", err,
			map[string]any{"query": query})
	}
	s.recordQuery(start, nil)
	return true, nil
}

// RunResult is the outcome of a mutating statement (spec §4.3
// "execute_run").
type RunResult struct {
	Changes      int64
	LastInsertID int64
}

// ExecuteRun runs a non-query (INSERT/UPDATE/DELETE) statement.
func (s *Service) ExecuteRun(ctx context.Context, query string, args ...any) (RunResult, error) {
	start := time.Now()
	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		s.recordQuery(start, err)
		return RunResult{}, err
	}
	defer lease.Release()

	result, err := lease.DB().ExecContext(ctx, query, args...)
	if err != nil {
		s.recordQuery(start, err)
		return RunResult{}, codeerrors.Wrap(codeerrors.KindQueryFailed, "run_failed", "statement execution failed", err,
			map[string]any{"query": query})
	}
	changes, _ := result.RowsAffected()
	lastID, _ := result.LastInsertId()
	s.recordQuery(start, nil)
	return RunResult{Changes: changes, LastInsertID: lastID}, nil
}

// ExecuteTransaction runs fn inside a single transaction on one leased
// handle, committing on success and rolling back on error or panic (spec
// §4.3 "execute_transaction"). A panic inside fn is rolled back, the lease
// is still released, and the panic is re-raised to the caller.
func (s *Service) ExecuteTransaction(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	start := time.Now()
	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	tx, err := lease.DB().BeginTx(ctx, nil)
	if err != nil {
		return codeerrors.Wrap(codeerrors.KindTransactionFailed, "begin_failed", "failed to begin transaction", err, nil)
	}

	defer func() {
		s.mu.Lock()
		s.transactionsTotal++
		if err != nil {
			s.transactionsFailed++
		}
		s.mu.Unlock()

		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		if _, ok := codeerrors.KindOf(err); !ok {
			err = codeerrors.Wrap(codeerrors.KindTransactionFailed, "tx_body_failed", "transaction body failed", err, nil)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		err = codeerrors.Wrap(codeerrors.KindTransactionFailed, "commit_failed", "failed to commit transaction", err, nil)
		return err
	}
	return nil
}

// Stats returns a snapshot of query/transaction counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		QueriesTotal:       s.queriesTotal,
		QueriesFailed:      s.queriesFailed,
		TransactionsTotal:  s.transactionsTotal,
		TransactionsFailed: s.transactionsFailed,
		SlowQueries:        s.slowQueries,
	}
}

// HealthCheck runs a trivial query through the pool and reports latency and
// status (spec §4.3 "health_check"): healthy below the slow-query
// threshold, degraded if it succeeds at or above that threshold, down if it
// fails outright.
func (s *Service) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	var ok int
	err := s.timeouts.Run(ctx, timeouts.Database, func(ctx context.Context) error {
		_, e := s.ExecuteOne(ctx, "SELECT 1", nil, &ok)
		return e
	})
	latency := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		return Health{Status: HealthDown, LatencyMs: latency, Error: err.Error()}
	}
	if s.slowMs > 0 && int64(latency) >= s.slowMs {
		return Health{Status: HealthDegraded, LatencyMs: latency}
	}
	return Health{Status: HealthHealthy, LatencyMs: latency}
}

// Backup copies the live database to destPath using SQLite's VACUUM INTO,
// which produces a consistent, compacted snapshot without blocking writers
// for its duration (spec §4.3 "backup", supplementing the distilled spec).
func (s *Service) Backup(ctx context.Context, destPath string) error {
	_, err := s.ExecuteRun(ctx, fmt.Sprintf("VACUUM INTO %s", quoteSQLString(destPath)))
	if err != nil {
		return codeerrors.Wrap(codeerrors.KindQueryFailed, "backup_failed", "backup failed", err,
			map[string]any{"dest_path": destPath})
	}
	return nil
}

// quoteSQLString escapes destPath as a SQL string literal. VACUUM INTO does
// not accept a bound parameter for its target, so the path is embedded
// directly; single quotes are doubled per SQL string-literal escaping.
func quoteSQLString(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	out = append(out, '\'')
	return string(out)
}
