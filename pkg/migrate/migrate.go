// Package migrate implements the migration engine of spec §4.2: ordered,
// checksummed schema changes applied inside a single transaction, with
// rollback.
//
// Grounded on the teacher's pkg/storage/migrations.go ({version, up} structs
// and a schema_version bookkeeping table), generalized to add checksums,
// down migrations, and migrate_to/rollback.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/alexcollie/codeindex/internal/logging"
	codeerrors "github.com/alexcollie/codeindex/pkg/errors"
)

// Migration is one schema change, identified by an integer version.
type Migration struct {
	Version int
	Name    string
	// Definition is the content hashed into Checksum — typically the SQL
	// text of Up/Down. Two migrations carrying the same version must carry
	// the same Definition, or replay detects drift (spec §4.2 step 3).
	Definition string
	Up         func(ctx context.Context, tx *sql.Tx) error
	Down       func(ctx context.Context, tx *sql.Tx) error
}

// Checksum returns the content-address of m.Definition.
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.Definition))
	return hex.EncodeToString(sum[:])
}

// NewSQLMigration builds a Migration whose Up/Down simply execute the given
// SQL text, and whose checksum covers both texts.
func NewSQLMigration(version int, name, upSQL, downSQL string) Migration {
	return Migration{
		Version:    version,
		Name:       name,
		Definition: upSQL + "\x00" + downSQL,
		Up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, upSQL)
			return err
		},
		Down: func(ctx context.Context, tx *sql.Tx) error {
			if downSQL == "" {
				return nil
			}
			_, err := tx.ExecContext(ctx, downSQL)
			return err
		},
	}
}

// Record is a persisted row from schema_migrations.
type Record struct {
	Version    int
	Name       string
	Checksum   string
	ExecutedAt time.Time
}

// Engine applies migrations against a *sql.DB.
type Engine struct {
	db         *sql.DB
	logger     logging.Sink
	migrations []Migration
}

// New constructs an Engine. Additional migrations can be registered with
// Add before Initialize/Migrate run.
func New(db *sql.DB, logger logging.Sink, migrations ...Migration) (*Engine, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	e := &Engine{db: db, logger: logger}
	for _, m := range migrations {
		if err := e.Add(m); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Add registers a migration. A duplicate version is a configuration error,
// rejected immediately (spec §4.2).
func (e *Engine) Add(m Migration) error {
	for _, existing := range e.migrations {
		if existing.Version == m.Version {
			return codeerrors.New(codeerrors.KindConfiguration, "duplicate_migration_version",
				fmt.Sprintf("migration version %d already registered", m.Version),
				map[string]any{"version": m.Version})
		}
	}
	e.migrations = append(e.migrations, m)
	sort.Slice(e.migrations, func(i, j int) bool {
		return e.migrations[i].Version < e.migrations[j].Version
	})
	return nil
}

// Initialize creates the schema_migrations bookkeeping table if absent.
func (e *Engine) Initialize(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			checksum TEXT NOT NULL,
			executed_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return codeerrors.Wrap(codeerrors.KindMigrationFailed, "init_failed",
			"failed to create schema_migrations table", err, nil)
	}
	return nil
}

// CurrentVersion returns the highest applied version, or 0 if none.
func (e *Engine) CurrentVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := e.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, codeerrors.Wrap(codeerrors.KindMigrationFailed, "current_version_failed",
			"failed to read current schema version", err, nil)
	}
	return int(version.Int64), nil
}

// Executed returns every applied migration record, ascending by version.
func (e *Engine) Executed(ctx context.Context) ([]Record, error) {
	rows, err := e.db.QueryContext(ctx, "SELECT version, name, checksum, executed_at FROM schema_migrations ORDER BY version ASC")
	if err != nil {
		return nil, codeerrors.Wrap(codeerrors.KindMigrationFailed, "executed_query_failed",
			"failed to list executed migrations", err, nil)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Version, &r.Name, &r.Checksum, &r.ExecutedAt); err != nil {
			return nil, codeerrors.Wrap(codeerrors.KindMigrationFailed, "executed_scan_failed",
				"failed to scan executed migration row", err, nil)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Pending returns registered migrations with version > current, ascending.
func (e *Engine) Pending(ctx context.Context) ([]Migration, error) {
	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, m := range e.migrations {
		if m.Version > current {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// Migrate applies every pending migration in order inside one transaction.
// Any failure rolls back the whole transaction; partial progress is
// impossible.
func (e *Engine) Migrate(ctx context.Context) error {
	if err := e.Initialize(ctx); err != nil {
		return err
	}
	runID := uuid.NewString()

	pending, err := e.Pending(ctx)
	if err != nil {
		return err
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return codeerrors.Wrap(codeerrors.KindMigrationFailed, "begin_failed",
			"failed to begin migration transaction", err, nil)
	}

	for _, m := range e.migrations {
		if err := e.checkChecksum(ctx, tx, m); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if len(pending) == 0 {
		_ = tx.Rollback()
		return nil
	}

	for _, m := range pending {
		if err := e.checkChecksum(ctx, tx, m); err != nil {
			_ = tx.Rollback()
			return err
		}
		e.logger.Info("applying migration", nil, logging.Fields{
			"run_id": runID, "version": m.Version, "name": m.Name,
		})
		if err := m.Up(ctx, tx); err != nil {
			_ = tx.Rollback()
			return codeerrors.Wrap(codeerrors.KindMigrationFailed, "up_failed",
				fmt.Sprintf("migration %d (%s) failed", m.Version, m.Name), err,
				map[string]any{"version": m.Version, "name": m.Name})
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, checksum, executed_at) VALUES (?, ?, ?, ?)`,
			m.Version, m.Name, m.Checksum(), time.Now())
		if err != nil {
			_ = tx.Rollback()
			return codeerrors.Wrap(codeerrors.KindMigrationFailed, "record_failed",
				"failed to record migration", err, map[string]any{"version": m.Version})
		}
	}

	if err := tx.Commit(); err != nil {
		return codeerrors.Wrap(codeerrors.KindMigrationFailed, "commit_failed",
			"failed to commit migration transaction", err, nil)
	}
	return nil
}

// checkChecksum fails with MigrationFailed if m.Version was already
// executed with a different checksum than m currently computes.
func (e *Engine) checkChecksum(ctx context.Context, tx *sql.Tx, m Migration) error {
	var existing string
	err := tx.QueryRowContext(ctx, "SELECT checksum FROM schema_migrations WHERE version = ?", m.Version).Scan(&existing)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return codeerrors.Wrap(codeerrors.KindMigrationFailed, "checksum_lookup_failed",
			"failed to look up existing migration checksum", err, nil)
	}
	if existing != m.Checksum() {
		return codeerrors.New(codeerrors.KindMigrationFailed, "checksum_mismatch",
			fmt.Sprintf("migration %d checksum mismatch: recorded %s, code has %s", m.Version, existing, m.Checksum()),
			map[string]any{"version": m.Version, "recorded": existing, "current": m.Checksum()})
	}
	return nil
}

// MigrateTo moves the schema to exactly version v: applying pending
// migrations up to v if v > current, or running Down in descending order
// if v < current, all inside one transaction.
func (e *Engine) MigrateTo(ctx context.Context, v int) error {
	if err := e.Initialize(ctx); err != nil {
		return err
	}
	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if v == current {
		return nil
	}
	if v > current {
		return e.migrateUpTo(ctx, v)
	}
	return e.rollbackTo(ctx, v)
}

func (e *Engine) migrateUpTo(ctx context.Context, v int) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return codeerrors.Wrap(codeerrors.KindMigrationFailed, "begin_failed",
			"failed to begin migration transaction", err, nil)
	}
	current, _ := e.CurrentVersion(ctx)
	for _, m := range e.migrations {
		if m.Version <= current || m.Version > v {
			continue
		}
		if err := e.checkChecksum(ctx, tx, m); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := m.Up(ctx, tx); err != nil {
			_ = tx.Rollback()
			return codeerrors.Wrap(codeerrors.KindMigrationFailed, "up_failed",
				fmt.Sprintf("migration %d (%s) failed", m.Version, m.Name), err, nil)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, checksum, executed_at) VALUES (?, ?, ?, ?)`,
			m.Version, m.Name, m.Checksum(), time.Now()); err != nil {
			_ = tx.Rollback()
			return codeerrors.Wrap(codeerrors.KindMigrationFailed, "record_failed",
				"failed to record migration", err, nil)
		}
	}
	if err := tx.Commit(); err != nil {
		return codeerrors.Wrap(codeerrors.KindMigrationFailed, "commit_failed",
			"failed to commit migration transaction", err, nil)
	}
	return nil
}

// Rollback runs Down for every migration with version > v, descending, in
// one transaction (spec §4.2 step 5).
func (e *Engine) Rollback(ctx context.Context, v int) error {
	return e.rollbackTo(ctx, v)
}

func (e *Engine) rollbackTo(ctx context.Context, v int) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return codeerrors.Wrap(codeerrors.KindMigrationFailed, "begin_failed",
			"failed to begin rollback transaction", err, nil)
	}

	descending := make([]Migration, len(e.migrations))
	copy(descending, e.migrations)
	sort.Slice(descending, func(i, j int) bool { return descending[i].Version > descending[j].Version })

	for _, m := range descending {
		if m.Version <= v {
			continue
		}
		if m.Down == nil {
			_ = tx.Rollback()
			return codeerrors.New(codeerrors.KindMigrationFailed, "no_down_migration",
				fmt.Sprintf("migration %d has no down migration", m.Version),
				map[string]any{"version": m.Version})
		}
		if err := m.Down(ctx, tx); err != nil {
			_ = tx.Rollback()
			return codeerrors.Wrap(codeerrors.KindMigrationFailed, "down_failed",
				fmt.Sprintf("rollback of migration %d (%s) failed", m.Version, m.Name), err, nil)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version); err != nil {
			_ = tx.Rollback()
			return codeerrors.Wrap(codeerrors.KindMigrationFailed, "unrecord_failed",
				"failed to remove migration record", err, nil)
		}
	}

	if err := tx.Commit(); err != nil {
		return codeerrors.Wrap(codeerrors.KindMigrationFailed, "commit_failed",
			"failed to commit rollback transaction", err, nil)
	}
	return nil
}
