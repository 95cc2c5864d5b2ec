// Package filerepo implements the File Repository of spec §4.4: CRUD and
// batched upsert/delete over the files entity, with validation run before
// any write touches the database.
//
// Grounded on the teacher's pkg/storage repository methods (hand-built
// INSERT OR REPLACE / dynamic UPDATE over sqlite), generalized with the
// allow-listed dynamic update and chunked-transaction batch operations
// spec §4.4 requires; identifier/sort validation is delegated to
// pkg/querybuilder.
package filerepo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/alexcollie/codeindex/pkg/dbservice"
	codeerrors "github.com/alexcollie/codeindex/pkg/errors"
	"github.com/alexcollie/codeindex/pkg/models"
	"github.com/alexcollie/codeindex/pkg/querybuilder"
)

// MaxBatchChunk is the chunk size batch operations split into, one
// transaction per chunk (spec §4.4 "MAX_CACHE_SIZE").
const MaxBatchChunk = 100

var hashPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// updatableFields is the allow-list dynamic Update draws from; any other
// key is ignored rather than interpolated (spec §4.4).
var updatableFields = map[string]bool{
	"filename":      true,
	"extension":     true,
	"size":          true,
	"last_modified": true,
	"hash":          true,
	"language":      true,
	"indexed_at":    true,
}

var sortableFields = map[string]bool{
	"indexed_at":    true,
	"last_modified": true,
	"size":          true,
	"filename":      true,
}

var sortOrders = map[string]bool{"ASC": true, "DESC": true}

// ListOptions filters and paginates List (spec §4.4 "list").
type ListOptions struct {
	Limit       *int
	Offset      *int
	Language    *string
	Extension   *string
	PathPattern *string
	SortBy      string
	SortOrder   string
}

// BatchResult is the outcome of SaveBatch/DeleteBatch.
type BatchResult struct {
	Success  int
	Failed   int
	Duration time.Duration
	Errors   []BatchItemError
}

// BatchItemError names one failed item in a batch.
type BatchItemError struct {
	ID    string
	Error string
}

// Repository is the File Repository.
type Repository struct {
	db *dbservice.Service
}

// New constructs a Repository over db.
func New(db *dbservice.Service) *Repository {
	return &Repository{db: db}
}

// validate enforces spec §4.4's pre-write invariants.
func validate(f models.File) error {
	if f.ID == "" {
		return codeerrors.New(codeerrors.KindConstraintViolation, "empty_id", "id must not be empty", nil)
	}
	if f.Path == "" {
		return codeerrors.New(codeerrors.KindConstraintViolation, "empty_path", "path must not be empty", nil)
	}
	if f.Size < 0 {
		return codeerrors.New(codeerrors.KindConstraintViolation, "negative_size", "size must be non-negative", map[string]any{"size": f.Size})
	}
	if f.LastModified < 0 {
		return codeerrors.New(codeerrors.KindConstraintViolation, "negative_last_modified", "last_modified must be non-negative", nil)
	}
	if f.IndexedAt < 0 {
		return codeerrors.New(codeerrors.KindConstraintViolation, "negative_indexed_at", "indexed_at must be non-negative", nil)
	}
	if !hashPattern.MatchString(f.Hash) {
		return codeerrors.New(codeerrors.KindConstraintViolation, "invalid_hash",
			"Hash must be a valid SHA-256 hex digest", map[string]any{"hash": f.Hash})
	}
	return nil
}

// Save upserts keyed on id with INSERT ... ON CONFLICT(id) DO UPDATE (spec
// §4.4 "save"); a new id whose path is already stored fails on the unique
// path constraint.
func (r *Repository) Save(ctx context.Context, f models.File) error {
	if err := validate(f); err != nil {
		return err
	}
	_, err := r.db.ExecuteRun(ctx, `
		INSERT INTO files (id, path, filename, extension, size, last_modified, hash, language, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path,
			filename = excluded.filename,
			extension = excluded.extension,
			size = excluded.size,
			last_modified = excluded.last_modified,
			hash = excluded.hash,
			language = excluded.language,
			indexed_at = excluded.indexed_at
	`, f.ID, f.Path, f.Filename, f.Extension, f.Size, f.LastModified, f.Hash, f.Language, f.IndexedAt)
	if err != nil {
		return err
	}
	return nil
}

const fileColumns = "id, path, filename, extension, size, last_modified, hash, language, indexed_at"

func scanFile(found bool, err error, f *models.File) (*models.File, error) {
	if err != nil || !found {
		return nil, err
	}
	return f, nil
}

// FindByPath returns the file at path, or nil if none exists.
func (r *Repository) FindByPath(ctx context.Context, path string) (*models.File, error) {
	var f models.File
	found, err := r.db.ExecuteOne(ctx, "SELECT "+fileColumns+" FROM files WHERE path = ?", []any{path},
		&f.ID, &f.Path, &f.Filename, &f.Extension, &f.Size, &f.LastModified, &f.Hash, &f.Language, &f.IndexedAt)
	return scanFile(found, err, &f)
}

// FindByID returns the file with id, or nil if none exists (spec §4.4
// "find_by_id").
func (r *Repository) FindByID(ctx context.Context, id string) (*models.File, error) {
	var f models.File
	found, err := r.db.ExecuteOne(ctx, "SELECT "+fileColumns+" FROM files WHERE id = ?", []any{id},
		&f.ID, &f.Path, &f.Filename, &f.Extension, &f.Size, &f.LastModified, &f.Hash, &f.Language, &f.IndexedAt)
	return scanFile(found, err, &f)
}

// Update applies a dynamic UPDATE built only from allow-listed fields in
// updates; unknown keys are ignored (spec §4.4 "update").
func (r *Repository) Update(ctx context.Context, path string, updates map[string]any) error {
	var sets []string
	var args []any
	for field, value := range updates {
		if !updatableFields[field] {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = ?", field))
		args = append(args, value)
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE files SET "
	for i, s := range sets {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += " WHERE path = ?"
	args = append(args, path)

	result, err := r.db.ExecuteRun(ctx, query, args...)
	if err != nil {
		return err
	}
	if result.Changes == 0 {
		return codeerrors.New(codeerrors.KindConstraintViolation, "not_found",
			fmt.Sprintf("no file at path %q", path), map[string]any{"path": path})
	}
	return nil
}

// Delete removes the file at path; cascading deletes handle dependents
// (spec §4.4 "delete", §3 lifecycle).
func (r *Repository) Delete(ctx context.Context, path string) error {
	_, err := r.db.ExecuteRun(ctx, "DELETE FROM files WHERE path = ?", path)
	return err
}

// Count returns the total number of indexed files.
func (r *Repository) Count(ctx context.Context) (int, error) {
	var n int
	_, err := r.db.ExecuteOne(ctx, "SELECT COUNT(*) FROM files", nil, &n)
	return n, err
}

// List returns files matching opts (spec §4.4 "list").
func (r *Repository) List(ctx context.Context, opts ListOptions) ([]models.File, error) {
	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = "indexed_at"
	}
	if err := querybuilder.ValidateIdentifier("sort_by", sortBy, sortableFields); err != nil {
		return nil, err
	}
	sortOrder := opts.SortOrder
	if sortOrder == "" {
		sortOrder = "DESC"
	}
	if err := querybuilder.ValidateIdentifier("sort_order", sortOrder, sortOrders); err != nil {
		return nil, err
	}

	b := querybuilder.New()
	b.WhereIf(opts.Language != nil, "language = ?", derefStr(opts.Language)).
		WhereIf(opts.Extension != nil, "extension = ?", derefStr(opts.Extension)).
		WhereIf(opts.PathPattern != nil, "path LIKE ?", derefStr(opts.PathPattern)).
		OrderBy(sortBy, sortOrder)
	if opts.Limit != nil {
		b.Limit(*opts.Limit)
	}
	if opts.Offset != nil {
		b.Offset(*opts.Offset)
	}
	suffix, args := b.Build()

	rows, err := r.db.ExecuteQuery(ctx, "SELECT "+fileColumns+" FROM files"+suffix, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.File
	for rows.Next() {
		var f models.File
		if err := rows.Scan(&f.ID, &f.Path, &f.Filename, &f.Extension, &f.Size, &f.LastModified, &f.Hash, &f.Language, &f.IndexedAt); err != nil {
			return nil, codeerrors.Wrap(codeerrors.KindQueryFailed, "scan_failed", "failed to scan file row", err, nil)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// SaveBatch splits files into chunks of MaxBatchChunk, each applied in one
// transaction; per-item validation failures are collected rather than
// aborting the whole batch (spec §4.4 "save_batch").
func (r *Repository) SaveBatch(ctx context.Context, files []models.File) BatchResult {
	start := time.Now()
	result := BatchResult{}

	for chunkStart := 0; chunkStart < len(files); chunkStart += MaxBatchChunk {
		end := chunkStart + MaxBatchChunk
		if end > len(files) {
			end = len(files)
		}
		chunk := files[chunkStart:end]

		_ = r.db.ExecuteTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
			for _, f := range chunk {
				if err := validate(f); err != nil {
					result.Failed++
					result.Errors = append(result.Errors, BatchItemError{ID: f.ID, Error: err.Error()})
					continue
				}
				_, err := tx.ExecContext(ctx, `
					INSERT INTO files (id, path, filename, extension, size, last_modified, hash, language, indexed_at)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
					ON CONFLICT(id) DO UPDATE SET
						path = excluded.path,
						filename = excluded.filename,
						extension = excluded.extension,
						size = excluded.size,
						last_modified = excluded.last_modified,
						hash = excluded.hash,
						language = excluded.language,
						indexed_at = excluded.indexed_at
				`, f.ID, f.Path, f.Filename, f.Extension, f.Size, f.LastModified, f.Hash, f.Language, f.IndexedAt)
				if err != nil {
					result.Failed++
					result.Errors = append(result.Errors, BatchItemError{ID: f.ID, Error: err.Error()})
					continue
				}
				result.Success++
			}
			return nil
		})
	}
	result.Duration = time.Since(start)
	return result
}

// DeleteBatch deletes every path in paths, chunked like SaveBatch. A
// non-existent path is not an error — graceful deletion (spec §4.4
// "delete_batch").
func (r *Repository) DeleteBatch(ctx context.Context, paths []string) BatchResult {
	start := time.Now()
	result := BatchResult{}

	for chunkStart := 0; chunkStart < len(paths); chunkStart += MaxBatchChunk {
		end := chunkStart + MaxBatchChunk
		if end > len(paths) {
			end = len(paths)
		}
		chunk := paths[chunkStart:end]

		_ = r.db.ExecuteTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
			for _, path := range chunk {
				if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE path = ?", path); err != nil {
					result.Failed++
					result.Errors = append(result.Errors, BatchItemError{ID: path, Error: err.Error()})
					continue
				}
				result.Success++
			}
			return nil
		})
	}
	result.Duration = time.Since(start)
	return result
}

// VerifyHash re-reads diskPath and compares its SHA-256 against the stored
// hash for the file at path. The repository does not do this on every read
// — the stored hash is treated as authoritative — so callers who want
// stronger integrity invoke this explicitly (spec §9 open question).
func (r *Repository) VerifyHash(ctx context.Context, path, diskPath string) (bool, error) {
	f, err := r.FindByPath(ctx, path)
	if err != nil {
		return false, err
	}
	if f == nil {
		return false, codeerrors.New(codeerrors.KindConstraintViolation, "not_found",
			fmt.Sprintf("no file at path %q", path), map[string]any{"path": path})
	}
	content, err := os.ReadFile(diskPath)
	if err != nil {
		return false, codeerrors.Wrap(codeerrors.KindQueryFailed, "read_failed", "failed to read file for verification", err,
			map[string]any{"disk_path": diskPath})
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]) == f.Hash, nil
}
