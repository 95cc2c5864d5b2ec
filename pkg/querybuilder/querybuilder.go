// Package querybuilder composes parameterized SQL fragments with
// identifier-validation (spec §2 "Query Builder"). Every value placeholder
// is positional (`?`); identifiers (column/table names) are checked against
// an explicit allow-list and never interpolated from caller-controlled
// strings.
package querybuilder

import (
	"fmt"
	"strings"

	codeerrors "github.com/alexcollie/codeindex/pkg/errors"
)

// ValidateIdentifier rejects name unless it appears in allowed. Used for
// sort_by/sort_order and any other caller-selectable identifier.
func ValidateIdentifier(kind, name string, allowed map[string]bool) error {
	if !allowed[name] {
		return codeerrors.New(codeerrors.KindConstraintViolation, "invalid_identifier",
			fmt.Sprintf("unknown %s: %q", kind, name), map[string]any{"kind": kind, "value": name})
	}
	return nil
}

// Builder accumulates WHERE clauses and positional parameters, then emits a
// full WHERE/ORDER BY/LIMIT OFFSET suffix.
type Builder struct {
	conditions []string
	args       []any
	orderBy    string
	limit      *int
	offset     *int
}

// New returns an empty Builder.
func New() *Builder { return &Builder{} }

// Where appends a condition with its positional arguments.
func (b *Builder) Where(cond string, args ...any) *Builder {
	b.conditions = append(b.conditions, cond)
	b.args = append(b.args, args...)
	return b
}

// WhereIf appends cond only when include is true — used for optional
// filters (language, extension, path pattern, ranges) so callers don't
// need their own if-ladders.
func (b *Builder) WhereIf(include bool, cond string, args ...any) *Builder {
	if include {
		return b.Where(cond, args...)
	}
	return b
}

// OrderBy sets the ORDER BY clause. column and direction must already be
// validated via ValidateIdentifier by the caller.
func (b *Builder) OrderBy(column, direction string) *Builder {
	b.orderBy = fmt.Sprintf("%s %s", column, direction)
	return b
}

// Limit sets LIMIT n.
func (b *Builder) Limit(n int) *Builder {
	b.limit = &n
	return b
}

// Offset sets OFFSET n.
func (b *Builder) Offset(n int) *Builder {
	b.offset = &n
	return b
}

// Build returns the composed "WHERE ... ORDER BY ... LIMIT ? OFFSET ?"
// suffix (each section omitted if unset) and the full positional argument
// list in the order placeholders appear.
func (b *Builder) Build() (string, []any) {
	var sb strings.Builder
	args := append([]any{}, b.args...)

	if len(b.conditions) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(b.conditions, " AND "))
	}
	if b.orderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(b.orderBy)
	}
	if b.limit != nil {
		sb.WriteString(" LIMIT ?")
		args = append(args, *b.limit)
	} else if b.offset != nil {
		// SQLite requires a LIMIT before OFFSET; -1 means "no limit".
		sb.WriteString(" LIMIT -1")
	}
	if b.offset != nil {
		sb.WriteString(" OFFSET ?")
		args = append(args, *b.offset)
	}
	return sb.String(), args
}
