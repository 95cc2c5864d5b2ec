// Package errors defines the storage engine's error taxonomy (spec §7).
// Every component translates underlying database/validation failures into
// one of these kinds rather than returning a raw driver error.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// Kind is a stable, public error category. Callers should switch on Kind,
// never on message text.
type Kind string

const (
	KindConstraintViolation Kind = "ConstraintViolation"
	KindQueryFailed         Kind = "QueryFailed"
	KindTransactionFailed   Kind = "TransactionFailed"
	KindMigrationFailed     Kind = "MigrationFailed"
	KindConnectionFailed    Kind = "ConnectionFailed"
	KindResourceExhausted   Kind = "ResourceExhausted"
	KindTimeout             Kind = "Timeout"
	// KindValidation is an alias of KindConstraintViolation used by
	// builders and search parameter checks (spec §7).
	KindValidation    Kind = "ConstraintViolation"
	KindConfiguration Kind = "Configuration"
)

// CodeError is the concrete error type returned across the public surface.
type CodeError struct {
	Kind        Kind
	Code        string
	Message     string
	RetryAfterMs *int64
	Context     map[string]any
	Timestamp   time.Time
	cause       error
}

func (e *CodeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodeError) Unwrap() error { return e.cause }

// Is supports errors.Is(err, ErrKind) style checks against Kind sentinels
// created with New(kind, "", "", nil).
func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if errors.As(target, &ce) {
		return ce.Kind == e.Kind && ce.Code == "" && ce.cause == nil
	}
	return false
}

// New builds a CodeError. code is a short machine-readable code (e.g.
// "bad_hash"); message is human-readable; ctx attaches structured context
// (never raw user data beyond what's explicitly passed).
func New(kind Kind, code, message string, ctx map[string]any) *CodeError {
	return &CodeError{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Context:   ctx,
		Timestamp: time.Now(),
	}
}

// Wrap attaches kind/code/message to an underlying cause.
func Wrap(kind Kind, code, message string, cause error, ctx map[string]any) *CodeError {
	e := New(kind, code, message, ctx)
	e.cause = cause
	return e
}

// WithRetryAfter sets RetryAfterMs and returns the receiver for chaining.
func (e *CodeError) WithRetryAfter(ms int64) *CodeError {
	e.RetryAfterMs = &ms
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *CodeError; ok is false otherwise.
func KindOf(err error) (Kind, bool) {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// IsKind reports whether err's Kind equals k.
func IsKind(err error, k Kind) bool {
	kind, ok := KindOf(err)
	return ok && kind == k
}

// Retryable reports whether err should be retried by internal/retry: an
// explicit CodeError with KindTimeout/KindConnectionFailed/
// KindResourceExhausted, or a message-keyword heuristic for errors that
// didn't go through this package (spec §5 "Retries").
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if kind, ok := KindOf(err); ok {
		switch kind {
		case KindTimeout, KindConnectionFailed, KindResourceExhausted:
			return true
		case KindConstraintViolation, KindMigrationFailed:
			return false
		}
	}
	return containsKeyword(err.Error())
}

func containsKeyword(msg string) bool {
	keywords := []string{"timeout", "connection", "network", "transient"}
	lower := strings.ToLower(msg)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Aggregate combines multiple errors into one using hashicorp/go-multierror;
// config.Validate uses it to report every field error at once. Returns nil
// if errs is empty after filtering nils.
func Aggregate(errs ...error) error {
	var merr *multierror.Error
	for _, e := range errs {
		if e != nil {
			merr = multierror.Append(merr, e)
		}
	}
	if merr == nil {
		return nil
	}
	return merr.ErrorOrNil()
}
