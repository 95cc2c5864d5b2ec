// Package timeouts is the central per-operation-type timeout registry
// described in spec §5.
package timeouts

import (
	"context"
	"time"

	codeerrors "github.com/alexcollie/codeindex/pkg/errors"
)

// OperationType selects which default timeout a caller's operation falls
// under.
type OperationType string

const (
	Database   OperationType = "database"
	Parsing    OperationType = "parsing"
	Network    OperationType = "network"
	Filesystem OperationType = "filesystem"
	Indexing   OperationType = "indexing"
	Query      OperationType = "query"
	Connection OperationType = "connection"
	Default    OperationType = "default"
)

// defaults holds the spec's documented per-type timeouts.
var defaults = map[OperationType]time.Duration{
	Database:   30 * time.Second,
	Parsing:    10 * time.Second,
	Network:    5 * time.Second,
	Filesystem: 5 * time.Second,
	Indexing:   5 * time.Minute,
	Query:      30 * time.Second,
	Connection: 10 * time.Second,
	Default:    10 * time.Second,
}

// Registry exposes per-operation-type timeouts, overridable at construction.
type Registry struct {
	values map[OperationType]time.Duration
}

// NewRegistry returns a Registry seeded with the spec defaults, overridden
// by any entries in overrides.
func NewRegistry(overrides map[OperationType]time.Duration) *Registry {
	values := make(map[OperationType]time.Duration, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}
	for k, v := range overrides {
		values[k] = v
	}
	return &Registry{values: values}
}

// For returns the configured timeout for op, falling back to Default.
func (r *Registry) For(op OperationType) time.Duration {
	if d, ok := r.values[op]; ok {
		return d
	}
	return r.values[Default]
}

// Run executes fn with a context bound to op's timeout. On expiry it
// returns a KindTimeout CodeError carrying {operation_type, timeout_ms,
// elapsed_ms}.
func (r *Registry) Run(ctx context.Context, op OperationType, fn func(context.Context) error) error {
	timeout := r.For(op)
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(cctx)
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		elapsed := time.Since(start)
		return codeerrors.New(codeerrors.KindTimeout, "operation_timeout",
			"operation exceeded its timeout budget", map[string]any{
				"operation_type": string(op),
				"timeout_ms":     timeout.Milliseconds(),
				"elapsed_ms":     elapsed.Milliseconds(),
			})
	}
}

// RunProgressive retries fn with Run, multiplying the timeout by multiplier
// each attempt (capped at maxTimeout) up to maxAttempts, but only while the
// failure is a KindTimeout error — validation and constraint errors never
// retry (spec §5 "Timeouts").
func (r *Registry) RunProgressive(ctx context.Context, op OperationType, fn func(context.Context) error, multiplier float64, maxTimeout time.Duration, maxAttempts int) error {
	timeout := r.For(op)
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := fn(cctx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !codeerrors.IsKind(err, codeerrors.KindTimeout) && cctx.Err() != context.DeadlineExceeded {
			return err
		}
		if cctx.Err() == context.DeadlineExceeded && !codeerrors.IsKind(err, codeerrors.KindTimeout) {
			lastErr = codeerrors.New(codeerrors.KindTimeout, "operation_timeout",
				"operation exceeded its timeout budget", map[string]any{
					"operation_type": string(op),
					"timeout_ms":     timeout.Milliseconds(),
					"elapsed_ms":     time.Since(start).Milliseconds(),
				})
		}
		next := time.Duration(float64(timeout) * multiplier)
		if next > maxTimeout {
			next = maxTimeout
		}
		timeout = next
	}
	return lastErr
}
