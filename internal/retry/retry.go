// Package retry implements the retry handler of spec §5: immediate, fixed,
// linear, and exponential policies with jitter, a cooperative (awaitable)
// family and a synchronous busy-wait family for use inside a transaction
// callback where async suspension isn't permitted on a single handle
// (DESIGN NOTES §9 "Callback-and-promise mixing").
package retry

import (
	"context"
	"math/rand"
	"time"

	codeerrors "github.com/alexcollie/codeindex/pkg/errors"
)

// Strategy selects how the delay grows between attempts.
type Strategy string

const (
	Immediate   Strategy = "immediate"
	Fixed       Strategy = "fixed"
	Linear      Strategy = "linear"
	Exponential Strategy = "exponential"
)

// Policy configures a retry run.
type Policy struct {
	Strategy    Strategy
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterFrac  float64 // 0..1, fraction of delay randomized
}

// DefaultPolicy is a conservative exponential-backoff default.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:    Exponential,
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		JitterFrac:  0.2,
	}
}

func (p Policy) delay(attempt int) time.Duration {
	var d time.Duration
	switch p.Strategy {
	case Immediate:
		d = 0
	case Fixed:
		d = p.BaseDelay
	case Linear:
		d = p.BaseDelay * time.Duration(attempt+1)
	case Exponential:
		d = p.BaseDelay * time.Duration(1<<uint(attempt))
	default:
		d = p.BaseDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.JitterFrac > 0 && d > 0 {
		jitter := time.Duration(float64(d) * p.JitterFrac * rand.Float64())
		d = d - time.Duration(float64(d)*p.JitterFrac/2) + jitter
	}
	if d < 0 {
		d = 0
	}
	return d
}

// shouldRetry reports whether err is retryable per the taxonomy: an
// explicit retryable Kind, or a message-keyword heuristic. Non-retryable
// kinds (constraint/validation, migration) never retry.
func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if kind, ok := codeerrors.KindOf(err); ok {
		switch kind {
		case codeerrors.KindConstraintViolation, codeerrors.KindMigrationFailed:
			return false
		}
	}
	return codeerrors.Retryable(err)
}

// Do runs fn, retrying cooperatively (sleeping via a timer, respecting ctx
// cancellation) according to policy. It returns the last error if every
// attempt fails or the error is not retryable.
func Do(ctx context.Context, fn func(context.Context) error, policy Policy) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}
		d := policy.delay(attempt)
		if d <= 0 {
			continue
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// DoSync retries fn using a bounded busy-wait instead of a timer-based
// sleep. It must be used only inside an active database transaction
// callback on a single handle, where suspending the goroutine via
// time.Sleep/context is not safe — the busy-wait burns CPU instead of
// yielding, by design (spec §5 "Retries").
func DoSync(fn func() error, policy Policy) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}
		d := policy.delay(attempt)
		deadline := time.Now().Add(d)
		for time.Now().Before(deadline) {
			// Busy-wait: intentional, see doc comment.
		}
	}
	return lastErr
}
