package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	codeerrors "github.com/alexcollie/codeindex/pkg/errors"
)

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	}, Policy{Strategy: Immediate, MaxAttempts: 3})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesOnRetryableError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return codeerrors.New(codeerrors.KindTimeout, "t", "timed out", nil)
		}
		return nil
	}, Policy{Strategy: Immediate, MaxAttempts: 5})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return codeerrors.New(codeerrors.KindTimeout, "t", "timed out", nil)
	}, Policy{Strategy: Immediate, MaxAttempts: 3})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryNonRetryableKind(t *testing.T) {
	calls := 0
	sentinel := codeerrors.New(codeerrors.KindConstraintViolation, "bad", "bad input", nil)
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return sentinel
	}, Policy{Strategy: Immediate, MaxAttempts: 5})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, sentinel, err)
}

func TestDoDoesNotRetryMigrationFailed(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return codeerrors.New(codeerrors.KindMigrationFailed, "m", "migration failed", nil)
	}, Policy{Strategy: Immediate, MaxAttempts: 5})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, func(context.Context) error {
		calls++
		return codeerrors.New(codeerrors.KindTimeout, "t", "timed out", nil)
	}, Policy{Strategy: Fixed, BaseDelay: 50 * time.Millisecond, MaxAttempts: 10})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoSyncSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := DoSync(func() error {
		calls++
		return nil
	}, Policy{Strategy: Immediate, MaxAttempts: 3})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoSyncRetriesOnRetryableError(t *testing.T) {
	calls := 0
	err := DoSync(func() error {
		calls++
		if calls < 2 {
			return errors.New("connection reset by peer")
		}
		return nil
	}, Policy{Strategy: Immediate, MaxAttempts: 5})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoSyncDoesNotRetryNonRetryable(t *testing.T) {
	calls := 0
	err := DoSync(func() error {
		calls++
		return codeerrors.New(codeerrors.KindConstraintViolation, "bad", "bad input", nil)
	}, Policy{Strategy: Immediate, MaxAttempts: 5})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicyDelayStrategies(t *testing.T) {
	immediate := Policy{Strategy: Immediate, BaseDelay: 10 * time.Millisecond}
	assert.Equal(t, time.Duration(0), immediate.delay(0))

	fixed := Policy{Strategy: Fixed, BaseDelay: 10 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, fixed.delay(0))
	assert.Equal(t, 10*time.Millisecond, fixed.delay(5))

	linear := Policy{Strategy: Linear, BaseDelay: 10 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, linear.delay(0))
	assert.Equal(t, 30*time.Millisecond, linear.delay(2))

	exponential := Policy{Strategy: Exponential, BaseDelay: 10 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, exponential.delay(0))
	assert.Equal(t, 40*time.Millisecond, exponential.delay(2))
}

func TestPolicyDelayCapsAtMaxDelay(t *testing.T) {
	p := Policy{Strategy: Exponential, BaseDelay: 100 * time.Millisecond, MaxDelay: 150 * time.Millisecond}
	assert.Equal(t, 150*time.Millisecond, p.delay(5))
}

func TestPolicyDelayJitterStaysWithinBounds(t *testing.T) {
	p := Policy{Strategy: Fixed, BaseDelay: 100 * time.Millisecond, JitterFrac: 0.5}
	for i := 0; i < 50; i++ {
		d := p.delay(0)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, Exponential, p.Strategy)
	assert.Equal(t, 3, p.MaxAttempts)
}
