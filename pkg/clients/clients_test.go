package clients

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/strata/pkg/errors"
)

func TestTokenBucketAllow(t *testing.T) {
	rl := NewTokenBucketRateLimiter(1, 2)

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow(), "burst exhausted")

	stats := rl.GetStats()
	assert.Equal(t, int64(2), stats.AllowedCalls)
	assert.Equal(t, int64(1), stats.BlockedCalls)
}

func TestTokenBucketWait(t *testing.T) {
	rl := NewTokenBucketRateLimiter(1000, 1)

	require.True(t, rl.Allow())

	// Refill at 1000/s means the next token arrives within a few ms.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rl.Wait(ctx))
}

func TestTokenBucketWaitCanceled(t *testing.T) {
	rl := NewTokenBucketRateLimiter(0.1, 1)

	require.True(t, rl.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := rl.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenBucketReserve(t *testing.T) {
	rl := NewTokenBucketRateLimiter(10, 1)

	r1 := rl.Reserve()
	require.True(t, r1.OK())
	assert.Equal(t, time.Duration(0), r1.Delay())

	r2 := rl.Reserve()
	require.True(t, r2.OK())
	assert.Greater(t, r2.Delay(), time.Duration(0))

	r2.Cancel()
	assert.False(t, r2.OK())
}

func TestTokenBucketSetBurst(t *testing.T) {
	rl := NewTokenBucketRateLimiter(1, 10)

	rl.SetBurst(2)

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow(), "tokens clamped to new burst")
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
	}, nil)

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, "closed", cb.GetState().State, "below threshold")

	cb.RecordFailure()
	assert.Equal(t, "open", cb.GetState().State)
	assert.False(t, cb.Allow())
}

func TestCircuitBreakerRecovery(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          30 * time.Millisecond,
	}, nil)

	cb.RecordFailure()
	require.Equal(t, "open", cb.GetState().State)
	require.False(t, cb.Allow())

	time.Sleep(50 * time.Millisecond)

	// First call after the timeout probes the half-open circuit.
	require.True(t, cb.Allow())
	assert.Equal(t, "half_open", cb.GetState().State)

	cb.RecordSuccess()
	cb.RecordSuccess()
	assert.Equal(t, "closed", cb.GetState().State)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
	}, nil)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	require.True(t, cb.Allow())
	cb.RecordFailure()

	assert.Equal(t, "open", cb.GetState().State)
	assert.False(t, cb.Allow())
}

func TestCircuitBreakerExecute(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	}, nil)

	calls := 0
	fail := func() error {
		calls++
		return errors.New(errors.ErrorTypeConnection, "boom")
	}

	require.Error(t, cb.Execute(fail))
	require.Equal(t, 1, calls)

	// Circuit is open now, fn must not run.
	err := cb.Execute(fail)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsRetryable(err))
}
