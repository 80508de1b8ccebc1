package load

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/ajitpratap0/strata/pkg/config"
)

// RetryPolicy computes exponential backoff with jitter for transient load
// failures. The scheduler persists the job's retry state between
// attempts, so the policy only supplies delays and the attempt ceiling.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// RetryPolicyFromConfig builds the policy from load settings.
func RetryPolicyFromConfig(cfg *config.LoadConfig) *RetryPolicy {
	rp := &RetryPolicy{
		MaxAttempts:     cfg.RetryAttempts,
		InitialDelay:    cfg.RetryDelay,
		MaxDelay:        cfg.MaxRetryDelay,
		Multiplier:      cfg.RetryMultiplier,
		RandomizeFactor: cfg.RandomizeFactor,
	}
	if rp.MaxAttempts < 1 {
		rp.MaxAttempts = 1
	}
	if rp.InitialDelay <= 0 {
		rp.InitialDelay = time.Second
	}
	if rp.MaxDelay <= 0 {
		rp.MaxDelay = time.Minute
	}
	if rp.Multiplier < 1 {
		rp.Multiplier = 2
	}
	return rp
}

// Exhausted reports whether a job with the given started attempt count is
// out of retries.
func (rp *RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= rp.MaxAttempts
}

// Delay returns the backoff before the next try after the given attempt
// (1-based: Delay(1) precedes the second attempt).
func (rp *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt-1))
	if delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}
	if rp.RandomizeFactor > 0 {
		delta := delay * rp.RandomizeFactor
		delay = delay - delta + rand.Float64()*2*delta
	}
	return time.Duration(delay)
}

// Sleep waits out the attempt's delay or returns early when the context
// ends.
func (rp *RetryPolicy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(rp.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
