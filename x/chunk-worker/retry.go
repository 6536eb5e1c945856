package chunkworker

import (
	"context"
	"time"
)

// DefaultBackoff is the delay table between attempts; the last step repeats.
var DefaultBackoff = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

// BackoffFunc returns the delay before retry number n (1-based).
type BackoffFunc func(n int) time.Duration

// RetryPolicy bounds how often a failed or timed-out chunk is re-run.
type RetryPolicy struct {
	// MaxAttempts counts the first run; values below 1 mean a single attempt.
	MaxAttempts int
	Backoff     BackoffFunc
}

// DefaultRetryPolicy allows two retries on the default backoff table.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     SteppedBackoff(DefaultBackoff...),
	}
}

// SteppedBackoff walks the given steps and sticks to the last one.
func SteppedBackoff(steps ...time.Duration) BackoffFunc {
	steps = append([]time.Duration(nil), steps...)
	return func(n int) time.Duration {
		if n <= 0 || len(steps) == 0 {
			return 0
		}
		if n > len(steps) {
			return steps[len(steps)-1]
		}
		return steps[n-1]
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) delay(n int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return max(p.Backoff(n), 0)
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
