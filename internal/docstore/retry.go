package docstore

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"stockflow/internal/apperr"
)

// RetryPolicy bounds transaction retries
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// OnRetry is called before sleeping after a conflicting attempt
	OnRetry func(attempt int, err error)
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
	}
}

// Backoff returns the delay before the given retry (1-based), with full jitter
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay << uint(attempt-1)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

// Run executes attempt until it succeeds, fails with an error other than
// ErrTxConflict, or MaxAttempts conflicting attempts have been made, in which
// case the result wraps apperr.ErrConflict.
func (p RetryPolicy) Run(ctx context.Context, attempt func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for i := 1; i <= maxAttempts; i++ {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTxConflict) {
			return err
		}
		lastErr = err
		if i == maxAttempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(i, err)
		}

		timer := time.NewTimer(p.Backoff(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return apperr.Conflict("transaction aborted after %d attempts: %v", maxAttempts, lastErr)
}
