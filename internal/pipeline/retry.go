package pipeline

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/accountex-org/reportstream/pkg/errors"
)

// RetryPolicy defines exponential-backoff retry behavior for paged
// fetches. MaxRetries counts retries after the first attempt, so a
// budget of 3 allows up to 4 total attempts.
type RetryPolicy struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// NewRetryPolicy creates a policy with the pipeline defaults: base
// delay doubled per attempt, no jitter, capped at MaxDelay.
func NewRetryPolicy(maxRetries int, initialDelay time.Duration) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: initialDelay,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
	}
}

// Execute runs fn, retrying retryable errors with backoff until the
// budget is exhausted. onRetry, if non-nil, is invoked before each
// retry sleep with the upcoming attempt number (1-based).
func (rp *RetryPolicy) Execute(ctx context.Context, fn func() error, onRetry func(attempt int)) error {
	var lastErr error

	for attempt := 0; attempt <= rp.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !errors.IsRetryable(err) {
			return err
		}
		if attempt == rp.MaxRetries {
			break
		}

		if onRetry != nil {
			onRetry(attempt + 1)
		}

		timer := time.NewTimer(rp.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), errors.ErrorTypeFetch, "retry cancelled")
		case <-timer.C:
		}
	}

	return errors.Wrap(lastErr, errors.ErrorTypeFetch, "retry budget exhausted").
		WithDetail("max_retries", rp.MaxRetries)
}

// delay calculates the backoff for a given attempt (0-based).
func (rp *RetryPolicy) delay(attempt int) time.Duration {
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt))

	if rp.MaxDelay > 0 && delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}

	if rp.RandomizeFactor > 0 {
		delta := delay * rp.RandomizeFactor
		delay = delay - delta + rand.Float64()*2*delta
	}

	return time.Duration(delay)
}

// GetDelay returns the delay for a specific attempt (for testing/preview).
func (rp *RetryPolicy) GetDelay(attempt int) time.Duration {
	return rp.delay(attempt)
}
