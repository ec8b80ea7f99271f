package workflow

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/liamcoop/txscreen/screening"
)

// RetryPolicy bounds the retries of a parallel branch. Only retryable
// DependencyErrors are retried.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		eb.Multiplier = p.Multiplier
	}
	// Attempts and the stage timeout bound the loop, not elapsed time.
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := max(p.MaxAttempts, 1)
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// retry runs op until it succeeds, returns a non-retryable error, exhausts
// the policy or ctx ends. onRetry is called before each wait.
func retry[T any](ctx context.Context, p RetryPolicy, op func(context.Context) (T, error), onRetry func(attempt int, err error, wait time.Duration)) (T, error) {
	var (
		out     T
		attempt int
	)
	err := backoff.RetryNotify(func() error {
		attempt++
		v, err := op(ctx)
		if err != nil {
			if !screening.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = v
		return nil
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	})
	return out, err
}
