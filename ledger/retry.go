package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how often a whole operation is re-run after a
// Conflict or TransientStorage failure.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
	}
}

// Retry runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. onRetry, when set, is called before each re-run.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func() (T, error), onRetry func(error)) (T, error) {
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy()
	}

	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}

	attempt := uint(0)
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		res, err := op()
		if err == nil {
			return res, nil
		}
		var final *backoff.PermanentError
		if errors.As(err, &final) {
			return res, err
		}
		if !IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		if onRetry != nil && attempt < policy.MaxAttempts {
			onRetry(err)
		}
		return res, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(policy.MaxAttempts))
}

// Permanent marks err so Retry returns it at once, even when it is a
// Conflict that would otherwise be re-run. Use it for conflicts no retry
// can resolve, such as a reused client idempotency key.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
