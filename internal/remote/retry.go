package remote

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry runs fn with exponential backoff, up to maxAttempts total
// attempts. Only transient failures (network, timeout) are retried;
// auth, not-found, and unclassified errors abort immediately. The
// context cancels waiting between attempts.
func Retry(ctx context.Context, maxAttempts int, initial time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	policy := backoff.NewExponentialBackOff()
	if initial > 0 {
		policy.InitialInterval = initial
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxAttempts-1)), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}
