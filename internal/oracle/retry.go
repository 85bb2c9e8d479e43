package oracle

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// retrier runs provider calls under a shared rate limiter with exponential
// backoff. Every attempt, retries included, waits for the limiter.
type retrier struct {
	limiter        *rate.Limiter
	maxRetries     int
	initialBackoff time.Duration
	retryable      func(error) bool
}

// do calls fn until it succeeds, fails with a non-retryable error or the
// retries run out. It returns the number of attempts made.
func (r *retrier) do(ctx context.Context, fn func() error) (int, error) {
	attempts := 0
	op := func() error {
		attempts++
		if err := r.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := fn()
		if err != nil && !r.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.initialBackoff
	bo.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.maxRetries)), ctx))
	return attempts, err
}
