// README: Explicit wrappers around store operations: per-call timeout with latency metric, and bounded retry.
package infra

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Timed runs fn under a timeout derived from ctx and records its latency as op.
func Timed[T any](ctx context.Context, m *Metrics, op string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	v, err := fn(ctx)
	m.ObserveStoreOp(op, time.Since(start), err)
	return v, err
}

// Permanent marks err so Retry stops immediately and returns it.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry calls fn with exponential backoff until it succeeds, returns a
// Permanent error, ctx ends, or budget elapses. The last error is returned.
func Retry(ctx context.Context, budget time.Duration, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = budget
	err := backoff.Retry(fn, backoff.WithContext(b, ctx))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
