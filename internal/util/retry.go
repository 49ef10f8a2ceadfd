package util

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Retry calls fn up to maxTries times until it returns a non-nil result and nil error.
// If maxTries <= 0, it defaults to 1. Returns the last error if all attempts fail.
func Retry[T any](maxTries int, fn func() (T, error)) (T, error) {
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	var zero T
	for i := 0; i < maxTries; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return zero, lastErr
}

func RetryErrWithContext(ctx context.Context, maxTries int, fn func(context.Context) error) error {
	if maxTries <= 0 {
		maxTries = 1
	}

	var lastErr error
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// RetryWithContext calls fn up to maxTries times until it returns a non-nil result and nil error,
// or until ctx is done. If maxTries <= 0, it defaults to 1.
// Returns ctx.Err() if the context is canceled, otherwise returns the last error.
func RetryWithContext[T any](ctx context.Context, maxTries int, fn func(context.Context) (T, error)) (T, error) {
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	var zero T
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}

// Backoff configures RetryWithBackoff. Delay doubles after every failed
// attempt, starting at Base, with up to 50% random jitter. Max caps the
// jittered wait.
type Backoff struct {
	Attempts int           `yaml:"attempts"`
	Base     time.Duration `yaml:"base"`
	Max      time.Duration `yaml:"max"`
}

// Delay returns the wait before attempt n+1, n counted from 1.
func (b Backoff) Delay(n int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Jittered is Delay(n) plus random jitter, never above Max.
func (b Backoff) Jittered(n int) time.Duration {
	d := b.Delay(n)
	if d <= 0 {
		return 0
	}
	d += time.Duration(rand.Int64N(int64(d)/2 + 1))
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// RetryWithBackoff calls fn until it succeeds, returns an error retryable
// rejects, or the attempts are used up. Unlike RetryErrWithContext a deadline
// set by fn itself is retried; only cancellation of ctx stops the loop early.
// It returns the number of attempts made and the last error.
func RetryWithBackoff(ctx context.Context, b Backoff, retryable func(error) bool, fn func(context.Context) error) (int, error) {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		if ctx.Err() != nil {
			return i - 1, ctx.Err()
		}
		err := fn(ctx)
		if err == nil {
			return i, nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return i, err
		}
		if i == attempts {
			break
		}
		if err := sleep(ctx, b.Jittered(i)); err != nil {
			return i, err
		}
	}
	return attempts, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
