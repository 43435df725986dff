package fn

import (
	"context"
	"math/rand"
	"time"
)

// RetryOpts configures retry behavior.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
	// Retryable classifies failures; nil retries every error.
	Retryable func(error) bool
}

// DefaultRetry is one retry after a short pause, used for collaborator calls.
var DefaultRetry = RetryOpts{
	MaxAttempts: 2,
	InitialWait: 200 * time.Millisecond,
	MaxWait:     2 * time.Second,
	Jitter:      true,
}

// Retry calls f up to MaxAttempts times with exponential backoff.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	var result Result[T]
	wait := opts.InitialWait
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		result = f(ctx)
		if result.IsOk() || attempt == attempts-1 {
			return result
		}
		if opts.Retryable != nil && !opts.Retryable(result.err) {
			return result
		}

		sleepDur := wait
		if opts.Jitter {
			sleepDur = time.Duration(float64(wait) * (0.5 + rand.Float64()))
		}
		if opts.MaxWait > 0 && sleepDur > opts.MaxWait {
			sleepDur = opts.MaxWait
		}

		select {
		case <-ctx.Done():
			return Err[T](ctx.Err())
		case <-time.After(sleepDur):
		}

		wait *= 2
		if opts.MaxWait > 0 && wait > opts.MaxWait {
			wait = opts.MaxWait
		}
	}
	return result
}

// Call is Retry for plain (value, error) functions.
func Call[T any](ctx context.Context, opts RetryOpts, f func(context.Context) (T, error)) (T, error) {
	return Retry(ctx, opts, func(ctx context.Context) Result[T] {
		return FromPair(f(ctx))
	}).Unwrap()
}
