// Package retry implements the exponential backoff wrapper around
// fallible operations (C9), grounded on the original engine's
// BackgroundExecutor._retry_wrapper: delay doubles after every failed
// attempt, starting from a configured base delay.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrEmpty is the error a retried function should return to signal "this
// attempt produced no error but also no usable result" — an empty
// evaluation is itself retryable, not an immediate success. Do treats it
// like any other error for backoff purposes; callers can tell an
// exhausted-by-emptiness outcome apart from a hard failure with
// errors.Is(err, ErrEmpty) once Do returns.
var ErrEmpty = errors.New("retry: empty result")

// Do calls fn up to maxAttempts times, sleeping baseDelay*2^(k-1) between
// attempt k and k+1. It returns the first nil error, or the last non-nil
// error if every attempt failed. It returns ctx.Err() immediately if ctx is
// canceled during a backoff sleep.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func(ctx context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	delay := baseDelay
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("retry attempt failed", "attempt", attempt, "max_attempts", maxAttempts, "error", err)

		if attempt == maxAttempts {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}

	return fmt.Errorf("max retries (%d) reached: %w", maxAttempts, lastErr)
}
