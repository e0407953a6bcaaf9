// Package retry provides retry logic with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy computes the wait before a retry. The zero value is not useful;
// start from DefaultPolicy.
type Policy struct {
	Base   time.Duration // wait before the first retry
	Cap    time.Duration // upper bound of the exponential term
	Jitter time.Duration // uniform extra wait in [0, Jitter)
}

// DefaultPolicy returns the policy used against the remote API.
func DefaultPolicy() Policy {
	return Policy{
		Base:   500 * time.Millisecond,
		Cap:    8 * time.Second,
		Jitter: 250 * time.Millisecond,
	}
}

// Delay returns min(Cap, Base*2^attempt) plus a random jitter. attempt
// starts at 0.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	wait := float64(p.Base) * math.Pow(2, float64(attempt))
	if p.Cap > 0 && wait > float64(p.Cap) {
		wait = float64(p.Cap)
	}
	d := time.Duration(wait)
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

// Config holds retry configuration.
type Config struct {
	MaxAttempts int // Maximum number of attempts (0 = infinite)
	Policy      Policy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Policy:      DefaultPolicy(),
	}
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// Do executes fn with retries. Only errors marked with Retryable are
// retried; anything else is returned as-is.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn with retries and returns a result.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; cfg.MaxAttempts == 0 || attempt < cfg.MaxAttempts; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return result, err
		}
		if cfg.MaxAttempts != 0 && attempt == cfg.MaxAttempts-1 {
			break
		}
		if err := Sleep(ctx, cfg.Policy.Delay(attempt)); err != nil {
			return result, err
		}
	}

	return result, lastErr
}
