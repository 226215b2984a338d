// Package retry runs an operation with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy bounds a retry loop. BaseDelay doubles per attempt with ±25%
// jitter and never exceeds MaxDelay (when set).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// backoff returns the sleep before retry n (0-based).
func (p Policy) backoff(n int) time.Duration {
	d := p.BaseDelay << n
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	jitter := int64(d / 4)
	return d - time.Duration(jitter) + time.Duration(rand.Int64N(2*jitter+1))
}

// Do calls fn until it succeeds, returns a PermanentError, the policy's
// attempts are spent, or ctx is done. It returns the attempts made and the
// last error, with any Permanent wrapper removed.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (int, error) {
	attempts := max(p.MaxAttempts, 1)

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return i + 1, nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return i + 1, pe.Err
		}
		if i == attempts-1 {
			return attempts, err
		}

		t := time.NewTimer(p.backoff(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return i + 1, ctx.Err()
		case <-t.C:
		}
	}
	return attempts, err
}
