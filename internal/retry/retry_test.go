package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fast(n int) Policy {
	return Policy{MaxAttempts: n, BaseDelay: time.Millisecond}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	n, err := Do(context.Background(), fast(3), func(context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDo_SuccessOnRetry(t *testing.T) {
	calls := 0
	n, err := Do(context.Background(), fast(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	sentinel := errors.New("always fails")
	n, err := Do(context.Background(), fast(3), func(context.Context) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, n)
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	sentinel := errors.New("permanent failure")
	n, err := Do(context.Background(), fast(5), func(context.Context) error { return Permanent(sentinel) })
	assert.Equal(t, sentinel, err, "wrapper is removed")
	assert.Equal(t, 1, n)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, Policy{MaxAttempts: 10, BaseDelay: time.Second}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroMaxAttempts(t *testing.T) {
	n, err := Do(context.Background(), Policy{}, func(context.Context) error { return errors.New("x") })
	assert.Error(t, err)
	assert.Equal(t, 1, n)
}

func TestPolicy_BackoffIsCapped(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	for range 20 {
		d := p.backoff(0)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)

		d = p.backoff(10)
		assert.GreaterOrEqual(t, d, 225*time.Millisecond)
		assert.LessOrEqual(t, d, 375*time.Millisecond)
	}
	assert.Zero(t, Policy{}.backoff(3))
}

func TestPermanent_Unwrap(t *testing.T) {
	sentinel := errors.New("inner")
	assert.ErrorIs(t, Permanent(sentinel), sentinel)
	assert.NoError(t, Permanent(nil))
}
