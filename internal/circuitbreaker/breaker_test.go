package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(threshold, open, WithClock(clock.Now)), clock
}

func TestBreaker_ClosedAllows(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	assert.True(t, b.Allow("weather-agent"))
	assert.Equal(t, StateClosed, b.State("weather-agent"))
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	b.RecordFailure("a")
	b.RecordFailure("a")
	assert.True(t, b.Allow("a"))

	b.RecordFailure("a")
	assert.False(t, b.Allow("a"))
	assert.Equal(t, StateOpen, b.State("a"))
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	b, clock := newTestBreaker(2, time.Second)
	b.RecordFailure("a")
	b.RecordFailure("a")
	require.False(t, b.Allow("a"))

	clock.Advance(time.Second)
	assert.True(t, b.Allow("a"))
	assert.Equal(t, StateHalfOpen, b.State("a"))
	assert.False(t, b.Allow("a"))
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	b, clock := newTestBreaker(1, time.Second)

	b.RecordFailure("a")
	clock.Advance(time.Second)
	require.True(t, b.Allow("a"))
	b.RecordSuccess("a")
	assert.Equal(t, StateClosed, b.State("a"))

	b.RecordFailure("a")
	clock.Advance(time.Second)
	require.True(t, b.Allow("a"))
	b.RecordFailure("a")
	assert.Equal(t, StateOpen, b.State("a"))
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	b.RecordFailure("a")
	b.RecordFailure("a")
	b.RecordSuccess("a")
	b.RecordFailure("a")
	b.RecordFailure("a")
	assert.Equal(t, StateClosed, b.State("a"))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Second)
	b.RecordFailure("a")
	assert.False(t, b.Allow("a"))
	assert.True(t, b.Allow("b"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	boom := errors.New("settlement rpc down")

	assert.NoError(t, b.Do("a", func() error { return nil }))
	assert.ErrorIs(t, b.Do("a", func() error { return boom }), boom)

	called := false
	err := b.Do("a", func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_OnTransition(t *testing.T) {
	b, clock := newTestBreaker(1, time.Second)
	var got []string
	b.OnTransition(func(key string, from, to State) {
		got = append(got, key+":"+from.String()+"->"+to.String())
	})

	b.RecordFailure("a")
	clock.Advance(time.Second)
	b.Allow("a")
	b.RecordSuccess("a")

	assert.Equal(t, []string{"a:closed->open", "a:open->half_open", "a:half_open->closed"}, got)
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b, _ := newTestBreaker(1000, time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.Allow("a")
				b.RecordFailure("a")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, StateClosed, b.State("a"))
}
