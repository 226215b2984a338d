// Package circuitbreaker isolates failing settlement targets. Each key
// (an agent id in practice) has its own closed → open → half-open circuit.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do when the key's circuit rejects the call.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "paymeter",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit state transitions by from-state and to-state.",
}, []string{"from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker trips a key open after threshold consecutive failures and lets
// a single probe through once openDuration has passed.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	openDuration time.Duration
	now          func() time.Time
	onTransition func(key string, from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a breaker. Non-positive arguments fall back to 5 failures
// and 30 seconds.
func New(threshold int, openDuration time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	b := &Breaker{
		circuits:     make(map[string]*circuit),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnTransition sets a callback fired (synchronously, outside the lock) on
// every state change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cool-down has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		b.mu.Unlock()
		return true
	}

	var fire func()
	allowed := true
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.lastFailure) >= b.openDuration {
			fire = b.transitionLocked(c, key, StateHalfOpen)
		} else {
			allowed = false
		}
	case StateHalfOpen:
		allowed = false
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
	return allowed
}

// RecordSuccess resets the failure streak and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	c.failures = 0
	var fire func()
	if c.state == StateHalfOpen {
		fire = b.transitionLocked(c, key, StateClosed)
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// RecordFailure extends the failure streak. A failed probe reopens the
// circuit; reaching the threshold while closed trips it.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	c.failures++
	c.lastFailure = b.now()

	var fire func()
	switch {
	case c.state == StateHalfOpen:
		fire = b.transitionLocked(c, key, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		fire = b.transitionLocked(c, key, StateOpen)
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// Do runs fn if key's circuit allows it and records the outcome.
func (b *Breaker) Do(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return nil
}

// State returns key's state; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// transitionLocked changes state and returns the callback to run once the
// lock is released. Caller must hold b.mu.
func (b *Breaker) transitionLocked(c *circuit, key string, to State) func() {
	from := c.state
	if from == to {
		return nil
	}
	c.state = to
	stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	fn := b.onTransition
	if fn == nil {
		return nil
	}
	return func() { fn(key, from, to) }
}
