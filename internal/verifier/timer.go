package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically moves stale records to timeout. Reactions (releasing
// sessions, auditing) happen in the verifier's transition hooks.
type Timer struct {
	verifier *Verifier
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a timeout sweep timer. A non-positive interval defaults
// to 10s.
func NewTimer(v *Verifier, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Timer{
		verifier: v,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeCheck(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in verifier timer", "panic", fmt.Sprint(r))
		}
	}()
	if sigs := t.verifier.CheckTimeouts(ctx); len(sigs) > 0 {
		t.logger.Info("verifications timed out", "count", len(sigs))
	}
}
