package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/paymeter/internal/queue"
)

// Timer drives the engine: it settles a batch every batch interval and
// runs maintenance sweeps on a slower cadence.
type Timer struct {
	engine        *Engine
	batchInterval time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	stop          chan struct{}
	running       atomic.Bool
}

// NewTimer creates the engine timer. Non-positive intervals default to the
// queue's batch interval and 30s.
func NewTimer(engine *Engine, batchInterval, sweepInterval time.Duration, logger *slog.Logger) *Timer {
	if batchInterval <= 0 {
		batchInterval = queue.DefaultBatchInterval
	}
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	return &Timer{
		engine:        engine,
		batchInterval: batchInterval,
		sweepInterval: sweepInterval,
		logger:        logger,
		stop:          make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	batches := time.NewTicker(t.batchInterval)
	defer batches.Stop()
	sweeps := time.NewTicker(t.sweepInterval)
	defer sweeps.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-batches.C:
			t.safeRun(ctx, "batch", t.drain)
		case <-sweeps.C:
			t.safeRun(ctx, "sweep", func(ctx context.Context) {
				_, _ = t.engine.Sweep(ctx)
			})
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

// drain settles batches until the queue is empty, bounded so a queue
// refilled faster than it settles can't starve the sweep ticker.
func (t *Timer) drain(ctx context.Context) {
	for i := 0; i < 100; i++ {
		b, err := t.engine.ProcessBatch(ctx)
		if errors.Is(err, queue.ErrQueueEmpty) {
			return
		}
		if err != nil {
			t.logger.Warn("batch processing failed", "error", err)
			return
		}
		t.logger.Debug("batch processed", "batchId", b.ID, "status", b.Status)
	}
}

func (t *Timer) safeRun(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in protocol timer", "task", name, "panic", fmt.Sprint(r))
		}
	}()
	fn(ctx)
}
