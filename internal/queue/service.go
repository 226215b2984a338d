package queue

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/paymeter/internal/idgen"
	"github.com/mbd888/paymeter/internal/logging"
	"github.com/mbd888/paymeter/internal/validation"
)

// Defaults
const (
	DefaultMaxSize       = 10000
	DefaultBatchSize     = 10
	DefaultBatchInterval = 5 * time.Second
	DefaultMaxRetries    = 3
)

// Queue is the priority payment queue. It is safe for concurrent use.
type Queue struct {
	mu       sync.RWMutex
	live     []*Payment // pending only, sorted by non-increasing weight
	payments map[string]*Payment
	batches  map[string]*Batch
	inFlight int // processing payments; each keeps its slot for a retry

	enqueued      int64
	completed     int64
	failed        int64
	retried       int64
	rejected      int64
	batchCount    int64
	avgProcessing time.Duration

	maxSize       int
	batchSize     int
	batchInterval time.Duration
	maxRetries    int
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxSize sets the admission bound. Pending and in-flight payments both
// count against it, so a retry always finds its slot free.
func WithMaxSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxSize = n
		}
	}
}

// WithBatchSize sets how many payments CreateBatch takes.
func WithBatchSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.batchSize = n
		}
	}
}

// WithBatchInterval sets the expected time between batches, used by
// EstimateWait.
func WithBatchInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.batchInterval = d
		}
	}
}

// WithMaxRetries sets the failure ceiling after which a payment is terminal.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logging.Component(logger, "queue") }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		payments:      make(map[string]*Payment),
		batches:       make(map[string]*Batch),
		maxSize:       DefaultMaxSize,
		batchSize:     DefaultBatchSize,
		batchInterval: DefaultBatchInterval,
		maxRetries:    DefaultMaxRetries,
		now:           time.Now,
		logger:        logging.Component(slog.Default(), "queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// BatchSize returns the configured batch size.
func (q *Queue) BatchSize() int { return q.batchSize }

// MaxSize returns the admission bound on the live queue.
func (q *Queue) MaxSize() int { return q.maxSize }

// EnqueueOption sets optional payment fields.
type EnqueueOption func(*Payment)

// WithSession links the payment to the session it was charged against.
func WithSession(sessionID string) EnqueueOption {
	return func(p *Payment) { p.SessionID = sessionID }
}

// WithReference records the funding signature the payment settles against.
func WithReference(ref string) EnqueueOption {
	return func(p *Payment) { p.Reference = ref }
}

// Enqueue admits a payment in priority order. A full queue rejects it and
// is left unchanged.
func (q *Queue) Enqueue(_ context.Context, wallet, agentID string, amount float64, priority Priority, opts ...EnqueueOption) (*Payment, error) {
	wallet = strings.TrimSpace(wallet)
	agentID = strings.TrimSpace(agentID)
	if wallet == "" || agentID == "" {
		return nil, ErrInvalidRequest
	}
	if !validation.IsPositiveAmount(amount) {
		return nil, ErrInvalidAmount
	}
	if !priority.Valid() {
		return nil, ErrInvalidPriority
	}

	p := &Payment{
		ID:         idgen.WithPrefix(idgen.PrefixPayment),
		WalletAddr: wallet,
		AgentID:    agentID,
		Amount:     amount,
		Priority:   priority,
		CreatedAt:  q.now(),
		Status:     StatusPending,
	}
	for _, opt := range opts {
		opt(p)
	}

	q.mu.Lock()
	if len(q.live)+q.inFlight >= q.maxSize {
		q.rejected++
		q.mu.Unlock()
		paymentsRejected.Inc()
		q.logger.Warn("queue full, payment rejected", "wallet", wallet, "agentId", agentID, "maxSize", q.maxSize)
		return nil, ErrQueueFull
	}
	q.insertLocked(p)
	q.payments[p.ID] = p
	q.enqueued++
	depth := len(q.live)
	out := p.clone()
	q.mu.Unlock()

	paymentsEnqueued.WithLabelValues(string(priority)).Inc()
	queueDepth.Set(float64(depth))
	return out, nil
}

// insertLocked places p before the first entry of strictly lower weight.
// Caller must hold q.mu.
func (q *Queue) insertLocked(p *Payment) {
	w := p.Priority.Weight()
	i := len(q.live)
	for j, existing := range q.live {
		if existing.Priority.Weight() < w {
			i = j
			break
		}
	}
	q.live = append(q.live, nil)
	copy(q.live[i+1:], q.live[i:])
	q.live[i] = p
}

// DequeueBatch pops up to n pending payments from the head and marks them
// processing.
func (q *Queue) DequeueBatch(_ context.Context, n int) []*Payment {
	q.mu.Lock()
	out := q.dequeueLocked(n)
	depth := len(q.live)
	q.mu.Unlock()

	queueDepth.Set(float64(depth))
	return out
}

func (q *Queue) dequeueLocked(n int) []*Payment {
	if n <= 0 {
		return nil
	}
	out := make([]*Payment, 0, min(n, len(q.live)))
	taken := 0
	for taken < len(q.live) && len(out) < n {
		p := q.live[taken]
		taken++
		if p.Status != StatusPending {
			continue
		}
		p.Status = StatusProcessing
		q.inFlight++
		out = append(out, p.clone())
	}
	remaining := make([]*Payment, len(q.live)-taken)
	copy(remaining, q.live[taken:])
	q.live = remaining
	return out
}

// CreateBatch dequeues one batch's worth of payments and groups them.
func (q *Queue) CreateBatch(_ context.Context) (*Batch, error) {
	q.mu.Lock()
	members := q.dequeueLocked(q.batchSize)
	if len(members) == 0 {
		q.mu.Unlock()
		return nil, ErrQueueEmpty
	}

	b := &Batch{
		ID:        idgen.WithPrefix(idgen.PrefixBatch),
		CreatedAt: q.now(),
	}
	for _, m := range members {
		b.PaymentIDs = append(b.PaymentIDs, m.ID)
		b.TotalAmount += m.Amount
		q.payments[m.ID].BatchID = b.ID
	}
	b.Status = b.deriveStatus()
	q.batches[b.ID] = b
	q.batchCount++
	depth := len(q.live)
	out := b.clone()
	q.mu.Unlock()

	batchesCreated.Inc()
	queueDepth.Set(float64(depth))
	q.logger.Info("batch created", "batchId", b.ID, "payments", len(b.PaymentIDs), "total", b.TotalAmount)
	return out, nil
}

// MarkCompleted records a successful settlement.
func (q *Queue) MarkCompleted(_ context.Context, id string) (*Payment, error) {
	q.mu.Lock()
	p, ok := q.payments[id]
	if !ok {
		q.mu.Unlock()
		return nil, ErrPaymentNotFound
	}
	if p.Status != StatusProcessing {
		q.mu.Unlock()
		return nil, ErrNotProcessing
	}
	now := q.now()
	q.inFlight--
	p.Status = StatusCompleted
	p.ProcessedAt = &now
	elapsed := now.Sub(p.CreatedAt)
	q.completed++
	q.avgProcessing += (elapsed - q.avgProcessing) / time.Duration(q.completed)
	batch := q.recordOutcomeLocked(p.BatchID, true, false, now)
	out := p.clone()
	q.mu.Unlock()

	paymentOutcomes.WithLabelValues(string(StatusCompleted)).Inc()
	processingTime.Observe(elapsed.Seconds())
	q.logBatchDone(batch)
	return out, nil
}

// MarkFailed records a failed settlement attempt. Under the retry ceiling
// the payment goes back to pending in priority order; on reaching it the
// payment is terminally failed.
func (q *Queue) MarkFailed(_ context.Context, id, reason string) (*Payment, error) {
	q.mu.Lock()
	p, ok := q.payments[id]
	if !ok {
		q.mu.Unlock()
		return nil, ErrPaymentNotFound
	}
	if p.Status != StatusProcessing {
		q.mu.Unlock()
		return nil, ErrNotProcessing
	}
	now := q.now()
	q.inFlight--
	p.RetryCount++
	p.LastError = reason
	retry := p.RetryCount < q.maxRetries

	batchID := p.BatchID
	if retry {
		p.Status = StatusPending
		p.BatchID = ""
		q.insertLocked(p)
		q.retried++
	} else {
		p.Status = StatusFailed
		p.ProcessedAt = &now
		q.failed++
	}
	batch := q.recordOutcomeLocked(batchID, false, retry, now)
	depth := len(q.live)
	out := p.clone()
	q.mu.Unlock()

	queueDepth.Set(float64(depth))
	if retry {
		paymentOutcomes.WithLabelValues("retried").Inc()
		q.logger.Info("payment requeued for retry", "paymentId", id, "retry", out.RetryCount, "reason", reason)
	} else {
		paymentOutcomes.WithLabelValues(string(StatusFailed)).Inc()
		q.logger.Warn("payment failed", "paymentId", id, "retries", out.RetryCount, "reason", reason)
	}
	q.logBatchDone(batch)
	return out, nil
}

// recordOutcomeLocked updates the owning batch's counters and returns a
// copy of it if this outcome made it terminal. Caller must hold q.mu.
func (q *Queue) recordOutcomeLocked(batchID string, success, retried bool, now time.Time) *Batch {
	b, ok := q.batches[batchID]
	if !ok || b.Status.IsTerminal() {
		return nil
	}
	if success {
		b.SuccessCount++
	} else {
		b.FailureCount++
		if retried {
			b.RetriedCount++
		}
	}
	b.Status = b.deriveStatus()
	if !b.Status.IsTerminal() {
		return nil
	}
	b.ProcessedAt = &now
	return b.clone()
}

func (q *Queue) logBatchDone(b *Batch) {
	if b == nil {
		return
	}
	batchOutcomes.WithLabelValues(string(b.Status)).Inc()
	q.logger.Info("batch settled", "batchId", b.ID, "status", b.Status,
		"succeeded", b.SuccessCount, "failed", b.FailureCount)
}

// EstimateWait is a coarse ETA for a new payment at priority: the number
// of queued payments at the same or higher weight, in batches, times the
// batch interval.
func (q *Queue) EstimateWait(priority Priority) time.Duration {
	w := priority.Weight()
	q.mu.RLock()
	ahead := 0
	for _, p := range q.live {
		if p.Priority.Weight() >= w {
			ahead++
		}
	}
	q.mu.RUnlock()

	batches := (ahead + q.batchSize - 1) / q.batchSize
	return time.Duration(batches) * q.batchInterval
}

// Get returns a copy of the payment.
func (q *Queue) Get(id string) (*Payment, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	p, ok := q.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return p.clone(), nil
}

// GetBatch returns a copy of the batch.
func (q *Queue) GetBatch(id string) (*Batch, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	b, ok := q.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return b.clone(), nil
}

// Len returns the number of pending payments in the live queue.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.live)
}

// Occupancy returns the slots counted against MaxSize: pending payments
// plus those in flight.
func (q *Queue) Occupancy() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.live) + q.inFlight
}

// Snapshot returns copies of the live queue in service order.
func (q *Queue) Snapshot() []*Payment {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*Payment, len(q.live))
	for i, p := range q.live {
		out[i] = p.clone()
	}
	return out
}

// Stats returns lifetime counters.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return Stats{
		Length:                len(q.live),
		Processing:            q.inFlight,
		Enqueued:              q.enqueued,
		Completed:             q.completed,
		Failed:                q.failed,
		Retried:               q.retried,
		Rejected:              q.rejected,
		Batches:               q.batchCount,
		AverageProcessingTime: q.avgProcessing,
	}
}

// Cleanup drops terminal payments and batches settled more than olderThan
// ago from the lookup index. The live queue never holds terminal payments,
// so service order is unaffected.
func (q *Queue) Cleanup(_ context.Context, olderThan time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-olderThan)
	removed := 0
	for id, p := range q.payments {
		if p.Status.IsTerminal() && p.ProcessedAt != nil && !p.ProcessedAt.After(cutoff) {
			delete(q.payments, id)
			removed++
		}
	}
	for id, b := range q.batches {
		if b.Status.IsTerminal() && b.ProcessedAt != nil && !b.ProcessedAt.After(cutoff) {
			delete(q.batches, id)
		}
	}
	if removed > 0 {
		q.logger.Debug("cleaned up settled payments", "count", removed)
	}
	return removed
}
