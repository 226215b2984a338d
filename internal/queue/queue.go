// Package queue holds the monetary side of granted calls until they are
// settled in batches.
//
// The live queue is kept sorted by priority weight without re-sorting: a new
// payment is inserted before the first entry of strictly lower weight, so
// equal-priority payments stay in arrival order. Admission is bounded; a
// full queue rejects instead of blocking.
package queue

import (
	"errors"
	"time"
)

var (
	ErrQueueFull       = errors.New("queue: queue is full")
	ErrQueueEmpty      = errors.New("queue: no pending payments")
	ErrInvalidAmount   = errors.New("queue: amount must be positive")
	ErrInvalidPriority = errors.New("queue: unknown priority")
	ErrInvalidRequest  = errors.New("queue: wallet and agent are required")
	ErrPaymentNotFound = errors.New("queue: payment not found")
	ErrBatchNotFound   = errors.New("queue: batch not found")
	ErrNotProcessing   = errors.New("queue: payment is not processing")
)

// Priority is a payment's service tier.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Weight returns the ordering weight, or 0 for unknown priorities.
func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	}
	return 0
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p.Weight() > 0 }

// Status is a payment's settlement state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Payment is one queued charge.
type Payment struct {
	ID          string     `json:"id"`
	WalletAddr  string     `json:"walletAddress"`
	AgentID     string     `json:"agentId"`
	Amount      float64    `json:"amount"`
	Priority    Priority   `json:"priority"`
	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	Status      Status     `json:"status"`
	RetryCount  int        `json:"retryCount"`
	LastError   string     `json:"lastError,omitempty"`
	BatchID     string     `json:"batchId,omitempty"`
	SessionID   string     `json:"sessionId,omitempty"`
	Reference   string     `json:"reference,omitempty"` // funding signature
}

func (p *Payment) clone() *Payment {
	cp := *p
	if p.ProcessedAt != nil {
		t := *p.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}

// BatchStatus is derived from a batch's member outcomes.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchPartial    BatchStatus = "partial"
	BatchFailed     BatchStatus = "failed"
)

// IsTerminal reports whether s is a final state.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchPartial || s == BatchFailed
}

// Batch is one settlement attempt over a group of payments. A member that
// fails and is requeued for retry counts as a failure of this attempt.
type Batch struct {
	ID           string      `json:"id"`
	PaymentIDs   []string    `json:"paymentIds"`
	TotalAmount  float64     `json:"totalAmount"`
	CreatedAt    time.Time   `json:"createdAt"`
	ProcessedAt  *time.Time  `json:"processedAt,omitempty"`
	Status       BatchStatus `json:"status"`
	SuccessCount int         `json:"successCount"`
	FailureCount int         `json:"failureCount"`
	RetriedCount int         `json:"retriedCount"`
}

// deriveStatus recomputes the status from the counters. It only leaves
// processing once every member has an outcome.
func (b *Batch) deriveStatus() BatchStatus {
	members := len(b.PaymentIDs)
	switch {
	case members == 0:
		return BatchPending
	case b.SuccessCount+b.FailureCount < members:
		return BatchProcessing
	case b.FailureCount == 0:
		return BatchCompleted
	case b.SuccessCount == 0:
		return BatchFailed
	default:
		return BatchPartial
	}
}

func (b *Batch) clone() *Batch {
	cp := *b
	cp.PaymentIDs = append([]string(nil), b.PaymentIDs...)
	if b.ProcessedAt != nil {
		t := *b.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}

// Stats summarises queue activity.
type Stats struct {
	Length                int           `json:"length"`
	Processing            int           `json:"processing"`
	Enqueued              int64         `json:"enqueued"`
	Completed             int64         `json:"completed"`
	Failed                int64         `json:"failed"`
	Retried               int64         `json:"retried"`
	Rejected              int64         `json:"rejected"`
	Batches               int64         `json:"batches"`
	AverageProcessingTime time.Duration `json:"averageProcessingTimeNs"`
}
