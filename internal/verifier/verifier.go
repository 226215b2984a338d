// Package verifier tracks on-chain settlement of payment signatures.
//
// A record moves pending → confirming → verified as confirmation depth
// arrives, and ends in failed (verification errors exhausted its retries)
// or timeout (unresolved past its wall-clock budget). Terminal records are
// never modified again.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/paymeter/internal/logging"
	"github.com/mbd888/paymeter/internal/validation"
)

var (
	ErrInvalidSignature   = errors.New("verifier: invalid signature format")
	ErrInvalidAddress     = errors.New("verifier: invalid address format")
	ErrInvalidAmount      = errors.New("verifier: amount must be positive")
	ErrDuplicateSignature = errors.New("verifier: signature already submitted")
	ErrRecordNotFound     = errors.New("verifier: record not found")
)

// Status is a verification record's state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirming Status = "confirming"
	StatusVerified   Status = "verified"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
)

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusVerified || s == StatusFailed || s == StatusTimeout
}

// Defaults
const (
	DefaultRequiredConfirmations = 32
	DefaultTimeout               = 5 * time.Minute
	DefaultBlockTime             = 400 * time.Millisecond
	DefaultMaxRetries            = 3
	AmountTolerance              = 1e-9
)

// Record tracks one submitted signature.
type Record struct {
	Signature         string     `json:"signature"`
	ExpectedAmount    float64    `json:"expectedAmount"`
	ExpectedRecipient string     `json:"expectedRecipient"`
	ExpectedSender    string     `json:"expectedSender"`
	SubmittedAt       time.Time  `json:"submittedAt"`
	VerifiedAt        *time.Time `json:"verifiedAt,omitempty"`
	Status            Status     `json:"status"`
	Confirmations     int        `json:"confirmations"`
	BlockHeight       uint64     `json:"blockHeight"`
	Slot              uint64     `json:"slot"`
	ErrorCode         string     `json:"errorCode,omitempty"`
	RetryCount        int        `json:"retryCount"`
}

func (r *Record) clone() *Record {
	cp := *r
	if r.VerifiedAt != nil {
		t := *r.VerifiedAt
		cp.VerifiedAt = &t
	}
	return &cp
}

// SubmitRequest is what a caller claims it paid.
type SubmitRequest struct {
	Signature         string  `json:"signature" binding:"required"`
	ExpectedAmount    float64 `json:"expectedAmount"`
	ExpectedRecipient string  `json:"expectedRecipient" binding:"required"`
	ExpectedSender    string  `json:"expectedSender" binding:"required"`
}

// DetailsResult is the outcome of comparing observed settlement fields
// against a record's expectation.
type DetailsResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Metrics aggregates the verifier's records.
type Metrics struct {
	Total                   int           `json:"total"`
	Pending                 int           `json:"pending"`
	Confirming              int           `json:"confirming"`
	Verified                int           `json:"verified"`
	Failed                  int           `json:"failed"`
	TimedOut                int           `json:"timedOut"`
	AverageConfirmationTime time.Duration `json:"averageConfirmationTimeNs"`
	AverageConfirmations    float64       `json:"averageConfirmations"`
}

// TransitionHook observes every status change. It runs after the
// verifier's lock is released, inside the call that caused the change.
type TransitionHook func(ctx context.Context, from Status, rec *Record)

// Verifier owns all verification records. It is safe for concurrent use.
type Verifier struct {
	mu      sync.RWMutex
	records map[string]*Record

	verifiedCount    int64
	avgConfirmTime   time.Duration
	avgConfirmations float64

	required   int
	timeout    time.Duration
	blockTime  time.Duration
	maxRetries int
	now        func() time.Time
	logger     *slog.Logger
	hooks      []TransitionHook
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithRequiredConfirmations sets the confirmation depth for verified.
func WithRequiredConfirmations(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.required = n
		}
	}
}

// WithTimeout sets the wall-clock budget from submission.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithBlockTime sets the per-confirmation time used for ETAs.
func WithBlockTime(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.blockTime = d
		}
	}
}

// WithMaxRetries sets how many verification errors a record tolerates.
func WithMaxRetries(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.maxRetries = n
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) { v.logger = logging.Component(logger, "verifier") }
}

// WithTransitionHook registers a hook for every status change.
func WithTransitionHook(h TransitionHook) Option {
	return func(v *Verifier) { v.hooks = append(v.hooks, h) }
}

// New creates a verifier.
func New(opts ...Option) *Verifier {
	v := &Verifier{
		records:    make(map[string]*Record),
		required:   DefaultRequiredConfirmations,
		timeout:    DefaultTimeout,
		blockTime:  DefaultBlockTime,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		logger:     logging.Component(slog.Default(), "verifier"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// OnTransition registers a hook after construction.
func (v *Verifier) OnTransition(h TransitionHook) {
	v.mu.Lock()
	v.hooks = append(v.hooks, h)
	v.mu.Unlock()
}

// RequiredConfirmations returns the configured verification depth.
func (v *Verifier) RequiredConfirmations() int {
	return v.required
}

// NormalizeSignature lowercases EVM transaction hashes. Solana signatures
// are case-sensitive base58 and are only trimmed.
func NormalizeSignature(sig string) string {
	sig = strings.TrimSpace(sig)
	if strings.HasPrefix(strings.ToLower(sig), "0x") {
		return strings.ToLower(sig)
	}
	return sig
}

// Submit starts tracking a signature. Malformed input and signatures that
// are already tracked are rejected.
func (v *Verifier) Submit(_ context.Context, req SubmitRequest) (*Record, error) {
	sig := NormalizeSignature(req.Signature)
	if !validation.IsValidSignature(sig) {
		return nil, ErrInvalidSignature
	}
	if !validation.IsValidAddress(req.ExpectedRecipient) || !validation.IsValidAddress(req.ExpectedSender) {
		return nil, ErrInvalidAddress
	}
	if !validation.IsPositiveAmount(req.ExpectedAmount) {
		return nil, ErrInvalidAmount
	}

	r := &Record{
		Signature:         sig,
		ExpectedAmount:    req.ExpectedAmount,
		ExpectedRecipient: validation.SanitizeAddress(req.ExpectedRecipient),
		ExpectedSender:    validation.SanitizeAddress(req.ExpectedSender),
		SubmittedAt:       v.now(),
		Status:            StatusPending,
	}

	v.mu.Lock()
	if _, exists := v.records[sig]; exists {
		v.mu.Unlock()
		return nil, ErrDuplicateSignature
	}
	v.records[sig] = r
	out := r.clone()
	v.mu.Unlock()

	verificationsSubmitted.Inc()
	v.logger.Info("verification submitted", "signature", sig, "amount", req.ExpectedAmount)
	return out, nil
}

// UpdateConfirmations records confirmation depth for sig, moving it to
// confirming and then to verified once the required depth is reached.
// It reports false for unknown signatures and terminal records.
func (v *Verifier) UpdateConfirmations(ctx context.Context, sig string, confirmations int, blockHeight, slot uint64) bool {
	_, ok := v.ApplyConfirmations(ctx, sig, confirmations, blockHeight, slot)
	return ok
}

// ApplyConfirmations is UpdateConfirmations returning the updated record.
func (v *Verifier) ApplyConfirmations(ctx context.Context, sig string, confirmations int, blockHeight, slot uint64) (*Record, bool) {
	sig = NormalizeSignature(sig)

	v.mu.Lock()
	r, ok := v.records[sig]
	if !ok || r.Status.IsTerminal() {
		v.mu.Unlock()
		return nil, false
	}
	from := r.Status
	now := v.now()

	// Depth only moves forward; a lagging RPC node can't regress it.
	if confirmations > r.Confirmations {
		r.Confirmations = confirmations
	}
	if blockHeight > r.BlockHeight {
		r.BlockHeight = blockHeight
	}
	if slot > r.Slot {
		r.Slot = slot
	}
	r.Status = StatusConfirming
	if r.Confirmations >= v.required {
		r.Status = StatusVerified
		r.VerifiedAt = &now
		elapsed := now.Sub(r.SubmittedAt)
		v.verifiedCount++
		n := v.verifiedCount
		v.avgConfirmTime += (elapsed - v.avgConfirmTime) / time.Duration(n)
		v.avgConfirmations += (float64(r.Confirmations) - v.avgConfirmations) / float64(n)
	}
	out := r.clone()
	v.mu.Unlock()

	if out.Status == StatusVerified {
		confirmationLatency.Observe(out.VerifiedAt.Sub(out.SubmittedAt).Seconds())
		v.logger.Info("payment verified", "signature", sig, "confirmations", out.Confirmations, "slot", out.Slot)
	}
	v.notify(ctx, from, out)
	return out, true
}

// MarkFailed records a verification error. The record keeps its state
// (pending or confirming) until the retry budget is spent, then becomes
// failed; it never moves backwards.
// It reports false for unknown signatures and terminal records.
func (v *Verifier) MarkFailed(ctx context.Context, sig, errorCode string) bool {
	_, ok := v.Fail(ctx, sig, errorCode)
	return ok
}

// Fail is MarkFailed returning the updated record.
func (v *Verifier) Fail(ctx context.Context, sig, errorCode string) (*Record, bool) {
	sig = NormalizeSignature(sig)

	v.mu.Lock()
	r, ok := v.records[sig]
	if !ok || r.Status.IsTerminal() {
		v.mu.Unlock()
		return nil, false
	}
	from := r.Status
	r.RetryCount++
	r.ErrorCode = errorCode
	if r.RetryCount >= v.maxRetries {
		r.Status = StatusFailed
	}
	out := r.clone()
	v.mu.Unlock()

	if out.Status == StatusFailed {
		v.logger.Warn("verification failed", "signature", sig, "errorCode", errorCode, "retries", out.RetryCount)
	} else {
		v.logger.Info("verification error, will retry", "signature", sig, "errorCode", errorCode, "retries", out.RetryCount)
	}
	v.notify(ctx, from, out)
	return out, true
}

// CheckTimeouts moves every pending or confirming record older than the
// timeout budget to timeout and returns their signatures, sorted.
func (v *Verifier) CheckTimeouts(ctx context.Context) []string {
	v.mu.Lock()
	now := v.now()
	type change struct {
		from Status
		rec  *Record
	}
	var changed []change
	for _, r := range v.records {
		if r.Status.IsTerminal() || now.Sub(r.SubmittedAt) < v.timeout {
			continue
		}
		from := r.Status
		r.Status = StatusTimeout
		r.ErrorCode = "timeout"
		changed = append(changed, change{from: from, rec: r.clone()})
	}
	v.mu.Unlock()

	sort.Slice(changed, func(i, j int) bool { return changed[i].rec.Signature < changed[j].rec.Signature })
	sigs := make([]string, 0, len(changed))
	for _, c := range changed {
		sigs = append(sigs, c.rec.Signature)
		v.logger.Warn("verification timed out", "signature", c.rec.Signature, "confirmations", c.rec.Confirmations)
		v.notify(ctx, c.from, c.rec)
	}
	return sigs
}

func (v *Verifier) notify(ctx context.Context, from Status, rec *Record) {
	if from == rec.Status {
		return
	}
	verificationTransitions.WithLabelValues(string(rec.Status)).Inc()

	v.mu.RLock()
	hooks := v.hooks
	v.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, from, rec.clone())
	}
}

// VerifyDetails compares observed settlement fields against sig's
// expectation. Amounts match within a relative tolerance of 1e-9 (absolute
// below 1); addresses match after normalization.
func (v *Verifier) VerifyDetails(sig string, actualAmount float64, actualRecipient, actualSender string) DetailsResult {
	r, err := v.Get(sig)
	if err != nil {
		return DetailsResult{Valid: false, Errors: []string{"unknown signature"}}
	}

	var errs []string
	scale := math.Max(1, math.Abs(r.ExpectedAmount))
	if math.IsNaN(actualAmount) || math.Abs(actualAmount-r.ExpectedAmount) > AmountTolerance*scale {
		errs = append(errs, fmt.Sprintf("amount mismatch: expected %v, got %v", r.ExpectedAmount, actualAmount))
	}
	if validation.SanitizeAddress(actualRecipient) != r.ExpectedRecipient {
		errs = append(errs, fmt.Sprintf("recipient mismatch: expected %s, got %s", r.ExpectedRecipient, actualRecipient))
	}
	if validation.SanitizeAddress(actualSender) != r.ExpectedSender {
		errs = append(errs, fmt.Sprintf("sender mismatch: expected %s, got %s", r.ExpectedSender, actualSender))
	}
	if len(errs) > 0 {
		detailMismatches.Inc()
	}
	return DetailsResult{Valid: len(errs) == 0, Errors: errs}
}

// Get returns a copy of the record for sig.
func (v *Verifier) Get(sig string) (*Record, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	r, ok := v.records[NormalizeSignature(sig)]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return r.clone(), nil
}

// Progress returns min(100, confirmations/required × 100).
func (v *Verifier) Progress(sig string) (float64, error) {
	r, err := v.Get(sig)
	if err != nil {
		return 0, err
	}
	return progress(r.Confirmations, v.required), nil
}

func progress(confirmations, required int) float64 {
	return math.Min(100, float64(confirmations)/float64(required)*100)
}

// ETA returns the remaining required confirmations times the block time.
// Terminal records have no ETA.
func (v *Verifier) ETA(sig string) (time.Duration, error) {
	r, err := v.Get(sig)
	if err != nil {
		return 0, err
	}
	if r.Status.IsTerminal() {
		return 0, nil
	}
	return eta(r.Confirmations, v.required, v.blockTime), nil
}

func eta(confirmations, required int, blockTime time.Duration) time.Duration {
	remaining := required - confirmations
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining) * blockTime
}

// Metrics returns counts by status and running averages over verified
// records.
func (v *Verifier) Metrics() Metrics {
	v.mu.RLock()
	defer v.mu.RUnlock()

	m := Metrics{
		Total:                   len(v.records),
		AverageConfirmationTime: v.avgConfirmTime,
		AverageConfirmations:    v.avgConfirmations,
	}
	for _, r := range v.records {
		switch r.Status {
		case StatusPending:
			m.Pending++
		case StatusConfirming:
			m.Confirming++
		case StatusVerified:
			m.Verified++
		case StatusFailed:
			m.Failed++
		case StatusTimeout:
			m.TimedOut++
		}
	}
	return m
}

// Export returns copies of every record, oldest submission first.
func (v *Verifier) Export() []Record {
	v.mu.RLock()
	out := make([]Record, 0, len(v.records))
	for _, r := range v.records {
		out = append(out, *r.clone())
	}
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].Signature < out[j].Signature
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}
