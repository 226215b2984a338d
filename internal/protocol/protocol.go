// Package protocol sequences the payment protocol: it admits callers
// against a payment proof, meters granted calls into the payment queue,
// settles queued payments in batches and tracks on-chain confirmation.
//
// Every transition is audited from the call that performs it. Session
// terminations and verification outcomes reach the audit log through
// component hooks, so they are recorded no matter which path (HTTP
// handler, timer, lazy expiry) caused them.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/paymeter/internal/audit"
	"github.com/mbd888/paymeter/internal/circuitbreaker"
	"github.com/mbd888/paymeter/internal/logging"
	"github.com/mbd888/paymeter/internal/queue"
	"github.com/mbd888/paymeter/internal/session"
	"github.com/mbd888/paymeter/internal/validation"
	"github.com/mbd888/paymeter/internal/verifier"
)

var (
	ErrProofRequired       = errors.New("protocol: payment proof required")
	ErrInvalidProof        = errors.New("protocol: malformed payment proof")
	ErrInsufficientPayment = errors.New("protocol: payment below price")
	ErrWrongRecipient      = errors.New("protocol: payment sent to wrong recipient")
	ErrWrongNetwork        = errors.New("protocol: payment on unsupported network")
	ErrProofRejected       = errors.New("protocol: payment proof rejected")
	ErrProofReplayed       = errors.New("protocol: payment proof already used")
	ErrForbidden           = errors.New("protocol: session lacks permission")
	ErrInvalidRequest      = errors.New("protocol: invalid request")
	ErrInvalidConfig       = errors.New("protocol: invalid configuration")
	ErrTerminal            = errors.New("protocol: verification already final")
	ErrEscrowNotFound      = errors.New("protocol: escrow not found")
	ErrEscrowResolved      = errors.New("protocol: escrow already resolved")
)

// Settler settles one queued payment on the settlement network. It is
// called outside every component lock; a non-nil error counts as a failed
// attempt.
type Settler interface {
	Settle(ctx context.Context, p *queue.Payment) error
}

// SettlerFunc adapts a function to Settler.
type SettlerFunc func(ctx context.Context, p *queue.Payment) error

func (f SettlerFunc) Settle(ctx context.Context, p *queue.Payment) error { return f(ctx, p) }

// ProofVerifier checks the cryptographic validity of a payment proof.
type ProofVerifier interface {
	VerifyProof(ctx context.Context, proof *Proof) error
}

// Config holds the runtime-adjustable payment terms.
type Config struct {
	Recipient         string        `json:"recipient"`
	Network           string        `json:"network"`
	Asset             string        `json:"asset"`
	Price             float64       `json:"price"`
	MaxTimeoutSeconds int           `json:"maxTimeoutSeconds"`
	PaymentRetention  time.Duration `json:"paymentRetentionNs"`
}

// Defaults for Config fields left zero.
const (
	DefaultMaxTimeoutSeconds = 300
	DefaultPaymentRetention  = time.Hour
)

func (c Config) validate() error {
	if !validation.IsValidAddress(c.Recipient) {
		return fmt.Errorf("%w: recipient must be an EVM or Solana address", ErrInvalidConfig)
	}
	if !validation.IsPositiveAmount(c.Price) {
		return fmt.Errorf("%w: price must be positive", ErrInvalidConfig)
	}
	if c.Network == "" {
		return fmt.Errorf("%w: network is required", ErrInvalidConfig)
	}
	if c.MaxTimeoutSeconds <= 0 || c.PaymentRetention <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	return nil
}

// Components are the four stores the engine drives.
type Components struct {
	Sessions *session.Manager
	Verifier *verifier.Verifier
	Queue    *queue.Queue
	Audit    *audit.Log
}

type funding struct {
	SessionID string
	AgentID   string
	Wallet    string
}

// Engine is the protocol orchestrator.
type Engine struct {
	sessions *session.Manager
	verifier *verifier.Verifier
	queue    *queue.Queue
	audit    *audit.Log
	settler  Settler
	proofs   ProofVerifier
	breaker  *circuitbreaker.Breaker

	mu         sync.RWMutex
	cfg        Config
	funded     map[string]funding // signature → session it opened
	sessionSig map[string]string  // live session → funding signature
	connected  map[string]struct{}
	escrows    map[string]*Escrow

	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithProofVerifier installs cryptographic proof checking. Without one
// proofs are checked structurally only.
func WithProofVerifier(pv ProofVerifier) Option {
	return func(e *Engine) { e.proofs = pv }
}

// WithBreaker replaces the per-agent settlement circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(e *Engine) { e.breaker = b }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logging.Component(logger, "protocol") }
}

// New wires an engine over the given components and registers the hooks
// that audit session terminations and verification outcomes.
func New(c Components, settler Settler, cfg Config, opts ...Option) (*Engine, error) {
	if c.Sessions == nil || c.Verifier == nil || c.Queue == nil || c.Audit == nil || settler == nil {
		return nil, fmt.Errorf("%w: all components and a settler are required", ErrInvalidConfig)
	}
	if cfg.MaxTimeoutSeconds == 0 {
		cfg.MaxTimeoutSeconds = DefaultMaxTimeoutSeconds
	}
	if cfg.PaymentRetention == 0 {
		cfg.PaymentRetention = DefaultPaymentRetention
	}
	cfg.Recipient = validation.SanitizeAddress(cfg.Recipient)
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		sessions:   c.Sessions,
		verifier:   c.Verifier,
		queue:      c.Queue,
		audit:      c.Audit,
		settler:    settler,
		cfg:        cfg,
		funded:     make(map[string]funding),
		sessionSig: make(map[string]string),
		connected:  make(map[string]struct{}),
		escrows:    make(map[string]*Escrow),
		now:        time.Now,
		logger:     logging.Component(slog.Default(), "protocol"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breaker == nil {
		e.breaker = circuitbreaker.New(5, 30*time.Second, circuitbreaker.WithClock(e.now))
	}

	e.sessions.OnTerminate(e.onSessionTerminated)
	e.verifier.OnTransition(e.onVerification)
	return e, nil
}

// Config returns the current payment terms.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// record appends an audit entry. The action set is closed and every call
// site passes a constant, so a failure here is a programming error and is
// logged rather than surfaced to the caller.
func (e *Engine) record(ctx context.Context, action audit.Action, wallet string, details map[string]any, opts ...audit.RecordOption) {
	if _, err := e.audit.Record(ctx, action, wallet, details, opts...); err != nil {
		e.logger.Error("audit record failed", "action", action, "wallet", wallet, "error", err)
	}
}

func (e *Engine) onSessionTerminated(ctx context.Context, t session.Terminated) {
	s := t.Session
	e.mu.Lock()
	sig := e.sessionSig[s.ID]
	delete(e.sessionSig, s.ID)
	e.mu.Unlock()

	details := map[string]any{
		"sessionId":      s.ID,
		"reason":         string(t.Reason),
		"durationMs":     t.Duration.Milliseconds(),
		"executionCount": s.ExecutionCount,
		"totalSpent":     s.TotalSpent,
	}
	if sig != "" {
		details["signature"] = sig
	}
	e.record(ctx, audit.ActionSessionTerminated, s.WalletAddr, details,
		audit.WithAgent(s.AgentID), audit.WithResource(s.AgentID))
}
