package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/paymeter/internal/audit"
	"github.com/mbd888/paymeter/internal/metrics"
	"github.com/mbd888/paymeter/internal/queue"
	"github.com/mbd888/paymeter/internal/session"
	"github.com/mbd888/paymeter/internal/traces"
	"github.com/mbd888/paymeter/internal/validation"
	"github.com/mbd888/paymeter/internal/verifier"
)

// AdmitRequest is one metered call presenting a payment proof.
type AdmitRequest struct {
	Proof    *Proof
	AgentID  string
	Resource string
	Price    float64 // zero quotes the configured price
	Network  audit.NetworkInfo
}

// Admission is the outcome of a successful Admit.
type Admission struct {
	Session      *session.Session `json:"session"`
	Verification *verifier.Record `json:"verification,omitempty"`
}

// Admit grants access for the proof's wallet on AgentID. Every proof is
// checked against the payment terms, submitted for on-chain verification,
// and opens its own session. A live session is only ever reached through
// its id, so a proof naming someone else's wallet cannot pick one up.
func (e *Engine) Admit(ctx context.Context, req AdmitRequest) (*Admission, error) {
	if req.Proof == nil {
		return nil, ErrProofRequired
	}
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrInvalidRequest)
	}
	wallet := validation.SanitizeAddress(req.Proof.Payload.From)

	ctx, span := traces.StartSpan(ctx, "protocol.Admit", traces.Wallet(wallet), traces.AgentID(agentID))
	defer span.End()

	adm, err := e.admitNew(ctx, wallet, agentID, req)
	if err != nil {
		metrics.AdmissionsTotal.WithLabelValues("rejected").Inc()
		traces.Fail(span, err)
		return nil, err
	}
	metrics.AdmissionsTotal.WithLabelValues("new_session").Inc()
	return adm, nil
}

func (e *Engine) admitNew(ctx context.Context, wallet, agentID string, req AdmitRequest) (*Admission, error) {
	cfg := e.Config()
	price := req.Price
	if price <= 0 {
		price = cfg.Price
	}
	proof := req.Proof

	if !networkMatches(proof.Network, cfg.Network) {
		return nil, fmt.Errorf("%w: %s", ErrWrongNetwork, proof.Network)
	}
	if validation.SanitizeAddress(proof.Payload.To) != cfg.Recipient {
		return nil, ErrWrongRecipient
	}
	amount, err := proof.AmountValue()
	if err != nil || amount <= 0 {
		return nil, fmt.Errorf("%w: bad amount", ErrInvalidProof)
	}
	if amount+verifier.AmountTolerance < price {
		return nil, fmt.Errorf("%w: paid %s, price %s", ErrInsufficientPayment, formatAmount(amount), formatAmount(price))
	}
	if e.proofs != nil {
		if err := e.proofs.VerifyProof(ctx, proof); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProofRejected, err)
		}
	}

	rec, err := e.verifier.Submit(ctx, verifier.SubmitRequest{
		Signature:         proof.Payload.Signature,
		ExpectedAmount:    amount,
		ExpectedRecipient: cfg.Recipient,
		ExpectedSender:    wallet,
	})
	switch {
	case errors.Is(err, verifier.ErrDuplicateSignature):
		return nil, ErrProofReplayed
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	s, err := e.sessions.Create(ctx, wallet, agentID, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	e.mu.Lock()
	e.funded[rec.Signature] = funding{SessionID: s.ID, AgentID: agentID, Wallet: wallet}
	e.sessionSig[s.ID] = rec.Signature
	_, seen := e.connected[wallet]
	e.connected[wallet] = struct{}{}
	e.mu.Unlock()

	resource := req.Resource
	if resource == "" {
		resource = agentID
	}
	opts := []audit.RecordOption{
		audit.WithAgent(agentID),
		audit.WithResource(resource),
		audit.WithNetwork(req.Network),
	}
	if !seen {
		e.record(ctx, audit.ActionWalletConnected, wallet, map[string]any{
			"network": proof.Network,
		}, opts...)
	}
	e.record(ctx, audit.ActionSessionCreated, wallet, map[string]any{
		"sessionId": s.ID,
		"expiresAt": s.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}, opts...)
	e.record(ctx, audit.ActionPaymentInitiated, wallet, map[string]any{
		"kind":      "session_funding",
		"signature": rec.Signature,
		"amount":    amount,
		"price":     price,
		"network":   proof.Network,
		"sessionId": s.ID,
	}, opts...)

	e.logger.Info("caller admitted", "wallet", wallet, "agentId", agentID, "sessionId", s.ID, "signature", rec.Signature)
	return &Admission{Session: s, Verification: rec}, nil
}

// Authorize checks that sessionID may perform action on resource and, if
// so, extends the session.
func (e *Engine) Authorize(ctx context.Context, sessionID string, action session.Action, resource string) error {
	if _, err := e.sessions.Get(ctx, sessionID); err != nil {
		return err
	}
	if !e.sessions.CheckPermission(ctx, sessionID, action, resource) {
		return ErrForbidden
	}
	return e.sessions.Touch(ctx, sessionID)
}

// RecordCall meters one granted call: it queues the charge, counts the
// execution against the session and audits the initiated payment.
func (e *Engine) RecordCall(ctx context.Context, sessionID string, amount float64, priority queue.Priority) (*queue.Payment, error) {
	s, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ctx, span := traces.StartSpan(ctx, "protocol.RecordCall",
		traces.SessionID(sessionID), traces.AgentID(s.AgentID), traces.Amount(amount))
	defer span.End()

	sig := e.signatureFor(sessionID)
	p, err := e.queue.Enqueue(ctx, s.WalletAddr, s.AgentID, amount, priority,
		queue.WithSession(sessionID), queue.WithReference(sig))
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	if err := e.sessions.RecordExecution(ctx, sessionID, amount); err != nil {
		// The session ended between Get and here; the charge stands.
		e.logger.Warn("execution not counted", "sessionId", sessionID, "paymentId", p.ID, "error", err)
	}

	e.record(ctx, audit.ActionPaymentInitiated, s.WalletAddr, map[string]any{
		"kind":      "call",
		"paymentId": p.ID,
		"amount":    amount,
		"priority":  string(priority),
		"sessionId": sessionID,
	}, audit.WithAgent(s.AgentID), audit.WithResource(s.AgentID))
	return p, nil
}

func (e *Engine) signatureFor(sessionID string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionSig[sessionID]
}

// CallerStatus answers "is this caller allowed, and did their payment
// clear?" for one wallet and agent.
type CallerStatus struct {
	Allowed      bool             `json:"allowed"`
	Session      *session.Session `json:"session,omitempty"`
	Verification *verifier.Record `json:"verification,omitempty"`
	Cleared      bool             `json:"cleared"`
	Progress     float64          `json:"progress"`
	ETA          time.Duration    `json:"etaNs"`
}

// Status reports the caller's live session, if any, and the verification
// state of the payment that opened it.
func (e *Engine) Status(ctx context.Context, wallet, agentID string) CallerStatus {
	wallet = validation.SanitizeAddress(wallet)
	s, err := e.sessions.FindActive(ctx, wallet, agentID)
	if err != nil {
		return CallerStatus{}
	}
	st := CallerStatus{Allowed: true, Session: s}
	sig := e.signatureFor(s.ID)
	if rec, err := e.verifier.Get(sig); err == nil {
		st.Verification = rec
		st.Cleared = rec.Status == verifier.StatusVerified
		st.Progress, _ = e.verifier.Progress(sig)
		st.ETA, _ = e.verifier.ETA(sig)
	}
	return st
}
