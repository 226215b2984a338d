package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/paymeter/internal/audit"
	"github.com/mbd888/paymeter/internal/circuitbreaker"
	"github.com/mbd888/paymeter/internal/metrics"
	"github.com/mbd888/paymeter/internal/queue"
	"github.com/mbd888/paymeter/internal/session"
	"github.com/mbd888/paymeter/internal/traces"
	"github.com/mbd888/paymeter/internal/verifier"
)

// ProcessBatch takes one batch off the queue and settles each member
// through the settler, guarded by a per-agent circuit breaker. It returns
// the batch with its derived status, or queue.ErrQueueEmpty.
func (e *Engine) ProcessBatch(ctx context.Context) (*queue.Batch, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "protocol.ProcessBatch")
	defer span.End()

	batch, err := e.queue.CreateBatch(ctx)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.BatchID(batch.ID))

	for _, id := range batch.PaymentIDs {
		p, err := e.queue.Get(id)
		if err != nil {
			continue
		}
		e.settleOne(ctx, batch.ID, p)
	}

	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	return e.queue.GetBatch(batch.ID)
}

func (e *Engine) settleOne(ctx context.Context, batchID string, p *queue.Payment) {
	err := ctx.Err()
	if err == nil {
		err = e.breaker.Do(p.AgentID, func() error {
			return e.settler.Settle(ctx, p)
		})
	}

	opts := []audit.RecordOption{audit.WithAgent(p.AgentID), audit.WithResource(p.AgentID)}
	details := map[string]any{
		"paymentId": p.ID,
		"batchId":   batchID,
		"amount":    p.Amount,
		"priority":  string(p.Priority),
	}
	if p.SessionID != "" {
		details["sessionId"] = p.SessionID
	}
	if p.Reference != "" {
		details["signature"] = p.Reference
	}

	if err == nil {
		if _, err := e.queue.MarkCompleted(ctx, p.ID); err != nil {
			e.logger.Error("mark completed failed", "paymentId", p.ID, "error", err)
			return
		}
		metrics.SettlementsTotal.WithLabelValues("settled").Inc()
		e.record(ctx, audit.ActionPaymentCompleted, p.WalletAddr, details, opts...)
		return
	}

	result := "failed"
	if errors.Is(err, circuitbreaker.ErrOpen) {
		result = "circuit_open"
	}
	metrics.SettlementsTotal.WithLabelValues(result).Inc()

	updated, markErr := e.queue.MarkFailed(ctx, p.ID, err.Error())
	if markErr != nil {
		e.logger.Error("mark failed failed", "paymentId", p.ID, "error", markErr)
		return
	}
	details["reason"] = err.Error()
	details["retryCount"] = updated.RetryCount
	details["willRetry"] = updated.Status == queue.StatusPending
	e.record(ctx, audit.ActionPaymentFailed, p.WalletAddr, details, opts...)
}

// ApplyConfirmation reports confirmation depth for a funding signature.
// The transition to verified is audited by the verification hook.
func (e *Engine) ApplyConfirmation(ctx context.Context, sig string, confirmations int, blockHeight, slot uint64) (*verifier.Record, error) {
	ctx, span := traces.StartSpan(ctx, "protocol.ApplyConfirmation", traces.Signature(sig))
	defer span.End()

	if rec, ok := e.verifier.ApplyConfirmations(ctx, sig, confirmations, blockHeight, slot); ok {
		return rec, nil
	}
	return e.notUpdated(sig)
}

// ReportVerificationError reports a failed verification attempt. Once the
// record's retries are spent it fails, which revokes the session it funded.
func (e *Engine) ReportVerificationError(ctx context.Context, sig, code string) (*verifier.Record, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: error code is required", ErrInvalidRequest)
	}
	if rec, ok := e.verifier.Fail(ctx, sig, code); ok {
		return rec, nil
	}
	return e.notUpdated(sig)
}

func (e *Engine) notUpdated(sig string) (*verifier.Record, error) {
	rec, err := e.verifier.Get(sig)
	if err != nil {
		return nil, err
	}
	return rec, ErrTerminal
}

// onVerification audits terminal verification outcomes. A failed or timed
// out payment no longer backs its session, so the session is revoked.
func (e *Engine) onVerification(ctx context.Context, _ verifier.Status, rec *verifier.Record) {
	if !rec.Status.IsTerminal() {
		return
	}
	e.mu.RLock()
	f, known := e.funded[rec.Signature]
	e.mu.RUnlock()

	wallet := rec.ExpectedSender
	details := map[string]any{
		"kind":          "verification",
		"signature":     rec.Signature,
		"amount":        rec.ExpectedAmount,
		"confirmations": rec.Confirmations,
	}
	var opts []audit.RecordOption
	if known {
		details["sessionId"] = f.SessionID
		opts = append(opts, audit.WithAgent(f.AgentID), audit.WithResource(f.AgentID))
	}

	if rec.Status == verifier.StatusVerified {
		details["blockHeight"] = rec.BlockHeight
		details["slot"] = rec.Slot
		if rec.VerifiedAt != nil {
			details["latencyMs"] = rec.VerifiedAt.Sub(rec.SubmittedAt).Milliseconds()
		}
		e.record(ctx, audit.ActionPaymentCompleted, wallet, details, opts...)
		return
	}

	details["reason"] = rec.ErrorCode
	details["retryCount"] = rec.RetryCount
	e.record(ctx, audit.ActionPaymentFailed, wallet, details, opts...)

	if known {
		err := e.sessions.TerminateWithReason(ctx, f.SessionID, session.ReasonRevoked)
		if err == nil {
			e.logger.Warn("session revoked, payment did not settle",
				"sessionId", f.SessionID, "signature", rec.Signature, "status", rec.Status)
		}
	}
}

// SweepResult summarises one Sweep pass.
type SweepResult struct {
	TimedOut        []string `json:"timedOut"`
	ExpiredSessions int      `json:"expiredSessions"`
	CleanedPayments int      `json:"cleanedPayments"`
	PrunedEntries   int      `json:"prunedEntries"`
}

// Sweep runs the periodic maintenance passes in order: verification
// timeouts (revoking the sessions they funded), expired sessions, settled
// payment cleanup and audit retention. A failed audit archive is returned
// after the other passes have run.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := traces.StartSpan(ctx, "protocol.Sweep")
	defer span.End()

	var res SweepResult
	res.TimedOut = e.verifier.CheckTimeouts(ctx)
	res.ExpiredSessions = e.sessions.SweepExpired(ctx)
	res.CleanedPayments = e.queue.Cleanup(ctx, e.Config().PaymentRetention)

	pruned, err := e.audit.CleanupOldEntries(ctx)
	res.PrunedEntries = pruned
	if err != nil {
		traces.Fail(span, err)
		e.logger.Error("audit retention failed", "error", err)
		return res, err
	}
	if len(res.TimedOut) > 0 || res.ExpiredSessions > 0 || pruned > 0 {
		e.logger.Info("sweep complete",
			"timedOut", len(res.TimedOut),
			"expiredSessions", res.ExpiredSessions,
			"cleanedPayments", res.CleanedPayments,
			"prunedEntries", pruned)
	}
	return res, nil
}
