package protocol

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/paymeter/internal/audit"
	"github.com/mbd888/paymeter/internal/idgen"
	"github.com/mbd888/paymeter/internal/validation"
)

// EscrowStatus is the state of a held payment.
type EscrowStatus string

const (
	EscrowOpen     EscrowStatus = "open"
	EscrowReleased EscrowStatus = "released"
	EscrowDisputed EscrowStatus = "disputed"
)

// Escrow is a held-but-not-yet-released payment. Fund movement happens on
// the settlement network; the engine tracks the state so each transition
// is audited once.
type Escrow struct {
	ID         string       `json:"id"`
	WalletAddr string       `json:"walletAddress"`
	AgentID    string       `json:"agentId"`
	Amount     float64      `json:"amount"`
	Status     EscrowStatus `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	ResolvedAt *time.Time   `json:"resolvedAt,omitempty"`
}

func (es *Escrow) clone() *Escrow {
	cp := *es
	if es.ResolvedAt != nil {
		t := *es.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// OpenEscrow records a payment held for agentID on wallet's behalf.
func (e *Engine) OpenEscrow(ctx context.Context, wallet, agentID string, amount float64) (*Escrow, error) {
	wallet = validation.SanitizeAddress(wallet)
	agentID = strings.TrimSpace(agentID)
	if !validation.IsValidAddress(wallet) || agentID == "" {
		return nil, fmt.Errorf("%w: valid wallet and agent id are required", ErrInvalidRequest)
	}
	if !validation.IsPositiveAmount(amount) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	es := &Escrow{
		ID:         idgen.WithPrefix(idgen.PrefixEscrow),
		WalletAddr: wallet,
		AgentID:    agentID,
		Amount:     amount,
		Status:     EscrowOpen,
		CreatedAt:  e.now(),
	}
	e.mu.Lock()
	e.escrows[es.ID] = es
	out := es.clone()
	e.mu.Unlock()

	e.record(ctx, audit.ActionEscrowCreated, wallet, map[string]any{
		"escrowId": es.ID,
		"amount":   amount,
	}, audit.WithAgent(agentID), audit.WithResource(es.ID))
	return out, nil
}

// ReleaseEscrow releases an open escrow to the agent.
func (e *Engine) ReleaseEscrow(ctx context.Context, id string) (*Escrow, error) {
	return e.resolveEscrow(ctx, id, EscrowReleased, "")
}

// DisputeEscrow flags an open escrow as disputed by the payer.
func (e *Engine) DisputeEscrow(ctx context.Context, id, reason string) (*Escrow, error) {
	reason = validation.SanitizeString(reason, 500)
	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", ErrInvalidRequest)
	}
	return e.resolveEscrow(ctx, id, EscrowDisputed, reason)
}

func (e *Engine) resolveEscrow(ctx context.Context, id string, to EscrowStatus, reason string) (*Escrow, error) {
	e.mu.Lock()
	es, ok := e.escrows[id]
	if !ok {
		e.mu.Unlock()
		return nil, ErrEscrowNotFound
	}
	if es.Status != EscrowOpen {
		e.mu.Unlock()
		return nil, ErrEscrowResolved
	}
	now := e.now()
	es.Status = to
	es.Reason = reason
	es.ResolvedAt = &now
	out := es.clone()
	e.mu.Unlock()

	action := audit.ActionEscrowReleased
	details := map[string]any{
		"escrowId":  out.ID,
		"amount":    out.Amount,
		"heldForMs": now.Sub(out.CreatedAt).Milliseconds(),
	}
	if to == EscrowDisputed {
		action = audit.ActionEscrowDisputed
		details["reason"] = reason
	}
	e.record(ctx, action, out.WalletAddr, details, audit.WithAgent(out.AgentID), audit.WithResource(out.ID))
	return out, nil
}

// GetEscrow returns a copy of the escrow.
func (e *Engine) GetEscrow(id string) (*Escrow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	es, ok := e.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return es.clone(), nil
}

// WalletEscrows lists a wallet's escrows, oldest first.
func (e *Engine) WalletEscrows(wallet string) []*Escrow {
	wallet = validation.SanitizeAddress(wallet)
	e.mu.RLock()
	var out []*Escrow
	for _, es := range e.escrows {
		if es.WalletAddr == wallet {
			out = append(out, es.clone())
		}
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
