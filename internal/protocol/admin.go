package protocol

import (
	"context"

	"github.com/mbd888/paymeter/internal/audit"
	"github.com/mbd888/paymeter/internal/session"
	"github.com/mbd888/paymeter/internal/validation"
)

// TerminateSession ends a session at the caller's request. The
// session.terminated entry is written by the termination hook.
func (e *Engine) TerminateSession(ctx context.Context, sessionID string) error {
	return e.sessions.TerminateWithReason(ctx, sessionID, session.ReasonClient)
}

// GrantPermission adds a grant to a live session. Granting one it already
// holds is a no-op and is not audited.
func (e *Engine) GrantPermission(ctx context.Context, sessionID string, action session.Action, resource string) error {
	return e.changePermission(ctx, sessionID, action, resource, true)
}

// RevokePermission removes a grant from a live session.
func (e *Engine) RevokePermission(ctx context.Context, sessionID string, action session.Action, resource string) error {
	return e.changePermission(ctx, sessionID, action, resource, false)
}

func (e *Engine) changePermission(ctx context.Context, sessionID string, action session.Action, resource string, grant bool) error {
	var (
		changed bool
		err     error
	)
	if grant {
		changed, err = e.sessions.Grant(ctx, sessionID, action, resource)
	} else {
		changed, err = e.sessions.Revoke(ctx, sessionID, action, resource)
	}
	if err != nil || !changed {
		return err
	}

	s, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	act := audit.ActionPermissionGranted
	if !grant {
		act = audit.ActionPermissionRevoked
	}
	e.record(ctx, act, s.WalletAddr, map[string]any{
		"sessionId":  sessionID,
		"permission": string(action),
		"resource":   resource,
	}, audit.WithAgent(s.AgentID), audit.WithResource(resource))
	return nil
}

// DisconnectWallet terminates every session the wallet holds and records
// the disconnect. It returns the number of sessions ended.
func (e *Engine) DisconnectWallet(ctx context.Context, wallet string) int {
	wallet = validation.SanitizeAddress(wallet)
	n := e.sessions.TerminateAllForWallet(ctx, wallet)

	e.mu.Lock()
	_, was := e.connected[wallet]
	delete(e.connected, wallet)
	e.mu.Unlock()

	if was || n > 0 {
		e.record(ctx, audit.ActionWalletDisconnected, wallet, map[string]any{
			"sessionsTerminated": n,
		})
	}
	return n
}

// ConfigUpdate changes a subset of the payment terms. Nil fields are left
// as they are.
type ConfigUpdate struct {
	Recipient         *string  `json:"recipient,omitempty"`
	Network           *string  `json:"network,omitempty"`
	Asset             *string  `json:"asset,omitempty"`
	Price             *float64 `json:"price,omitempty"`
	MaxTimeoutSeconds *int     `json:"maxTimeoutSeconds,omitempty"`
}

// UpdateConfig applies u atomically and audits each changed field with
// its old and new value under actor's name.
func (e *Engine) UpdateConfig(ctx context.Context, actor string, u ConfigUpdate) (Config, error) {
	e.mu.Lock()
	old := e.cfg
	next := old
	if u.Recipient != nil {
		next.Recipient = validation.SanitizeAddress(*u.Recipient)
	}
	if u.Network != nil {
		next.Network = *u.Network
	}
	if u.Asset != nil {
		next.Asset = *u.Asset
	}
	if u.Price != nil {
		next.Price = *u.Price
	}
	if u.MaxTimeoutSeconds != nil {
		next.MaxTimeoutSeconds = *u.MaxTimeoutSeconds
	}
	if err := next.validate(); err != nil {
		e.mu.Unlock()
		return old, err
	}
	e.cfg = next
	e.mu.Unlock()

	changes := map[string]any{}
	diff := func(field string, before, after any) {
		if before != after {
			changes[field] = map[string]any{"old": before, "new": after}
		}
	}
	diff("recipient", old.Recipient, next.Recipient)
	diff("network", old.Network, next.Network)
	diff("asset", old.Asset, next.Asset)
	diff("price", old.Price, next.Price)
	diff("maxTimeoutSeconds", old.MaxTimeoutSeconds, next.MaxTimeoutSeconds)
	if len(changes) == 0 {
		return next, nil
	}

	if actor == "" {
		actor = "operator"
	}
	e.record(ctx, audit.ActionConfigUpdated, actor, map[string]any{"changes": changes})
	e.logger.Warn("payment terms updated", "actor", actor, "fields", len(changes))
	return next, nil
}
