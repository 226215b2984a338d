// Package session manages time-bounded, revocable grants that let a wallet
// call a metered agent resource.
//
// Lifecycle:
//  1. Create: caps concurrent sessions per wallet by evicting the oldest
//  2. Touch / RecordExecution: every successful use slides the expiry window
//  3. Expiry: lazily on read, or by the periodic sweep
//  4. Terminate: explicit, per wallet, on eviction, or on expiry
package session

import (
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrInvalidRequest  = errors.New("session: invalid request")
)

// Action is a capability a session may be granted on a resource.
type Action string

const (
	ActionExecute Action = "execute"
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionAdmin   Action = "admin"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionExecute, ActionRead, ActionWrite, ActionAdmin:
		return true
	}
	return false
}

// WildcardResource matches every resource.
const WildcardResource = "*"

// Permission grants Action on Resource.
type Permission struct {
	Action    Action    `json:"action"`
	Resource  string    `json:"resource"`
	GrantedAt time.Time `json:"grantedAt"`
}

func (p Permission) allows(action Action, resource string) bool {
	return p.Action == action && (p.Resource == resource || p.Resource == WildcardResource)
}

// TerminationReason records why a session ended.
type TerminationReason string

const (
	ReasonClient  TerminationReason = "client"
	ReasonWallet  TerminationReason = "wallet"
	ReasonEvicted TerminationReason = "evicted"
	ReasonExpired TerminationReason = "expired"
	ReasonRevoked TerminationReason = "payment_revoked"
)

// Session is an authenticated wallet's access grant for one agent.
type Session struct {
	ID             string       `json:"id,omitempty"`
	WalletAddr     string       `json:"walletAddress"`
	AgentID        string       `json:"agentId"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastActivity   time.Time    `json:"lastActivity"`
	ExpiresAt      time.Time    `json:"expiresAt"`
	Authenticated  bool         `json:"authenticated"`
	Permissions    []Permission `json:"permissions"`
	ExecutionCount int64        `json:"executionCount"`
	TotalSpent     float64      `json:"totalSpent"`

	seq uint64 // insertion order, breaks CreatedAt ties on eviction
}

// IsExpired reports whether s has passed its expiry at now.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// HasPermission reports whether s holds a grant for action on resource.
func (s *Session) HasPermission(action Action, resource string) bool {
	for _, p := range s.Permissions {
		if p.allows(action, resource) {
			return true
		}
	}
	return false
}

// Redacted returns a copy without the bearer id, for read models shown to
// anyone other than the holder.
func (s *Session) Redacted() *Session {
	cp := s.clone()
	cp.ID = ""
	return cp
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Permissions = append([]Permission(nil), s.Permissions...)
	return &cp
}

// Stats summarises the manager's lifetime activity.
type Stats struct {
	Active          int           `json:"active"`
	Created         int64         `json:"created"`
	Terminated      int64         `json:"terminated"`
	Evicted         int64         `json:"evicted"`
	Expired         int64         `json:"expired"`
	AverageDuration time.Duration `json:"averageDurationNs"`
}

// Terminated describes a session that just ended. It is handed to
// termination hooks after the manager's lock is released.
type Terminated struct {
	Session  *Session
	Reason   TerminationReason
	Duration time.Duration
}
