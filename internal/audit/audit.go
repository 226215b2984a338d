// Package audit provides the append-only, hash-chained ledger of every
// protocol event: session and payment transitions, escrow disputes,
// permission changes and configuration updates.
//
// Each entry's hash covers its content and the previous entry's hash, so any
// edit, deletion or reordering is detectable by re-walking the chain from
// its anchor. Retention pruning archives the dropped prefix first and then
// re-anchors the chain at the first retained entry.
package audit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownAction    = errors.New("audit: unknown action")
	ErrEntryNotFound    = errors.New("audit: entry not found")
	ErrArchiveFailed    = errors.New("audit: archive failed, nothing pruned")
	ErrInvalidReplay    = errors.New("audit: replay entries are not contiguous")
	ErrInvalidTimeRange = errors.New("audit: end time before start time")
	ErrChainTampered    = errors.New("audit: stored chain does not re-hash")
)

// Action is the closed set of auditable protocol events.
type Action string

const (
	ActionPaymentInitiated   Action = "payment.initiated"
	ActionPaymentCompleted   Action = "payment.completed"
	ActionPaymentFailed      Action = "payment.failed"
	ActionSessionCreated     Action = "session.created"
	ActionSessionTerminated  Action = "session.terminated"
	ActionEscrowCreated      Action = "escrow.created"
	ActionEscrowReleased     Action = "escrow.released"
	ActionEscrowDisputed     Action = "escrow.disputed"
	ActionWalletConnected    Action = "wallet.connected"
	ActionWalletDisconnected Action = "wallet.disconnected"
	ActionPermissionGranted  Action = "permission.granted"
	ActionPermissionRevoked  Action = "permission.revoked"
	ActionConfigUpdated      Action = "config.updated"
)

// Severity classifies how much operator attention an entry deserves.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var actionSeverity = map[Action]Severity{
	ActionPaymentInitiated:   SeverityInfo,
	ActionPaymentCompleted:   SeverityInfo,
	ActionPaymentFailed:      SeverityWarning,
	ActionSessionCreated:     SeverityInfo,
	ActionSessionTerminated:  SeverityInfo,
	ActionEscrowCreated:      SeverityInfo,
	ActionEscrowReleased:     SeverityInfo,
	ActionEscrowDisputed:     SeverityWarning,
	ActionWalletConnected:    SeverityInfo,
	ActionWalletDisconnected: SeverityInfo,
	ActionPermissionGranted:  SeverityInfo,
	ActionPermissionRevoked:  SeverityWarning,
	ActionConfigUpdated:      SeverityCritical,
}

// Valid reports whether a is one of the enumerated actions.
func (a Action) Valid() bool {
	_, ok := actionSeverity[a]
	return ok
}

// DefaultSeverity returns the fixed severity for a, or info for unknown actions.
func (a Action) DefaultSeverity() Severity {
	if s, ok := actionSeverity[a]; ok {
		return s
	}
	return SeverityInfo
}

// Actions lists every enumerated action.
func Actions() []Action {
	return []Action{
		ActionPaymentInitiated, ActionPaymentCompleted, ActionPaymentFailed,
		ActionSessionCreated, ActionSessionTerminated,
		ActionEscrowCreated, ActionEscrowReleased, ActionEscrowDisputed,
		ActionWalletConnected, ActionWalletDisconnected,
		ActionPermissionGranted, ActionPermissionRevoked,
		ActionConfigUpdated,
	}
}

// NetworkInfo is the optional request metadata attached to an entry.
type NetworkInfo struct {
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Entry is one immutable, hash-linked audit record.
type Entry struct {
	ID           string         `json:"id"`
	Seq          int64          `json:"seq"`
	Timestamp    time.Time      `json:"timestamp"`
	Action       Action         `json:"action"`
	Severity     Severity       `json:"severity"`
	WalletAddr   string         `json:"walletAddress"`
	AgentID      string         `json:"agentId,omitempty"`
	ResourceID   string         `json:"resourceId,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Network      *NetworkInfo   `json:"network,omitempty"`
	PreviousHash string         `json:"previousHash"`
	Hash         string         `json:"hash"`
}

// clone returns a copy that shares nothing mutable with e.
func (e *Entry) clone() *Entry {
	cp := *e
	if e.Details != nil {
		cp.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			cp.Details[k] = v
		}
	}
	if e.Network != nil {
		n := *e.Network
		cp.Network = &n
	}
	return &cp
}

// Anchor is the hash the chain currently starts from: the genesis hash
// until the first prune, then the hash of the last pruned entry.
type Anchor struct {
	Hash string    `json:"hash"`
	Seq  int64     `json:"seq"` // seq of the last pruned entry, 0 at genesis
	At   time.Time `json:"at"`
}

// Filter selects entries for Query. Zero values mean "no constraint".
type Filter struct {
	WalletAddr string
	AgentID    string
	Action     Action
	Severity   Severity
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
	Offset     int
	// BeforeSeq, when set, keeps only entries older than this sequence
	// number (cursor paging).
	BeforeSeq int64
}

// Query paging bounds.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// IntegrityResult is the outcome of walking the chain.
type IntegrityResult struct {
	Valid    bool   `json:"valid"`
	BrokenAt string `json:"brokenAt,omitempty"`
	Checked  int    `json:"checked"`
	Anchor   Anchor `json:"anchor"`
}

// Metrics summarises the log.
type Metrics struct {
	TotalEntries    int              `json:"totalEntries"`
	ByAction        map[Action]int   `json:"byAction"`
	BySeverity      map[Severity]int `json:"bySeverity"`
	DistinctWallets int              `json:"distinctWallets"`
	PrunedEntries   int64            `json:"prunedEntries"`
	Integrity       IntegrityResult  `json:"integrity"`
}

// ComplianceReport aggregates one wallet's activity within a window.
type ComplianceReport struct {
	WalletAddr         string    `json:"walletAddress"`
	Start              time.Time `json:"start"`
	End                time.Time `json:"end"`
	SuccessfulPayments int       `json:"successfulPayments"`
	FailedPayments     int       `json:"failedPayments"`
	DisputedEscrows    int       `json:"disputedEscrows"`
	SessionsCreated    int       `json:"sessionsCreated"`
	TotalVolume        float64   `json:"totalVolume"`
	FailureRate        float64   `json:"failureRate"`
	DisputeRate        float64   `json:"disputeRate"`
	RiskScore          float64   `json:"riskScore"`
	GeneratedAt        time.Time `json:"generatedAt"`
}

// Sink receives every appended entry after it is linked into the chain.
// Sinks run outside the log's lock; a failing sink is logged, never fatal.
type Sink interface {
	Append(ctx context.Context, entry *Entry) error
}

// Archiver stores a pruned prefix before it leaves memory.
type Archiver interface {
	Archive(ctx context.Context, entries []*Entry) error
}
