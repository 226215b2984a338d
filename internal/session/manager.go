package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/paymeter/internal/idgen"
	"github.com/mbd888/paymeter/internal/logging"
)

// Defaults
const (
	DefaultTTL                  = time.Hour
	DefaultMaxSessionsPerWallet = 5
)

// TerminateHook observes every session that ends, whatever the reason.
type TerminateHook func(ctx context.Context, t Terminated)

// Manager owns all live sessions. It is safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byWallet map[string][]string // session ids in insertion order
	nextSeq  uint64

	created     int64
	terminated  int64
	evicted     int64
	expired     int64
	avgDuration time.Duration

	ttl          time.Duration
	maxPerWallet int
	now          func() time.Time
	logger       *slog.Logger
	hooks        []TerminateHook
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the sliding session lifetime.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithMaxSessionsPerWallet sets the per-wallet concurrency cap.
func WithMaxSessionsPerWallet(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxPerWallet = n
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logging.Component(logger, "session") }
}

// WithTerminateHook registers a hook run for every terminated session.
func WithTerminateHook(h TerminateHook) Option {
	return func(m *Manager) { m.hooks = append(m.hooks, h) }
}

// NewManager creates an empty session manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions:     make(map[string]*Session),
		byWallet:     make(map[string][]string),
		ttl:          DefaultTTL,
		maxPerWallet: DefaultMaxSessionsPerWallet,
		now:          time.Now,
		logger:       logging.Component(slog.Default(), "session"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnTerminate registers a hook after construction.
func (m *Manager) OnTerminate(h TerminateHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

// Create opens a session for wallet on agentID. If the wallet already holds
// the maximum number of live sessions, its oldest one is evicted first.
// With no permissions given, the session may execute agentID and read
// everything.
func (m *Manager) Create(ctx context.Context, wallet, agentID string, perms []Permission) (*Session, error) {
	wallet = strings.TrimSpace(wallet)
	agentID = strings.TrimSpace(agentID)
	if wallet == "" || agentID == "" {
		return nil, ErrInvalidRequest
	}
	for _, p := range perms {
		if !p.Action.Valid() || p.Resource == "" {
			return nil, ErrInvalidRequest
		}
	}

	now := m.now()
	if len(perms) == 0 {
		perms = []Permission{
			{Action: ActionExecute, Resource: agentID},
			{Action: ActionRead, Resource: WildcardResource},
		}
	}
	granted := make([]Permission, len(perms))
	for i, p := range perms {
		granted[i] = Permission{Action: p.Action, Resource: p.Resource, GrantedAt: now}
	}

	s := &Session{
		ID:            idgen.WithPrefix(idgen.PrefixSession),
		WalletAddr:    wallet,
		AgentID:       agentID,
		CreatedAt:     now,
		LastActivity:  now,
		ExpiresAt:     now.Add(m.ttl),
		Authenticated: true,
		Permissions:   granted,
	}

	m.mu.Lock()
	var ended []Terminated
	// Expired sessions don't count against the cap.
	for _, id := range append([]string(nil), m.byWallet[wallet]...) {
		if old := m.sessions[id]; old != nil && old.IsExpired(now) {
			ended = append(ended, m.removeLocked(old, ReasonExpired, now))
		}
	}
	if ids := m.byWallet[wallet]; len(ids) >= m.maxPerWallet {
		if oldest := m.oldestLocked(ids); oldest != nil {
			ended = append(ended, m.removeLocked(oldest, ReasonEvicted, now))
		}
	}

	m.nextSeq++
	s.seq = m.nextSeq
	m.sessions[s.ID] = s
	m.byWallet[wallet] = append(m.byWallet[wallet], s.ID)
	m.created++
	active := len(m.sessions)
	out := s.clone()
	m.mu.Unlock()

	sessionsCreated.Inc()
	activeSessions.Set(float64(active))
	m.logger.Info("session created", "sessionId", s.ID, "wallet", wallet, "agentId", agentID)
	m.notify(ctx, ended)
	return out, nil
}

// oldestLocked returns the session with the earliest CreatedAt, ties broken
// by insertion order.
func (m *Manager) oldestLocked(ids []string) *Session {
	var oldest *Session
	for _, id := range ids {
		s := m.sessions[id]
		if s == nil {
			continue
		}
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) ||
			(s.CreatedAt.Equal(oldest.CreatedAt) && s.seq < oldest.seq) {
			oldest = s
		}
	}
	return oldest
}

// removeLocked drops s from both indexes and folds its lifetime into the
// rolling average. Caller must hold m.mu.
func (m *Manager) removeLocked(s *Session, reason TerminationReason, now time.Time) Terminated {
	delete(m.sessions, s.ID)
	ids := m.byWallet[s.WalletAddr]
	for i, id := range ids {
		if id == s.ID {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(m.byWallet, s.WalletAddr)
	} else {
		m.byWallet[s.WalletAddr] = ids
	}

	end := now
	if reason == ReasonExpired && s.ExpiresAt.Before(now) {
		end = s.ExpiresAt
	}
	d := end.Sub(s.CreatedAt)
	m.terminated++
	m.avgDuration += (d - m.avgDuration) / time.Duration(m.terminated)
	switch reason {
	case ReasonEvicted:
		m.evicted++
	case ReasonExpired:
		m.expired++
	}
	return Terminated{Session: s.clone(), Reason: reason, Duration: d}
}

// notify updates metrics and runs hooks for ended sessions. Must be called
// without m.mu held.
func (m *Manager) notify(ctx context.Context, ended []Terminated) {
	if len(ended) == 0 {
		return
	}
	m.mu.RLock()
	hooks := m.hooks
	active := len(m.sessions)
	m.mu.RUnlock()

	activeSessions.Set(float64(active))
	for _, t := range ended {
		sessionsTerminated.WithLabelValues(string(t.Reason)).Inc()
		sessionDuration.Observe(t.Duration.Seconds())
		m.logger.Info("session terminated", "sessionId", t.Session.ID, "wallet", t.Session.WalletAddr, "reason", t.Reason)
		for _, h := range hooks {
			h(ctx, t)
		}
	}
}

// lookup returns the live session for id, lazily terminating it if expired.
func (m *Manager) lookup(ctx context.Context, id string, fn func(s *Session, now time.Time)) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	now := m.now()
	if s.IsExpired(now) {
		t := m.removeLocked(s, ReasonExpired, now)
		m.mu.Unlock()
		m.notify(ctx, []Terminated{t})
		return nil, ErrSessionNotFound
	}
	if fn != nil {
		fn(s, now)
	}
	out := s.clone()
	m.mu.Unlock()
	return out, nil
}

// Get returns a copy of the session. Missing and expired sessions are both
// ErrSessionNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.lookup(ctx, id, nil)
}

// Touch slides the session's expiry forward from now.
func (m *Manager) Touch(ctx context.Context, id string) error {
	_, err := m.lookup(ctx, id, m.touchLocked)
	return err
}

func (m *Manager) touchLocked(s *Session, now time.Time) {
	s.LastActivity = now
	s.ExpiresAt = now.Add(m.ttl)
}

// RecordExecution counts one paid call against the session and touches it.
func (m *Manager) RecordExecution(ctx context.Context, id string, amount float64) error {
	_, err := m.lookup(ctx, id, func(s *Session, now time.Time) {
		s.ExecutionCount++
		s.TotalSpent += amount
		m.touchLocked(s, now)
	})
	return err
}

// CheckPermission reports whether the session is live, authenticated, and
// holds a grant for action on resource (exactly or by wildcard).
func (m *Manager) CheckPermission(ctx context.Context, id string, action Action, resource string) bool {
	s, err := m.Get(ctx, id)
	if err != nil {
		return false
	}
	return s.Authenticated && s.HasPermission(action, resource)
}

// Grant adds a permission to a live session. Granting one it already holds
// is a no-op that reports false.
func (m *Manager) Grant(ctx context.Context, id string, action Action, resource string) (bool, error) {
	if !action.Valid() || resource == "" {
		return false, ErrInvalidRequest
	}
	added := false
	_, err := m.lookup(ctx, id, func(s *Session, now time.Time) {
		for _, p := range s.Permissions {
			if p.Action == action && p.Resource == resource {
				return
			}
		}
		s.Permissions = append(s.Permissions, Permission{Action: action, Resource: resource, GrantedAt: now})
		added = true
	})
	return added, err
}

// Revoke removes an exact permission from a live session and reports
// whether it was held.
func (m *Manager) Revoke(ctx context.Context, id string, action Action, resource string) (bool, error) {
	removed := false
	_, err := m.lookup(ctx, id, func(s *Session, _ time.Time) {
		kept := s.Permissions[:0]
		for _, p := range s.Permissions {
			if p.Action == action && p.Resource == resource {
				removed = true
				continue
			}
			kept = append(kept, p)
		}
		s.Permissions = kept
	})
	return removed, err
}

// Terminate ends a session explicitly.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	return m.TerminateWithReason(ctx, id, ReasonClient)
}

// TerminateWithReason ends a session and tags the termination.
func (m *Manager) TerminateWithReason(ctx context.Context, id string, reason TerminationReason) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	now := m.now()
	if s.IsExpired(now) {
		reason = ReasonExpired
	}
	t := m.removeLocked(s, reason, now)
	m.mu.Unlock()

	m.notify(ctx, []Terminated{t})
	if reason == ReasonExpired {
		return ErrSessionNotFound
	}
	return nil
}

// TerminateAllForWallet ends every session the wallet holds and returns how
// many were live.
func (m *Manager) TerminateAllForWallet(ctx context.Context, wallet string) int {
	m.mu.Lock()
	now := m.now()
	var ended []Terminated
	live := 0
	for _, id := range append([]string(nil), m.byWallet[wallet]...) {
		s := m.sessions[id]
		if s == nil {
			continue
		}
		reason := ReasonWallet
		if s.IsExpired(now) {
			reason = ReasonExpired
		} else {
			live++
		}
		ended = append(ended, m.removeLocked(s, reason, now))
	}
	m.mu.Unlock()

	m.notify(ctx, ended)
	return live
}

// WalletSessions returns the wallet's live sessions, oldest first. Expired
// ones are terminated on the way.
func (m *Manager) WalletSessions(ctx context.Context, wallet string) []*Session {
	m.mu.Lock()
	now := m.now()
	var ended []Terminated
	out := make([]*Session, 0)
	for _, id := range append([]string(nil), m.byWallet[wallet]...) {
		s := m.sessions[id]
		if s == nil {
			continue
		}
		if s.IsExpired(now) {
			ended = append(ended, m.removeLocked(s, ReasonExpired, now))
			continue
		}
		out = append(out, s.clone())
	}
	m.mu.Unlock()

	m.notify(ctx, ended)
	return out
}

// FindActive returns the newest live session the wallet holds for agentID.
func (m *Manager) FindActive(ctx context.Context, wallet, agentID string) (*Session, error) {
	sessions := m.WalletSessions(ctx, wallet)
	for i := len(sessions) - 1; i >= 0; i-- {
		if sessions[i].AgentID == agentID {
			return sessions[i], nil
		}
	}
	return nil, ErrSessionNotFound
}

// SweepExpired terminates every expired session and returns the count.
func (m *Manager) SweepExpired(ctx context.Context) int {
	m.mu.Lock()
	now := m.now()
	var ended []Terminated
	for _, s := range m.sessions {
		if s.IsExpired(now) {
			ended = append(ended, m.removeLocked(s, ReasonExpired, now))
		}
	}
	m.mu.Unlock()

	m.notify(ctx, ended)
	return len(ended)
}

// Len returns the number of tracked sessions, including expired ones not
// yet swept.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stats returns lifetime counters and the rolling average duration.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Active:          len(m.sessions),
		Created:         m.created,
		Terminated:      m.terminated,
		Evicted:         m.evicted,
		Expired:         m.expired,
		AverageDuration: m.avgDuration,
	}
}
