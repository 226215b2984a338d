package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/paymeter/internal/idgen"
	"github.com/mbd888/paymeter/internal/logging"
)

// Log is the in-memory, hash-chained audit ledger. It is safe for
// concurrent use; appends are serialized so the chain order is the
// authoritative order of protocol events.
type Log struct {
	mu          sync.RWMutex
	entries     []*Entry
	byID        map[string]*Entry
	byWallet    map[string][]*Entry
	byAgent     map[string][]*Entry
	anchor      Anchor
	initialized bool
	lastSeq     int64
	pruned      int64

	pruneMu   sync.Mutex
	retention time.Duration
	sinks     []Sink
	archiver  Archiver
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logging.Component(logger, "audit") }
}

// WithRetention sets how long entries are kept before CleanupOldEntries
// prunes them. Zero disables pruning.
func WithRetention(d time.Duration) Option {
	return func(l *Log) { l.retention = d }
}

// WithSink registers a sink that receives every appended entry.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sinks = append(l.sinks, s) }
}

// WithArchiver sets where pruned prefixes are stored before removal.
func WithArchiver(a Archiver) Option {
	return func(l *Log) { l.archiver = a }
}

// WithAnchor starts the chain from an existing hash instead of genesis.
// lastSeq is the sequence number of the entry that hash belongs to.
func WithAnchor(hash string, lastSeq int64) Option {
	return func(l *Log) {
		l.anchor = Anchor{Hash: hash, Seq: lastSeq}
		l.lastSeq = lastSeq
		l.initialized = true
	}
}

// NewLog creates an empty audit log.
func NewLog(opts ...Option) *Log {
	l := &Log{
		byID:     make(map[string]*Entry),
		byWallet: make(map[string][]*Entry),
		byAgent:  make(map[string][]*Entry),
		now:      time.Now,
		logger:   logging.Component(slog.Default(), "audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.initialized && l.anchor.At.IsZero() {
		l.anchor.At = canonicalTime(l.now())
	}
	return l
}

// AddSink registers a sink after construction (e.g. the realtime hub,
// which is built after the log).
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	l.sinks = append(l.sinks, s)
	l.mu.Unlock()
}

// RecordOption sets optional fields on a recorded entry.
type RecordOption func(*recordOpts)

type recordOpts struct {
	agentID    string
	resourceID string
	severity   Severity
	network    *NetworkInfo

	// replay only
	id        string
	timestamp time.Time
}

// WithAgent tags the entry with an agent id.
func WithAgent(agentID string) RecordOption {
	return func(o *recordOpts) { o.agentID = agentID }
}

// WithResource tags the entry with a resource id (session, payment, escrow...).
func WithResource(resourceID string) RecordOption {
	return func(o *recordOpts) { o.resourceID = resourceID }
}

// WithSeverity overrides the action's default severity.
func WithSeverity(s Severity) RecordOption {
	return func(o *recordOpts) { o.severity = s }
}

// WithNetwork attaches request metadata.
func WithNetwork(n NetworkInfo) RecordOption {
	return func(o *recordOpts) {
		if n != (NetworkInfo{}) {
			o.network = &n
		}
	}
}

func withIdentity(id string, ts time.Time) RecordOption {
	return func(o *recordOpts) {
		o.id = id
		o.timestamp = ts
	}
}

// Record appends a hash-linked entry for action and returns a copy of it.
func (l *Log) Record(ctx context.Context, action Action, wallet string, details map[string]any, opts ...RecordOption) (*Entry, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	var o recordOpts
	for _, opt := range opts {
		opt(&o)
	}

	severity := action.DefaultSeverity()
	switch o.severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		severity = o.severity
	}

	if len(details) == 0 {
		details = nil
	} else {
		cp := make(map[string]any, len(details))
		for k, v := range details {
			cp[k] = v
		}
		details = cp
	}

	l.mu.Lock()
	if !l.initialized {
		l.anchor = Anchor{Hash: GenesisHash, At: canonicalTime(l.now())}
		l.initialized = true
	}

	e := &Entry{
		ID:         o.id,
		Timestamp:  o.timestamp,
		Action:     action,
		Severity:   severity,
		WalletAddr: wallet,
		AgentID:    o.agentID,
		ResourceID: o.resourceID,
		Details:    details,
		Network:    o.network,
		Seq:        l.lastSeq + 1,
	}
	if e.ID == "" {
		e.ID = idgen.WithPrefix(idgen.PrefixAudit)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Timestamp = canonicalTime(e.Timestamp)
	e.PreviousHash = l.headHashLocked()

	hash, err := ComputeHash(e)
	if err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("audit: hash entry: %w", err)
	}
	e.Hash = hash

	l.entries = append(l.entries, e)
	l.byID[e.ID] = e
	if e.WalletAddr != "" {
		l.byWallet[e.WalletAddr] = append(l.byWallet[e.WalletAddr], e)
	}
	if e.AgentID != "" {
		l.byAgent[e.AgentID] = append(l.byAgent[e.AgentID], e)
	}
	l.lastSeq = e.Seq
	sinks := l.sinks
	out := e.clone()
	l.mu.Unlock()

	auditEntriesRecorded.WithLabelValues(string(action), string(severity)).Inc()

	for _, s := range sinks {
		if err := s.Append(ctx, out.clone()); err != nil {
			auditSinkFailures.Inc()
			l.logger.Warn("audit sink append failed", "entryId", out.ID, "seq", out.Seq, "error", err)
		}
	}
	return out, nil
}

// headHashLocked returns the hash the next entry must link to.
// Caller must hold l.mu.
func (l *Log) headHashLocked() string {
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].Hash
	}
	return l.anchor.Hash
}

// Get returns a copy of the entry with the given id.
func (l *Log) Get(id string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.byID[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e.clone(), nil
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Anchor returns the hash the retained chain starts from.
func (l *Log) Anchor() Anchor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.initialized {
		return Anchor{Hash: GenesisHash}
	}
	return l.anchor
}

// Query returns matching entries newest-first, paginated.
func (l *Log) Query(_ context.Context, f Filter) []*Entry {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	source := l.entries
	switch {
	case f.WalletAddr != "":
		source = l.byWallet[f.WalletAddr]
	case f.AgentID != "":
		source = l.byAgent[f.AgentID]
	}

	result := make([]*Entry, 0)
	skipped := 0
	for i := len(source) - 1; i >= 0 && len(result) < limit; i-- {
		e := source[i]
		if !f.matches(e) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		result = append(result, e.clone())
	}
	return result
}

func (f Filter) matches(e *Entry) bool {
	if f.BeforeSeq > 0 && e.Seq >= f.BeforeSeq {
		return false
	}
	if f.WalletAddr != "" && e.WalletAddr != f.WalletAddr {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

// VerifyChainIntegrity walks the retained chain from its anchor, checking
// each entry's link to its predecessor and recomputing its hash.
func (l *Log) VerifyChainIntegrity() IntegrityResult {
	l.mu.RLock()
	defer l.mu.RUnlock()

	anchor := l.anchor
	if !l.initialized {
		anchor = Anchor{Hash: GenesisHash}
	}
	res := verifyEntries(l.entries, anchor.Hash)
	res.Anchor = anchor

	if res.Valid {
		auditChainValid.Set(1)
	} else {
		auditChainValid.Set(0)
		l.logger.Error("audit chain integrity broken", "brokenAt", res.BrokenAt, "checked", res.Checked)
	}
	return res
}

func verifyEntries(entries []*Entry, anchorHash string) IntegrityResult {
	expectedPrev := anchorHash
	for i, e := range entries {
		if e.PreviousHash != expectedPrev {
			return IntegrityResult{Valid: false, BrokenAt: e.ID, Checked: i + 1}
		}
		h, err := ComputeHash(e)
		if err != nil || h != e.Hash {
			return IntegrityResult{Valid: false, BrokenAt: e.ID, Checked: i + 1}
		}
		expectedPrev = e.Hash
	}
	return IntegrityResult{Valid: true, Checked: len(entries)}
}

// Metrics returns counts by action and severity, the distinct wallet
// count, and the current integrity result.
func (l *Log) Metrics() Metrics {
	l.mu.RLock()
	m := Metrics{
		TotalEntries:    len(l.entries),
		ByAction:        make(map[Action]int),
		BySeverity:      make(map[Severity]int),
		DistinctWallets: len(l.byWallet),
		PrunedEntries:   l.pruned,
	}
	for _, e := range l.entries {
		m.ByAction[e.Action]++
		m.BySeverity[e.Severity]++
	}
	l.mu.RUnlock()

	m.Integrity = l.VerifyChainIntegrity()
	return m
}

// ComplianceReport aggregates a wallet's payments, disputes and sessions
// between start and end (inclusive) into a risk score.
func (l *Log) ComplianceReport(_ context.Context, wallet string, start, end time.Time) (*ComplianceReport, error) {
	if !end.IsZero() && !start.IsZero() && end.Before(start) {
		return nil, ErrInvalidTimeRange
	}

	r := &ComplianceReport{
		WalletAddr:  wallet,
		Start:       start,
		End:         end,
		GeneratedAt: l.now(),
	}

	l.mu.RLock()
	for _, e := range l.byWallet[wallet] {
		if !start.IsZero() && e.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && e.Timestamp.After(end) {
			continue
		}
		switch e.Action {
		case ActionPaymentCompleted:
			r.SuccessfulPayments++
			r.TotalVolume += amountOf(e.Details)
		case ActionPaymentFailed:
			r.FailedPayments++
		case ActionEscrowDisputed:
			r.DisputedEscrows++
		case ActionSessionCreated:
			r.SessionsCreated++
		}
	}
	l.mu.RUnlock()

	total := r.SuccessfulPayments + r.FailedPayments
	switch {
	case total > 0:
		r.FailureRate = float64(r.FailedPayments) / float64(total)
		r.DisputeRate = min(1, float64(r.DisputedEscrows)/float64(total))
	case r.DisputedEscrows > 0:
		r.DisputeRate = 1
	}
	r.RiskScore = min(100, 50*r.FailureRate+50*r.DisputeRate)
	return r, nil
}

func amountOf(details map[string]any) float64 {
	switch v := details["amount"].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// CleanupOldEntries prunes the contiguous oldest-first prefix of entries
// older than the retention window. The prefix is archived first; if the
// archiver fails nothing is removed. After pruning, the chain is
// re-anchored at the hash of the last pruned entry, which is exactly the
// PreviousHash of the first retained one, so verification keeps working.
func (l *Log) CleanupOldEntries(ctx context.Context) (int, error) {
	if l.retention <= 0 {
		return 0, nil
	}
	l.pruneMu.Lock()
	defer l.pruneMu.Unlock()

	cutoff := l.now().Add(-l.retention)

	l.mu.RLock()
	n := 0
	for n < len(l.entries) && l.entries[n].Timestamp.Before(cutoff) {
		n++
	}
	prefix := make([]*Entry, n)
	for i := 0; i < n; i++ {
		prefix[i] = l.entries[i].clone()
	}
	l.mu.RUnlock()

	if n == 0 {
		return 0, nil
	}

	if l.archiver != nil {
		if err := l.archiver.Archive(ctx, prefix); err != nil {
			l.logger.Error("audit archive failed; retention pass skipped", "entries", n, "error", err)
			return 0, fmt.Errorf("%w: %v", ErrArchiveFailed, err)
		}
	} else {
		l.logger.Warn("pruning audit entries without an archiver", "entries", n)
	}

	last := prefix[n-1]

	l.mu.Lock()
	// Only this method removes from the head and pruneMu is held, so the
	// first n entries are still the archived prefix.
	remaining := make([]*Entry, len(l.entries)-n)
	copy(remaining, l.entries[n:])
	l.entries = remaining

	touchedWallets := make(map[string]struct{})
	touchedAgents := make(map[string]struct{})
	for _, e := range prefix {
		delete(l.byID, e.ID)
		if e.WalletAddr != "" {
			touchedWallets[e.WalletAddr] = struct{}{}
		}
		if e.AgentID != "" {
			touchedAgents[e.AgentID] = struct{}{}
		}
	}
	trimIndex(l.byWallet, touchedWallets, last.Seq)
	trimIndex(l.byAgent, touchedAgents, last.Seq)

	l.anchor = Anchor{Hash: last.Hash, Seq: last.Seq, At: canonicalTime(l.now())}
	l.pruned += int64(n)
	l.mu.Unlock()

	auditEntriesPruned.Add(float64(n))
	l.logger.Info("pruned audit entries", "entries", n, "anchorSeq", last.Seq, "anchorHash", last.Hash)
	return n, nil
}

// trimIndex drops index entries with seq <= maxSeq for the touched keys.
func trimIndex(index map[string][]*Entry, keys map[string]struct{}, maxSeq int64) {
	for k := range keys {
		list := index[k]
		i := sort.Search(len(list), func(i int) bool { return list[i].Seq > maxSeq })
		if i == len(list) {
			delete(index, k)
			continue
		}
		index[k] = append([]*Entry(nil), list[i:]...)
	}
}

// Export returns copies of the retained entries whose timestamps fall in
// [from, to], oldest first. Zero bounds are open.
func (l *Log) Export(from, to time.Time) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Entry
	for _, e := range l.entries {
		if !from.IsZero() && e.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && e.Timestamp.After(to) {
			continue
		}
		out = append(out, e.clone())
	}
	return out
}

// Replay rebuilds a log from exported entries by re-recording each one in
// order, anchored at the first entry's PreviousHash. Because hashing is
// deterministic, the rebuilt chain has the same hashes as the original iff
// the exported entries were not altered. Entries must be a contiguous
// sequence range.
func Replay(ctx context.Context, entries []*Entry, opts ...Option) (*Log, error) {
	if len(entries) == 0 {
		return NewLog(opts...), nil
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq != entries[i-1].Seq+1 {
			return nil, fmt.Errorf("%w: seq %d follows %d", ErrInvalidReplay, entries[i].Seq, entries[i-1].Seq)
		}
	}

	first := entries[0]
	all := append([]Option{WithAnchor(first.PreviousHash, first.Seq-1)}, opts...)
	l := NewLog(all...)

	for _, e := range entries {
		ropts := []RecordOption{
			withIdentity(e.ID, e.Timestamp),
			WithAgent(e.AgentID),
			WithResource(e.ResourceID),
			WithSeverity(e.Severity),
		}
		if e.Network != nil {
			ropts = append(ropts, WithNetwork(*e.Network))
		}
		if _, err := l.Record(ctx, e.Action, e.WalletAddr, e.Details, ropts...); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Restore replays stored entries and checks that every recomputed hash
// matches the stored one. It is used at startup to rebuild the in-memory
// log from durable storage.
func Restore(ctx context.Context, stored []*Entry, opts ...Option) (*Log, error) {
	l, err := Replay(ctx, stored, opts...)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i, e := range l.entries {
		if e.Hash != stored[i].Hash {
			return nil, fmt.Errorf("%w: entry %s (seq %d)", ErrChainTampered, stored[i].ID, stored[i].Seq)
		}
	}
	return l, nil
}
