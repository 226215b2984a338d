package protocol

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paymeter/internal/audit"
	"github.com/mbd888/paymeter/internal/circuitbreaker"
	"github.com/mbd888/paymeter/internal/logging"
	"github.com/mbd888/paymeter/internal/queue"
	"github.com/mbd888/paymeter/internal/session"
	"github.com/mbd888/paymeter/internal/verifier"
)

const (
	recipient = "0x0000000000000000000000000000000000000402"
	payer     = "0xaaaa000000000000000000000000000000000001"
	payer2    = "0xbbbb000000000000000000000000000000000002"
	network   = "eip155:84532"
	agent     = "weather-agent"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeSettler fails every payment for the agents in failing.
type fakeSettler struct {
	mu      sync.Mutex
	failing map[string]error
	settled []string
	calls   int
}

func (s *fakeSettler) Settle(_ context.Context, p *queue.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := s.failing[p.AgentID]; err != nil {
		return err
	}
	s.settled = append(s.settled, p.ID)
	return nil
}

func (s *fakeSettler) fail(agentID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing == nil {
		s.failing = map[string]error{}
	}
	s.failing[agentID] = err
}

func (s *fakeSettler) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type harness struct {
	engine   *Engine
	clock    *fakeClock
	sessions *session.Manager
	verifier *verifier.Verifier
	queue    *queue.Queue
	audit    *audit.Log
	settler  *fakeSettler
}

type harnessOpts struct {
	verifier []verifier.Option
	queue    []queue.Option
	engine   []Option
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	clock := newFakeClock()
	discard := logging.Discard()
	h := &harness{
		clock:    clock,
		sessions: session.NewManager(session.WithClock(clock.Now), session.WithLogger(discard)),
		verifier: verifier.New(append([]verifier.Option{verifier.WithClock(clock.Now), verifier.WithLogger(discard)}, o.verifier...)...),
		queue:    queue.New(append([]queue.Option{queue.WithClock(clock.Now), queue.WithLogger(discard)}, o.queue...)...),
		audit:    audit.NewLog(audit.WithClock(clock.Now), audit.WithLogger(discard)),
		settler:  &fakeSettler{},
	}
	opts := append([]Option{WithClock(clock.Now), WithLogger(discard)}, o.engine...)
	e, err := New(Components{
		Sessions: h.sessions,
		Verifier: h.verifier,
		Queue:    h.queue,
		Audit:    h.audit,
	}, h.settler, Config{
		Recipient: recipient,
		Network:   network,
		Asset:     "usdc",
		Price:     0.01,
	}, opts...)
	require.NoError(t, err)
	h.engine = e
	return h
}

func sig(b string) string {
	return "0x" + strings.Repeat(b, 32)
}

func newProof(signature, from, amount string) *Proof {
	return &Proof{
		X402Version: X402Version,
		Scheme:      SchemeExact,
		Network:     network,
		Payload: ProofPayload{
			Signature: signature,
			From:      from,
			To:        recipient,
			Amount:    amount,
		},
	}
}

func (h *harness) admit(t *testing.T, signature, from, agentID string) *Admission {
	t.Helper()
	adm, err := h.engine.Admit(context.Background(), AdmitRequest{
		Proof:   newProof(signature, from, "0.01"),
		AgentID: agentID,
	})
	require.NoError(t, err)
	return adm
}

// actions lists the audit trail oldest first.
func (h *harness) actions() []audit.Action {
	entries := h.audit.Query(context.Background(), audit.Filter{Limit: audit.MaxQueryLimit})
	out := make([]audit.Action, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e.Action
	}
	return out
}

func (h *harness) latest(t *testing.T, action audit.Action) *audit.Entry {
	t.Helper()
	entries := h.audit.Query(context.Background(), audit.Filter{Action: action, Limit: 1})
	require.NotEmpty(t, entries, "no %s entry", action)
	return entries[0]
}

func TestNew_RequiresComponentsAndValidTerms(t *testing.T) {
	_, err := New(Components{}, SettlerFunc(func(context.Context, *queue.Payment) error { return nil }), Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	h := newHarness(t, harnessOpts{})
	c := Components{Sessions: h.sessions, Verifier: h.verifier, Queue: h.queue, Audit: h.audit}
	_, err = New(c, h.settler, Config{Recipient: "not-an-address", Network: network, Price: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(c, h.settler, Config{Recipient: recipient, Network: network, Price: 0})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg := h.engine.Config()
	assert.Equal(t, DefaultMaxTimeoutSeconds, cfg.MaxTimeoutSeconds)
	assert.Equal(t, DefaultPaymentRetention, cfg.PaymentRetention)
}

func TestAdmit_OpensSessionAndAudits(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	adm := h.admit(t, sig("a1"), payer, agent)
	require.NotNil(t, adm.Verification)
	assert.Equal(t, verifier.StatusPending, adm.Verification.Status)
	assert.Equal(t, payer, adm.Session.WalletAddr)
	assert.Equal(t, agent, adm.Session.AgentID)

	assert.Equal(t, []audit.Action{
		audit.ActionWalletConnected,
		audit.ActionSessionCreated,
		audit.ActionPaymentInitiated,
	}, h.actions())

	funding := h.latest(t, audit.ActionPaymentInitiated)
	assert.Equal(t, "session_funding", funding.Details["kind"])
	assert.Equal(t, adm.Session.ID, funding.Details["sessionId"])
	assert.Equal(t, agent, funding.AgentID)
}

func TestAdmit_EachProofOpensItsOwnSession(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	first := h.admit(t, sig("a1"), payer, agent)

	h.clock.Advance(10 * time.Minute)
	again := h.admit(t, sig("a2"), payer, agent)
	assert.NotEqual(t, first.Session.ID, again.Session.ID)
	assert.Len(t, h.actions(), 5)

	rec, err := h.verifier.Get(sig("a2"))
	require.NoError(t, err)
	assert.Equal(t, verifier.StatusPending, rec.Status)
	assert.Len(t, h.sessions.WalletSessions(context.Background(), payer), 2)
}

func TestAdmit_ForgedProofCannotReachLiveSession(t *testing.T) {
	h := newHarness(t, harnessOpts{engine: []Option{WithProofVerifier(rejectAll{})}})
	ctx := context.Background()

	// Open the victim's session without the verifier, as an earlier admission would have.
	victim, err := h.sessions.Create(ctx, payer, agent, nil)
	require.NoError(t, err)

	forged := &Proof{
		X402Version: X402Version,
		Scheme:      SchemeExact,
		Network:     "bogus:1",
		Payload:     ProofPayload{Signature: "junk", From: payer, To: payer2, Amount: "0.01"},
	}
	adm, err := h.engine.Admit(ctx, AdmitRequest{Proof: forged, AgentID: agent})
	require.Error(t, err)
	assert.Nil(t, adm)

	adm, err = h.engine.Admit(ctx, AdmitRequest{Proof: newProof(sig("b1"), payer, "0.01"), AgentID: agent})
	assert.ErrorIs(t, err, ErrProofRejected)
	assert.Nil(t, adm)

	s, err := h.sessions.Get(ctx, victim.ID)
	require.NoError(t, err)
	assert.Zero(t, s.ExecutionCount)
	assert.Len(t, h.sessions.WalletSessions(ctx, payer), 1)
}

func TestAdmit_SecondAgentDoesNotReconnectWallet(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.admit(t, sig("a1"), payer, agent)
	h.admit(t, sig("a2"), payer, "search-agent")

	connected := h.audit.Query(context.Background(), audit.Filter{Action: audit.ActionWalletConnected})
	assert.Len(t, connected, 1)
	assert.Len(t, h.sessions.WalletSessions(context.Background(), payer), 2)
}

func TestAdmit_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(p *Proof)
		agent  string
		err    error
	}{
		{"wrong network", func(p *Proof) { p.Network = "solana:mainnet" }, agent, ErrWrongNetwork},
		{"wrong recipient", func(p *Proof) { p.Payload.To = payer2 }, agent, ErrWrongRecipient},
		{"underpaid", func(p *Proof) { p.Payload.Amount = "0.009" }, agent, ErrInsufficientPayment},
		{"bad amount", func(p *Proof) { p.Payload.Amount = "lots" }, agent, ErrInvalidProof},
		{"bad signature", func(p *Proof) { p.Payload.Signature = "0x1234" }, agent, ErrInvalidProof},
		{"missing agent", func(*Proof) {}, " ", ErrInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			p := newProof(sig("c1"), payer, "0.01")
			tc.mutate(p)

			_, err := h.engine.Admit(context.Background(), AdmitRequest{Proof: p, AgentID: tc.agent})
			assert.ErrorIs(t, err, tc.err)
			assert.Empty(t, h.actions(), "rejected admissions write nothing")
			assert.Equal(t, 0, h.sessions.Stats().Active)
		})
	}

	h := newHarness(t, harnessOpts{})
	_, err := h.engine.Admit(context.Background(), AdmitRequest{AgentID: agent})
	assert.ErrorIs(t, err, ErrProofRequired)
}

func TestAdmit_OverpaymentAndNetworkWildcard(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.engine.UpdateConfig(context.Background(), "", ConfigUpdate{Network: ptr("eip155:*")})
	require.NoError(t, err)

	adm, err := h.engine.Admit(context.Background(), AdmitRequest{
		Proof:   newProof(sig("d1"), payer, "0.5"),
		AgentID: agent,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, adm.Verification.ExpectedAmount, 1e-12)
}

func TestAdmit_PerCallPriceOverridesDefault(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.engine.Admit(context.Background(), AdmitRequest{
		Proof:   newProof(sig("d2"), payer, "0.01"),
		AgentID: agent,
		Price:   0.05,
	})
	assert.ErrorIs(t, err, ErrInsufficientPayment)
}

func TestAdmit_ReplayedProofRejected(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	adm := h.admit(t, sig("e1"), payer, agent)
	require.NoError(t, h.engine.TerminateSession(ctx, adm.Session.ID))

	_, err := h.engine.Admit(ctx, AdmitRequest{Proof: newProof(sig("e1"), payer, "0.01"), AgentID: agent})
	assert.ErrorIs(t, err, ErrProofReplayed)

	_, err = h.engine.Admit(ctx, AdmitRequest{Proof: newProof(sig("e1"), payer, "0.01"), AgentID: "search-agent"})
	assert.ErrorIs(t, err, ErrProofReplayed, "a proof funds one session only")
}

type rejectAll struct{}

func (rejectAll) VerifyProof(context.Context, *Proof) error { return errors.New("bad signature") }

func TestAdmit_ProofVerifierRejects(t *testing.T) {
	h := newHarness(t, harnessOpts{engine: []Option{WithProofVerifier(rejectAll{})}})
	_, err := h.engine.Admit(context.Background(), AdmitRequest{
		Proof:   newProof(sig("f1"), payer, "0.01"),
		AgentID: agent,
	})
	assert.ErrorIs(t, err, ErrProofRejected)
	_, err = h.verifier.Get(sig("f1"))
	assert.ErrorIs(t, err, verifier.ErrRecordNotFound)
}

func TestAuthorize(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	adm := h.admit(t, sig("a1"), payer, agent)

	assert.NoError(t, h.engine.Authorize(ctx, adm.Session.ID, session.ActionExecute, agent))
	assert.ErrorIs(t, h.engine.Authorize(ctx, adm.Session.ID, session.ActionExecute, "other-agent"), ErrForbidden)
	assert.ErrorIs(t, h.engine.Authorize(ctx, "ses_missing", session.ActionExecute, agent), session.ErrSessionNotFound)

	h.clock.Advance(2 * time.Hour)
	assert.ErrorIs(t, h.engine.Authorize(ctx, adm.Session.ID, session.ActionExecute, agent), session.ErrSessionNotFound)
	ended := h.latest(t, audit.ActionSessionTerminated)
	assert.Equal(t, string(session.ReasonExpired), ended.Details["reason"])
}

func TestRecordCall(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	adm := h.admit(t, sig("a1"), payer, agent)

	p, err := h.engine.RecordCall(ctx, adm.Session.ID, 0.01, queue.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, adm.Session.ID, p.SessionID)
	assert.Equal(t, sig("a1"), p.Reference)
	assert.Equal(t, queue.StatusPending, p.Status)
	assert.Equal(t, 1, h.queue.Len())

	s, err := h.sessions.Get(ctx, adm.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.ExecutionCount)
	assert.InDelta(t, 0.01, s.TotalSpent, 1e-12)

	call := h.latest(t, audit.ActionPaymentInitiated)
	assert.Equal(t, "call", call.Details["kind"])
	assert.Equal(t, p.ID, call.Details["paymentId"])

	_, err = h.engine.RecordCall(ctx, "ses_missing", 0.01, queue.PriorityNormal)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = h.engine.RecordCall(ctx, adm.Session.ID, 0.01, "urgent")
	assert.ErrorIs(t, err, queue.ErrInvalidPriority)
}

func TestProcessBatch_SettlesInPriorityOrder(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	adm := h.admit(t, sig("a1"), payer, agent)

	low, err := h.engine.RecordCall(ctx, adm.Session.ID, 0.01, queue.PriorityLow)
	require.NoError(t, err)
	crit, err := h.engine.RecordCall(ctx, adm.Session.ID, 0.01, queue.PriorityCritical)
	require.NoError(t, err)

	b, err := h.engine.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.BatchCompleted, b.Status)
	assert.Equal(t, 2, b.SuccessCount)
	assert.Equal(t, []string{crit.ID, low.ID}, h.settler.settled)

	completed := h.audit.Query(ctx, audit.Filter{Action: audit.ActionPaymentCompleted})
	assert.Len(t, completed, 2)
	assert.Equal(t, b.ID, completed[0].Details["batchId"])

	_, err = h.engine.ProcessBatch(ctx)
	assert.ErrorIs(t, err, queue.ErrQueueEmpty)
}

func TestProcessBatch_FailureRetriesThenFails(t *testing.T) {
	h := newHarness(t, harnessOpts{
		queue:  []queue.Option{queue.WithMaxRetries(2)},
		engine: []Option{WithBreaker(circuitbreaker.New(100, time.Minute))},
	})
	ctx := context.Background()
	adm := h.admit(t, sig("a1"), payer, agent)
	h.settler.fail(agent, errors.New("rpc unavailable"))

	p, err := h.engine.RecordCall(ctx, adm.Session.ID, 0.01, queue.PriorityNormal)
	require.NoError(t, err)

	b, err := h.engine.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.BatchFailed, b.Status)
	assert.Equal(t, 1, b.RetriedCount)

	got, err := h.queue.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	failed := h.latest(t, audit.ActionPaymentFailed)
	assert.Equal(t, true, failed.Details["willRetry"])
	assert.Equal(t, "rpc unavailable", failed.Details["reason"])

	_, err = h.engine.ProcessBatch(ctx)
	require.NoError(t, err)
	got, err = h.queue.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, false, h.latest(t, audit.ActionPaymentFailed).Details["willRetry"])

	_, err = h.engine.ProcessBatch(ctx)
	assert.ErrorIs(t, err, queue.ErrQueueEmpty)
}

func TestProcessBatch_CircuitOpenSkipsSettler(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.engine.breaker = circuitbreaker.New(1, time.Minute, circuitbreaker.WithClock(h.clock.Now))
	ctx := context.Background()
	adm := h.admit(t, sig("a1"), payer, agent)
	h.settler.fail(agent, errors.New("agent down"))

	_, err := h.engine.RecordCall(ctx, adm.Session.ID, 0.01, queue.PriorityNormal)
	require.NoError(t, err)
	_, err = h.engine.RecordCall(ctx, adm.Session.ID, 0.01, queue.PriorityNormal)
	require.NoError(t, err)

	b, err := h.engine.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, b.FailureCount)
	assert.Equal(t, 1, h.settler.callCount(), "second payment short-circuited")
	reason, _ := h.latest(t, audit.ActionPaymentFailed).Details["reason"].(string)
	assert.Contains(t, reason, "circuit open")

	// Once the open window passes the breaker lets a probe through.
	h.clock.Advance(time.Minute)
	h.settler.fail(agent, nil)
	b, err = h.engine.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, b.SuccessCount)
}

func TestProcessBatch_CancelledContextFailsAttempt(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	adm := h.admit(t, sig("a1"), payer, agent)
	_, err := h.engine.RecordCall(context.Background(), adm.Session.ID, 0.01, queue.PriorityNormal)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b, err := h.engine.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.FailureCount)
	assert.Equal(t, 0, h.settler.callCount())
}

func TestVerification_VerifiedIsAudited(t *testing.T) {
	h := newHarness(t, harnessOpts{verifier: []verifier.Option{verifier.WithRequiredConfirmations(3)}})
	ctx := context.Background()
	adm := h.admit(t, sig("a1"), payer, agent)

	rec, err := h.engine.ApplyConfirmation(ctx, sig("a1"), 1, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, verifier.StatusConfirming, rec.Status)
	st := h.engine.Status(ctx, payer, agent)
	assert.True(t, st.Allowed)
	assert.False(t, st.Cleared)
	assert.InDelta(t, 1.0/3, st.Progress, 1e-9)

	h.clock.Advance(2 * time.Second)
	rec, err = h.engine.ApplyConfirmation(ctx, sig("a1"), 3, 102, 0)
	require.NoError(t, err)
	assert.Equal(t, verifier.StatusVerified, rec.Status)

	done := h.latest(t, audit.ActionPaymentCompleted)
	assert.Equal(t, "verification", done.Details["kind"])
	assert.Equal(t, adm.Session.ID, done.Details["sessionId"])
	assert.Equal(t, int64(2000), done.Details["latencyMs"])

	st = h.engine.Status(ctx, payer, agent)
	assert.True(t, st.Cleared)
	assert.Equal(t, 1.0, st.Progress)

	_, err = h.engine.ApplyConfirmation(ctx, sig("a1"), 4, 103, 0)
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = h.engine.ApplyConfirmation(ctx, sig("ff"), 1, 1, 0)
	assert.ErrorIs(t, err, verifier.ErrRecordNotFound)
}

func TestVerification_FailureRevokesSession(t *testing.T) {
	h := newHarness(t, harnessOpts{verifier: []verifier.Option{verifier.WithMaxRetries(2)}})
	ctx := context.Background()
	adm := h.admit(t, sig("a1"), payer, agent)

	rec, err := h.engine.ReportVerificationError(ctx, sig("a1"), "tx_not_found")
	require.NoError(t, err)
	assert.Equal(t, verifier.StatusPending, rec.Status)
	assert.NoError(t, h.engine.Authorize(ctx, adm.Session.ID, session.ActionExecute, agent), "retryable errors keep the session")

	rec, err = h.engine.ReportVerificationError(ctx, sig("a1"), "tx_not_found")
	require.NoError(t, err)
	assert.Equal(t, verifier.StatusFailed, rec.Status)

	_, err = h.sessions.Get(ctx, adm.Session.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	ended := h.latest(t, audit.ActionSessionTerminated)
	assert.Equal(t, string(session.ReasonRevoked), ended.Details["reason"])
	assert.Equal(t, sig("a1"), ended.Details["signature"])
	assert.Equal(t, "tx_not_found", h.latest(t, audit.ActionPaymentFailed).Details["reason"])

	_, err = h.engine.ReportVerificationError(ctx, sig("a1"), "tx_not_found")
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = h.engine.ReportVerificationError(ctx, sig("a1"), "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.False(t, h.engine.Status(ctx, payer, agent).Allowed)
}

func TestSweep_TimeoutRevokesSession(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	adm := h.admit(t, sig("a1"), payer, agent)

	h.clock.Advance(verifier.DefaultTimeout + time.Second)
	res, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{sig("a1")}, res.TimedOut)
	assert.Equal(t, 0, res.ExpiredSessions, "revoked before the expiry pass")

	_, err = h.sessions.Get(ctx, adm.Session.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	failed := h.latest(t, audit.ActionPaymentFailed)
	assert.Equal(t, "timeout", failed.Details["reason"])
}

func TestSweep_ExpiresSessionsAndCleansPayments(t *testing.T) {
	h := newHarness(t, harnessOpts{verifier: []verifier.Option{verifier.WithRequiredConfirmations(1)}})
	ctx := context.Background()
	adm := h.admit(t, sig("a1"), payer, agent)
	_, err := h.engine.ApplyConfirmation(ctx, sig("a1"), 1, 1, 0)
	require.NoError(t, err)
	_, err = h.engine.RecordCall(ctx, adm.Session.ID, 0.01, queue.PriorityNormal)
	require.NoError(t, err)
	_, err = h.engine.ProcessBatch(ctx)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	res, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.TimedOut)
	assert.Equal(t, 1, res.ExpiredSessions)
	assert.Equal(t, 1, res.CleanedPayments)

	ended := h.latest(t, audit.ActionSessionTerminated)
	assert.Equal(t, string(session.ReasonExpired), ended.Details["reason"])
	assert.Equal(t, int64(1), ended.Details["executionCount"])
}

func TestSweep_ReportsArchiveFailure(t *testing.T) {
	clock := newFakeClock()
	archive := audit.NewMemoryArchive()
	archive.FailWith(errors.New("disk full"))
	h := newHarness(t, harnessOpts{})
	h.audit = audit.NewLog(audit.WithClock(clock.Now), audit.WithLogger(logging.Discard()),
		audit.WithRetention(time.Hour), audit.WithArchiver(archive))
	h.engine.audit = h.audit

	_, err := h.audit.Record(context.Background(), audit.ActionConfigUpdated, "operator", nil)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	_, err = h.engine.Sweep(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, h.audit.Len(), "entries stay until archived")
}

func TestEscrowLifecycle(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	es, err := h.engine.OpenEscrow(ctx, payer, agent, 2.5)
	require.NoError(t, err)
	assert.Equal(t, EscrowOpen, es.Status)
	assert.True(t, strings.HasPrefix(es.ID, "esc_"))

	h.clock.Advance(30 * time.Second)
	released, err := h.engine.ReleaseEscrow(ctx, es.ID)
	require.NoError(t, err)
	assert.Equal(t, EscrowReleased, released.Status)
	require.NotNil(t, released.ResolvedAt)
	assert.Equal(t, int64(30000), h.latest(t, audit.ActionEscrowReleased).Details["heldForMs"])

	_, err = h.engine.ReleaseEscrow(ctx, es.ID)
	assert.ErrorIs(t, err, ErrEscrowResolved)
	_, err = h.engine.DisputeEscrow(ctx, es.ID, "late")
	assert.ErrorIs(t, err, ErrEscrowResolved)

	second, err := h.engine.OpenEscrow(ctx, payer, agent, 1)
	require.NoError(t, err)
	_, err = h.engine.DisputeEscrow(ctx, second.ID, "  ")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	disputed, err := h.engine.DisputeEscrow(ctx, second.ID, "result never delivered")
	require.NoError(t, err)
	assert.Equal(t, EscrowDisputed, disputed.Status)
	assert.Equal(t, "result never delivered", h.latest(t, audit.ActionEscrowDisputed).Details["reason"])

	list := h.engine.WalletEscrows(payer)
	require.Len(t, list, 2)
	assert.Equal(t, es.ID, list[0].ID)

	report, err := h.audit.ComplianceReport(ctx, payer, time.Time{}, h.clock.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, report.DisputedEscrows)

	_, err = h.engine.GetEscrow("esc_missing")
	assert.ErrorIs(t, err, ErrEscrowNotFound)
	_, err = h.engine.OpenEscrow(ctx, "nope", agent, 1)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.engine.OpenEscrow(ctx, payer, agent, -1)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPermissions(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	adm := h.admit(t, sig("a1"), payer, agent)
	before := h.audit.Len()

	require.NoError(t, h.engine.GrantPermission(ctx, adm.Session.ID, session.ActionWrite, "reports"))
	assert.NoError(t, h.engine.Authorize(ctx, adm.Session.ID, session.ActionWrite, "reports"))
	granted := h.latest(t, audit.ActionPermissionGranted)
	assert.Equal(t, "write", granted.Details["permission"])

	require.NoError(t, h.engine.GrantPermission(ctx, adm.Session.ID, session.ActionWrite, "reports"))
	assert.Equal(t, before+1, h.audit.Len(), "regranting is not audited")

	require.NoError(t, h.engine.RevokePermission(ctx, adm.Session.ID, session.ActionWrite, "reports"))
	assert.ErrorIs(t, h.engine.Authorize(ctx, adm.Session.ID, session.ActionWrite, "reports"), ErrForbidden)
	assert.Equal(t, audit.SeverityWarning, h.latest(t, audit.ActionPermissionRevoked).Severity)

	assert.ErrorIs(t, h.engine.GrantPermission(ctx, "ses_missing", session.ActionRead, "x"), session.ErrSessionNotFound)
}

func TestDisconnectWallet(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	h.admit(t, sig("a1"), payer, agent)
	h.admit(t, sig("a2"), payer, "search-agent")
	h.admit(t, sig("a3"), payer2, agent)

	assert.Equal(t, 2, h.engine.DisconnectWallet(ctx, payer))
	assert.Empty(t, h.sessions.WalletSessions(ctx, payer))
	assert.Len(t, h.sessions.WalletSessions(ctx, payer2), 1)

	disc := h.latest(t, audit.ActionWalletDisconnected)
	assert.Equal(t, payer, disc.WalletAddr)
	assert.Equal(t, 2, disc.Details["sessionsTerminated"])
	ended := h.audit.Query(ctx, audit.Filter{Action: audit.ActionSessionTerminated})
	assert.Len(t, ended, 2)

	n := h.audit.Len()
	assert.Equal(t, 0, h.engine.DisconnectWallet(ctx, payer))
	assert.Equal(t, n, h.audit.Len())

	// Reconnecting is audited again.
	h.admit(t, sig("a4"), payer, agent)
	connected := h.audit.Query(ctx, audit.Filter{Action: audit.ActionWalletConnected, WalletAddr: payer})
	assert.Len(t, connected, 2)
}

func ptr[T any](v T) *T { return &v }

func TestUpdateConfig(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	cfg, err := h.engine.UpdateConfig(ctx, "alice", ConfigUpdate{Price: ptr(0.02), Asset: ptr("usdc")})
	require.NoError(t, err)
	assert.Equal(t, 0.02, cfg.Price)

	entry := h.latest(t, audit.ActionConfigUpdated)
	assert.Equal(t, "alice", entry.WalletAddr)
	assert.Equal(t, audit.SeverityCritical, entry.Severity)
	changes := entry.Details["changes"].(map[string]any)
	assert.Len(t, changes, 1, "unchanged fields are not reported")
	assert.Equal(t, map[string]any{"old": 0.01, "new": 0.02}, changes["price"])

	assert.Equal(t, "0.02", h.engine.Challenge("/v1/agents/x", agent, 0).Accepts[0].Amount)

	n := h.audit.Len()
	_, err = h.engine.UpdateConfig(ctx, "alice", ConfigUpdate{Recipient: ptr("bogus")})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, recipient, h.engine.Config().Recipient)
	_, err = h.engine.UpdateConfig(ctx, "alice", ConfigUpdate{Price: ptr(0.02)})
	require.NoError(t, err)
	assert.Equal(t, n, h.audit.Len())

	_, err = h.engine.UpdateConfig(ctx, "", ConfigUpdate{MaxTimeoutSeconds: ptr(60)})
	require.NoError(t, err)
	assert.Equal(t, "operator", h.latest(t, audit.ActionConfigUpdated).WalletAddr)
}

func TestAuditChainStaysValid(t *testing.T) {
	h := newHarness(t, harnessOpts{verifier: []verifier.Option{verifier.WithMaxRetries(1)}})
	ctx := context.Background()

	a := h.admit(t, sig("a1"), payer, agent)
	h.admit(t, sig("a2"), payer2, agent)
	_, err := h.engine.RecordCall(ctx, a.Session.ID, 0.01, queue.PriorityNormal)
	require.NoError(t, err)
	_, err = h.engine.ProcessBatch(ctx)
	require.NoError(t, err)
	_, err = h.engine.ReportVerificationError(ctx, sig("a2"), "reverted")
	require.NoError(t, err)
	es, err := h.engine.OpenEscrow(ctx, payer, agent, 1)
	require.NoError(t, err)
	_, err = h.engine.ReleaseEscrow(ctx, es.ID)
	require.NoError(t, err)
	h.engine.DisconnectWallet(ctx, payer)

	res := h.audit.VerifyChainIntegrity()
	assert.True(t, res.Valid)
	assert.Equal(t, h.audit.Len(), res.Checked)
}

func TestTimer_DrainsQueue(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	adm := h.admit(t, sig("a1"), payer, agent)
	for range 3 {
		_, err := h.engine.RecordCall(context.Background(), adm.Session.ID, 0.01, queue.PriorityNormal)
		require.NoError(t, err)
	}

	timer := NewTimer(h.engine, 10*time.Millisecond, time.Hour, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, func() bool { return h.queue.Stats().Completed == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())
	timer.Stop()
	require.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
}
