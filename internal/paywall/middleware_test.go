package paywall

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paymeter/internal/audit"
	"github.com/mbd888/paymeter/internal/logging"
	"github.com/mbd888/paymeter/internal/protocol"
	"github.com/mbd888/paymeter/internal/queue"
	"github.com/mbd888/paymeter/internal/session"
	"github.com/mbd888/paymeter/internal/verifier"
)

const (
	recipient = "0x0000000000000000000000000000000000000402"
	payer     = "0xaaaa000000000000000000000000000000000001"
	network   = "eip155:84532"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	engine   *protocol.Engine
	queue    *queue.Queue
	sessions *session.Manager
	router   *gin.Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	discard := logging.Discard()
	f := &fixture{
		queue:    queue.New(queue.WithLogger(discard)),
		sessions: session.NewManager(session.WithLogger(discard)),
	}
	e, err := protocol.New(protocol.Components{
		Sessions: f.sessions,
		Verifier: verifier.New(verifier.WithLogger(discard)),
		Queue:    f.queue,
		Audit:    audit.NewLog(audit.WithLogger(discard)),
	}, protocol.SettlerFunc(func(context.Context, *queue.Payment) error { return nil }), protocol.Config{
		Recipient: recipient,
		Network:   network,
		Asset:     "usdc",
		Price:     0.01,
	}, protocol.WithLogger(discard))
	require.NoError(t, err)
	f.engine = e

	cfg.Logger = discard
	f.router = gin.New()
	f.router.GET("/v1/agents/:agent/call", Middleware(e, cfg), func(c *gin.Context) {
		if c.Query("fail") != "" {
			c.JSON(http.StatusBadGateway, gin.H{"error": "upstream"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": SessionID(c)})
	})
	return f
}

func proofHeader(t *testing.T, signature, amount string) string {
	t.Helper()
	h, err := protocol.EncodeProof(&protocol.Proof{
		X402Version: protocol.X402Version,
		Scheme:      protocol.SchemeExact,
		Network:     network,
		Payload: protocol.ProofPayload{
			Signature: signature,
			From:      payer,
			To:        recipient,
			Amount:    amount,
		},
	})
	require.NoError(t, err)
	return h
}

func sig(b string) string { return "0x" + strings.Repeat(b, 32) }

func (f *fixture) call(headers map[string]string, query string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/agents/weather-agent/call"+query, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestMiddleware_NoPaymentReturns402(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.call(nil, "")
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var body protocol.PaymentRequired
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, protocol.X402Version, body.X402Version)
	require.Len(t, body.Accepts, 1)
	assert.Equal(t, recipient, body.Accepts[0].PayTo)
	assert.Equal(t, "0.01", body.Accepts[0].Amount)
	assert.Equal(t, "/v1/agents/weather-agent/call", body.Accepts[0].Resource)
	assert.Equal(t, 0, f.queue.Len())
}

func TestMiddleware_ConfiguredPriceIsQuoted(t *testing.T) {
	f := newFixture(t, Config{Price: 0.25})

	w := f.call(nil, "")
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), `"amount":"0.25"`)

	w = f.call(map[string]string{HeaderPayment: proofHeader(t, sig("a1"), "0.01")}, "")
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "payment below price")
}

func TestMiddleware_ValidProofOpensSessionAndMeters(t *testing.T) {
	f := newFixture(t, Config{Priority: queue.PriorityHigh})

	w := f.call(map[string]string{HeaderPayment: proofHeader(t, sig("a1"), "0.01")}, "")
	require.Equal(t, http.StatusOK, w.Code)

	sid := w.Header().Get(HeaderSession)
	require.NotEmpty(t, sid)
	assert.Contains(t, w.Body.String(), sid)

	raw, err := base64.StdEncoding.DecodeString(w.Header().Get(HeaderPaymentResponse))
	require.NoError(t, err)
	var resp PaymentResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, sid, resp.SessionID)
	assert.Equal(t, sig("a1"), resp.Transaction)

	pending := f.queue.Snapshot()
	require.Len(t, pending, 1)
	assert.Equal(t, queue.PriorityHigh, pending[0].Priority)
	assert.Equal(t, sid, pending[0].SessionID)
}

func TestMiddleware_SessionHeaderSkipsProof(t *testing.T) {
	f := newFixture(t, Config{})
	w := f.call(map[string]string{HeaderPayment: proofHeader(t, sig("a1"), "0.01")}, "")
	require.Equal(t, http.StatusOK, w.Code)
	sid := w.Header().Get(HeaderSession)

	w = f.call(map[string]string{HeaderSession: sid}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sid, w.Header().Get(HeaderSession))
	assert.Empty(t, w.Header().Get(HeaderPaymentResponse))
	assert.Equal(t, 2, f.queue.Len())

	s, err := f.sessions.Get(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.ExecutionCount)
}

func TestMiddleware_UnknownSessionFallsBackToChallenge(t *testing.T) {
	f := newFixture(t, Config{})
	w := f.call(map[string]string{HeaderSession: "ses_gone"}, "")
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

func TestMiddleware_SessionWithoutGrantIsForbidden(t *testing.T) {
	f := newFixture(t, Config{})
	s, err := f.sessions.Create(context.Background(), payer, "other-agent", nil)
	require.NoError(t, err)

	w := f.call(map[string]string{HeaderSession: s.ID}, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 0, f.queue.Len())
}

func TestMiddleware_ReplayedProof(t *testing.T) {
	f := newFixture(t, Config{})
	header := proofHeader(t, sig("a1"), "0.01")
	w := f.call(map[string]string{HeaderPayment: header}, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, f.engine.TerminateSession(context.Background(), w.Header().Get(HeaderSession)))

	w = f.call(map[string]string{HeaderPayment: header}, "")
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "already used")
}

func TestMiddleware_ProofForLiveWalletDoesNotHandOutSession(t *testing.T) {
	f := newFixture(t, Config{})
	header := proofHeader(t, sig("a1"), "0.01")
	w := f.call(map[string]string{HeaderPayment: header}, "")
	require.Equal(t, http.StatusOK, w.Code)
	victim := w.Header().Get(HeaderSession)

	// Replaying the victim's proof while their session is live must not
	// return that session.
	w = f.call(map[string]string{HeaderPayment: header}, "")
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Empty(t, w.Header().Get(HeaderSession))
	assert.NotContains(t, w.Body.String(), victim)
}

func TestMiddleware_MalformedProof(t *testing.T) {
	f := newFixture(t, Config{})
	w := f.call(map[string]string{HeaderPayment: "not-a-proof"}, "")
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "malformed payment proof")
}

func TestMiddleware_FailedCallIsNotMetered(t *testing.T) {
	f := newFixture(t, Config{})
	w := f.call(map[string]string{HeaderPayment: proofHeader(t, sig("a1"), "0.01")}, "?fail=1")
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, 0, f.queue.Len())
}

func TestReasonFor(t *testing.T) {
	assert.Equal(t, "insufficient_payment", reasonFor(protocol.ErrInsufficientPayment))
	assert.Equal(t, "replayed", reasonFor(protocol.ErrProofReplayed))
	assert.Equal(t, "invalid_proof", reasonFor(errors.New("other")))
}
