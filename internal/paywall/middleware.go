// Package paywall implements the HTTP 402 Payment Required gate in front
// of metered agent routes.
//
// A request is admitted either by a live session (X-Session-ID) or by a
// payment proof (X-PAYMENT, base64 JSON). Anything else is answered with
// 402 and the payment terms. Calls that complete without an error status
// are metered into the payment queue.
package paywall

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paymeter/internal/audit"
	"github.com/mbd888/paymeter/internal/logging"
	"github.com/mbd888/paymeter/internal/metrics"
	"github.com/mbd888/paymeter/internal/protocol"
	"github.com/mbd888/paymeter/internal/queue"
	"github.com/mbd888/paymeter/internal/session"
)

// Header names.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
	HeaderSession         = session.HeaderSessionID
)

const sessionKey = "paywall_session"

// Gate is the slice of the protocol engine the paywall drives.
type Gate interface {
	Challenge(resource, agentID string, price float64) protocol.PaymentRequired
	Admit(ctx context.Context, req protocol.AdmitRequest) (*protocol.Admission, error)
	Authorize(ctx context.Context, sessionID string, action session.Action, resource string) error
	RecordCall(ctx context.Context, sessionID string, amount float64, priority queue.Priority) (*queue.Payment, error)
	Config() protocol.Config
}

// Config for the paywall middleware.
type Config struct {
	// Price per call. Zero charges the engine's configured price.
	Price float64

	// Priority of the metered payment. Defaults to normal.
	Priority queue.Priority

	// AgentID extracts the metered agent from the request. Defaults to
	// the :agent route parameter.
	AgentID func(c *gin.Context) string

	Logger *slog.Logger
}

// PaymentResponse is returned base64-encoded in X-PAYMENT-RESPONSE when a
// proof opens a session.
type PaymentResponse struct {
	Success     bool   `json:"success"`
	Payer       string `json:"payer"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	SessionID   string `json:"sessionId"`
}

// Middleware gates a route behind payment.
func Middleware(gate Gate, cfg Config) gin.HandlerFunc {
	if cfg.Priority == "" {
		cfg.Priority = queue.PriorityNormal
	}
	if cfg.AgentID == nil {
		cfg.AgentID = func(c *gin.Context) string { return c.Param("agent") }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.Component(logger, "paywall")

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		agentID := cfg.AgentID(c)
		if agentID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "agent is required",
			})
			return
		}
		resource := c.Request.URL.Path

		sessionID, ok := authorizeSession(c, gate, agentID)
		if c.IsAborted() {
			return
		}
		if !ok {
			sessionID, ok = admitProof(c, gate, cfg, agentID, resource)
			if !ok {
				return
			}
		}

		c.Header(HeaderSession, sessionID)
		c.Set(sessionKey, sessionID)
		c.Next()

		if c.Writer.Status() >= http.StatusBadRequest {
			return
		}
		price := cfg.Price
		if price <= 0 {
			price = gate.Config().Price
		}
		if _, err := gate.RecordCall(ctx, sessionID, price, cfg.Priority); err != nil {
			logger.Error("call not metered", "sessionId", sessionID, "agentId", agentID, "error", err)
		}
	}
}

// authorizeSession reports whether X-Session-ID names a live session
// allowed to execute agentID. A session lacking the grant aborts with 403;
// a missing or expired one falls through to proof admission.
func authorizeSession(c *gin.Context, gate Gate, agentID string) (string, bool) {
	sid := c.GetHeader(HeaderSession)
	if sid == "" {
		return "", false
	}
	err := gate.Authorize(c.Request.Context(), sid, session.ActionExecute, agentID)
	switch {
	case err == nil:
		metrics.AdmissionsTotal.WithLabelValues("session_header").Inc()
		return sid, true
	case errors.Is(err, protocol.ErrForbidden):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Session may not call this agent",
		})
	}
	return "", false
}

func admitProof(c *gin.Context, gate Gate, cfg Config, agentID, resource string) (string, bool) {
	header := c.GetHeader(HeaderPayment)
	if header == "" {
		challenge(c, gate, cfg, agentID, resource, "missing_proof", "X-PAYMENT header is required")
		return "", false
	}
	proof, err := protocol.DecodeProof(header)
	if err != nil {
		challenge(c, gate, cfg, agentID, resource, "invalid_proof", err.Error())
		return "", false
	}

	adm, err := gate.Admit(c.Request.Context(), protocol.AdmitRequest{
		Proof:    proof,
		AgentID:  agentID,
		Resource: resource,
		Price:    cfg.Price,
		Network: audit.NetworkInfo{
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			RequestID: logging.RequestID(c.Request.Context()),
		},
	})
	if err != nil {
		challenge(c, gate, cfg, agentID, resource, reasonFor(err), err.Error())
		return "", false
	}

	resp := PaymentResponse{
		Success:     true,
		Payer:       adm.Session.WalletAddr,
		Transaction: proof.Payload.Signature,
		Network:     proof.Network,
		SessionID:   adm.Session.ID,
	}
	if raw, err := json.Marshal(resp); err == nil {
		c.Header(HeaderPaymentResponse, base64.StdEncoding.EncodeToString(raw))
	}
	return adm.Session.ID, true
}

func challenge(c *gin.Context, gate Gate, cfg Config, agentID, resource, reason, message string) {
	metrics.ChallengesTotal.WithLabelValues(reason).Inc()
	body := gate.Challenge(resource, agentID, cfg.Price)
	body.Error = message
	c.AbortWithStatusJSON(http.StatusPaymentRequired, body)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, protocol.ErrInsufficientPayment):
		return "insufficient_payment"
	case errors.Is(err, protocol.ErrWrongRecipient):
		return "wrong_recipient"
	case errors.Is(err, protocol.ErrWrongNetwork):
		return "wrong_network"
	case errors.Is(err, protocol.ErrProofReplayed):
		return "replayed"
	case errors.Is(err, protocol.ErrProofRejected):
		return "rejected"
	}
	return "invalid_proof"
}

// SessionID returns the session the paywall admitted the request under.
func SessionID(c *gin.Context) string {
	return c.GetString(sessionKey)
}
