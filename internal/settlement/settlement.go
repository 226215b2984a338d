// Package settlement provides the protocol.Settler implementations: an
// HTTP client for an x402 facilitator's /settle endpoint, and a local
// settler for development that accepts every payment.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/paymeter/internal/logging"
	"github.com/mbd888/paymeter/internal/protocol"
	"github.com/mbd888/paymeter/internal/queue"
	"github.com/mbd888/paymeter/internal/retry"
)

// ErrRejected is returned when the facilitator refuses a payment.
var ErrRejected = errors.New("settlement: rejected by facilitator")

// Terms supplies the current payment terms; *protocol.Engine satisfies it.
type Terms interface {
	Config() protocol.Config
}

// Request is the body POSTed to {facilitator}/settle.
type Request struct {
	X402Version int    `json:"x402Version"`
	PaymentID   string `json:"paymentId"`
	Payer       string `json:"payer"`
	PayTo       string `json:"payTo"`
	AgentID     string `json:"agentId"`
	Amount      string `json:"amount"`
	Asset       string `json:"asset"`
	Network     string `json:"network"`
	Reference   string `json:"reference,omitempty"`
}

// Response mirrors the facilitator's settle response.
type Response struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
}

// HTTPSettler settles payments through a facilitator. Transport errors and
// 5xx responses are retried with backoff inside one attempt; a 4xx or an
// explicit rejection is final for the attempt.
type HTTPSettler struct {
	url    string
	terms  Terms
	client *http.Client
	policy retry.Policy
	logger *slog.Logger
}

// Option configures an HTTPSettler.
type Option func(*HTTPSettler)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(s *HTTPSettler) { s.client = c }
}

// WithRetry sets the backoff used within one settlement attempt.
func WithRetry(p retry.Policy) Option {
	return func(s *HTTPSettler) { s.policy = p }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *HTTPSettler) { s.logger = logging.Component(logger, "settlement") }
}

// NewHTTPSettler creates a settler for the facilitator at url.
func NewHTTPSettler(url string, terms Terms, opts ...Option) *HTTPSettler {
	s := &HTTPSettler{
		url:    strings.TrimRight(url, "/"),
		terms:  terms,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		logger: logging.Component(slog.Default(), "settlement"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settle implements protocol.Settler.
func (s *HTTPSettler) Settle(ctx context.Context, p *queue.Payment) error {
	terms := s.terms.Config()
	body, err := json.Marshal(Request{
		X402Version: protocol.X402Version,
		PaymentID:   p.ID,
		Payer:       p.WalletAddr,
		PayTo:       terms.Recipient,
		AgentID:     p.AgentID,
		Amount:      strconv.FormatFloat(p.Amount, 'f', -1, 64),
		Asset:       terms.Asset,
		Network:     terms.Network,
		Reference:   p.Reference,
	})
	if err != nil {
		return retry.Permanent(err)
	}

	var resp *Response
	attempts, err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		r, err := s.post(ctx, body)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		s.logger.Warn("settlement failed", "paymentId", p.ID, "agentId", p.AgentID, "attempts", attempts, "error", err)
		return err
	}
	s.logger.Info("payment settled", "paymentId", p.ID, "transaction", resp.Transaction)
	return nil
}

func (s *HTTPSettler) post(ctx context.Context, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/settle", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("settle request failed: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read settle response: %w", err)
	}
	if httpResp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("facilitator returned %d", httpResp.StatusCode)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, retry.Permanent(fmt.Errorf("facilitator settle failed (%d): %s", httpResp.StatusCode, raw))
	}
	if httpResp.StatusCode != http.StatusOK || !resp.Success {
		reason := resp.ErrorReason
		if reason == "" {
			reason = http.StatusText(httpResp.StatusCode)
		}
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrRejected, reason))
	}
	return &resp, nil
}

// LocalSettler accepts every payment. It stands in for a facilitator in
// development, where funding signatures are tracked by the verifier but no
// per-call transfer happens.
type LocalSettler struct {
	logger *slog.Logger
}

// NewLocalSettler creates a LocalSettler.
func NewLocalSettler(logger *slog.Logger) *LocalSettler {
	return &LocalSettler{logger: logging.Component(logger, "settlement")}
}

// Settle implements protocol.Settler.
func (s *LocalSettler) Settle(ctx context.Context, p *queue.Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Debug("payment settled locally", "paymentId", p.ID, "amount", p.Amount)
	return nil
}
