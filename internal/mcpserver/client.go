package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/mbd888/paymeter/internal/security"
)

// Config holds the configuration for connecting to a paymeter server.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Sent as X-Admin-Secret on operator routes
}

// Client is a pure HTTP client for the paymeter operator API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for a paymeter server.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and returns the response body. Statuses
// listed in accept are returned as bodies rather than errors.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any, accept ...int) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.AdminSecret != "" {
		req.Header.Set(security.AdminSecretHeader, c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 && !slices.Contains(accept, resp.StatusCode) {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// AuditQuery narrows QueryAudit.
type AuditQuery struct {
	Wallet string
	Agent  string
	Action string
	Start  string
	End    string
	Limit  int
}

// QueryAudit searches the audit log.
func (c *Client) QueryAudit(ctx context.Context, aq AuditQuery) (json.RawMessage, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("wallet", aq.Wallet)
	set("agent", aq.Agent)
	set("action", aq.Action)
	set("start", aq.Start)
	set("end", aq.End)
	if aq.Limit > 0 {
		q.Set("limit", strconv.Itoa(aq.Limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/audit", q, nil)
}

// VerifyChain checks audit chain integrity. A broken chain is a 409 with
// the integrity result as its body.
func (c *Client) VerifyChain(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/audit/verify", nil, nil, http.StatusConflict)
}

// ComplianceReport returns one wallet's activity summary.
func (c *Client) ComplianceReport(ctx context.Context, wallet, start, end string) (json.RawMessage, error) {
	q := url.Values{}
	if start != "" {
		q.Set("start", start)
	}
	if end != "" {
		q.Set("end", end)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/audit/compliance/"+url.PathEscape(wallet), q, nil)
}

// CallerStatus reports whether a wallet may call an agent.
func (c *Client) CallerStatus(ctx context.Context, wallet, agent string) (json.RawMessage, error) {
	q := url.Values{"wallet": {wallet}, "agent": {agent}}
	return c.doRequest(ctx, http.MethodGet, "/v1/status", q, nil)
}

// Verification returns the verification record for a signature.
func (c *Client) Verification(ctx context.Context, signature string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/verifications/"+url.PathEscape(signature), nil, nil)
}

// QueueStats returns payment queue statistics.
func (c *Client) QueueStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/queue/stats", nil, nil)
}

// ProcessBatch settles one batch now.
func (c *Client) ProcessBatch(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/queue/process", nil, nil)
}

// DisputeEscrow flags an escrow as disputed.
func (c *Client) DisputeEscrow(ctx context.Context, escrowID, reason string) (json.RawMessage, error) {
	body := map[string]string{"reason": reason}
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/escrows/"+url.PathEscape(escrowID)+"/dispute", nil, body)
}

// DisconnectWallet terminates every session the wallet holds.
func (c *Client) DisconnectWallet(ctx context.Context, wallet string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodDelete, "/v1/admin/wallets/"+url.PathEscape(wallet), nil, nil)
}
