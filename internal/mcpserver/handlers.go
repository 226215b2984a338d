package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/paymeter/internal/audit"
	"github.com/mbd888/paymeter/internal/protocol"
	"github.com/mbd888/paymeter/internal/queue"
	"github.com/mbd888/paymeter/internal/verifier"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleVerifyAuditChain checks audit chain integrity.
func (h *Handlers) HandleVerifyAuditChain(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.VerifyChain(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to verify audit chain: %v", err)), nil
	}
	var res audit.IntegrityResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse integrity result: %v", err)), nil
	}

	if !res.Valid {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Audit chain BROKEN.\n\n"+
				"First bad entry: %s\n"+
				"Entries checked: %d\n\n"+
				"Entries from this one onward cannot be trusted. Export the log and investigate.",
			res.BrokenAt, res.Checked)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Audit chain intact.\nEntries verified: %d\nAnchor: %s",
		res.Checked, shortHash(res.Anchor.Hash))), nil
}

// HandleQueryAuditLog searches the audit log.
func (h *Handlers) HandleQueryAuditLog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := AuditQuery{
		Wallet: req.GetString("wallet", ""),
		Agent:  req.GetString("agent", ""),
		Action: req.GetString("action", ""),
		Start:  req.GetString("start", ""),
		End:    req.GetString("end", ""),
		Limit:  req.GetInt("limit", 20),
	}
	raw, err := h.client.QueryAudit(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to query audit log: %v", err)), nil
	}
	var resp struct {
		Entries []*audit.Entry `json:"entries"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse audit entries: %v", err)), nil
	}
	return mcp.NewToolResultText(formatEntries(resp.Entries)), nil
}

// HandleComplianceReport summarises a wallet's activity.
func (h *Handlers) HandleComplianceReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wallet := req.GetString("wallet", "")
	if wallet == "" {
		return mcp.NewToolResultError("wallet is required"), nil
	}
	raw, err := h.client.ComplianceReport(ctx, wallet, req.GetString("start", ""), req.GetString("end", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to build compliance report: %v", err)), nil
	}
	var resp struct {
		Report *audit.ComplianceReport `json:"report"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Report == nil {
		return mcp.NewToolResultError("Failed to parse compliance report"), nil
	}
	return mcp.NewToolResultText(formatCompliance(resp.Report)), nil
}

// HandleCallerStatus reports a wallet's access to an agent.
func (h *Handlers) HandleCallerStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wallet := req.GetString("wallet", "")
	agent := req.GetString("agent", "")
	if wallet == "" || agent == "" {
		return mcp.NewToolResultError("wallet and agent are required"), nil
	}
	raw, err := h.client.CallerStatus(ctx, wallet, agent)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get caller status: %v", err)), nil
	}
	var st protocol.CallerStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse caller status: %v", err)), nil
	}
	return mcp.NewToolResultText(formatCallerStatus(wallet, agent, st)), nil
}

// HandleVerificationStatus looks up an on-chain verification.
func (h *Handlers) HandleVerificationStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sig := req.GetString("signature", "")
	if sig == "" {
		return mcp.NewToolResultError("signature is required"), nil
	}
	raw, err := h.client.Verification(ctx, sig)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get verification: %v", err)), nil
	}
	var resp struct {
		Verification *verifier.Record `json:"verification"`
		Progress     float64          `json:"progress"`
		ETAMs        int64            `json:"etaMs"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Verification == nil {
		return mcp.NewToolResultError("Failed to parse verification"), nil
	}

	rec := resp.Verification
	var sb strings.Builder
	fmt.Fprintf(&sb, "Verification %s\n", shortHash(rec.Signature))
	fmt.Fprintf(&sb, "  Status: %s\n", rec.Status)
	fmt.Fprintf(&sb, "  Confirmations: %d (%.0f%%)\n", rec.Confirmations, resp.Progress*100)
	fmt.Fprintf(&sb, "  Amount: %g to %s\n", rec.ExpectedAmount, rec.ExpectedRecipient)
	if rec.ErrorCode != "" {
		fmt.Fprintf(&sb, "  Error: %s (retries %d)\n", rec.ErrorCode, rec.RetryCount)
	}
	if resp.ETAMs > 0 {
		fmt.Fprintf(&sb, "  ETA: %s\n", time.Duration(resp.ETAMs)*time.Millisecond)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleQueueStats returns queue statistics.
func (h *Handlers) HandleQueueStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.QueueStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get queue stats: %v", err)), nil
	}
	var s queue.Stats
	if err := json.Unmarshal(raw, &s); err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	var sb strings.Builder
	sb.WriteString("Payment Queue:\n")
	fmt.Fprintf(&sb, "  Pending:    %d\n", s.Length)
	fmt.Fprintf(&sb, "  Processing: %d\n", s.Processing)
	fmt.Fprintf(&sb, "  Completed:  %d\n", s.Completed)
	fmt.Fprintf(&sb, "  Failed:     %d\n", s.Failed)
	fmt.Fprintf(&sb, "  Retried:    %d\n", s.Retried)
	if s.Rejected > 0 {
		fmt.Fprintf(&sb, "  Rejected:   %d (queue full)\n", s.Rejected)
	}
	fmt.Fprintf(&sb, "  Avg processing: %s\n", s.AverageProcessingTime)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleProcessBatch settles one batch.
func (h *Handlers) HandleProcessBatch(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ProcessBatch(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Batch processing failed: %v", err)), nil
	}
	var resp struct {
		Batch *queue.Batch `json:"batch"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse batch: %v", err)), nil
	}
	if resp.Batch == nil {
		return mcp.NewToolResultText("No pending payments."), nil
	}
	b := resp.Batch
	return mcp.NewToolResultText(fmt.Sprintf(
		"Batch %s: %s\n"+
			"Payments: %d (%d settled, %d failed, %d requeued)\n"+
			"Total: %g",
		b.ID, b.Status, len(b.PaymentIDs), b.SuccessCount, b.FailureCount, b.RetriedCount, b.TotalAmount)), nil
}

// HandleDisputeEscrow disputes an escrow.
func (h *Handlers) HandleDisputeEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	if _, err := h.client.DisputeEscrow(ctx, escrowID, reason); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %s disputed.\nReason: %s",
		escrowID, reason)), nil
}

// HandleDisconnectWallet ends every session a wallet holds.
func (h *Handlers) HandleDisconnectWallet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wallet := req.GetString("wallet", "")
	if wallet == "" {
		return mcp.NewToolResultError("wallet is required"), nil
	}
	raw, err := h.client.DisconnectWallet(ctx, wallet)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Disconnect failed: %v", err)), nil
	}
	var resp struct {
		Terminated int `json:"terminated"`
	}
	_ = json.Unmarshal(raw, &resp)
	return mcp.NewToolResultText(fmt.Sprintf(
		"Wallet %s disconnected. Sessions terminated: %d", wallet, resp.Terminated)), nil
}

// --- Formatting helpers ---

func formatEntries(entries []*audit.Entry) string {
	if len(entries) == 0 {
		return "No audit entries found."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d entr%s:\n\n", len(entries), plural(len(entries), "y", "ies"))
	for i, e := range entries {
		fmt.Fprintf(&sb, "%d. [%s] %s %s\n", i+1, e.Severity, e.Timestamp.UTC().Format(time.RFC3339), e.Action)
		fmt.Fprintf(&sb, "   Wallet: %s", e.WalletAddr)
		if e.AgentID != "" {
			fmt.Fprintf(&sb, " | Agent: %s", e.AgentID)
		}
		sb.WriteString("\n")
		if v, ok := getFloat(e.Details, "amount"); ok {
			fmt.Fprintf(&sb, "   Amount: %g\n", v)
		}
		if v := getString(e.Details, "reason"); v != "" {
			fmt.Fprintf(&sb, "   Reason: %s\n", v)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatCompliance(r *audit.ComplianceReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Compliance report for %s\n", r.WalletAddr)
	fmt.Fprintf(&sb, "  Window: %s to %s\n", r.Start.UTC().Format(time.RFC3339), r.End.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "  Sessions opened: %d\n", r.SessionsCreated)
	fmt.Fprintf(&sb, "  Payments: %d completed, %d failed (%.0f%% failure)\n",
		r.SuccessfulPayments, r.FailedPayments, r.FailureRate*100)
	fmt.Fprintf(&sb, "  Disputed escrows: %d (%.0f%%)\n", r.DisputedEscrows, r.DisputeRate*100)
	fmt.Fprintf(&sb, "  Volume: %g\n", r.TotalVolume)
	fmt.Fprintf(&sb, "  Risk score: %.0f/100 (%s)", r.RiskScore, riskBand(r.RiskScore))
	return sb.String()
}

func riskBand(score float64) string {
	switch {
	case score >= 70:
		return "high"
	case score >= 30:
		return "elevated"
	default:
		return "low"
	}
}

func formatCallerStatus(wallet, agent string, st protocol.CallerStatus) string {
	if !st.Allowed || st.Session == nil {
		return fmt.Sprintf("%s has no live session for %s. The next call will receive a 402 challenge.", wallet, agent)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s may call %s\n", wallet, agent)
	fmt.Fprintf(&sb, "  Session expires %s\n", st.Session.ExpiresAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "  Calls: %d | Spent: %g\n", st.Session.ExecutionCount, st.Session.TotalSpent)
	switch {
	case st.Verification == nil:
		sb.WriteString("  Payment: no verification record")
	case st.Cleared:
		sb.WriteString("  Payment: cleared")
	default:
		fmt.Fprintf(&sb, "  Payment: %s, %.0f%% confirmed, ETA %s", st.Verification.Status, st.Progress*100, st.ETA)
	}
	return sb.String()
}

func shortHash(h string) string {
	if len(h) <= 18 {
		return h
	}
	return h[:10] + "..." + h[len(h)-6:]
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
