package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the paymeter operator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolVerifyAuditChain = mcp.NewTool("verify_audit_chain",
	mcp.WithDescription(
		"Verify the hash chain of the payment audit log. "+
			"Reports whether every retained entry links to its predecessor and, if not, "+
			"the id of the first entry that breaks the chain."),
)

var ToolQueryAuditLog = mcp.NewTool("query_audit_log",
	mcp.WithDescription(
		"Search the payment audit log, newest entries first. "+
			"Filter by wallet, agent, action or time window."),
	mcp.WithString("wallet",
		mcp.Description("Payer wallet address (e.g. '0x1234...' or a Solana address)")),
	mcp.WithString("agent",
		mcp.Description("Agent id the payment was for")),
	mcp.WithString("action",
		mcp.Description("Audit action, e.g. 'payment.completed', 'session.terminated', 'escrow.disputed'")),
	mcp.WithString("start",
		mcp.Description("Window start, RFC3339")),
	mcp.WithString("end",
		mcp.Description("Window end, RFC3339")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 20)")),
)

var ToolComplianceReport = mcp.NewTool("compliance_report",
	mcp.WithDescription(
		"Summarise one wallet's payment activity: completed and failed payments, "+
			"disputes, volume and a risk score from 0 to 100."),
	mcp.WithString("wallet",
		mcp.Required(),
		mcp.Description("Wallet address to report on")),
	mcp.WithString("start",
		mcp.Description("Window start, RFC3339. Defaults to the start of retained history.")),
	mcp.WithString("end",
		mcp.Description("Window end, RFC3339. Defaults to now.")),
)

var ToolCallerStatus = mcp.NewTool("caller_status",
	mcp.WithDescription(
		"Check whether a wallet currently holds a session for an agent "+
			"and whether the payment that opened it has cleared on-chain."),
	mcp.WithString("wallet",
		mcp.Required(),
		mcp.Description("Payer wallet address")),
	mcp.WithString("agent",
		mcp.Required(),
		mcp.Description("Agent id")),
)

var ToolVerificationStatus = mcp.NewTool("verification_status",
	mcp.WithDescription(
		"Look up the on-chain verification of a payment by transaction signature: "+
			"status, confirmations, progress and estimated time to finality."),
	mcp.WithString("signature",
		mcp.Required(),
		mcp.Description("Transaction signature or hash")),
)

var ToolQueueStats = mcp.NewTool("queue_stats",
	mcp.WithDescription(
		"Get payment queue statistics: pending length, in-flight payments, "+
			"completed, failed and retried counts, and average processing time."),
)

var ToolProcessBatch = mcp.NewTool("process_batch",
	mcp.WithDescription(
		"Settle the next batch of queued payments now instead of waiting for the batch timer."),
)

var ToolDisputeEscrow = mcp.NewTool("dispute_escrow",
	mcp.WithDescription(
		"Flag an open escrow as disputed. The dispute is recorded in the audit log "+
			"and counts against the wallet's compliance report."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow id")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the payment is disputed")),
)

var ToolDisconnectWallet = mcp.NewTool("disconnect_wallet",
	mcp.WithDescription(
		"Terminate every session a wallet holds. Use when a wallet is compromised or misbehaving."),
	mcp.WithString("wallet",
		mcp.Required(),
		mcp.Description("Wallet address to disconnect")),
)
