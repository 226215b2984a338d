package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with the operator tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("paymeter", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolVerifyAuditChain, h.HandleVerifyAuditChain)
	s.AddTool(ToolQueryAuditLog, h.HandleQueryAuditLog)
	s.AddTool(ToolComplianceReport, h.HandleComplianceReport)
	s.AddTool(ToolCallerStatus, h.HandleCallerStatus)
	s.AddTool(ToolVerificationStatus, h.HandleVerificationStatus)
	s.AddTool(ToolQueueStats, h.HandleQueueStats)
	s.AddTool(ToolProcessBatch, h.HandleProcessBatch)
	s.AddTool(ToolDisputeEscrow, h.HandleDisputeEscrow)
	s.AddTool(ToolDisconnectWallet, h.HandleDisconnectWallet)

	return s
}
