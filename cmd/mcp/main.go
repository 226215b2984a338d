// Command mcp serves paymeter's operator tools over stdio for MCP clients.
//
// It talks to a running paymeter API with the operator secret:
//
//	PAYMETER_API_URL       API base URL (default http://localhost:8080)
//	PAYMETER_ADMIN_SECRET  value of ADMIN_SECRET on the server (required)
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/paymeter/internal/mcpserver"
)

func main() {
	// stdout carries the protocol; diagnostics go to stderr only
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:      os.Getenv("PAYMETER_API_URL"),
		AdminSecret: os.Getenv("PAYMETER_ADMIN_SECRET"),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}
	if cfg.AdminSecret == "" {
		fmt.Fprintln(os.Stderr, "PAYMETER_ADMIN_SECRET is required")
		os.Exit(1)
	}

	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		fmt.Fprintf(os.Stderr, "mcp: %v\n", err)
		os.Exit(1)
	}
}
