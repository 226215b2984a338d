// Paymeter - micropayment gate for agent APIs
package main

import (
	"context"
	"os"

	"github.com/mbd888/paymeter/internal/config"
	"github.com/mbd888/paymeter/internal/logging"
	"github.com/mbd888/paymeter/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting paymeter",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Re-create the logger with the configured level and format
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"network", cfg.PaymentNetwork,
		"recipient", cfg.PaymentRecipient,
		"price", cfg.DefaultPrice,
	)

	if Version != "dev" {
		server.Version = Version
	}

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
