// WryLyt - credit ledger and entitlement broker for credit-gated AI tools
package main

import (
	"context"
	"os"

	"github.com/wrylyt/wrylyt/internal/config"
	"github.com/wrylyt/wrylyt/internal/logging"
	"github.com/wrylyt/wrylyt/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting wrylyt",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"router_mode", cfg.RouterMode,
		"reservation_ttl", cfg.ReservationTTL.String(),
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
