// Command server runs the tradeflow trade lifecycle and escrow settlement API.
package main

import (
	"context"
	"os"

	"github.com/mbd888/tradeflow/internal/config"
	"github.com/mbd888/tradeflow/internal/logging"
	"github.com/mbd888/tradeflow/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured one exists
	logger := logging.New("info", "text")

	logger.Info("starting tradeflow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.NewWithFile(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"postgres", cfg.DatabaseURL != "",
		"kafka", cfg.KafkaBrokers != "",
		"admin_api", cfg.AdminSecret != "",
	)

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
