// YieldGuard - risk-scored capital allocation vault
package main

import (
	"context"
	"os"

	"github.com/mbd888/yieldguard/internal/config"
	"github.com/mbd888/yieldguard/internal/logging"
	"github.com/mbd888/yieldguard/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	bootLogger := logging.New("info", "text")

	bootLogger.Info("starting yieldguard",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"emergency_threshold_bps", cfg.EmergencyThresholdBps,
		"staleness_threshold", cfg.StalenessThreshold,
		"asset_decimals", cfg.AssetDecimals,
		"api_keys", len(cfg.APIKeys),
		"persistent", cfg.DatabaseURL != "",
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
