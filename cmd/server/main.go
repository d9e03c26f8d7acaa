// sendguard - quota reservation and abuse-risk service for outbound messaging
package main

import (
	"context"
	"os"

	"github.com/mbd888/sendguard/internal/config"
	"github.com/mbd888/sendguard/internal/logging"
	"github.com/mbd888/sendguard/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config picks the real level and format
	logger := logging.New("info", "text")

	logger.Info("starting sendguard",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat, logging.WithFile(cfg.LogFile))
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"storage", storageMode(cfg),
		"kafka_signals", cfg.KafkaSignalTopic != "",
		"redis", cfg.RedisURL != "",
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

func storageMode(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "memory"
}
