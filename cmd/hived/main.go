// SPDX-License-Identifier: MIT

// Command hived runs the hive orchestrator daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hivemesh/hive/internal/config"
	"github.com/hivemesh/hive/internal/daemon"
	"github.com/hivemesh/hive/internal/health"
	"github.com/hivemesh/hive/internal/log"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until the real config is loaded.
	log.Configure(log.Config{
		Level:   "info",
		Service: "hive",
		Version: version,
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader(*configPath, version).Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Reconfigure with the operator-selected level.
	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "hive",
		Version: version,
	})

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("startup checks failed")
	}

	app, err := daemon.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to assemble daemon")
	}

	logger.Info().
		Str("version", version).
		Str("listen", cfg.Listen).
		Str("dataDir", cfg.DataDir).
		Msg("hive orchestrator starting")

	if err := app.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
	logger.Info().Msg("hive orchestrator stopped")
}
