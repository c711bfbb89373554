// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/geotracker/internal/app"
	"github.com/relabs-tech/geotracker/internal/config"
	"github.com/relabs-tech/geotracker/internal/logging"
)

func main() {
	configPath := flag.String("config", "geotracker.yaml", "path to the YAML config file (empty for defaults and env only)")
	flag.Parse()

	if err := config.InitGlobal(*configPath); err != nil {
		logging.Fatal().Err(err).Msg("failed to load config")
	}
	cfg := config.Get()
	initLogging(cfg.Logging)
	defer logging.Close()

	logging.Info().Str("gps", cfg.GPS.Source).Msg("starting geotracker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunTracker(ctx, cfg); err != nil {
		logging.Error().Err(err).Msg("tracker stopped")
		logging.Close()
		os.Exit(1)
	}
	logging.Info().Msg("geotracker stopped")
}

func initLogging(c config.LoggingConfig) {
	logging.Init(logging.Config{
		Level:         c.Level,
		Format:        c.Format,
		File:          c.File,
		MaxSizeMB:     c.MaxSizeMB,
		MaxBackups:    c.MaxBackups,
		MaxAgeDays:    c.MaxAgeDays,
		CompressFiles: c.Compress,
	})
}
