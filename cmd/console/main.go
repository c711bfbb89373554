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
	outage := flag.Duration("outage", 0, "simulate a receiver outage of this length every 3x interval")
	flag.Parse()

	cfg, err := config.Load("")
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: "console"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunMockConsole(ctx, cfg, os.Stdout, *outage); err != nil {
		logging.Fatal().Err(err).Msg("mock console failed")
	}
}
