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
	configPath := flag.String("config", "geotracker.yaml", "path to the YAML config file")
	command := flag.String("cmd", "", "send a command first: retry, stop, start or oneshot")
	flag.Parse()

	logging.Info().Msg("starting geotracker console (MQTT subscriber)")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunConsoleMQTT(ctx, cfg.MQTT, os.Stdout, *command); err != nil {
		logging.Fatal().Err(err).Msg("console failed")
	}
}
