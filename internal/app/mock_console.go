// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/relabs-tech/geotracker/internal/config"
	"github.com/relabs-tech/geotracker/internal/sensors"
	"github.com/relabs-tech/geotracker/internal/tracker"
)

// RunMockConsole runs the tracker against the simulated sensor and prints
// every snapshot. When outage > 0 the sensor goes dark for that long out of
// every 3*outage, so timeouts and backoff show up without hardware.
func RunMockConsole(ctx context.Context, cfg *config.Config, out io.Writer, outage time.Duration) error {
	sim := sensors.NewSimulatedSensor(sensors.SimulatedConfig{
		Latitude:  cfg.GPS.SimLatitude,
		Longitude: cfg.GPS.SimLongitude,
		Interval:  cfg.GPS.SimInterval,
	})
	trk := tracker.New(tracker.Config{Sensor: sim, Defaults: cfg.Tracker.Options()})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- trk.Run(ctx) }()

	if outage > 0 {
		go toggleOutage(ctx, sim, outage)
	}

	snaps, unsubscribe := trk.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case err := <-runErr:
			return err
		case s := <-snaps:
			fmt.Fprintln(out, FormatSnapshot(s, time.Now()))
		}
	}
}

func toggleOutage(ctx context.Context, sim *sensors.SimulatedSensor, outage time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * outage):
		}
		sim.SetOutage(true)

		select {
		case <-ctx.Done():
			return
		case <-time.After(outage):
		}
		sim.SetOutage(false)
	}
}
