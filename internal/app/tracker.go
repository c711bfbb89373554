// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/relabs-tech/geotracker/internal/config"
	"github.com/relabs-tech/geotracker/internal/display"
	"github.com/relabs-tech/geotracker/internal/logging"
	"github.com/relabs-tech/geotracker/internal/publish"
	"github.com/relabs-tech/geotracker/internal/sensors"
	"github.com/relabs-tech/geotracker/internal/supervisor"
	"github.com/relabs-tech/geotracker/internal/tracker"
	"github.com/relabs-tech/geotracker/internal/web"
)

// NewSensor builds the position sensor and, for real hardware, the
// permission source guarding its device node.
func NewSensor(cfg config.GPSConfig) (tracker.Sensor, tracker.PermissionSource) {
	if cfg.Source == "simulated" {
		return sensors.NewSimulatedSensor(sensors.SimulatedConfig{
			Latitude:  cfg.SimLatitude,
			Longitude: cfg.SimLongitude,
			Interval:  cfg.SimInterval,
		}), nil
	}

	nmea := sensors.NewNMEASensor(sensors.SerialOpener(cfg.SerialPort, cfg.BaudRate), sensors.NMEAConfig{
		UERE:               cfg.UERE,
		HighAccuracyMeters: cfg.HighAccuracyMeters,
	})
	return nmea, sensors.NewDevicePermission(cfg.SerialPort, cfg.PermissionPoll)
}

// RunTracker runs the tracker with every enabled consumer until ctx is
// canceled.
func RunTracker(ctx context.Context, cfg *config.Config) error {
	log := logging.Component("app")

	sensor, perms := NewSensor(cfg.GPS)
	trk := tracker.New(tracker.Config{
		Sensor:      sensor,
		Permissions: perms,
		Defaults:    cfg.Tracker.Options(),
	})
	caps := trk.Capabilities()
	log.Info().
		Str("source", cfg.GPS.Source).
		Bool("permission_query", caps.PermissionQuery).
		Bool("permission_watch", caps.PermissionWatch).
		Msg("tracker configured")

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: cfg.Supervisor.FailureThreshold,
		FailureDecay:     cfg.Supervisor.FailureDecay,
		FailureBackoff:   cfg.Supervisor.FailureBackoff,
		ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
	})
	tree.AddCoreService(supervisor.TrackerService{T: trk})
	tree.AddCoreService(supervisor.NewSignalReactor(trk))

	sinks, err := newSinks(cfg, trk)
	if err != nil {
		return err
	}
	if len(sinks) > 0 {
		fan := publish.NewFanout(trk, publish.FanoutConfig{
			RatePerSecond:   cfg.Publish.RatePerSecond,
			Burst:           cfg.Publish.Burst,
			BreakerFailures: cfg.Publish.BreakerFailures,
			BreakerTimeout:  cfg.Publish.BreakerTimeout,
		}, sinks...)
		defer fan.Close()
		tree.AddMessagingService(fan)
	}

	if cfg.Web.Enabled {
		hub := web.NewHub(trk)
		tree.AddMessagingService(hub)
		tree.AddAPIService(web.NewServer(web.Config{
			Listen:          cfg.Web.Listen,
			StaticDir:       cfg.Web.StaticDir,
			ReadTimeout:     cfg.Web.ReadTimeout,
			WriteTimeout:    cfg.Web.WriteTimeout,
			ShutdownTimeout: cfg.Web.ShutdownTimeout,
			OneShotTimeout:  cfg.Web.OneShotTimeout,
		}, trk, hub))
	}

	if cfg.Display.Enabled {
		panel, closer, err := display.Open(cfg.Display.I2CBus)
		if err != nil {
			// the tracker is still useful headless
			log.Warn().Err(err).Msg("status display unavailable")
		} else {
			defer closer.Close()
			tree.AddMessagingService(display.New(panel, trk, cfg.Display.UpdateInterval))
		}
	}

	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		log.Warn().Int("services", len(report)).Msg("services did not stop in time")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func newSinks(cfg *config.Config, trk *tracker.Tracker) ([]publish.Sink, error) {
	var sinks []publish.Sink

	if cfg.MQTT.Enabled {
		m := publish.NewMQTTSink(publish.MQTTConfig{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			TopicFix:       cfg.MQTT.TopicFix,
			TopicStatus:    cfg.MQTT.TopicStatus,
			TopicCommand:   cfg.MQTT.TopicCommand,
			QoS:            cfg.MQTT.QoS,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
		}, trk)
		m.Connect()
		sinks = append(sinks, m)
	}

	if cfg.NATS.Enabled {
		n, err := publish.NewNATSSink(publish.NATSConfig{
			URL:           cfg.NATS.URL,
			SubjectFix:    cfg.NATS.SubjectFix,
			SubjectStatus: cfg.NATS.SubjectStatus,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
		})
		if err != nil {
			for _, s := range sinks {
				s.Close()
			}
			return nil, fmt.Errorf("nats: %w", err)
		}
		sinks = append(sinks, n)
	}
	return sinks, nil
}
