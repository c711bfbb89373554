// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"math"
	"sync"
	"time"

	"github.com/relabs-tech/geotracker/internal/gps"
)

// SimulatedConfig places the simulated track.
type SimulatedConfig struct {
	Latitude       float64
	Longitude      float64
	Interval       time.Duration
	AccuracyMeters float64
}

type simSub struct {
	stop chan struct{}
}

// SimulatedSensor generates a smooth loop around a fixed point. SetOutage
// stops fixes so timeouts and backoff can be exercised without hardware.
type SimulatedSensor struct {
	cfg   SimulatedConfig
	start time.Time

	mu     sync.Mutex
	subs   map[gps.Handle]*simSub
	next   gps.Handle
	outage bool
}

// NewSimulatedSensor creates a simulated sensor.
func NewSimulatedSensor(cfg SimulatedConfig) *SimulatedSensor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.AccuracyMeters <= 0 {
		cfg.AccuracyMeters = 4
	}
	return &SimulatedSensor{
		cfg:   cfg,
		start: time.Now(),
		subs:  make(map[gps.Handle]*simSub),
	}
}

// SetOutage turns fix generation off or on.
func (s *SimulatedSensor) SetOutage(on bool) {
	s.mu.Lock()
	s.outage = on
	s.mu.Unlock()
}

func (s *SimulatedSensor) inOutage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outage
}

func (s *SimulatedSensor) position(now time.Time) gps.Fix {
	elapsed := now.Sub(s.start).Seconds()

	return gps.Fix{
		Latitude:       s.cfg.Latitude + 0.002*math.Sin(elapsed/60),
		Longitude:      s.cfg.Longitude + 0.002*math.Cos(elapsed*0.7/60),
		AccuracyMeters: s.cfg.AccuracyMeters + 3*math.Abs(math.Sin(elapsed/10)),
		ObservedAt:     now.UTC(),
	}
}

// Subscribe starts a generator goroutine for the listener.
func (s *SimulatedSensor) Subscribe(onFix func(gps.Fix), onErr func(error), opts gps.Options) (gps.Handle, error) {
	sub := &simSub{stop: make(chan struct{})}

	s.mu.Lock()
	s.next++
	h := s.next
	s.subs[h] = sub
	s.mu.Unlock()

	go s.run(sub, onFix, onErr, opts)
	return h, nil
}

func (s *SimulatedSensor) run(sub *simSub, onFix func(gps.Fix), onErr func(error), opts gps.Options) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	lastReport := time.Now()
	for {
		select {
		case <-sub.stop:
			return
		case now := <-ticker.C:
			if s.inOutage() {
				if opts.Timeout > 0 && now.Sub(lastReport) >= opts.Timeout {
					lastReport = now
					onErr(gps.NewPositionError(gps.CodeTimeout, "simulated outage"))
				}
				continue
			}
			lastReport = now
			onFix(s.position(now))
		}
	}
}

// Request reports one fix after one interval, or a timeout during an outage.
func (s *SimulatedSensor) Request(onFix func(gps.Fix), onErr func(error), opts gps.Options) {
	go func() {
		if s.inOutage() {
			wait := opts.Timeout
			if wait <= 0 {
				wait = s.cfg.Interval
			}
			time.Sleep(wait)
			onErr(gps.NewPositionError(gps.CodeTimeout, "simulated outage"))
			return
		}
		time.Sleep(s.cfg.Interval)
		onFix(s.position(time.Now()))
	}()
}

// Unsubscribe stops the generator.
func (s *SimulatedSensor) Unsubscribe(h gps.Handle) {
	s.mu.Lock()
	sub, ok := s.subs[h]
	delete(s.subs, h)
	s.mu.Unlock()
	if ok {
		close(sub.stop)
	}
}
