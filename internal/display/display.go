// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package display renders the tracker state on a 128x64 SSD1306 OLED.
package display

import (
	"context"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/geotracker/internal/logging"
	"github.com/relabs-tech/geotracker/internal/tracker"
)

const (
	width  = 128
	height = 64
)

// Panel is the drawing surface; *ssd1306.Dev satisfies it.
type Panel interface {
	Bounds() image.Rectangle
	Draw(r image.Rectangle, src image.Image, sp image.Point) error
}

// SnapshotSource is satisfied by *tracker.Tracker.
type SnapshotSource interface {
	Subscribe() (<-chan tracker.Snapshot, func())
}

// Open initializes periph and the display on the named I2C bus ("" picks
// the first one).
func Open(bus string) (Panel, io.Closer, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize periph: %w", err)
	}

	b, err := i2creg.Open(bus)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open I2C bus: %w", err)
	}

	dev, err := ssd1306.NewI2C(b, &ssd1306.DefaultOpts)
	if err != nil {
		b.Close()
		return nil, nil, fmt.Errorf("failed to initialize display: %w", err)
	}
	return dev, b, nil
}

// Display redraws the panel whenever the tracker state changes, at most
// once per interval.
type Display struct {
	panel    Panel
	src      SnapshotSource
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// New builds a display service.
func New(panel Panel, src SnapshotSource, interval time.Duration) *Display {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Display{
		panel:    panel,
		src:      src,
		interval: interval,
		now:      time.Now,
		log:      logging.Component("display"),
	}
}

// Serve draws until ctx is done.
func (d *Display) Serve(ctx context.Context) error {
	if err := d.draw(Splash()); err != nil {
		d.log.Warn().Err(err).Msg("error showing splash")
	}

	ch, cancel := d.src.Subscribe()
	defer cancel()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	var (
		latest tracker.Snapshot
		dirty  bool
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-ch:
			if !ok {
				return nil
			}
			latest, dirty = s, true
		case <-ticker.C:
			// the age line changes even without a transition
			if !dirty && latest.Fix == nil {
				continue
			}
			if err := d.draw(Render(latest, d.now())); err != nil {
				d.log.Warn().Err(err).Msg("error updating display")
			}
			dirty = false
		}
	}
}

func (d *Display) String() string { return "display" }

func (d *Display) draw(img image.Image) error {
	return d.panel.Draw(d.panel.Bounds(), img, image.Point{})
}

// Lines returns the four text lines shown for s.
func Lines(s tracker.Snapshot, now time.Time) [4]string {
	var l [4]string
	l[0] = fmt.Sprintf("%s %s", s.Phase, s.Permission)

	if s.Fix == nil {
		l[1] = "GPS Position"
		l[2] = "Waiting..."
	} else {
		l[1] = formatCoord(s.Fix.Latitude, "N", "S")
		l[2] = formatCoord(s.Fix.Longitude, "E", "W")
	}

	switch {
	case s.Error != nil:
		l[3] = "E:" + s.Error.Kind.String()
	case s.Fix != nil:
		l[3] = fmt.Sprintf("+-%.0fm %s", s.Fix.AccuracyMeters, s.Fix.Age(now).Truncate(time.Second))
	}
	return l
}

func formatCoord(v float64, pos, neg string) string {
	dir := pos
	if v < 0 {
		dir = neg
		v = -v
	}
	return fmt.Sprintf("%.5f%s", v, dir)
}

// Render draws s into a display-sized frame.
func Render(s tracker.Snapshot, now time.Time) *image1bit.VerticalLSB {
	lines := Lines(s, now)
	return frame(lines[:])
}

// Splash is shown until the first state arrives.
func Splash() *image1bit.VerticalLSB {
	img := frame(nil)
	drawer := newDrawer(img)
	drawer.Dot = fixed.P(20, 26)
	drawer.DrawString("GeoTracker")
	drawer.Dot = fixed.P(5, 43)
	drawer.DrawString("Looking for")
	drawer.Dot = fixed.P(25, 56)
	drawer.DrawString("sats")
	return img
}

func frame(lines []string) *image1bit.VerticalLSB {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, width, height))
	drawer := newDrawer(img)
	for i, line := range lines {
		drawer.Dot = fixed.P(0, 13*(i+1))
		drawer.DrawString(line)
	}
	return img
}

func newDrawer(img *image1bit.VerticalLSB) *font.Drawer {
	return &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
}
