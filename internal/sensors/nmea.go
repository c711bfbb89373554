// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"
	"github.com/rs/zerolog"

	"github.com/relabs-tech/geotracker/internal/gps"
	"github.com/relabs-tech/geotracker/internal/logging"
)

// Opener opens the byte stream the receiver writes NMEA sentences to.
type Opener func() (io.ReadCloser, error)

// SerialOpener opens a receiver on a serial port, 8N1.
// Adjust the port to match your setup: /dev/serial0, /dev/ttyAMA0, /dev/ttyUSB0, etc.
func SerialOpener(portName string, baud uint) Opener {
	return func() (io.ReadCloser, error) {
		port, err := serial.Open(serial.OpenOptions{
			PortName:              portName,
			BaudRate:              baud,
			DataBits:              8,
			StopBits:              1,
			MinimumReadSize:       1,
			ParityMode:            serial.PARITY_NONE,
			InterCharacterTimeout: 0,
		})
		if err != nil {
			return nil, fmt.Errorf("open gps port %s: %w", portName, err)
		}
		return port, nil
	}
}

// NMEAConfig tunes how receiver output is turned into fixes.
type NMEAConfig struct {
	UERE               float64 // meters per unit of HDOP
	HighAccuracyMeters float64 // max radius delivered to high accuracy listeners
	Now                func() time.Time
	Logger             *zerolog.Logger
}

type listener struct {
	id       uint64
	opts     gps.Options
	onFix    func(gps.Fix)
	onErr    func(error)
	once     bool
	timer    *time.Timer
	deadline time.Time
}

type portSession struct {
	rc     io.ReadCloser
	closed bool // set under NMEASensor.mu before rc.Close
}

// NMEASensor turns GGA/RMC sentences into fixes. One reader goroutine
// serves every listener; the port is opened on the first listener and
// closed when the last one leaves.
type NMEASensor struct {
	open Opener
	cfg  NMEAConfig
	log  zerolog.Logger

	mu        sync.Mutex
	sess      *portSession
	listeners map[uint64]*listener
	nextID    uint64
	last      *gps.Fix
	date      nmea.Date
}

// NewNMEASensor builds a sensor reading from open.
func NewNMEASensor(open Opener, cfg NMEAConfig) *NMEASensor {
	if cfg.UERE <= 0 {
		cfg.UERE = 5
	}
	if cfg.HighAccuracyMeters <= 0 {
		cfg.HighAccuracyMeters = 10
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &NMEASensor{
		open:      open,
		cfg:       cfg,
		listeners: make(map[uint64]*listener),
	}
	if cfg.Logger != nil {
		s.log = *cfg.Logger
	} else {
		s.log = logging.Component("nmea")
	}
	return s
}

// Subscribe registers a continuous listener. Port open errors are
// returned directly.
func (s *NMEASensor) Subscribe(onFix func(gps.Fix), onErr func(error), opts gps.Options) (gps.Handle, error) {
	id, err := s.add(onFix, onErr, opts, false)
	if err != nil {
		return 0, err
	}
	return gps.Handle(id), nil
}

// Request registers a listener that is removed after one report.
func (s *NMEASensor) Request(onFix func(gps.Fix), onErr func(error), opts gps.Options) {
	if _, err := s.add(onFix, onErr, opts, true); err != nil {
		go onErr(err)
	}
}

// Unsubscribe removes a listener; the port closes with the last one.
func (s *NMEASensor) Unsubscribe(h gps.Handle) {
	s.mu.Lock()
	l, ok := s.listeners[uint64(h)]
	if ok && !l.once {
		s.removeLocked(l)
	}
	sess := s.releaseLocked()
	s.mu.Unlock()

	if sess != nil {
		sess.rc.Close()
		s.log.Info().Msg("gps port closed, no listeners")
	}
}

func (s *NMEASensor) add(onFix func(gps.Fix), onErr func(error), opts gps.Options, once bool) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cached *gps.Fix
	if c := s.last; c != nil && opts.MaxFixAge > 0 &&
		c.Age(s.cfg.Now()) <= opts.MaxFixAge && s.accepts(opts, *c) {
		fix := *c
		cached = &fix
	}
	if once && cached != nil {
		go onFix(*cached)
		return 0, nil
	}

	if s.sess == nil {
		rc, err := s.open()
		if err != nil {
			return 0, err
		}
		s.sess = &portSession{rc: rc}
		go s.read(s.sess)
		s.log.Info().Msg("gps port opened")
	}

	s.nextID++
	l := &listener{id: s.nextID, opts: opts, onFix: onFix, onErr: onErr, once: once}
	s.listeners[l.id] = l
	s.armLocked(l)

	if cached != nil {
		go onFix(*cached)
	}
	return l.id, nil
}

func (s *NMEASensor) armLocked(l *listener) {
	if l.opts.Timeout <= 0 {
		return
	}
	l.deadline = time.Now().Add(l.opts.Timeout)
	if l.timer == nil {
		id := l.id
		l.timer = time.AfterFunc(l.opts.Timeout, func() { s.expire(id) })
		return
	}
	l.timer.Reset(l.opts.Timeout)
}

func (s *NMEASensor) removeLocked(l *listener) {
	if l.timer != nil {
		l.timer.Stop()
	}
	delete(s.listeners, l.id)
}

// releaseLocked detaches the session once nobody listens.
func (s *NMEASensor) releaseLocked() *portSession {
	if len(s.listeners) > 0 || s.sess == nil {
		return nil
	}
	sess := s.sess
	sess.closed = true
	s.sess = nil
	return sess
}

// expire reports a timeout unless a fix moved the deadline.
func (s *NMEASensor) expire(id uint64) {
	s.mu.Lock()
	l, ok := s.listeners[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if remaining := time.Until(l.deadline); remaining > 0 {
		l.timer.Reset(remaining)
		s.mu.Unlock()
		return
	}
	if l.once {
		s.removeLocked(l)
	} else {
		s.armLocked(l)
	}
	sess := s.releaseLocked()
	s.mu.Unlock()

	if sess != nil {
		sess.rc.Close()
	}
	l.onErr(gps.NewPositionError(gps.CodeTimeout, "no fix within %s", l.opts.Timeout))
}

func (s *NMEASensor) read(sess *portSession) {
	reader := bufio.NewReader(sess.rc)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			s.fail(sess, err)
			return
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "$") {
			continue
		}

		sentence, err := nmea.Parse(line)
		if err != nil {
			// noisy receiver or partial sentence
			s.log.Trace().Err(err).Str("line", line).Msg("nmea parse error")
			continue
		}

		switch m := sentence.(type) {
		case nmea.RMC:
			s.mu.Lock()
			if m.Date.Valid {
				s.date = m.Date
			}
			s.mu.Unlock()
		case nmea.GGA:
			if m.FixQuality == nmea.Invalid || !m.Time.Valid {
				continue
			}
			s.deliver(s.fixFromGGA(m))
		}
	}
}

func (s *NMEASensor) fixFromGGA(m nmea.GGA) gps.Fix {
	s.mu.Lock()
	date := s.date
	s.mu.Unlock()

	var y, mo, d int
	if date.Valid {
		y, mo, d = 2000+date.YY, date.MM, date.DD
	} else {
		now := s.cfg.Now().UTC()
		y, mo, d = now.Year(), int(now.Month()), now.Day()
	}
	observed := time.Date(y, time.Month(mo), d,
		m.Time.Hour, m.Time.Minute, m.Time.Second, m.Time.Millisecond*int(time.Millisecond), time.UTC)

	return gps.Fix{
		Latitude:       m.Latitude,
		Longitude:      m.Longitude,
		AccuracyMeters: m.HDOP * s.cfg.UERE,
		ObservedAt:     observed,
	}
}

func (s *NMEASensor) accepts(opts gps.Options, f gps.Fix) bool {
	return !opts.HighAccuracy || f.AccuracyMeters <= s.cfg.HighAccuracyMeters
}

func (s *NMEASensor) deliver(f gps.Fix) {
	type call struct {
		fn  func(gps.Fix)
		fix gps.Fix
	}
	var calls []call

	s.mu.Lock()
	s.last = &f
	for _, l := range s.listeners {
		if !s.accepts(l.opts, f) {
			continue
		}
		if l.once {
			s.removeLocked(l)
		} else {
			s.armLocked(l)
		}
		calls = append(calls, call{l.onFix, f})
	}
	sess := s.releaseLocked()
	s.mu.Unlock()

	if sess != nil {
		sess.rc.Close()
	}
	for _, c := range calls {
		c.fn(c.fix)
	}
}

// fail reports a dead port to every listener, unless it was closed on purpose.
func (s *NMEASensor) fail(sess *portSession, err error) {
	s.mu.Lock()
	if sess.closed || s.sess != sess {
		s.mu.Unlock()
		return
	}
	s.sess = nil
	dropped := make([]*listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		s.removeLocked(l)
		dropped = append(dropped, l)
	}
	s.mu.Unlock()

	sess.rc.Close()
	s.log.Warn().Err(err).Int("listeners", len(dropped)).Msg("gps read error")

	perr := gps.NewPositionError(gps.CodePositionUnavailable, "gps read: %v", err)
	for _, l := range dropped {
		l.onErr(perr)
	}
}
