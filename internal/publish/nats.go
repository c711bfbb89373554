package publish

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/relabs-tech/geotracker/internal/logging"
	"github.com/relabs-tech/geotracker/internal/metrics"
)

// NATSConfig selects the server and subjects.
type NATSConfig struct {
	URL           string
	SubjectFix    string
	SubjectStatus string
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        *zerolog.Logger
}

// NATSSink publishes the same payloads as the MQTT bridge on core NATS.
type NATSSink struct {
	cfg    NATSConfig
	conn   *nats.Conn
	online atomic.Bool
	log    zerolog.Logger
}

// NewNATSSink connects, retrying in the background if the server is down.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	s := &NATSSink{cfg: cfg}
	if cfg.Logger != nil {
		s.log = *cfg.Logger
	} else {
		s.log = logging.Component("nats")
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("geotracker"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ConnectHandler(func(*nats.Conn) { s.setOnline(true, nil) }),
		nats.ReconnectHandler(func(*nats.Conn) { s.setOnline(true, nil) }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { s.setOnline(false, err) }),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	s.conn = conn
	if conn.IsConnected() {
		s.setOnline(true, nil)
	}
	return s, nil
}

func (s *NATSSink) setOnline(on bool, err error) {
	if s.online.Swap(on) == on {
		return
	}
	if on {
		metrics.BrokerOnline.WithLabelValues(s.Name()).Set(1)
		s.log.Info().Str("url", s.cfg.URL).Msg("connected to NATS")
		return
	}
	metrics.BrokerOnline.WithLabelValues(s.Name()).Set(0)
	s.log.Warn().Err(err).Msg("NATS disconnected")
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Online() bool { return s.online.Load() }

// Publish fails fast while disconnected instead of filling the reconnect
// buffer, so the breaker sees the outage.
func (s *NATSSink) Publish(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.conn.IsConnected() {
		return ErrOffline
	}
	subject := s.cfg.SubjectStatus
	if m.Kind == KindFix {
		subject = s.cfg.SubjectFix
	}
	return s.conn.Publish(subject, m.Payload)
}

func (s *NATSSink) Close() {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}
	s.setOnline(false, nil)
}
