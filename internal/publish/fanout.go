package publish

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/relabs-tech/geotracker/internal/gps"
	"github.com/relabs-tech/geotracker/internal/logging"
	"github.com/relabs-tech/geotracker/internal/metrics"
	"github.com/relabs-tech/geotracker/internal/tracker"
)

// SnapshotSource is satisfied by *tracker.Tracker.
type SnapshotSource interface {
	Subscribe() (<-chan tracker.Snapshot, func())
}

// FanoutConfig bounds the outbound rate and the breakers.
type FanoutConfig struct {
	RatePerSecond   float64
	Burst           int
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Logger          *zerolog.Logger
}

type guardedSink struct {
	Sink
	cb *gobreaker.CircuitBreaker[any]
}

// Fanout publishes every snapshot to all sinks. Each sink sits behind its
// own circuit breaker so a dead broker does not slow the others. The
// snapshot stream is latest-wins, so rate limiting drops intermediate
// states rather than queueing them.
type Fanout struct {
	src     SnapshotSource
	sinks   []*guardedSink
	limiter *rate.Limiter
	log     zerolog.Logger

	lastFix *gps.Fix
}

// NewFanout wires sinks to src.
func NewFanout(src SnapshotSource, cfg FanoutConfig, sinks ...Sink) *Fanout {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	f := &Fanout{
		src:     src,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
	if cfg.Logger != nil {
		f.log = *cfg.Logger
	} else {
		f.log = logging.Component("publish")
	}

	for _, s := range sinks {
		name := s.Name()
		settings := gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
				f.log.Warn().Str("sink", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		}
		f.sinks = append(f.sinks, &guardedSink{Sink: s, cb: gobreaker.NewCircuitBreaker[any](settings)})
	}
	return f
}

// Serve publishes until ctx is done.
func (f *Fanout) Serve(ctx context.Context) error {
	ch, cancel := f.src.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
			f.Publish(ctx, s)
		}
	}
}

func (f *Fanout) String() string { return "publisher" }

// Publish encodes s and sends it to every sink. A fix message is only sent
// when the fix changed since the previous call.
func (f *Fanout) Publish(ctx context.Context, s tracker.Snapshot) {
	msgs := make([]Message, 0, 2)

	status, err := json.Marshal(s)
	if err != nil {
		f.log.Error().Err(err).Msg("snapshot marshal error")
		return
	}
	msgs = append(msgs, Message{Kind: KindStatus, Payload: status})

	if s.Fix != nil && (f.lastFix == nil || *f.lastFix != *s.Fix) {
		fix := *s.Fix
		payload, err := json.Marshal(fix)
		if err != nil {
			f.log.Error().Err(err).Msg("fix marshal error")
		} else {
			msgs = append(msgs, Message{Kind: KindFix, Payload: payload})
			f.lastFix = &fix
		}
	}

	for _, gs := range f.sinks {
		for _, m := range msgs {
			f.send(ctx, gs, m)
		}
	}
}

func (f *Fanout) send(ctx context.Context, gs *guardedSink, m Message) {
	_, err := gs.cb.Execute(func() (any, error) {
		return nil, gs.Publish(ctx, m)
	})
	name := gs.Name()
	switch {
	case err == nil:
		metrics.PublishTotal.WithLabelValues(name, "ok").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.PublishTotal.WithLabelValues(name, "rejected").Inc()
	default:
		metrics.PublishTotal.WithLabelValues(name, "error").Inc()
		f.log.Debug().Err(err).Str("sink", name).Str("kind", m.Kind.String()).Msg("publish failed")
	}
}

// Online reports per-sink broker connectivity.
func (f *Fanout) Online() map[string]bool {
	out := make(map[string]bool, len(f.sinks))
	for _, gs := range f.sinks {
		out[gs.Name()] = gs.Online()
	}
	return out
}

// Close closes all sinks.
func (f *Fanout) Close() {
	for _, gs := range f.sinks {
		gs.Close()
	}
}
