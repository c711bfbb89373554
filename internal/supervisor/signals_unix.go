//go:build unix

package supervisor

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/relabs-tech/geotracker/internal/logging"
)

// SignalReactor maps process signals onto lifecycle events:
// SIGCONT (resumed after a stop) makes the tracker visible, SIGHUP forces
// a teardown and re-mount.
type SignalReactor struct {
	target Reactor
	log    zerolog.Logger

	notify func(c chan<- os.Signal, sig ...os.Signal)
	stop   func(c chan<- os.Signal)
}

func NewSignalReactor(target Reactor) *SignalReactor {
	return &SignalReactor{
		target: target,
		log:    logging.Component("signals"),
		notify: signal.Notify,
		stop:   signal.Stop,
	}
}

func (r *SignalReactor) Serve(ctx context.Context) error {
	ch := make(chan os.Signal, 4)
	r.notify(ch, syscall.SIGCONT, syscall.SIGHUP)
	defer r.stop(ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-ch:
			switch sig {
			case syscall.SIGCONT:
				r.log.Info().Msg("resumed, marking visible")
				r.target.SetVisible(true)
			case syscall.SIGHUP:
				r.log.Info().Msg("SIGHUP, resetting tracker")
				r.target.Reset()
			}
		}
	}
}

func (r *SignalReactor) String() string { return "signals" }
