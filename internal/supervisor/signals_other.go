//go:build !unix

package supervisor

import "context"

// SignalReactor is inert where SIGCONT and SIGHUP do not exist.
type SignalReactor struct{}

func NewSignalReactor(Reactor) *SignalReactor { return &SignalReactor{} }

func (r *SignalReactor) Serve(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (r *SignalReactor) String() string { return "signals" }
