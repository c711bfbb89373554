package tracker

import (
	"time"

	"github.com/relabs-tech/geotracker/internal/gps"
)

const (
	BaseDelay  = 2 * time.Second
	MaxDelay   = 30 * time.Second
	MaxTimeout = 30 * time.Second
)

// BackoffDelay returns min(MaxDelay, BaseDelay * 2^(attempts-1)).
// Attempts below 1 are treated as the first tier.
func BackoffDelay(attempts int) time.Duration {
	d := BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= MaxDelay {
			return MaxDelay
		}
	}
	return d
}

// RetryOptions derives the options of the next restart: accuracy forced low
// and timeout doubled up to MaxTimeout. The degraded options are kept after
// recovery; only RetryNow, visibility and permission restarts go back to the
// configured defaults.
func RetryOptions(prev gps.Options) gps.Options {
	next := prev
	next.HighAccuracy = false
	next.Timeout = prev.Timeout * 2
	if next.Timeout <= 0 || next.Timeout > MaxTimeout {
		next.Timeout = MaxTimeout
	}
	return next
}

// restartTimer owns the single pending restart. Scheduling always cancels
// the previous timer first, and a firing that raced with cancel is dropped
// by the sequence check on the loop.
type restartTimer struct {
	clock    Clock
	dispatch func(func())

	timer Timer
	due   time.Time
	seq   uint64
}

func (r *restartTimer) schedule(d time.Duration, fire func()) {
	r.cancel()
	r.seq++
	seq := r.seq
	r.due = r.clock.Now().Add(d)
	r.timer = r.clock.AfterFunc(d, func() {
		r.dispatch(func() {
			if r.timer == nil || r.seq != seq {
				return
			}
			r.timer = nil
			r.due = time.Time{}
			fire()
		})
	})
}

// cancel stops the pending timer; it reports whether one was pending.
func (r *restartTimer) cancel() bool {
	if r.timer == nil {
		return false
	}
	r.timer.Stop()
	r.timer = nil
	r.due = time.Time{}
	return true
}

func (r *restartTimer) pending() bool {
	return r.timer != nil
}
