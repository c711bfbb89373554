package tracker

import (
	"context"

	"github.com/relabs-tech/geotracker/internal/gps"
)

// SetVisible reports a foreground/background transition. Becoming visible
// starts tracking with default options when nothing is running; becoming
// hidden only gets logged.
func (t *Tracker) SetVisible(visible bool) {
	t.post(func() {
		t.onVisibility(visible)
		t.emit()
	})
}

func (t *Tracker) onVisibility(visible bool) {
	if !visible {
		t.log.Debug().Msg("hidden")
		return
	}
	switch {
	case !t.st.mounted:
		return
	case t.st.active:
		t.log.Debug().Msg("visible, subscription already active")
		return
	case t.st.stopped:
		t.log.Debug().Msg("visible, tracking stopped by request")
		return
	case t.st.phase == PhaseDenied || t.st.phase == PhaseFailed:
		t.log.Debug().Str("phase", t.st.phase.String()).Msg("visible, not restarting")
		return
	case t.st.permission == gps.PermissionDenied:
		return
	}
	t.log.Info().Msg("visible, starting tracking")
	t.start(t.defaults)
}

// Start begins tracking with default options unless a subscription is
// already open. It clears a previous Stop.
func (t *Tracker) Start() {
	t.post(func() {
		t.st.stopped = false
		if !t.st.active {
			t.start(t.defaults)
		}
		t.emit()
	})
}

// Stop cancels the subscription and any pending restart. Automatic restarts
// stay off until Start or RetryNow.
func (t *Tracker) Stop() {
	t.post(func() {
		t.restart.cancel()
		t.stopSubscription()
		t.st.stopped = true
		t.st.phase = PhaseIdle
		t.log.Info().Msg("tracking stopped by request")
		t.emit()
	})
}

// RetryNow cancels any pending restart and starts at once with default
// options. The attempt counter is left alone; only a fix resets it.
func (t *Tracker) RetryNow() {
	t.post(func() {
		t.st.stopped = false
		t.log.Info().Int("attempts", t.st.attempts).Msg("manual retry")
		t.start(t.defaults)
		t.emit()
	})
}

// Reset tears down and remounts, as if the process had been reloaded. The
// generation counter survives, so callbacks from before the reset stay stale.
func (t *Tracker) Reset() {
	t.post(func() {
		t.teardown()
		ctx := t.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		t.mount(ctx)
		t.emit()
	})
}

// Teardown cancels everything without remounting.
func (t *Tracker) Teardown() {
	t.post(func() {
		t.teardown()
		t.emit()
	})
}

// OneShot requests a single fix with default options. A fix goes through
// the normal success path. An error is recorded but triggers no policy.
func (t *Tracker) OneShot(ctx context.Context) (gps.Fix, error) {
	type result struct {
		fix gps.Fix
		err error
	}
	ch := make(chan result, 1)

	err := t.do(ctx, func() {
		if !t.caps.Geolocation {
			se := Classify(gps.ErrUnsupported, t.clock.Now())
			t.record(se)
			ch <- result{err: se}
			return
		}
		t.sensor.Request(
			func(f gps.Fix) {
				t.post(func() {
					t.acceptFix(f)
					t.emit()
					select {
					case ch <- result{fix: f}:
					default:
					}
				})
			},
			func(err error) {
				t.post(func() {
					se := Classify(err, t.clock.Now())
					t.record(se)
					select {
					case ch <- result{err: se}:
					default:
					}
				})
			},
			t.defaults,
		)
	})
	if err != nil {
		return gps.Fix{}, err
	}

	select {
	case r := <-ch:
		return r.fix, r.err
	case <-ctx.Done():
		return gps.Fix{}, ctx.Err()
	}
}

// record stores an error for display without running the failure policy.
func (t *Tracker) record(se *SensorError) {
	t.st.lastErr = se
	t.log.Warn().Str("kind", se.Kind.String()).Str("error", se.Message).Msg("one-shot request failed")
	t.emit()
}
