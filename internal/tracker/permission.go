package tracker

import (
	"context"

	"github.com/relabs-tech/geotracker/internal/gps"
	"github.com/relabs-tech/geotracker/internal/metrics"
)

// startPermissionMonitor queries the source once and then follows its
// changes if it can report them. Results from an older mount are dropped.
func (t *Tracker) startPermissionMonitor(ctx context.Context, seq uint64) {
	deliver := func(p gps.Permission) {
		t.post(func() {
			if seq != t.mountSeq || !t.st.mounted {
				return
			}
			t.applyPermission(p)
			t.emit()
		})
	}

	go func() {
		p, err := t.perms.Query(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.log.Warn().Err(err).Msg("permission query failed, assuming prompt")
			p = gps.PermissionPrompt
		}
		deliver(p)

		if !t.caps.PermissionWatch {
			return
		}
		w := t.perms.(PermissionWatcher)
		if err := w.Watch(ctx, deliver); err != nil && ctx.Err() == nil {
			t.log.Warn().Err(err).Msg("permission watch stopped")
		}
	}()
}

// applyPermission runs on the loop. Only a real change has effects.
func (t *Tracker) applyPermission(p gps.Permission) {
	prev := t.st.permission
	if p == prev {
		return
	}
	t.st.permission = p
	metrics.PermissionState.Set(float64(p))
	t.log.Info().Str("from", prev.String()).Str("to", p.String()).Msg("permission changed")

	switch {
	case p == gps.PermissionDenied:
		t.restart.cancel()
		t.stopSubscription()
		t.st.phase = PhaseDenied

	case p.Allows():
		if t.st.stopped {
			t.log.Debug().Msg("tracking stopped by request, not starting")
			return
		}
		if t.st.active {
			return
		}
		t.start(t.defaults)
	}
}
