// Package tracker keeps a continuous position subscription alive.
//
// All state lives on a single event-loop goroutine. Sensor callbacks,
// permission changes, timer firings and commands are posted to the loop as
// closures, so transitions never interleave. Every subscription start bumps a
// generation counter, and callbacks carrying an older generation are dropped.
package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/relabs-tech/geotracker/internal/gps"
	"github.com/relabs-tech/geotracker/internal/logging"
	"github.com/relabs-tech/geotracker/internal/metrics"
)

// ErrAlreadyRunning is returned by Run when the loop is already active.
var ErrAlreadyRunning = errors.New("tracker: event loop already running")

const inboxSize = 256

// Config wires a Tracker to its platform.
type Config struct {
	Sensor      Sensor
	Permissions PermissionSource // optional
	Clock       Clock            // defaults to the wall clock
	Defaults    gps.Options      // zero value means gps.DefaultOptions()
	Logger      *zerolog.Logger
}

// Tracker is the subscription controller together with its permission
// monitor, backoff scheduler and lifecycle reactor.
type Tracker struct {
	sensor   Sensor
	perms    PermissionSource
	caps     Capabilities
	clock    Clock
	defaults gps.Options
	log      zerolog.Logger

	inbox   chan func()
	running atomic.Bool

	// loop-owned
	st       state
	gen      uint64
	mountSeq uint64
	restart  restartTimer
	unwatch  context.CancelFunc
	runCtx   context.Context

	latest atomic.Pointer[Snapshot]

	subMu  sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
}

// New builds a Tracker. Capabilities are discovered once here.
func New(cfg Config) *Tracker {
	t := &Tracker{
		sensor:   cfg.Sensor,
		perms:    cfg.Permissions,
		caps:     Discover(cfg.Sensor, cfg.Permissions),
		clock:    cfg.Clock,
		defaults: cfg.Defaults,
		inbox:    make(chan func(), inboxSize),
		subs:     make(map[int]chan Snapshot),
	}
	if t.clock == nil {
		t.clock = realClock{}
	}
	if t.defaults == (gps.Options{}) {
		t.defaults = gps.DefaultOptions()
	}
	if cfg.Logger != nil {
		t.log = *cfg.Logger
	} else {
		t.log = logging.Component("tracker")
	}
	t.restart = restartTimer{clock: t.clock, dispatch: t.post}
	t.st.opts = t.defaults
	t.publish()
	return t
}

// Capabilities returns what Discover found at construction.
func (t *Tracker) Capabilities() Capabilities { return t.caps }

// Defaults returns the options used for fresh starts.
func (t *Tracker) Defaults() gps.Options { return t.defaults }

// Run mounts the tracker and processes events until ctx is done, then tears
// down. It may be called again after it returns.
func (t *Tracker) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer t.running.Store(false)

	t.runCtx = ctx
	t.mount(ctx)
	t.emit()

	for {
		select {
		case <-ctx.Done():
			t.teardown()
			t.emit()
			return ctx.Err()
		case f := <-t.inbox:
			f()
		}
	}
}

func (t *Tracker) String() string { return "tracker" }

func (t *Tracker) post(f func()) {
	t.inbox <- f
}

// do posts f and waits for the loop to run it, or for ctx.
func (t *Tracker) do(ctx context.Context, f func()) error {
	done := make(chan struct{})
	wrapped := func() {
		f()
		close(done)
	}
	select {
	case t.inbox <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mount starts the permission monitor. The monitor's result drives the
// first start.
func (t *Tracker) mount(ctx context.Context) {
	t.mountSeq++
	t.st = state{
		permission: gps.PermissionUnknown,
		opts:       t.defaults,
		mounted:    true,
	}
	t.log.Info().
		Bool("geolocation", t.caps.Geolocation).
		Bool("permission_query", t.caps.PermissionQuery).
		Bool("permission_watch", t.caps.PermissionWatch).
		Msg("tracker mounted")

	if !t.caps.Geolocation {
		t.st.lastErr = Classify(gps.ErrUnsupported, t.clock.Now())
		t.st.phase = PhaseFailed
		metrics.SensorErrorsTotal.WithLabelValues(KindUnsupported.String()).Inc()
		return
	}
	if !t.caps.PermissionQuery {
		t.applyPermission(gps.PermissionPrompt)
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	t.unwatch = cancel
	t.startPermissionMonitor(wctx, t.mountSeq)
}

// teardown cancels the timer, the subscription and the permission watch.
// Calling it twice is a no-op.
func (t *Tracker) teardown() {
	if !t.st.mounted && !t.st.active && !t.restart.pending() {
		return
	}
	t.restart.cancel()
	t.stopSubscription()
	if t.unwatch != nil {
		t.unwatch()
		t.unwatch = nil
	}
	t.st.mounted = false
	t.st.phase = PhaseIdle
	t.log.Info().Msg("tracker torn down")
}

// start replaces any running subscription with a new one using opts.
func (t *Tracker) start(opts gps.Options) {
	t.restart.cancel()
	t.stopSubscription()

	if !t.caps.Geolocation {
		t.apply(Classify(gps.ErrUnsupported, t.clock.Now()))
		return
	}

	t.gen++
	gen := t.gen
	t.st.opts = opts
	t.st.phase = PhaseStarting
	t.st.lastErr = nil

	onFix := func(f gps.Fix) { t.post(func() { t.handleFix(gen, f) }) }
	onErr := func(err error) { t.post(func() { t.handleSensorError(gen, err) }) }

	h, err := t.sensor.Subscribe(onFix, onErr, opts)
	if err != nil {
		t.log.Warn().Err(err).Msg("subscribe failed")
		t.apply(Classify(err, t.clock.Now()))
		return
	}
	t.st.active = true
	t.st.handle = h
	metrics.SubscriptionsStartedTotal.Inc()
	metrics.SubscriptionActive.Set(1)

	t.sensor.Request(onFix, onErr, opts)

	t.log.Info().
		Uint64("gen", gen).
		Uint64("handle", uint64(h)).
		Bool("high_accuracy", opts.HighAccuracy).
		Dur("timeout", opts.Timeout).
		Dur("max_fix_age", opts.MaxFixAge).
		Msg("subscription started")
}

// stopSubscription clears the handle before cancelling it.
func (t *Tracker) stopSubscription() {
	if !t.st.active {
		return
	}
	h := t.st.handle
	t.st.active = false
	t.st.handle = 0
	t.sensor.Unsubscribe(h)
	metrics.SubscriptionActive.Set(0)
	t.log.Debug().Uint64("handle", uint64(h)).Msg("subscription stopped")
}

func (t *Tracker) stale(gen uint64) bool {
	if gen == t.gen && t.st.active {
		return false
	}
	metrics.StaleCallbacksTotal.Inc()
	t.log.Debug().Uint64("gen", gen).Uint64("current", t.gen).Msg("stale callback ignored")
	return true
}

func (t *Tracker) handleFix(gen uint64, f gps.Fix) {
	if t.stale(gen) {
		return
	}
	t.acceptFix(f)
	t.emit()
}

func (t *Tracker) acceptFix(f gps.Fix) {
	t.st.lastFix = &f
	t.st.lastErr = nil
	t.st.attempts = 0
	if t.st.active {
		t.st.phase = PhaseTracking
	}
	metrics.FixesTotal.Inc()
	metrics.FixAccuracyMeters.Set(f.AccuracyMeters)
	metrics.BackoffAttempts.Set(0)
	t.log.Debug().
		Float64("lat", f.Latitude).
		Float64("lon", f.Longitude).
		Float64("accuracy_m", f.AccuracyMeters).
		Msg("fix")
}

func (t *Tracker) handleSensorError(gen uint64, err error) {
	if t.stale(gen) {
		return
	}
	t.apply(Classify(err, t.clock.Now()))
	t.emit()
}

// apply records a classified error and runs its policy.
func (t *Tracker) apply(se *SensorError) {
	t.st.lastErr = se
	metrics.SensorErrorsTotal.WithLabelValues(se.Kind.String()).Inc()

	switch se.Kind {
	case KindPermissionDenied:
		t.restart.cancel()
		t.stopSubscription()
		t.st.phase = PhaseDenied
		t.log.Warn().Str("error", se.Message).Msg("permission denied, tracking halted")

	case KindTimeout, KindPositionUnavailable:
		t.stopSubscription()
		t.st.attempts++
		delay := BackoffDelay(t.st.attempts)
		next := RetryOptions(t.st.opts)
		t.st.phase = PhaseRetrying
		t.restart.schedule(delay, func() {
			t.log.Info().Int("attempt", t.st.attempts).Msg("restarting after backoff")
			t.start(next)
			t.emit()
		})
		metrics.RestartsScheduledTotal.Inc()
		metrics.BackoffAttempts.Set(float64(t.st.attempts))
		t.log.Warn().
			Str("kind", se.Kind.String()).
			Str("error", se.Message).
			Int("attempt", t.st.attempts).
			Dur("delay", delay).
			Dur("next_timeout", next.Timeout).
			Msg("transient sensor error, restart scheduled")

	default:
		t.restart.cancel()
		t.stopSubscription()
		t.st.phase = PhaseFailed
		t.log.Error().Str("kind", se.Kind.String()).Str("error", se.Message).Msg("sensor error, no automatic restart")
	}
}

func (t *Tracker) snapshot() Snapshot {
	s := Snapshot{
		Fix:             t.st.lastFix,
		Error:           t.st.lastErr,
		Permission:      t.st.permission,
		Phase:           t.st.phase,
		Active:          t.st.active,
		BackoffAttempts: t.st.attempts,
		Options:         t.st.opts,
	}
	if t.restart.pending() {
		due := t.restart.due
		s.NextRetryAt = &due
	}
	return s
}

// publish stores the current snapshot for Snapshot().
func (t *Tracker) publish() Snapshot {
	s := t.snapshot()
	t.latest.Store(&s)
	return s
}

// emit publishes the snapshot to every subscriber, latest wins.
func (t *Tracker) emit() {
	s := t.publish()

	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subs {
		offer(ch, s)
	}
}

func offer(ch chan Snapshot, s Snapshot) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// Snapshot returns the state as of the last transition.
func (t *Tracker) Snapshot() Snapshot {
	return *t.latest.Load()
}

// Subscribe returns a channel receiving a snapshot after every transition,
// starting with the current one. Slow readers only see the newest value.
// The returned func removes the subscription and closes the channel.
func (t *Tracker) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	t.subMu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	ch <- t.Snapshot()
	t.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subMu.Lock()
			delete(t.subs, id)
			close(ch)
			t.subMu.Unlock()
		})
	}
}
