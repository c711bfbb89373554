package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/geotracker/internal/gps"
	"github.com/relabs-tech/geotracker/internal/metrics"
)

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{6, 30 * time.Second},
		{50, 30 * time.Second},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, BackoffDelay(c.attempts), "attempts=%d", c.attempts)
	}
}

func TestRetryOptions(t *testing.T) {
	got := RetryOptions(gps.Options{HighAccuracy: true, MaxFixAge: 3 * time.Second, Timeout: 20 * time.Second})
	assert.Equal(t, gps.Options{HighAccuracy: false, MaxFixAge: 3 * time.Second, Timeout: 30 * time.Second}, got)

	got = RetryOptions(gps.Options{HighAccuracy: true, Timeout: 5 * time.Second})
	assert.False(t, got.HighAccuracy)
	assert.Equal(t, 10*time.Second, got.Timeout)

	assert.Equal(t, MaxTimeout, RetryOptions(gps.Options{}).Timeout)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"code 1", gps.NewPositionError(gps.CodePermissionDenied, "denied"), KindPermissionDenied},
		{"code 2", gps.NewPositionError(gps.CodePositionUnavailable, "no fix"), KindPositionUnavailable},
		{"code 3", gps.NewPositionError(gps.CodeTimeout, "slow"), KindTimeout},
		{"unknown code", gps.NewPositionError(9, "odd"), KindOther},
		{"wrapped code", fmt.Errorf("port: %w", gps.NewPositionError(gps.CodeTimeout, "")), KindTimeout},
		{"unsupported", gps.ErrUnsupported, KindUnsupported},
		{"fs permission", &fs.PathError{Op: "open", Path: "/dev/ttyS0", Err: fs.ErrPermission}, KindPermissionDenied},
		{"deadline", os.ErrDeadlineExceeded, KindTimeout},
		{"ctx deadline", context.DeadlineExceeded, KindTimeout},
		{"eof", io.EOF, KindPositionUnavailable},
		{"missing device", fs.ErrNotExist, KindPositionUnavailable},
		{"other", errors.New("boom"), KindOther},
		{"nil", nil, KindOther},
		{"already classified", Classify(gps.NewPositionError(gps.CodeTimeout, "slow"), time.Time{}), KindTimeout},
		{"wrapped classified", fmt.Errorf("oneshot: %w", &SensorError{Kind: KindPermissionDenied, Message: "denied"}), KindPermissionDenied},
	}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			se := Classify(c.err, at)
			assert.Equal(t, c.want, se.Kind)
			assert.Equal(t, at, se.At)
		})
	}

	again := Classify(Classify(gps.NewPositionError(gps.CodeTimeout, "no fix within 20s"), time.Time{}), at)
	assert.Equal(t, "code(3) no fix within 20s", again.Message)

	assert.True(t, KindTimeout.Transient())
	assert.True(t, KindPositionUnavailable.Transient())
	assert.False(t, KindPermissionDenied.Transient())
}

func TestDiscover(t *testing.T) {
	assert.Equal(t, Capabilities{}, Discover(nil, nil))
	assert.Equal(t, Capabilities{Geolocation: true}, Discover(newFakeSensor(), nil))
	assert.Equal(t, Capabilities{Geolocation: true, PermissionQuery: true},
		Discover(newFakeSensor(), queryOnly{gps.PermissionGranted}))
	assert.Equal(t, Capabilities{Geolocation: true, PermissionQuery: true, PermissionWatch: true},
		Discover(newFakeSensor(), newFakePermissions(gps.PermissionGranted)))
}

func TestMountWithoutPermissionQueryStarts(t *testing.T) {
	h := newHarness(t)

	s := h.Snapshot()
	assert.Equal(t, gps.PermissionPrompt, s.Permission)
	assert.Equal(t, PhaseStarting, s.Phase)
	assert.True(t, s.Active)
	assert.Equal(t, 1, h.sensor.subscribeCount())
	assert.Equal(t, 1, h.sensor.requestCount())
	assert.Equal(t, gps.DefaultOptions(), h.sensor.current().opts)
}

func TestTimeoutsBackOffExponentially(t *testing.T) {
	h := newHarness(t)
	start := h.clock.Now()

	h.failCurrent(gps.CodeTimeout)
	s := h.Snapshot()
	assert.Equal(t, PhaseRetrying, s.Phase)
	assert.Equal(t, 1, s.BackoffAttempts)
	assert.False(t, s.Active)
	require.NotNil(t, s.NextRetryAt)
	assert.Equal(t, start.Add(2*time.Second), *s.NextRetryAt)
	require.NotNil(t, s.Error)
	assert.Equal(t, KindTimeout, s.Error.Kind)
	assert.Equal(t, 0, h.sensor.activeCount())

	timer := h.fireRestart(t)
	assert.Equal(t, 2*time.Second, timer.d)
	assert.Equal(t, 2, h.sensor.subscribeCount())
	opts := h.sensor.current().opts
	assert.False(t, opts.HighAccuracy)
	assert.Equal(t, 30*time.Second, opts.Timeout)

	h.failCurrent(gps.CodeTimeout)
	assert.Equal(t, 2, h.Snapshot().BackoffAttempts)
	timer = h.fireRestart(t)
	assert.Equal(t, 4*time.Second, timer.d)

	h.failCurrent(gps.CodeTimeout)
	assert.Equal(t, 3, h.Snapshot().BackoffAttempts)
	timer = h.fireRestart(t)
	assert.Equal(t, 8*time.Second, timer.d)
	assert.Equal(t, 4, h.sensor.subscribeCount())
	assert.Equal(t, 30*time.Second, h.sensor.current().opts.Timeout)
}

func TestBackoffCapsAtThirtySeconds(t *testing.T) {
	h := newHarness(t)

	var delays []time.Duration
	for range 7 {
		h.failCurrent(gps.CodePositionUnavailable)
		delays = append(delays, h.fireRestart(t).d)
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, delays)
}

func TestFixResetsBackoff(t *testing.T) {
	h := newHarness(t)

	h.failCurrent(gps.CodeTimeout)
	h.fireRestart(t)
	h.failCurrent(gps.CodeTimeout)
	h.fireRestart(t)
	require.Equal(t, 2, h.Snapshot().BackoffAttempts)

	fix := testFix(41.38, 2.17)
	h.sensor.current().onFix(fix)
	h.drain()

	s := h.Snapshot()
	assert.Equal(t, PhaseTracking, s.Phase)
	assert.Equal(t, 0, s.BackoffAttempts)
	assert.Nil(t, s.Error)
	require.NotNil(t, s.Fix)
	assert.Equal(t, fix, *s.Fix)

	// Degraded options stay in force after recovery.
	assert.False(t, s.Options.HighAccuracy)
	assert.Equal(t, 30*time.Second, s.Options.Timeout)

	h.failCurrent(gps.CodeTimeout)
	assert.Equal(t, 2*time.Second, h.fireRestart(t).d)
}

func TestPermissionDeniedErrorHaltsTracking(t *testing.T) {
	h := newHarness(t)

	h.failCurrent(gps.CodePermissionDenied)

	s := h.Snapshot()
	assert.Equal(t, PhaseDenied, s.Phase)
	assert.False(t, s.Active)
	require.NotNil(t, s.Error)
	assert.Equal(t, KindPermissionDenied, s.Error.Kind)
	assert.Empty(t, h.clock.pending())
	assert.Equal(t, 0, h.sensor.activeCount())

	// Visibility does not bring it back.
	h.onVisibility(true)
	assert.Equal(t, 1, h.sensor.subscribeCount())
}

func TestPermissionDeniedCancelsPendingRestart(t *testing.T) {
	h := newHarness(t)
	h.failCurrent(gps.CodeTimeout)
	require.Len(t, h.clock.pending(), 1)

	h.apply(Classify(gps.NewPositionError(gps.CodePermissionDenied, "revoked"), h.clock.Now()))
	h.emit()

	assert.Empty(t, h.clock.pending())
	assert.Equal(t, PhaseDenied, h.Snapshot().Phase)
	assert.Nil(t, h.Snapshot().NextRetryAt)
}

func TestPermissionRevokedWhileRetrying(t *testing.T) {
	h := newHarness(t)
	h.failCurrent(gps.CodeTimeout)
	require.Len(t, h.clock.pending(), 1)

	h.applyPermission(gps.PermissionDenied)
	h.emit()

	s := h.Snapshot()
	assert.Empty(t, h.clock.pending())
	assert.Equal(t, PhaseDenied, s.Phase)
	assert.Equal(t, gps.PermissionDenied, s.Permission)
	assert.Equal(t, 1, h.sensor.subscribeCount())

	h.applyPermission(gps.PermissionGranted)
	h.emit()
	assert.Equal(t, 2, h.sensor.subscribeCount())
	assert.Equal(t, gps.DefaultOptions(), h.sensor.current().opts)
	assert.True(t, h.Snapshot().Active)
}

func TestPermissionDenialFromPermissionMonitorLeavesErrorUnset(t *testing.T) {
	h := newHarness(t)
	h.applyPermission(gps.PermissionDenied)
	h.emit()

	s := h.Snapshot()
	assert.Nil(t, s.Error)
	assert.Equal(t, 0, h.sensor.activeCount())
}

func TestVisibleWhileActiveDoesNothing(t *testing.T) {
	h := newHarness(t)
	h.SetVisible(true)
	h.drain()
	assert.Equal(t, 1, h.sensor.subscribeCount())
	assert.Empty(t, h.sensor.unsubscribed)
}

func TestHiddenOnlyLogs(t *testing.T) {
	h := newHarness(t)
	before := h.Snapshot()
	h.SetVisible(false)
	h.drain()
	assert.Equal(t, before, h.Snapshot())
	assert.Equal(t, 1, h.sensor.activeCount())
}

func TestVisibleWhileRetryingStartsImmediately(t *testing.T) {
	h := newHarness(t)
	h.failCurrent(gps.CodeTimeout)
	require.Len(t, h.clock.pending(), 1)

	h.SetVisible(true)
	h.drain()

	assert.Empty(t, h.clock.pending())
	assert.Equal(t, 2, h.sensor.subscribeCount())
	assert.Equal(t, gps.DefaultOptions(), h.sensor.current().opts)
	assert.Equal(t, 1, h.Snapshot().BackoffAttempts)
}

func TestStaleCallbacksAreIgnored(t *testing.T) {
	h := newHarness(t)
	old := h.sensor.current()

	h.failCurrent(gps.CodeTimeout)
	h.fireRestart(t)
	require.NotSame(t, old, h.sensor.current())

	staleBefore := testutil.ToFloat64(metrics.StaleCallbacksTotal)
	old.onFix(testFix(1, 1))
	old.onErr(gps.NewPositionError(gps.CodeTimeout, "late"))
	h.drain()

	s := h.Snapshot()
	assert.Nil(t, s.Fix)
	assert.Nil(t, s.Error)
	assert.Equal(t, PhaseStarting, s.Phase)
	assert.Empty(t, h.clock.pending())
	assert.Equal(t, staleBefore+2, testutil.ToFloat64(metrics.StaleCallbacksTotal))
}

func TestSecondErrorFromSameSubscriptionIsStale(t *testing.T) {
	h := newHarness(t)
	sub := h.sensor.current()

	sub.onErr(gps.NewPositionError(gps.CodeTimeout, "a"))
	sub.onErr(gps.NewPositionError(gps.CodeTimeout, "b"))
	h.drain()

	assert.Len(t, h.clock.pending(), 1)
	assert.Equal(t, 1, h.Snapshot().BackoffAttempts)
}

func TestAtMostOneActiveSubscription(t *testing.T) {
	h := newHarness(t)
	for range 5 {
		h.RetryNow()
		h.drain()
		assert.LessOrEqual(t, h.sensor.activeCount(), 1)
	}
	assert.Equal(t, 6, h.sensor.subscribeCount())
	assert.Equal(t, 1, h.sensor.activeCount())
}

func TestSynchronousSubscribeErrorIsClassified(t *testing.T) {
	h := newHarness(t)
	h.sensor.subscribeErr = gps.NewPositionError(gps.CodePositionUnavailable, "no device")

	h.RetryNow()
	h.drain()

	s := h.Snapshot()
	assert.Equal(t, PhaseRetrying, s.Phase)
	assert.Equal(t, 1, s.BackoffAttempts)
	assert.False(t, s.Active)
	assert.Len(t, h.clock.pending(), 1)

	h.sensor.subscribeErr = nil
	h.fireRestart(t)
	assert.True(t, h.Snapshot().Active)
}

func TestOtherErrorFails(t *testing.T) {
	h := newHarness(t)
	h.sensor.current().onErr(errors.New("firmware fault"))
	h.drain()

	s := h.Snapshot()
	assert.Equal(t, PhaseFailed, s.Phase)
	assert.Equal(t, KindOther, s.Error.Kind)
	assert.Empty(t, h.clock.pending())

	h.SetVisible(true)
	h.drain()
	assert.Equal(t, 1, h.sensor.subscribeCount())

	h.RetryNow()
	h.drain()
	assert.Equal(t, 2, h.sensor.subscribeCount())
	assert.True(t, h.Snapshot().Active)
}

func TestStopIsTerminalForAutomaticStarts(t *testing.T) {
	h := newHarness(t)
	h.failCurrent(gps.CodeTimeout)

	for i := 0; i < 3; i++ {
		h.Stop()
		h.drain()
		assert.Equal(t, 0, h.sensor.activeCount(), "stop %d", i+1)
		assert.Empty(t, h.clock.pending(), "stop %d", i+1)
	}

	s := h.Snapshot()
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.False(t, s.Active)

	h.SetVisible(true)
	h.drain()
	h.applyPermission(gps.PermissionGranted)
	h.drain()
	assert.Equal(t, 1, h.sensor.subscribeCount())

	h.Start()
	h.drain()
	assert.Equal(t, 2, h.sensor.subscribeCount())
	assert.True(t, h.Snapshot().Active)
}

func TestRetryNowKeepsAttempts(t *testing.T) {
	h := newHarness(t)
	h.failCurrent(gps.CodeTimeout)
	h.fireRestart(t)
	h.failCurrent(gps.CodeTimeout)
	require.Len(t, h.clock.pending(), 1)

	h.RetryNow()
	h.drain()

	s := h.Snapshot()
	assert.Empty(t, h.clock.pending())
	assert.Equal(t, 2, s.BackoffAttempts)
	assert.Equal(t, gps.DefaultOptions(), s.Options)
	assert.True(t, s.Active)

	h.failCurrent(gps.CodeTimeout)
	assert.Equal(t, 8*time.Second, h.fireRestart(t).d)
}

func TestTeardownIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.failCurrent(gps.CodeTimeout)
	h.fireRestart(t)

	h.Teardown()
	h.Teardown()
	h.drain()

	assert.Equal(t, 0, h.sensor.activeCount())
	assert.Len(t, h.sensor.unsubscribed, 2)
	assert.Empty(t, h.clock.pending())
	assert.Equal(t, PhaseIdle, h.Snapshot().Phase)

	h.SetVisible(true)
	h.drain()
	assert.Equal(t, 2, h.sensor.subscribeCount())
}

func TestResetRemountsAndKeepsOldCallbacksStale(t *testing.T) {
	h := newHarness(t)
	old := h.sensor.current()
	h.failCurrent(gps.CodeTimeout)

	h.Reset()
	h.drain()

	s := h.Snapshot()
	assert.Equal(t, 0, s.BackoffAttempts)
	assert.True(t, s.Active)
	assert.Equal(t, gps.DefaultOptions(), s.Options)
	assert.Len(t, h.clock.pending(), 0)

	old.onFix(testFix(5, 5))
	h.drain()
	assert.Nil(t, h.Snapshot().Fix)
}

func TestUnsupportedPlatformFails(t *testing.T) {
	nop := zerolog.Nop()
	tr := New(Config{Clock: newFakeClock(), Logger: &nop})
	tr.mount(context.Background())
	tr.emit()

	s := tr.Snapshot()
	assert.Equal(t, PhaseFailed, s.Phase)
	require.NotNil(t, s.Error)
	assert.Equal(t, KindUnsupported, s.Error.Kind)

	tr.RetryNow()
	tr.drain()
	assert.Equal(t, PhaseFailed, tr.Snapshot().Phase)
}

func TestSubscribeDeliversLatest(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.Subscribe()
	defer cancel()

	first := <-ch
	assert.Equal(t, PhaseStarting, first.Phase)

	h.sensor.current().onFix(testFix(1, 1))
	h.drain()
	h.sensor.current().onFix(testFix(2, 2))
	h.drain()

	got := <-ch
	require.NotNil(t, got.Fix)
	assert.Equal(t, 2.0, got.Fix.Latitude)

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}

func startLoop(t *testing.T, tr *Tracker) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()
	return cancel, done
}

func TestRunFollowsPermissionWatch(t *testing.T) {
	sensor := newFakeSensor()
	perms := newFakePermissions(gps.PermissionGranted)
	nop := zerolog.Nop()
	tr := New(Config{Sensor: sensor, Permissions: perms, Clock: newFakeClock(), Logger: &nop})

	cancel, done := startLoop(t, tr)

	require.Eventually(t, func() bool { return tr.Snapshot().Active }, time.Second, 5*time.Millisecond)
	assert.Equal(t, gps.PermissionGranted, tr.Snapshot().Permission)

	perms.changes <- gps.PermissionDenied
	require.Eventually(t, func() bool { return tr.Snapshot().Phase == PhaseDenied }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, sensor.activeCount())

	perms.changes <- gps.PermissionPrompt
	require.Eventually(t, func() bool { return tr.Snapshot().Active }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, sensor.subscribeCount())

	assert.ErrorIs(t, tr.Run(context.Background()), ErrAlreadyRunning)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, sensor.activeCount())
	assert.Equal(t, PhaseIdle, tr.Snapshot().Phase)
}

func TestRunQueryFailureMeansPrompt(t *testing.T) {
	sensor := newFakeSensor()
	perms := newFakePermissions(gps.PermissionUnknown)
	perms.err = errors.New("no permission api")
	nop := zerolog.Nop()
	tr := New(Config{Sensor: sensor, Permissions: perms, Clock: newFakeClock(), Logger: &nop})

	cancel, done := startLoop(t, tr)
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool { return tr.Snapshot().Active }, time.Second, 5*time.Millisecond)
	assert.Equal(t, gps.PermissionPrompt, tr.Snapshot().Permission)
}

func TestOneShotFix(t *testing.T) {
	sensor := newFakeSensor()
	want := testFix(48.85, 2.35)
	sensor.onRequest = func(onFix func(gps.Fix), _ func(error)) { go onFix(want) }
	nop := zerolog.Nop()
	tr := New(Config{Sensor: sensor, Permissions: queryOnly{gps.PermissionDenied}, Clock: newFakeClock(), Logger: &nop})

	cancel, done := startLoop(t, tr)
	defer func() {
		cancel()
		<-done
	}()
	require.Eventually(t, func() bool { return tr.Snapshot().Phase == PhaseDenied }, time.Second, 5*time.Millisecond)

	ctx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	got, err := tr.OneShot(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	s := tr.Snapshot()
	require.NotNil(t, s.Fix)
	assert.Equal(t, want, *s.Fix)
	assert.Equal(t, PhaseDenied, s.Phase)
	assert.Equal(t, 0, sensor.subscribeCount())
}

func TestOneShotErrorHasNoPolicy(t *testing.T) {
	sensor := newFakeSensor()
	sensor.onRequest = func(_ func(gps.Fix), onErr func(error)) {
		go onErr(gps.NewPositionError(gps.CodeTimeout, "slow"))
	}
	nop := zerolog.Nop()
	clock := newFakeClock()
	tr := New(Config{Sensor: sensor, Permissions: queryOnly{gps.PermissionDenied}, Clock: clock, Logger: &nop})

	cancel, done := startLoop(t, tr)
	defer func() {
		cancel()
		<-done
	}()
	require.Eventually(t, func() bool { return tr.Snapshot().Phase == PhaseDenied }, time.Second, 5*time.Millisecond)

	ctx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	_, err := tr.OneShot(ctx)
	var se *SensorError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindTimeout, se.Kind)

	s := tr.Snapshot()
	require.NotNil(t, s.Error)
	assert.Equal(t, KindTimeout, s.Error.Kind)
	assert.Equal(t, 0, s.BackoffAttempts)
	assert.Empty(t, clock.pending())
}
