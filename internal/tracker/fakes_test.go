package tracker

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relabs-tech/geotracker/internal/gps"
)

type fakeSub struct {
	handle gps.Handle
	onFix  func(gps.Fix)
	onErr  func(error)
	opts   gps.Options
}

type fakeSensor struct {
	mu           sync.Mutex
	next         gps.Handle
	active       map[gps.Handle]*fakeSub
	all          []*fakeSub
	requests     []*fakeSub
	unsubscribed []gps.Handle
	subscribeErr error
	onRequest    func(onFix func(gps.Fix), onErr func(error))
}

func newFakeSensor() *fakeSensor {
	return &fakeSensor{active: make(map[gps.Handle]*fakeSub)}
}

func (s *fakeSensor) Request(onFix func(gps.Fix), onErr func(error), opts gps.Options) {
	s.mu.Lock()
	s.requests = append(s.requests, &fakeSub{onFix: onFix, onErr: onErr, opts: opts})
	hook := s.onRequest
	s.mu.Unlock()
	if hook != nil {
		hook(onFix, onErr)
	}
}

func (s *fakeSensor) Subscribe(onFix func(gps.Fix), onErr func(error), opts gps.Options) (gps.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return 0, s.subscribeErr
	}
	s.next++
	sub := &fakeSub{handle: s.next, onFix: onFix, onErr: onErr, opts: opts}
	s.active[sub.handle] = sub
	s.all = append(s.all, sub)
	return sub.handle, nil
}

func (s *fakeSensor) Unsubscribe(h gps.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, h)
	s.unsubscribed = append(s.unsubscribed, h)
}

func (s *fakeSensor) current() *fakeSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.all) == 0 {
		return nil
	}
	return s.all[len(s.all)-1]
}

func (s *fakeSensor) subscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.all)
}

func (s *fakeSensor) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *fakeSensor) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].at.Before(out[j].at) })
	return out
}

// fireNext advances the clock to the earliest pending timer and runs it.
func (c *fakeClock) fireNext(t *testing.T) *fakeTimer {
	t.Helper()
	p := c.pending()
	if len(p) == 0 {
		t.Fatal("no pending timer")
	}
	next := p[0]
	c.mu.Lock()
	c.now = next.at
	next.fired = true
	c.mu.Unlock()
	next.f()
	return next
}

type fakePermissions struct {
	initial gps.Permission
	err     error
	changes chan gps.Permission
}

func newFakePermissions(initial gps.Permission) *fakePermissions {
	return &fakePermissions{initial: initial, changes: make(chan gps.Permission, 8)}
}

func (p *fakePermissions) Query(context.Context) (gps.Permission, error) {
	return p.initial, p.err
}

func (p *fakePermissions) Watch(ctx context.Context, onChange func(gps.Permission)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-p.changes:
			onChange(v)
		}
	}
}

type queryOnly struct{ p gps.Permission }

func (q queryOnly) Query(context.Context) (gps.Permission, error) { return q.p, nil }

// drain runs queued loop work on the calling goroutine.
func (t *Tracker) drain() {
	for {
		select {
		case f := <-t.inbox:
			f()
		default:
			return
		}
	}
}

type harness struct {
	*Tracker
	sensor *fakeSensor
	clock  *fakeClock
}

// newHarness mounts a tracker without a permission source, so it starts at
// once with prompt permission. Events are processed by drain.
func newHarness(t *testing.T) *harness {
	t.Helper()
	fs := newFakeSensor()
	fc := newFakeClock()
	nop := zerolog.Nop()
	tr := New(Config{Sensor: fs, Clock: fc, Logger: &nop})
	tr.runCtx = context.Background()
	tr.mount(tr.runCtx)
	tr.emit()
	tr.drain()
	return &harness{Tracker: tr, sensor: fs, clock: fc}
}

func (h *harness) failCurrent(code int) {
	h.sensor.current().onErr(gps.NewPositionError(code, "test failure"))
	h.drain()
}

func (h *harness) fireRestart(t *testing.T) *fakeTimer {
	t.Helper()
	timer := h.clock.fireNext(t)
	h.drain()
	return timer
}

func testFix(lat, lon float64) gps.Fix {
	return gps.Fix{
		Latitude:       lat,
		Longitude:      lon,
		AccuracyMeters: 12,
		ObservedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}
