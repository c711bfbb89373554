package tracker

import (
	"context"
	"time"

	"github.com/relabs-tech/geotracker/internal/gps"
)

// Sensor is the host position capability. Callbacks may run on any
// goroutine; the tracker re-posts them onto its loop.
type Sensor interface {
	// Request asks for a single fix.
	Request(onFix func(gps.Fix), onErr func(error), opts gps.Options)
	// Subscribe opens a continuous subscription.
	Subscribe(onFix func(gps.Fix), onErr func(error), opts gps.Options) (gps.Handle, error)
	// Unsubscribe cancels a subscription. Unknown handles are ignored.
	Unsubscribe(h gps.Handle)
}

// PermissionSource answers the current authorization state.
type PermissionSource interface {
	Query(ctx context.Context) (gps.Permission, error)
}

// PermissionWatcher is implemented by sources that can report changes.
// Watch blocks until ctx is done.
type PermissionWatcher interface {
	Watch(ctx context.Context, onChange func(gps.Permission)) error
}

// Capabilities is the result of probing the platform once at startup.
type Capabilities struct {
	Geolocation     bool
	PermissionQuery bool
	PermissionWatch bool
}

// Discover reports which platform features are present.
func Discover(s Sensor, p PermissionSource) Capabilities {
	caps := Capabilities{
		Geolocation:     s != nil,
		PermissionQuery: p != nil,
	}
	if p != nil {
		_, caps.PermissionWatch = p.(PermissionWatcher)
	}
	return caps
}

// Clock provides time and single-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
