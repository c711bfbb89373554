package sensors

import (
	"context"
	"time"

	"github.com/relabs-tech/geotracker/internal/gps"
)

// DevicePermission reports whether this process may open the receiver's
// device node. A missing node is reported as prompt: plugging the receiver
// in, or fixing the udev rule, can still grant access.
type DevicePermission struct {
	Path string
	Poll time.Duration
}

// NewDevicePermission watches path, re-checking every poll.
func NewDevicePermission(path string, poll time.Duration) *DevicePermission {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &DevicePermission{Path: path, Poll: poll}
}

// Query checks the device node once.
func (p *DevicePermission) Query(ctx context.Context) (gps.Permission, error) {
	if err := ctx.Err(); err != nil {
		return gps.PermissionUnknown, err
	}
	return accessPermission(p.Path)
}

// Watch polls the node and calls onChange whenever the answer differs from
// the previous one. It returns when ctx is done.
func (p *DevicePermission) Watch(ctx context.Context, onChange func(gps.Permission)) error {
	last, err := accessPermission(p.Path)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(p.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur, err := accessPermission(p.Path)
			if err != nil {
				return err
			}
			if cur != last {
				last = cur
				onChange(cur)
			}
		}
	}
}
