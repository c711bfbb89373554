package tracker

import (
	"fmt"
	"time"

	"github.com/relabs-tech/geotracker/internal/gps"
)

// Phase is the tracker's position in its state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseTracking
	PhaseRetrying
	PhaseDenied
	PhaseFailed // unsupported or unclassified error, left only via RetryNow
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseTracking:
		return "tracking"
	case PhaseRetrying:
		return "retrying"
	case PhaseDenied:
		return "denied"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for c := PhaseIdle; c <= PhaseFailed; c++ {
		if c.String() == string(b) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// Snapshot is the read-only view handed to consumers after every transition.
type Snapshot struct {
	Fix             *gps.Fix       `json:"fix"`
	Error           *SensorError   `json:"error"`
	Permission      gps.Permission `json:"permission"`
	Phase           Phase          `json:"phase"`
	Active          bool           `json:"active"`
	BackoffAttempts int            `json:"backoff_attempts"`
	NextRetryAt     *time.Time     `json:"next_retry_at,omitempty"`
	Options         gps.Options    `json:"options"`
}

// state is owned by the event loop. Nothing outside the loop goroutine
// reads or writes it.
type state struct {
	permission gps.Permission

	active bool // handle is valid iff active
	handle gps.Handle

	lastFix  *gps.Fix
	lastErr  *SensorError
	attempts int

	phase   Phase
	opts    gps.Options // options of the most recent start
	stopped bool        // explicit Stop; automatic starts are suppressed
	mounted bool
}
