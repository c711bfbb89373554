package supervisor

import (
	"context"
	"errors"

	"github.com/thejerf/suture/v4"

	"github.com/relabs-tech/geotracker/internal/tracker"
)

// TrackerService adapts the tracker event loop to suture.Service.
type TrackerService struct {
	T *tracker.Tracker
}

func (s TrackerService) Serve(ctx context.Context) error {
	err := s.T.Run(ctx)
	if errors.Is(err, tracker.ErrAlreadyRunning) {
		return suture.ErrDoNotRestart
	}
	return err
}

func (s TrackerService) String() string { return s.T.String() }

// Reactor receives lifecycle events from the operating system.
type Reactor interface {
	SetVisible(visible bool)
	Reset()
}
