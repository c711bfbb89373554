package publish

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/geotracker/internal/gps"
)

// Command is a remote instruction for the tracker.
type Command string

const (
	CommandRetry   Command = "retry"
	CommandStop    Command = "stop"
	CommandStart   Command = "start"
	CommandOneShot Command = "oneshot"
)

// Controller is satisfied by *tracker.Tracker.
type Controller interface {
	Start()
	Stop()
	RetryNow()
	OneShot(ctx context.Context) (gps.Fix, error)
}

// ParseCommand accepts a bare word ("retry") or {"command":"retry"}.
func ParseCommand(payload []byte) (Command, error) {
	payload = bytes.TrimSpace(payload)
	word := string(payload)
	if len(payload) > 0 && payload[0] == '{' {
		var body struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return "", fmt.Errorf("invalid command payload: %w", err)
		}
		word = body.Command
	}

	cmd := Command(strings.ToLower(strings.TrimSpace(word)))
	switch cmd {
	case CommandRetry, CommandStop, CommandStart, CommandOneShot:
		return cmd, nil
	default:
		return "", fmt.Errorf("unknown command %q", word)
	}
}

// Execute runs cmd against c. One-shot waits up to timeout for the fix.
func Execute(ctx context.Context, c Controller, cmd Command, timeout time.Duration) (*gps.Fix, error) {
	switch cmd {
	case CommandRetry:
		c.RetryNow()
	case CommandStop:
		c.Stop()
	case CommandStart:
		c.Start()
	case CommandOneShot:
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		fix, err := c.OneShot(ctx)
		if err != nil {
			return nil, err
		}
		return &fix, nil
	default:
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
	return nil, nil
}
