package gps

import (
	"errors"
	"fmt"
)

// Platform error codes reported by position sensors.
const (
	CodePermissionDenied    = 1
	CodePositionUnavailable = 2
	CodeTimeout             = 3
)

// ErrUnsupported is returned when no position capability exists on the host.
var ErrUnsupported = errors.New("geolocation not supported")

// PositionError is the raw error reported by a sensor.
type PositionError struct {
	Code    int
	Message string
}

func (e *PositionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("code(%d)", e.Code)
	}
	return fmt.Sprintf("code(%d) %s", e.Code, e.Message)
}

// NewPositionError builds a PositionError with a formatted message.
func NewPositionError(code int, format string, args ...any) *PositionError {
	return &PositionError{Code: code, Message: fmt.Sprintf(format, args...)}
}
