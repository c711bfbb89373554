package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/relabs-tech/geotracker/internal/gps"
)

// ErrorKind is the classification of a sensor error.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindPermissionDenied
	KindPositionUnavailable
	KindTimeout
	KindUnsupported
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindPositionUnavailable:
		return "position_unavailable"
	case KindTimeout:
		return "timeout"
	case KindUnsupported:
		return "unsupported"
	case KindOther:
		return "other"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ErrorKind) UnmarshalText(b []byte) error {
	for c := KindOther; c <= KindUnsupported; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", b)
}

// Transient reports whether the kind is expected to clear without user action.
func (k ErrorKind) Transient() bool {
	return k == KindTimeout || k == KindPositionUnavailable
}

// SensorError is a classified sensor error as recorded in tracker state.
type SensorError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func (e *SensorError) Error() string {
	return e.Kind.String() + ": " + e.Message
}

// Classify maps a raw sensor error onto one of the five kinds. An error
// that is already classified keeps its kind and message.
func Classify(err error, at time.Time) *SensorError {
	var se *SensorError
	if errors.As(err, &se) {
		return &SensorError{Kind: se.Kind, Message: se.Message, At: at}
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &SensorError{Kind: classifyKind(err), Message: msg, At: at}
}

func classifyKind(err error) ErrorKind {
	var (
		pe *gps.PositionError
		se *SensorError
	)
	switch {
	case err == nil:
		return KindOther
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, gps.ErrUnsupported):
		return KindUnsupported
	case errors.As(err, &pe):
		switch pe.Code {
		case gps.CodePermissionDenied:
			return KindPermissionDenied
		case gps.CodePositionUnavailable:
			return KindPositionUnavailable
		case gps.CodeTimeout:
			return KindTimeout
		default:
			return KindOther
		}
	case errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return KindPositionUnavailable
	default:
		return KindOther
	}
}
