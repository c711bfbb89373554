//go:build unix

package sensors

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/relabs-tech/geotracker/internal/gps"
)

func accessPermission(path string) (gps.Permission, error) {
	err := unix.Access(path, unix.R_OK|unix.W_OK)
	switch {
	case err == nil:
		return gps.PermissionGranted, nil
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM), errors.Is(err, unix.EROFS):
		return gps.PermissionDenied, nil
	default:
		return gps.PermissionPrompt, nil
	}
}
