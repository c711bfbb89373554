//go:build !unix

package sensors

import "github.com/relabs-tech/geotracker/internal/gps"

// Device node permissions cannot be probed here; the tracker treats the
// error as prompt.
func accessPermission(string) (gps.Permission, error) {
	return gps.PermissionUnknown, gps.ErrUnsupported
}
