package gps

import "fmt"

// Permission is the authorization state of the location capability.
type Permission int

const (
	PermissionUnknown Permission = iota
	PermissionGranted
	PermissionPrompt
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionUnknown:
		return "unknown"
	case PermissionGranted:
		return "granted"
	case PermissionPrompt:
		return "prompt"
	case PermissionDenied:
		return "denied"
	default:
		return fmt.Sprintf("Permission(%d)", int(p))
	}
}

// Allows reports whether tracking may be started automatically.
func (p Permission) Allows() bool {
	return p == PermissionGranted || p == PermissionPrompt
}

// MarshalText encodes the permission as its name.
func (p Permission) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a permission name.
func (p *Permission) UnmarshalText(b []byte) error {
	v, err := ParsePermission(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePermission converts a permission name.
func ParsePermission(s string) (Permission, error) {
	switch s {
	case "unknown", "":
		return PermissionUnknown, nil
	case "granted":
		return PermissionGranted, nil
	case "prompt":
		return PermissionPrompt, nil
	case "denied":
		return PermissionDenied, nil
	default:
		return PermissionUnknown, fmt.Errorf("unknown permission state %q", s)
	}
}
