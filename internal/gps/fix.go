package gps

import "time"

// Fix represents a single reported position suitable for JSON, MQTT and NATS.
// A Fix is never mutated after creation; the next report replaces it.
type Fix struct {
	Latitude       float64   `json:"lat"`         // decimal degrees
	Longitude      float64   `json:"lon"`         // decimal degrees
	AccuracyMeters float64   `json:"accuracy_m"`  // horizontal accuracy radius
	ObservedAt     time.Time `json:"observed_at"` // receiver time of the fix
}

// Age returns how old the fix is relative to now.
func (f Fix) Age(now time.Time) time.Duration {
	return now.Sub(f.ObservedAt)
}

// Options control a single position request or a continuous subscription.
type Options struct {
	HighAccuracy bool          `json:"high_accuracy"`
	MaxFixAge    time.Duration `json:"max_fix_age"` // a cached fix younger than this may be reported
	Timeout      time.Duration `json:"timeout"`     // max wait for each report
}

// DefaultOptions mirrors the tolerant defaults used when nothing else is
// configured: low accuracy, 3s cache, 20s timeout.
func DefaultOptions() Options {
	return Options{
		HighAccuracy: false,
		MaxFixAge:    3 * time.Second,
		Timeout:      20 * time.Second,
	}
}

// Handle identifies a continuous subscription on a sensor.
type Handle uint64
