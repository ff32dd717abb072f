// Package device abstracts the hardware behind a stream: enumeration of
// attached devices, opening a device for a stream configuration and the
// delivery of timestamped samples. Concrete hardware bindings implement the
// Factory and Handle interfaces; the registry only dispatches on device type
// and resolves device identity.
package device

import (
	"context"
	"time"

	"github.com/visionlabs/vedcap/internal/config"
)

// Sample is a single timestamped unit of data from one stream: a video
// frame or a motion reading. Timestamps carry Go's monotonic clock reading,
// sequence numbers are per-device and strictly increasing.
type Sample struct {
	Seq       uint64
	Timestamp time.Time
	Data      []byte
}

// Handle is an open device delivering samples for exactly one stream.
type Handle interface {
	// UID returns the resolved hardware identity. Immutable for the session.
	UID() string

	// ApplyControl sets one device control (exposure, gain, ...). Rejected
	// controls are non-fatal: not all firmware exposes every control.
	ApplyControl(name string, value any) error

	// Next blocks until the next sample is available or ctx is cancelled.
	Next(ctx context.Context) (Sample, error)

	Close() error
}

// Factory opens devices of one device type.
type Factory interface {
	// Enumerate lists the UIDs of attached devices.
	Enumerate() ([]string, error)

	// Open opens the device identified by uid for the given stream config.
	Open(uid string, cfg config.StreamConfig) (Handle, error)
}
