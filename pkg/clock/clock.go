// Package clock provides the time source and identifier generation used
// across the control plane. Injecting Clock keeps timing-sensitive code
// (timeouts, heartbeats, metric windows) testable.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock is the time source. The real implementation is monotonic via
// time.Now; tests substitute a manual clock.
type Clock interface {
	Now() time.Time
}

// System is the wall/monotonic clock.
type System struct{}

// Now returns the current time.
func (System) Now() time.Time { return time.Now() }

// NewIncidentID returns a new unique incident identifier.
func NewIncidentID() string { return "inc-" + uuid.New().String() }

// NewEventID returns a new unique event identifier.
func NewEventID() string { return "evt-" + uuid.New().String() }

// NewSessionID returns a new unique streaming session identifier.
func NewSessionID() string { return "ses-" + uuid.New().String() }

// NewCorrelationID returns a new correlation identifier for tying together
// events produced by one logical operation.
func NewCorrelationID() string { return "cor-" + uuid.New().String() }
