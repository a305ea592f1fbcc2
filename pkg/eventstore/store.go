// Package eventstore defines the append-only, per-incident ordered event log
// with optimistic concurrency, and provides the in-memory implementation and
// the replay projection. The event store is the sole authority on incident
// history: every component mutates incident state only by appending here.
package eventstore

import (
	"context"
	"time"

	"github.com/aegisops/swarm/pkg/models"
)

// Store is the event store contract. Appends for the same incident are
// linearizable via optimistic concurrency on the expected version.
type Store interface {
	// Append stores an event at expectedVersion+1 and returns the new head
	// version. It fails with a VersionConflict-kind error if the current
	// head differs from expectedVersion, and with IncidentTerminated if a
	// terminal event has already been stored.
	Append(ctx context.Context, incidentID string, expectedVersion int64, ev models.IncidentEvent) (int64, error)

	// HeadVersion returns the current head version, or 0 if the incident
	// is unknown.
	HeadVersion(ctx context.Context, incidentID string) (int64, error)

	// Read returns the ordered events with version >= fromVersion. A
	// fromVersion beyond head returns an empty slice, not an error.
	Read(ctx context.Context, incidentID string, fromVersion int64) ([]models.IncidentEvent, error)

	// Subscribe returns a channel that first yields historical events from
	// fromVersion, then live events as they are appended, preserving
	// version order. The channel is closed after the terminal event is
	// delivered or when ctx is cancelled.
	Subscribe(ctx context.Context, incidentID string, fromVersion int64) (<-chan models.IncidentEvent, error)

	// ReplayState derives the incident snapshot by applying all events in
	// order.
	ReplayState(ctx context.Context, incidentID string) (*IncidentState, error)

	// ListIncidents returns projected snapshots matching the filter,
	// newest first.
	ListIncidents(ctx context.Context, filter ListFilter) ([]*IncidentState, error)
}

// Purger is implemented by stores that support retention deletes. Only
// terminal incidents are ever purged; active logs are always retained.
type Purger interface {
	// PurgeTerminalBefore deletes every incident whose terminal event is
	// older than cutoff and returns how many incidents were removed.
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ListFilter selects incidents for list queries. Zero values match all.
type ListFilter struct {
	Status        models.IncidentStatus
	Severity      models.Severity
	SubmittedFrom time.Time
	SubmittedTo   time.Time
	Limit         int
}
