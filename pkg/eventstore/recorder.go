package eventstore

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/aegisops/swarm/pkg/clock"
	"github.com/aegisops/swarm/pkg/models"
)

// lockStripes sizes the recorder's per-incident lock table. Incidents hash
// onto a stripe; collisions only add contention, never affect correctness.
const lockStripes = 64

// Publisher receives committed events for fan-out. Publication is
// best-effort after commit and can never affect persisted state.
type Publisher interface {
	PublishEvent(ev models.IncidentEvent)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) PublishEvent(models.IncidentEvent) {}

// Recorder is the append-then-publish path shared by the runtime, the
// coordinator and the API: build the event, append at the current head with
// conflict retry, then hand the committed event to the publisher. Append and
// publish run under a per-incident stripe lock, so the publisher observes
// events for one incident in version order even when recorders race.
type Recorder struct {
	Store     Store
	Clock     clock.Clock
	Publisher Publisher
	Retry     RetryPolicy

	stripes [lockStripes]sync.Mutex
}

// NewRecorder wires a recorder with defaults for nil fields.
func NewRecorder(store Store, c clock.Clock, pub Publisher) *Recorder {
	if c == nil {
		c = clock.System{}
	}
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Recorder{
		Store:     store,
		Clock:     c,
		Publisher: pub,
		Retry:     DefaultRetryPolicy(),
	}
}

// Record appends an event of the given kind at the current head and
// publishes the committed event. The returned event carries its assigned
// version.
func (r *Recorder) Record(ctx context.Context, incidentID string, kind models.EventKind, payload any) (models.IncidentEvent, error) {
	ev, err := models.NewEvent(incidentID, kind, payload)
	if err != nil {
		return models.IncidentEvent{}, err
	}
	ev.ID = clock.NewEventID()
	ev.Timestamp = r.Clock.Now()

	mu := r.lock(incidentID)
	mu.Lock()
	defer mu.Unlock()

	version, err := AppendLatest(ctx, r.Store, incidentID, ev, r.Retry)
	if err != nil {
		return models.IncidentEvent{}, err
	}
	ev.Version = version
	r.Publisher.PublishEvent(ev)
	return ev, nil
}

// RecordAt appends at an explicit expected version, without conflict retry.
func (r *Recorder) RecordAt(ctx context.Context, incidentID string, expectedVersion int64, kind models.EventKind, payload any) (models.IncidentEvent, error) {
	ev, err := models.NewEvent(incidentID, kind, payload)
	if err != nil {
		return models.IncidentEvent{}, err
	}
	ev.ID = clock.NewEventID()
	ev.Timestamp = r.Clock.Now()

	mu := r.lock(incidentID)
	mu.Lock()
	defer mu.Unlock()

	version, err := r.Store.Append(ctx, incidentID, expectedVersion, ev)
	if err != nil {
		return models.IncidentEvent{}, err
	}
	ev.Version = version
	r.Publisher.PublishEvent(ev)
	return ev, nil
}

func (r *Recorder) lock(incidentID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(incidentID))
	return &r.stripes[h.Sum32()%lockStripes]
}
