package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aegisops/swarm/pkg/clock"
	"github.com/aegisops/swarm/pkg/models"
)

// subscriberBuffer is the per-subscription channel capacity. Incident logs
// are short (tens of events); a subscriber that falls this far behind is
// closed and must resume via Read.
const subscriberBuffer = 256

// MemoryStore is the in-process Store implementation. It is the default
// backend for tests and single-process deployments; the postgres subpackage
// provides the durable backend with identical semantics.
type MemoryStore struct {
	clock clock.Clock

	mu      sync.RWMutex
	streams map[string]*stream
}

type stream struct {
	events   []models.IncidentEvent
	terminal bool
	assigned bool // at least one agent_assigned stored

	// completed agent kinds, for the consensus proposer invariant
	completed map[models.AgentKind]bool

	subs   map[int]*subscriber
	nextID int
}

type subscriber struct {
	ch     chan models.IncidentEvent
	closed bool
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.System{}
	}
	return &MemoryStore{
		clock:   c,
		streams: make(map[string]*stream),
	}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, incidentID string, expectedVersion int64, ev models.IncidentEvent) (int64, error) {
	if incidentID == "" {
		return 0, models.E(models.KindValidation, "incident id is required")
	}
	if !ev.Kind.IsValid() {
		return 0, models.E(models.KindValidation, fmt.Sprintf("unknown event kind %q", ev.Kind))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.streams[incidentID]
	if !ok {
		st = &stream{
			completed: make(map[models.AgentKind]bool),
			subs:      make(map[int]*subscriber),
		}
		m.streams[incidentID] = st
	}

	if st.terminal {
		return 0, models.E(models.KindIncidentTerminated, fmt.Sprintf("incident %s is terminal", incidentID))
	}

	head := int64(len(st.events))
	if expectedVersion != head {
		return 0, models.E(models.KindVersionConflict,
			fmt.Sprintf("incident %s: expected version %d, head is %d", incidentID, expectedVersion, head))
	}

	if err := st.checkInvariants(ev); err != nil {
		return 0, err
	}

	ev.IncidentID = incidentID
	ev.Version = head + 1
	if ev.ID == "" {
		ev.ID = clock.NewEventID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.clock.Now()
	}

	st.events = append(st.events, ev)
	st.applyBookkeeping(ev)

	// Deliver to live subscribers. Sends happen under the store lock so
	// per-incident ordering matches append order; the channel is buffered
	// and a full subscriber is dropped rather than blocking the append.
	for id, sub := range st.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("Dropping slow event store subscriber",
				"incident_id", incidentID, "subscriber_id", id)
			sub.closed = true
			close(sub.ch)
			delete(st.subs, id)
		}
	}

	if ev.Kind.IsTerminal() {
		st.terminal = true
		for id, sub := range st.subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			delete(st.subs, id)
		}
	}

	return ev.Version, nil
}

// checkInvariants rejects appends that would violate the event stream
// invariants. Violations are logic errors surfaced as validation-kind errors.
func (st *stream) checkInvariants(ev models.IncidentEvent) error {
	if ev.Kind.IsTerminal() && !st.assigned {
		return models.E(models.KindValidation,
			fmt.Sprintf("%s before any agent_assigned", ev.Kind))
	}

	if ev.Kind == models.EventConsensusReached {
		var payload models.ConsensusReachedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return models.Ef(models.KindValidation, err, "malformed consensus payload")
		}
		if payload.Decision.Approved() && !st.completed[payload.Decision.Action.ProposedBy] {
			return models.E(models.KindValidation,
				fmt.Sprintf("consensus action %s has no completed proposer %s",
					payload.Decision.Action.ID, payload.Decision.Action.ProposedBy))
		}
	}
	return nil
}

func (st *stream) applyBookkeeping(ev models.IncidentEvent) {
	switch ev.Kind {
	case models.EventAgentAssigned:
		st.assigned = true
	case models.EventAgentCompleted:
		var payload models.AgentCompletedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err == nil {
			st.completed[payload.Result.Kind] = true
		}
	}
}

// HeadVersion implements Store.
func (m *MemoryStore) HeadVersion(_ context.Context, incidentID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.streams[incidentID]
	if !ok {
		return 0, nil
	}
	return int64(len(st.events)), nil
}

// Read implements Store.
func (m *MemoryStore) Read(_ context.Context, incidentID string, fromVersion int64) ([]models.IncidentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.streams[incidentID]
	if !ok {
		return nil, models.E(models.KindIncidentNotFound, fmt.Sprintf("incident %s not found", incidentID))
	}
	if fromVersion < 1 {
		fromVersion = 1
	}
	if fromVersion > int64(len(st.events)) {
		return nil, nil
	}
	out := make([]models.IncidentEvent, int64(len(st.events))-fromVersion+1)
	copy(out, st.events[fromVersion-1:])
	return out, nil
}

// Subscribe implements Store. History is preloaded into the subscription
// channel under the lock, so no live event can interleave with it.
func (m *MemoryStore) Subscribe(ctx context.Context, incidentID string, fromVersion int64) (<-chan models.IncidentEvent, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}

	m.mu.Lock()
	st, ok := m.streams[incidentID]
	if !ok {
		m.mu.Unlock()
		return nil, models.E(models.KindIncidentNotFound, fmt.Sprintf("incident %s not found", incidentID))
	}

	history := st.events
	if fromVersion <= int64(len(history)) {
		history = history[fromVersion-1:]
	} else {
		history = nil
	}
	if len(history) > subscriberBuffer {
		m.mu.Unlock()
		return nil, models.E(models.KindValidation,
			fmt.Sprintf("history of %d events exceeds subscription buffer; use Read", len(history)))
	}

	ch := make(chan models.IncidentEvent, subscriberBuffer)
	for _, ev := range history {
		ch <- ev
	}

	if st.terminal {
		close(ch)
		m.mu.Unlock()
		return ch, nil
	}

	sub := &subscriber{ch: ch}
	id := st.nextID
	st.nextID++
	st.subs[id] = sub
	m.mu.Unlock()

	// Cancellation tears the subscription down and closes the channel.
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if s, ok := st.subs[id]; ok && !s.closed {
			s.closed = true
			close(s.ch)
			delete(st.subs, id)
		}
	}()

	return ch, nil
}

// PurgeTerminalBefore implements Purger. Terminal streams have no live
// subscribers, so removal is a plain map delete.
func (m *MemoryStore) PurgeTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, st := range m.streams {
		if !st.terminal || len(st.events) == 0 {
			continue
		}
		if st.events[len(st.events)-1].Timestamp.Before(cutoff) {
			delete(m.streams, id)
			purged++
		}
	}
	return purged, nil
}

// ReplayState implements Store.
func (m *MemoryStore) ReplayState(ctx context.Context, incidentID string) (*IncidentState, error) {
	events, err := m.Read(ctx, incidentID, 1)
	if err != nil {
		return nil, err
	}
	return Project(events)
}

// ListIncidents implements Store.
func (m *MemoryStore) ListIncidents(_ context.Context, filter ListFilter) ([]*IncidentState, error) {
	m.mu.RLock()
	snapshots := make([][]models.IncidentEvent, 0, len(m.streams))
	for _, st := range m.streams {
		events := make([]models.IncidentEvent, len(st.events))
		copy(events, st.events)
		snapshots = append(snapshots, events)
	}
	m.mu.RUnlock()

	states := make([]*IncidentState, 0, len(snapshots))
	for _, events := range snapshots {
		if len(events) == 0 {
			continue
		}
		state, err := Project(events)
		if err != nil {
			slog.Warn("Skipping unprojectable incident in list", "error", err)
			continue
		}
		if state.matches(filter) {
			states = append(states, state)
		}
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].Incident.SubmittedAt.After(states[j].Incident.SubmittedAt)
	})
	if filter.Limit > 0 && len(states) > filter.Limit {
		states = states[:filter.Limit]
	}
	return states, nil
}
