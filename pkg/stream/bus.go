package stream

import (
	"log/slog"
	"sync"

	"github.com/aegisops/swarm/pkg/models"
)

// Bus is the central in-process fan-out point. Publishers never block:
// publication offers the message to every attached session and returns.
// Delivery past the queue boundary is the session writer's problem.
type Bus struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{sessions: make(map[string]*Session)}
}

// Attach registers a session for live delivery.
func (b *Bus) Attach(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[s.ID] = s
}

// Detach removes a session. The session itself is not closed; the caller
// owns its lifecycle.
func (b *Bus) Detach(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, id)
}

// PublishEvent converts a stored incident event into its stream message and
// fans it out. Implements the event store's publisher hook, so everything
// recorded through the append path reaches dashboards without extra wiring.
func (b *Bus) PublishEvent(ev models.IncidentEvent) {
	msg, err := FromEvent(ev)
	if err != nil {
		slog.Warn("Stream message dropped", "incident_id", ev.IncidentID, "kind", ev.Kind, "error", err)
		return
	}
	b.Publish(msg)
}

// Publish fans a message out to all attached sessions. Session pointers are
// snapshotted so slow Offer paths never hold the registry lock.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.RUnlock()

	for _, s := range sessions {
		s.Offer(msg)
	}
}

// SessionCount returns the number of attached sessions.
func (b *Bus) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Shutdown closes every attached session and empties the registry.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*Session)
	b.mu.Unlock()

	for _, s := range sessions {
		s.Close(ReasonShutdown)
	}
}
