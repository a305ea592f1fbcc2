// Package stream is the real-time fan-out fabric: an in-process bus accepts
// publications from the coordinator, runtime, consensus, and metrics layers
// and multiplexes them to connected dashboard sessions with per-session
// filtering, bounded queues, and reconnection support.
package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aegisops/swarm/pkg/models"
)

// MessageType is one of the closed set of stream message types.
type MessageType string

const (
	TypeSnapshot       MessageType = "snapshot"
	TypeHeartbeat      MessageType = "heartbeat"
	TypeAgentUpdate    MessageType = "agent_update"
	TypeIncidentStatus MessageType = "incident_status"
	TypeMetricsUpdate  MessageType = "metrics_update"
	TypeSystemHealth   MessageType = "system_health"
	TypeError          MessageType = "error"
)

// CloseReason is the server's reason for closing a session.
type CloseReason string

const (
	ReasonSlowConsumer CloseReason = "SlowConsumer"
	ReasonShutdown     CloseReason = "Shutdown"
	ReasonUnauthorized CloseReason = "Unauthorized"
)

// DashboardTag is the access class of a streaming session. Only ops sessions
// receive live updates; demo and transparency sessions are accepted but
// pruned to snapshot and heartbeat traffic.
type DashboardTag string

const (
	TagOps          DashboardTag = "ops"
	TagDemo         DashboardTag = "demo"
	TagTransparency DashboardTag = "transparency"
)

// Valid reports whether the tag is in the recognized set.
func (t DashboardTag) Valid() bool {
	switch t {
	case TagOps, TagDemo, TagTransparency:
		return true
	}
	return false
}

// Live reports whether sessions with this tag receive live updates.
func (t DashboardTag) Live() bool { return t == TagOps }

// Message is the streaming wire envelope. The field set is closed; clients
// must tolerate unknown keys but the server never emits any.
type Message struct {
	Type       MessageType     `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	IncidentID string          `json:"incident_id,omitempty"`
	Version    int64           `json:"version,omitempty"`

	// Delivery metadata for the backpressure policy; never serialized.
	eventKind models.EventKind
	agentKind models.AgentKind
}

// Critical reports whether the backpressure policy may never drop this
// message. Losing one would leave a dashboard showing a live incident that
// has in fact terminated.
func (m Message) Critical() bool { return m.eventKind.IsCritical() }

// EventKind returns the incident event kind this message carries, if any.
func (m Message) EventKind() models.EventKind { return m.eventKind }

// typeFor maps an event kind onto its stream message type.
func typeFor(kind models.EventKind) MessageType {
	switch kind {
	case models.EventAgentAssigned, models.EventAgentProgress,
		models.EventAgentCompleted, models.EventAgentFailed:
		return TypeAgentUpdate
	case models.EventMetricsRecomputed:
		return TypeMetricsUpdate
	default:
		return TypeIncidentStatus
	}
}

// FromEvent converts a stored incident event into its stream message. The
// payload is the full event record so clients can feed it into the same
// projection they use for historical replay.
func FromEvent(ev models.IncidentEvent) (Message, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return Message{}, fmt.Errorf("marshal stream payload for %s: %w", ev.Kind, err)
	}
	msg := Message{
		Type:       typeFor(ev.Kind),
		Payload:    raw,
		Timestamp:  ev.Timestamp,
		IncidentID: ev.IncidentID,
		Version:    ev.Version,
		eventKind:  ev.Kind,
	}
	if ev.Kind == models.EventAgentProgress {
		if payload, err := ev.DecodedPayload(); err == nil {
			msg.agentKind = payload.(*models.AgentProgressPayload).AgentKind
		}
	}
	return msg, nil
}

// Heartbeat builds a heartbeat message.
func Heartbeat(now time.Time) Message {
	return Message{Type: TypeHeartbeat, Timestamp: now}
}

// SystemHealth builds a system_health message carrying per-provider breaker
// states.
func SystemHealth(now time.Time, providers map[string]string) Message {
	raw, _ := json.Marshal(map[string]any{"providers": providers})
	return Message{Type: TypeSystemHealth, Payload: raw, Timestamp: now}
}

// ErrorMessage builds an error message carrying an enumerated error kind.
func ErrorMessage(now time.Time, kind models.ErrorKind, detail string) Message {
	raw, _ := json.Marshal(map[string]string{
		"kind":    string(kind),
		"message": detail,
	})
	return Message{Type: TypeError, Payload: raw, Timestamp: now}
}

// Filter selects which messages a session receives. Zero-value fields match
// everything; messages without an incident id (metrics, health) pass the
// incident filter unconditionally.
type Filter struct {
	IncidentIDs []string           `json:"incident_ids,omitempty"`
	EventKinds  []models.EventKind `json:"event_kinds,omitempty"`
}

func (f Filter) allows(m Message) bool {
	if len(f.IncidentIDs) > 0 && m.IncidentID != "" {
		found := false
		for _, id := range f.IncidentIDs {
			if id == m.IncidentID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.EventKinds) > 0 && m.eventKind != "" {
		found := false
		for _, k := range f.EventKinds {
			if k == m.eventKind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
