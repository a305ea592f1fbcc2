package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind is one of the closed set of incident event kinds.
type EventKind string

// The closed set of event kinds.
const (
	EventIncidentStarted    EventKind = "incident_started"
	EventAgentAssigned      EventKind = "agent_assigned"
	EventAgentProgress      EventKind = "agent_progress"
	EventAgentCompleted     EventKind = "agent_completed"
	EventAgentFailed        EventKind = "agent_failed"
	EventConsensusReached   EventKind = "consensus_reached"
	EventActionProposed     EventKind = "action_proposed"
	EventActionExecuted     EventKind = "action_executed"
	EventActionRolledBack   EventKind = "action_rolled_back"
	EventEscalated          EventKind = "escalated"
	EventResolutionComplete EventKind = "resolution_complete"
	EventFailed             EventKind = "failed"
	EventMetricsRecomputed  EventKind = "metrics_recomputed"
)

// IsValid reports whether the kind is in the closed set.
func (k EventKind) IsValid() bool {
	switch k {
	case EventIncidentStarted, EventAgentAssigned, EventAgentProgress,
		EventAgentCompleted, EventAgentFailed, EventConsensusReached,
		EventActionProposed, EventActionExecuted, EventActionRolledBack,
		EventEscalated, EventResolutionComplete, EventFailed,
		EventMetricsRecomputed:
		return true
	}
	return false
}

// IsTerminal reports whether the kind terminates its incident. Once a
// terminal event is appended, no further events may be appended.
func (k EventKind) IsTerminal() bool {
	switch k {
	case EventResolutionComplete, EventEscalated, EventFailed:
		return true
	}
	return false
}

// IsCritical reports whether a stream message carrying this kind may never be
// dropped by the fabric's backpressure policy.
func (k EventKind) IsCritical() bool {
	return k.IsTerminal() || k == EventActionExecuted
}

// IncidentEvent is an immutable, ordered record belonging to exactly one
// incident. Versions are dense integers starting at 1, contiguous per
// incident; reading events in ascending version yields the acceptance order.
type IncidentEvent struct {
	ID            string          `json:"id"`
	IncidentID    string          `json:"incident_id"`
	Version       int64           `json:"version"`
	Kind          EventKind       `json:"kind"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// DecodedPayload unmarshals the payload into its typed variant for the event
// kind. Unknown kinds are an error; payloads must tolerate unknown keys.
func (e *IncidentEvent) DecodedPayload() (any, error) {
	return DecodePayload(e.Kind, e.Payload)
}

// NewEvent builds an IncidentEvent with a marshaled typed payload. The
// version is assigned by the event store at append time.
func NewEvent(incidentID string, kind EventKind, payload any) (IncidentEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return IncidentEvent{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return IncidentEvent{
		IncidentID: incidentID,
		Kind:       kind,
		Payload:    raw,
	}, nil
}

// DecodePayload unmarshals raw into the typed payload struct for kind.
func DecodePayload(kind EventKind, raw json.RawMessage) (any, error) {
	var target any
	switch kind {
	case EventIncidentStarted:
		target = &IncidentStartedPayload{}
	case EventAgentAssigned:
		target = &AgentAssignedPayload{}
	case EventAgentProgress:
		target = &AgentProgressPayload{}
	case EventAgentCompleted:
		target = &AgentCompletedPayload{}
	case EventAgentFailed:
		target = &AgentFailedPayload{}
	case EventConsensusReached:
		target = &ConsensusReachedPayload{}
	case EventActionProposed:
		target = &ActionProposedPayload{}
	case EventActionExecuted:
		target = &ActionExecutedPayload{}
	case EventActionRolledBack:
		target = &ActionRolledBackPayload{}
	case EventEscalated:
		target = &EscalatedPayload{}
	case EventResolutionComplete:
		target = &ResolutionCompletePayload{}
	case EventFailed:
		target = &FailedPayload{}
	case EventMetricsRecomputed:
		target = &MetricsRecomputedPayload{}
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", kind, err)
	}
	return target, nil
}
