package models

import "time"

// PayloadSchemaVersion is the current payload schema version. Forward
// compatibility is achieved by this explicit field, not by open extension.
const PayloadSchemaVersion = 1

// BasePayload carries fields common to every event payload.
type BasePayload struct {
	SchemaVersion int `json:"schema_version"`
}

// Base returns a BasePayload at the current schema version.
func Base() BasePayload {
	return BasePayload{SchemaVersion: PayloadSchemaVersion}
}

// IncidentStartedPayload records incident submission.
type IncidentStartedPayload struct {
	BasePayload
	Kind             string    `json:"kind"`
	Severity         Severity  `json:"severity"`
	Description      string    `json:"description"`
	Actor            string    `json:"actor"`
	AffectedServices []string  `json:"affected_services,omitempty"`
	SubmittedAt      time.Time `json:"submitted_at"`
}

// AgentAssignedPayload records an agent being scheduled for an incident.
type AgentAssignedPayload struct {
	BasePayload
	AgentKind AgentKind `json:"agent_kind"`
	Level     int       `json:"level"`
}

// AgentProgressPayload is emitted at natural milestones of an agent run.
type AgentProgressPayload struct {
	BasePayload
	AgentKind AgentKind `json:"agent_kind"`
	Milestone string    `json:"milestone"`
	Detail    string    `json:"detail,omitempty"`
	Strategy  string    `json:"strategy,omitempty"`
}

// AgentCompletedPayload carries the final AgentResult of a successful run.
type AgentCompletedPayload struct {
	BasePayload
	Result AgentResult `json:"result"`
}

// AgentFailedPayload records an agent exhausting its fallback chain.
type AgentFailedPayload struct {
	BasePayload
	AgentKind AgentKind `json:"agent_kind"`
	Reason    string    `json:"reason"`
	Attempts  []string  `json:"attempts,omitempty"`
}

// ConsensusReachedPayload records the consensus engine's decision.
type ConsensusReachedPayload struct {
	BasePayload
	Decision ConsensusDecision `json:"decision"`
}

// ActionProposedPayload records an agent proposing an action.
type ActionProposedPayload struct {
	BasePayload
	Action     ProposedAction `json:"action"`
	Confidence float64        `json:"confidence"`
}

// ActionExecutedPayload records the outcome of executing the approved action.
type ActionExecutedPayload struct {
	BasePayload
	ActionID string `json:"action_id"`
	Outcome  string `json:"outcome"`
}

// ActionRolledBackPayload records a reversal of an executed action.
type ActionRolledBackPayload struct {
	BasePayload
	ActionID string `json:"action_id"`
	Reason   string `json:"reason"`
}

// EscalatedPayload records an escalation to a human operator.
type EscalatedPayload struct {
	BasePayload
	Reason     string      `json:"reason"`
	Contenders []Contender `json:"contenders,omitempty"`
}

// ResolutionCompletePayload records autonomous resolution of the incident.
type ResolutionCompletePayload struct {
	BasePayload
	ActionID string `json:"action_id"`
	Summary  string `json:"summary,omitempty"`
}

// FailedPayload records incident failure (cancellation or invariant
// violation).
type FailedPayload struct {
	BasePayload
	Reason string `json:"reason"`
}

// MetricsRecomputedPayload carries freshly derived business metrics.
type MetricsRecomputedPayload struct {
	BasePayload
	Metrics BusinessMetrics `json:"metrics"`
}
