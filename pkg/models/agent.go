package models

import "time"

// AgentKind identifies one of the specialized agents in the swarm.
type AgentKind string

// The closed set of agent kinds.
const (
	AgentDetection     AgentKind = "detection"
	AgentDiagnosis     AgentKind = "diagnosis"
	AgentPrediction    AgentKind = "prediction"
	AgentResolution    AgentKind = "resolution"
	AgentCommunication AgentKind = "communication"
)

// AllAgentKinds lists every agent kind in dependency-level order.
var AllAgentKinds = []AgentKind{
	AgentDetection,
	AgentDiagnosis,
	AgentPrediction,
	AgentResolution,
	AgentCommunication,
}

// IsValid reports whether the kind is in the closed set.
func (k AgentKind) IsValid() bool {
	switch k {
	case AgentDetection, AgentDiagnosis, AgentPrediction, AgentResolution, AgentCommunication:
		return true
	}
	return false
}

// DefaultAgentWeight is the consensus weight for kinds without a canonical
// weight (communication, or any future kind). Exposed as a config knob.
const DefaultAgentWeight = 0.1

// CanonicalWeights are the default consensus weights per agent kind.
// They sum to 1.0. Communication is excluded from the vote; if it ever
// proposes an action it is scored with DefaultAgentWeight.
var CanonicalWeights = map[AgentKind]float64{
	AgentDetection:  0.2,
	AgentDiagnosis:  0.4,
	AgentPrediction: 0.3,
	AgentResolution: 0.1,
}

// Level returns the dependency level of the agent kind. An agent at level L
// may start once at least one agent at a lower level has completed
// successfully; level 0 may always start.
func (k AgentKind) Level() int {
	switch k {
	case AgentDetection:
		return 0
	case AgentDiagnosis, AgentPrediction:
		return 1
	case AgentResolution:
		return 2
	case AgentCommunication:
		return 3
	}
	return 0
}

// AgentStatus is the terminal status of an agent execution.
type AgentStatus string

// Agent execution terminal statuses.
const (
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentSkipped   AgentStatus = "skipped"
)

// AgentResult is the outcome of one agent execution. It is owned by the
// runtime during execution, then persisted into events and never mutated.
type AgentResult struct {
	Kind          AgentKind       `json:"kind"`
	Status        AgentStatus     `json:"status"`
	Confidence    float64         `json:"confidence"`
	Reasoning     string          `json:"reasoning,omitempty"`
	Evidence      []string        `json:"evidence,omitempty"`
	ProvidersUsed []string        `json:"providers_used,omitempty"`
	Duration      time.Duration   `json:"duration_ns"`
	Action        *ProposedAction `json:"action,omitempty"`
}

// ActionRisk ranks the blast radius of a proposed action.
type ActionRisk string

// Action risk ranks.
const (
	RiskLow      ActionRisk = "low"
	RiskMedium   ActionRisk = "medium"
	RiskHigh     ActionRisk = "high"
	RiskCritical ActionRisk = "critical"
)

// ProposedAction names a remediation an agent wants executed.
type ProposedAction struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Risk        ActionRisk     `json:"risk"`
	Reversible  bool           `json:"reversible"`
	Params      map[string]any `json:"params,omitempty"`
	ProposedBy  AgentKind      `json:"proposed_by"`
	Tags        []string       `json:"tags,omitempty"`
}

// HasTag reports whether the action carries the given tag (e.g. "preventive").
func (a *ProposedAction) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
