package models

// DecisionOutcome is the result class of a consensus run.
type DecisionOutcome string

// Consensus outcomes.
const (
	DecisionApproved DecisionOutcome = "approved"
	DecisionEscalate DecisionOutcome = "escalate"
)

// Escalation reasons emitted by the consensus engine and coordinator.
const (
	EscalateBelowThreshold   = "below_threshold"
	EscalateSafetyBlocked    = "safety_blocked"
	EscalatePartialAgents    = "partial_agent_set"
	EscalateConflict         = "conflicting_evidence"
	EscalateDeadlineExceeded = "deadline_exceeded"
	EscalateUnresolvable     = "dag_unresolvable"
	EscalateExecutionFailed  = "execution_failed"
)

// Contender summarizes one candidate action in a consensus run.
type Contender struct {
	ActionID   string      `json:"action_id"`
	Confidence float64     `json:"confidence"`
	Proposers  []AgentKind `json:"proposers"`
}

// ConsensusDecision is either an approved action with its aggregated weighted
// confidence, or an escalation with the contending candidates.
type ConsensusDecision struct {
	Outcome      DecisionOutcome `json:"outcome"`
	Action       *ProposedAction `json:"action,omitempty"`
	Confidence   float64         `json:"confidence,omitempty"`
	Contributors []AgentKind     `json:"contributors,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Contenders   []Contender     `json:"contenders,omitempty"`
}

// Approved reports whether the decision authorizes autonomous execution.
func (d *ConsensusDecision) Approved() bool {
	return d.Outcome == DecisionApproved && d.Action != nil
}
