package eventstore

import (
	"fmt"
	"time"

	"github.com/aegisops/swarm/pkg/models"
)

// IncidentState is the snapshot derived by replaying an incident's events in
// order. Reading it from the store is always equivalent to the state last
// published for the incident.
type IncidentState struct {
	Incident models.Incident                            `json:"incident"`
	Status   models.IncidentStatus                      `json:"status"`
	Agents   map[models.AgentKind]*models.AgentResult   `json:"agents,omitempty"`
	Progress map[models.AgentKind]models.AgentProgressPayload `json:"progress,omitempty"`
	Decision *models.ConsensusDecision                  `json:"decision,omitempty"`
	Reason   string                                     `json:"reason,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	TerminalAt time.Time `json:"terminal_at,omitempty"`
}

// MTTR returns the wall-clock time from incident start to resolution, or 0
// if the incident is not resolved.
func (s *IncidentState) MTTR() time.Duration {
	if s.Status != models.StatusResolved || s.TerminalAt.IsZero() {
		return 0
	}
	return s.TerminalAt.Sub(s.StartedAt)
}

// Project applies events in order and returns the derived snapshot. The
// input must be a contiguous prefix of an incident's log starting at
// version 1.
func Project(events []models.IncidentEvent) (*IncidentState, error) {
	if len(events) == 0 {
		return nil, models.E(models.KindIncidentNotFound, "no events to project")
	}

	state := &IncidentState{
		Status:   models.StatusActive,
		Agents:   make(map[models.AgentKind]*models.AgentResult),
		Progress: make(map[models.AgentKind]models.AgentProgressPayload),
	}

	for i := range events {
		ev := &events[i]
		payload, err := ev.DecodedPayload()
		if err != nil {
			return nil, fmt.Errorf("project event %d: %w", ev.Version, err)
		}
		state.Incident.Version = ev.Version

		switch p := payload.(type) {
		case *models.IncidentStartedPayload:
			state.Incident.ID = ev.IncidentID
			state.Incident.Kind = p.Kind
			state.Incident.Severity = p.Severity
			state.Incident.Description = p.Description
			state.Incident.Actor = p.Actor
			state.Incident.AffectedServices = p.AffectedServices
			state.Incident.SubmittedAt = p.SubmittedAt
			state.StartedAt = ev.Timestamp

		case *models.AgentAssignedPayload:
			state.Agents[p.AgentKind] = &models.AgentResult{
				Kind:   p.AgentKind,
				Status: models.AgentSkipped, // until completed or failed
			}

		case *models.AgentProgressPayload:
			state.Progress[p.AgentKind] = *p

		case *models.AgentCompletedPayload:
			result := p.Result
			state.Agents[result.Kind] = &result

		case *models.AgentFailedPayload:
			state.Agents[p.AgentKind] = &models.AgentResult{
				Kind:      p.AgentKind,
				Status:    models.AgentFailed,
				Reasoning: p.Reason,
			}

		case *models.ConsensusReachedPayload:
			decision := p.Decision
			state.Decision = &decision

		case *models.ResolutionCompletePayload:
			state.Status = models.StatusResolved
			state.TerminalAt = ev.Timestamp

		case *models.EscalatedPayload:
			state.Status = models.StatusEscalated
			state.Reason = p.Reason
			state.TerminalAt = ev.Timestamp

		case *models.FailedPayload:
			state.Status = models.StatusFailed
			state.Reason = p.Reason
			state.TerminalAt = ev.Timestamp
		}
	}

	return state, nil
}

// matches reports whether the snapshot satisfies the filter.
func (s *IncidentState) matches(f ListFilter) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Severity != 0 && s.Incident.Severity != f.Severity {
		return false
	}
	if !f.SubmittedFrom.IsZero() && s.Incident.SubmittedAt.Before(f.SubmittedFrom) {
		return false
	}
	if !f.SubmittedTo.IsZero() && s.Incident.SubmittedAt.After(f.SubmittedTo) {
		return false
	}
	return true
}
