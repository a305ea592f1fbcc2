package models

import (
	"fmt"
	"strings"
	"time"
)

// Severity is an ordinal incident severity: 1 (lowest) to 5 (highest).
type Severity int

// Severity bounds.
const (
	SeverityMin Severity = 1
	SeverityMax Severity = 5
)

// IsValid reports whether the severity is within the 1..5 range.
func (s Severity) IsValid() bool {
	return s >= SeverityMin && s <= SeverityMax
}

// IncidentStatus is the projected lifecycle state of an incident.
type IncidentStatus string

// Incident lifecycle states. An incident is created active and reaches
// exactly one terminal state via its event stream.
const (
	StatusActive    IncidentStatus = "active"
	StatusResolved  IncidentStatus = "resolved"
	StatusEscalated IncidentStatus = "escalated"
	StatusFailed    IncidentStatus = "failed"
)

// IsTerminal reports whether the status is a terminal lifecycle state.
func (s IncidentStatus) IsTerminal() bool {
	switch s {
	case StatusResolved, StatusEscalated, StatusFailed:
		return true
	}
	return false
}

// Incident is the unit of work. It is mutated only by appending events to its
// stream; Version mirrors the head version of that stream.
type Incident struct {
	ID               string    `json:"id"`
	Kind             string    `json:"kind"`
	Severity         Severity  `json:"severity"`
	Description      string    `json:"description"`
	Actor            string    `json:"actor"`
	AffectedServices []string  `json:"affected_services,omitempty"`
	SubmittedAt      time.Time `json:"submitted_at"`
	Version          int64     `json:"version"`
}

// Validate checks the incident against the data model. It returns a
// validation-kind error describing the first violation found.
func (in *Incident) Validate() error {
	if strings.TrimSpace(in.Kind) == "" {
		return E(KindValidation, "incident kind is required")
	}
	if !in.Severity.IsValid() {
		return E(KindValidation, fmt.Sprintf("severity must be between %d and %d, got %d", SeverityMin, SeverityMax, in.Severity))
	}
	if strings.TrimSpace(in.Description) == "" {
		return E(KindValidation, "description is required")
	}
	return nil
}
