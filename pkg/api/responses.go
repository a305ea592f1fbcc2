package api

import (
	"github.com/aegisops/swarm/pkg/eventstore"
	"github.com/aegisops/swarm/pkg/models"
)

// SubmitResponse is returned by POST /api/v1/incidents and
// POST /api/v1/demo/:scenario.
type SubmitResponse struct {
	IncidentID string `json:"incident_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// CancelResponse is returned by POST /api/v1/incidents/:id/cancel.
type CancelResponse struct {
	IncidentID string `json:"incident_id"`
	Message    string `json:"message"`
}

// EventsResponse is returned by GET /api/v1/incidents/:id/events.
type EventsResponse struct {
	IncidentID string                 `json:"incident_id"`
	Events     []models.IncidentEvent `json:"events"`
}

// ListResponse is returned by GET /api/v1/incidents.
type ListResponse struct {
	Incidents []*eventstore.IncidentState `json:"incidents"`
	Count     int                         `json:"count"`
}

// ScenariosResponse is returned by GET /api/v1/demo.
type ScenariosResponse struct {
	Scenarios []string `json:"scenarios"`
}

// HealthCheck is one component's health entry.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}
