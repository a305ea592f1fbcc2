package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/aegisops/swarm/pkg/eventstore"
	"github.com/aegisops/swarm/pkg/models"
	"github.com/aegisops/swarm/pkg/swarm"
)

// submitIncidentHandler handles POST /api/v1/incidents.
// Records the incident and returns immediately; the workflow runs in the
// background and is observable through the event endpoints and the stream.
func (s *Server) submitIncidentHandler(c *echo.Context) error {
	// 1. Bind HTTP request
	var req swarm.Submission
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// 2. Fill the actor from proxy headers when the caller omitted it
	if req.Actor == "" {
		req.Actor = extractActor(c)
	}

	// 3. Call service; field validation happens there
	incident, err := s.manager.Submit(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}

	// 4. Return response
	return c.JSON(http.StatusAccepted, &SubmitResponse{
		IncidentID: incident.ID,
		Status:     "accepted",
		Message:    "Incident accepted for autonomous response",
	})
}

// getIncidentHandler handles GET /api/v1/incidents/:id.
func (s *Server) getIncidentHandler(c *echo.Context) error {
	incidentID := c.Param("id")
	if incidentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "incident id is required")
	}

	state, err := s.store.ReplayState(c.Request().Context(), incidentID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, state)
}

// incidentEventsHandler handles GET /api/v1/incidents/:id/events.
func (s *Server) incidentEventsHandler(c *echo.Context) error {
	incidentID := c.Param("id")
	if incidentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "incident id is required")
	}

	fromVersion := int64(1)
	if v := c.QueryParam("from_version"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from_version: must be a positive integer")
		}
		fromVersion = parsed
	}

	events, err := s.store.Read(c.Request().Context(), incidentID, fromVersion)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &EventsResponse{
		IncidentID: incidentID,
		Events:     events,
	})
}

// listIncidentsHandler handles GET /api/v1/incidents.
func (s *Server) listIncidentsHandler(c *echo.Context) error {
	var filter eventstore.ListFilter

	if v := c.QueryParam("status"); v != "" {
		switch models.IncidentStatus(v) {
		case models.StatusActive, models.StatusResolved, models.StatusEscalated, models.StatusFailed:
			filter.Status = models.IncidentStatus(v)
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: must be active, resolved, escalated, or failed")
		}
	}
	if v := c.QueryParam("severity"); v != "" {
		sev, err := strconv.Atoi(v)
		if err != nil || sev < 1 || sev > 5 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid severity: must be 1..5")
		}
		filter.Severity = models.Severity(sev)
	}
	if v := c.QueryParam("start_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid start_date: must be RFC3339")
		}
		filter.SubmittedFrom = t
	}
	if v := c.QueryParam("end_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid end_date: must be RFC3339")
		}
		filter.SubmittedTo = t
	}
	filter.Limit = 50
	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be 1..500")
		}
		filter.Limit = limit
	}

	incidents, err := s.store.ListIncidents(c.Request().Context(), filter)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &ListResponse{
		Incidents: incidents,
		Count:     len(incidents),
	})
}

// cancelIncidentHandler handles POST /api/v1/incidents/:id/cancel.
func (s *Server) cancelIncidentHandler(c *echo.Context) error {
	incidentID := c.Param("id")
	if incidentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "incident id is required")
	}

	if s.manager.Cancel(incidentID) {
		return c.JSON(http.StatusOK, &CancelResponse{
			IncidentID: incidentID,
			Message:    "Incident cancellation requested",
		})
	}

	// No active workflow: distinguish unknown incidents from terminal ones.
	state, err := s.store.ReplayState(c.Request().Context(), incidentID)
	if err != nil {
		return mapServiceError(err)
	}
	if state.Status != models.StatusActive {
		return echo.NewHTTPError(http.StatusConflict, "incident already reached a terminal state")
	}
	// Active in the store but not on this instance.
	return echo.NewHTTPError(http.StatusConflict, "incident has no cancellable workflow on this instance")
}
