package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/swarm/pkg/clock"
	"github.com/aegisops/swarm/pkg/config"
	"github.com/aegisops/swarm/pkg/eventstore"
	"github.com/aegisops/swarm/pkg/models"
	"github.com/aegisops/swarm/pkg/swarm"
)

// newTestServer builds a server over a fresh in-memory store. The manager has
// no coordinator; submission happy paths are covered by the e2e suite.
func newTestServer(t *testing.T) (*Server, *eventstore.MemoryStore) {
	t.Helper()
	store := eventstore.NewMemoryStore(nil)
	recorder := eventstore.NewRecorder(store, clock.System{}, nil)
	manager := swarm.NewManager(recorder, nil, nil, 1)
	s := NewServer(config.ServerConfig{}, manager, store, nil, nil, nil, nil)
	return s, store
}

func seedIncident(t *testing.T, store *eventstore.MemoryStore, id string, terminal bool) {
	t.Helper()
	recorder := eventstore.NewRecorder(store, clock.System{}, nil)
	ctx := context.Background()

	_, err := recorder.RecordAt(ctx, id, 0, models.EventIncidentStarted, models.IncidentStartedPayload{
		BasePayload: models.Base(),
		Kind:        "db_cascade",
		Severity:    4,
		Description: "primary pool saturated",
		Actor:       "alertmanager",
		SubmittedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	if terminal {
		_, err = recorder.Record(ctx, id, models.EventAgentAssigned, models.AgentAssignedPayload{
			BasePayload: models.Base(),
			AgentKind:   models.AgentDetection,
			Level:       0,
		})
		require.NoError(t, err)
		_, err = recorder.Record(ctx, id, models.EventEscalated, models.EscalatedPayload{
			BasePayload: models.Base(),
			Reason:      models.EscalateBelowThreshold,
		})
		require.NoError(t, err)
	}
}

func TestListIncidentsHandler_Validation(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name   string
		query  string
		errMsg string
	}{
		{"invalid status", "status=exploded", "invalid status"},
		{"invalid severity", "severity=9", "invalid severity"},
		{"non-numeric severity", "severity=high", "invalid severity"},
		{"invalid start_date", "start_date=yesterday", "invalid start_date"},
		{"end_date wrong format (not RFC3339)", "end_date=2026-01-01", "invalid end_date"},
		{"limit out of range", "limit=0", "invalid limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents?"+tt.query, nil)
			c := e.NewContext(req, httptest.NewRecorder())

			err := s.listIncidentsHandler(c)
			require.Error(t, err)
			he, ok := err.(*echo.HTTPError)
			require.True(t, ok, "expected echo.HTTPError")
			assert.Equal(t, http.StatusBadRequest, he.Code)
			assert.Contains(t, he.Message, tt.errMsg)
		})
	}
}

func TestListIncidentsHandler_FiltersSeededIncidents(t *testing.T) {
	s, store := newTestServer(t)
	seedIncident(t, store, "inc-active", false)
	seedIncident(t, store, "inc-done", true)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents?status=escalated", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "inc-done", resp.Incidents[0].Incident.ID)
	assert.Equal(t, models.StatusEscalated, resp.Incidents[0].Status)
}

func TestGetIncidentHandler(t *testing.T) {
	s, store := newTestServer(t)
	seedIncident(t, store, "inc-1", false)

	t.Run("unknown incident returns 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents/nope", nil)
		rec := httptest.NewRecorder()
		s.Echo().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("seeded incident is returned", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents/inc-1", nil)
		rec := httptest.NewRecorder()
		s.Echo().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var state eventstore.IncidentState
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
		assert.Equal(t, "inc-1", state.Incident.ID)
		assert.Equal(t, models.StatusActive, state.Status)
	})
}

func TestIncidentEventsHandler(t *testing.T) {
	s, store := newTestServer(t)
	seedIncident(t, store, "inc-1", true)

	t.Run("invalid from_version", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents/inc-1/events?from_version=zero", nil)
		rec := httptest.NewRecorder()
		s.Echo().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("events from version", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents/inc-1/events?from_version=2", nil)
		rec := httptest.NewRecorder()
		s.Echo().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp EventsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Events, 2)
		assert.Equal(t, models.EventAgentAssigned, resp.Events[0].Kind)
		assert.Equal(t, models.EventEscalated, resp.Events[1].Kind)
	})
}

func TestSubmitIncidentHandler_Validation(t *testing.T) {
	s, _ := newTestServer(t)

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents", strings.NewReader("{not json"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		s.Echo().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("severity out of range", func(t *testing.T) {
		body := `{"kind":"db_cascade","severity":9,"description":"pool saturated"}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		s.Echo().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCancelIncidentHandler(t *testing.T) {
	s, store := newTestServer(t)
	seedIncident(t, store, "inc-done", true)

	t.Run("unknown incident returns 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents/ghost/cancel", nil)
		rec := httptest.NewRecorder()
		s.Echo().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("terminal incident returns 409", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents/inc-done/cancel", nil)
		rec := httptest.NewRecorder()
		s.Echo().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}
