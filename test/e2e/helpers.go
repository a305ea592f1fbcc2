package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegisops/swarm/pkg/api"
	"github.com/aegisops/swarm/pkg/eventstore"
	"github.com/aegisops/swarm/pkg/models"
	"github.com/aegisops/swarm/pkg/swarm"
)

// postJSON sends a JSON POST and decodes the response body into out when the
// status matches. Returns the response status code.
func (app *TestApp) postJSON(path string, body, out any) int {
	app.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(app.t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(app.BaseURL+path, "application/json", &buf)
	require.NoError(app.t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		require.NoError(app.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// getJSON fetches a path and decodes the response body into out when the
// request succeeds. Returns the response status code.
func (app *TestApp) getJSON(path string, out any) int {
	app.t.Helper()

	resp, err := http.Get(app.BaseURL + path)
	require.NoError(app.t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		require.NoError(app.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// SubmitIncident submits an incident over the HTTP API and returns its id.
func (app *TestApp) SubmitIncident(id string) string {
	app.t.Helper()

	var resp api.SubmitResponse
	status := app.postJSON("/api/v1/incidents", swarm.Submission{
		ID:               id,
		Kind:             "db_cascade",
		Severity:         4,
		Description:      "primary pool saturated, replicas flapping",
		Actor:            "alertmanager",
		AffectedServices: []string{"orders", "payments"},
	}, &resp)
	require.Equal(app.t, http.StatusAccepted, status)
	require.NotEmpty(app.t, resp.IncidentID)
	return resp.IncidentID
}

// WaitTerminal polls the incident endpoint until the incident leaves the
// active status, then returns its final state.
func (app *TestApp) WaitTerminal(incidentID string) *eventstore.IncidentState {
	app.t.Helper()

	var state eventstore.IncidentState
	require.Eventually(app.t, func() bool {
		status := app.getJSON("/api/v1/incidents/"+incidentID, &state)
		return status == http.StatusOK && state.Status != models.StatusActive
	}, 15*time.Second, 20*time.Millisecond, "incident %s never reached terminal state", incidentID)
	return &state
}

// Events fetches the incident's event history over HTTP.
func (app *TestApp) Events(incidentID string) []models.IncidentEvent {
	app.t.Helper()

	var resp api.EventsResponse
	status := app.getJSON(fmt.Sprintf("/api/v1/incidents/%s/events", incidentID), &resp)
	require.Equal(app.t, http.StatusOK, status)
	return resp.Events
}

// wsContext returns a context suitable for a test-scoped stream connection.
func wsContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)
	return ctx
}
