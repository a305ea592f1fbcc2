package e2e

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/swarm/pkg/models"
)

func TestIncidentLifecycleOverHTTP(t *testing.T) {
	app := NewTestApp(t)

	id := app.SubmitIncident("e2e-lifecycle")
	state := app.WaitTerminal(id)

	assert.Equal(t, models.StatusResolved, state.Status)
	require.NotNil(t, state.Decision)
	assert.Equal(t, "scale_pool", state.Decision.Action.ID)
	assert.InDelta(t, 0.886, state.Decision.Confidence, 1e-9)
	assert.Positive(t, state.MTTR())

	// Event history over HTTP mirrors the store: contiguous versions ending
	// in resolution_complete.
	events := app.Events(id)
	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Version)
	}
	assert.Equal(t, models.EventIncidentStarted, events[0].Kind)
	assert.Equal(t, models.EventResolutionComplete, events[len(events)-1].Kind)

	kinds := make([]models.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, models.EventConsensusReached)
	assert.Contains(t, kinds, models.EventActionExecuted)
}

func TestResolvedIncidentFeedsBusinessMetrics(t *testing.T) {
	app := NewTestApp(t)

	id := app.SubmitIncident("e2e-metrics")
	app.WaitTerminal(id)

	var metrics models.BusinessMetrics
	status := app.getJSON("/api/v1/metrics?refresh=true", &metrics)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1.0, metrics.SuccessRate)
	assert.False(t, metrics.ComputedAt.IsZero())
}

func TestIncidentListReflectsTerminalStatus(t *testing.T) {
	app := NewTestApp(t)

	id := app.SubmitIncident("e2e-list")
	app.WaitTerminal(id)

	var list struct {
		Incidents []struct {
			Incident models.Incident       `json:"incident"`
			Status   models.IncidentStatus `json:"status"`
		} `json:"incidents"`
		Count int `json:"count"`
	}
	status := app.getJSON("/api/v1/incidents?status=resolved", &list)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, id, list.Incidents[0].Incident.ID)
	assert.Equal(t, models.StatusResolved, list.Incidents[0].Status)
}
