package e2e

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/swarm/pkg/api"
	"github.com/aegisops/swarm/pkg/models"
)

func TestCancelRunningIncidentOverHTTP(t *testing.T) {
	app := NewTestApp(t,
		WithChains(map[models.AgentKind]stubStrategy{
			models.AgentDetection: blocks(),
		}),
		WithDeadline(time.Minute),
	)

	id := app.SubmitIncident("e2e-cancel")
	require.Eventually(t, func() bool {
		return app.Manager.ActiveCount() == 1
	}, 5*time.Second, 5*time.Millisecond)

	var resp api.CancelResponse
	status := app.postJSON("/api/v1/incidents/"+id+"/cancel", nil, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, id, resp.IncidentID)

	state := app.WaitTerminal(id)
	assert.Equal(t, models.StatusFailed, state.Status)
	assert.Equal(t, "cancelled", state.Reason)

	// A second cancel finds only the sealed incident.
	status = app.postJSON("/api/v1/incidents/"+id+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestCancelUnknownIncidentOverHTTP(t *testing.T) {
	app := NewTestApp(t)

	status := app.postJSON("/api/v1/incidents/ghost/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDuplicateSubmissionOverHTTP(t *testing.T) {
	app := NewTestApp(t)

	id := app.SubmitIncident("e2e-dup")
	app.WaitTerminal(id)

	status := app.postJSON("/api/v1/incidents", map[string]any{
		"id":          id,
		"kind":        "db_cascade",
		"severity":    4,
		"description": "same incident again",
		"actor":       "alertmanager",
	}, nil)
	assert.Equal(t, http.StatusConflict, status)
}
