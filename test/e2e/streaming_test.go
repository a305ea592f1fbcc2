package e2e

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/swarm/pkg/models"
	"github.com/aegisops/swarm/pkg/stream"
)

func TestDashboardStreamsIncidentLifecycle(t *testing.T) {
	app := NewTestApp(t)
	ctx := wsContext(t)

	client, err := WSConnect(ctx, app.WSURL, stream.Hello{
		DashboardTag: string(stream.TagOps),
		ClientID:     "e2e-ops",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	// The snapshot always arrives before any live traffic.
	snapshot, err := client.WaitForType(stream.TypeSnapshot, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, string(stream.TypeSnapshot), client.Events()[0].Type)
	assert.Contains(t, snapshot.Payload, "incidents")

	id := app.SubmitIncident("e2e-stream")
	_, err = client.WaitForEventKind(id, string(models.EventResolutionComplete), 15*time.Second)
	require.NoError(t, err)

	// Per-incident delivery preserves append order.
	events := client.IncidentEvents(id)
	require.NotEmpty(t, events)
	var last int64
	for _, ev := range events {
		assert.Greater(t, ev.Version, last)
		last = ev.Version
	}
	assert.Equal(t, string(models.EventIncidentStarted), events[0].EventKind())
}

func TestDemoTagReceivesNoLiveTraffic(t *testing.T) {
	app := NewTestApp(t)
	ctx := wsContext(t)

	client, err := WSConnect(ctx, app.WSURL, stream.Hello{
		DashboardTag: string(stream.TagDemo),
		ClientID:     "e2e-demo",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.WaitForType(stream.TypeSnapshot, 5*time.Second)
	require.NoError(t, err)

	id := app.SubmitIncident("e2e-demo-scope")
	app.WaitTerminal(id)

	// Wait for at least one heartbeat so the session has provably stayed
	// open past the incident's lifetime.
	_, err = client.WaitForType(stream.TypeHeartbeat, 5*time.Second)
	require.NoError(t, err)

	for _, ev := range client.Events() {
		assert.Contains(t, []string{
			string(stream.TypeSnapshot),
			string(stream.TypeHeartbeat),
		}, ev.Type, "demo sessions must only see snapshots and heartbeats")
	}
}

func TestUnknownDashboardTagIsRejected(t *testing.T) {
	app := NewTestApp(t)
	ctx := wsContext(t)

	client, err := WSConnect(ctx, app.WSURL, stream.Hello{
		DashboardTag: "root",
		ClientID:     "e2e-bad-tag",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	msg, err := client.WaitForType(stream.TypeError, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, string(models.KindUnauthorizedDashboard), msg.Payload["kind"])
}

func TestStreamFilterScopesToRequestedIncident(t *testing.T) {
	app := NewTestApp(t)
	ctx := wsContext(t)

	client, err := WSConnect(ctx, app.WSURL, stream.Hello{
		DashboardTag: string(stream.TagOps),
		ClientID:     "e2e-filter",
		IncidentIDs:  []string{"e2e-wanted"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.WaitForType(stream.TypeSnapshot, 5*time.Second)
	require.NoError(t, err)

	wanted := app.SubmitIncident("e2e-wanted")
	other := app.SubmitIncident("e2e-other")
	app.WaitTerminal(wanted)
	app.WaitTerminal(other)

	_, err = client.WaitForEventKind(wanted, string(models.EventResolutionComplete), 15*time.Second)
	require.NoError(t, err)
	assert.Empty(t, client.IncidentEvents(other))
}

func TestResumeReplayDeliversMissedEvents(t *testing.T) {
	app := NewTestApp(t)
	ctx := wsContext(t)

	// The incident runs to completion before the client ever connects.
	id := app.SubmitIncident("e2e-resume")
	app.WaitTerminal(id)
	history := app.Events(id)
	require.Greater(t, len(history), 3)

	client, err := WSConnect(ctx, app.WSURL, stream.Hello{
		DashboardTag: string(stream.TagOps),
		ClientID:     "e2e-resume",
		ResumeFrom: []stream.ResumePoint{
			{IncidentID: id, Version: 2},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.WaitForEventKind(id, string(models.EventResolutionComplete), 10*time.Second)
	require.NoError(t, err)

	// Replay resumes at version 3 and runs to the terminal event in order.
	events := client.IncidentEvents(id)
	require.Len(t, events, len(history)-2)
	for i, ev := range events {
		assert.Equal(t, int64(i+3), ev.Version)
	}
}
