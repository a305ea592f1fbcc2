package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/swarm/pkg/eventstore"
	"github.com/aegisops/swarm/pkg/models"
)

type managerFixture struct {
	store    *eventstore.MemoryStore
	recorder *eventstore.Recorder
	bus      *Bus
	manager  *ConnectionManager
	server   *httptest.Server
}

func newManagerFixture(t *testing.T, heartbeat time.Duration) *managerFixture {
	t.Helper()
	store := eventstore.NewMemoryStore(nil)
	bus := NewBus()
	f := &managerFixture{
		store:    store,
		recorder: eventstore.NewRecorder(store, nil, bus),
		bus:      bus,
		manager:  NewConnectionManager(bus, store, nil, nil, 16, heartbeat),
	}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		_ = f.manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *managerFixture) dial(t *testing.T, ctx context.Context, hello Hello) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	data, err := json.Marshal(hello)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
	return conn
}

func (f *managerFixture) startIncident(t *testing.T, ctx context.Context, id string) {
	t.Helper()
	_, err := f.recorder.RecordAt(ctx, id, 0, models.EventIncidentStarted, models.IncidentStartedPayload{
		BasePayload: models.Base(), Kind: "db_cascade", Severity: 3,
		Description: "pool exhausted", Actor: "monitor", SubmittedAt: time.Now(),
	})
	require.NoError(t, err)
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func waitAttached(t *testing.T, bus *Bus, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return bus.SessionCount() == n },
		2*time.Second, 10*time.Millisecond)
}

func TestConnectionOpsReceivesLiveStream(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, time.Minute)
	f.startIncident(t, ctx, "inc-live")

	conn := f.dial(t, ctx, Hello{DashboardTag: string(TagOps), ClientID: "cli-1"})
	defer conn.Close(websocket.StatusNormalClosure, "")

	snapshot := readMessage(t, ctx, conn)
	require.Equal(t, TypeSnapshot, snapshot.Type)
	var payload SnapshotPayload
	require.NoError(t, json.Unmarshal(snapshot.Payload, &payload))
	require.Len(t, payload.Incidents, 1)
	assert.Equal(t, "inc-live", payload.Incidents[0].Incident.ID)

	waitAttached(t, f.bus, 1)
	_, err := f.recorder.Record(ctx, "inc-live", models.EventAgentAssigned, models.AgentAssignedPayload{
		BasePayload: models.Base(), AgentKind: models.AgentDetection, Level: 0,
	})
	require.NoError(t, err)

	update := readMessage(t, ctx, conn)
	assert.Equal(t, TypeAgentUpdate, update.Type)
	assert.Equal(t, "inc-live", update.IncidentID)
	assert.Equal(t, int64(2), update.Version)
}

func TestConnectionDemoTagPrunedToSnapshotAndHeartbeat(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, 50*time.Millisecond)
	f.startIncident(t, ctx, "inc-live")

	conn := f.dial(t, ctx, Hello{DashboardTag: string(TagDemo), ClientID: "cli-demo"})
	defer conn.Close(websocket.StatusNormalClosure, "")

	snapshot := readMessage(t, ctx, conn)
	require.Equal(t, TypeSnapshot, snapshot.Type)

	waitAttached(t, f.bus, 1)
	_, err := f.recorder.Record(ctx, "inc-live", models.EventAgentAssigned, models.AgentAssignedPayload{
		BasePayload: models.Base(), AgentKind: models.AgentDetection, Level: 0,
	})
	require.NoError(t, err)

	// The next frame must be a heartbeat: live updates never reach demo
	// sessions.
	next := readMessage(t, ctx, conn)
	assert.Equal(t, TypeHeartbeat, next.Type)
}

func TestConnectionUnknownTagRejected(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, time.Minute)

	conn := f.dial(t, ctx, Hello{DashboardTag: "pirate", ClientID: "cli-x"})
	defer conn.Close(websocket.StatusNormalClosure, "")

	errMsg := readMessage(t, ctx, conn)
	require.Equal(t, TypeError, errMsg.Type)
	var body map[string]string
	require.NoError(t, json.Unmarshal(errMsg.Payload, &body))
	assert.Equal(t, string(models.KindUnauthorizedDashboard), body["kind"])

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(readCtx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestConnectionResumeReplaysMissedEvents(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, time.Minute)
	f.startIncident(t, ctx, "inc-resume")
	for i := 0; i < 2; i++ {
		_, err := f.recorder.Record(ctx, "inc-resume", models.EventAgentAssigned, models.AgentAssignedPayload{
			BasePayload: models.Base(), AgentKind: models.AgentDetection, Level: 0,
		})
		require.NoError(t, err)
	}

	conn := f.dial(t, ctx, Hello{
		DashboardTag: string(TagOps),
		ClientID:     "cli-resume",
		ResumeFrom:   []ResumePoint{{IncidentID: "inc-resume", Version: 1}},
	})
	defer conn.Close(websocket.StatusNormalClosure, "")

	snapshot := readMessage(t, ctx, conn)
	require.Equal(t, TypeSnapshot, snapshot.Type)

	first := readMessage(t, ctx, conn)
	assert.Equal(t, int64(2), first.Version)
	second := readMessage(t, ctx, conn)
	assert.Equal(t, int64(3), second.Version)
}

// snapshotHookStore fires a hook on the first incident list, modelling an
// append that lands while a connection handshake is reading its snapshot.
type snapshotHookStore struct {
	eventstore.Store
	once sync.Once
	hook func()
}

func (s *snapshotHookStore) ListIncidents(ctx context.Context, filter eventstore.ListFilter) ([]*eventstore.IncidentState, error) {
	s.once.Do(s.hook)
	return s.Store.ListIncidents(ctx, filter)
}

func TestConnectionAppendDuringSnapshotIsDelivered(t *testing.T) {
	ctx := context.Background()
	mem := eventstore.NewMemoryStore(nil)
	bus := NewBus()
	recorder := eventstore.NewRecorder(mem, nil, bus)

	_, err := recorder.RecordAt(ctx, "inc-race", 0, models.EventIncidentStarted, models.IncidentStartedPayload{
		BasePayload: models.Base(), Kind: "db_cascade", Severity: 3,
		Description: "pool exhausted", Actor: "monitor", SubmittedAt: time.Now(),
	})
	require.NoError(t, err)

	store := &snapshotHookStore{Store: mem, hook: func() {
		_, err := recorder.Record(ctx, "inc-race", models.EventAgentAssigned, models.AgentAssignedPayload{
			BasePayload: models.Base(), AgentKind: models.AgentDetection, Level: 0,
		})
		assert.NoError(t, err)
	}}
	manager := NewConnectionManager(bus, store, nil, nil, 16, time.Minute)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		_ = manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	data, err := json.Marshal(Hello{DashboardTag: string(TagOps), ClientID: "cli-race"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))

	snapshot := readMessage(t, ctx, conn)
	require.Equal(t, TypeSnapshot, snapshot.Type)

	// The assignment committed mid-snapshot must still reach the session.
	update := readMessage(t, ctx, conn)
	assert.Equal(t, TypeAgentUpdate, update.Type)
	assert.Equal(t, "inc-race", update.IncidentID)
	assert.Equal(t, int64(2), update.Version)
}

type staticHealth struct{ providers map[string]string }

func (h *staticHealth) Health() map[string]string { return h.providers }

func TestConnectionHealthChangePushedToOpsSessions(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, 50*time.Millisecond)
	f.manager.SetHealthSource(&staticHealth{providers: map[string]string{"inference-a": "open"}})

	conn := f.dial(t, ctx, Hello{DashboardTag: string(TagOps), ClientID: "cli-health"})
	defer conn.Close(websocket.StatusNormalClosure, "")

	snapshot := readMessage(t, ctx, conn)
	require.Equal(t, TypeSnapshot, snapshot.Type)

	// The first tick after connect reports the current breaker picture;
	// subsequent ticks stay silent while it is unchanged.
	var health Message
	for i := 0; i < 5; i++ {
		health = readMessage(t, ctx, conn)
		if health.Type == TypeSystemHealth {
			break
		}
		require.Equal(t, TypeHeartbeat, health.Type)
	}
	require.Equal(t, TypeSystemHealth, health.Type)
	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(health.Payload, &body))
	assert.Equal(t, "open", body["providers"]["inference-a"])

	next := readMessage(t, ctx, conn)
	assert.Equal(t, TypeHeartbeat, next.Type)
}

func TestConnectionShutdownClosesWithGoingAway(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, time.Minute)
	f.startIncident(t, ctx, "inc-live")

	conn := f.dial(t, ctx, Hello{DashboardTag: string(TagOps), ClientID: "cli-1"})
	defer conn.Close(websocket.StatusNormalClosure, "")

	snapshot := readMessage(t, ctx, conn)
	require.Equal(t, TypeSnapshot, snapshot.Type)
	waitAttached(t, f.bus, 1)

	f.manager.Shutdown()

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(readCtx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}
