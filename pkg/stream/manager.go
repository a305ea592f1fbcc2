package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/coder/websocket"

	"github.com/aegisops/swarm/pkg/clock"
	"github.com/aegisops/swarm/pkg/eventstore"
	"github.com/aegisops/swarm/pkg/models"
)

const (
	// DefaultHeartbeatInterval is how often idle sessions receive a
	// heartbeat message.
	DefaultHeartbeatInterval = 20 * time.Second

	// writeTimeout bounds a single WebSocket write. A stalled peer fails
	// the write instead of wedging the session writer.
	writeTimeout = 5 * time.Second

	// helloTimeout bounds how long a fresh connection may take to send its
	// hello message.
	helloTimeout = 10 * time.Second
)

// MetricsSource supplies the latest business metrics for snapshots.
type MetricsSource interface {
	Current() models.BusinessMetrics
}

// HealthSource reports per-provider breaker states for system_health
// messages.
type HealthSource interface {
	Health() map[string]string
}

// Hello is the first client message on a new stream connection.
type Hello struct {
	DashboardTag string             `json:"dashboard_tag"`
	ClientID     string             `json:"client_id"`
	ResumeFrom   []ResumePoint      `json:"resume_from,omitempty"`
	IncidentIDs  []string           `json:"incident_ids,omitempty"`
	EventKinds   []models.EventKind `json:"event_kinds,omitempty"`
}

// ResumePoint is the last (incident, version) a reconnecting client saw.
// Delivery resumes at version+1.
type ResumePoint struct {
	IncidentID string `json:"incident_id"`
	Version    int64  `json:"version"`
}

// SnapshotPayload is the initial state sent on connect.
type SnapshotPayload struct {
	Incidents []*eventstore.IncidentState `json:"incidents"`
	Metrics   models.BusinessMetrics      `json:"metrics"`
}

// ConnectionManager owns WebSocket session lifecycles: hello handshake, tag
// authorization, snapshot, resume replay, live attachment, and heartbeats.
type ConnectionManager struct {
	bus     *Bus
	store   eventstore.Store
	metrics MetricsSource
	health  HealthSource
	clock   clock.Clock

	queueCapacity int
	heartbeat     time.Duration
}

// NewConnectionManager wires a manager. metrics may be nil; capacity and
// heartbeat <= 0 select the defaults.
func NewConnectionManager(bus *Bus, store eventstore.Store, metrics MetricsSource, c clock.Clock, queueCapacity int, heartbeat time.Duration) *ConnectionManager {
	if c == nil {
		c = clock.System{}
	}
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &ConnectionManager{
		bus:           bus,
		store:         store,
		metrics:       metrics,
		clock:         c,
		queueCapacity: queueCapacity,
		heartbeat:     heartbeat,
	}
}

// SetHealthSource enables system_health messages for live sessions. Must be
// called before the manager serves connections.
func (m *ConnectionManager) SetHealthSource(h HealthSource) { m.health = h }

// ActiveSessions returns the number of live sessions on the bus.
func (m *ConnectionManager) ActiveSessions() int { return m.bus.SessionCount() }

// Shutdown closes every session with the Shutdown reason. Writers deliver
// their remaining queues, send the close frame, and exit.
func (m *ConnectionManager) Shutdown() { m.bus.Shutdown() }

// HandleConnection runs one connection to completion. Called after the HTTP
// upgrade; blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	hello, err := m.readHello(ctx, conn)
	if err != nil {
		m.writeMessage(ctx, conn, ErrorMessage(m.clock.Now(), models.KindValidation, err.Error()))
		_ = conn.Close(websocket.StatusPolicyViolation, "invalid hello")
		return err
	}

	tag := DashboardTag(hello.DashboardTag)
	if !tag.Valid() {
		unauthorized := models.E(models.KindUnauthorizedDashboard, "unknown dashboard tag "+hello.DashboardTag)
		m.writeMessage(ctx, conn, ErrorMessage(m.clock.Now(), models.KindUnauthorizedDashboard, unauthorized.Message))
		_ = conn.Close(websocket.StatusPolicyViolation, string(ReasonUnauthorized))
		return unauthorized
	}

	session := NewSession(clock.NewSessionID(), tag, Filter{
		IncidentIDs: hello.IncidentIDs,
		EventKinds:  hello.EventKinds,
	}, m.queueCapacity)

	slog.Info("Stream session opened",
		"session_id", session.ID, "client_id", hello.ClientID, "dashboard_tag", tag)

	// Attach before the snapshot read, with live delivery held. Events
	// committed during the snapshot or resume replay land in the session's
	// pending buffer and flush after the replay, deduplicated by version, so
	// the handoff neither skips nor reorders events.
	session.holdLive()
	m.bus.Attach(session)
	defer m.bus.Detach(session.ID)
	defer session.Close(ReasonShutdown)

	if err := m.sendSnapshot(ctx, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "snapshot failed")
		return err
	}

	if tag.Live() {
		m.replayResume(ctx, session, hello.ResumeFrom)
	}
	session.releaseLive()

	// The read loop only detects peer close and pings.
	go m.readLoop(ctx, conn, cancel)

	go m.heartbeatLoop(ctx, session)

	return m.writeLoop(ctx, conn, session)
}

func (m *ConnectionManager) readHello(ctx context.Context, conn *websocket.Conn) (*Hello, error) {
	readCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, models.Ef(models.KindValidation, err, "read hello")
	}
	var hello Hello
	if err := json.Unmarshal(data, &hello); err != nil {
		return nil, models.Ef(models.KindValidation, err, "decode hello")
	}
	return &hello, nil
}

func (m *ConnectionManager) sendSnapshot(ctx context.Context, conn *websocket.Conn) error {
	states, err := m.store.ListIncidents(ctx, eventstore.ListFilter{})
	if err != nil {
		return err
	}
	snapshot := SnapshotPayload{Incidents: states}
	if m.metrics != nil {
		snapshot.Metrics = m.metrics.Current()
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return m.writeMessage(ctx, conn, Message{
		Type:      TypeSnapshot,
		Payload:   raw,
		Timestamp: m.clock.Now(),
	})
}

// replayResume enqueues the events a reconnecting client missed, oldest
// first, through the normal queue policy.
func (m *ConnectionManager) replayResume(ctx context.Context, session *Session, points []ResumePoint) {
	for _, point := range points {
		events, err := m.store.Read(ctx, point.IncidentID, point.Version+1)
		if err != nil {
			slog.Warn("Resume replay failed",
				"session_id", session.ID, "incident_id", point.IncidentID, "error", err)
			continue
		}
		for _, ev := range events {
			msg, err := FromEvent(ev)
			if err != nil {
				continue
			}
			session.replay(msg)
		}
	}
}

// heartbeatLoop keeps the session alive and, when a health source is wired,
// pushes system_health whenever the provider breaker picture changes.
func (m *ConnectionManager) heartbeatLoop(ctx context.Context, session *Session) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	var lastHealth map[string]string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.health != nil {
				if current := m.health.Health(); !maps.Equal(current, lastHealth) {
					session.Offer(SystemHealth(m.clock.Now(), current))
					lastHealth = current
				}
			}
			session.Offer(Heartbeat(m.clock.Now()))
		}
	}
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// writeLoop drains the session queue onto the wire until the session or the
// connection closes.
func (m *ConnectionManager) writeLoop(ctx context.Context, conn *websocket.Conn, session *Session) error {
	for {
		msg, err := session.Next(ctx)
		if err != nil {
			var closed *ClosedError
			if errors.As(err, &closed) {
				_ = conn.Close(closeStatus(closed.Reason), string(closed.Reason))
				slog.Info("Stream session closed",
					"session_id", session.ID, "reason", closed.Reason)
				return nil
			}
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return nil
		}
		if err := m.writeMessage(ctx, conn, msg); err != nil {
			slog.Warn("Stream write failed", "session_id", session.ID, "error", err)
			return nil
		}
	}
}

func (m *ConnectionManager) writeMessage(ctx context.Context, conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func closeStatus(reason CloseReason) websocket.StatusCode {
	switch reason {
	case ReasonShutdown:
		return websocket.StatusGoingAway
	case ReasonSlowConsumer, ReasonUnauthorized:
		return websocket.StatusPolicyViolation
	}
	return websocket.StatusNormalClosure
}
