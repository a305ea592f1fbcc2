// Package postgres provides the durable event store backend. Events live in
// a single incident_events table with a compound (incident_id, version)
// primary key; a head row per incident anchors optimistic concurrency and the
// filtered list queries. Live subscriptions ride on NOTIFY/LISTEN with a
// dedicated pgx connection.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/aegisops/swarm/pkg/clock"
	"github.com/aegisops/swarm/pkg/eventstore"
	"github.com/aegisops/swarm/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// notifyChannel is the single NOTIFY channel for all incident appends. The
// notification payload names the incident and version; subscribers read the
// rows themselves so the 8000-byte NOTIFY limit never matters.
const notifyChannel = "incident_events"

// backendAttempts is the storage-level retry budget for transient backend
// errors before they surface as Unavailable.
const backendAttempts = 3

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = "23505"

// Store is the Postgres-backed eventstore.Store.
type Store struct {
	db    *sql.DB
	cfg   Config
	clock clock.Clock

	subMu  sync.Mutex
	subs   map[string]map[int]*subscription
	nextID int

	listenCancel context.CancelFunc
	listenDone   chan struct{}
}

type subscription struct {
	incidentID string
	ch         chan models.IncidentEvent
	next       int64 // next version to deliver
	closed     bool
}

type notifyPayload struct {
	IncidentID string `json:"incident_id"`
	Version    int64  `json:"version"`
}

// Open connects, runs migrations, and starts the LISTEN loop.
func Open(ctx context.Context, cfg Config, c clock.Clock) (*Store, error) {
	if c == nil {
		c = clock.System{}
	}

	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:    db,
		cfg:   cfg,
		clock: c,
		subs:  make(map[string]map[int]*subscription),
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s.listenCancel = cancel
	s.listenDone = make(chan struct{})
	go func() {
		defer close(s.listenDone)
		s.listenLoop(listenCtx)
	}()

	return s, nil
}

// Close stops the LISTEN loop and closes the pool.
func (s *Store) Close() error {
	if s.listenCancel != nil {
		s.listenCancel()
		<-s.listenDone
	}

	s.subMu.Lock()
	for _, subs := range s.subs {
		for _, sub := range subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
	}
	s.subs = make(map[string]map[int]*subscription)
	s.subMu.Unlock()

	return s.db.Close()
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, incidentID string, expectedVersion int64, ev models.IncidentEvent) (int64, error) {
	if incidentID == "" {
		return 0, models.E(models.KindValidation, "incident id is required")
	}
	if !ev.Kind.IsValid() {
		return 0, models.E(models.KindValidation, fmt.Sprintf("unknown event kind %q", ev.Kind))
	}

	var version int64
	var lastErr error
	for attempt := 0; attempt < backendAttempts; attempt++ {
		version, lastErr = s.appendOnce(ctx, incidentID, expectedVersion, ev)
		if lastErr == nil {
			return version, nil
		}
		var kindErr *models.Error
		if errors.As(lastErr, &kindErr) {
			return 0, lastErr // conflict/terminated/validation are not retryable here
		}
		if ctx.Err() != nil {
			return 0, models.Ef(models.KindCancelled, ctx.Err(), "append cancelled")
		}
		slog.Warn("Event append backend error, retrying",
			"incident_id", incidentID, "attempt", attempt+1, "error", lastErr)
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	return 0, models.Ef(models.KindUnavailable, lastErr, "event store unavailable after %d attempts", backendAttempts)
}

func (s *Store) appendOnce(ctx context.Context, incidentID string, expectedVersion int64, ev models.IncidentEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head int64
	var terminal, assigned bool
	err = tx.QueryRowContext(ctx,
		`SELECT head, terminal, assigned FROM incident_heads WHERE incident_id = $1 FOR UPDATE`,
		incidentID,
	).Scan(&head, &terminal, &assigned)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		head, terminal, assigned = 0, false, false
	case err != nil:
		return 0, fmt.Errorf("read incident head: %w", err)
	}

	if terminal {
		return 0, models.E(models.KindIncidentTerminated, fmt.Sprintf("incident %s is terminal", incidentID))
	}
	if expectedVersion != head {
		return 0, models.E(models.KindVersionConflict,
			fmt.Sprintf("incident %s: expected version %d, head is %d", incidentID, expectedVersion, head))
	}
	if ev.Kind.IsTerminal() && !assigned {
		return 0, models.E(models.KindValidation, fmt.Sprintf("%s before any agent_assigned", ev.Kind))
	}
	if ev.Kind == models.EventConsensusReached {
		if err := s.checkConsensusProposer(ctx, tx, incidentID, ev.Payload); err != nil {
			return 0, err
		}
	}

	version := head + 1
	if ev.ID == "" {
		ev.ID = clock.NewEventID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock.Now()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO incident_events (id, incident_id, version, kind, ts, correlation_id, payload)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		ev.ID, incidentID, version, string(ev.Kind), ev.Timestamp, ev.CorrelationID, []byte(ev.Payload))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, models.E(models.KindVersionConflict,
				fmt.Sprintf("incident %s: version %d already persisted", incidentID, version))
		}
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if err := s.upsertHead(ctx, tx, incidentID, version, ev); err != nil {
		return 0, err
	}

	notify, _ := json.Marshal(notifyPayload{IncidentID: incidentID, Version: version})
	// pg_notify is transactional: the notification fires at COMMIT, after
	// the event row is visible to readers.
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(notify)); err != nil {
		return 0, fmt.Errorf("pg_notify: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return version, nil
}

func (s *Store) checkConsensusProposer(ctx context.Context, tx *sql.Tx, incidentID string, raw json.RawMessage) error {
	var payload models.ConsensusReachedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return models.Ef(models.KindValidation, err, "malformed consensus payload")
	}
	if !payload.Decision.Approved() {
		return nil
	}
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM incident_events
		 WHERE incident_id = $1 AND kind = $2 AND payload->'result'->>'kind' = $3`,
		incidentID, string(models.EventAgentCompleted), string(payload.Decision.Action.ProposedBy),
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("check consensus proposer: %w", err)
	}
	if count == 0 {
		return models.E(models.KindValidation,
			fmt.Sprintf("consensus action %s has no completed proposer %s",
				payload.Decision.Action.ID, payload.Decision.Action.ProposedBy))
	}
	return nil
}

func (s *Store) upsertHead(ctx context.Context, tx *sql.Tx, incidentID string, version int64, ev models.IncidentEvent) error {
	status := ""
	severity := 0
	var submittedAt *time.Time
	assigned := ev.Kind == models.EventAgentAssigned

	switch ev.Kind {
	case models.EventIncidentStarted:
		var p models.IncidentStartedPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			status = string(models.StatusActive)
			severity = int(p.Severity)
			t := p.SubmittedAt
			submittedAt = &t
		}
	case models.EventResolutionComplete:
		status = string(models.StatusResolved)
	case models.EventEscalated:
		status = string(models.StatusEscalated)
	case models.EventFailed:
		status = string(models.StatusFailed)
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO incident_heads (incident_id, head, terminal, assigned, status, severity, submitted_at)
		 VALUES ($1, $2, $3, $4, COALESCE(NULLIF($5, ''), 'active'), $6, $7)
		 ON CONFLICT (incident_id) DO UPDATE SET
		   head = EXCLUDED.head,
		   terminal = incident_heads.terminal OR EXCLUDED.terminal,
		   assigned = incident_heads.assigned OR EXCLUDED.assigned,
		   status = COALESCE(NULLIF($5, ''), incident_heads.status),
		   severity = CASE WHEN EXCLUDED.severity > 0 THEN EXCLUDED.severity ELSE incident_heads.severity END,
		   submitted_at = COALESCE(EXCLUDED.submitted_at, incident_heads.submitted_at)`,
		incidentID, version, ev.Kind.IsTerminal(), assigned, status, severity, submittedAt)
	if err != nil {
		return fmt.Errorf("upsert incident head: %w", err)
	}
	return nil
}

// HeadVersion implements eventstore.Store.
func (s *Store) HeadVersion(ctx context.Context, incidentID string) (int64, error) {
	var head int64
	err := s.db.QueryRowContext(ctx,
		`SELECT head FROM incident_heads WHERE incident_id = $1`, incidentID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, models.Ef(models.KindUnavailable, err, "read head version")
	}
	return head, nil
}

// Read implements eventstore.Store.
func (s *Store) Read(ctx context.Context, incidentID string, fromVersion int64) ([]models.IncidentEvent, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM incident_heads WHERE incident_id = $1)`, incidentID).Scan(&exists); err != nil {
		return nil, models.Ef(models.KindUnavailable, err, "check incident existence")
	}
	if !exists {
		return nil, models.E(models.KindIncidentNotFound, fmt.Sprintf("incident %s not found", incidentID))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version, kind, ts, COALESCE(correlation_id, ''), payload
		 FROM incident_events
		 WHERE incident_id = $1 AND version >= $2
		 ORDER BY version ASC`,
		incidentID, fromVersion)
	if err != nil {
		return nil, models.Ef(models.KindUnavailable, err, "read events")
	}
	defer rows.Close()

	var events []models.IncidentEvent
	for rows.Next() {
		var ev models.IncidentEvent
		var kind string
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.Version, &kind, &ev.Timestamp, &ev.CorrelationID, &payload); err != nil {
			return nil, models.Ef(models.KindUnavailable, err, "scan event row")
		}
		ev.IncidentID = incidentID
		ev.Kind = models.EventKind(kind)
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Ef(models.KindUnavailable, err, "iterate event rows")
	}
	return events, nil
}

// Subscribe implements eventstore.Store. History is read first; the LISTEN
// loop then drives delivery of rows past the subscription's watermark, so a
// notification can never skip or reorder events.
func (s *Store) Subscribe(ctx context.Context, incidentID string, fromVersion int64) (<-chan models.IncidentEvent, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}

	history, err := s.Read(ctx, incidentID, fromVersion)
	if err != nil {
		return nil, err
	}

	ch := make(chan models.IncidentEvent, len(history)+64)
	next := fromVersion
	terminalSeen := false
	for _, ev := range history {
		ch <- ev
		next = ev.Version + 1
		if ev.Kind.IsTerminal() {
			terminalSeen = true
		}
	}
	if terminalSeen {
		close(ch)
		return ch, nil
	}

	sub := &subscription{incidentID: incidentID, ch: ch, next: next}
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	if s.subs[incidentID] == nil {
		s.subs[incidentID] = make(map[int]*subscription)
	}
	s.subs[incidentID][id] = sub
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.removeSubscription(incidentID, id)
	}()

	// Re-check for events committed between Read and registration.
	go s.drainSubscriber(context.Background(), sub)

	return ch, nil
}

func (s *Store) removeSubscription(incidentID string, id int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if subs, ok := s.subs[incidentID]; ok {
		if sub, ok := subs[id]; ok && !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(subs, id)
		if len(subs) == 0 {
			delete(s.subs, incidentID)
		}
	}
}

// listenLoop owns the dedicated LISTEN connection. Reconnects with backoff
// on failure; after a reconnect every subscriber is drained from its
// watermark so no committed event is missed.
func (s *Store) listenLoop(ctx context.Context) {
	for ctx.Err() == nil {
		if err := s.listenOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("Event store LISTEN connection lost, reconnecting", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, s.cfg.DSN())
	if err != nil {
		return fmt.Errorf("connect for LISTEN: %w", err)
	}
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("LISTEN %s: %w", notifyChannel, err)
	}

	// Catch up anything appended while the connection was down.
	s.drainAll(ctx)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var payload notifyPayload
		if err := json.Unmarshal([]byte(notification.Payload), &payload); err != nil {
			slog.Warn("Malformed NOTIFY payload", "payload", notification.Payload, "error", err)
			continue
		}
		s.dispatch(ctx, payload.IncidentID)
	}
}

func (s *Store) dispatch(ctx context.Context, incidentID string) {
	s.subMu.Lock()
	subs := make([]*subscription, 0, len(s.subs[incidentID]))
	for _, sub := range s.subs[incidentID] {
		subs = append(subs, sub)
	}
	s.subMu.Unlock()

	for _, sub := range subs {
		s.drainSubscriber(ctx, sub)
	}
}

func (s *Store) drainAll(ctx context.Context) {
	s.subMu.Lock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.subMu.Unlock()
	for _, id := range ids {
		s.dispatch(ctx, id)
	}
}

// drainSubscriber delivers all committed events past the subscriber's
// watermark. The DB read runs outside subMu so subscribers never serialize
// behind each other's queries; watermark advancement and channel sends
// reconcile under the lock, where events another drain already delivered are
// skipped by version.
func (s *Store) drainSubscriber(ctx context.Context, sub *subscription) {
	s.subMu.Lock()
	if sub.closed {
		s.subMu.Unlock()
		return
	}
	from := sub.next
	s.subMu.Unlock()

	events, err := s.Read(ctx, sub.incidentID, from)
	if err != nil {
		slog.Warn("Subscriber drain read failed", "incident_id", sub.incidentID, "error", err)
		return
	}
	if len(events) == 0 {
		return
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if sub.closed {
		return
	}
	for _, ev := range events {
		if ev.Version < sub.next {
			continue
		}
		select {
		case sub.ch <- ev:
			sub.next = ev.Version + 1
		default:
			slog.Warn("Dropping slow event store subscriber", "incident_id", sub.incidentID)
			sub.closed = true
			close(sub.ch)
			return
		}
		if ev.Kind.IsTerminal() {
			sub.closed = true
			close(sub.ch)
			return
		}
	}
}

// ReplayState implements eventstore.Store.
func (s *Store) ReplayState(ctx context.Context, incidentID string) (*eventstore.IncidentState, error) {
	events, err := s.Read(ctx, incidentID, 1)
	if err != nil {
		return nil, err
	}
	return eventstore.Project(events)
}

// ListIncidents implements eventstore.Store. The head table narrows the set
// before replaying; list cardinality is operator-dashboard scale.
func (s *Store) ListIncidents(ctx context.Context, filter eventstore.ListFilter) ([]*eventstore.IncidentState, error) {
	query := `SELECT incident_id FROM incident_heads WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.Severity != 0 {
		query += ` AND severity = ` + arg(int(filter.Severity))
	}
	if !filter.SubmittedFrom.IsZero() {
		query += ` AND submitted_at >= ` + arg(filter.SubmittedFrom)
	}
	if !filter.SubmittedTo.IsZero() {
		query += ` AND submitted_at <= ` + arg(filter.SubmittedTo)
	}
	query += ` ORDER BY submitted_at DESC NULLS LAST`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.Ef(models.KindUnavailable, err, "list incidents")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, models.Ef(models.KindUnavailable, err, "scan incident id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Ef(models.KindUnavailable, err, "iterate incident ids")
	}

	states := make([]*eventstore.IncidentState, 0, len(ids))
	for _, id := range ids {
		state, err := s.ReplayState(ctx, id)
		if err != nil {
			slog.Warn("Skipping unprojectable incident in list", "incident_id", id, "error", err)
			continue
		}
		states = append(states, state)
	}
	return states, nil
}

// PurgeTerminalBefore implements eventstore.Purger. The head table anchors
// the terminal check; the cutoff compares against the terminal event's
// timestamp, not the submission time.
func (s *Store) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT h.incident_id FROM incident_heads h
		 JOIN incident_events e ON e.incident_id = h.incident_id AND e.version = h.head
		 WHERE h.terminal AND e.ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("select purgeable incidents: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan purgeable incident: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate purgeable incidents: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM incident_events WHERE incident_id = $1`, id); err != nil {
			return 0, fmt.Errorf("delete events for %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM incident_heads WHERE incident_id = $1`, id); err != nil {
			return 0, fmt.Errorf("delete head for %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return len(ids), nil
}

// Health reports connectivity for the health endpoint.
func (s *Store) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}
