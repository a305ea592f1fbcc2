package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/aegisops/swarm/pkg/clock"
	"github.com/aegisops/swarm/pkg/eventstore"
	"github.com/aegisops/swarm/pkg/models"
)

// DefaultMaxParallelIncidents caps concurrently running workflows.
const DefaultMaxParallelIncidents = 50

// Submission is an incoming incident report.
type Submission struct {
	ID               string          `json:"id,omitempty"`
	Kind             string          `json:"kind"`
	Severity         models.Severity `json:"severity"`
	Description      string          `json:"description"`
	Actor            string          `json:"actor"`
	AffectedServices []string        `json:"affected_services,omitempty"`
}

// Manager accepts submissions, runs one coordinator per incident under a
// global concurrency cap, and tracks cancel functions for active workflows.
type Manager struct {
	recorder    *eventstore.Recorder
	coordinator *Coordinator
	clock       clock.Clock
	sem         *semaphore.Weighted

	mu     sync.Mutex
	active map[string]context.CancelFunc

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopCh     chan struct{}
}

// NewManager creates a manager. maxParallel <= 0 selects the default cap.
func NewManager(recorder *eventstore.Recorder, coordinator *Coordinator, c clock.Clock, maxParallel int64) *Manager {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallelIncidents
	}
	if c == nil {
		c = clock.System{}
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		recorder:    recorder,
		coordinator: coordinator,
		clock:       c,
		sem:         semaphore.NewWeighted(maxParallel),
		active:      make(map[string]context.CancelFunc),
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		stopCh:      make(chan struct{}),
	}
}

// Submit validates and records a new incident, then starts its workflow.
// Duplicate submissions for the same incident id fail with VersionConflict
// from the started event's version-0 append.
func (m *Manager) Submit(ctx context.Context, sub Submission) (models.Incident, error) {
	select {
	case <-m.stopCh:
		return models.Incident{}, models.E(models.KindUnavailable, "control plane is shutting down")
	default:
	}

	incident := models.Incident{
		ID:               sub.ID,
		Kind:             sub.Kind,
		Severity:         sub.Severity,
		Description:      sub.Description,
		Actor:            sub.Actor,
		AffectedServices: sub.AffectedServices,
		SubmittedAt:      m.clock.Now(),
	}
	if incident.ID == "" {
		incident.ID = clock.NewIncidentID()
	}
	if err := incident.Validate(); err != nil {
		return models.Incident{}, err
	}

	_, err := m.recorder.RecordAt(ctx, incident.ID, 0, models.EventIncidentStarted, models.IncidentStartedPayload{
		BasePayload:      models.Base(),
		Kind:             incident.Kind,
		Severity:         incident.Severity,
		Description:      incident.Description,
		Actor:            incident.Actor,
		AffectedServices: incident.AffectedServices,
		SubmittedAt:      incident.SubmittedAt,
	})
	if err != nil {
		return models.Incident{}, err
	}
	incident.Version = 1

	m.wg.Add(1)
	go m.run(incident)

	slog.Info("Incident accepted",
		"incident_id", incident.ID, "kind", incident.Kind, "severity", incident.Severity)
	return incident, nil
}

func (m *Manager) run(incident models.Incident) {
	defer m.wg.Done()

	runCtx, cancel := context.WithCancel(m.baseCtx)
	defer cancel()

	m.mu.Lock()
	m.active[incident.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, incident.ID)
		m.mu.Unlock()
	}()

	if err := m.sem.Acquire(runCtx, 1); err != nil {
		// Shutdown or cancellation while queued; the coordinator still
		// runs its expiry path so the incident terminates.
		_ = m.coordinator.Run(runCtx, incident)
		return
	}
	defer m.sem.Release(1)

	if err := m.coordinator.Run(runCtx, incident); err != nil {
		slog.Error("Incident workflow ended with error", "incident_id", incident.ID, "error", err)
	}
}

// Cancel signals cancellation for an active workflow. It reports whether a
// workflow was found; terminal incidents have none.
func (m *Manager) Cancel(incidentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.active[incidentID]
	if ok {
		cancel()
	}
	return ok
}

// ActiveCount returns the number of workflows currently registered.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown stops accepting submissions and waits for in-flight workflows.
// When ctx expires first, all remaining workflows are cancelled and waited
// for through their grace windows.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	slog.Warn("Shutdown deadline reached, cancelling in-flight incidents",
		"active", m.ActiveCount())
	m.baseCancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	// One more bounded wait for the grace windows.
	graceCtx, cancel := context.WithTimeout(context.Background(), 2*DefaultGrace)
	defer cancel()
	select {
	case <-done:
		return nil
	case <-graceCtx.Done():
		return fmt.Errorf("shutdown timed out with %d incidents still active", m.ActiveCount())
	}
}
