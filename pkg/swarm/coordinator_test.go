package swarm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/swarm/pkg/agent"
	"github.com/aegisops/swarm/pkg/clock"
	"github.com/aegisops/swarm/pkg/consensus"
	"github.com/aegisops/swarm/pkg/eventstore"
	"github.com/aegisops/swarm/pkg/guard"
	"github.com/aegisops/swarm/pkg/models"
	"github.com/aegisops/swarm/pkg/provider"
)

// stubStrategy returns a fixed outcome, fails, or blocks until cancelled.
type stubStrategy struct {
	result *models.AgentResult
	err    error
	block  bool
}

func (s stubStrategy) Name() string { return "stub" }

func (s stubStrategy) Run(ctx context.Context, _ *agent.RunContext) (*models.AgentResult, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	result := *s.result
	return &result, nil
}

func completes(confidence float64, actionID string) stubStrategy {
	r := &models.AgentResult{Confidence: confidence, Reasoning: "stubbed analysis"}
	if actionID != "" {
		r.Action = &models.ProposedAction{
			ID:          actionID,
			Description: "stubbed action",
			Risk:        models.RiskLow,
			Reversible:  true,
		}
	}
	return stubStrategy{result: r}
}

func fails() stubStrategy  { return stubStrategy{err: errors.New("stub failure")} }
func blocks() stubStrategy { return stubStrategy{block: true} }

type fixture struct {
	store       *eventstore.MemoryStore
	recorder    *eventstore.Recorder
	gateway     *provider.Gateway
	coordinator *Coordinator
	manager     *Manager
}

// newFixture builds a full coordination stack with stub chains per kind and
// scripted providers for the safety gate and action execution.
func newFixture(t *testing.T, chains map[models.AgentKind]stubStrategy, cfg Config) *fixture {
	t.Helper()

	store := eventstore.NewMemoryStore(nil)
	recorder := eventstore.NewRecorder(store, clock.System{}, nil)

	gateway := provider.NewGateway(0)
	breakerCfg := guard.DefaultBreakerConfig("")
	breakerCfg.CallBudget = time.Second
	gateway.Register(provider.NewScripted("safety", provider.TaskFast, 0.1), breakerCfg)
	gateway.Register(provider.NewScripted("executor", provider.TaskStandard, 1.0), breakerCfg)

	runtime := agent.NewRuntime(recorder, gateway, nil, nil)
	engine := consensus.New(consensus.DefaultConfig(), gateway)

	if cfg.Deadline == 0 {
		cfg.Deadline = 5 * time.Second
	}
	cfg.Grace = time.Second
	kinds := make([]models.AgentKind, 0, len(chains))
	for _, kind := range models.AllAgentKinds {
		if _, ok := chains[kind]; ok {
			kinds = append(kinds, kind)
		}
	}
	cfg.Kinds = kinds
	cfg.Chains = func(kind models.AgentKind) []agent.Strategy {
		return []agent.Strategy{chains[kind]}
	}

	coordinator := NewCoordinator(recorder, store, runtime, engine, gateway, nil, cfg)
	manager := NewManager(recorder, coordinator, nil, 4)
	return &fixture{
		store:       store,
		recorder:    recorder,
		gateway:     gateway,
		coordinator: coordinator,
		manager:     manager,
	}
}

func (f *fixture) submit(t *testing.T, id string) models.Incident {
	t.Helper()
	incident, err := f.manager.Submit(context.Background(), Submission{
		ID:          id,
		Kind:        "db_cascade",
		Severity:    4,
		Description: "primary pool saturated, replicas flapping",
		Actor:       "alertmanager",
	})
	require.NoError(t, err)
	return incident
}

func (f *fixture) waitTerminal(t *testing.T, incidentID string) *eventstore.IncidentState {
	t.Helper()
	var state *eventstore.IncidentState
	require.Eventually(t, func() bool {
		s, err := f.store.ReplayState(context.Background(), incidentID)
		if err != nil {
			return false
		}
		state = s
		return s.Status != models.StatusActive
	}, 10*time.Second, 10*time.Millisecond, "incident %s never reached terminal state", incidentID)
	return state
}

func (f *fixture) eventKinds(t *testing.T, incidentID string) []models.EventKind {
	t.Helper()
	events, err := f.store.Read(context.Background(), incidentID, 1)
	require.NoError(t, err)
	kinds := make([]models.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func TestCoordinatorHappyPathResolves(t *testing.T) {
	f := newFixture(t, map[models.AgentKind]stubStrategy{
		models.AgentDetection:  completes(0.94, "scale_pool"),
		models.AgentDiagnosis:  completes(0.97, "scale_pool"),
		models.AgentPrediction: completes(0.73, "scale_pool"),
		models.AgentResolution: completes(0.91, "scale_pool"),
	}, Config{})

	incident := f.submit(t, "i1")
	state := f.waitTerminal(t, incident.ID)

	assert.Equal(t, models.StatusResolved, state.Status)
	require.NotNil(t, state.Decision)
	assert.True(t, state.Decision.Approved())
	assert.Equal(t, "scale_pool", state.Decision.Action.ID)
	assert.InDelta(t, 0.886, state.Decision.Confidence, 1e-9)
	assert.Positive(t, state.MTTR())

	kinds := f.eventKinds(t, incident.ID)
	assert.Contains(t, kinds, models.EventConsensusReached)
	assert.Contains(t, kinds, models.EventActionExecuted)
	assert.Equal(t, models.EventResolutionComplete, kinds[len(kinds)-1])

	// Versions are contiguous from 1.
	events, err := f.store.Read(context.Background(), incident.ID, 1)
	require.NoError(t, err)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Version)
	}
}

func TestCoordinatorAgentFailureSkipsAndContinues(t *testing.T) {
	f := newFixture(t, map[models.AgentKind]stubStrategy{
		models.AgentDetection:  completes(0.9, ""),
		models.AgentDiagnosis:  fails(),
		models.AgentPrediction: completes(0.8, "restart"),
		models.AgentResolution: completes(0.8, "restart"),
	}, Config{})

	incident := f.submit(t, "i6")
	state := f.waitTerminal(t, incident.ID)

	assert.Equal(t, models.StatusEscalated, state.Status)
	assert.Equal(t, models.EscalateBelowThreshold, state.Reason)
	require.NotNil(t, state.Decision)
	require.Len(t, state.Decision.Contenders, 1)
	assert.Equal(t, "restart", state.Decision.Contenders[0].ActionID)
	assert.InDelta(t, 0.32, state.Decision.Contenders[0].Confidence, 1e-9)

	require.NotNil(t, state.Agents[models.AgentDiagnosis])
	assert.Equal(t, models.AgentFailed, state.Agents[models.AgentDiagnosis].Status)
}

func TestCoordinatorBelowThresholdEscalates(t *testing.T) {
	f := newFixture(t, map[models.AgentKind]stubStrategy{
		models.AgentDetection:  completes(0.5, "scale_pool"),
		models.AgentDiagnosis:  completes(0.5, "scale_pool"),
		models.AgentPrediction: completes(0.5, "scale_pool"),
		models.AgentResolution: completes(0.5, "scale_pool"),
	}, Config{})

	incident := f.submit(t, "i2")
	state := f.waitTerminal(t, incident.ID)

	assert.Equal(t, models.StatusEscalated, state.Status)
	assert.Equal(t, models.EscalateBelowThreshold, state.Reason)
	assert.NotContains(t, f.eventKinds(t, incident.ID), models.EventActionExecuted)
}

func TestCoordinatorDeadlineForcesEscalation(t *testing.T) {
	f := newFixture(t, map[models.AgentKind]stubStrategy{
		models.AgentDetection: blocks(),
	}, Config{Deadline: 150 * time.Millisecond})

	incident := f.submit(t, "i-deadline")
	state := f.waitTerminal(t, incident.ID)

	assert.Equal(t, models.StatusEscalated, state.Status)
	assert.Equal(t, models.EscalateDeadlineExceeded, state.Reason)
}

func TestCoordinatorCancellationFailsIncident(t *testing.T) {
	f := newFixture(t, map[models.AgentKind]stubStrategy{
		models.AgentDetection: blocks(),
	}, Config{Deadline: time.Minute})

	incident := f.submit(t, "i-cancel")
	require.Eventually(t, func() bool {
		return f.manager.ActiveCount() == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.True(t, f.manager.Cancel(incident.ID))
	state := f.waitTerminal(t, incident.ID)

	assert.Equal(t, models.StatusFailed, state.Status)
	assert.Equal(t, "cancelled", state.Reason)
}

func TestManagerRejectsDuplicateSubmission(t *testing.T) {
	f := newFixture(t, map[models.AgentKind]stubStrategy{
		models.AgentDetection: completes(0.9, ""),
		models.AgentDiagnosis: completes(0.9, ""),
		models.AgentResolution: completes(0.9, ""),
	}, Config{})

	f.submit(t, "i-dup")
	_, err := f.manager.Submit(context.Background(), Submission{
		ID:          "i-dup",
		Kind:        "db_cascade",
		Severity:    4,
		Description: "same incident again",
		Actor:       "alertmanager",
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindVersionConflict))
}

func TestManagerValidatesSubmission(t *testing.T) {
	f := newFixture(t, map[models.AgentKind]stubStrategy{
		models.AgentDetection: completes(0.9, ""),
	}, Config{})

	_, err := f.manager.Submit(context.Background(), Submission{
		Kind:     "db_cascade",
		Severity: 9,
		Actor:    "alertmanager",
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidation))
}

func TestManagerShutdownWaitsForInFlight(t *testing.T) {
	f := newFixture(t, map[models.AgentKind]stubStrategy{
		models.AgentDetection:  completes(0.9, ""),
		models.AgentDiagnosis:  completes(0.9, ""),
		models.AgentResolution: completes(0.9, ""),
	}, Config{})

	incident := f.submit(t, "i-shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.manager.Shutdown(ctx))

	_, err := f.manager.Submit(context.Background(), Submission{
		Kind: "db_cascade", Severity: 3, Description: "late", Actor: "alertmanager",
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindUnavailable))

	state, err := f.store.ReplayState(context.Background(), incident.ID)
	require.NoError(t, err)
	assert.NotEqual(t, models.StatusActive, state.Status)
}

func TestCoordinatorSafetyBlockEscalates(t *testing.T) {
	f := newFixture(t, map[models.AgentKind]stubStrategy{
		models.AgentDetection:  completes(0.94, "drop_partition"),
		models.AgentDiagnosis:  completes(0.97, "drop_partition"),
		models.AgentPrediction: completes(0.9, "drop_partition"),
		models.AgentResolution: completes(0.95, "drop_partition"),
	}, Config{})

	// Script the safety provider to block the winning action.
	safety := provider.NewScripted("safety-blocker", provider.TaskFast, 0.01)
	safety.Script("safety_check", provider.ScriptEntry{
		Verdict: &provider.SafetyVerdict{Allow: false, Reason: "partition drop is destructive"},
	})
	breakerCfg := guard.DefaultBreakerConfig("")
	breakerCfg.CallBudget = time.Second
	f.gateway.Register(safety, breakerCfg)

	incident := f.submit(t, "i-safety")
	state := f.waitTerminal(t, incident.ID)

	assert.Equal(t, models.StatusEscalated, state.Status)
	assert.Equal(t, models.EscalateSafetyBlocked, state.Reason)
	assert.NotContains(t, f.eventKinds(t, incident.ID), models.EventActionExecuted)
}
