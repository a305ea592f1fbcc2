package demo

import (
	"context"
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
	"github.com/aegisops/swarm/pkg/swarm"
)

type fixture struct {
	store  *eventstore.MemoryStore
	runner *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := eventstore.NewMemoryStore(nil)
	recorder := eventstore.NewRecorder(store, clock.System{}, nil)

	providers := NewProviders()
	gateway := provider.NewGateway(0)
	breakerCfg := guard.DefaultBreakerConfig("")
	breakerCfg.CallBudget = time.Second
	for _, p := range providers.All() {
		gateway.Register(p, breakerCfg)
	}

	runtime := agent.NewRuntime(recorder, gateway, nil, nil)
	engine := consensus.New(consensus.DefaultConfig(), gateway)
	coordinator := swarm.NewCoordinator(recorder, store, runtime, engine, gateway, nil, swarm.Config{
		Deadline: 10 * time.Second,
		Grace:    time.Second,
	})
	manager := swarm.NewManager(recorder, coordinator, nil, 4)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	return &fixture{
		store:  store,
		runner: NewRunner(manager, providers, "demo-operator"),
	}
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
	}, 10*time.Second, 10*time.Millisecond, "scenario incident %s never terminated", incidentID)
	return state
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"database_cascade", "noisy_alert", "risky_remediation"}, Names())
}

func TestTriggerRequiresDemoActor(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Trigger(context.Background(), "database_cascade", "random-visitor")
	require.Error(t, err)
	assert.Equal(t, models.KindUnauthorizedDashboard, models.KindOf(err))
}

func TestTriggerUnknownScenario(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Trigger(context.Background(), "volcano", "demo-operator")
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestDatabaseCascadeResolves(t *testing.T) {
	f := newFixture(t)

	incident, err := f.runner.Trigger(context.Background(), "database_cascade", "demo-operator")
	require.NoError(t, err)
	require.NotEmpty(t, incident.ID)
	assert.Equal(t, "db_cascade", incident.Kind)

	state := f.waitTerminal(t, incident.ID)
	assert.Equal(t, models.StatusResolved, state.Status)
	require.NotNil(t, state.Decision)
	assert.Equal(t, "restart_connection_pool", state.Decision.Action.ID)
	assert.GreaterOrEqual(t, state.Decision.Confidence, 0.70)
}

func TestNoisyAlertEscalates(t *testing.T) {
	f := newFixture(t)

	incident, err := f.runner.Trigger(context.Background(), "noisy_alert", "demo-operator")
	require.NoError(t, err)

	state := f.waitTerminal(t, incident.ID)
	assert.Equal(t, models.StatusEscalated, state.Status)
}

func TestRiskyRemediationBlockedBySafetyGate(t *testing.T) {
	f := newFixture(t)

	incident, err := f.runner.Trigger(context.Background(), "risky_remediation", "demo-operator")
	require.NoError(t, err)

	state := f.waitTerminal(t, incident.ID)
	assert.Equal(t, models.StatusEscalated, state.Status)
	assert.Equal(t, models.EscalateSafetyBlocked, state.Reason)
}
