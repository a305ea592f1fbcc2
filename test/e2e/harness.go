// Package e2e exercises the full control plane: HTTP API, incident
// workflows, consensus, the provider gateway, and the dashboard stream,
// wired together the way swarmd wires them.
package e2e

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aegisops/swarm/pkg/agent"
	"github.com/aegisops/swarm/pkg/api"
	"github.com/aegisops/swarm/pkg/bizmetrics"
	"github.com/aegisops/swarm/pkg/clock"
	"github.com/aegisops/swarm/pkg/config"
	"github.com/aegisops/swarm/pkg/consensus"
	"github.com/aegisops/swarm/pkg/eventstore"
	"github.com/aegisops/swarm/pkg/guard"
	"github.com/aegisops/swarm/pkg/models"
	"github.com/aegisops/swarm/pkg/provider"
	"github.com/aegisops/swarm/pkg/stream"
	"github.com/aegisops/swarm/pkg/swarm"
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

// canonicalChains runs all four analysis kinds to a confident consensus on
// scale_pool.
func canonicalChains() map[models.AgentKind]stubStrategy {
	return map[models.AgentKind]stubStrategy{
		models.AgentDetection:  completes(0.94, "scale_pool"),
		models.AgentDiagnosis:  completes(0.97, "scale_pool"),
		models.AgentPrediction: completes(0.73, "scale_pool"),
		models.AgentResolution: completes(0.91, "scale_pool"),
	}
}

// TestApp boots the complete control plane for e2e testing.
type TestApp struct {
	Store       *eventstore.MemoryStore
	Recorder    *eventstore.Recorder
	Bus         *stream.Bus
	Gateway     *provider.Gateway
	Metrics     *bizmetrics.Service
	Manager     *swarm.Manager
	ConnManager *stream.ConnectionManager
	Server      *api.Server

	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/api/v1/ws"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	chains        map[models.AgentKind]stubStrategy
	deadline      time.Duration
	queueCapacity int
	heartbeat     time.Duration
	maxParallel   int64
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithChains replaces the per-kind agent chains. Kinds absent from the map
// are not scheduled.
func WithChains(chains map[models.AgentKind]stubStrategy) TestAppOption {
	return func(c *testAppConfig) { c.chains = chains }
}

// WithDeadline sets the incident workflow deadline.
func WithDeadline(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.deadline = d }
}

// WithQueueCapacity bounds each stream session's outbound queue.
func WithQueueCapacity(n int) TestAppOption {
	return func(c *testAppConfig) { c.queueCapacity = n }
}

// WithHeartbeat sets the stream heartbeat interval.
func WithHeartbeat(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.heartbeat = d }
}

// WithMaxParallel caps concurrently running incidents.
func WithMaxParallel(n int64) TestAppOption {
	return func(c *testAppConfig) { c.maxParallel = n }
}

// NewTestApp creates and starts a full control plane instance on a random
// port. Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		chains:      canonicalChains(),
		deadline:    10 * time.Second,
		heartbeat:   time.Second,
		maxParallel: 8,
	}
	for _, opt := range opts {
		opt(tc)
	}

	// 1. Event store and stream fabric. The bus doubles as the recorder's
	// publisher, exactly as in production wiring.
	store := eventstore.NewMemoryStore(nil)
	bus := stream.NewBus()
	recorder := eventstore.NewRecorder(store, clock.System{}, bus)

	// 2. Provider gateway with scripted safety and executor providers.
	gateway := provider.NewGateway(0)
	breakerCfg := guard.DefaultBreakerConfig("")
	breakerCfg.CallBudget = time.Second
	gateway.Register(provider.NewScripted("safety", provider.TaskFast, 0.1), breakerCfg)
	gateway.Register(provider.NewScripted("executor", provider.TaskStandard, 1.0), breakerCfg)

	// 3. Runtime, consensus, metrics.
	runtime := agent.NewRuntime(recorder, gateway, nil, nil)
	engine := consensus.New(consensus.DefaultConfig(), gateway)
	metrics := bizmetrics.NewService(store, nil, bus, bizmetrics.Config{})

	// 4. Coordinator and manager with the stub chains.
	kinds := make([]models.AgentKind, 0, len(tc.chains))
	for _, kind := range models.AllAgentKinds {
		if _, ok := tc.chains[kind]; ok {
			kinds = append(kinds, kind)
		}
	}
	coordinator := swarm.NewCoordinator(recorder, store, runtime, engine, gateway, nil, swarm.Config{
		Deadline: tc.deadline,
		Grace:    time.Second,
		Kinds:    kinds,
		Chains: func(kind models.AgentKind) []agent.Strategy {
			return []agent.Strategy{tc.chains[kind]}
		},
		OnTerminal: metrics.OnTerminal,
	})
	manager := swarm.NewManager(recorder, coordinator, nil, tc.maxParallel)

	// 5. Stream connection manager and HTTP server.
	connManager := stream.NewConnectionManager(bus, store, metrics, nil, tc.queueCapacity, tc.heartbeat)
	connManager.SetHealthSource(gateway)
	server := api.NewServer(config.ServerConfig{}, manager, store, metrics, gateway, connManager, nil)

	httpSrv := httptest.NewServer(server.Echo())

	app := &TestApp{
		Store:       store,
		Recorder:    recorder,
		Bus:         bus,
		Gateway:     gateway,
		Metrics:     metrics,
		Manager:     manager,
		ConnManager: connManager,
		Server:      server,
		BaseURL:     httpSrv.URL,
		WSURL:       "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/v1/ws",
		t:           t,
	}

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = manager.Shutdown(shutdownCtx)
		connManager.Shutdown()
		httpSrv.Close()
	})

	return app
}
