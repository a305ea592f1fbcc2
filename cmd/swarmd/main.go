// swarmd is the incident-response control plane server: it accepts incident
// submissions over HTTP, runs the per-incident agent workflows, and streams
// progress to dashboards over WebSocket.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aegisops/swarm/pkg/agent"
	"github.com/aegisops/swarm/pkg/api"
	"github.com/aegisops/swarm/pkg/bizmetrics"
	"github.com/aegisops/swarm/pkg/cleanup"
	"github.com/aegisops/swarm/pkg/config"
	"github.com/aegisops/swarm/pkg/consensus"
	"github.com/aegisops/swarm/pkg/demo"
	"github.com/aegisops/swarm/pkg/eventstore"
	"github.com/aegisops/swarm/pkg/eventstore/postgres"
	"github.com/aegisops/swarm/pkg/models"
	"github.com/aegisops/swarm/pkg/notify"
	"github.com/aegisops/swarm/pkg/provider"
	"github.com/aegisops/swarm/pkg/ragmem"
	"github.com/aegisops/swarm/pkg/stream"
	"github.com/aegisops/swarm/pkg/swarm"
	"github.com/aegisops/swarm/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// startPublisher fans appended events out to the stream bus and, for
// incident_started, fires the chat start notice.
type startPublisher struct {
	bus    *stream.Bus
	notify *notify.Service
}

func (p *startPublisher) PublishEvent(ev models.IncidentEvent) {
	p.bus.PublishEvent(ev)

	if p.notify == nil || ev.Kind != models.EventIncidentStarted {
		return
	}
	payload, err := ev.DecodedPayload()
	if err != nil {
		return
	}
	started, ok := payload.(*models.IncidentStartedPayload)
	if !ok {
		return
	}
	incident := models.Incident{
		ID:               ev.IncidentID,
		Kind:             started.Kind,
		Severity:         started.Severity,
		Description:      started.Description,
		Actor:            started.Actor,
		AffectedServices: started.AffectedServices,
		SubmittedAt:      started.SubmittedAt,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		p.notify.NotifyIncidentStarted(ctx, incident)
	}()
}

func main() {
	// Parse command-line flags
	configPath := flag.String("config",
		getEnv("CONFIG_PATH", "./deploy/swarm.yaml"),
		"Path to the configuration file")
	flag.Parse()

	// Load .env next to the configuration file
	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting swarmd",
		"version", version.Full(),
		"config", *configPath)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Open the event store: Postgres when DB_HOST is set, otherwise the
	// in-memory store for local runs and demos.
	var store eventstore.Store
	var closeStore func() error
	if os.Getenv("DB_HOST") != "" {
		dbCfg, err := postgres.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		pgStore, err := postgres.Open(ctx, dbCfg, nil)
		if err != nil {
			slog.Error("Failed to open event store", "error", err)
			os.Exit(1)
		}
		store = pgStore
		closeStore = pgStore.Close
		slog.Info("Connected to PostgreSQL event store", "host", dbCfg.Host, "database", dbCfg.Database)
	} else {
		store = eventstore.NewMemoryStore(nil)
		closeStore = func() error { return nil }
		slog.Warn("DB_HOST not set, using in-memory event store")
	}

	// 3. Retention sweep for terminal incident logs
	var retention *cleanup.Service
	if purger, ok := store.(eventstore.Purger); ok {
		retention = cleanup.NewService(purger, nil, cfg.Retention.Service())
		retention.Start(ctx)
	}

	// 4. Streaming fabric and notifications
	bus := stream.NewBus()

	var notifySvc *notify.Service
	if cfg.Notify.Enabled {
		notifySvc = notify.NewService(notify.ServiceConfig{
			Token:        os.Getenv(cfg.Notify.TokenEnv),
			Channel:      cfg.Notify.Channel,
			DashboardURL: cfg.Server.DashboardURL,
		}, config.Limiter(cfg.RateLimits))
		if notifySvc == nil {
			slog.Warn("Chat notifications enabled but token or channel missing, continuing without")
		}
	}

	recorder := eventstore.NewRecorder(store, nil, &startPublisher{bus: bus, notify: notifySvc})

	// 5. Provider gateway. File-configured providers are registered behind
	// per-provider breakers; with no real providers configured the scripted
	// demo trio serves every class.
	gateway := provider.NewGateway(cfg.Limits.ProviderConcurrency)
	demoProviders := demo.NewProviders()
	demoMode := true
	for name, pc := range cfg.Providers {
		if pc.Scripted {
			continue
		}
		demoMode = false
		gateway.Register(
			provider.NewHTTPProvider(name, provider.TaskClass(pc.Class), pc.CostPerUnit, pc.APIURL, os.Getenv(pc.TokenEnv)),
			cfg.Breaker.Guard(name),
		)
	}
	if demoMode {
		for _, p := range demoProviders.All() {
			gateway.Register(p, cfg.Breaker.Guard(p.Name()))
		}
		slog.Warn("No real providers configured, running with scripted demo providers")
	}

	// 6. Agent runtime and consensus
	memory := ragmem.NewStaticMemory()
	runtime := agent.NewRuntime(recorder, gateway, memory, nil)
	for kind, budget := range config.Budgets(cfg.Budgets) {
		runtime.SetBudget(kind, budget)
	}
	engine := consensus.New(cfg.Consensus.Engine(), gateway)

	// 7. Business metrics
	metricsSvc := bizmetrics.NewService(store, nil, bus, cfg.Metrics.Service())
	if _, err := metricsSvc.Recompute(ctx); err != nil {
		slog.Warn("Initial metrics recompute failed", "error", err)
	}

	// 8. Coordinator and manager
	coordinator := swarm.NewCoordinator(recorder, store, runtime, engine, gateway, nil, swarm.Config{
		Deadline: cfg.Limits.IncidentDeadline.Std(),
		Grace:    cfg.Limits.Grace.Std(),
		OnTerminal: func(ctx context.Context, state *eventstore.IncidentState) {
			metricsSvc.OnTerminal(ctx, state)
			if notifySvc != nil {
				notifySvc.OnTerminal(ctx, state)
			}
		},
	})
	manager := swarm.NewManager(recorder, coordinator, nil, cfg.Limits.MaxParallelIncidents)

	// 9. Dashboard streaming
	connManager := stream.NewConnectionManager(bus, store, metricsSvc, nil,
		cfg.Stream.QueueCapacity, cfg.Stream.HeartbeatInterval.Std())
	connManager.SetHealthSource(gateway)

	// 10. HTTP server
	var runner *demo.Runner
	if demoMode {
		runner = demo.NewRunner(manager, demoProviders, cfg.Server.DemoActor)
	}
	httpServer := api.NewServer(cfg.Server, manager, store, metricsSvc, gateway, connManager, runner)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.Start(cfg.Server.ListenAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("swarmd started successfully",
		"demo_mode", demoMode,
		"max_parallel_incidents", cfg.Limits.MaxParallelIncidents)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop accepting requests, drain workflows, close
	// the stream fabric, then the store.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	httpCancel()

	managerCtx, managerCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := manager.Shutdown(managerCtx); err != nil {
		slog.Warn("Incident manager shutdown incomplete", "error", err)
	}
	managerCancel()

	connManager.Shutdown()

	if retention != nil {
		retention.Stop()
	}

	if err := closeStore(); err != nil {
		slog.Error("Error closing event store", "error", err)
	}

	slog.Info("Shutdown complete")
}
