// Package api exposes the control plane over HTTP: incident submission and
// queries, demo triggers, business metrics, the dashboard WebSocket endpoint,
// and operational health and Prometheus surfaces.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegisops/swarm/pkg/bizmetrics"
	"github.com/aegisops/swarm/pkg/config"
	"github.com/aegisops/swarm/pkg/demo"
	"github.com/aegisops/swarm/pkg/eventstore"
	"github.com/aegisops/swarm/pkg/provider"
	"github.com/aegisops/swarm/pkg/stream"
	"github.com/aegisops/swarm/pkg/swarm"
)

// Server is the HTTP front of the control plane.
type Server struct {
	cfg     config.ServerConfig
	manager *swarm.Manager
	store   eventstore.Store
	metrics *bizmetrics.Service
	gateway *provider.Gateway

	connManager *stream.ConnectionManager
	demoRunner  *demo.Runner

	echo *echo.Echo
	http *http.Server
}

// NewServer wires the server and registers all routes. connManager and
// demoRunner are optional; their endpoints answer 503 when absent.
func NewServer(cfg config.ServerConfig, manager *swarm.Manager, store eventstore.Store, metrics *bizmetrics.Service, gateway *provider.Gateway, connManager *stream.ConnectionManager, demoRunner *demo.Runner) *Server {
	s := &Server{
		cfg:         cfg,
		manager:     manager,
		store:       store,
		metrics:     metrics,
		gateway:     gateway,
		connManager: connManager,
		demoRunner:  demoRunner,
		echo:        echo.New(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/api/v1")
	v1.POST("/incidents", s.submitIncidentHandler)
	v1.GET("/incidents", s.listIncidentsHandler)
	v1.GET("/incidents/:id", s.getIncidentHandler)
	v1.GET("/incidents/:id/events", s.incidentEventsHandler)
	v1.POST("/incidents/:id/cancel", s.cancelIncidentHandler)
	v1.GET("/metrics", s.businessMetricsHandler)
	v1.GET("/demo", s.listScenariosHandler)
	v1.POST("/demo/:scenario", s.triggerScenarioHandler)
	v1.GET("/ws", s.wsHandler)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
