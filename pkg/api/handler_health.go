package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/aegisops/swarm/pkg/eventstore"
	"github.com/aegisops/swarm/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Returns a minimal, safe response suitable for unauthenticated access. Only
// the control plane's own components are checked; provider health counts as
// degradation, not failure, so an orchestrator never restarts the process
// because an external inference service is down.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if _, err := s.store.ListIncidents(reqCtx, eventstore.ListFilter{Limit: 1}); err != nil {
		status = healthStatusUnhealthy
		checks["event_store"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["event_store"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.gateway != nil {
		unhealthy := 0
		for _, state := range s.gateway.Probe(reqCtx) {
			if state == "open" || state == "unreachable" {
				unhealthy++
			}
		}
		if unhealthy > 0 {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["providers"] = HealthCheck{Status: healthStatusDegraded, Message: "one or more providers open or unreachable"}
		} else {
			checks["providers"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.connManager != nil {
		checks["stream"] = HealthCheck{Status: healthStatusHealthy}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}
