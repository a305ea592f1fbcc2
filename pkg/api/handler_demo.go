package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/aegisops/swarm/pkg/demo"
)

// listScenariosHandler handles GET /api/v1/demo.
func (s *Server) listScenariosHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &ScenariosResponse{Scenarios: demo.Names()})
}

// triggerScenarioHandler handles POST /api/v1/demo/:scenario. The runner
// rejects actors other than the configured demo operator.
func (s *Server) triggerScenarioHandler(c *echo.Context) error {
	if s.demoRunner == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "demo scenarios not enabled")
	}

	scenario := c.Param("scenario")
	if scenario == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "scenario name is required")
	}

	incident, err := s.demoRunner.Trigger(c.Request().Context(), scenario, extractActor(c))
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusAccepted, &SubmitResponse{
		IncidentID: incident.ID,
		Status:     "accepted",
		Message:    "Demo scenario " + scenario + " started",
	})
}
