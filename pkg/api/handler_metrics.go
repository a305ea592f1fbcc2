package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// businessMetricsHandler handles GET /api/v1/metrics. The cached aggregate is
// returned by default; refresh=true recomputes from the event store first.
func (s *Server) businessMetricsHandler(c *echo.Context) error {
	if s.metrics == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "metrics not enabled")
	}

	if c.QueryParam("refresh") == "true" {
		if _, err := s.metrics.Recompute(c.Request().Context()); err != nil {
			return mapServiceError(err)
		}
	}

	return c.JSON(http.StatusOK, s.metrics.Current())
}
