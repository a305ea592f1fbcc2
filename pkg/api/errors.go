package api

import (
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/aegisops/swarm/pkg/models"
)

// mapServiceError maps service-layer error kinds to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	switch models.KindOf(err) {
	case models.KindValidation:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case models.KindIncidentNotFound:
		return echo.NewHTTPError(http.StatusNotFound, "incident not found")
	case models.KindVersionConflict:
		return echo.NewHTTPError(http.StatusConflict, "incident was modified concurrently, retry")
	case models.KindIncidentTerminated:
		return echo.NewHTTPError(http.StatusConflict, "incident already reached a terminal state")
	case models.KindUnauthorizedDashboard:
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case models.KindRateLimited:
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded, retry later")
	case models.KindSafetyViolation:
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		// KindOf folds unrecognized errors into KindUnavailable, so this
		// branch also absorbs KindUnavailable and KindCancelled.
		slog.Warn("Service unavailable", "error", err)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service unavailable")
	}
}
