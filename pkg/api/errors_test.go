package api

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aegisops/swarm/pkg/models"
)

func TestMapServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", models.E(models.KindValidation, "severity out of range"), http.StatusBadRequest},
		{"not found", models.E(models.KindIncidentNotFound, "incident x not found"), http.StatusNotFound},
		{"version conflict", models.E(models.KindVersionConflict, "head moved"), http.StatusConflict},
		{"terminated", models.E(models.KindIncidentTerminated, "already terminal"), http.StatusConflict},
		{"unauthorized dashboard", models.E(models.KindUnauthorizedDashboard, "unknown tag"), http.StatusForbidden},
		{"rate limited", models.E(models.KindRateLimited, "chat channel throttled"), http.StatusTooManyRequests},
		{"safety violation", models.E(models.KindSafetyViolation, "action blocked"), http.StatusUnprocessableEntity},
		{"unavailable", models.E(models.KindUnavailable, "shutting down"), http.StatusServiceUnavailable},
		{"cancelled", models.E(models.KindCancelled, "request cancelled"), http.StatusServiceUnavailable},
		// Unrecognized errors classify as unavailable, never as a client bug.
		{"unknown", errors.New("disk on fire"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			he := mapServiceError(tt.err)
			assert.Equal(t, tt.want, he.Code)
		})
	}
}
