// Package guard protects calls to external dependencies. A Breaker wraps a
// dependency with a circuit breaker and a per-call time budget; a Limiter
// enforces per-channel rate limits. Both surface failures through the shared
// error kinds so callers can route them without string matching.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aegisops/swarm/pkg/models"
)

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32        // consecutive failures that open the circuit
	Cooldown         time.Duration // open duration before probing resumes
	SuccessesToClose uint32        // consecutive half-open successes that close it
	CallBudget       time.Duration // per-call deadline
}

// DefaultBreakerConfig returns the standard provider protection settings.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		SuccessesToClose: 2,
		CallBudget:       30 * time.Second,
	}
}

// Breaker wraps calls to a single external dependency.
type Breaker struct {
	cfg BreakerConfig
	cb  *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker from cfg, applying defaults for zero fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig(cfg.Name)
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.SuccessesToClose == 0 {
		cfg.SuccessesToClose = def.SuccessesToClose
	}
	if cfg.CallBudget == 0 {
		cfg.CallBudget = def.CallBudget
	}

	settings := gobreaker.Settings{
		Name: cfg.Name,
		// In half-open, MaxRequests probes must all succeed before the
		// circuit closes again.
		MaxRequests: cfg.SuccessesToClose,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("Circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &Breaker{cfg: cfg, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do runs fn under the breaker with the per-call budget applied. An open
// circuit or an exhausted budget surfaces as an Unavailable-kind error.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallBudget)
	defer cancel()

	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(callCtx)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.Ef(models.KindUnavailable, err, "%s circuit open", b.cfg.Name)
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return models.Ef(models.KindUnavailable, err,
			"%s call exceeded %s budget", b.cfg.Name, b.cfg.CallBudget)
	}
	if ctx.Err() != nil {
		return models.Ef(models.KindCancelled, err, "%s call cancelled", b.cfg.Name)
	}
	return fmt.Errorf("%s call failed: %w", b.cfg.Name, err)
}

// State returns the breaker's current state name for health reporting.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}
