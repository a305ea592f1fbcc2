// Package cleanup enforces the incident retention policy: terminal incident
// logs older than the retention window are purged from the event store on a
// periodic sweep.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/aegisops/swarm/pkg/clock"
	"github.com/aegisops/swarm/pkg/eventstore"
)

// Config tunes the retention sweep.
type Config struct {
	// Retention is how long terminal incident logs are kept.
	Retention time.Duration
	// Interval is the sweep cadence.
	Interval time.Duration
}

// DefaultConfig keeps terminal incidents for 90 days, swept hourly.
func DefaultConfig() Config {
	return Config{
		Retention: 90 * 24 * time.Hour,
		Interval:  time.Hour,
	}
}

// Service periodically purges terminal incidents past retention. Purges are
// idempotent and safe to run from multiple replicas.
type Service struct {
	store eventstore.Purger
	clock clock.Clock
	cfg   Config

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService wires a retention service. Zero config fields select the
// defaults; a nil clock selects the system clock.
func NewService(store eventstore.Purger, c clock.Clock, cfg Config) *Service {
	if c == nil {
		c = clock.System{}
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Service{store: store, clock: c, cfg: cfg}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started",
		"retention", s.cfg.Retention,
		"interval", s.cfg.Interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep purges terminal incidents past retention once.
func (s *Service) Sweep(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.cfg.Retention)
	count, err := s.store.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged terminal incidents", "count", count, "cutoff", cutoff)
	}
}
