// Package bizmetrics derives business metrics from the event log: MTTR with
// a confidence interval, prevention count, cost saved, rolling success rate,
// and the composite efficiency score. Metrics are derivations; the service
// caches the latest figures but every number is reproducible by replaying
// the store.
package bizmetrics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aegisops/swarm/pkg/clock"
	"github.com/aegisops/swarm/pkg/eventstore"
	"github.com/aegisops/swarm/pkg/models"
)

// PreventiveTag marks actions whose execution prevents a future incident.
const PreventiveTag = "preventive"

// EfficiencyWeights combine the normalized component scores. They should
// sum to 1; the composite is clamped to [0,1] regardless.
type EfficiencyWeights struct {
	MTTR       float64 `yaml:"mttr"`
	Success    float64 `yaml:"success"`
	Prevention float64 `yaml:"prevention"`
	Cost       float64 `yaml:"cost"`
}

// Config holds the business inputs; the service performs only arithmetic.
type Config struct {
	// WindowSize is N for the MTTR confidence interval; Capacity caps how
	// many resolved incidents are considered at all.
	WindowSize int `yaml:"window_size"`
	Capacity   int `yaml:"capacity"`

	// BaselineMTTR is the assumed manual-response duration.
	BaselineMTTR time.Duration `yaml:"baseline_mttr"`
	// PerMinuteCost is the outage cost per minute by severity.
	PerMinuteCost map[models.Severity]float64 `yaml:"per_minute_cost"`
	// BaselineIncidentCost is the assumed full cost of an incident that a
	// preventive action avoided, by severity.
	BaselineIncidentCost map[models.Severity]float64 `yaml:"baseline_incident_cost"`

	// SuccessWindow is the rolling window for the success rate.
	SuccessWindow time.Duration `yaml:"success_window"`
	// CostTarget normalizes cost saved into [0,1] for the efficiency score.
	CostTarget float64 `yaml:"cost_target"`

	Weights EfficiencyWeights `yaml:"weights"`
}

// DefaultConfig returns the stock business inputs.
func DefaultConfig() Config {
	return Config{
		WindowSize:   100,
		Capacity:     1000,
		BaselineMTTR: 30 * time.Minute,
		PerMinuteCost: map[models.Severity]float64{
			1: 50, 2: 150, 3: 500, 4: 2000, 5: 8000,
		},
		BaselineIncidentCost: map[models.Severity]float64{
			1: 1500, 2: 4500, 3: 15000, 4: 60000, 5: 240000,
		},
		SuccessWindow: 7 * 24 * time.Hour,
		CostTarget:    100000,
		Weights: EfficiencyWeights{
			MTTR:       0.3,
			Success:    0.4,
			Prevention: 0.15,
			Cost:       0.15,
		},
	}
}

// Service computes and caches business metrics.
type Service struct {
	store     eventstore.Store
	clock     clock.Clock
	publisher eventstore.Publisher
	cfg       Config

	mu      sync.RWMutex
	current models.BusinessMetrics
}

// NewService wires a metrics service. publisher may be nil.
func NewService(store eventstore.Store, c clock.Clock, publisher eventstore.Publisher, cfg Config) *Service {
	if cfg.WindowSize == 0 {
		cfg = DefaultConfig()
	}
	if c == nil {
		c = clock.System{}
	}
	if publisher == nil {
		publisher = eventstore.NopPublisher{}
	}
	return &Service{store: store, clock: c, publisher: publisher, cfg: cfg}
}

// Current returns the last computed metrics without recomputing.
func (s *Service) Current() models.BusinessMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnTerminal is the coordinator hook: recompute after every terminal event.
func (s *Service) OnTerminal(ctx context.Context, _ *eventstore.IncidentState) {
	if _, err := s.Recompute(ctx); err != nil {
		slog.Warn("Metrics recompute failed", "error", err)
	}
}

type resolvedSample struct {
	severity   models.Severity
	mttr       time.Duration
	terminalAt time.Time
	preventive bool
}

// Recompute derives fresh metrics from the event log, caches them, and
// publishes a metrics_recomputed update.
func (s *Service) Recompute(ctx context.Context) (models.BusinessMetrics, error) {
	states, err := s.store.ListIncidents(ctx, eventstore.ListFilter{})
	if err != nil {
		return models.BusinessMetrics{}, fmt.Errorf("list incidents for metrics: %w", err)
	}

	now := s.clock.Now()
	windowStart := now.Add(-s.cfg.SuccessWindow)

	var resolved []resolvedSample
	var windowResolved, windowTerminal int
	for _, state := range states {
		if !state.Status.IsTerminal() {
			continue
		}
		if state.TerminalAt.After(windowStart) {
			windowTerminal++
			if state.Status == models.StatusResolved {
				windowResolved++
			}
		}
		if state.Status != models.StatusResolved {
			continue
		}
		resolved = append(resolved, resolvedSample{
			severity:   state.Incident.Severity,
			mttr:       state.MTTR(),
			terminalAt: state.TerminalAt,
			preventive: isPreventive(state),
		})
	}

	// Newest first, bounded by the retention capacity.
	sort.Slice(resolved, func(i, j int) bool {
		return resolved[i].terminalAt.After(resolved[j].terminalAt)
	})
	if len(resolved) > s.cfg.Capacity {
		resolved = resolved[:s.cfg.Capacity]
	}

	metrics := models.BusinessMetrics{
		MTTR:       s.mttrReport(resolved),
		ComputedAt: now,
	}
	for _, sample := range resolved {
		if sample.preventive {
			metrics.PreventionCount++
		}
		saved := (s.cfg.BaselineMTTR - sample.mttr).Minutes() * s.cfg.PerMinuteCost[sample.severity]
		metrics.CostSaved += saved
		if sample.preventive {
			metrics.CostSaved += s.cfg.BaselineIncidentCost[sample.severity]
		}
	}
	if windowTerminal > 0 {
		metrics.SuccessRate = float64(windowResolved) / float64(windowTerminal)
	}
	metrics.EfficiencyScore = s.efficiency(metrics, len(resolved))

	s.mu.Lock()
	s.current = metrics
	s.mu.Unlock()

	s.publish(metrics)
	return metrics, nil
}

// mttrReport computes mean and the 95% normal-approximation interval over
// the last N resolved incidents. Below 30 samples only the point estimate is
// reported, marked low quality.
func (s *Service) mttrReport(resolved []resolvedSample) models.MTTRReport {
	n := len(resolved)
	if n > s.cfg.WindowSize {
		n = s.cfg.WindowSize
	}
	if n == 0 {
		return models.MTTRReport{DataQuality: models.DataQualityLow}
	}

	window := resolved[:n]
	var sum float64
	for _, sample := range window {
		sum += float64(sample.mttr)
	}
	mean := sum / float64(n)

	report := models.MTTRReport{
		Mean:       time.Duration(mean),
		SampleSize: n,
	}
	if n < 30 {
		report.DataQuality = models.DataQualityLow
		return report
	}

	var sq float64
	for _, sample := range window {
		d := float64(sample.mttr) - mean
		sq += d * d
	}
	stddev := math.Sqrt(sq / float64(n-1))
	margin := 1.96 * stddev / math.Sqrt(float64(n))

	report.DataQuality = models.DataQualityOK
	report.CILow = time.Duration(mean - margin)
	report.CIHigh = time.Duration(mean + margin)
	return report
}

func (s *Service) efficiency(m models.BusinessMetrics, resolvedCount int) float64 {
	var mttrScore float64
	if m.MTTR.SampleSize > 0 && m.MTTR.Mean > 0 {
		mttrScore = clamp01(float64(s.cfg.BaselineMTTR) / float64(m.MTTR.Mean))
	}

	var preventionScore float64
	if resolvedCount > 0 {
		preventionScore = clamp01(float64(m.PreventionCount) / float64(resolvedCount))
	}

	var costScore float64
	if s.cfg.CostTarget > 0 {
		costScore = clamp01(m.CostSaved / s.cfg.CostTarget)
	}

	w := s.cfg.Weights
	return clamp01(w.MTTR*mttrScore + w.Success*m.SuccessRate +
		w.Prevention*preventionScore + w.Cost*costScore)
}

// publish fans the new figures out as a metrics_recomputed update. Metric
// events are stream-only: they belong to no incident log.
func (s *Service) publish(metrics models.BusinessMetrics) {
	ev, err := models.NewEvent("", models.EventMetricsRecomputed, models.MetricsRecomputedPayload{
		BasePayload: models.Base(),
		Metrics:     metrics,
	})
	if err != nil {
		slog.Warn("Metrics event not published", "error", err)
		return
	}
	ev.ID = clock.NewEventID()
	ev.Timestamp = metrics.ComputedAt
	s.publisher.PublishEvent(ev)
}

// isPreventive reports whether the incident resolved through an action
// tagged preventive.
func isPreventive(state *eventstore.IncidentState) bool {
	if state.Decision == nil || state.Decision.Action == nil {
		return false
	}
	return state.Decision.Action.HasTag(PreventiveTag)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
