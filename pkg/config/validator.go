package config

import (
	"fmt"

	"github.com/aegisops/swarm/pkg/models"
	"github.com/aegisops/swarm/pkg/provider"
)

// validate checks cross-field constraints after merging.
func validate(cfg *Config) error {
	if cfg.Consensus.Threshold <= 0 || cfg.Consensus.Threshold > 1 {
		return fmt.Errorf("consensus.threshold must be in (0,1], got %v", cfg.Consensus.Threshold)
	}
	if cfg.Consensus.DefaultWeight < 0 {
		return fmt.Errorf("consensus.default_weight must not be negative")
	}
	for kind, w := range cfg.Consensus.Weights {
		if !kind.IsValid() {
			return fmt.Errorf("consensus.weights: unknown agent kind %q", kind)
		}
		if w < 0 || w > 1 {
			return fmt.Errorf("consensus.weights[%s] must be in [0,1], got %v", kind, w)
		}
	}

	for kind, b := range cfg.Budgets {
		if !kind.IsValid() {
			return fmt.Errorf("budgets: unknown agent kind %q", kind)
		}
		if b.Target <= 0 || b.Hard <= 0 {
			return fmt.Errorf("budgets[%s]: target and hard must be positive", kind)
		}
		if b.Hard < b.Target {
			return fmt.Errorf("budgets[%s]: hard budget %s below target %s", kind, b.Hard.Std(), b.Target.Std())
		}
	}

	if cfg.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if cfg.Breaker.Cooldown <= 0 || cfg.Breaker.CallBudget <= 0 {
		return fmt.Errorf("breaker cooldown and call_budget must be positive")
	}

	for channel, rl := range cfg.RateLimits {
		if rl.Every <= 0 || rl.Burst <= 0 {
			return fmt.Errorf("rate_limits[%s]: every and burst must be positive", channel)
		}
	}

	for name, p := range cfg.Providers {
		switch provider.TaskClass(p.Class) {
		case provider.TaskFast, provider.TaskStandard, provider.TaskHeavy:
		default:
			return fmt.Errorf("providers[%s]: unknown class %q", name, p.Class)
		}
		if p.CostPerUnit < 0 {
			return fmt.Errorf("providers[%s]: cost_per_unit must not be negative", name)
		}
	}

	if cfg.Stream.QueueCapacity <= 0 {
		return fmt.Errorf("stream.queue_capacity must be positive")
	}
	if cfg.Stream.HeartbeatInterval <= 0 {
		return fmt.Errorf("stream.heartbeat_interval must be positive")
	}

	if cfg.Limits.MaxParallelIncidents <= 0 || cfg.Limits.ProviderConcurrency <= 0 {
		return fmt.Errorf("limits: concurrency caps must be positive")
	}
	if cfg.Limits.IncidentDeadline <= 0 {
		return fmt.Errorf("limits.incident_deadline must be positive")
	}

	if cfg.Metrics.WindowSize <= 0 || cfg.Metrics.Capacity < cfg.Metrics.WindowSize {
		return fmt.Errorf("metrics: capacity %d must be >= window_size %d and both positive",
			cfg.Metrics.Capacity, cfg.Metrics.WindowSize)
	}
	for severity := models.Severity(1); severity <= 5; severity++ {
		if _, ok := cfg.Metrics.PerMinuteCost[severity]; !ok {
			return fmt.Errorf("metrics.per_minute_cost missing severity %d", severity)
		}
		if _, ok := cfg.Metrics.BaselineIncidentCost[severity]; !ok {
			return fmt.Errorf("metrics.baseline_incident_cost missing severity %d", severity)
		}
	}

	if cfg.Notify.Enabled && cfg.Notify.Channel == "" {
		return fmt.Errorf("notify.channel is required when notifications are enabled")
	}

	if cfg.Retention.Retention <= 0 || cfg.Retention.Interval <= 0 {
		return fmt.Errorf("retention: retention and interval must be positive")
	}

	return nil
}
