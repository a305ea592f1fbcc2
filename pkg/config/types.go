package config

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/aegisops/swarm/pkg/agent"
	"github.com/aegisops/swarm/pkg/bizmetrics"
	"github.com/aegisops/swarm/pkg/cleanup"
	"github.com/aegisops/swarm/pkg/consensus"
	"github.com/aegisops/swarm/pkg/guard"
	"github.com/aegisops/swarm/pkg/models"
)

// Duration is a yaml-friendly duration parsed from strings like "30s".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig groups the HTTP surface settings.
type ServerConfig struct {
	ListenAddr       string   `yaml:"listen_addr,omitempty"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins,omitempty"`
	DashboardURL     string   `yaml:"dashboard_url,omitempty"`
	// DemoActor is the only actor tag allowed to trigger demo scenarios.
	DemoActor string `yaml:"demo_actor,omitempty"`
}

// ConsensusConfig tunes the consensus engine.
type ConsensusConfig struct {
	Weights            map[models.AgentKind]float64 `yaml:"weights,omitempty"`
	DefaultWeight      float64                      `yaml:"default_weight,omitempty"`
	Threshold          float64                      `yaml:"threshold,omitempty"`
	MinVoters          int                          `yaml:"min_voters,omitempty"`
	CommunicationVotes bool                         `yaml:"communication_votes,omitempty"`
}

// Engine converts to the consensus engine's config.
func (c ConsensusConfig) Engine() consensus.Config {
	return consensus.Config{
		Weights:            c.Weights,
		DefaultWeight:      c.DefaultWeight,
		Threshold:          c.Threshold,
		MinVoters:          c.MinVoters,
		CommunicationVotes: c.CommunicationVotes,
	}
}

// BudgetConfig is one agent kind's execution budget.
type BudgetConfig struct {
	Target Duration `yaml:"target"`
	Hard   Duration `yaml:"hard"`
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32   `yaml:"failure_threshold,omitempty"`
	Cooldown         Duration `yaml:"cooldown,omitempty"`
	SuccessesToClose uint32   `yaml:"successes_to_close,omitempty"`
	CallBudget       Duration `yaml:"call_budget,omitempty"`
}

// Guard converts to the guard package's breaker config for a named provider.
func (c BreakerConfig) Guard(name string) guard.BreakerConfig {
	return guard.BreakerConfig{
		Name:             name,
		FailureThreshold: c.FailureThreshold,
		Cooldown:         c.Cooldown.Std(),
		SuccessesToClose: c.SuccessesToClose,
		CallBudget:       c.CallBudget.Std(),
	}
}

// RateLimitConfig is one notification channel's token bucket.
type RateLimitConfig struct {
	Every Duration `yaml:"every"`
	Burst int      `yaml:"burst"`
}

// ProviderConfig is one entry of the provider routing table. Secrets are
// referenced by environment variable name, never stored in the file.
type ProviderConfig struct {
	Class       string  `yaml:"class"`
	CostPerUnit float64 `yaml:"cost_per_unit"`
	TokenEnv    string  `yaml:"token_env,omitempty"`
	APIURL      string  `yaml:"api_url,omitempty"`
	// Scripted providers serve canned responses; used by demo scenarios.
	Scripted bool `yaml:"scripted,omitempty"`
}

// StreamConfig tunes the streaming fabric.
type StreamConfig struct {
	QueueCapacity     int      `yaml:"queue_capacity,omitempty"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval,omitempty"`
}

// LimitsConfig caps concurrency and workflow duration. ProviderConcurrency
// bounds in-flight calls per provider.
type LimitsConfig struct {
	MaxParallelIncidents int64    `yaml:"max_parallel_incidents,omitempty"`
	ProviderConcurrency  int64    `yaml:"provider_concurrency,omitempty"`
	IncidentDeadline     Duration `yaml:"incident_deadline,omitempty"`
	Grace                Duration `yaml:"grace,omitempty"`
}

// MetricsConfig holds the business inputs for metric derivation.
type MetricsConfig struct {
	WindowSize           int                           `yaml:"window_size,omitempty"`
	Capacity             int                           `yaml:"capacity,omitempty"`
	BaselineMTTR         Duration                      `yaml:"baseline_mttr,omitempty"`
	PerMinuteCost        map[models.Severity]float64   `yaml:"per_minute_cost,omitempty"`
	BaselineIncidentCost map[models.Severity]float64   `yaml:"baseline_incident_cost,omitempty"`
	SuccessWindow        Duration                      `yaml:"success_window,omitempty"`
	CostTarget           float64                       `yaml:"cost_target,omitempty"`
	Weights              *bizmetrics.EfficiencyWeights `yaml:"weights,omitempty"`
}

// Service converts to the metrics service config, keeping the stock
// efficiency weights unless the file overrides them.
func (c MetricsConfig) Service() bizmetrics.Config {
	out := bizmetrics.Config{
		WindowSize:           c.WindowSize,
		Capacity:             c.Capacity,
		BaselineMTTR:         c.BaselineMTTR.Std(),
		PerMinuteCost:        c.PerMinuteCost,
		BaselineIncidentCost: c.BaselineIncidentCost,
		SuccessWindow:        c.SuccessWindow.Std(),
		CostTarget:           c.CostTarget,
		Weights:              bizmetrics.DefaultConfig().Weights,
	}
	if c.Weights != nil {
		out.Weights = *c.Weights
	}
	return out
}

// Limiter builds the notification rate limiter from the configured
// per-channel buckets.
func Limiter(limits map[string]RateLimitConfig) *guard.Limiter {
	l := guard.NewLimiter()
	for channel, rl := range limits {
		l.Register(channel, rate.Every(rl.Every.Std()), rl.Burst)
	}
	return l
}

// NotifyConfig holds chat announcement settings. The token is read from the
// named environment variable.
type NotifyConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// RetentionConfig tunes the terminal-incident retention sweep.
type RetentionConfig struct {
	Retention Duration `yaml:"retention,omitempty"`
	Interval  Duration `yaml:"interval,omitempty"`
}

// Service converts to the cleanup service's config.
func (c RetentionConfig) Service() cleanup.Config {
	return cleanup.Config{
		Retention: c.Retention.Std(),
		Interval:  c.Interval.Std(),
	}
}

// Budgets converts the per-kind budget map, falling back to the runtime
// defaults for kinds the file does not mention.
func Budgets(configured map[models.AgentKind]BudgetConfig) map[models.AgentKind]agent.Budget {
	out := make(map[models.AgentKind]agent.Budget, len(agent.DefaultBudgets))
	for kind, b := range agent.DefaultBudgets {
		out[kind] = b
	}
	for kind, b := range configured {
		out[kind] = agent.Budget{Target: b.Target.Std(), Hard: b.Hard.Std()}
	}
	return out
}
