// Package config loads and validates the control plane's configuration from
// a single YAML file with environment expansion. User values are merged over
// built-in defaults; every recognized option has a working default, so an
// empty or absent file yields a runnable configuration.
package config

import (
	"github.com/aegisops/swarm/pkg/models"
)

// Config is the umbrella configuration object returned by Initialize.
type Config struct {
	Server     ServerConfig                      `yaml:"server"`
	Consensus  ConsensusConfig                   `yaml:"consensus"`
	Budgets    map[models.AgentKind]BudgetConfig `yaml:"budgets"`
	Breaker    BreakerConfig                     `yaml:"breaker"`
	RateLimits map[string]RateLimitConfig        `yaml:"rate_limits"`
	Providers  map[string]ProviderConfig         `yaml:"providers"`
	Stream     StreamConfig                      `yaml:"stream"`
	Limits     LimitsConfig                      `yaml:"limits"`
	Metrics    MetricsConfig                     `yaml:"metrics"`
	Notify     NotifyConfig                      `yaml:"notify"`
	Retention  RetentionConfig                   `yaml:"retention"`

	path string
}

// Path returns the file the configuration was loaded from, or empty if the
// built-in defaults were used.
func (c *Config) Path() string { return c.path }

// Stats summarizes the loaded configuration for startup logging.
type Stats struct {
	Providers  int
	Budgets    int
	RateLimits int
}

// Stats returns configuration statistics.
func (c *Config) Stats() Stats {
	return Stats{
		Providers:  len(c.Providers),
		Budgets:    len(c.Budgets),
		RateLimits: len(c.RateLimits),
	}
}
