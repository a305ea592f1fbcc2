package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/swarm/pkg/models"
)

func TestValidateDefaultsPass(t *testing.T) {
	require.NoError(t, validate(DefaultConfig()))
}

func TestValidateThresholdRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Consensus.Threshold = 1.5
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold")
}

func TestValidateUnknownAgentKind(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Consensus.Weights["oracle"] = 0.5
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown agent kind")
}

func TestValidateBudgetOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Budgets[models.AgentDetection] = BudgetConfig{
		Target: Duration(60 * time.Second),
		Hard:   Duration(30 * time.Second),
	}
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hard budget")
}

func TestValidateProviderClass(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers = map[string]ProviderConfig{
		"bad": {Class: "enormous"},
	}
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown class")
}

func TestValidateMetricsCostTables(t *testing.T) {
	cfg := DefaultConfig()
	delete(cfg.Metrics.PerMinuteCost, 4)
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "per_minute_cost")
}

func TestValidateNotifyRequiresChannel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Notify.Enabled = true
	cfg.Notify.Channel = ""
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notify.channel")
}

func TestValidateRetentionPositive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retention.Interval = 0
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention")
}

func TestConversionsCarryValues(t *testing.T) {
	cfg := DefaultConfig()

	engine := cfg.Consensus.Engine()
	assert.Equal(t, 0.70, engine.Threshold)
	assert.Equal(t, 0.3, engine.Weights[models.AgentPrediction])

	breaker := cfg.Breaker.Guard("inference-a")
	assert.Equal(t, "inference-a", breaker.Name)
	assert.Equal(t, 30*time.Second, breaker.Cooldown)

	metrics := cfg.Metrics.Service()
	assert.Equal(t, 100, metrics.WindowSize)
	assert.Equal(t, 30*time.Minute, metrics.BaselineMTTR)
	assert.Equal(t, 0.4, metrics.Weights.Success)

	limiter := Limiter(cfg.RateLimits)
	require.NoError(t, limiter.Allow("chat"))

	retention := cfg.Retention.Service()
	assert.Equal(t, 90*24*time.Hour, retention.Retention)
	assert.Equal(t, time.Hour, retention.Interval)
}
