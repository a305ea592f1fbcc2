package config

import (
	"time"

	"github.com/aegisops/swarm/pkg/models"
)

// DefaultConfig returns the built-in configuration every load starts from.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:   ":8080",
			DashboardURL: "http://localhost:5173",
			DemoActor:    "demo-operator",
		},
		Consensus: ConsensusConfig{
			Weights: map[models.AgentKind]float64{
				models.AgentDetection:  0.2,
				models.AgentDiagnosis:  0.4,
				models.AgentPrediction: 0.3,
				models.AgentResolution: 0.1,
			},
			DefaultWeight: 0.1,
			Threshold:     0.70,
			MinVoters:     2,
		},
		Budgets: map[models.AgentKind]BudgetConfig{
			models.AgentDetection:     {Target: Duration(30 * time.Second), Hard: Duration(60 * time.Second)},
			models.AgentDiagnosis:     {Target: Duration(120 * time.Second), Hard: Duration(180 * time.Second)},
			models.AgentPrediction:    {Target: Duration(90 * time.Second), Hard: Duration(150 * time.Second)},
			models.AgentResolution:    {Target: Duration(180 * time.Second), Hard: Duration(300 * time.Second)},
			models.AgentCommunication: {Target: Duration(10 * time.Second), Hard: Duration(30 * time.Second)},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         Duration(30 * time.Second),
			SuccessesToClose: 2,
			CallBudget:       Duration(30 * time.Second),
		},
		RateLimits: map[string]RateLimitConfig{
			"chat":  {Every: Duration(time.Second), Burst: 1},
			"pager": {Every: Duration(30 * time.Second), Burst: 2},
			"email": {Every: Duration(100 * time.Millisecond), Burst: 10},
		},
		Stream: StreamConfig{
			QueueCapacity:     256,
			HeartbeatInterval: Duration(20 * time.Second),
		},
		Limits: LimitsConfig{
			MaxParallelIncidents: 50,
			ProviderConcurrency:  16,
			IncidentDeadline:     Duration(12 * time.Minute),
			Grace:                Duration(2 * time.Second),
		},
		Metrics: MetricsConfig{
			WindowSize:   100,
			Capacity:     1000,
			BaselineMTTR: Duration(30 * time.Minute),
			PerMinuteCost: map[models.Severity]float64{
				1: 50, 2: 150, 3: 500, 4: 2000, 5: 8000,
			},
			BaselineIncidentCost: map[models.Severity]float64{
				1: 1500, 2: 4500, 3: 15000, 4: 60000, 5: 240000,
			},
			SuccessWindow: Duration(7 * 24 * time.Hour),
			CostTarget:    100000,
		},
		Notify: NotifyConfig{
			TokenEnv: "CHAT_TOKEN",
		},
		Retention: RetentionConfig{
			Retention: Duration(90 * 24 * time.Hour),
			Interval:  Duration(time.Hour),
		},
	}
}
