// Package demo triggers canned incident scenarios against scripted
// providers. Scenarios are a closed set; triggering one is restricted to the
// configured demo actor.
package demo

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/aegisops/swarm/pkg/models"
	"github.com/aegisops/swarm/pkg/provider"
	"github.com/aegisops/swarm/pkg/swarm"
)

// Providers are the scripted providers a demo deployment routes through,
// one per task class.
type Providers struct {
	Fast     *provider.Scripted
	Standard *provider.Scripted
	Heavy    *provider.Scripted
}

// NewProviders builds the standard scripted provider trio.
func NewProviders() Providers {
	return Providers{
		Fast:     provider.NewScripted("demo-fast", provider.TaskFast, 0.1),
		Standard: provider.NewScripted("demo-standard", provider.TaskStandard, 0.4),
		Heavy:    provider.NewScripted("demo-heavy", provider.TaskHeavy, 1.0),
	}
}

// All returns the providers for gateway registration.
func (p Providers) All() []provider.Provider {
	return []provider.Provider{p.Fast, p.Standard, p.Heavy}
}

// Scenario is one canned incident.
type Scenario struct {
	Name        string
	Description string

	kind        string
	severity    models.Severity
	description string
	services    []string
	seed        func(p Providers)
}

// response renders the JSON a scripted inference call answers with.
func response(confidence float64, reasoning string, action map[string]any) string {
	body := map[string]any{
		"confidence": confidence,
		"reasoning":  reasoning,
	}
	if action != nil {
		body["action"] = action
	}
	raw, _ := json.Marshal(body)
	return string(raw)
}

func act(id, description, risk string, reversible bool) map[string]any {
	return map[string]any{
		"id":          id,
		"description": description,
		"risk":        risk,
		"reversible":  reversible,
	}
}

var scenarios = map[string]Scenario{
	"database_cascade": {
		Name:        "database_cascade",
		Description: "Connection pool exhaustion resolved autonomously at high confidence.",
		kind:        "db_cascade",
		severity:    4,
		description: "Primary database connection pool exhausted, latency cascading",
		services:    []string{"orders", "payments"},
		seed: func(p Providers) {
			restart := act("restart_connection_pool", "recycle the primary pool", "low", true)
			// Standard class serves detection first, then prediction.
			p.Standard.
				Script("generate_text", provider.ScriptEntry{
					Text: response(0.94, "52 correlated alerts across orders and payments", restart),
				}).
				Script("generate_text", provider.ScriptEntry{
					Text: response(0.73, "saturation reaches payments within 20 minutes", restart),
				})
			// Heavy class serves diagnosis and resolution concurrently.
			p.Heavy.
				Script("generate_text", provider.ScriptEntry{
					Text: response(0.95, "pool leak after failover left stale connections", restart),
				}).
				Script("generate_text", provider.ScriptEntry{
					Text: response(0.95, "recycling the pool restores headroom without data loss", restart),
				})
			p.Fast.Script("generate_text", provider.ScriptEntry{
				Text: response(0.9, "status update drafted for the incident channel", nil),
			})
		},
	},
	"noisy_alert": {
		Name:        "noisy_alert",
		Description: "Conflicting low-confidence proposals escalate below threshold.",
		kind:        "alert_storm",
		severity:    2,
		description: "Burst of uncorrelated alerts from the edge tier",
		seed: func(p Providers) {
			p.Standard.
				Script("generate_text", provider.ScriptEntry{
					Text: response(0.40, "alerts do not correlate to one fault", act("restart_edge", "restart edge proxies", "medium", true)),
				}).
				Script("generate_text", provider.ScriptEntry{
					Text: response(0.35, "no clear propagation path", act("restart_edge", "restart edge proxies", "medium", true)),
				})
			p.Heavy.
				Script("generate_text", provider.ScriptEntry{
					Text: response(0.50, "possibly a flapping upstream", act("failover_region", "shift traffic", "high", true)),
				}).
				Script("generate_text", provider.ScriptEntry{
					Text: response(0.45, "insufficient evidence for any single action", act("scale_edge", "add edge capacity", "medium", true)),
				})
			p.Fast.Script("generate_text", provider.ScriptEntry{
				Text: response(0.9, "operators paged with triage summary", nil),
			})
		},
	},
	"risky_remediation": {
		Name:        "risky_remediation",
		Description: "High-confidence action blocked by the safety gate.",
		kind:        "disk_pressure",
		severity:    3,
		description: "Log volume filling the shared storage tier",
		seed: func(p Providers) {
			purge := act("purge_audit_logs", "delete audit log archive", "critical", false)
			p.Standard.
				Script("generate_text", provider.ScriptEntry{
					Text: response(0.92, "disk pressure confirmed on three nodes", purge),
				}).
				Script("generate_text", provider.ScriptEntry{
					Text: response(0.88, "volume full within the hour", purge),
				})
			p.Heavy.
				Script("generate_text", provider.ScriptEntry{
					Text: response(0.93, "audit archive is the dominant consumer", purge),
				}).
				Script("generate_text", provider.ScriptEntry{
					Text: response(0.90, "purge frees 70% of the volume", purge),
				})
			p.Fast.
				Script("generate_text", provider.ScriptEntry{
					Text: response(0.9, "compliance notified of proposed purge", nil),
				}).
				Script("safety_check", provider.ScriptEntry{
					Verdict: &provider.SafetyVerdict{Allow: false, Reason: "audit retention policy"},
				})
		},
	},
}

// Names returns the scenario names, sorted.
func Names() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Runner triggers scenarios through the incident manager.
type Runner struct {
	manager   *swarm.Manager
	providers Providers
	actor     string
}

// NewRunner wires a runner. actor is the only tag allowed to trigger.
func NewRunner(manager *swarm.Manager, providers Providers, actor string) *Runner {
	return &Runner{manager: manager, providers: providers, actor: actor}
}

// Trigger seeds the scripted providers for the named scenario and submits
// its incident.
func (r *Runner) Trigger(ctx context.Context, name, actor string) (models.Incident, error) {
	if actor != r.actor {
		return models.Incident{}, models.E(models.KindUnauthorizedDashboard,
			"demo scenarios are restricted to the designated demo actor")
	}
	scenario, ok := scenarios[name]
	if !ok {
		return models.Incident{}, models.E(models.KindValidation, "unknown demo scenario "+name)
	}

	scenario.seed(r.providers)
	return r.manager.Submit(ctx, swarm.Submission{
		Kind:             scenario.kind,
		Severity:         scenario.severity,
		Description:      scenario.description,
		Actor:            actor,
		AffectedServices: scenario.services,
	})
}
