// Package agent implements the uniform execution envelope for swarm agents.
// The runtime is identical across agent kinds: it applies the kind's time
// budget, walks the fallback chain, adjusts confidence for degraded inputs,
// and records progress and outcomes as incident events. Only the strategies
// differ per kind.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegisops/swarm/pkg/clock"
	"github.com/aegisops/swarm/pkg/eventstore"
	"github.com/aegisops/swarm/pkg/models"
	"github.com/aegisops/swarm/pkg/provider"
	"github.com/aegisops/swarm/pkg/ragmem"
)

// Budget is the per-kind time policy: Target bounds each strategy attempt,
// Hard bounds the whole chain.
type Budget struct {
	Target time.Duration
	Hard   time.Duration
}

// DefaultBudgets are the per-kind execution budgets.
var DefaultBudgets = map[models.AgentKind]Budget{
	models.AgentDetection:     {Target: 30 * time.Second, Hard: 60 * time.Second},
	models.AgentDiagnosis:     {Target: 120 * time.Second, Hard: 180 * time.Second},
	models.AgentPrediction:    {Target: 90 * time.Second, Hard: 150 * time.Second},
	models.AgentResolution:    {Target: 180 * time.Second, Hard: 300 * time.Second},
	models.AgentCommunication: {Target: 10 * time.Second, Hard: 30 * time.Second},
}

// Confidence penalties for degraded inputs.
const (
	PenaltyMissingLogs    = 0.20
	PenaltyMissingMetrics = 0.15
	PenaltyMissingTraces  = 0.10
	PenaltyStaleData      = 0.05
)

// InputQuality describes what telemetry was available to the agent.
type InputQuality struct {
	MissingLogs    bool
	MissingMetrics bool
	MissingTraces  bool
	StaleData      bool
}

// Penalty returns the total confidence deduction for the degraded inputs.
func (q InputQuality) Penalty() float64 {
	p := 0.0
	if q.MissingLogs {
		p += PenaltyMissingLogs
	}
	if q.MissingMetrics {
		p += PenaltyMissingMetrics
	}
	if q.MissingTraces {
		p += PenaltyMissingTraces
	}
	if q.StaleData {
		p += PenaltyStaleData
	}
	return p
}

// RunContext is what a strategy sees during one attempt.
type RunContext struct {
	Incident models.Incident
	Kind     models.AgentKind
	// Prior holds completed results from lower dependency levels.
	Prior map[models.AgentKind]*models.AgentResult

	Gateway *provider.Gateway
	Memory  ragmem.Memory

	// Progress emits an agent_progress event at a milestone; failures to
	// record progress never fail the attempt.
	Progress func(milestone, detail string)
}

// Strategy is one rung of the fallback chain. A strategy returns a result
// with status completed, or an error that advances the chain.
type Strategy interface {
	Name() string
	Run(ctx context.Context, rc *RunContext) (*models.AgentResult, error)
}

// Runtime executes agents against the event store.
type Runtime struct {
	recorder *eventstore.Recorder
	gateway  *provider.Gateway
	memory   ragmem.Memory
	clock    clock.Clock
	budgets  map[models.AgentKind]Budget
}

// NewRuntime creates a runtime. memory may be nil (no retrieval backend).
func NewRuntime(recorder *eventstore.Recorder, gateway *provider.Gateway, memory ragmem.Memory, c clock.Clock) *Runtime {
	if memory == nil {
		memory = ragmem.Null{}
	}
	if c == nil {
		c = clock.System{}
	}
	return &Runtime{
		recorder: recorder,
		gateway:  gateway,
		memory:   memory,
		clock:    c,
		budgets:  DefaultBudgets,
	}
}

// SetBudget overrides the budget for one kind.
func (rt *Runtime) SetBudget(kind models.AgentKind, b Budget) {
	budgets := make(map[models.AgentKind]Budget, len(rt.budgets))
	for k, v := range rt.budgets {
		budgets[k] = v
	}
	budgets[kind] = b
	rt.budgets = budgets
}

// Execute runs one agent for an incident: walks the chain, records progress,
// and appends agent_completed or agent_failed. The returned result reflects
// what was persisted. A Cancelled-kind error means the incident itself was
// cancelled and nothing terminal was recorded for the agent.
func (rt *Runtime) Execute(ctx context.Context, incident models.Incident, kind models.AgentKind, chain []Strategy, prior map[models.AgentKind]*models.AgentResult, quality InputQuality) (models.AgentResult, error) {
	budget, ok := rt.budgets[kind]
	if !ok {
		budget = Budget{Target: 30 * time.Second, Hard: 60 * time.Second}
	}
	hardCtx, cancel := context.WithTimeout(ctx, budget.Hard)
	defer cancel()

	logger := slog.With("incident_id", incident.ID, "agent_kind", kind)
	start := rt.clock.Now()

	rc := &RunContext{
		Incident: incident,
		Kind:     kind,
		Prior:    prior,
		Gateway:  rt.gateway,
		Memory:   rt.memory,
	}
	rc.Progress = func(milestone, detail string) {
		rt.progress(hardCtx, incident.ID, kind, milestone, detail, "")
	}

	rt.progress(hardCtx, incident.ID, kind, "start", "", "")

	var attempts []string
	for _, strat := range chain {
		if ctx.Err() != nil {
			return models.AgentResult{}, models.Ef(models.KindCancelled, ctx.Err(), "%s agent cancelled", kind)
		}

		rt.progress(hardCtx, incident.ID, kind, "strategy_start", "", strat.Name())

		attemptCtx, attemptCancel := context.WithTimeout(hardCtx, budget.Target)
		result, err := strat.Run(attemptCtx, rc)
		attemptCancel()

		if err == nil {
			err = validateResult(result)
		}
		if err != nil {
			// Incident-level cancellation is not a strategy failure.
			if ctx.Err() != nil {
				return models.AgentResult{}, models.Ef(models.KindCancelled, ctx.Err(), "%s agent cancelled", kind)
			}
			logger.Warn("Agent strategy failed", "strategy", strat.Name(), "error", err)
			attempts = append(attempts, fmt.Sprintf("%s: %v", strat.Name(), err))
			continue
		}

		final := *result
		final.Kind = kind
		final.Status = models.AgentCompleted
		final.Confidence = clamp(final.Confidence - quality.Penalty())
		final.Duration = rt.clock.Now().Sub(start)
		if final.Action != nil {
			final.Action.ProposedBy = kind
		}

		if _, err := rt.recorder.Record(hardCtx, incident.ID, models.EventAgentCompleted, models.AgentCompletedPayload{
			BasePayload: models.Base(),
			Result:      final,
		}); err != nil {
			if models.IsKind(err, models.KindCancelled) || models.IsKind(err, models.KindIncidentTerminated) {
				return models.AgentResult{}, err
			}
			return models.AgentResult{}, fmt.Errorf("record %s completion: %w", kind, err)
		}
		logger.Info("Agent completed",
			"strategy", strat.Name(), "confidence", final.Confidence,
			"duration", final.Duration)
		return final, nil
	}

	// Chain exhausted: the final rung is escalation via a recorded failure.
	failed := models.AgentResult{
		Kind:      kind,
		Status:    models.AgentFailed,
		Reasoning: "all strategies exhausted",
		Duration:  rt.clock.Now().Sub(start),
	}
	if _, err := rt.recorder.Record(hardCtx, incident.ID, models.EventAgentFailed, models.AgentFailedPayload{
		BasePayload: models.Base(),
		AgentKind:   kind,
		Reason:      "all strategies exhausted",
		Attempts:    attempts,
	}); err != nil {
		if models.IsKind(err, models.KindCancelled) || models.IsKind(err, models.KindIncidentTerminated) {
			return models.AgentResult{}, err
		}
		return models.AgentResult{}, fmt.Errorf("record %s failure: %w", kind, err)
	}
	logger.Warn("Agent failed after exhausting fallback chain", "attempts", len(attempts))
	return failed, nil
}

func (rt *Runtime) progress(ctx context.Context, incidentID string, kind models.AgentKind, milestone, detail, strategy string) {
	_, err := rt.recorder.Record(ctx, incidentID, models.EventAgentProgress, models.AgentProgressPayload{
		BasePayload: models.Base(),
		AgentKind:   kind,
		Milestone:   milestone,
		Detail:      detail,
		Strategy:    strategy,
	})
	if err != nil {
		slog.Debug("Progress event not recorded",
			"incident_id", incidentID, "agent_kind", kind, "milestone", milestone, "error", err)
	}
}

func validateResult(r *models.AgentResult) error {
	if r == nil {
		return fmt.Errorf("strategy returned no result")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", r.Confidence)
	}
	if r.Action != nil && r.Action.ID == "" {
		return fmt.Errorf("proposed action missing id")
	}
	return nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
