// Package swarm drives per-incident agent workflows. The Coordinator runs
// one incident's staged DAG: it schedules agents by dependency level, feeds
// their results to the consensus engine, executes or escalates the decision,
// and guarantees a terminal event within the deadline. The Manager owns the
// set of running coordinators and the global concurrency cap.
package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegisops/swarm/pkg/agent"
	"github.com/aegisops/swarm/pkg/clock"
	"github.com/aegisops/swarm/pkg/consensus"
	"github.com/aegisops/swarm/pkg/eventstore"
	"github.com/aegisops/swarm/pkg/models"
	"github.com/aegisops/swarm/pkg/provider"
)

// ChainProvider supplies the fallback chain for an agent kind.
type ChainProvider func(kind models.AgentKind) []agent.Strategy

// QualityFn assesses input quality for an incident before agents run.
type QualityFn func(incident models.Incident) agent.InputQuality

// TerminalHook runs after an incident's terminal event is committed.
type TerminalHook func(ctx context.Context, state *eventstore.IncidentState)

// Config tunes one coordinator.
type Config struct {
	// Deadline is the wall-clock bound for the whole workflow; on expiry
	// the coordinator forces an escalation.
	Deadline time.Duration
	// Grace bounds how long terminal bookkeeping may take after the run
	// context is gone.
	Grace time.Duration
	// Kinds lists the agents to schedule; defaults to all five.
	Kinds []models.AgentKind

	Chains  ChainProvider
	Quality QualityFn
	// OnTerminal is invoked with the replayed final state. Optional.
	OnTerminal TerminalHook
}

// DefaultDeadline is the upper bound for a workflow before forced
// escalation: the sum of the per-kind hard caps plus coordinator overhead.
const DefaultDeadline = 12 * time.Minute

// DefaultGrace bounds post-cancellation bookkeeping.
const DefaultGrace = 2 * time.Second

// Coordinator runs incident workflows.
type Coordinator struct {
	recorder *eventstore.Recorder
	runtime  *agent.Runtime
	engine   *consensus.Engine
	gateway  *provider.Gateway
	store    eventstore.Store
	clock    clock.Clock
	cfg      Config
}

// NewCoordinator wires a coordinator. Zero config fields get defaults.
func NewCoordinator(recorder *eventstore.Recorder, store eventstore.Store, runtime *agent.Runtime, engine *consensus.Engine, gateway *provider.Gateway, c clock.Clock, cfg Config) *Coordinator {
	if cfg.Deadline == 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.Grace == 0 {
		cfg.Grace = DefaultGrace
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = models.AllAgentKinds
	}
	if cfg.Chains == nil {
		cfg.Chains = agent.ChainFor
	}
	if cfg.Quality == nil {
		cfg.Quality = func(models.Incident) agent.InputQuality { return agent.InputQuality{} }
	}
	if c == nil {
		c = clock.System{}
	}
	return &Coordinator{
		recorder: recorder,
		runtime:  runtime,
		engine:   engine,
		gateway:  gateway,
		store:    store,
		clock:    c,
		cfg:      cfg,
	}
}

type agentDone struct {
	kind   models.AgentKind
	result models.AgentResult
	err    error
}

// Run executes the workflow for one incident whose incident_started event is
// already committed. It always leaves the incident terminal: resolved,
// escalated, or failed.
func (c *Coordinator) Run(ctx context.Context, incident models.Incident) error {
	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Deadline)
	defer cancel()
	logger := slog.With("incident_id", incident.ID)

	started := make(map[models.AgentKind]bool, len(c.cfg.Kinds))
	results := make(map[models.AgentKind]models.AgentResult, len(c.cfg.Kinds))
	completedLevels := make(map[int]bool)
	anyAssigned := false
	running := 0
	doneCh := make(chan agentDone, len(c.cfg.Kinds))

	eligible := func(kind models.AgentKind) bool {
		if started[kind] {
			return false
		}
		level := kind.Level()
		if level == 0 {
			return true
		}
		for l := range completedLevels {
			if l < level {
				return true
			}
		}
		return false
	}

	copyPrior := func() map[models.AgentKind]*models.AgentResult {
		prior := make(map[models.AgentKind]*models.AgentResult, len(results))
		for kind, r := range results {
			if r.Status == models.AgentCompleted {
				snapshot := r
				prior[kind] = &snapshot
			}
		}
		return prior
	}

	for {
		// 1. Start every agent whose dependency level is satisfied.
		for _, kind := range c.cfg.Kinds {
			if runCtx.Err() != nil {
				break
			}
			if !eligible(kind) {
				continue
			}
			started[kind] = true

			_, err := c.recorder.Record(runCtx, incident.ID, models.EventAgentAssigned, models.AgentAssignedPayload{
				BasePayload: models.Base(),
				AgentKind:   kind,
				Level:       kind.Level(),
			})
			if err != nil {
				logger.Warn("Agent assignment not recorded", "agent_kind", kind, "error", err)
				results[kind] = models.AgentResult{Kind: kind, Status: models.AgentFailed, Reasoning: err.Error()}
				continue
			}
			anyAssigned = true

			running++
			prior := copyPrior()
			go func(kind models.AgentKind) {
				result, err := c.runtime.Execute(runCtx, incident, kind,
					c.cfg.Chains(kind), prior, c.cfg.Quality(incident))
				doneCh <- agentDone{kind: kind, result: result, err: err}
			}(kind)
		}

		// 2. Everything terminated and nothing new became eligible.
		if running == 0 {
			break
		}

		// 3. Wait for any agent to terminate, or for the run to expire.
		select {
		case done := <-doneCh:
			running--
			if done.err != nil {
				logger.Warn("Agent execution aborted", "agent_kind", done.kind, "error", done.err)
				results[done.kind] = models.AgentResult{
					Kind:      done.kind,
					Status:    models.AgentFailed,
					Reasoning: done.err.Error(),
				}
				continue
			}
			results[done.kind] = done.result
			if done.result.Status == models.AgentCompleted {
				completedLevels[done.kind.Level()] = true
				if done.result.Action != nil {
					c.recordProposal(runCtx, incident.ID, done.result)
				}
			}

		case <-runCtx.Done():
			c.drainAgents(doneCh, running)
			return c.expire(ctx, incident, logger, anyAssigned)
		}
	}

	if runCtx.Err() != nil {
		return c.expire(ctx, incident, logger, anyAssigned)
	}

	// 4. Consensus over everything that terminated.
	resultSet := make([]models.AgentResult, 0, len(results))
	for _, r := range results {
		resultSet = append(resultSet, r)
	}
	decision := c.engine.Decide(runCtx, incident.ID, resultSet)

	if _, err := c.recorder.Record(runCtx, incident.ID, models.EventConsensusReached, models.ConsensusReachedPayload{
		BasePayload: models.Base(),
		Decision:    decision,
	}); err != nil {
		if runCtx.Err() != nil {
			return c.expire(ctx, incident, logger, anyAssigned)
		}
		return fmt.Errorf("record consensus: %w", err)
	}

	// 5. Execute or escalate.
	if decision.Approved() {
		return c.execute(runCtx, ctx, incident, decision, logger, anyAssigned)
	}
	logger.Info("Consensus escalated", "reason", decision.Reason)
	return c.terminal(runCtx, incident.ID, models.EventEscalated, models.EscalatedPayload{
		BasePayload: models.Base(),
		Reason:      decision.Reason,
		Contenders:  decision.Contenders,
	})
}

// recordProposal emits action_proposed for a completed result carrying an
// action. Best-effort: a lost proposal event does not abort the workflow.
func (c *Coordinator) recordProposal(ctx context.Context, incidentID string, result models.AgentResult) {
	_, err := c.recorder.Record(ctx, incidentID, models.EventActionProposed, models.ActionProposedPayload{
		BasePayload: models.Base(),
		Action:      *result.Action,
		Confidence:  result.Confidence,
	})
	if err != nil {
		slog.Warn("Action proposal not recorded",
			"incident_id", incidentID, "action_id", result.Action.ID, "error", err)
	}
}

// execute runs the approved action through the gateway and records the
// outcome.
func (c *Coordinator) execute(runCtx, parentCtx context.Context, incident models.Incident, decision models.ConsensusDecision, logger *slog.Logger, anyAssigned bool) error {
	action := decision.Action
	logger.Info("Executing approved action",
		"action_id", action.ID, "confidence", decision.Confidence, "risk", action.Risk)

	_, _, err := c.gateway.InvokeAction(runCtx, action.ID, action.Params, provider.Hint{})
	if err != nil {
		if runCtx.Err() != nil && parentCtx.Err() == nil {
			return c.expire(parentCtx, incident, logger, anyAssigned)
		}
		logger.Error("Approved action failed to execute", "action_id", action.ID, "error", err)
		if action.Reversible {
			_, rbErr := c.recorder.Record(runCtx, incident.ID, models.EventActionRolledBack, models.ActionRolledBackPayload{
				BasePayload: models.Base(),
				ActionID:    action.ID,
				Reason:      err.Error(),
			})
			if rbErr != nil {
				logger.Warn("Rollback not recorded", "action_id", action.ID, "error", rbErr)
			}
		}
		return c.terminal(runCtx, incident.ID, models.EventEscalated, models.EscalatedPayload{
			BasePayload: models.Base(),
			Reason:      models.EscalateExecutionFailed,
			Contenders:  decision.Contenders,
		})
	}

	if _, err := c.recorder.Record(runCtx, incident.ID, models.EventActionExecuted, models.ActionExecutedPayload{
		BasePayload: models.Base(),
		ActionID:    action.ID,
		Outcome:     "success",
	}); err != nil {
		logger.Warn("Action execution not recorded", "action_id", action.ID, "error", err)
	}

	return c.terminal(runCtx, incident.ID, models.EventResolutionComplete, models.ResolutionCompletePayload{
		BasePayload: models.Base(),
		ActionID:    action.ID,
		Summary:     fmt.Sprintf("%s executed with aggregated confidence %.3f", action.ID, decision.Confidence),
	})
}

// expire forces the incident terminal after the run context is gone: a
// parent cancellation becomes Failed(cancelled), a deadline becomes
// Escalated(deadline_exceeded). Bookkeeping runs on a short grace context.
func (c *Coordinator) expire(parentCtx context.Context, incident models.Incident, logger *slog.Logger, anyAssigned bool) error {
	graceCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Grace)
	defer cancel()

	// Terminal events require a prior assignment; an incident cancelled
	// before any agent started still gets one for the record.
	if !anyAssigned {
		_, err := c.recorder.Record(graceCtx, incident.ID, models.EventAgentAssigned, models.AgentAssignedPayload{
			BasePayload: models.Base(),
			AgentKind:   models.AgentDetection,
			Level:       0,
		})
		if err != nil {
			logger.Error("Incident left non-terminal: assignment failed during expiry", "error", err)
			return fmt.Errorf("expire %s: %w", incident.ID, err)
		}
	}

	if parentCtx.Err() != nil {
		logger.Warn("Incident cancelled")
		return c.terminal(graceCtx, incident.ID, models.EventFailed, models.FailedPayload{
			BasePayload: models.Base(),
			Reason:      "cancelled",
		})
	}

	logger.Warn("Coordinator deadline exceeded, forcing escalation", "deadline", c.cfg.Deadline)
	return c.terminal(graceCtx, incident.ID, models.EventEscalated, models.EscalatedPayload{
		BasePayload: models.Base(),
		Reason:      models.EscalateDeadlineExceeded,
	})
}

// terminal records the terminal event and fires the terminal hook.
func (c *Coordinator) terminal(ctx context.Context, incidentID string, kind models.EventKind, payload any) error {
	if _, err := c.recorder.Record(ctx, incidentID, kind, payload); err != nil {
		if models.IsKind(err, models.KindIncidentTerminated) {
			return nil // someone else already terminated it
		}
		return fmt.Errorf("record terminal %s: %w", kind, err)
	}

	if c.cfg.OnTerminal != nil {
		hookCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Grace)
		defer cancel()
		if state, err := c.store.ReplayState(hookCtx, incidentID); err == nil {
			c.cfg.OnTerminal(hookCtx, state)
		}
	}
	return nil
}

// drainAgents collects in-flight agent terminations during expiry so their
// goroutines do not leak; agents observe the cancelled run context and
// return within the grace window.
func (c *Coordinator) drainAgents(doneCh <-chan agentDone, running int) {
	deadline := time.After(c.cfg.Grace)
	for i := 0; i < running; i++ {
		select {
		case <-doneCh:
		case <-deadline:
			return
		}
	}
}
