// Package consensus aggregates agent recommendations into a single approved
// action or an escalation. Aggregation is a weighted sum of proposer
// confidences per candidate action; contradictory evidence is reconciled by
// canonical weight before any candidate is scored.
package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/aegisops/swarm/pkg/models"
)

// Config tunes the consensus engine.
type Config struct {
	// Weights per agent kind; kinds absent from the map score with
	// DefaultWeight.
	Weights       map[models.AgentKind]float64
	DefaultWeight float64
	// Threshold is the minimum aggregated confidence for autonomous
	// approval.
	Threshold float64
	// MinVoters is the minimum number of successful level-1/2 agents
	// required before any approval is considered.
	MinVoters int
	// CommunicationVotes includes communication-agent proposals in the
	// vote. Off by default; communication is an announcer, not a voter.
	CommunicationVotes bool
}

// DefaultConfig returns the canonical weights and threshold.
func DefaultConfig() Config {
	weights := make(map[models.AgentKind]float64, len(models.CanonicalWeights))
	for k, w := range models.CanonicalWeights {
		weights[k] = w
	}
	return Config{
		Weights:       weights,
		DefaultWeight: models.DefaultAgentWeight,
		Threshold:     0.70,
		MinVoters:     2,
	}
}

// SafetyChecker is the safety gate applied to the winning action. A blocked
// action surfaces as a SafetyViolation-kind error.
type SafetyChecker interface {
	CheckAction(ctx context.Context, action *models.ProposedAction) error
}

// Engine computes consensus decisions.
type Engine struct {
	cfg    Config
	safety SafetyChecker
}

// New creates an engine. safety may be nil, in which case the gate always
// allows.
func New(cfg Config, safety SafetyChecker) *Engine {
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.70
	}
	if cfg.DefaultWeight == 0 {
		cfg.DefaultWeight = models.DefaultAgentWeight
	}
	if cfg.MinVoters == 0 {
		cfg.MinVoters = 2
	}
	if cfg.Weights == nil {
		cfg.Weights = models.CanonicalWeights
	}
	return &Engine{cfg: cfg, safety: safety}
}

func (e *Engine) weightOf(kind models.AgentKind) float64 {
	if w, ok := e.cfg.Weights[kind]; ok {
		return w
	}
	return e.cfg.DefaultWeight
}

// kindRank orders agent kinds for deterministic tie-breaking; lower wins.
func kindRank(kind models.AgentKind) int {
	switch kind {
	case models.AgentResolution:
		return 0
	case models.AgentDiagnosis:
		return 1
	case models.AgentPrediction:
		return 2
	case models.AgentDetection:
		return 3
	case models.AgentCommunication:
		return 4
	}
	return 5
}

// Decide aggregates the results of one incident run into a decision. It
// never returns an error: every failure mode maps to an escalation.
func (e *Engine) Decide(ctx context.Context, incidentID string, results []models.AgentResult) models.ConsensusDecision {
	completed := make([]models.AgentResult, 0, len(results))
	for _, r := range results {
		if r.Status == models.AgentCompleted {
			completed = append(completed, r)
		}
	}

	// 1. Reconcile contradictory evidence before anything is counted.
	completed, conflict := e.reconcile(incidentID, completed)
	if conflict {
		return models.ConsensusDecision{
			Outcome: models.DecisionEscalate,
			Reason:  models.EscalateConflict,
		}
	}

	// 2. A thin successful agent set never auto-approves.
	voters := 0
	for _, r := range completed {
		if level := r.Kind.Level(); level == 1 || level == 2 {
			voters++
		}
	}
	if voters < e.cfg.MinVoters {
		return models.ConsensusDecision{
			Outcome:    models.DecisionEscalate,
			Reason:     models.EscalatePartialAgents,
			Contenders: e.contenders(e.candidates(completed)),
		}
	}

	// 3. Group proposals by action id and aggregate weighted confidence.
	candidates := e.candidates(completed)
	if len(candidates) == 0 {
		return models.ConsensusDecision{
			Outcome: models.DecisionEscalate,
			Reason:  models.EscalateBelowThreshold,
		}
	}

	winner := e.selectWinner(candidates)

	// 4. Threshold.
	if winner.confidence < e.cfg.Threshold {
		return models.ConsensusDecision{
			Outcome:    models.DecisionEscalate,
			Reason:     models.EscalateBelowThreshold,
			Contenders: e.contenders(candidates),
		}
	}

	// 5. Safety gate on the winning action only.
	if e.safety != nil {
		if err := e.safety.CheckAction(ctx, winner.action); err != nil {
			slog.Warn("Consensus winner blocked by safety gate",
				"incident_id", incidentID, "action_id", winner.action.ID, "error", err)
			return models.ConsensusDecision{
				Outcome:    models.DecisionEscalate,
				Reason:     models.EscalateSafetyBlocked,
				Contenders: e.contenders(candidates),
			}
		}
	}

	return models.ConsensusDecision{
		Outcome:      models.DecisionApproved,
		Action:       winner.action,
		Confidence:   winner.confidence,
		Contributors: winner.proposers,
	}
}

type candidate struct {
	action     *models.ProposedAction
	confidence float64
	proposers  []models.AgentKind
}

// candidates groups completed results' proposals by action id. Proposer
// order within a candidate follows the tie-break kind ranking.
func (e *Engine) candidates(completed []models.AgentResult) []candidate {
	byID := make(map[string]*candidate)
	for _, r := range completed {
		if r.Action == nil {
			continue
		}
		if r.Kind == models.AgentCommunication && !e.cfg.CommunicationVotes {
			continue
		}
		c, ok := byID[r.Action.ID]
		if !ok {
			action := *r.Action
			c = &candidate{action: &action}
			byID[r.Action.ID] = c
		}
		c.confidence += e.weightOf(r.Kind) * r.Confidence
		c.proposers = append(c.proposers, r.Kind)
	}

	out := make([]candidate, 0, len(byID))
	for _, c := range byID {
		sort.Slice(c.proposers, func(i, j int) bool {
			return kindRank(c.proposers[i]) < kindRank(c.proposers[j])
		})
		out = append(out, *c)
	}
	return out
}

// selectWinner picks the candidate with the greatest aggregated confidence.
// Ties break by action id, then by the best proposer's kind rank.
func (e *Engine) selectWinner(candidates []candidate) candidate {
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.confidence != cj.confidence {
			return ci.confidence > cj.confidence
		}
		if ci.action.ID != cj.action.ID {
			return ci.action.ID < cj.action.ID
		}
		return kindRank(ci.proposers[0]) < kindRank(cj.proposers[0])
	})
	return candidates[0]
}

func (e *Engine) contenders(candidates []candidate) []models.Contender {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].confidence != candidates[j].confidence {
			return candidates[i].confidence > candidates[j].confidence
		}
		return candidates[i].action.ID < candidates[j].action.ID
	})
	out := make([]models.Contender, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, models.Contender{
			ActionID:   c.action.ID,
			Confidence: c.confidence,
			Proposers:  c.proposers,
		})
	}
	return out
}

// reconcile applies Byzantine tolerance over evidence assertions. When two
// agents assert different values for the same key, the lower-weight agent is
// discarded; equal weights are unresolvable and force an escalation.
func (e *Engine) reconcile(incidentID string, completed []models.AgentResult) ([]models.AgentResult, bool) {
	type claim struct {
		kind  models.AgentKind
		value string
	}
	claims := make(map[string][]claim)
	for _, r := range completed {
		for _, ev := range r.Evidence {
			key, value, ok := parseAssertion(ev)
			if !ok {
				continue
			}
			claims[key] = append(claims[key], claim{kind: r.Kind, value: value})
		}
	}

	discard := make(map[models.AgentKind]bool)
	for key, cs := range claims {
		for i := 0; i < len(cs); i++ {
			for j := i + 1; j < len(cs); j++ {
				a, b := cs[i], cs[j]
				if a.value == b.value || a.kind == b.kind {
					continue
				}
				wa, wb := e.weightOf(a.kind), e.weightOf(b.kind)
				switch {
				case wa == wb:
					slog.Warn("Unresolvable evidence contradiction",
						"incident_id", incidentID, "key", key,
						"agents", []models.AgentKind{a.kind, b.kind})
					return nil, true
				case wa < wb:
					discard[a.kind] = true
				default:
					discard[b.kind] = true
				}
			}
		}
	}

	if len(discard) == 0 {
		return completed, false
	}
	kept := make([]models.AgentResult, 0, len(completed))
	for _, r := range completed {
		if discard[r.Kind] {
			slog.Info("Discarding contradicted agent result",
				"incident_id", incidentID, "agent_kind", r.Kind)
			continue
		}
		kept = append(kept, r)
	}
	return kept, false
}

// parseAssertion extracts (key, value) from an evidence string of the form
// "assertion(key, value)".
func parseAssertion(evidence string) (key, value string, ok bool) {
	s := strings.TrimSpace(evidence)
	if !strings.HasPrefix(s, "assertion(") || !strings.HasSuffix(s, ")") {
		return "", "", false
	}
	inner := s[len("assertion(") : len(s)-1]
	comma := strings.Index(inner, ",")
	if comma < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(inner[:comma])
	value = strings.TrimSpace(inner[comma+1:])
	if key == "" || value == "" {
		return "", "", false
	}
	return key, value, true
}

// Assertion renders an evidence assertion string for agents to emit.
func Assertion(key, value string) string {
	return fmt.Sprintf("assertion(%s, %s)", key, value)
}
