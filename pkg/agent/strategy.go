package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aegisops/swarm/pkg/models"
	"github.com/aegisops/swarm/pkg/provider"
)

// inferenceResponse is the JSON contract a provider must answer with. A
// response that does not parse is a validated failure and advances the
// fallback chain.
type inferenceResponse struct {
	Confidence float64     `json:"confidence"`
	Reasoning  string      `json:"reasoning"`
	Evidence   []string    `json:"evidence,omitempty"`
	Action     *actionSpec `json:"action,omitempty"`
}

type actionSpec struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Risk        string         `json:"risk"`
	Reversible  bool           `json:"reversible"`
	Params      map[string]any `json:"params,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
}

func (a *actionSpec) toModel() *models.ProposedAction {
	risk := models.ActionRisk(a.Risk)
	switch risk {
	case models.RiskLow, models.RiskMedium, models.RiskHigh, models.RiskCritical:
	default:
		risk = models.RiskMedium
	}
	return &models.ProposedAction{
		ID:          a.ID,
		Description: a.Description,
		Risk:        risk,
		Reversible:  a.Reversible,
		Params:      a.Params,
		Tags:        a.Tags,
	}
}

// inferenceStrategy runs one provider round-trip and parses the structured
// response. primary and secondary rungs differ only in task class.
type inferenceStrategy struct {
	name  string
	class provider.TaskClass
	// consultMemory prepends similar prior incidents to the prompt.
	consultMemory bool
}

func (s *inferenceStrategy) Name() string { return s.name }

func (s *inferenceStrategy) Run(ctx context.Context, rc *RunContext) (*models.AgentResult, error) {
	prompt := s.buildPrompt(ctx, rc)

	rc.Progress("provider_call", string(s.class))
	result, providerName, err := rc.Gateway.GenerateText(ctx, prompt, provider.Hint{Class: s.class})
	if err != nil {
		return nil, fmt.Errorf("provider call: %w", err)
	}
	rc.Progress("provider_response", providerName)

	var resp inferenceResponse
	if err := json.Unmarshal([]byte(result.Text), &resp); err != nil {
		return nil, fmt.Errorf("unparseable provider response: %w", err)
	}
	if resp.Reasoning == "" {
		return nil, fmt.Errorf("provider response missing reasoning")
	}
	if len(resp.Evidence) > 0 {
		rc.Progress("hypothesis", resp.Evidence[0])
	}

	out := &models.AgentResult{
		Kind:          rc.Kind,
		Confidence:    resp.Confidence,
		Reasoning:     resp.Reasoning,
		Evidence:      resp.Evidence,
		ProvidersUsed: []string{providerName},
	}
	if resp.Action != nil {
		out.Action = resp.Action.toModel()
	}
	return out, nil
}

func (s *inferenceStrategy) buildPrompt(ctx context.Context, rc *RunContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "role: %s\n", rc.Kind)
	fmt.Fprintf(&b, "incident: %s severity=%d kind=%s\n", rc.Incident.ID, rc.Incident.Severity, rc.Incident.Kind)
	fmt.Fprintf(&b, "description: %s\n", rc.Incident.Description)
	if len(rc.Incident.AffectedServices) > 0 {
		fmt.Fprintf(&b, "affected: %s\n", strings.Join(rc.Incident.AffectedServices, ", "))
	}

	for _, kind := range models.AllAgentKinds {
		prior, ok := rc.Prior[kind]
		if !ok || prior.Status != models.AgentCompleted {
			continue
		}
		fmt.Fprintf(&b, "prior %s (confidence %.2f): %s\n", kind, prior.Confidence, prior.Reasoning)
		if prior.Action != nil {
			fmt.Fprintf(&b, "prior %s proposes: %s\n", kind, prior.Action.ID)
		}
	}

	if s.consultMemory {
		similar, err := rc.Memory.SimilarIncidents(ctx, rc.Incident.Description, 3)
		if err == nil {
			for _, inc := range similar {
				fmt.Fprintf(&b, "similar incident %s (%s): %s\n", inc.IncidentID, inc.Kind, inc.Resolution)
			}
		}
	}

	b.WriteString("respond with JSON: {confidence, reasoning, evidence, action?}\n")
	return b.String()
}

// safeModeStrategy produces a conservative result without any external call.
// Detection and communication still return something useful; diagnosis,
// prediction and resolution report low confidence and no proposal, which
// steers consensus toward escalation.
type safeModeStrategy struct{}

func (safeModeStrategy) Name() string { return "safe_mode" }

func (safeModeStrategy) Run(_ context.Context, rc *RunContext) (*models.AgentResult, error) {
	switch rc.Kind {
	case models.AgentDetection:
		return &models.AgentResult{
			Kind:       rc.Kind,
			Confidence: 0.3,
			Reasoning:  "degraded: incident accepted on submission data only",
			Evidence:   []string{fmt.Sprintf("severity reported as %d", rc.Incident.Severity)},
		}, nil
	case models.AgentCommunication:
		return &models.AgentResult{
			Kind:       rc.Kind,
			Confidence: 0.5,
			Reasoning:  fmt.Sprintf("status update: incident %s (%s) under automated response", rc.Incident.ID, rc.Incident.Kind),
		}, nil
	default:
		return &models.AgentResult{
			Kind:       rc.Kind,
			Confidence: 0.2,
			Reasoning:  "degraded: analysis providers unavailable, deferring to operators",
		}, nil
	}
}

// ChainFor returns the default fallback chain for a kind:
// primary -> secondary -> safe_mode. The escalate rung is the runtime's
// recorded failure after the chain is exhausted.
func ChainFor(kind models.AgentKind) []Strategy {
	primaryClass := provider.TaskStandard
	switch kind {
	case models.AgentDiagnosis, models.AgentResolution:
		primaryClass = provider.TaskHeavy
	case models.AgentCommunication:
		primaryClass = provider.TaskFast
	}

	return []Strategy{
		&inferenceStrategy{
			name:          "primary",
			class:         primaryClass,
			consultMemory: kind == models.AgentDiagnosis || kind == models.AgentResolution,
		},
		&inferenceStrategy{name: "secondary", class: provider.TaskFast},
		safeModeStrategy{},
	}
}
