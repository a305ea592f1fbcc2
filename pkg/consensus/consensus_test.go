package consensus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/swarm/pkg/models"
)

func completed(kind models.AgentKind, confidence float64, actionID string, evidence ...string) models.AgentResult {
	r := models.AgentResult{
		Kind:       kind,
		Status:     models.AgentCompleted,
		Confidence: confidence,
		Evidence:   evidence,
	}
	if actionID != "" {
		r.Action = &models.ProposedAction{
			ID:         actionID,
			Risk:       models.RiskMedium,
			Reversible: true,
			ProposedBy: kind,
		}
	}
	return r
}

type blockingSafety struct {
	blocked map[string]string
}

func (s *blockingSafety) CheckAction(_ context.Context, action *models.ProposedAction) error {
	if reason, ok := s.blocked[action.ID]; ok {
		return models.E(models.KindSafetyViolation, reason)
	}
	return nil
}

func TestDecideApprovesAboveThreshold(t *testing.T) {
	e := New(DefaultConfig(), nil)

	results := []models.AgentResult{
		completed(models.AgentDetection, 0.94, "scale_pool", "52 alerts correlated"),
		completed(models.AgentDiagnosis, 0.97, "scale_pool"),
		completed(models.AgentPrediction, 0.73, "scale_pool"),
		completed(models.AgentResolution, 0.91, "scale_pool"),
	}

	d := e.Decide(context.Background(), "inc-1", results)
	require.True(t, d.Approved())
	assert.Equal(t, "scale_pool", d.Action.ID)
	// 0.94*0.2 + 0.97*0.4 + 0.73*0.3 + 0.91*0.1
	assert.InDelta(t, 0.886, d.Confidence, 1e-9)
	assert.Equal(t, []models.AgentKind{
		models.AgentResolution, models.AgentDiagnosis, models.AgentPrediction, models.AgentDetection,
	}, d.Contributors)
}

func TestDecideAggregationOrderIndependent(t *testing.T) {
	e := New(DefaultConfig(), nil)
	results := []models.AgentResult{
		completed(models.AgentResolution, 0.91, "scale_pool"),
		completed(models.AgentDetection, 0.94, "scale_pool"),
		completed(models.AgentPrediction, 0.73, "scale_pool"),
		completed(models.AgentDiagnosis, 0.97, "scale_pool"),
	}
	d := e.Decide(context.Background(), "inc-1", results)
	require.True(t, d.Approved())
	assert.InDelta(t, 0.886, d.Confidence, 1e-9)
}

func TestDecideBelowThresholdEscalates(t *testing.T) {
	e := New(DefaultConfig(), nil)
	results := []models.AgentResult{
		completed(models.AgentDetection, 0.5, "scale_pool"),
		completed(models.AgentDiagnosis, 0.5, "scale_pool"),
		completed(models.AgentPrediction, 0.5, "scale_pool"),
		completed(models.AgentResolution, 0.5, "scale_pool"),
	}

	d := e.Decide(context.Background(), "inc-1", results)
	assert.Equal(t, models.DecisionEscalate, d.Outcome)
	assert.Equal(t, models.EscalateBelowThreshold, d.Reason)
	require.Len(t, d.Contenders, 1)
	assert.Equal(t, "scale_pool", d.Contenders[0].ActionID)
	assert.InDelta(t, 0.5, d.Contenders[0].Confidence, 1e-9)
}

func TestDecidePartialAgentSetEscalates(t *testing.T) {
	e := New(DefaultConfig(), nil)

	// Only one successful level-1/2 agent.
	results := []models.AgentResult{
		completed(models.AgentDetection, 0.95, ""),
		completed(models.AgentDiagnosis, 0.95, "restart"),
		{Kind: models.AgentPrediction, Status: models.AgentFailed},
		{Kind: models.AgentResolution, Status: models.AgentFailed},
	}

	d := e.Decide(context.Background(), "inc-1", results)
	assert.Equal(t, models.DecisionEscalate, d.Outcome)
	assert.Equal(t, models.EscalatePartialAgents, d.Reason)
}

func TestDecidePartialFailureBelowThreshold(t *testing.T) {
	e := New(DefaultConfig(), nil)

	// Diagnosis failed; prediction and resolution agree on restart at 0.8.
	// 0.8*0.3 + 0.8*0.1 = 0.32.
	results := []models.AgentResult{
		completed(models.AgentDetection, 0.9, ""),
		{Kind: models.AgentDiagnosis, Status: models.AgentFailed},
		completed(models.AgentPrediction, 0.8, "restart"),
		completed(models.AgentResolution, 0.8, "restart"),
	}

	d := e.Decide(context.Background(), "inc-1", results)
	assert.Equal(t, models.DecisionEscalate, d.Outcome)
	assert.Equal(t, models.EscalateBelowThreshold, d.Reason)
	require.Len(t, d.Contenders, 1)
	assert.Equal(t, "restart", d.Contenders[0].ActionID)
	assert.InDelta(t, 0.32, d.Contenders[0].Confidence, 1e-9)
}

func TestDecideTieBreaksByActionID(t *testing.T) {
	e := New(DefaultConfig(), nil)

	results := []models.AgentResult{
		completed(models.AgentDiagnosis, 0.95, "beta_action"),
		completed(models.AgentPrediction, 0.95, "alpha_action"),
		completed(models.AgentResolution, 0.9, ""),
	}
	// beta: 0.95*0.4 = 0.38; alpha: 0.95*0.3 = 0.285. Both are below the
	// threshold, but the contenders list must order deterministically.
	d := e.Decide(context.Background(), "inc-1", results)
	assert.Equal(t, models.DecisionEscalate, d.Outcome)
	require.Len(t, d.Contenders, 2)
	assert.Equal(t, "beta_action", d.Contenders[0].ActionID)
	assert.Equal(t, "alpha_action", d.Contenders[1].ActionID)
}

func TestDecideEqualConfidenceTieBreak(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights[models.AgentDetection] = 0.25
	cfg.Weights[models.AgentPrediction] = 0.25
	cfg.Threshold = 0.1
	e := New(cfg, nil)

	// Same weight and confidence on two actions; lexicographic action id
	// decides.
	results := []models.AgentResult{
		completed(models.AgentDetection, 0.8, "zeta"),
		completed(models.AgentPrediction, 0.8, "alpha"),
		completed(models.AgentDiagnosis, 0.9, ""),
		completed(models.AgentResolution, 0.9, ""),
	}
	d := e.Decide(context.Background(), "inc-1", results)
	require.True(t, d.Approved())
	assert.Equal(t, "alpha", d.Action.ID)
}

func TestDecideSafetyBlockEscalates(t *testing.T) {
	safety := &blockingSafety{blocked: map[string]string{"drop_table": "irreversible"}}
	e := New(DefaultConfig(), safety)

	results := []models.AgentResult{
		completed(models.AgentDetection, 0.95, "drop_table"),
		completed(models.AgentDiagnosis, 0.95, "drop_table"),
		completed(models.AgentPrediction, 0.95, "drop_table"),
		completed(models.AgentResolution, 0.95, "drop_table"),
	}

	d := e.Decide(context.Background(), "inc-1", results)
	assert.Equal(t, models.DecisionEscalate, d.Outcome)
	assert.Equal(t, models.EscalateSafetyBlocked, d.Reason)
	assert.NotEmpty(t, d.Contenders)
}

func TestDecideContradictionDiscardsLowerWeight(t *testing.T) {
	e := New(DefaultConfig(), nil)

	// Detection (0.2) and diagnosis (0.4) disagree on root_cause; detection
	// is discarded and its solo proposal disappears.
	results := []models.AgentResult{
		completed(models.AgentDetection, 0.99, "reboot_host", Assertion("root_cause", "hardware")),
		completed(models.AgentDiagnosis, 0.95, "scale_pool", Assertion("root_cause", "config_push")),
		completed(models.AgentPrediction, 0.9, "scale_pool"),
		completed(models.AgentResolution, 0.9, "scale_pool"),
	}

	d := e.Decide(context.Background(), "inc-1", results)
	// scale_pool: 0.95*0.4 + 0.9*0.3 + 0.9*0.1 = 0.74.
	require.True(t, d.Approved())
	assert.Equal(t, "scale_pool", d.Action.ID)
	assert.InDelta(t, 0.74, d.Confidence, 1e-9)
	assert.NotContains(t, d.Contributors, models.AgentDetection)
}

func TestDecideEqualWeightContradictionEscalates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights[models.AgentDetection] = 0.4 // equal to diagnosis
	e := New(cfg, nil)

	results := []models.AgentResult{
		completed(models.AgentDetection, 0.9, "a", Assertion("root_cause", "hardware")),
		completed(models.AgentDiagnosis, 0.9, "a", Assertion("root_cause", "config_push")),
		completed(models.AgentResolution, 0.9, "a"),
	}

	d := e.Decide(context.Background(), "inc-1", results)
	assert.Equal(t, models.DecisionEscalate, d.Outcome)
	assert.Equal(t, models.EscalateConflict, d.Reason)
}

func TestDecideCommunicationExcludedFromVote(t *testing.T) {
	e := New(DefaultConfig(), nil)

	results := []models.AgentResult{
		completed(models.AgentDiagnosis, 0.9, "scale_pool"),
		completed(models.AgentResolution, 0.9, "scale_pool"),
		completed(models.AgentCommunication, 1.0, "post_update"),
	}

	d := e.Decide(context.Background(), "inc-1", results)
	assert.Equal(t, models.DecisionEscalate, d.Outcome)
	for _, c := range d.Contenders {
		assert.NotEqual(t, "post_update", c.ActionID)
	}
}

func TestParseAssertion(t *testing.T) {
	key, value, ok := parseAssertion("assertion(replica_count, 3)")
	require.True(t, ok)
	assert.Equal(t, "replica_count", key)
	assert.Equal(t, "3", value)

	_, _, ok = parseAssertion("52 alerts correlated")
	assert.False(t, ok)
	_, _, ok = parseAssertion("assertion(nocomma)")
	assert.False(t, ok)
}
