package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"github.com/aegisops/swarm/pkg/guard"
	"github.com/aegisops/swarm/pkg/models"
)

// DefaultMaxConcurrent bounds in-flight calls per provider.
const DefaultMaxConcurrent = 16

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm",
		Subsystem: "provider",
		Name:      "calls_total",
		Help:      "Provider calls by provider, capability and outcome.",
	}, []string{"provider", "capability", "outcome"})

	unitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm",
		Subsystem: "provider",
		Name:      "units_total",
		Help:      "Billed units (tokens) consumed per provider.",
	}, []string{"provider"})

	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "swarm",
		Subsystem: "provider",
		Name:      "call_duration_seconds",
		Help:      "Provider call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "capability"})
)

// UsageTotals aggregates metered usage for one provider.
type UsageTotals struct {
	Calls    int64         `json:"calls"`
	Failures int64         `json:"failures"`
	Units    int64         `json:"units"`
	Duration time.Duration `json:"duration_ns"`
}

type registered struct {
	provider Provider
	breaker  *guard.Breaker
	sem      *semaphore.Weighted
}

// Gateway routes calls to registered providers, with per-provider circuit
// breakers, per-provider concurrency caps, and usage metering.
type Gateway struct {
	maxConcurrent int64

	mu        sync.RWMutex
	providers map[string]*registered
	usage     map[string]*UsageTotals
}

// NewGateway creates a gateway with the given per-provider concurrency cap
// (0 means the default of 16).
func NewGateway(maxConcurrent int64) *Gateway {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Gateway{
		maxConcurrent: maxConcurrent,
		providers:     make(map[string]*registered),
		usage:         make(map[string]*UsageTotals),
	}
}

// Register adds a provider behind a fresh circuit breaker and its own
// concurrency cap, so one saturated provider cannot starve calls to the rest.
func (g *Gateway) Register(p Provider, breakerCfg guard.BreakerConfig) {
	if breakerCfg.Name == "" {
		breakerCfg.Name = "provider:" + p.Name()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[p.Name()] = &registered{
		provider: p,
		breaker:  guard.NewBreaker(breakerCfg),
		sem:      semaphore.NewWeighted(g.maxConcurrent),
	}
	g.usage[p.Name()] = &UsageTotals{}
}

// route picks the provider for a hint. A demanded provider is used even when
// its class differs; otherwise the cheapest provider of the hinted class with
// a non-open breaker wins.
func (g *Gateway) route(hint Hint) (*registered, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if hint.Provider != "" {
		r, ok := g.providers[hint.Provider]
		if !ok {
			return nil, models.E(models.KindValidation, fmt.Sprintf("unknown provider %q", hint.Provider))
		}
		if r.breaker.State() == "open" {
			return nil, models.E(models.KindUnavailable, fmt.Sprintf("provider %s is unhealthy", hint.Provider))
		}
		return r, nil
	}

	class := hint.Class
	if class == "" {
		class = TaskStandard
	}

	var candidates []*registered
	for _, r := range g.providers {
		if r.provider.Class() == class && r.breaker.State() != "open" {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, models.E(models.KindUnavailable, fmt.Sprintf("no healthy provider for class %s", class))
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.provider.CostPerUnit() != cj.provider.CostPerUnit() {
			return ci.provider.CostPerUnit() < cj.provider.CostPerUnit()
		}
		return ci.provider.Name() < cj.provider.Name()
	})
	return candidates[0], nil
}

// call runs fn on the routed provider under the concurrency cap and breaker,
// and meters the reported usage.
func (g *Gateway) call(ctx context.Context, hint Hint, capability string, fn func(ctx context.Context, p Provider) (Usage, error)) (string, error) {
	r, err := g.route(hint)
	if err != nil {
		callsTotal.WithLabelValues(hint.Provider, capability, "rejected").Inc()
		return "", err
	}
	name := r.provider.Name()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return "", models.Ef(models.KindCancelled, err, "gateway concurrency wait cancelled")
	}
	defer r.sem.Release(1)

	start := time.Now()
	var usage Usage
	err = r.breaker.Do(ctx, func(ctx context.Context) error {
		var callErr error
		usage, callErr = fn(ctx, r.provider)
		return callErr
	})
	elapsed := time.Since(start)

	if usage.Duration == 0 {
		usage.Duration = elapsed
	}
	g.record(name, usage, err)
	callDuration.WithLabelValues(name, capability).Observe(elapsed.Seconds())
	if err != nil {
		callsTotal.WithLabelValues(name, capability, "failure").Inc()
		return name, err
	}
	callsTotal.WithLabelValues(name, capability, "success").Inc()
	unitsTotal.WithLabelValues(name).Add(float64(usage.Units))
	return name, nil
}

func (g *Gateway) record(name string, usage Usage, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	totals, ok := g.usage[name]
	if !ok {
		return
	}
	totals.Calls++
	totals.Units += usage.Units
	totals.Duration += usage.Duration
	if err != nil {
		totals.Failures++
	}
}

// GenerateText routes a text generation call. The provider name that served
// the call is returned for evidence tracking.
func (g *Gateway) GenerateText(ctx context.Context, prompt string, hint Hint) (TextResult, string, error) {
	var result TextResult
	name, err := g.call(ctx, hint, "generate_text", func(ctx context.Context, p Provider) (Usage, error) {
		var callErr error
		result, callErr = p.GenerateText(ctx, prompt)
		return result.Usage, callErr
	})
	return result, name, err
}

// Embed routes an embedding call.
func (g *Gateway) Embed(ctx context.Context, text string, hint Hint) ([]float64, string, error) {
	var vec []float64
	name, err := g.call(ctx, hint, "embed", func(ctx context.Context, p Provider) (Usage, error) {
		var usage Usage
		var callErr error
		vec, usage, callErr = p.Embed(ctx, text)
		return usage, callErr
	})
	return vec, name, err
}

// KnowledgeQuery routes a knowledge lookup.
func (g *Gateway) KnowledgeQuery(ctx context.Context, query string, hint Hint) ([]Snippet, string, error) {
	var snippets []Snippet
	name, err := g.call(ctx, hint, "knowledge_query", func(ctx context.Context, p Provider) (Usage, error) {
		var usage Usage
		var callErr error
		snippets, usage, callErr = p.KnowledgeQuery(ctx, query)
		return usage, callErr
	})
	return snippets, name, err
}

// SafetyCheck routes a safety check on free text or a rendered action.
func (g *Gateway) SafetyCheck(ctx context.Context, subject string, hint Hint) (SafetyVerdict, error) {
	var verdict SafetyVerdict
	_, err := g.call(ctx, hint, "safety_check", func(ctx context.Context, p Provider) (Usage, error) {
		var usage Usage
		var callErr error
		verdict, usage, callErr = p.SafetyCheck(ctx, subject)
		return usage, callErr
	})
	return verdict, err
}

// CheckAction runs the safety gate on a proposed action. A blocked verdict is
// returned as a SafetyViolation-kind error carrying the verdict reason.
func (g *Gateway) CheckAction(ctx context.Context, action *models.ProposedAction) error {
	subject := fmt.Sprintf("action %s (%s, risk %s): %s",
		action.ID, action.ProposedBy, action.Risk, action.Description)
	verdict, err := g.SafetyCheck(ctx, subject, Hint{Class: TaskFast})
	if err != nil {
		return err
	}
	if !verdict.Allow {
		slog.Warn("Safety gate blocked action", "action_id", action.ID, "reason", verdict.Reason)
		return models.E(models.KindSafetyViolation,
			fmt.Sprintf("action %s blocked: %s", action.ID, verdict.Reason))
	}
	return nil
}

// InvokeAction routes a named action invocation.
func (g *Gateway) InvokeAction(ctx context.Context, name string, params map[string]any, hint Hint) (ActionResult, string, error) {
	var result ActionResult
	provName, err := g.call(ctx, hint, "invoke_action", func(ctx context.Context, p Provider) (Usage, error) {
		var callErr error
		result, callErr = p.InvokeAction(ctx, name, params)
		return result.Usage, callErr
	})
	return result, provName, err
}

// UsageSnapshot returns a copy of the per-provider usage totals.
func (g *Gateway) UsageSnapshot() map[string]UsageTotals {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]UsageTotals, len(g.usage))
	for name, totals := range g.usage {
		out[name] = *totals
	}
	return out
}

// Health reports per-provider breaker states.
func (g *Gateway) Health() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string, len(g.providers))
	for name, r := range g.providers {
		out[name] = r.breaker.State()
	}
	return out
}

// Probe runs each provider's self-check and merges the result with its
// breaker state. Breaker-open providers are reported open without a probe;
// a provider whose check fails while its breaker is still closed reports
// unreachable. Probe issues outbound calls and is meant for health surfaces,
// not the routing hot path.
func (g *Gateway) Probe(ctx context.Context) map[string]string {
	g.mu.RLock()
	providers := make(map[string]*registered, len(g.providers))
	for name, r := range g.providers {
		providers[name] = r
	}
	g.mu.RUnlock()

	out := make(map[string]string, len(providers))
	for name, r := range providers {
		if state := r.breaker.State(); state == "open" {
			out[name] = state
			continue
		}
		if err := r.provider.Health(ctx); err != nil {
			slog.Warn("Provider health check failed", "provider", name, "error", err)
			out[name] = "unreachable"
			continue
		}
		out[name] = r.breaker.State()
	}
	return out
}
