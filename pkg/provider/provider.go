// Package provider abstracts the external inference and knowledge effectors
// behind a small uniform capability set. The Gateway is the only path to a
// provider: it routes by task class, bounds concurrency, wraps every call in
// a circuit breaker, and meters usage for the metrics and streaming layers.
package provider

import (
	"context"
	"time"
)

// TaskClass ranks how much work a call is allowed to cost.
type TaskClass string

// Task classes.
const (
	TaskFast     TaskClass = "fast"
	TaskStandard TaskClass = "standard"
	TaskHeavy    TaskClass = "heavy"
)

// Usage is the structured cost of one provider call.
type Usage struct {
	Duration time.Duration `json:"duration_ns"`
	Units    int64         `json:"units"` // tokens or provider-specific units
}

// TextResult is the outcome of a text generation call.
type TextResult struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Snippet is a knowledge-query result fragment.
type Snippet struct {
	Text     string `json:"text"`
	Citation string `json:"citation"`
}

// SafetyVerdict is the outcome of a safety check.
type SafetyVerdict struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// ActionResult is the outcome of a named action invocation.
type ActionResult struct {
	Output map[string]any `json:"output,omitempty"`
	Usage  Usage          `json:"usage"`
}

// Hint steers routing for a single call. An empty hint routes to the
// cheapest healthy provider of the standard class.
type Hint struct {
	// Provider demands a specific provider by name. If it is unhealthy the
	// call fails rather than silently rerouting.
	Provider string
	// Class selects the task class; empty means standard.
	Class TaskClass
}

// Provider is one external effector. Implementations must be safe for
// concurrent use.
type Provider interface {
	Name() string
	Class() TaskClass
	// CostPerUnit orders providers within a class for cheapest-first routing.
	CostPerUnit() float64

	GenerateText(ctx context.Context, prompt string) (TextResult, error)
	Embed(ctx context.Context, text string) ([]float64, Usage, error)
	KnowledgeQuery(ctx context.Context, query string) ([]Snippet, Usage, error)
	SafetyCheck(ctx context.Context, subject string) (SafetyVerdict, Usage, error)
	InvokeAction(ctx context.Context, name string, params map[string]any) (ActionResult, error)

	Health(ctx context.Context) error
}
