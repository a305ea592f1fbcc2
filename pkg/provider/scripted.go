package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ScriptEntry defines one scripted provider response. Exactly one of the
// response fields should be set; zero-value entries return an empty success.
type ScriptEntry struct {
	Text     string
	Snippets []Snippet
	Verdict  *SafetyVerdict
	Output   map[string]any
	Err      error
	Units    int64

	// Delay is applied before responding; cancellation wins.
	Delay time.Duration
	// BlockUntilCancelled parks the call until the caller's context is done.
	BlockUntilCancelled bool
}

// Scripted is an in-process Provider driven by scripted responses, consumed
// in order per capability. It backs the demo scenarios and the end-to-end
// tests; capabilities with an exhausted script return a deterministic
// placeholder rather than failing, so scripts only need to cover the calls a
// scenario cares about.
type Scripted struct {
	name  string
	class TaskClass
	cost  float64

	mu      sync.Mutex
	scripts map[string][]ScriptEntry
	index   map[string]int
	calls   map[string]int
}

// NewScripted creates a scripted provider.
func NewScripted(name string, class TaskClass, costPerUnit float64) *Scripted {
	return &Scripted{
		name:    name,
		class:   class,
		cost:    costPerUnit,
		scripts: make(map[string][]ScriptEntry),
		index:   make(map[string]int),
		calls:   make(map[string]int),
	}
}

func (s *Scripted) Name() string        { return s.name }
func (s *Scripted) Class() TaskClass    { return s.class }
func (s *Scripted) CostPerUnit() float64 { return s.cost }

// Script appends an entry for the given capability
// (generate_text, embed, knowledge_query, safety_check, invoke_action).
func (s *Scripted) Script(capability string, entry ScriptEntry) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[capability] = append(s.scripts[capability], entry)
	return s
}

// Calls returns how many times a capability was invoked.
func (s *Scripted) Calls(capability string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[capability]
}

func (s *Scripted) next(ctx context.Context, capability string) (ScriptEntry, error) {
	s.mu.Lock()
	s.calls[capability]++
	script := s.scripts[capability]
	i := s.index[capability]
	var entry ScriptEntry
	if i < len(script) {
		entry = script[i]
		s.index[capability] = i + 1
	}
	s.mu.Unlock()

	if entry.BlockUntilCancelled {
		<-ctx.Done()
		return entry, ctx.Err()
	}
	if entry.Delay > 0 {
		select {
		case <-time.After(entry.Delay):
		case <-ctx.Done():
			return entry, ctx.Err()
		}
	}
	if entry.Err != nil {
		return entry, entry.Err
	}
	return entry, nil
}

func (s *Scripted) usage(entry ScriptEntry) Usage {
	units := entry.Units
	if units == 0 {
		units = 15
	}
	return Usage{Units: units}
}

// GenerateText implements Provider.
func (s *Scripted) GenerateText(ctx context.Context, prompt string) (TextResult, error) {
	entry, err := s.next(ctx, "generate_text")
	if err != nil {
		return TextResult{}, err
	}
	text := entry.Text
	if text == "" {
		text = fmt.Sprintf("scripted response from %s", s.name)
	}
	return TextResult{Text: text, Usage: s.usage(entry)}, nil
}

// Embed implements Provider. The vector is a fixed-size placeholder.
func (s *Scripted) Embed(ctx context.Context, text string) ([]float64, Usage, error) {
	entry, err := s.next(ctx, "embed")
	if err != nil {
		return nil, Usage{}, err
	}
	vec := make([]float64, 8)
	for i, r := range text {
		vec[i%8] += float64(r) / 1000
	}
	return vec, s.usage(entry), nil
}

// KnowledgeQuery implements Provider.
func (s *Scripted) KnowledgeQuery(ctx context.Context, query string) ([]Snippet, Usage, error) {
	entry, err := s.next(ctx, "knowledge_query")
	if err != nil {
		return nil, Usage{}, err
	}
	return entry.Snippets, s.usage(entry), nil
}

// SafetyCheck implements Provider. Unscripted checks allow.
func (s *Scripted) SafetyCheck(ctx context.Context, subject string) (SafetyVerdict, Usage, error) {
	entry, err := s.next(ctx, "safety_check")
	if err != nil {
		return SafetyVerdict{}, Usage{}, err
	}
	if entry.Verdict != nil {
		return *entry.Verdict, s.usage(entry), nil
	}
	return SafetyVerdict{Allow: true}, s.usage(entry), nil
}

// InvokeAction implements Provider.
func (s *Scripted) InvokeAction(ctx context.Context, name string, params map[string]any) (ActionResult, error) {
	entry, err := s.next(ctx, "invoke_action")
	if err != nil {
		return ActionResult{}, err
	}
	output := entry.Output
	if output == nil {
		output = map[string]any{"action": name, "status": "ok"}
	}
	return ActionResult{Output: output, Usage: s.usage(entry)}, nil
}

// Health implements Provider. Scripted providers are always healthy.
func (s *Scripted) Health(context.Context) error { return nil }

var _ Provider = (*Scripted)(nil)
