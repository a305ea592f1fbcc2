package ragmem

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// StaticMemory is an in-process Memory seeded with fixed entries. It backs
// the demo scenarios and tests; matching is naive substring scoring, which is
// all the demo needs.
type StaticMemory struct {
	mu        sync.RWMutex
	incidents []SimilarIncident
	snippets  []Snippet
}

// NewStaticMemory creates an empty static memory.
func NewStaticMemory() *StaticMemory {
	return &StaticMemory{}
}

// AddIncident seeds a prior incident.
func (m *StaticMemory) AddIncident(inc SimilarIncident) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents = append(m.incidents, inc)
}

// AddSnippet seeds a knowledge snippet.
func (m *StaticMemory) AddSnippet(s Snippet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snippets = append(m.snippets, s)
}

// SimilarIncidents implements Memory.
func (m *StaticMemory) SimilarIncidents(_ context.Context, query string, limit int) ([]SimilarIncident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []SimilarIncident
	for _, inc := range m.incidents {
		if score := matchScore(query, inc.Kind+" "+inc.Resolution); score > 0 {
			scored := inc
			scored.Similarity = scored.Similarity * score
			out = append(out, scored)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Knowledge implements Memory.
func (m *StaticMemory) Knowledge(_ context.Context, query string) ([]Snippet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Snippet
	for _, s := range m.snippets {
		if matchScore(query, s.Text) > 0 {
			out = append(out, s)
		}
	}
	return out, nil
}

// matchScore returns the fraction of query words present in text.
func matchScore(query, text string) float64 {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			hits++
		}
	}
	return float64(hits) / float64(len(words))
}

var _ Memory = (*StaticMemory)(nil)
