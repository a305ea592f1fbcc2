// Package ragmem defines the retrieval-memory boundary agents consult for
// prior-incident similarity and knowledge lookups. The core only consumes
// this interface; real retrieval backends live outside the control plane and
// have read-only access to incident data.
package ragmem

import "context"

// SimilarIncident is a prior incident surfaced by similarity lookup.
type SimilarIncident struct {
	IncidentID string  `json:"incident_id"`
	Kind       string  `json:"kind"`
	Resolution string  `json:"resolution"`
	Similarity float64 `json:"similarity"` // [0,1], higher is closer
}

// Snippet is a retrieved knowledge fragment with its citation.
type Snippet struct {
	Text     string `json:"text"`
	Citation string `json:"citation"`
}

// Memory is the retrieval boundary. Implementations must be safe for
// concurrent use; lookups are advisory and failures degrade the caller's
// confidence rather than the incident.
type Memory interface {
	// SimilarIncidents returns up to limit prior incidents resembling the
	// query, ordered by descending similarity.
	SimilarIncidents(ctx context.Context, query string, limit int) ([]SimilarIncident, error)

	// Knowledge retrieves snippets relevant to the query.
	Knowledge(ctx context.Context, query string) ([]Snippet, error)
}

// Null is the no-op Memory used when no retrieval backend is configured.
type Null struct{}

func (Null) SimilarIncidents(context.Context, string, int) ([]SimilarIncident, error) {
	return nil, nil
}

func (Null) Knowledge(context.Context, string) ([]Snippet, error) {
	return nil, nil
}

var _ Memory = Null{}
