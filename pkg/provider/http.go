package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aegisops/swarm/pkg/models"
)

// HTTPProvider talks to a remote effector over a small JSON API:
//
//	POST {base}/v1/generate   {"prompt"}                -> {"text","units"}
//	POST {base}/v1/embed      {"text"}                  -> {"vector","units"}
//	POST {base}/v1/knowledge  {"query"}                 -> {"snippets","units"}
//	POST {base}/v1/safety     {"subject"}               -> {"allow","reason","units"}
//	POST {base}/v1/actions    {"name","params"}         -> {"output","units"}
//	GET  {base}/healthz
//
// Transient failures surface as Unavailable-kind errors so the gateway's
// breaker and the agent fallback chains can react.
type HTTPProvider struct {
	name    string
	class   TaskClass
	cost    float64
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPProvider creates a provider client. token may be empty for
// unauthenticated endpoints.
func NewHTTPProvider(name string, class TaskClass, costPerUnit float64, baseURL, token string) *HTTPProvider {
	return &HTTPProvider{
		name:    name,
		class:   class,
		cost:    costPerUnit,
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (p *HTTPProvider) Name() string         { return p.name }
func (p *HTTPProvider) Class() TaskClass     { return p.class }
func (p *HTTPProvider) CostPerUnit() float64 { return p.cost }

func (p *HTTPProvider) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return models.Ef(models.KindCancelled, err, "provider %s call cancelled", p.name)
		}
		return models.Ef(models.KindUnavailable, err, "provider %s unreachable", p.name)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return models.E(models.KindRateLimited, fmt.Sprintf("provider %s throttled the call", p.name))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return models.E(models.KindUnavailable,
			fmt.Sprintf("provider %s answered %d: %s", p.name, resp.StatusCode, snippet))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// GenerateText implements Provider.
func (p *HTTPProvider) GenerateText(ctx context.Context, prompt string) (TextResult, error) {
	var resp struct {
		Text  string `json:"text"`
		Units int64  `json:"units"`
	}
	if err := p.post(ctx, "/v1/generate", map[string]string{"prompt": prompt}, &resp); err != nil {
		return TextResult{}, err
	}
	return TextResult{Text: resp.Text, Usage: Usage{Units: resp.Units}}, nil
}

// Embed implements Provider.
func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float64, Usage, error) {
	var resp struct {
		Vector []float64 `json:"vector"`
		Units  int64     `json:"units"`
	}
	if err := p.post(ctx, "/v1/embed", map[string]string{"text": text}, &resp); err != nil {
		return nil, Usage{}, err
	}
	return resp.Vector, Usage{Units: resp.Units}, nil
}

// KnowledgeQuery implements Provider.
func (p *HTTPProvider) KnowledgeQuery(ctx context.Context, query string) ([]Snippet, Usage, error) {
	var resp struct {
		Snippets []Snippet `json:"snippets"`
		Units    int64     `json:"units"`
	}
	if err := p.post(ctx, "/v1/knowledge", map[string]string{"query": query}, &resp); err != nil {
		return nil, Usage{}, err
	}
	return resp.Snippets, Usage{Units: resp.Units}, nil
}

// SafetyCheck implements Provider.
func (p *HTTPProvider) SafetyCheck(ctx context.Context, subject string) (SafetyVerdict, Usage, error) {
	var resp struct {
		Allow  bool   `json:"allow"`
		Reason string `json:"reason"`
		Units  int64  `json:"units"`
	}
	if err := p.post(ctx, "/v1/safety", map[string]string{"subject": subject}, &resp); err != nil {
		return SafetyVerdict{}, Usage{}, err
	}
	return SafetyVerdict{Allow: resp.Allow, Reason: resp.Reason}, Usage{Units: resp.Units}, nil
}

// InvokeAction implements Provider.
func (p *HTTPProvider) InvokeAction(ctx context.Context, name string, params map[string]any) (ActionResult, error) {
	var resp struct {
		Output map[string]any `json:"output"`
		Units  int64          `json:"units"`
	}
	body := map[string]any{"name": name, "params": params}
	if err := p.post(ctx, "/v1/actions", body, &resp); err != nil {
		return ActionResult{}, err
	}
	return ActionResult{Output: resp.Output, Usage: Usage{Units: resp.Units}}, nil
}

// Health implements Provider.
func (p *HTTPProvider) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return models.Ef(models.KindUnavailable, err, "provider %s unreachable", p.name)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return models.E(models.KindUnavailable, fmt.Sprintf("provider %s health answered %d", p.name, resp.StatusCode))
	}
	return nil
}

var _ Provider = (*HTTPProvider)(nil)
