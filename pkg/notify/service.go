package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aegisops/swarm/pkg/eventstore"
	"github.com/aegisops/swarm/pkg/guard"
	"github.com/aegisops/swarm/pkg/models"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token        string
	Channel      string
	DashboardURL string
}

// Service announces incident starts and terminal outcomes on the chat
// channel, threading the terminal notice onto the start notice. Nil-safe:
// all methods are no-ops when the service is nil.
type Service struct {
	client       *Client
	limiter      *guard.Limiter
	dashboardURL string
	logger       *slog.Logger

	mu      sync.Mutex
	threads map[string]string // incident id -> start notice ts
}

// NewService creates a notification service. Returns nil if Token or Channel
// is empty, which disables announcements entirely.
func NewService(cfg ServiceConfig, limiter *guard.Limiter) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return newService(NewClient(cfg.Token, cfg.Channel), cfg.DashboardURL, limiter)
}

// NewServiceWithClient creates a Service backed by a pre-built client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, dashboardURL string, limiter *guard.Limiter) *Service {
	return newService(client, dashboardURL, limiter)
}

func newService(client *Client, dashboardURL string, limiter *guard.Limiter) *Service {
	if limiter == nil {
		limiter = guard.NewNotificationLimiter()
	}
	return &Service{
		client:       client,
		limiter:      limiter,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "notify"),
		threads:      make(map[string]string),
	}
}

// NotifyIncidentStarted announces a new incident and caches the message
// timestamp so the terminal notice can thread onto it. Fail-open.
func (s *Service) NotifyIncidentStarted(ctx context.Context, incident models.Incident) {
	if s == nil {
		return
	}
	if err := s.limiter.Allow(guard.ChannelChat); err != nil {
		s.logger.Warn("Start announcement rate limited", "incident_id", incident.ID)
		return
	}

	blocks := BuildStartedMessage(incident, s.dashboardURL)
	ts, err := s.client.PostMessage(ctx, blocks, "", 5*time.Second)
	if err != nil {
		s.logger.Error("Start announcement failed", "incident_id", incident.ID, "error", err)
		return
	}

	s.mu.Lock()
	s.threads[incident.ID] = ts
	s.mu.Unlock()
}

// NotifyIncidentTerminated announces the terminal outcome as a threaded
// reply to the start notice. Fail-open.
func (s *Service) NotifyIncidentTerminated(ctx context.Context, state *eventstore.IncidentState) {
	if s == nil || state == nil {
		return
	}
	incidentID := state.Incident.ID

	if err := s.limiter.Allow(guard.ChannelChat); err != nil {
		s.logger.Warn("Terminal announcement rate limited",
			"incident_id", incidentID, "status", state.Status)
		return
	}

	threadTS := s.lookupThread(ctx, incidentID)
	blocks := BuildTerminalMessage(state, s.dashboardURL)
	if _, err := s.client.PostMessage(ctx, blocks, threadTS, 10*time.Second); err != nil {
		s.logger.Error("Terminal announcement failed",
			"incident_id", incidentID, "status", state.Status, "error", err)
		return
	}

	s.mu.Lock()
	delete(s.threads, incidentID)
	s.mu.Unlock()
}

// OnTerminal adapts the service to the coordinator's terminal hook.
func (s *Service) OnTerminal(ctx context.Context, state *eventstore.IncidentState) {
	s.NotifyIncidentTerminated(ctx, state)
}

// lookupThread returns the cached start-notice timestamp, falling back to a
// history search by fingerprint when the cache was lost to a restart.
func (s *Service) lookupThread(ctx context.Context, incidentID string) string {
	s.mu.Lock()
	ts, ok := s.threads[incidentID]
	s.mu.Unlock()
	if ok {
		return ts
	}

	ts, err := s.client.FindMessageByFingerprint(ctx, Fingerprint(incidentID))
	if err != nil {
		s.logger.Warn("Thread lookup failed", "incident_id", incidentID, "error", err)
		return ""
	}
	return ts
}
