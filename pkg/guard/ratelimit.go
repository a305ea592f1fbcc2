package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aegisops/swarm/pkg/models"
)

// Notification channel names with built-in rate limits.
const (
	ChannelChat  = "chat"
	ChannelPager = "pager"
	ChannelEmail = "email"
)

// Limiter enforces per-channel rate limits. Channels must be registered
// before use; hitting an unregistered channel is a validation error rather
// than an unlimited pass.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewLimiter creates an empty limiter registry.
func NewLimiter() *Limiter {
	return &Limiter{limiters: make(map[string]*rate.Limiter)}
}

// NewNotificationLimiter returns a limiter with the standard notification
// channel limits: chat 1/s, pager 2/min, email 10/s.
func NewNotificationLimiter() *Limiter {
	l := NewLimiter()
	l.Register(ChannelChat, rate.Every(time.Second), 1)
	l.Register(ChannelPager, rate.Every(30*time.Second), 2)
	l.Register(ChannelEmail, rate.Every(100*time.Millisecond), 10)
	return l
}

// Register adds or replaces a channel's limit.
func (l *Limiter) Register(channel string, limit rate.Limit, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters[channel] = rate.NewLimiter(limit, burst)
}

func (l *Limiter) get(channel string) (*rate.Limiter, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lim, ok := l.limiters[channel]
	if !ok {
		return nil, models.E(models.KindValidation, fmt.Sprintf("unknown rate limit channel %q", channel))
	}
	return lim, nil
}

// Allow consumes one token if available; otherwise it fails immediately with
// a RateLimited-kind error.
func (l *Limiter) Allow(channel string) error {
	lim, err := l.get(channel)
	if err != nil {
		return err
	}
	if !lim.Allow() {
		return models.E(models.KindRateLimited, fmt.Sprintf("%s channel rate limit exceeded", channel))
	}
	return nil
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context, channel string) error {
	lim, err := l.get(channel)
	if err != nil {
		return err
	}
	if err := lim.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return models.Ef(models.KindCancelled, err, "%s rate limit wait cancelled", channel)
		}
		return models.Ef(models.KindRateLimited, err, "%s channel rate limit", channel)
	}
	return nil
}
