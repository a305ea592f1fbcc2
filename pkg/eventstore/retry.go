package eventstore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aegisops/swarm/pkg/models"
)

// RetryPolicy bounds the optimistic-concurrency retry loop.
type RetryPolicy struct {
	BaseInterval time.Duration // first backoff interval
	MaxInterval  time.Duration // backoff cap
	MaxRetries   uint64
}

// DefaultRetryPolicy backs off exponentially from 50ms, capped at 8x the
// base, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseInterval: 50 * time.Millisecond,
		MaxInterval:  400 * time.Millisecond,
		MaxRetries:   8,
	}
}

// AppendLatest appends ev at the current head, retrying on version conflicts
// with exponential backoff. Every attempt re-reads the head so concurrent
// writers interleave rather than fail. Non-conflict errors are returned
// unchanged.
func AppendLatest(ctx context.Context, s Store, incidentID string, ev models.IncidentEvent, policy RetryPolicy) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, models.Ef(models.KindCancelled, err, "append cancelled")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.BaseInterval
	bo.MaxInterval = policy.MaxInterval
	bo.MaxElapsedTime = 0 // bounded by MaxRetries, not wall clock

	var version int64
	op := func() error {
		head, err := s.HeadVersion(ctx, incidentID)
		if err != nil {
			return backoff.Permanent(err)
		}
		version, err = s.Append(ctx, incidentID, head, ev)
		if err == nil {
			return nil
		}
		if models.IsKind(err, models.KindVersionConflict) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, policy.MaxRetries), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return 0, models.Ef(models.KindCancelled, ctx.Err(), "append cancelled")
		}
		return 0, err
	}
	return version, nil
}
