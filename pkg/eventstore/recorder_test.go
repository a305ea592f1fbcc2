package eventstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/swarm/pkg/models"
)

// capturePublisher records published events in arrival order.
type capturePublisher struct {
	mu     sync.Mutex
	events []models.IncidentEvent
}

func (p *capturePublisher) PublishEvent(ev models.IncidentEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePublisher) published() []models.IncidentEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.IncidentEvent, len(p.events))
	copy(out, p.events)
	return out
}

func TestRecordPublishesCommittedEvent(t *testing.T) {
	pub := &capturePublisher{}
	rec := NewRecorder(NewMemoryStore(newStepClock()), newStepClock(), pub)
	rec.Retry = fastRetryPolicy()
	ctx := context.Background()

	_, err := rec.RecordAt(ctx, "inc-1", 0, models.EventIncidentStarted, models.IncidentStartedPayload{
		BasePayload: models.Base(), Kind: "pod_crash_loop", Severity: 3,
		Description: "payments pods restarting", Actor: "alertmanager",
	})
	require.NoError(t, err)

	ev, err := rec.Record(ctx, "inc-1", models.EventAgentAssigned, models.AgentAssignedPayload{
		BasePayload: models.Base(), AgentKind: models.AgentDetection,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.Version)

	events := pub.published()
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Version)
	assert.Equal(t, int64(2), events[1].Version)
}

func TestRecordFailureDoesNotPublish(t *testing.T) {
	pub := &capturePublisher{}
	rec := NewRecorder(NewMemoryStore(newStepClock()), newStepClock(), pub)

	_, err := rec.RecordAt(context.Background(), "inc-1", 3, models.EventIncidentStarted, models.IncidentStartedPayload{
		BasePayload: models.Base(), Kind: "pod_crash_loop", Severity: 3,
		Description: "payments pods restarting", Actor: "alertmanager",
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindVersionConflict))
	assert.Empty(t, pub.published())
}

func TestRecordConcurrentPublishOrderMatchesVersions(t *testing.T) {
	pub := &capturePublisher{}
	rec := NewRecorder(NewMemoryStore(newStepClock()), newStepClock(), pub)
	rec.Retry = fastRetryPolicy()
	ctx := context.Background()

	_, err := rec.RecordAt(ctx, "inc-1", 0, models.EventIncidentStarted, models.IncidentStartedPayload{
		BasePayload: models.Base(), Kind: "pod_crash_loop", Severity: 3,
		Description: "payments pods restarting", Actor: "alertmanager",
	})
	require.NoError(t, err)

	// Many goroutines record on the same incident. Each published event must
	// arrive at the publisher in version order; a later version observed
	// before an earlier one would let a dashboard render time backwards.
	const writers = 8
	const perWriter = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := rec.Record(ctx, "inc-1", models.EventAgentProgress, models.AgentProgressPayload{
					BasePayload: models.Base(),
					AgentKind:   models.AgentDetection,
					Milestone:   fmt.Sprintf("writer %d step %d", w, i),
				})
				if err != nil {
					t.Errorf("record: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	events := pub.published()
	require.Len(t, events, 1+writers*perWriter)
	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.Version,
			"published position %d carries version %d", i, ev.Version)
	}
}

func TestRecordDifferentIncidentsDoNotSerialize(t *testing.T) {
	pub := &capturePublisher{}
	rec := NewRecorder(NewMemoryStore(newStepClock()), newStepClock(), pub)
	rec.Retry = fastRetryPolicy()
	ctx := context.Background()

	const incidents = 10
	var wg sync.WaitGroup
	for i := 0; i < incidents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("inc-%d", i)
			if _, err := rec.RecordAt(ctx, id, 0, models.EventIncidentStarted, models.IncidentStartedPayload{
				BasePayload: models.Base(), Kind: "pod_crash_loop", Severity: 3,
				Description: "payments pods restarting", Actor: "alertmanager",
			}); err != nil {
				t.Errorf("record %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	byIncident := make(map[string]int)
	for _, ev := range pub.published() {
		byIncident[ev.IncidentID]++
	}
	assert.Len(t, byIncident, incidents)
}
