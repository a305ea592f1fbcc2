package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/aegisops/swarm/pkg/models"
)

// DefaultQueueCapacity bounds each session's outbound queue.
const DefaultQueueCapacity = 256

// ClosedError is returned by Next once a closed session's queue has drained.
type ClosedError struct {
	Reason CloseReason
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("session closed: %s", e.Reason)
}

// Session is one connected stream subscriber. The bus offers messages into
// its bounded queue; the connection's writer drains it with Next. All queue
// access is serialized by the session mutex, so delivery per session is
// single-threaded and per-incident append order is preserved.
type Session struct {
	ID     string
	Tag    DashboardTag
	Filter Filter

	mu       sync.Mutex
	queue    []Message
	capacity int
	closed   bool
	reason   CloseReason
	dropped  int

	// Handshake state. While buffering, live offers park in pending; the
	// manager enqueues snapshot-era replay directly, then releases. delivered
	// tracks the highest version enqueued per incident so the replay/live
	// overlap collapses to exactly-once, in-order delivery.
	buffering bool
	pending   []Message
	delivered map[string]int64

	wake chan struct{}
}

// NewSession builds a session. capacity <= 0 selects the default.
func NewSession(id string, tag DashboardTag, filter Filter, capacity int) *Session {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Session{
		ID:        id,
		Tag:       tag,
		Filter:    filter,
		capacity:  capacity,
		delivered: make(map[string]int64),
		wake:      make(chan struct{}, 1),
	}
}

// Offer enqueues a message, applying the tag scope, the subscription filter,
// and the overflow policy: coalesce consecutive progress messages for the
// same agent and incident, then drop the oldest non-critical message, and if
// a critical message still cannot be accepted, close the session as a slow
// consumer. Offer never blocks.
func (s *Session) Offer(msg Message) {
	if !s.allowed(msg) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.buffering {
		s.pending = append(s.pending, msg)
		return
	}
	s.enqueueLocked(msg)
}

// replay enqueues a historical message during the handshake, bypassing the
// pending buffer so replayed events precede anything the bus offered since
// attachment.
func (s *Session) replay(msg Message) {
	if !s.allowed(msg) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.enqueueLocked(msg)
}

// holdLive parks live bus traffic in the pending buffer. The manager holds a
// fresh session before attaching it, so no event slips between the snapshot
// read and live attachment.
func (s *Session) holdLive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffering = true
}

// releaseLive flushes the pending buffer through the normal enqueue path and
// resumes direct delivery. Messages the replay already covered are dropped by
// the per-incident version watermark.
func (s *Session) releaseLive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffering = false
	pending := s.pending
	s.pending = nil
	for _, msg := range pending {
		if s.closed {
			return
		}
		s.enqueueLocked(msg)
	}
}

func (s *Session) allowed(msg Message) bool {
	if !s.Tag.Live() && msg.Type != TypeSnapshot && msg.Type != TypeHeartbeat {
		return false
	}
	return s.Filter.allows(msg)
}

func (s *Session) enqueueLocked(msg Message) {
	if msg.IncidentID != "" && msg.Version > 0 {
		if msg.Version <= s.delivered[msg.IncidentID] {
			return
		}
		s.delivered[msg.IncidentID] = msg.Version
	}

	if len(s.queue) >= s.capacity {
		s.coalesceProgress()
	}
	if len(s.queue) >= s.capacity {
		s.dropOldestNonCritical()
	}
	if len(s.queue) >= s.capacity {
		if msg.Critical() {
			s.closeLocked(ReasonSlowConsumer)
			return
		}
		s.dropped++
		return
	}

	s.queue = append(s.queue, msg)
	s.signal()
}

// coalesceProgress collapses consecutive runs of agent progress messages for
// the same agent and incident, keeping the latest of each run. Order of the
// surviving messages is unchanged.
func (s *Session) coalesceProgress() {
	out := s.queue[:0]
	for _, msg := range s.queue {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if isProgress(*last) && isProgress(msg) &&
				last.IncidentID == msg.IncidentID && last.agentKind == msg.agentKind {
				*last = msg
				s.dropped++
				continue
			}
		}
		out = append(out, msg)
	}
	s.queue = out
}

func isProgress(m Message) bool {
	return m.eventKind == models.EventAgentProgress
}

// dropOldestNonCritical removes the oldest droppable message, if any.
func (s *Session) dropOldestNonCritical() {
	for i, msg := range s.queue {
		if !msg.Critical() {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.dropped++
			return
		}
	}
}

// Next blocks until a message is available, the session closes, or ctx is
// done. After Close, queued messages are still drained in order before the
// ClosedError is reported.
func (s *Session) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		if s.closed {
			reason := s.reason
			s.mu.Unlock()
			return Message{}, &ClosedError{Reason: reason}
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.wake:
		}
	}
}

// Close marks the session closed with the given reason. Idempotent; the
// first reason wins.
func (s *Session) Close(reason CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(reason)
}

func (s *Session) closeLocked(reason CloseReason) {
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	s.signal()
}

// Closed returns the close reason, if the session is closed.
func (s *Session) Closed() (CloseReason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.closed
}

// Depth returns the current queue length.
func (s *Session) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Dropped returns how many messages the overflow policy discarded.
func (s *Session) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
