package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/aegisops/swarm/pkg/stream"
)

// WSEvent is one received stream message, kept raw and parsed for assertions.
type WSEvent struct {
	Type       string
	IncidentID string
	Version    int64
	Raw        json.RawMessage
	Payload    map[string]interface{}
	Received   time.Time
}

// EventKind returns the incident event kind carried in the payload, if any.
func (e WSEvent) EventKind() string {
	kind, _ := e.Payload["kind"].(string)
	return kind
}

// WSClient connects to the dashboard stream endpoint and collects messages.
type WSClient struct {
	conn   *websocket.Conn
	events []WSEvent
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// WSConnect dials the stream endpoint, sends the hello, and starts collecting
// messages in a background goroutine.
func WSConnect(ctx context.Context, wsURL string, hello stream.Hello) (*WSClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	data, err := json.Marshal(hello)
	if err != nil {
		_ = conn.CloseNow()
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// WaitFor waits until a message matching the predicate is received, or timeout.
func (c *WSClient) WaitFor(predicate func(WSEvent) bool, timeout time.Duration) (*WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for message (collected %d)", len(c.Events()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.events {
				if predicate(c.events[i]) {
					evt := c.events[i]
					c.mu.Unlock()
					return &evt, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForType waits for a message with the given stream type.
func (c *WSClient) WaitForType(msgType stream.MessageType, timeout time.Duration) (*WSEvent, error) {
	return c.WaitFor(func(e WSEvent) bool {
		return e.Type == string(msgType)
	}, timeout)
}

// WaitForEventKind waits for an incident event of the given kind.
func (c *WSClient) WaitForEventKind(incidentID, kind string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitFor(func(e WSEvent) bool {
		return e.IncidentID == incidentID && e.EventKind() == kind
	}, timeout)
}

// Events returns a snapshot of all collected messages.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]WSEvent, len(c.events))
	copy(result, c.events)
	return result
}

// IncidentEvents returns the collected messages for one incident, in arrival
// order.
func (c *WSClient) IncidentEvents(incidentID string) []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []WSEvent
	for _, e := range c.events {
		if e.IncidentID == incidentID {
			result = append(result, e)
		}
	}
	return result
}

// Close closes the connection and waits for the read loop to exit.
func (c *WSClient) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

// readLoop reads messages and appends them to the events slice.
func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return // Connection closed or context cancelled.
		}

		var msg struct {
			Type       string          `json:"type"`
			Payload    json.RawMessage `json:"payload"`
			IncidentID string          `json:"incident_id"`
			Version    int64           `json:"version"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // Skip malformed messages.
		}

		evt := WSEvent{
			Type:       msg.Type,
			IncidentID: msg.IncidentID,
			Version:    msg.Version,
			Raw:        json.RawMessage(data),
			Received:   time.Now(),
		}
		if len(msg.Payload) > 0 {
			_ = json.Unmarshal(msg.Payload, &evt.Payload)
		}

		c.mu.Lock()
		c.events = append(c.events, evt)
		c.mu.Unlock()
	}
}
