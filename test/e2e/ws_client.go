package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/agentbridge/bridge/pkg/eventlog"
)

// WSClient subscribes to the event stream endpoint and collects every frame
// in a background goroutine.
type WSClient struct {
	conn   *websocket.Conn
	events []eventlog.Event
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// WSConnect dials the stream endpoint with a bearer token. query holds the
// filter parameters, e.g. "stream=system&type=system.degraded".
func WSConnect(ctx context.Context, wsURL, token, query string) (*WSClient, error) {
	url := wsURL
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
	})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
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

func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var ev eventlog.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		c.mu.Lock()
		c.events = append(c.events, ev)
		c.mu.Unlock()
	}
}

// Events returns a copy of everything received so far.
func (c *WSClient) Events() []eventlog.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]eventlog.Event, len(c.events))
	copy(out, c.events)
	return out
}

// WaitForEvent waits until an event matching the predicate arrives, or the
// timeout expires.
func (c *WSClient) WaitForEvent(predicate func(eventlog.Event) bool, timeout time.Duration) (*eventlog.Event, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event (collected %d events)", len(c.Events()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.events {
				if predicate(c.events[i]) {
					ev := c.events[i]
					c.mu.Unlock()
					return &ev, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForType waits for the first event of the given type.
func (c *WSClient) WaitForType(typ eventlog.Type, timeout time.Duration) (*eventlog.Event, error) {
	return c.WaitForEvent(func(e eventlog.Event) bool { return e.Type == typ }, timeout)
}

// Close tears down the connection and waits for the reader to exit.
func (c *WSClient) Close() {
	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "test complete")
	<-c.doneCh
}
