// Package hub fans committed events out to live subscribers. One Hub
// instance serves a process; the event log's commit hook is its only
// producer.
//
// Delivery is strictly ordered and never blocks the producer: every
// subscription has a bounded buffer, and a subscription whose buffer is full
// is parked rather than waited on. A parked subscription stops receiving,
// its channel is closed after the buffered remainder drains, and the
// consumer is expected to catch up by replaying the log from its own cursor
// before subscribing again.
package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/agentbridge/bridge/pkg/eventlog"
)

// DefaultBuffer is the subscription buffer used when the caller passes 0.
const DefaultBuffer = 256

// Subscription is one consumer's ordered event feed.
type Subscription struct {
	id     string
	filter eventlog.Filter
	ch     chan eventlog.Event

	parked    atomic.Bool
	closeOnce sync.Once
	hub       *Hub
}

// Events returns the delivery channel. It is closed when the subscription is
// parked for lagging or closed explicitly; after it drains, check Lagged to
// tell the two apart.
func (s *Subscription) Events() <-chan eventlog.Event {
	return s.ch
}

// Lagged reports whether the hub parked this subscription because its buffer
// overflowed. A lagged consumer must replay the log from its last processed
// id and subscribe afresh.
func (s *Subscription) Lagged() bool {
	return s.parked.Load()
}

// ID returns the subscription id, for logging.
func (s *Subscription) ID() string {
	return s.id
}

// Close removes the subscription from the hub and closes its channel.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub is the subscription registry and fan-out point.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[string]*Subscription)}
}

// Subscribe registers a consumer for events matching the filter. buffer is
// the number of undelivered events tolerated before the subscription is
// parked; 0 applies DefaultBuffer.
func (h *Hub) Subscribe(filter eventlog.Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		id:     uuid.New().String(),
		filter: filter,
		ch:     make(chan eventlog.Event, buffer),
		hub:    h,
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()

	activeSubscriptions.Inc()
	return sub
}

// Publish delivers committed events to every matching subscription. It is
// called from the log writer's commit hook and must stay non-blocking: a
// full subscriber buffer parks that subscriber instead of stalling the
// writer or the other subscribers.
//
// Per-subscription order matches id order because events arrive here in
// commit order and sends are in-order channel sends.
func (h *Hub) Publish(events []eventlog.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.parked.Load() {
			continue
		}
		for _, ev := range events {
			if !sub.filter.Match(ev) {
				continue
			}
			select {
			case sub.ch <- ev:
				deliveredTotal.Inc()
			default:
				h.park(sub, ev.ID)
			}
			if sub.parked.Load() {
				break
			}
		}
	}
}

// park marks a subscription lagged and closes its channel so the consumer
// observes the park after draining what was already buffered. Runs with
// h.mu held (read side); the single-producer discipline makes the close
// safe — nothing else sends on sub.ch.
func (h *Hub) park(sub *Subscription, at eventlog.ID) {
	sub.parked.Store(true)
	sub.closeOnce.Do(func() { close(sub.ch) })
	parkedTotal.Inc()
	slog.Warn("Parked lagging subscriber",
		"subscription_id", sub.id, "at", at, "buffer", cap(sub.ch))
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, present := h.subs[sub.id]
	delete(h.subs, sub.id)
	// Closing under the write lock excludes Publish, so no send can race
	// the close.
	sub.closeOnce.Do(func() { close(sub.ch) })
	h.mu.Unlock()

	if present {
		activeSubscriptions.Dec()
	}
}

// Active returns the number of registered subscriptions, parked ones
// included until they unsubscribe.
func (h *Hub) Active() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close parks every subscription so consumers drain and exit. Used at
// shutdown after the log writer has stopped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		sub.closeOnce.Do(func() { close(sub.ch) })
		delete(h.subs, id)
		activeSubscriptions.Dec()
	}
}
