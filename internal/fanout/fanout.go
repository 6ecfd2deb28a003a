// Package fanout is the realtime publish/subscribe multiplexer. Events are
// addressed to named channels: the global online-provider pool, one channel
// per user id, and one per trip. Delivery is at-most-once to the connections
// subscribed at publish time; a disconnected party reconciles by re-querying
// state over the request/response surface.
package fanout

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/example/ride-negotiation/internal/observability"
)

// Channel name helpers. Keep these the single source of naming truth so the
// gateway and the services never disagree on a channel.
const PoolChannel = "providers:online"

func UserChannel(userID string) string { return "user:" + userID }
func TripChannel(tripID string) string { return "trip:" + tripID }

// Event is the wire envelope for everything pushed to clients.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Publisher is the capability handed to the lifecycle manager, the haggling
// protocol and the trip tracker. Publishing is fire-and-forget: it must never
// fail or stall the caller.
type Publisher interface {
	Publish(channel, event string, payload any)
}

// Subscriber is one live connection. Deliver must not block; it reports
// false when the frame was dropped.
type Subscriber interface {
	Deliver(frame []byte) bool
}

// Hub maps channel names to live subscribers.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[Subscriber]struct{}
	log      *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{channels: make(map[string]map[Subscriber]struct{}), log: log}
}

// Subscribe is idempotent.
func (h *Hub) Subscribe(channel string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[Subscriber]struct{})
		h.channels[channel] = subs
	}
	subs[s] = struct{}{}
}

// Unsubscribe is idempotent.
func (h *Hub) Unsubscribe(channel string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.channels[channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
}

// Drop removes a connection from every channel; called on teardown.
func (h *Hub) Drop(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, subs := range h.channels {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.channels, name)
		}
	}
}

// Subscribers reports the current subscriber count of a channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

func (h *Hub) Publish(channel, event string, payload any) {
	frame, err := json.Marshal(Event{Type: event, Data: payload})
	if err != nil {
		h.log.Error("fanout encode failed", "channel", channel, "event", event, "error", err)
		return
	}
	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.channels[channel]))
	for s := range h.channels[channel] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if s.Deliver(frame) {
			observability.FanoutPublished.Inc()
		} else {
			observability.FanoutDropped.Inc()
			h.log.Warn("fanout frame dropped", "channel", channel, "event", event)
		}
	}
}

// Recorder is a Publisher that captures events for tests.
type Recorder struct {
	mu     sync.Mutex
	Events []RecordedEvent
}

type RecordedEvent struct {
	Channel string
	Event   string
	Payload any
}

func (r *Recorder) Publish(channel, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, RecordedEvent{Channel: channel, Event: event, Payload: payload})
}

// ByEvent returns the recorded events with the given type.
func (r *Recorder) ByEvent(event string) []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RecordedEvent
	for _, e := range r.Events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
