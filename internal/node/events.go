package node

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names an outward event.
type EventType string

const (
	EventChatMessage        EventType = "chat_message"
	EventIncomingCall       EventType = "incoming_call"
	EventVoiceChunk         EventType = "voice_chunk"
	EventCallTerminated     EventType = "call_terminated"
	EventConnectionUpgraded EventType = "connection_upgraded"
)

// Event is what the node reports to the surrounding application. Fields
// not relevant to Type are left empty.
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`
	Peer string    `json:"peer,omitempty"`

	// chat_message
	Username string    `json:"username,omitempty"`
	Message  string    `json:"message,omitempty"`
	SentAt   time.Time `json:"sent_at,omitzero"`

	// call events
	CallID string `json:"call_id,omitempty"`
	Reason string `json:"reason,omitempty"`
	Chunk  []byte `json:"chunk,omitempty"`
}

// DefaultSubscriberBuffer is the channel size Subscribe uses for 0.
const DefaultSubscriberBuffer = 256

// Subscription receives events until Close.
type Subscription struct {
	ID string
	C  <-chan Event

	hub *Hub
	ch  chan Event
}

// Close stops delivery and closes C.
func (s *Subscription) Close() {
	s.hub.remove(s.ID)
}

// Hub fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]*Subscription)}
}

// Subscribe registers a subscriber with the given buffer size. On a
// closed hub the returned subscription's channel is already closed.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)
	s := &Subscription{ID: uuid.NewString(), C: ch, hub: h, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	h.subs[s.ID] = s
	return s
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(s.ch)
	}
}

// Publish delivers ev to every subscriber that has room for it.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			slog.Debug("events: subscriber full, event dropped", "subscriber", id, "type", ev.Type)
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscription. Later subscriptions start closed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}
