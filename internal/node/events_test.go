package node

import (
	"testing"
)

func TestHubDelivers(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(4)
	b := h.Subscribe(4)

	h.Publish(Event{Type: EventChatMessage, Message: "hi"})

	for _, s := range []*Subscription{a, b} {
		ev := <-s.C
		if ev.Type != EventChatMessage || ev.Message != "hi" {
			t.Errorf("event = %+v", ev)
		}
		if ev.Time.IsZero() {
			t.Error("Publish did not stamp the event time")
		}
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub()
	slow := h.Subscribe(1)
	fast := h.Subscribe(8)

	for range 3 {
		h.Publish(Event{Type: EventVoiceChunk})
	}

	if n := len(slow.C); n != 1 {
		t.Errorf("slow subscriber holds %d events, want 1", n)
	}
	if n := len(fast.C); n != 3 {
		t.Errorf("fast subscriber holds %d events, want 3", n)
	}
}

func TestSubscriptionClose(t *testing.T) {
	h := NewHub()
	s := h.Subscribe(1)
	s.Close()
	s.Close()

	if _, ok := <-s.C; ok {
		t.Error("channel open after Close")
	}
	if h.Len() != 0 {
		t.Errorf("Len = %d after Close", h.Len())
	}
	h.Publish(Event{Type: EventCallTerminated})
}

func TestHubClose(t *testing.T) {
	h := NewHub()
	s := h.Subscribe(1)
	h.Close()

	if _, ok := <-s.C; ok {
		t.Error("subscription open after hub Close")
	}
	s.Close()

	late := h.Subscribe(1)
	if _, ok := <-late.C; ok {
		t.Error("subscription on a closed hub should start closed")
	}
}
