package websocket

import (
	"encoding/json"
	"testing"
	"time"
)

func newTestSubscriber(h *Hub, id string) *subscriber {
	return &subscriber{hub: h, send: make(chan []byte, 8), id: id}
}

func recvEvent(t *testing.T, sub *subscriber) Event {
	t.Helper()
	select {
	case msg, ok := <-sub.send:
		if !ok {
			t.Fatal("send channel closed while waiting for an event")
		}
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event within 2s")
	}
	return Event{}
}

func waitClosed(t *testing.T, sub *subscriber, what string) {
	t.Helper()
	select {
	case _, ok := <-sub.send:
		if ok {
			t.Fatalf("%s: got an event, want a closed channel", what)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: channel not closed within 2s", what)
	}
}

func TestReconnectReplacesSubscriber(t *testing.T) {
	h := NewHub()
	go h.Run()

	old := newTestSubscriber(h, "op-7")
	h.register <- old

	replacement := newTestSubscriber(h, "op-7")
	h.register <- replacement
	waitClosed(t, old, "replaced connection")

	h.Publish("sync_started", map[string]interface{}{"repository": "acme/api"})
	ev := recvEvent(t, replacement)
	if ev.Event != "sync_started" {
		t.Errorf("event = %q, want sync_started", ev.Event)
	}
	if ev.Payload["repository"] != "acme/api" {
		t.Errorf("payload = %v", ev.Payload)
	}

	// The replaced connection's pumps fire a late unregister on their way
	// out. It must not take the live replacement down with it.
	h.unregister <- old

	h.Publish("sync_finished", nil)
	if ev := recvEvent(t, replacement); ev.Event != "sync_finished" {
		t.Errorf("event after stale unregister = %q, want sync_finished", ev.Event)
	}
	if n := h.ClientCount(); n != 1 {
		t.Errorf("client count = %d, want 1", n)
	}
}

func TestUnregisterClosesAndRemoves(t *testing.T) {
	h := NewHub()
	go h.Run()

	sub := newTestSubscriber(h, "op-9")
	h.register <- sub

	h.unregister <- sub
	waitClosed(t, sub, "unregistered connection")

	if n := h.ClientCount(); n != 0 {
		t.Errorf("client count = %d, want 0", n)
	}
}
