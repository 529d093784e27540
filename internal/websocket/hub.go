package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Event is the wire format pushed to subscribers
type Event struct {
	Event     string                 `json:"event"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Hub fans sync lifecycle events out to connected operator clients
type Hub struct {
	subscribers map[string]*subscriber
	register    chan *subscriber
	unregister  chan *subscriber
	broadcast   chan []byte
	mu          sync.RWMutex
}

// NewHub creates a new Hub instance
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]*subscriber),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		broadcast:   make(chan []byte, 64),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			// A reconnect with the same id replaces the old connection.
			// The old entry leaves the map before its channel closes, a
			// mapped subscriber always has an open send channel.
			if old, ok := h.subscribers[sub.id]; ok {
				delete(h.subscribers, sub.id)
				close(old.send)
			}
			h.subscribers[sub.id] = sub
			h.mu.Unlock()
			log.Printf("🔌 Event subscriber connected: %s", sub.id)

		case sub := <-h.unregister:
			h.mu.Lock()
			// Only the mapped subscriber may remove itself. A replaced
			// connection's late unregister must not evict its successor.
			if cur, ok := h.subscribers[sub.id]; ok && cur == sub {
				delete(h.subscribers, sub.id)
				close(sub.send)
				log.Printf("🔌 Event subscriber disconnected: %s", sub.id)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for id, sub := range h.subscribers {
				select {
				case sub.send <- message:
				default:
					// Slow consumer, drop the event rather than block the hub
					log.Printf("⚠️ Dropping event for slow subscriber %s", id)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish queues a typed event for every connected subscriber. It never
// blocks: when the broadcast buffer is full the event is dropped, the
// database remains the source of truth for operation state.
func (h *Hub) Publish(event string, payload map[string]interface{}) {
	msg, err := json.Marshal(Event{
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("Error marshaling event %s: %v", event, err)
		return
	}

	select {
	case h.broadcast <- msg:
	default:
	}
}

// ClientCount reports the number of connected subscribers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
