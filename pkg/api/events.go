package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one entry on the hub's observability feed: an enrollment, a
// convergence cycle, or a gate transition.
type Event struct {
	Type    string    `json:"type"` // enrolled, reflected, gate_open, gate_closed
	PlaneID string    `json:"planeId,omitempty"`
	NodeID  string    `json:"nodeId,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Time    time.Time `json:"time"`
}

const (
	// subscriberBuffer bounds how far a subscriber may fall behind before
	// it is dropped.
	subscriberBuffer = 32
	eventWriteWait   = 5 * time.Second
)

// EventHub fans events out to websocket subscribers (operator UIs, wave
// dashboards). Each connection gets its own writer goroutine fed by a
// bounded channel, so Broadcast never blocks on a subscriber and no two
// goroutines ever write the same connection. Slow or broken subscribers
// are dropped.
type EventHub struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	subs     map[*websocket.Conn]chan Event
}

func NewEventHub() *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: map[*websocket.Conn]chan Event{},
	}
}

func (h *EventHub) Handle(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("events: ws upgrade failed: %v", err)
		return
	}
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[c] = ch
	h.mu.Unlock()

	go h.writeLoop(c, ch)

	// Reader loop only notices disconnects; the feed is one-way.
	go func() {
		defer h.drop(c)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// writeLoop is the single writer for one connection.
func (h *EventHub) writeLoop(c *websocket.Conn, ch chan Event) {
	for ev := range ch {
		_ = c.SetWriteDeadline(time.Now().Add(eventWriteWait))
		if err := c.WriteJSON(ev); err != nil {
			h.drop(c)
			return
		}
	}
}

// drop unsubscribes a connection. Safe to call more than once.
func (h *EventHub) drop(c *websocket.Conn) {
	h.mu.Lock()
	ch, ok := h.subs[c]
	if ok {
		delete(h.subs, c)
		close(ch)
	}
	h.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

// Broadcast queues ev for every subscriber. A subscriber whose buffer is
// full is dropped rather than blocking the caller; registration and
// convergence must never wait on an event consumer.
func (h *EventHub) Broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	var stalled []*websocket.Conn
	h.mu.Lock()
	for c, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.Unlock()
	for _, c := range stalled {
		log.Printf("events: dropping stalled subscriber %s", c.RemoteAddr())
		h.drop(c)
	}
}
