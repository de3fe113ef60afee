// internal/gateway/events.go
package gateway

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The gateway binds to loopback; browser pages and local tools connect
	// from arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one item on the /api/events feed.
type Event struct {
	Type    string `json:"type"` // "roster" | "chat" | "notice"
	Payload any    `json:"payload"`
}

// hub fans events out to connected websocket clients. Slow clients drop
// events rather than stalling the publishers.
type hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newHub() *hub {
	return &hub{subs: map[chan Event]struct{}{}}
}

func (h *hub) publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (h *hub) subscribe() chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// serveEvents upgrades to a websocket and streams hub events until the
// client disconnects.
func (g *Gateway) serveEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("GATEWAY: ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := g.hub.subscribe()
	defer g.hub.unsubscribe(ch)

	// Reader goroutine: we ignore client messages but need the read loop
	// to notice the close frame.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(Event{Type: "connected", Payload: map[string]string{"status": "ok"}}); err != nil {
		return
	}

	for {
		select {
		case <-done:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}
