// internal/gateway/gateway.go
// Package gateway exposes the node over a local HTTP API: room lifecycle,
// media toggles, chat, directory lookups, and a websocket event feed.
// It is the surface a desktop shell or browser UI drives.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/wevov/liaotian/internal/call"
	"github.com/wevov/liaotian/internal/chat"
	"github.com/wevov/liaotian/internal/config"
	"github.com/wevov/liaotian/internal/media"
	"github.com/wevov/liaotian/internal/proto"
	"github.com/wevov/liaotian/internal/room"
	"github.com/wevov/liaotian/internal/state"
	"github.com/wevov/liaotian/internal/storage"
)

// Deps are the process-wide collaborators the gateway exposes. DB and Addrs
// are optional.
type Deps struct {
	Node   room.Network
	Addrs  func() []string
	Engine *media.Engine
	Chat   *chat.Manager
	DB     *storage.DB
	Cfg    config.Config

	// Overrides forwarded into rooms. Tests use these to avoid real
	// devices and real WebRTC.
	LinkFactory   call.LinkFactory
	Capture       func(e *media.Engine, c media.Constraints) *media.LocalStream
	CaptureScreen func(e *media.Engine) (*media.LocalStream, error)
}

// Gateway serves the HTTP API. At most one room is joined at a time;
// joining a new room leaves the current one first.
type Gateway struct {
	deps Deps
	hub  *hub

	mu       sync.Mutex
	room     *room.Room
	rosterCh chan state.RosterEvent

	chatCh chan chat.Message
	done   chan struct{}
}

func New(deps Deps) *Gateway {
	g := &Gateway{
		deps: deps,
		hub:  newHub(),
		done: make(chan struct{}),
	}
	if deps.Chat != nil {
		g.chatCh = deps.Chat.Subscribe()
		go g.bridgeChat()
	}
	return g
}

// Close stops the event bridges. Any joined room is left first.
func (g *Gateway) Close() {
	g.LeaveRoom()
	close(g.done)
	if g.chatCh != nil {
		g.deps.Chat.Unsubscribe(g.chatCh)
	}
}

func (g *Gateway) bridgeChat() {
	for {
		select {
		case <-g.done:
			return
		case msg, ok := <-g.chatCh:
			if !ok {
				return
			}
			g.hub.publish(Event{Type: "chat", Payload: msg})
		}
	}
}

func (g *Gateway) bridgeRoster(ch chan state.RosterEvent) {
	for evt := range ch {
		g.hub.publish(Event{Type: "roster", Payload: evt})
	}
}

// JoinRoom leaves any current room and joins roomID.
func (g *Gateway) JoinRoom(ctx context.Context, roomID string) (*room.Room, error) {
	g.LeaveRoom()

	rm, err := room.New(roomID, room.Deps{
		Node:          g.deps.Node,
		Engine:        g.deps.Engine,
		Chat:          g.deps.Chat,
		DB:            g.deps.DB,
		Cfg:           g.deps.Cfg,
		LinkFactory:   g.deps.LinkFactory,
		Capture:       g.deps.Capture,
		CaptureScreen: g.deps.CaptureScreen,
		OnNotice: func(n room.Notice) {
			g.hub.publish(Event{Type: "notice", Payload: n})
		},
	})
	if err != nil {
		return nil, err
	}
	if err := rm.Join(ctx); err != nil {
		return nil, err
	}

	ch := rm.Roster().Subscribe()
	go g.bridgeRoster(ch)

	g.mu.Lock()
	g.room = rm
	g.rosterCh = ch
	g.mu.Unlock()
	return rm, nil
}

// LeaveRoom leaves the current room, if any. Safe to call when idle.
func (g *Gateway) LeaveRoom() {
	g.mu.Lock()
	rm, ch := g.room, g.rosterCh
	g.room, g.rosterCh = nil, nil
	g.mu.Unlock()
	if rm == nil {
		return
	}
	rm.Roster().Unsubscribe(ch)
	rm.Leave()
}

func (g *Gateway) currentRoom() *room.Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.room
}

type roomStateVM struct {
	RoomID  string              `json:"roomId"`
	Media   proto.MediaState    `json:"media"`
	Roster  []state.Participant `json:"roster"`
	Notices []room.Notice       `json:"notices"`
}

func (g *Gateway) stateVM(rm *room.Room) roomStateVM {
	return roomStateVM{
		RoomID:  rm.ID(),
		Media:   rm.MediaState(),
		Roster:  rm.Roster().Snapshot(),
		Notices: rm.Notices(),
	}
}

// Register wires all API routes onto mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	// GET /api/self — node identity and profile.
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		addrs := []string{}
		if g.deps.Addrs != nil {
			addrs = g.deps.Addrs()
		}
		writeJSON(w, map[string]any{
			"peer_id": g.deps.Node.ID(),
			"user_id": g.deps.Cfg.Identity.UserID,
			"profile": g.deps.Cfg.Profile,
			"addrs":   addrs,
		})
	})

	// POST /api/room/join
	handlePost(mux, "/api/room/join", func(w http.ResponseWriter, r *http.Request, req struct {
		RoomID string `json:"room_id"`
	}) {
		if strings.TrimSpace(req.RoomID) == "" {
			http.Error(w, "missing room_id", http.StatusBadRequest)
			return
		}
		rm, err := g.JoinRoom(r.Context(), req.RoomID)
		if err != nil {
			http.Error(w, fmt.Sprintf("join failed: %v", err), http.StatusInternalServerError)
			return
		}
		log.Printf("GATEWAY: joined room %s", rm.ID())
		writeJSON(w, g.stateVM(rm))
	})

	// POST /api/room/leave
	handlePost(mux, "/api/room/leave", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		g.LeaveRoom()
		writeJSON(w, map[string]string{"status": "left"})
	})

	// GET /api/room/state — full snapshot for UI (re)hydration.
	handleGet(mux, "/api/room/state", func(w http.ResponseWriter, r *http.Request) {
		rm := g.currentRoom()
		if rm == nil {
			writeJSON(w, map[string]any{"roomId": ""})
			return
		}
		writeJSON(w, g.stateVM(rm))
	})

	// POST /api/room/toggle-mute
	handlePost(mux, "/api/room/toggle-mute", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		rm := g.currentRoom()
		if rm == nil {
			http.Error(w, "not in a room", http.StatusConflict)
			return
		}
		writeJSON(w, map[string]bool{"muted": rm.ToggleMute()})
	})

	// POST /api/room/toggle-camera
	handlePost(mux, "/api/room/toggle-camera", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		rm := g.currentRoom()
		if rm == nil {
			http.Error(w, "not in a room", http.StatusConflict)
			return
		}
		writeJSON(w, map[string]bool{"video_off": rm.ToggleCamera()})
	})

	// POST /api/room/screenshare/start
	handlePost(mux, "/api/room/screenshare/start", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		rm := g.currentRoom()
		if rm == nil {
			http.Error(w, "not in a room", http.StatusConflict)
			return
		}
		if err := rm.StartScreenShare(); err != nil {
			http.Error(w, fmt.Sprintf("screen share failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "sharing"})
	})

	// POST /api/room/screenshare/stop
	handlePost(mux, "/api/room/screenshare/stop", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		rm := g.currentRoom()
		if rm == nil {
			http.Error(w, "not in a room", http.StatusConflict)
			return
		}
		rm.StopScreenShare()
		writeJSON(w, map[string]string{"status": "stopped"})
	})

	// POST /api/chat/send — message to the current room.
	handlePost(mux, "/api/chat/send", func(w http.ResponseWriter, r *http.Request, req struct {
		Body string `json:"body"`
	}) {
		rm := g.currentRoom()
		if rm == nil {
			http.Error(w, "not in a room", http.StatusConflict)
			return
		}
		if strings.TrimSpace(req.Body) == "" {
			http.Error(w, "empty body", http.StatusBadRequest)
			return
		}
		if err := rm.SendChat(r.Context(), req.Body); err != nil {
			http.Error(w, fmt.Sprintf("send failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "sent"})
	})

	// POST /api/chat/dm — direct message to a peer.
	handlePost(mux, "/api/chat/dm", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID string `json:"peer_id"`
		UserID string `json:"user_id"`
		Body   string `json:"body"`
	}) {
		if g.deps.Chat == nil {
			http.Error(w, "chat not available", http.StatusServiceUnavailable)
			return
		}
		if req.PeerID == "" || req.UserID == "" {
			http.Error(w, "missing peer_id or user_id", http.StatusBadRequest)
			return
		}
		msg, err := g.deps.Chat.SendDirect(r.Context(), req.PeerID, req.UserID, req.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("send failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, msg)
	})

	// GET /api/chat/history?scope=room:xyz&limit=50
	handleGet(mux, "/api/chat/history", func(w http.ResponseWriter, r *http.Request) {
		if g.deps.Chat == nil {
			writeJSON(w, []chat.Message{})
			return
		}
		scope := r.URL.Query().Get("scope")
		if scope == "" {
			if rm := g.currentRoom(); rm != nil {
				scope = chat.RoomScope(rm.ID())
			}
		}
		limit := atoiOr(r.URL.Query().Get("limit"), 50)
		msgs := g.deps.Chat.History(scope, limit)
		if msgs == nil {
			msgs = []chat.Message{}
		}
		writeJSON(w, msgs)
	})

	// GET /api/contacts — people met across rooms.
	handleGet(mux, "/api/contacts", func(w http.ResponseWriter, r *http.Request) {
		if g.deps.DB == nil {
			writeJSON(w, []storage.Contact{})
			return
		}
		contacts, err := g.deps.DB.ListContacts()
		if err != nil {
			http.Error(w, fmt.Sprintf("list failed: %v", err), http.StatusInternalServerError)
			return
		}
		if contacts == nil {
			contacts = []storage.Contact{}
		}
		writeJSON(w, contacts)
	})

	// GET /api/rooms/recent
	handleGet(mux, "/api/rooms/recent", func(w http.ResponseWriter, r *http.Request) {
		if g.deps.DB == nil {
			writeJSON(w, []storage.Room{})
			return
		}
		rooms, err := g.deps.DB.RecentRooms(atoiOr(r.URL.Query().Get("limit"), 20))
		if err != nil {
			http.Error(w, fmt.Sprintf("list failed: %v", err), http.StatusInternalServerError)
			return
		}
		if rooms == nil {
			rooms = []storage.Room{}
		}
		writeJSON(w, rooms)
	})

	// GET /api/events — websocket feed: roster, chat, notices.
	handleGet(mux, "/api/events", g.serveEvents)
}
