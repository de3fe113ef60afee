// Package chat handles text messaging: direct messages over the DM stream
// protocol and room chat arriving via the room topic. History lives in a
// ring buffer for the UI feed and, when a database is attached, in SQLite.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/wevov/liaotian/internal/proto"
	"github.com/wevov/liaotian/internal/storage"
	"github.com/wevov/liaotian/internal/util"
)

// DefaultBufferSize is the default number of messages kept in memory.
const DefaultBufferSize = 200

// Sender delivers a raw DM payload to a peer.
type Sender interface {
	SendDM(ctx context.Context, peerID string, data []byte) error
}

// Manager owns chat history and DM delivery for the local user.
type Manager struct {
	selfPeer    string
	selfUser    string
	selfProfile proto.Profile
	send        Sender
	db          *storage.DB // nil disables persistence

	mu        sync.RWMutex
	history   *util.RingBuffer[Message]
	listeners map[chan Message]struct{}
}

// NewManager creates a chat manager. db may be nil.
func NewManager(selfPeer, selfUser string, profile proto.Profile, send Sender, db *storage.DB, bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Manager{
		selfPeer:    selfPeer,
		selfUser:    selfUser,
		selfProfile: profile,
		send:        send,
		db:          db,
		history:     util.NewRingBuffer[Message](bufferSize),
		listeners:   make(map[chan Message]struct{}),
	}
}

// SendDirect sends body to a user at their current peer address and records
// the message under the conversation scope.
func (m *Manager) SendDirect(ctx context.Context, peerID, toUserID, body string) (Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Message{}, fmt.Errorf("empty message")
	}
	w := newDMWire(m.selfUser, m.selfProfile, body)
	data, err := json.Marshal(w)
	if err != nil {
		return Message{}, err
	}
	if err := m.send.SendDM(ctx, peerID, data); err != nil {
		return Message{}, fmt.Errorf("send dm: %w", err)
	}

	msg := Message{
		ID:       w.ID,
		Scope:    DMScope(toUserID),
		FromUser: m.selfUser,
		FromPeer: m.selfPeer,
		Profile:  m.selfProfile,
		Body:     body,
		Local:    true,
		TS:       w.TS,
	}
	m.record(msg)
	return msg, nil
}

// HandleDM ingests one inbound DM payload. Wire this into the node's DM
// stream handler.
func (m *Manager) HandleDM(fromPeer string, data []byte) {
	var w dmWire
	if err := json.Unmarshal(data, &w); err != nil {
		log.Printf("CHAT: bad dm from %s: %v", fromPeer, err)
		return
	}
	if w.UserID == "" || w.Body == "" {
		return
	}
	m.record(Message{
		ID:       w.ID,
		Scope:    DMScope(w.UserID),
		FromUser: w.UserID,
		FromPeer: fromPeer,
		Profile:  w.Profile,
		Body:     w.Body,
		TS:       w.TS,
	})
}

// AddRoomMessage ingests a room chat line that arrived on the room topic.
func (m *Manager) AddRoomMessage(roomID string, rm proto.RoomMsg) {
	if rm.Body == "" || rm.MsgID == "" {
		return
	}
	msg := Message{
		ID:       rm.MsgID,
		Scope:    RoomScope(roomID),
		FromUser: rm.UserID,
		FromPeer: rm.PeerID,
		Body:     rm.Body,
		Local:    rm.PeerID == m.selfPeer,
		TS:       rm.TS,
	}
	if rm.Profile != nil {
		msg.Profile = *rm.Profile
	}
	m.record(msg)
}

// RecordLocalRoomMessage records our own room chat line (published
// separately on the topic, which may or may not loop it back).
func (m *Manager) RecordLocalRoomMessage(roomID, msgID, body string, ts int64) {
	m.record(Message{
		ID:       msgID,
		Scope:    RoomScope(roomID),
		FromUser: m.selfUser,
		FromPeer: m.selfPeer,
		Profile:  m.selfProfile,
		Body:     body,
		Local:    true,
		TS:       ts,
	})
}

func (m *Manager) record(msg Message) {
	m.mu.Lock()
	// Ring buffers don't dedupe; a topic echo of our own message would
	// double up, so drop ids we already hold.
	for _, have := range m.history.Snapshot() {
		if have.ID == msg.ID {
			m.mu.Unlock()
			return
		}
	}
	m.history.Push(msg)
	listeners := make([]chan Message, 0, len(m.listeners))
	for ch := range m.listeners {
		listeners = append(listeners, ch)
	}
	m.mu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- msg:
		default:
		}
	}

	if m.db != nil {
		err := m.db.SaveMessage(storage.Message{
			ID: msg.ID, Scope: msg.Scope, Sender: msg.FromUser,
			Body: msg.Body, TS: msg.TS,
		})
		if err != nil {
			log.Printf("CHAT: persist %s: %v", msg.ID, err)
		}
	}
}

// History returns the most recent in-memory messages for a scope, oldest
// first.
func (m *Manager) History(scope string, n int) []Message {
	if n <= 0 {
		n = DefaultBufferSize
	}
	m.mu.RLock()
	all := m.history.Snapshot()
	m.mu.RUnlock()

	out := make([]Message, 0, n)
	for _, msg := range all {
		if msg.Scope == scope {
			out = append(out, msg)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Subscribe returns a channel fed with every new message. Slow consumers
// miss messages rather than block ingest.
func (m *Manager) Subscribe() chan Message {
	ch := make(chan Message, 32)
	m.mu.Lock()
	m.listeners[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan Message) {
	m.mu.Lock()
	delete(m.listeners, ch)
	m.mu.Unlock()
	close(ch)
}
