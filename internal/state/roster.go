package state

import (
	"sort"
	"sync"
	"time"

	"github.com/wevov/liaotian/internal/proto"
)

// MediaStream is an opaque handle to a participant's live media. The roster
// never inspects it; it is attached by the call layer and read by consumers.
type MediaStream interface {
	ID() string
}

// Participant is one party in a room call, local or remote. PeerID is the
// signaling-layer address, UserID the durable account identity.
type Participant struct {
	PeerID  string        `json:"peerId"`
	UserID  string        `json:"userId"`
	Profile proto.Profile `json:"profile"`

	// Stream is nil while the connection is pending. An entry without a
	// stream must eventually resolve to a stream attach or removal.
	Stream MediaStream `json:"-"`

	Muted         bool `json:"muted"`
	VideoOff      bool `json:"videoOff"`
	ScreenSharing bool `json:"screenSharing"`
	Speaking      bool `json:"speaking"`
	Local         bool `json:"local"`

	JoinedAt time.Time `json:"joinedAt"`
}

// HasStream reports whether media is attached, for UI snapshots.
func (p Participant) HasStream() bool { return p.Stream != nil }

// RosterEvent is delivered to subscribers after each mutation.
type RosterEvent struct {
	Type        string       `json:"type"` // "update" | "remove"
	PeerID      string       `json:"peerId"`
	Participant *Participant `json:"participant,omitempty"`
}

// Roster is the single in-memory source of truth for the participants of the
// active room. All mutation goes through its methods; reads after a mutation
// always observe that mutation.
type Roster struct {
	mu        sync.Mutex
	entries   map[string]Participant
	listeners []chan RosterEvent
}

func NewRoster() *Roster {
	return &Roster{
		entries:   map[string]Participant{},
		listeners: make([]chan RosterEvent, 0),
	}
}

// Upsert creates or merges the participant for peerID. fn receives the
// current entry (zero-valued with PeerID and JoinedAt set when new) and
// mutates it in place. This is the explicit-discovery path: it is the only
// way a removed participant comes back.
func (r *Roster) Upsert(peerID string, fn func(*Participant)) {
	r.mu.Lock()
	p, ok := r.entries[peerID]
	if !ok {
		p = Participant{PeerID: peerID, JoinedAt: time.Now()}
	}
	if fn != nil {
		fn(&p)
	}
	p.PeerID = peerID
	r.entries[peerID] = p
	r.notify(RosterEvent{Type: "update", PeerID: peerID, Participant: &p})
	r.mu.Unlock()
}

// Update merges fields into an existing participant. A no-op when the entry
// is absent, so a stream attach racing a removal never resurrects the peer.
func (r *Roster) Update(peerID string, fn func(*Participant)) {
	r.mu.Lock()
	p, ok := r.entries[peerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	fn(&p)
	p.PeerID = peerID
	r.entries[peerID] = p
	r.notify(RosterEvent{Type: "update", PeerID: peerID, Participant: &p})
	r.mu.Unlock()
}

// ApplyMediaState updates only the mute/camera/screen flags from a state
// broadcast. It never touches the stream, and drops state for unknown peers
// (a broadcast may outrun discovery).
func (r *Roster) ApplyMediaState(peerID string, ms proto.MediaState) {
	r.Update(peerID, func(p *Participant) {
		p.Muted = ms.Muted
		p.VideoOff = ms.VideoOff
		p.ScreenSharing = ms.ScreenSharing
	})
}

// SetSpeaking flips the speaking flag; listeners are only notified on a
// transition so per-frame sampling does not flood subscribers.
func (r *Roster) SetSpeaking(peerID string, speaking bool) {
	r.mu.Lock()
	p, ok := r.entries[peerID]
	if !ok || p.Speaking == speaking {
		r.mu.Unlock()
		return
	}
	p.Speaking = speaking
	r.entries[peerID] = p
	r.notify(RosterEvent{Type: "update", PeerID: peerID, Participant: &p})
	r.mu.Unlock()
}

// Remove deletes the participant. Idempotent: removing twice has the same
// observable effect as once (no second event).
func (r *Roster) Remove(peerID string) {
	r.mu.Lock()
	if _, ok := r.entries[peerID]; ok {
		delete(r.entries, peerID)
		r.notify(RosterEvent{Type: "remove", PeerID: peerID})
	}
	r.mu.Unlock()
}

// Get returns a copy of the participant, if present.
func (r *Roster) Get(peerID string) (Participant, bool) {
	r.mu.Lock()
	p, ok := r.entries[peerID]
	r.mu.Unlock()
	return p, ok
}

// Count returns the number of participants.
func (r *Roster) Count() int {
	r.mu.Lock()
	n := len(r.entries)
	r.mu.Unlock()
	return n
}

// Snapshot returns an immutable copy of all participants, ordered by join
// time (ties broken by peer id) so UI tiles keep a stable order.
func (r *Roster) Snapshot() []Participant {
	r.mu.Lock()
	out := make([]Participant, 0, len(r.entries))
	for _, p := range r.entries {
		out = append(out, p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// Clear drops every entry without emitting per-peer events. Used on room
// teardown, after which subscribers receive a fresh snapshot elsewhere.
func (r *Roster) Clear() {
	r.mu.Lock()
	r.entries = map[string]Participant{}
	r.mu.Unlock()
}

// Subscribe returns a channel receiving roster events. Delivery is
// non-blocking; a slow consumer loses events, not the roster.
func (r *Roster) Subscribe() chan RosterEvent {
	r.mu.Lock()
	ch := make(chan RosterEvent, 32)
	r.listeners = append(r.listeners, ch)
	r.mu.Unlock()
	return ch
}

func (r *Roster) Unsubscribe(ch chan RosterEvent) {
	r.mu.Lock()
	for i, listener := range r.listeners {
		if listener == ch {
			close(listener)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

// notify must be called with r.mu held.
func (r *Roster) notify(evt RosterEvent) {
	for _, ch := range r.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
