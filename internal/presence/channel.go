// Package presence bridges a generic room broadcast primitive to membership
// and media-state events. Membership is soft state: announces are heartbeats
// with a TTL, so a lost first announce or a transport outage heals on the
// next beat rather than needing an explicit reconnect protocol.
package presence

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wevov/liaotian/internal/proto"
)

// Transport is the underlying broadcast primitive for one room: every
// published message reaches every current member, best-effort, unordered.
type Transport interface {
	Publish(ctx context.Context, data []byte) error
	// Next blocks for the next message from any member (including self at
	// the transport's discretion) and returns an error once the transport
	// is closed.
	Next(ctx context.Context) ([]byte, error)
	Leave() error
}

// Identity is the local tuple announced into the room.
type Identity struct {
	PeerID  string
	UserID  string
	Profile proto.Profile
}

// Member describes a discovered remote member.
type Member struct {
	PeerID  string
	UserID  string
	Profile proto.Profile
	Media   proto.MediaState
}

// Handlers receive channel events. Any handler may be nil.
type Handlers struct {
	// MemberDiscovered fires exactly once per distinct peer id, however
	// many announces arrive for it.
	MemberDiscovered func(Member)
	// MemberUpdated fires on later announces for a known member (profile
	// or media-state changes carried on the heartbeat).
	MemberUpdated func(Member)
	MemberLeft    func(peerID string)
	// MediaState fires for state broadcasts of known members; state for an
	// undiscovered peer is dropped.
	MediaState func(peerID string, ms proto.MediaState)
	Chat       func(msg proto.RoomMsg)
}

// Channel is the signaling channel adapter for one room.
type Channel struct {
	tr       Transport
	self     Identity
	handlers Handlers

	heartbeat time.Duration
	ttl       time.Duration

	mu        sync.Mutex
	lastSeen  map[string]time.Time
	selfMedia proto.MediaState
	joined    bool
	closed    bool

	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChannel wraps tr for the given local identity. heartbeat must be
// shorter than ttl; zero values select 5s/20s.
func NewChannel(tr Transport, self Identity, handlers Handlers, heartbeat, ttl time.Duration) *Channel {
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	return &Channel{
		tr:        tr,
		self:      self,
		handlers:  handlers,
		heartbeat: heartbeat,
		ttl:       ttl,
		lastSeen:  map[string]time.Time{},
		done:      make(chan struct{}),
	}
}

// Join announces the local presence and starts the receive/heartbeat/prune
// loops. ctx bounds only the initial announce: the loops run on their own
// lifetime until Leave, so a caller handing in a short-lived request context
// does not silence the channel the moment its call returns. The initial
// announce may race topic subscription on some transports; the heartbeat
// re-announce makes that loss harmless.
func (c *Channel) Join(ctx context.Context, initial proto.MediaState) error {
	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.joined || c.closed {
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.joined = true
	c.selfMedia = initial
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.announce(ctx); err != nil {
		log.Printf("PRESENCE: initial announce failed (will retry on heartbeat): %v", err)
	}

	c.wg.Add(2)
	go c.readLoop(runCtx)
	go c.maintainLoop(runCtx)
	return nil
}

// BroadcastState publishes the local media flags. Fire-and-forget: no ack,
// no ordering across members, last-writer-wins per peer.
func (c *Channel) BroadcastState(ctx context.Context, ms proto.MediaState) {
	c.mu.Lock()
	c.selfMedia = ms
	c.mu.Unlock()

	c.publish(ctx, proto.RoomMsg{
		Kind:   proto.KindState,
		PeerID: c.self.PeerID,
		Media:  &ms,
		TS:     proto.NowMillis(),
	})
}

// SendChat broadcasts a room chat message and returns its id.
func (c *Channel) SendChat(ctx context.Context, body string) string {
	id := uuid.NewString()
	c.publish(ctx, proto.RoomMsg{
		Kind:    proto.KindChat,
		PeerID:  c.self.PeerID,
		UserID:  c.self.UserID,
		Profile: &c.self.Profile,
		MsgID:   id,
		Body:    body,
		TS:      proto.NowMillis(),
	})
	return id
}

// Members returns the peer ids currently considered present.
func (c *Channel) Members() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.lastSeen))
	for id := range c.lastSeen {
		out = append(out, id)
	}
	c.mu.Unlock()
	return out
}

// Leave publishes an explicit departure and tears the channel down. It
// returns only after the loops have stopped and the transport is released.
func (c *Channel) Leave() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	c.publish(ctx, proto.RoomMsg{
		Kind:   proto.KindLeave,
		PeerID: c.self.PeerID,
		TS:     proto.NowMillis(),
	})
	cancel()

	close(c.done)
	c.mu.Lock()
	stop := c.cancel
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	_ = c.tr.Leave()
	c.wg.Wait()
}

func (c *Channel) announce(ctx context.Context) error {
	c.mu.Lock()
	ms := c.selfMedia
	c.mu.Unlock()
	return c.publishErr(ctx, proto.RoomMsg{
		Kind:    proto.KindAnnounce,
		PeerID:  c.self.PeerID,
		UserID:  c.self.UserID,
		Profile: &c.self.Profile,
		Media:   &ms,
		TS:      proto.NowMillis(),
	})
}

func (c *Channel) publish(ctx context.Context, msg proto.RoomMsg) {
	if err := c.publishErr(ctx, msg); err != nil {
		log.Printf("PRESENCE: publish %s failed: %v", msg.Kind, err)
	}
}

func (c *Channel) publishErr(ctx context.Context, msg proto.RoomMsg) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.tr.Publish(ctx, b)
}

func (c *Channel) readLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		data, err := c.tr.Next(ctx)
		if err != nil {
			return
		}
		var msg proto.RoomMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.PeerID == "" || msg.PeerID == c.self.PeerID {
			continue
		}
		c.handleMsg(msg)
	}
}

func (c *Channel) handleMsg(msg proto.RoomMsg) {
	switch msg.Kind {
	case proto.KindAnnounce:
		m := Member{PeerID: msg.PeerID, UserID: msg.UserID}
		if msg.Profile != nil {
			m.Profile = *msg.Profile
		}
		if msg.Media != nil {
			m.Media = *msg.Media
		}

		c.mu.Lock()
		_, known := c.lastSeen[msg.PeerID]
		c.lastSeen[msg.PeerID] = time.Now()
		c.mu.Unlock()

		if !known {
			if c.handlers.MemberDiscovered != nil {
				c.handlers.MemberDiscovered(m)
			}
		} else if c.handlers.MemberUpdated != nil {
			c.handlers.MemberUpdated(m)
		}

	case proto.KindLeave:
		c.forget(msg.PeerID)

	case proto.KindState:
		if msg.Media == nil {
			return
		}
		c.mu.Lock()
		_, known := c.lastSeen[msg.PeerID]
		c.mu.Unlock()
		if known && c.handlers.MediaState != nil {
			c.handlers.MediaState(msg.PeerID, *msg.Media)
		}

	case proto.KindChat:
		c.mu.Lock()
		_, known := c.lastSeen[msg.PeerID]
		c.mu.Unlock()
		if known && c.handlers.Chat != nil {
			c.handlers.Chat(msg)
		}
	}
}

func (c *Channel) forget(peerID string) {
	c.mu.Lock()
	_, known := c.lastSeen[peerID]
	delete(c.lastSeen, peerID)
	c.mu.Unlock()
	if known && c.handlers.MemberLeft != nil {
		c.handlers.MemberLeft(peerID)
	}
}

// maintainLoop re-announces on the heartbeat and expires members whose
// announces stopped arriving.
func (c *Channel) maintainLoop(ctx context.Context) {
	defer c.wg.Done()
	t := time.NewTicker(c.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.announce(ctx); err != nil {
				log.Printf("PRESENCE: heartbeat announce failed: %v", err)
			}
			c.expire()
		}
	}
}

func (c *Channel) expire() {
	cutoff := time.Now().Add(-c.ttl)
	var gone []string
	c.mu.Lock()
	for id, seen := range c.lastSeen {
		if seen.Before(cutoff) {
			delete(c.lastSeen, id)
			gone = append(gone, id)
		}
	}
	c.mu.Unlock()
	for _, id := range gone {
		if c.handlers.MemberLeft != nil {
			c.handlers.MemberLeft(id)
		}
	}
}
