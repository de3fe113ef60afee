package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wevov/liaotian/internal/proto"
	"github.com/wevov/liaotian/internal/util"
)

// Manager owns one call session per remote member and applies the
// deterministic initiation rule: of any two peers, the one with the
// lexicographically greater id dials. Both sides computing the same answer
// means no glare and no double mesh edges.
type Manager struct {
	selfID        string
	links         LinkFactory
	sig           Signaler
	ev            Events
	answerTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session // keyed by remote peer id
	audio    webrtc.TrackLocal
	video    webrtc.TrackLocal
	meta     proto.CallMetadata
	closed   bool
}

// NewManager creates a manager for the local peer id. Tracks and metadata
// start empty; set them before members are discovered.
func NewManager(selfID string, links LinkFactory, sig Signaler, ev Events) *Manager {
	return &Manager{
		selfID:        selfID,
		links:         links,
		sig:           sig,
		ev:            ev,
		answerTimeout: util.DefaultSignalTimeout,
		sessions:      make(map[string]*Session),
	}
}

// SetMetadata sets the identity attached to outbound offers.
func (m *Manager) SetMetadata(meta proto.CallMetadata) {
	m.mu.Lock()
	m.meta = meta
	m.mu.Unlock()
}

func (m *Manager) metadata() *proto.CallMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := m.meta
	return &meta
}

// SetLocalTracks installs the outbound tracks applied to sessions created
// from now on. Existing sessions are updated in place.
func (m *Manager) SetLocalTracks(audio, video webrtc.TrackLocal) {
	m.mu.Lock()
	m.audio, m.video = audio, video
	sessions := m.snapshot()
	m.mu.Unlock()
	for _, s := range sessions {
		if err := s.link.ReplaceAudio(audio); err != nil {
			log.Printf("CALL [%s]: replace audio: %v", s.peerID, err)
		}
		if err := s.link.ReplaceVideo(video); err != nil {
			log.Printf("CALL [%s]: replace video: %v", s.peerID, err)
		}
	}
}

// ReplaceAudio swaps the outbound audio track on every session. nil mutes.
func (m *Manager) ReplaceAudio(t webrtc.TrackLocal) {
	m.mu.Lock()
	m.audio = t
	sessions := m.snapshot()
	m.mu.Unlock()
	for _, s := range sessions {
		if err := s.link.ReplaceAudio(t); err != nil {
			log.Printf("CALL [%s]: replace audio: %v", s.peerID, err)
		}
	}
}

// ReplaceVideo swaps the outbound video track on every session. nil stops
// video; a screen track replaces the camera the same way.
func (m *Manager) ReplaceVideo(t webrtc.TrackLocal) {
	m.mu.Lock()
	m.video = t
	sessions := m.snapshot()
	m.mu.Unlock()
	for _, s := range sessions {
		if err := s.link.ReplaceVideo(t); err != nil {
			log.Printf("CALL [%s]: replace video: %v", s.peerID, err)
		}
	}
}

func (m *Manager) localTracks() (audio, video webrtc.TrackLocal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio, m.video
}

// snapshot must be called with m.mu held. Reserved-but-undialed slots are
// skipped.
func (m *Manager) snapshot() []*Session {
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// MemberDiscovered applies the dial rule for a newly discovered member.
// Idempotent per peer: a duplicate discovery while a session exists is a
// no-op, so an over-eager membership sync never double-dials.
func (m *Manager) MemberDiscovered(ctx context.Context, peerID string) error {
	if peerID == m.selfID {
		return fmt.Errorf("%w: %s", ErrIdentityCollision, peerID)
	}
	if m.selfID < peerID {
		// The remote side dials; our offer will arrive as a signal.
		return nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if _, exists := m.sessions[peerID]; exists {
		m.mu.Unlock()
		return nil
	}
	// Reserve the slot before releasing the lock so a concurrent duplicate
	// discovery cannot dial twice.
	m.sessions[peerID] = nil
	m.mu.Unlock()

	s, err := m.newSession(uuid.NewString(), peerID)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, peerID)
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	m.sessions[peerID] = s
	m.mu.Unlock()

	if err := s.dial(ctx); err != nil {
		s.close(fmt.Errorf("dial: %w", err), false)
		return err
	}
	return nil
}

// MemberLeft tears down the session to a departed member, if any.
func (m *Manager) MemberLeft(peerID string) {
	m.mu.Lock()
	s := m.sessions[peerID]
	m.mu.Unlock()
	if s != nil {
		s.close(nil, false)
	}
}

// HandleSignal routes one inbound envelope. Envelopes that fail validation
// are rejected before any state changes.
func (m *Manager) HandleSignal(ctx context.Context, from string, env *proto.SignalEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if env.From != from {
		return fmt.Errorf("%w: envelope from %q arrived on stream from %q", proto.ErrSignalMalformed, env.From, from)
	}

	switch env.Kind {
	case proto.SignalOffer:
		return m.handleOffer(ctx, env)
	case proto.SignalAnswer:
		if s := m.sessionFor(from, env.CallID); s != nil {
			s.onAnswer(env.SDP)
		}
	case proto.SignalICE:
		if s := m.sessionFor(from, env.CallID); s != nil {
			s.onCandidate(*env.Candidate)
		}
	case proto.SignalHangup:
		if s := m.sessionFor(from, env.CallID); s != nil {
			s.close(nil, false)
		}
	}
	return nil
}

// handleOffer auto-answers a valid inbound offer with whatever local media
// is currently available. An offer under a new call id from a peer we
// already track means the remote end restarted: the stale session goes
// first.
func (m *Manager) handleOffer(ctx context.Context, env *proto.SignalEnvelope) error {
	peerID := env.From

	m.mu.Lock()
	closed := m.closed
	old := m.sessions[peerID]
	m.mu.Unlock()
	if closed {
		return nil
	}
	if old != nil {
		if old.callID == env.CallID {
			return nil // duplicate offer for the live call
		}
		log.Printf("CALL [%s]: new offer %s supersedes call %s", peerID, env.CallID, old.callID)
		old.close(nil, false)
	}

	if m.ev.IncomingMeta != nil && env.Meta != nil {
		m.ev.IncomingMeta(peerID, *env.Meta)
	}

	s, err := m.newSession(env.CallID, peerID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sessions[peerID] = s
	m.mu.Unlock()

	if err := s.answer(ctx, env.SDP); err != nil {
		s.close(fmt.Errorf("answer: %w", err), false)
		return err
	}
	return nil
}

func (m *Manager) sessionFor(peerID, callID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[peerID]
	if s == nil || s.callID != callID {
		return nil
	}
	return s
}

func (m *Manager) dropSession(s *Session) {
	m.mu.Lock()
	if cur := m.sessions[s.peerID]; cur == s {
		delete(m.sessions, s.peerID)
	}
	m.mu.Unlock()
}

// Peers returns the remote ids with a live session.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s != nil {
			out = append(out, id)
		}
	}
	return out
}

// Close hangs up every session. The manager accepts no new work afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := m.snapshot()
	m.mu.Unlock()
	for _, s := range sessions {
		s.Hangup()
	}
}
