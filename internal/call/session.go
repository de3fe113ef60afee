package call

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wevov/liaotian/internal/proto"
	"github.com/wevov/liaotian/internal/util"
)

// Session is one half of a two-party call: the local peer connection to a
// single remote member, plus the signaling glue around it.
type Session struct {
	callID string
	peerID string
	mgr    *Manager
	link   Link

	mu         sync.Mutex
	haveRemote bool // remote description applied
	queued     []proto.ICECandidateInit
	connected  bool
	closed     bool

	answerTimer *time.Timer
}

func (m *Manager) newSession(callID, peerID string) (*Session, error) {
	s := &Session{callID: callID, peerID: peerID, mgr: m}
	link, err := m.links(LinkEvents{
		Candidate: s.sendCandidate,
		Track: func(streamID string, kind webrtc.RTPCodecType, track *webrtc.TrackRemote) {
			if m.ev.RemoteTrack != nil {
				m.ev.RemoteTrack(RemoteTrack{PeerID: peerID, StreamID: streamID, Kind: kind, Track: track})
			}
		},
		Connected: s.onConnected,
		Failed:    func(err error) { s.close(err, false) },
	})
	if err != nil {
		return nil, err
	}
	s.link = link
	return s, nil
}

// dial sends the offer and arms the unreachable timer. Caller side only.
func (s *Session) dial(ctx context.Context) error {
	if err := s.applyLocalTracks(); err != nil {
		log.Printf("CALL [%s]: attach local tracks: %v", s.peerID, err)
	}
	sdp, err := s.link.Offer(ctx)
	if err != nil {
		return err
	}
	env := &proto.SignalEnvelope{
		Version: proto.SignalVersion,
		Kind:    proto.SignalOffer,
		CallID:  s.callID,
		From:    s.mgr.selfID,
		Meta:    s.mgr.metadata(),
		SDP:     sdp,
	}
	// Armed before the send: on a fast path the answer can arrive while
	// SendSignal is still returning.
	s.mu.Lock()
	s.answerTimer = time.AfterFunc(s.mgr.answerTimeout, func() {
		s.close(ErrPeerUnreachable, false)
	})
	s.mu.Unlock()
	if err := s.mgr.sig.SendSignal(ctx, s.peerID, env); err != nil {
		return err
	}
	log.Printf("CALL [%s]: offer sent, call %s", s.peerID, s.callID)
	return nil
}

// answer applies the remote offer and sends back the answer. Callee side.
func (s *Session) answer(ctx context.Context, offerSDP string) error {
	if err := s.applyLocalTracks(); err != nil {
		log.Printf("CALL [%s]: attach local tracks: %v", s.peerID, err)
	}
	sdp, err := s.link.Answer(ctx, offerSDP)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.haveRemote = true
	queued := s.queued
	s.queued = nil
	s.mu.Unlock()
	for _, c := range queued {
		if err := s.link.AddCandidate(c); err != nil {
			log.Printf("CALL [%s]: queued candidate: %v", s.peerID, err)
		}
	}
	env := &proto.SignalEnvelope{
		Version: proto.SignalVersion,
		Kind:    proto.SignalAnswer,
		CallID:  s.callID,
		From:    s.mgr.selfID,
		SDP:     sdp,
	}
	if err := s.mgr.sig.SendSignal(ctx, s.peerID, env); err != nil {
		return err
	}
	log.Printf("CALL [%s]: answered call %s", s.peerID, s.callID)
	return nil
}

// applyLocalTracks installs the manager's current outbound tracks. A nil
// track leaves that line silent; the session is still valid.
func (s *Session) applyLocalTracks() error {
	audio, video := s.mgr.localTracks()
	if audio != nil {
		if err := s.link.ReplaceAudio(audio); err != nil {
			return err
		}
	}
	if video != nil {
		if err := s.link.ReplaceVideo(video); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) onAnswer(sdp string) {
	s.mu.Lock()
	if s.answerTimer != nil {
		s.answerTimer.Stop()
		s.answerTimer = nil
	}
	s.mu.Unlock()

	if err := s.link.AcceptAnswer(sdp); err != nil {
		log.Printf("CALL [%s]: bad answer: %v", s.peerID, err)
		s.close(err, true)
		return
	}
	s.mu.Lock()
	s.haveRemote = true
	queued := s.queued
	s.queued = nil
	s.mu.Unlock()
	for _, c := range queued {
		if err := s.link.AddCandidate(c); err != nil {
			log.Printf("CALL [%s]: queued candidate: %v", s.peerID, err)
		}
	}
}

// onCandidate applies a trickled remote candidate, queueing it when it
// arrives before the remote description.
func (s *Session) onCandidate(c proto.ICECandidateInit) {
	s.mu.Lock()
	if !s.haveRemote {
		s.queued = append(s.queued, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := s.link.AddCandidate(c); err != nil {
		log.Printf("CALL [%s]: candidate: %v", s.peerID, err)
	}
}

func (s *Session) sendCandidate(c proto.ICECandidateInit) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultSignalTimeout)
	defer cancel()
	env := &proto.SignalEnvelope{
		Version:   proto.SignalVersion,
		Kind:      proto.SignalICE,
		CallID:    s.callID,
		From:      s.mgr.selfID,
		Candidate: &c,
	}
	if err := s.mgr.sig.SendSignal(ctx, s.peerID, env); err != nil {
		log.Printf("CALL [%s]: send candidate: %v", s.peerID, err)
	}
}

func (s *Session) onConnected() {
	s.mu.Lock()
	if s.connected || s.closed {
		s.mu.Unlock()
		return
	}
	s.connected = true
	if s.answerTimer != nil {
		s.answerTimer.Stop()
		s.answerTimer = nil
	}
	s.mu.Unlock()
	log.Printf("CALL [%s]: connected", s.peerID)
	if s.mgr.ev.SessionUp != nil {
		s.mgr.ev.SessionUp(s.peerID)
	}
}

// Hangup tears the session down and tells the remote side. Idempotent.
func (s *Session) Hangup() {
	s.close(nil, true)
}

// close is the single teardown path. sendHangup is false when the remote
// side initiated or the link already died.
func (s *Session) close(reason error, sendHangup bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.answerTimer != nil {
		s.answerTimer.Stop()
		s.answerTimer = nil
	}
	s.mu.Unlock()

	if sendHangup {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.mgr.sig.SendSignal(ctx, s.peerID, &proto.SignalEnvelope{
			Version: proto.SignalVersion,
			Kind:    proto.SignalHangup,
			CallID:  s.callID,
			From:    s.mgr.selfID,
		})
		cancel()
	}
	_ = s.link.Close()
	s.mgr.dropSession(s)
	if s.mgr.ev.SessionDown != nil {
		s.mgr.ev.SessionDown(s.peerID, reason)
	}
	if reason != nil {
		log.Printf("CALL [%s]: closed: %v", s.peerID, reason)
	} else {
		log.Printf("CALL [%s]: closed", s.peerID)
	}
}
