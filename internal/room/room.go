// Package room orchestrates one joined room: presence membership, the call
// mesh, local media, speaking detection, and room chat. A Room owns every
// resource it starts and releases all of them synchronously on Leave.
package room

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wevov/liaotian/internal/call"
	"github.com/wevov/liaotian/internal/chat"
	"github.com/wevov/liaotian/internal/config"
	"github.com/wevov/liaotian/internal/media"
	"github.com/wevov/liaotian/internal/p2p"
	"github.com/wevov/liaotian/internal/presence"
	"github.com/wevov/liaotian/internal/proto"
	"github.com/wevov/liaotian/internal/state"
	"github.com/wevov/liaotian/internal/storage"
	"github.com/wevov/liaotian/internal/util"
	"github.com/wevov/liaotian/internal/voice"
)

// Notice is a short-lived user-facing event (device failure, peer
// unreachable, call dropped). The UI renders and expires these; the room
// just keeps the recent tail.
type Notice struct {
	Level string `json:"level"` // "info" or "warn"
	Text  string `json:"text"`
	TS    int64  `json:"ts"`
}

const noticeBufferSize = 50

// remoteStream satisfies the roster's stream handle with the WebRTC msid.
type remoteStream struct{ id string }

func (r remoteStream) ID() string { return r.id }

// Network is the slice of the p2p node a room needs. Tests substitute an
// in-memory fabric.
type Network interface {
	ID() string
	SetSignalHandler(fn p2p.SignalHandler)
	SendSignal(ctx context.Context, peerID string, env *proto.SignalEnvelope) error
	JoinRoom(roomID string) (presence.Transport, error)
}

// NodeNetwork adapts *p2p.Node to the Network interface.
type NodeNetwork struct{ *p2p.Node }

func (n NodeNetwork) JoinRoom(roomID string) (presence.Transport, error) {
	return n.Node.JoinRoom(roomID)
}

// Deps are the process-wide collaborators a Room borrows. The Room owns
// nothing in here; it only owns what it creates in Join.
type Deps struct {
	Node   Network
	Engine *media.Engine
	Chat   *chat.Manager
	DB     *storage.DB // optional
	Cfg    config.Config

	// TrackSink, when set, receives inbound video tracks (for rendering
	// or recording). Audio tracks are owned by the speaking monitor and
	// never reach the sink. When nil, video tracks are drained and
	// dropped.
	TrackSink func(rt call.RemoteTrack)

	// OnNotice, when set, is called for each new notice.
	OnNotice func(Notice)

	// LinkFactory overrides the pion-backed default. Tests use this.
	LinkFactory call.LinkFactory

	// Capture and CaptureScreen override device acquisition. Tests use
	// these to avoid touching real devices.
	Capture       func(e *media.Engine, c media.Constraints) *media.LocalStream
	CaptureScreen func(e *media.Engine) (*media.LocalStream, error)
}

type Room struct {
	id   string
	deps Deps

	roster  *state.Roster
	monitor *voice.Monitor
	channel *presence.Channel
	calls   *call.Manager
	stream  *media.LocalStream

	mu       sync.Mutex
	muted    bool
	videoOff bool
	sharing  bool
	screen   *media.LocalStream
	camTrack webrtc.TrackLocal
	notices  *util.RingBuffer[Notice]
	joined   bool
	left     bool
}

// New prepares a room session. Nothing runs until Join.
func New(roomID string, deps Deps) (*Room, error) {
	id, err := util.ValidateRoomID(roomID)
	if err != nil {
		return nil, err
	}
	return &Room{
		id:      id,
		deps:    deps,
		roster:  state.NewRoster(),
		notices: util.NewRingBuffer[Notice](noticeBufferSize),
	}, nil
}

func (r *Room) ID() string            { return r.id }
func (r *Room) Roster() *state.Roster { return r.roster }

// Join acquires local media, announces presence, and starts answering and
// dialing calls. Device failure degrades the local contribution but never
// fails the join.
func (r *Room) Join(ctx context.Context) error {
	r.mu.Lock()
	if r.joined || r.left {
		r.mu.Unlock()
		return errors.New("room already joined")
	}
	r.joined = true
	r.mu.Unlock()

	cfg := r.deps.Cfg
	selfPeer := r.deps.Node.ID()

	// Local media. A trackless stream is still a valid join.
	capture := r.deps.Capture
	if capture == nil {
		capture = media.Acquire
	}
	r.stream = capture(r.deps.Engine, media.Constraints{
		Audio: true,
		Video: !cfg.Media.VideoDisabled,
	})
	if r.stream.Err != nil {
		r.notice("warn", fmt.Sprintf("media capture degraded: %v", r.stream.Err))
	}

	r.mu.Lock()
	r.camTrack = r.stream.VideoTrack()
	// Flags forced to reality: a missing device reads as muted/camera-off,
	// whatever the config asked for.
	r.muted = cfg.Media.StartMuted || r.stream.AudioTrack() == nil
	r.videoOff = cfg.Media.VideoDisabled || r.stream.VideoTrack() == nil
	muted, videoOff := r.muted, r.videoOff
	r.mu.Unlock()

	prof := proto.Profile{
		DisplayName: cfg.Profile.DisplayName,
		Username:    cfg.Profile.Username,
		AvatarURL:   cfg.Profile.AvatarURL,
	}

	// Speaking detection.
	r.monitor = voice.NewMonitor(cfg.Media.VadThreshold,
		time.Duration(cfg.Media.VadIntervalMS)*time.Millisecond,
		func(id string, speaking bool) { r.roster.SetSpeaking(id, speaking) })
	r.monitor.Start()

	// Call mesh.
	links := r.deps.LinkFactory
	if links == nil {
		links = call.NewPionLinkFactory(r.deps.Engine, cfg.Media.ICEServers)
	}
	r.calls = call.NewManager(selfPeer, links, r.deps.Node, call.Events{
		RemoteTrack:  r.onRemoteTrack,
		IncomingMeta: r.onIncomingMeta,
		SessionUp: func(peerID string) {
			log.Printf("ROOM [%s]: media up with %s", r.id, peerID)
		},
		SessionDown: r.onSessionDown,
	})
	r.calls.SetMetadata(proto.CallMetadata{UserID: cfg.Identity.UserID, Profile: prof})
	r.calls.SetLocalTracks(r.outboundAudio(), r.outboundVideo())
	r.deps.Node.SetSignalHandler(func(from string, env *proto.SignalEnvelope) {
		hctx, cancel := context.WithTimeout(context.Background(), util.DefaultSignalTimeout)
		defer cancel()
		if err := r.calls.HandleSignal(hctx, from, env); err != nil {
			log.Printf("ROOM [%s]: signal from %s rejected: %v", r.id, from, err)
		}
	})

	// Local roster entry before any remote shows up.
	r.roster.Upsert(selfPeer, func(p *state.Participant) {
		p.UserID = cfg.Identity.UserID
		p.Profile = prof
		p.Stream = r.stream
		p.Local = true
		p.Muted = muted
		p.VideoOff = videoOff
	})

	// Presence last: once the announce goes out, offers may arrive
	// immediately, and everything above must already be in place.
	transport, err := r.deps.Node.JoinRoom(r.id)
	if err != nil {
		r.teardown()
		return fmt.Errorf("join room topic: %w", err)
	}
	r.channel = presence.NewChannel(transport,
		presence.Identity{PeerID: selfPeer, UserID: cfg.Identity.UserID, Profile: prof},
		presence.Handlers{
			MemberDiscovered: r.onMemberDiscovered,
			MemberUpdated:    r.onMemberUpdated,
			MemberLeft:       r.onMemberLeft,
			MediaState:       r.roster.ApplyMediaState,
			Chat:             r.onRoomChat,
		},
		time.Duration(cfg.Presence.HeartbeatSec)*time.Second,
		time.Duration(cfg.Presence.TTLSec)*time.Second,
	)
	if err := r.channel.Join(ctx, proto.MediaState{
		Muted: muted, VideoOff: videoOff,
	}); err != nil {
		r.teardown()
		return fmt.Errorf("join presence: %w", err)
	}

	if r.deps.DB != nil {
		if err := r.deps.DB.TouchRoom(r.id, ""); err != nil {
			log.Printf("ROOM [%s]: touch room: %v", r.id, err)
		}
	}

	log.Printf("ROOM [%s]: joined as %s", r.id, selfPeer)
	return nil
}

// Leave tears down calls, presence, local media, and speaking timers. It
// returns only when everything is released.
func (r *Room) Leave() {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return
	}
	r.left = true
	r.mu.Unlock()

	r.teardown()
	log.Printf("ROOM [%s]: left", r.id)
}

func (r *Room) teardown() {
	if r.channel != nil {
		r.channel.Leave()
	}
	if r.calls != nil {
		r.calls.Close()
	}
	r.deps.Node.SetSignalHandler(nil)
	if r.monitor != nil {
		r.monitor.Close()
	}
	r.mu.Lock()
	screen := r.screen
	r.screen = nil
	r.mu.Unlock()
	if screen != nil {
		screen.Close()
	}
	if r.stream != nil {
		r.stream.Close()
	}
	r.roster.Clear()
}

// ── presence events ──────────────────────────────────────────────────────────

func (r *Room) onMemberDiscovered(m presence.Member) {
	// One participant per durable user: a rejoin under a fresh peer id
	// replaces the stale entry instead of duplicating the person.
	if m.UserID != "" {
		for _, p := range r.roster.Snapshot() {
			if !p.Local && p.UserID == m.UserID && p.PeerID != m.PeerID {
				r.calls.MemberLeft(p.PeerID)
				r.roster.Remove(p.PeerID)
			}
		}
	}

	r.roster.Upsert(m.PeerID, func(p *state.Participant) {
		p.UserID = m.UserID
		p.Profile = m.Profile
		p.Muted = m.Media.Muted
		p.VideoOff = m.Media.VideoOff
		p.ScreenSharing = m.Media.ScreenSharing
	})

	if r.deps.DB != nil && m.UserID != "" {
		if err := r.deps.DB.UpsertContact(m.UserID, m.PeerID, m.Profile); err != nil {
			log.Printf("ROOM [%s]: save contact %s: %v", r.id, m.UserID, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultSignalTimeout)
	defer cancel()
	if err := r.calls.MemberDiscovered(ctx, m.PeerID); err != nil {
		if errors.Is(err, call.ErrIdentityCollision) {
			r.notice("warn", "another node is using our peer identity")
			r.roster.Remove(m.PeerID)
			return
		}
		r.notice("warn", fmt.Sprintf("could not call %s: %v", displayName(m), err))
	}
}

func (r *Room) onMemberUpdated(m presence.Member) {
	r.roster.Update(m.PeerID, func(p *state.Participant) {
		p.UserID = m.UserID
		p.Profile = m.Profile
	})
}

func (r *Room) onMemberLeft(peerID string) {
	r.calls.MemberLeft(peerID)
	r.monitor.Deregister(peerID)
	r.roster.Remove(peerID)
}

func (r *Room) onRoomChat(msg proto.RoomMsg) {
	if r.deps.Chat != nil {
		r.deps.Chat.AddRoomMessage(r.id, msg)
	}
}

// ── call events ──────────────────────────────────────────────────────────────

func (r *Room) onIncomingMeta(peerID string, meta proto.CallMetadata) {
	// The caller's tile renders from metadata before the first frame.
	r.roster.Upsert(peerID, func(p *state.Participant) {
		p.UserID = meta.UserID
		p.Profile = meta.Profile
	})
}

func (r *Room) onRemoteTrack(rt call.RemoteTrack) {
	r.roster.Update(rt.PeerID, func(p *state.Participant) {
		p.Stream = remoteStream{id: rt.StreamID}
	})

	// A remote track has exactly one reader. Audio belongs to the speaking
	// monitor; only video is offered to the sink.
	if rt.Kind == webrtc.RTPCodecTypeAudio {
		go voice.FeedTrack(r.monitor, rt.PeerID, rt.Track)
		return
	}
	if r.deps.TrackSink != nil {
		r.deps.TrackSink(rt)
		return
	}
	go drainTrack(rt.Track)
}

// drainTrack keeps an unconsumed track's RTP flowing so congestion control
// on the remote side stays honest.
func drainTrack(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func (r *Room) onSessionDown(peerID string, reason error) {
	r.monitor.Deregister(peerID)

	p, known := r.roster.Get(peerID)
	r.roster.Remove(peerID)

	switch {
	case reason == nil:
		// clean hangup or our own teardown
	case errors.Is(reason, call.ErrPeerUnreachable):
		if known {
			r.notice("warn", fmt.Sprintf("%s is unreachable", participantName(p)))
		}
	default:
		if known {
			r.notice("warn", fmt.Sprintf("call with %s dropped: %v", participantName(p), reason))
		}
	}
}

// ── local controls ───────────────────────────────────────────────────────────

// ToggleMute flips the microphone. Track replacement on every live session,
// then a state broadcast. Returns the new muted state.
func (r *Room) ToggleMute() bool {
	r.mu.Lock()
	r.muted = !r.muted
	muted := r.muted
	r.mu.Unlock()

	r.calls.ReplaceAudio(r.outboundAudio())
	r.syncLocalState()
	return muted
}

// ToggleCamera flips the camera. While screen sharing the flag still flips,
// but the outbound video stays the screen until sharing stops.
func (r *Room) ToggleCamera() bool {
	r.mu.Lock()
	r.videoOff = !r.videoOff
	videoOff := r.videoOff
	sharing := r.sharing
	r.mu.Unlock()

	if !sharing {
		r.calls.ReplaceVideo(r.outboundVideo())
	}
	r.syncLocalState()
	return videoOff
}

// StartScreenShare swaps the outbound video for a display capture. Unlike
// camera/mic acquisition this fails loudly: a cancelled or failed share is
// an error, not a degraded join.
func (r *Room) StartScreenShare() error {
	r.mu.Lock()
	if r.sharing {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	captureScreen := r.deps.CaptureScreen
	if captureScreen == nil {
		captureScreen = media.AcquireScreen
	}
	screen, err := captureScreen(r.deps.Engine)
	if err != nil {
		r.notice("warn", fmt.Sprintf("screen share failed: %v", err))
		return err
	}

	r.mu.Lock()
	r.screen = screen
	r.sharing = true
	r.mu.Unlock()

	r.calls.ReplaceVideo(screen.VideoTrack())
	r.syncLocalState()
	return nil
}

// StopScreenShare returns the outbound video to the camera (or nothing).
func (r *Room) StopScreenShare() {
	r.mu.Lock()
	if !r.sharing {
		r.mu.Unlock()
		return
	}
	r.sharing = false
	screen := r.screen
	r.screen = nil
	r.mu.Unlock()

	if screen != nil {
		screen.Close()
	}
	r.calls.ReplaceVideo(r.outboundVideo())
	r.syncLocalState()
}

// SendChat broadcasts a chat line to the room.
func (r *Room) SendChat(ctx context.Context, body string) error {
	if r.channel == nil {
		return errors.New("not joined")
	}
	id := r.channel.SendChat(ctx, body)
	if r.deps.Chat != nil {
		r.deps.Chat.RecordLocalRoomMessage(r.id, id, body, proto.NowMillis())
	}
	return nil
}

// outboundAudio returns the audio track to send given the mute flag.
func (r *Room) outboundAudio() webrtc.TrackLocal {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.muted || r.stream == nil {
		return nil
	}
	return r.stream.AudioTrack()
}

func (r *Room) outboundVideo() webrtc.TrackLocal {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sharing && r.screen != nil {
		return r.screen.VideoTrack()
	}
	if r.videoOff {
		return nil
	}
	return r.camTrack
}

// syncLocalState pushes the current flags to the roster and the room topic.
func (r *Room) syncLocalState() {
	r.mu.Lock()
	ms := proto.MediaState{Muted: r.muted, VideoOff: r.videoOff, ScreenSharing: r.sharing}
	r.mu.Unlock()

	r.roster.ApplyMediaState(r.deps.Node.ID(), ms)
	if r.channel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultSignalTimeout)
		defer cancel()
		r.channel.BroadcastState(ctx, ms)
	}
}

// MediaState returns the current local flags.
func (r *Room) MediaState() proto.MediaState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return proto.MediaState{Muted: r.muted, VideoOff: r.videoOff, ScreenSharing: r.sharing}
}

// Notices returns the recent notice tail, oldest first.
func (r *Room) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notices.Snapshot()
}

func (r *Room) notice(level, text string) {
	n := Notice{Level: level, Text: text, TS: proto.NowMillis()}
	r.mu.Lock()
	r.notices.Push(n)
	r.mu.Unlock()
	log.Printf("ROOM [%s]: %s: %s", r.id, level, text)
	if r.deps.OnNotice != nil {
		r.deps.OnNotice(n)
	}
}

func displayName(m presence.Member) string {
	if m.Profile.DisplayName != "" {
		return m.Profile.DisplayName
	}
	return m.PeerID
}

func participantName(p state.Participant) string {
	if p.Profile.DisplayName != "" {
		return p.Profile.DisplayName
	}
	return p.PeerID
}
