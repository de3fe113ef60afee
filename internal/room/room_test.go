package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
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
)

// fabric is an in-memory stand-in for the p2p layer: a signal handler
// registry plus broadcast topics.
type fabric struct {
	mu       sync.Mutex
	handlers map[string]p2p.SignalHandler
	topics   map[string][]*fakeTransport
}

func newFabric() *fabric {
	return &fabric{
		handlers: map[string]p2p.SignalHandler{},
		topics:   map[string][]*fakeTransport{},
	}
}

type fakeNet struct {
	id  string
	fab *fabric
}

func (n *fakeNet) ID() string { return n.id }

func (n *fakeNet) SetSignalHandler(fn p2p.SignalHandler) {
	n.fab.mu.Lock()
	n.fab.handlers[n.id] = fn
	n.fab.mu.Unlock()
}

func (n *fakeNet) SendSignal(_ context.Context, peerID string, env *proto.SignalEnvelope) error {
	n.fab.mu.Lock()
	h := n.fab.handlers[peerID]
	n.fab.mu.Unlock()
	if h == nil {
		return fmt.Errorf("no route to %s", peerID)
	}
	h(n.id, env)
	return nil
}

func (n *fakeNet) JoinRoom(roomID string) (presence.Transport, error) {
	t := &fakeTransport{fab: n.fab, room: roomID, inbox: make(chan []byte, 64)}
	n.fab.mu.Lock()
	n.fab.topics[roomID] = append(n.fab.topics[roomID], t)
	n.fab.mu.Unlock()
	return t, nil
}

type fakeTransport struct {
	fab   *fabric
	room  string
	inbox chan []byte

	mu     sync.Mutex
	closed bool
}

func (t *fakeTransport) Publish(_ context.Context, data []byte) error {
	t.fab.mu.Lock()
	subs := append([]*fakeTransport(nil), t.fab.topics[t.room]...)
	t.fab.mu.Unlock()
	for _, s := range subs {
		s.mu.Lock()
		if !s.closed {
			select {
			case s.inbox <- data:
			default:
			}
		}
		s.mu.Unlock()
	}
	return nil
}

func (t *fakeTransport) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-t.inbox:
		if !ok {
			return nil, context.Canceled
		}
		return data, nil
	}
}

func (t *fakeTransport) Leave() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.inbox)
	}
	return nil
}

// fakeLink mirrors the call package's test link.
type fakeLink struct {
	mu        sync.Mutex
	videoSets []webrtc.TrackLocal
	audioSets []webrtc.TrackLocal
}

func (f *fakeLink) Offer(context.Context) (string, error) { return "offer-sdp", nil }
func (f *fakeLink) Answer(context.Context, string) (string, error) {
	return "answer-sdp", nil
}
func (f *fakeLink) AcceptAnswer(string) error                  { return nil }
func (f *fakeLink) AddCandidate(proto.ICECandidateInit) error  { return nil }
func (f *fakeLink) Close() error                               { return nil }
func (f *fakeLink) ReplaceAudio(t webrtc.TrackLocal) error {
	f.mu.Lock()
	f.audioSets = append(f.audioSets, t)
	f.mu.Unlock()
	return nil
}
func (f *fakeLink) ReplaceVideo(t webrtc.TrackLocal) error {
	f.mu.Lock()
	f.videoSets = append(f.videoSets, t)
	f.mu.Unlock()
	return nil
}

type linkPool struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (p *linkPool) factory(call.LinkEvents) (call.Link, error) {
	l := &fakeLink{}
	p.mu.Lock()
	p.links = append(p.links, l)
	p.mu.Unlock()
	return l, nil
}

func testConfig(user string) config.Config {
	cfg := config.Default()
	cfg.Identity.UserID = "u-" + user
	cfg.Profile.Username = user
	cfg.Profile.DisplayName = user
	cfg.Presence.HeartbeatSec = 1
	cfg.Presence.TTLSec = 3
	return cfg
}

func tracklessCapture(*media.Engine, media.Constraints) *media.LocalStream {
	return media.NewStaticStream(nil, nil)
}

func newTestRoom(t *testing.T, fab *fabric, peerID, user string, pool *linkPool,
	capture func(*media.Engine, media.Constraints) *media.LocalStream) *Room {
	t.Helper()
	net := &fakeNet{id: peerID, fab: fab}
	cfg := testConfig(user)
	r, err := New("gazebo", Deps{
		Node:        net,
		Cfg:         cfg,
		Chat:        chat.NewManager(peerID, cfg.Identity.UserID, proto.Profile{Username: user}, nil, nil, 50),
		LinkFactory: pool.factory,
		Capture:     capture,
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTwoRoomsMeshAndLeave(t *testing.T) {
	fab := newFabric()
	poolA, poolB := &linkPool{}, &linkPool{}
	ra := newTestRoom(t, fab, "a1", "alice", poolA, tracklessCapture)
	rb := newTestRoom(t, fab, "b2", "bob", poolB, tracklessCapture)

	ctx := context.Background()
	if err := ra.Join(ctx); err != nil {
		t.Fatal(err)
	}
	defer ra.Leave()
	if err := rb.Join(ctx); err != nil {
		t.Fatal(err)
	}
	defer rb.Leave()

	waitFor(t, func() bool { return ra.Roster().Count() == 2 && rb.Roster().Count() == 2 },
		"both rosters complete")

	// Exactly one link per side: the tie-break let only b2 dial.
	poolA.mu.Lock()
	na := len(poolA.links)
	poolA.mu.Unlock()
	poolB.mu.Lock()
	nb := len(poolB.links)
	poolB.mu.Unlock()
	if na != 1 || nb != 1 {
		t.Fatalf("links a=%d b=%d, want 1 each", na, nb)
	}

	// Trackless stream forces the flags to match reality.
	if ms := ra.MediaState(); !ms.Muted || !ms.VideoOff {
		t.Fatalf("alice state = %+v, want muted+videoOff", ms)
	}

	// Media-state broadcast reaches the other roster.
	ra.ToggleMute()
	waitFor(t, func() bool {
		p, ok := rb.Roster().Get("a1")
		return ok && !p.Muted
	}, "bob sees alice unmuted")

	// Room chat lands in the other side's history.
	if err := ra.SendChat(ctx, "hello gazebo"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		h := rb.deps.Chat.History(chat.RoomScope("gazebo"), 10)
		return len(h) == 1 && h[0].Body == "hello gazebo"
	}, "bob receives chat")

	// Leaving removes the participant on the remote side and clears locally.
	ra.Leave()
	if ra.Roster().Count() != 0 {
		t.Fatal("leave did not clear local roster")
	}
	waitFor(t, func() bool { return rb.Roster().Count() == 1 }, "bob sees alice gone")
}

func TestInboundAudioStaysWithMonitor(t *testing.T) {
	fab := newFabric()
	pool := &linkPool{}
	var mu sync.Mutex
	var sunk []call.RemoteTrack

	cfg := testConfig("alice")
	r, err := New("gazebo", Deps{
		Node:        &fakeNet{id: "a1", fab: fab},
		Cfg:         cfg,
		Chat:        chat.NewManager("a1", cfg.Identity.UserID, proto.Profile{Username: "alice"}, nil, nil, 50),
		LinkFactory: pool.factory,
		Capture:     tracklessCapture,
		TrackSink: func(rt call.RemoteTrack) {
			mu.Lock()
			sunk = append(sunk, rt)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Join(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.Leave()
	r.roster.Upsert("b2", func(p *state.Participant) { p.UserID = "u-bob" })

	// An audio and a video track arrive from the same remote stream. The
	// sink must only ever see the video one; audio is read by the speaking
	// monitor alone.
	r.onRemoteTrack(call.RemoteTrack{PeerID: "b2", StreamID: "s-b2", Kind: webrtc.RTPCodecTypeAudio})
	r.onRemoteTrack(call.RemoteTrack{PeerID: "b2", StreamID: "s-b2", Kind: webrtc.RTPCodecTypeVideo})

	mu.Lock()
	defer mu.Unlock()
	if len(sunk) != 1 {
		t.Fatalf("sink saw %d tracks, want 1", len(sunk))
	}
	if sunk[0].Kind != webrtc.RTPCodecTypeVideo {
		t.Fatalf("sink saw %v track, want video", sunk[0].Kind)
	}
	if p, ok := r.Roster().Get("b2"); !ok || p.Stream == nil {
		t.Fatal("stream handle not recorded on the roster")
	}
}

func TestDegradedCaptureStillJoins(t *testing.T) {
	fab := newFabric()
	pool := &linkPool{}
	capture := func(*media.Engine, media.Constraints) *media.LocalStream {
		s := media.NewStaticStream(nil, nil)
		s.Err = &media.CaptureError{Kind: media.DeviceNotFound, Err: errors.New("no camera")}
		return s
	}
	r := newTestRoom(t, fab, "a1", "alice", pool, capture)

	if err := r.Join(context.Background()); err != nil {
		t.Fatalf("degraded capture failed the join: %v", err)
	}
	defer r.Leave()

	if ms := r.MediaState(); !ms.Muted || !ms.VideoOff {
		t.Fatalf("state = %+v, want forced muted+videoOff", ms)
	}
	notices := r.Notices()
	if len(notices) != 1 || notices[0].Level != "warn" {
		t.Fatalf("notices = %+v, want one warning", notices)
	}
}

func TestScreenShareSwapsOutboundVideo(t *testing.T) {
	fab := newFabric()
	poolA, poolB := &linkPool{}, &linkPool{}

	cam := mustTrack(t, "cam")
	screen := mustTrack(t, "screen")

	capture := func(*media.Engine, media.Constraints) *media.LocalStream {
		return media.NewStaticStream(nil, cam)
	}
	ra := newTestRoom(t, fab, "a1", "alice", poolA, tracklessCapture)
	rb := newTestRoom(t, fab, "b2", "bob", poolB, capture)
	rb.deps.CaptureScreen = func(*media.Engine) (*media.LocalStream, error) {
		return media.NewStaticStream(nil, screen), nil
	}

	ctx := context.Background()
	if err := ra.Join(ctx); err != nil {
		t.Fatal(err)
	}
	defer ra.Leave()
	if err := rb.Join(ctx); err != nil {
		t.Fatal(err)
	}
	defer rb.Leave()

	waitFor(t, func() bool { return ra.Roster().Count() == 2 && rb.Roster().Count() == 2 },
		"mesh up")

	if err := rb.StartScreenShare(); err != nil {
		t.Fatal(err)
	}
	link := poolB.links[0]
	link.mu.Lock()
	last := link.videoSets[len(link.videoSets)-1]
	link.mu.Unlock()
	if last != screen {
		t.Fatal("screen track not installed on session")
	}
	waitFor(t, func() bool {
		p, ok := ra.Roster().Get("b2")
		return ok && p.ScreenSharing
	}, "alice sees bob sharing")

	rb.StopScreenShare()
	link.mu.Lock()
	last = link.videoSets[len(link.videoSets)-1]
	link.mu.Unlock()
	if last != cam {
		t.Fatal("camera track not restored after share")
	}
	if rb.MediaState().ScreenSharing {
		t.Fatal("sharing flag stuck")
	}
}

func TestScreenShareFailureIsAnError(t *testing.T) {
	fab := newFabric()
	pool := &linkPool{}
	r := newTestRoom(t, fab, "a1", "alice", pool, tracklessCapture)
	r.deps.CaptureScreen = func(*media.Engine) (*media.LocalStream, error) {
		return nil, errors.New("share cancelled")
	}
	if err := r.Join(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.Leave()

	if err := r.StartScreenShare(); err == nil {
		t.Fatal("failed share did not error")
	}
	if r.MediaState().ScreenSharing {
		t.Fatal("sharing flag set after failure")
	}
}

func mustTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "local")
	if err != nil {
		t.Fatal(err)
	}
	return track
}
