package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wevov/liaotian/internal/proto"
)

// fakeLink records every operation; tests drive connection progress through
// the captured LinkEvents.
type fakeLink struct {
	ev LinkEvents

	mu         sync.Mutex
	offers     int
	answers    int
	candidates []proto.ICECandidateInit
	audioSets  []webrtc.TrackLocal
	videoSets  []webrtc.TrackLocal
	closed     bool
}

func (f *fakeLink) Offer(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return "offer-sdp", nil
}

func (f *fakeLink) Answer(_ context.Context, offerSDP string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return "answer-sdp", nil
}

func (f *fakeLink) AcceptAnswer(string) error { return nil }

func (f *fakeLink) AddCandidate(c proto.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeLink) ReplaceAudio(t webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioSets = append(f.audioSets, t)
	return nil
}

func (f *fakeLink) ReplaceVideo(t webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoSets = append(f.videoSets, t)
	return nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// linkPool hands out fakeLinks and remembers them in creation order.
type linkPool struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (p *linkPool) factory(ev LinkEvents) (Link, error) {
	l := &fakeLink{ev: ev}
	p.mu.Lock()
	p.links = append(p.links, l)
	p.mu.Unlock()
	return l, nil
}

func (p *linkPool) last() *fakeLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.links) == 0 {
		return nil
	}
	return p.links[len(p.links)-1]
}

// bus routes envelopes between managers synchronously.
type bus struct {
	mu    sync.Mutex
	peers map[string]*Manager
	sent  []*proto.SignalEnvelope
	drop  bool // swallow everything (unreachable peer)
}

func newBus() *bus { return &bus{peers: map[string]*Manager{}} }

func (b *bus) add(id string, m *Manager) { b.peers[id] = m }

func (b *bus) sender(from string) Signaler {
	return signalFunc(func(ctx context.Context, peerID string, env *proto.SignalEnvelope) error {
		b.mu.Lock()
		b.sent = append(b.sent, env)
		target := b.peers[peerID]
		drop := b.drop
		b.mu.Unlock()
		if drop || target == nil {
			return nil
		}
		return target.HandleSignal(ctx, from, env)
	})
}

func (b *bus) count(kind string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.sent {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type signalFunc func(ctx context.Context, peerID string, env *proto.SignalEnvelope) error

func (f signalFunc) SendSignal(ctx context.Context, peerID string, env *proto.SignalEnvelope) error {
	return f(ctx, peerID, env)
}

type downRec struct {
	mu      sync.Mutex
	reasons map[string][]error
}

func (d *downRec) events() Events {
	d.reasons = map[string][]error{}
	return Events{
		SessionDown: func(peerID string, reason error) {
			d.mu.Lock()
			d.reasons[peerID] = append(d.reasons[peerID], reason)
			d.mu.Unlock()
		},
	}
}

func pair(t *testing.T) (ma, mb *Manager, pa, pb *linkPool, b *bus) {
	t.Helper()
	b = newBus()
	pa, pb = &linkPool{}, &linkPool{}
	ma = NewManager("a1", pa.factory, b.sender("a1"), Events{})
	mb = NewManager("b2", pb.factory, b.sender("b2"), Events{})
	ma.SetMetadata(proto.CallMetadata{UserID: "alice"})
	mb.SetMetadata(proto.CallMetadata{UserID: "bob"})
	b.add("a1", ma)
	b.add("b2", mb)
	return
}

func TestGreaterIDDials(t *testing.T) {
	ma, mb, pa, pb, b := pair(t)
	ctx := context.Background()

	// Both sides discover each other; only b2 (greater) may dial.
	if err := ma.MemberDiscovered(ctx, "b2"); err != nil {
		t.Fatal(err)
	}
	if err := mb.MemberDiscovered(ctx, "a1"); err != nil {
		t.Fatal(err)
	}

	if n := b.count(proto.SignalOffer); n != 1 {
		t.Fatalf("offers sent = %d, want exactly 1", n)
	}
	if n := b.count(proto.SignalAnswer); n != 1 {
		t.Fatalf("answers sent = %d, want 1", n)
	}
	if len(ma.Peers()) != 1 || len(mb.Peers()) != 1 {
		t.Fatalf("sessions: a=%v b=%v, want one each", ma.Peers(), mb.Peers())
	}
	if pa.last().answers != 1 {
		t.Fatal("a1 did not answer the offer")
	}
	if pb.last().offers != 1 {
		t.Fatal("b2 did not offer")
	}
}

func TestEqualIDsRejected(t *testing.T) {
	_, mb, _, _, _ := pair(t)
	err := mb.MemberDiscovered(context.Background(), "b2")
	if !errors.Is(err, ErrIdentityCollision) {
		t.Fatalf("err = %v, want ErrIdentityCollision", err)
	}
	if len(mb.Peers()) != 0 {
		t.Fatal("collision created a session")
	}
}

func TestDuplicateDiscoveryDialsOnce(t *testing.T) {
	ma, mb, _, _, b := pair(t)
	_ = ma // lower side never dials
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := mb.MemberDiscovered(ctx, "a1"); err != nil {
			t.Fatal(err)
		}
	}
	if n := b.count(proto.SignalOffer); n != 1 {
		t.Fatalf("offers sent = %d, want 1", n)
	}
}

func TestUnreachablePeerCleansUp(t *testing.T) {
	b := newBus()
	pool := &linkPool{}
	rec := &downRec{}
	m := NewManager("b2", pool.factory, b.sender("b2"), rec.events())
	m.answerTimeout = 30 * time.Millisecond
	b.add("b2", m)
	b.drop = true

	if err := m.MemberDiscovered(context.Background(), "a1"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		n := len(rec.reasons["a1"])
		rec.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec.mu.Lock()
	reasons := rec.reasons["a1"]
	rec.mu.Unlock()
	if len(reasons) != 1 || !errors.Is(reasons[0], ErrPeerUnreachable) {
		t.Fatalf("reasons = %v, want one ErrPeerUnreachable", reasons)
	}
	if len(m.Peers()) != 0 {
		t.Fatal("unreachable session not removed")
	}
	if !pool.last().closed {
		t.Fatal("link left open")
	}
}

func TestRemoteHangupTearsDownOnce(t *testing.T) {
	b := newBus()
	poolA, poolB := &linkPool{}, &linkPool{}
	recA := &downRec{}
	ma := NewManager("a1", poolA.factory, b.sender("a1"), recA.events())
	mb := NewManager("b2", poolB.factory, b.sender("b2"), Events{})
	ma.SetMetadata(proto.CallMetadata{UserID: "alice"})
	mb.SetMetadata(proto.CallMetadata{UserID: "bob"})
	b.add("a1", ma)
	b.add("b2", mb)

	ctx := context.Background()
	if err := mb.MemberDiscovered(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if len(ma.Peers()) != 1 {
		t.Fatal("no session on a1")
	}

	mb.Close() // sends hangup to a1

	if len(ma.Peers()) != 0 {
		t.Fatal("a1 session survived remote hangup")
	}
	recA.mu.Lock()
	reasons := recA.reasons["b2"]
	recA.mu.Unlock()
	if len(reasons) != 1 || reasons[0] != nil {
		t.Fatalf("reasons = %v, want one clean teardown", reasons)
	}
	// a second hangup for the same call is a no-op
	_ = ma.HandleSignal(ctx, "b2", &proto.SignalEnvelope{
		Version: proto.SignalVersion, Kind: proto.SignalHangup,
		CallID: "stale", From: "b2",
	})
	recA.mu.Lock()
	n := len(recA.reasons["b2"])
	recA.mu.Unlock()
	if n != 1 {
		t.Fatalf("teardown fired %d times", n)
	}
}

func TestToggleReplacesWithoutRenegotiation(t *testing.T) {
	ma, mb, _, pb, b := pair(t)
	_ = ma
	ctx := context.Background()
	if err := mb.MemberDiscovered(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	link := pb.last()
	offersBefore := b.count(proto.SignalOffer)

	track := mustSampleTrack(t)
	mb.ReplaceVideo(track)
	mb.ReplaceVideo(nil)
	mb.ReplaceVideo(track)

	link.mu.Lock()
	sets := append([]webrtc.TrackLocal(nil), link.videoSets...)
	link.mu.Unlock()
	if len(sets) != 3 || sets[0] != track || sets[1] != nil || sets[2] != track {
		t.Fatalf("video sets = %v", sets)
	}
	if b.count(proto.SignalOffer) != offersBefore {
		t.Fatal("toggle triggered renegotiation")
	}
}

func TestTracklessStillConnects(t *testing.T) {
	ma, mb, pa, pb, _ := pair(t)
	ctx := context.Background()
	// Neither side ever sets local tracks.
	if err := mb.MemberDiscovered(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if len(ma.Peers()) != 1 || len(mb.Peers()) != 1 {
		t.Fatal("trackless call did not establish")
	}
	if n := len(pa.last().audioSets) + len(pa.last().videoSets) +
		len(pb.last().audioSets) + len(pb.last().videoSets); n != 0 {
		t.Fatalf("nil tracks were installed %d times", n)
	}
}

func TestMalformedSignalRejected(t *testing.T) {
	b := newBus()
	pool := &linkPool{}
	m := NewManager("a1", pool.factory, b.sender("a1"), Events{})

	cases := []*proto.SignalEnvelope{
		{Version: 99, Kind: proto.SignalOffer, CallID: "c", From: "b2", SDP: "x",
			Meta: &proto.CallMetadata{UserID: "u"}},
		{Version: proto.SignalVersion, Kind: proto.SignalOffer, CallID: "c", From: "b2"},
		{Version: proto.SignalVersion, Kind: "bogus", CallID: "c", From: "b2"},
		{Version: proto.SignalVersion, Kind: proto.SignalOffer, CallID: "c", From: "zz", SDP: "x",
			Meta: &proto.CallMetadata{UserID: "u"}}, // sender mismatch
	}
	for i, env := range cases {
		if err := m.HandleSignal(context.Background(), "b2", env); err == nil {
			t.Fatalf("case %d accepted", i)
		}
	}
	if len(pool.links) != 0 {
		t.Fatal("rejected signal created a link")
	}
}

func TestCandidateBeforeAnswerQueued(t *testing.T) {
	drop := newBus()
	drop.drop = true
	pool := &linkPool{}
	m := NewManager("b2", pool.factory, drop.sender("b2"), Events{})
	m.answerTimeout = time.Minute

	ctx := context.Background()
	if err := m.MemberDiscovered(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	callID := func() string {
		drop.mu.Lock()
		defer drop.mu.Unlock()
		return drop.sent[0].CallID
	}()

	cand := proto.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"}
	if err := m.HandleSignal(ctx, "a1", &proto.SignalEnvelope{
		Version: proto.SignalVersion, Kind: proto.SignalICE,
		CallID: callID, From: "a1", Candidate: &cand,
	}); err != nil {
		t.Fatal(err)
	}
	link := pool.last()
	if len(link.candidates) != 0 {
		t.Fatal("candidate applied before remote description")
	}

	if err := m.HandleSignal(ctx, "a1", &proto.SignalEnvelope{
		Version: proto.SignalVersion, Kind: proto.SignalAnswer,
		CallID: callID, From: "a1", SDP: "answer-sdp",
	}); err != nil {
		t.Fatal(err)
	}
	if len(link.candidates) != 1 {
		t.Fatalf("queued candidate not flushed, got %d", len(link.candidates))
	}
}

func mustSampleTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "local")
	if err != nil {
		t.Fatal(err)
	}
	return track
}
