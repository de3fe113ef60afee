// Package call manages the mesh of WebRTC call sessions for one room using
// Pion. Coupling to transport is via the Signaler and Link interfaces only,
// so the mesh logic runs identically over libp2p streams or an in-memory
// fabric.
package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/wevov/liaotian/internal/proto"
)

var (
	// ErrIdentityCollision means a remote member announced our own peer id.
	// The deterministic dial rule cannot order equal ids, so the member is
	// surfaced as an error instead of dialed.
	ErrIdentityCollision = errors.New("remote peer announced our own id")

	// ErrPeerUnreachable means a dialed peer never answered the offer.
	ErrPeerUnreachable = errors.New("peer did not answer")

	// ErrLinkFailed means the transport under an established session died.
	ErrLinkFailed = errors.New("media link failed")
)

// Signaler delivers a signaling envelope to one peer. Implementations open a
// stream per envelope; delivery is at-most-once.
type Signaler interface {
	SendSignal(ctx context.Context, peerID string, env *proto.SignalEnvelope) error
}

// RemoteTrack is one inbound media track surfaced to the application layer.
// Kind is carried alongside the track so consumers can route without
// touching the track itself; a track has exactly one reader.
type RemoteTrack struct {
	PeerID   string
	StreamID string
	Kind     webrtc.RTPCodecType
	Track    *webrtc.TrackRemote
}

// LinkEvents are the callbacks a Link fires as the underlying connection
// progresses. Candidate fires for each local ICE candidate to trickle out.
type LinkEvents struct {
	Candidate func(proto.ICECandidateInit)
	Track     func(streamID string, kind webrtc.RTPCodecType, track *webrtc.TrackRemote)
	Connected func()
	Failed    func(err error)
}

// Link is one peer-to-peer media connection. The pion implementation wraps a
// *webrtc.PeerConnection; tests substitute an in-memory fake.
type Link interface {
	// Offer produces the local offer SDP (caller side).
	Offer(ctx context.Context) (string, error)
	// Answer applies the remote offer and produces the answer SDP
	// (callee side).
	Answer(ctx context.Context, offerSDP string) (string, error)
	// AcceptAnswer applies the remote answer on the caller side.
	AcceptAnswer(sdp string) error
	AddCandidate(c proto.ICECandidateInit) error
	// ReplaceAudio and ReplaceVideo swap the outbound track in place, with
	// no renegotiation. A nil track stops sending on that line.
	ReplaceAudio(t webrtc.TrackLocal) error
	ReplaceVideo(t webrtc.TrackLocal) error
	Close() error
}

// LinkFactory builds a Link wired to ev.
type LinkFactory func(ev LinkEvents) (Link, error)

// Events are the manager's upward callbacks. All fire from internal
// goroutines; handlers must not call back into the manager synchronously
// while holding their own locks.
type Events struct {
	// RemoteTrack delivers each inbound audio/video track.
	RemoteTrack func(rt RemoteTrack)
	// IncomingMeta fires when an offer arrives, before any media, so the
	// caller's tile can render from metadata immediately.
	IncomingMeta func(peerID string, meta proto.CallMetadata)
	// SessionUp fires once when the media link connects.
	SessionUp func(peerID string)
	// SessionDown fires exactly once per session on teardown. reason is
	// nil for a clean hangup, ErrPeerUnreachable when the dial timed out,
	// ErrLinkFailed (wrapped) when an established link died.
	SessionDown func(peerID string, reason error)
}
