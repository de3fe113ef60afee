package proto

import (
	"errors"
	"fmt"
	"time"
)

const (
	// RoomTopicPrefix + roomID + RoomTopicVersion is the pubsub topic for one
	// room: presence heartbeats, media-state broadcasts, and room chat.
	RoomTopicPrefix  = "liao.room."
	RoomTopicVersion = ".v1"

	// libp2p stream protocol ID for call signaling (offer/answer/ICE/hangup)
	SignalProtoID = "/liao/signal/1.0.0"

	// libp2p stream protocol ID for direct messages
	DMProtoID = "/liao/dm/1.0.0"
)

// RoomTopic returns the pubsub topic name for a room.
func RoomTopic(roomID string) string {
	return RoomTopicPrefix + roomID + RoomTopicVersion
}

// Room message kinds.
const (
	KindAnnounce = "announce" // presence heartbeat, carries profile + media state
	KindLeave    = "leave"    // explicit departure
	KindState    = "state"    // media-state broadcast (mute/camera/screen flags)
	KindChat     = "chat"     // room text chat
)

// Profile is the public identity attached to a participant. Supplied by the
// account layer; this core treats it as opaque display metadata.
type Profile struct {
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Username    string `json:"username"`
}

// MediaState carries a participant's self-reported mute/camera/screen flags.
// Last-writer-wins per peer; informational only on the receiving side.
type MediaState struct {
	Muted         bool `json:"muted"`
	VideoOff      bool `json:"videoOff"`
	ScreenSharing bool `json:"screenSharing"`
}

// RoomMsg is the wire type for all room-topic messages, routed by Kind.
type RoomMsg struct {
	Kind    string      `json:"kind"`
	PeerID  string      `json:"peerId"`
	UserID  string      `json:"userId,omitempty"`
	Profile *Profile    `json:"profile,omitempty"`
	Media   *MediaState `json:"media,omitempty"`

	// Chat fields (Kind == KindChat)
	MsgID string `json:"msgId,omitempty"`
	Body  string `json:"body,omitempty"`

	TS int64 `json:"ts"`
}

// ── Call signaling ────────────────────────────────────────────────────────────

// SignalVersion is the current signaling envelope version. Envelopes with a
// different version are rejected on receipt rather than trusted.
const SignalVersion = 1

// Signal envelope kinds.
const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
	SignalICE    = "ice"
	SignalHangup = "hangup"
)

// CallMetadata labels a call before the first media frame arrives: the remote
// side can render the caller's tile from it immediately.
type CallMetadata struct {
	UserID  string  `json:"userId"`
	Profile Profile `json:"profile"`
}

// ICECandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidateInit struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalEnvelope is the versioned tagged union carried on the signaling
// stream. Exactly one payload group is populated depending on Kind.
type SignalEnvelope struct {
	Version int    `json:"version"`
	Kind    string `json:"kind"`
	CallID  string `json:"callId"`
	From    string `json:"from"`

	Meta      *CallMetadata     `json:"meta,omitempty"`      // SignalOffer
	SDP       string            `json:"sdp,omitempty"`       // SignalOffer, SignalAnswer
	Candidate *ICECandidateInit `json:"candidate,omitempty"` // SignalICE
}

var (
	ErrSignalVersion   = errors.New("unsupported signal envelope version")
	ErrSignalMalformed = errors.New("malformed signal envelope")
)

// Validate checks an envelope on receipt and fails closed on anything that
// does not match the declared Kind.
func (e *SignalEnvelope) Validate() error {
	if e.Version != SignalVersion {
		return fmt.Errorf("%w: %d", ErrSignalVersion, e.Version)
	}
	if e.CallID == "" || e.From == "" {
		return fmt.Errorf("%w: missing call or sender id", ErrSignalMalformed)
	}
	switch e.Kind {
	case SignalOffer:
		if e.SDP == "" {
			return fmt.Errorf("%w: offer without sdp", ErrSignalMalformed)
		}
		if e.Meta == nil || e.Meta.UserID == "" {
			return fmt.Errorf("%w: offer without caller metadata", ErrSignalMalformed)
		}
	case SignalAnswer:
		if e.SDP == "" {
			return fmt.Errorf("%w: answer without sdp", ErrSignalMalformed)
		}
	case SignalICE:
		if e.Candidate == nil || e.Candidate.Candidate == "" {
			return fmt.Errorf("%w: ice without candidate", ErrSignalMalformed)
		}
	case SignalHangup:
		// no payload
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrSignalMalformed, e.Kind)
	}
	return nil
}

func NowMillis() int64 { return time.Now().UnixMilli() }
