package chat

import (
	"github.com/google/uuid"

	"github.com/wevov/liaotian/internal/proto"
)

// Message is one chat line, direct or room-scoped. Scope is "room:<roomId>"
// or "dm:<userId>" (the remote user for both directions of a conversation).
type Message struct {
	ID       string        `json:"id"`
	Scope    string        `json:"scope"`
	FromUser string        `json:"fromUser"`
	FromPeer string        `json:"fromPeer"`
	Profile  proto.Profile `json:"profile"`
	Body     string        `json:"body"`
	Local    bool          `json:"local"` // sent by us
	TS       int64         `json:"ts"`
}

// dmWire is the JSON payload carried on the DM stream protocol.
type dmWire struct {
	ID      string        `json:"id"`
	UserID  string        `json:"userId"`
	Profile proto.Profile `json:"profile"`
	Body    string        `json:"body"`
	TS      int64         `json:"ts"`
}

func newDMWire(userID string, p proto.Profile, body string) dmWire {
	return dmWire{
		ID:      uuid.NewString(),
		UserID:  userID,
		Profile: p,
		Body:    body,
		TS:      proto.NowMillis(),
	}
}

// RoomScope and DMScope build the scope keys used for history lookups.
func RoomScope(roomID string) string { return "room:" + roomID }
func DMScope(userID string) string   { return "dm:" + userID }
