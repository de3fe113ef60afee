package chat

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/wevov/liaotian/internal/proto"
)

type captureSender struct {
	peerIDs  []string
	payloads [][]byte
	fail     bool
}

func (c *captureSender) SendDM(_ context.Context, peerID string, data []byte) error {
	if c.fail {
		return context.DeadlineExceeded
	}
	c.peerIDs = append(c.peerIDs, peerID)
	c.payloads = append(c.payloads, data)
	return nil
}

func newTestManager(send Sender) *Manager {
	return NewManager("peer-self", "u-self",
		proto.Profile{Username: "self", DisplayName: "Self"}, send, nil, 10)
}

func TestSendDirectRoundTrip(t *testing.T) {
	send := &captureSender{}
	alice := newTestManager(send)

	msg, err := alice.SendDirect(context.Background(), "peer-bob", "u-bob", "hi bob")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Scope != "dm:u-bob" || !msg.Local {
		t.Fatalf("msg = %+v", msg)
	}
	if len(send.peerIDs) != 1 || send.peerIDs[0] != "peer-bob" {
		t.Fatalf("sent to %v", send.peerIDs)
	}

	// feed the captured payload into a second manager as the recipient
	bob := NewManager("peer-bob", "u-bob", proto.Profile{Username: "bob"}, send, nil, 10)
	bob.HandleDM("peer-self", send.payloads[0])

	hist := bob.History("dm:u-self", 10)
	if len(hist) != 1 || hist[0].Body != "hi bob" || hist[0].Local {
		t.Fatalf("bob history = %+v", hist)
	}
}

func TestSendDirectFailureRecordsNothing(t *testing.T) {
	m := newTestManager(&captureSender{fail: true})
	if _, err := m.SendDirect(context.Background(), "peer-bob", "u-bob", "hi"); err == nil {
		t.Fatal("send succeeded against failing transport")
	}
	if len(m.History("dm:u-bob", 10)) != 0 {
		t.Fatal("failed send left a history entry")
	}
	if _, err := m.SendDirect(context.Background(), "p", "u", "   "); err == nil {
		t.Fatal("blank message accepted")
	}
}

func TestRoomEchoDeduped(t *testing.T) {
	m := newTestManager(&captureSender{})
	m.RecordLocalRoomMessage("g1", "msg-1", "hello room", 100)

	// topic loop-back of our own publish
	m.AddRoomMessage("g1", proto.RoomMsg{
		Kind: proto.KindChat, PeerID: "peer-self", UserID: "u-self",
		MsgID: "msg-1", Body: "hello room", TS: 100,
	})
	m.AddRoomMessage("g1", proto.RoomMsg{
		Kind: proto.KindChat, PeerID: "peer-other", UserID: "u-other",
		MsgID: "msg-2", Body: "hey", TS: 200,
	})

	hist := m.History(RoomScope("g1"), 10)
	if len(hist) != 2 {
		t.Fatalf("history = %d entries, want 2", len(hist))
	}
	if !hist[0].Local || hist[1].Local {
		t.Fatalf("local flags wrong: %+v", hist)
	}
}

func TestBadDMDropped(t *testing.T) {
	m := newTestManager(&captureSender{})
	m.HandleDM("peer-x", []byte("{not json"))
	m.HandleDM("peer-x", mustJSON(t, dmWire{ID: "x", Body: "no user"}))
	if n := len(m.History("dm:", 10)); n != 0 {
		t.Fatalf("bad dms recorded: %d", n)
	}
}

func TestSubscribeReceives(t *testing.T) {
	m := newTestManager(&captureSender{})
	ch := m.Subscribe()
	defer m.Unsubscribe(ch)

	m.RecordLocalRoomMessage("g1", "msg-1", "ping", 1)
	select {
	case msg := <-ch:
		if msg.ID != "msg-1" {
			t.Fatalf("got %+v", msg)
		}
	default:
		t.Fatal("listener not notified")
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
