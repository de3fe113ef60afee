package p2p

import (
	"context"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/wevov/liaotian/internal/proto"
)

// TopicTransport is a joined gossipsub room topic. It satisfies the presence
// package's Transport interface.
type TopicTransport struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	mu     sync.Mutex
	closed bool
}

// JoinRoom joins the pubsub topic for roomID and subscribes to it.
func (n *Node) JoinRoom(roomID string) (*TopicTransport, error) {
	topic, err := n.ps.Join(proto.RoomTopic(roomID))
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, err
	}
	return &TopicTransport{topic: topic, sub: sub}, nil
}

func (t *TopicTransport) Publish(ctx context.Context, data []byte) error {
	return t.topic.Publish(ctx, data)
}

// Next returns the next topic message. Gossipsub also delivers our own
// publishes; the presence layer filters those by peer id.
func (t *TopicTransport) Next(ctx context.Context) ([]byte, error) {
	m, err := t.sub.Next(ctx)
	if err != nil {
		return nil, err
	}
	return m.Data, nil
}

func (t *TopicTransport) Leave() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.sub.Cancel()
	return t.topic.Close()
}
