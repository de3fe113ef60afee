// Package p2p owns the libp2p host: identity, LAN discovery, room pubsub
// topics, and the signaling/DM stream protocols. Everything above it talks in
// terms of peer-id strings and JSON payloads.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/wevov/liaotian/internal/proto"
	"github.com/wevov/liaotian/internal/util"
)

// MdnsTag is the mDNS service tag peers advertise on the LAN.
const MdnsTag = "liaotian-mdns"

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("pubsub", "warn")
	logging.SetLogLevel("autonat", "warn")
}

// SignalHandler receives one decoded signaling envelope per inbound stream.
// from is the authenticated stream peer, not a claim in the payload.
type SignalHandler func(from string, env *proto.SignalEnvelope)

// DMHandler receives one raw direct-message payload per inbound stream.
type DMHandler func(from string, data []byte)

type Node struct {
	Host host.Host
	ps   *pubsub.PubSub

	mu            sync.RWMutex
	signalHandler SignalHandler
	dmHandler     DMHandler
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New builds the host, starts mDNS discovery, attaches gossipsub, and
// registers the stream protocol handlers. bootstrapPeers are multiaddrs
// (with /p2p/ suffix) dialed at startup for cross-LAN meshes.
func New(ctx context.Context, listenPort int, keyFile string, bootstrapPeers []string) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("Generated new identity key: %s", keyFile)
	} else {
		log.Printf("Loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort),
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", listenPort),
		),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{Host: h, ps: ps}

	h.SetStreamHandler(protocol.ID(proto.SignalProtoID), n.handleSignalStream)
	h.SetStreamHandler(protocol.ID(proto.DMProtoID), n.handleDMStream)

	n.connectBootstrap(ctx, bootstrapPeers)
	return n, nil
}

func (n *Node) connectBootstrap(ctx context.Context, addrs []string) {
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Printf("P2P: bad bootstrap addr %q: %v", s, err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(a)
		if err != nil {
			log.Printf("P2P: bootstrap addr %q has no peer id: %v", s, err)
			continue
		}
		go func(pi peer.AddrInfo) {
			cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
			defer cancel()
			if err := n.Host.Connect(cctx, pi); err != nil {
				log.Printf("P2P: bootstrap connect %s: %v", pi.ID, err)
			}
		}(*pi)
	}
}

func (n *Node) ID() string { return n.Host.ID().String() }

// Addrs returns the host's listen multiaddrs with the /p2p/ suffix, suitable
// for other nodes' bootstrap lists.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.Host.ID()))
	}
	return out
}

func (n *Node) Close() error {
	return n.Host.Close()
}

// SetSignalHandler installs the sink for inbound signaling envelopes. Safe
// to call while streams are being served; nil uninstalls.
func (n *Node) SetSignalHandler(fn SignalHandler) {
	n.mu.Lock()
	n.signalHandler = fn
	n.mu.Unlock()
}

// SetDMHandler installs the sink for inbound direct messages. Safe to call
// while streams are being served; nil uninstalls.
func (n *Node) SetDMHandler(fn DMHandler) {
	n.mu.Lock()
	n.dmHandler = fn
	n.mu.Unlock()
}

func (n *Node) currentSignalHandler() SignalHandler {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.signalHandler
}

func (n *Node) currentDMHandler() DMHandler {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dmHandler
}

// SendSignal opens a signaling stream to peerID and writes one envelope.
func (n *Node) SendSignal(ctx context.Context, peerID string, env *proto.SignalEnvelope) error {
	return n.sendJSON(ctx, peerID, proto.SignalProtoID, env)
}

// SendDM opens a DM stream to peerID and writes one raw payload.
func (n *Node) SendDM(ctx context.Context, peerID string, data []byte) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("decode peer id: %w", err)
	}
	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.DMProtoID))
	if err != nil {
		return err
	}
	defer s.Close()
	_ = s.SetWriteDeadline(time.Now().Add(util.DefaultSignalTimeout))
	_, err = s.Write(data)
	return err
}

func (n *Node) sendJSON(ctx context.Context, peerID string, protoID string, v any) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("decode peer id: %w", err)
	}
	s, err := n.Host.NewStream(ctx, pid, protocol.ID(protoID))
	if err != nil {
		return err
	}
	defer s.Close()
	_ = s.SetWriteDeadline(time.Now().Add(util.DefaultSignalTimeout))
	return json.NewEncoder(s).Encode(v)
}

func (n *Node) handleSignalStream(s network.Stream) {
	defer s.Close()
	from := s.Conn().RemotePeer().String()
	_ = s.SetReadDeadline(time.Now().Add(util.DefaultSignalTimeout))

	var env proto.SignalEnvelope
	if err := json.NewDecoder(s).Decode(&env); err != nil {
		log.Printf("P2P: bad signal payload from %s: %v", from, err)
		_ = s.Reset()
		return
	}
	if h := n.currentSignalHandler(); h != nil {
		h(from, &env)
	}
}

func (n *Node) handleDMStream(s network.Stream) {
	defer s.Close()
	from := s.Conn().RemotePeer().String()
	_ = s.SetReadDeadline(time.Now().Add(util.DefaultSignalTimeout))

	data, err := readAll(s, 64<<10)
	if err != nil {
		log.Printf("P2P: bad dm payload from %s: %v", from, err)
		_ = s.Reset()
		return
	}
	if h := n.currentDMHandler(); h != nil {
		h(from, data)
	}
}

// readAll reads the stream to EOF with a hard size cap.
func readAll(s network.Stream, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(s, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("payload exceeds %d bytes", max)
	}
	return data, nil
}
