package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/wevov/liaotian/internal/media"
	"github.com/wevov/liaotian/internal/proto"
)

// pliInterval is how often a keyframe is requested on inbound video. VP8
// streams recover from loss only at a keyframe, so without periodic PLI a
// joiner can stare at artifacts for a long time.
const pliInterval = 3 * time.Second

// NewPionLinkFactory returns a LinkFactory backed by real peer connections on
// the shared engine.
func NewPionLinkFactory(engine *media.Engine, iceServers []string) LinkFactory {
	return func(ev LinkEvents) (Link, error) {
		pc, err := engine.NewPeerConnection(iceServers)
		if err != nil {
			return nil, err
		}
		l := &pionLink{pc: pc, done: make(chan struct{})}

		// Both m-lines exist from the start so that mute/camera toggles are
		// pure ReplaceTrack operations, never a renegotiation.
		audioTr, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
		videoTr, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
		l.audioSender = audioTr.Sender()
		l.videoSender = videoTr.Sender()

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil || ev.Candidate == nil {
				return
			}
			init := c.ToJSON()
			ev.Candidate(proto.ICECandidateInit{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			})
		})

		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			if track.Kind() == webrtc.RTPCodecTypeVideo {
				go l.pliLoop(track.SSRC())
			}
			if ev.Track != nil {
				ev.Track(track.StreamID(), track.Kind(), track)
			}
		})

		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			switch s {
			case webrtc.PeerConnectionStateConnected:
				if ev.Connected != nil {
					ev.Connected()
				}
			case webrtc.PeerConnectionStateFailed:
				if ev.Failed != nil {
					ev.Failed(ErrLinkFailed)
				}
			}
		})

		return l, nil
	}
}

type pionLink struct {
	pc          *webrtc.PeerConnection
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	closeOnce sync.Once
	done      chan struct{}
}

func (l *pionLink) Offer(ctx context.Context) (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (l *pionLink) Answer(ctx context.Context, offerSDP string) (string, error) {
	err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: offerSDP,
	})
	if err != nil {
		return "", fmt.Errorf("apply remote offer: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (l *pionLink) AcceptAnswer(sdp string) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: sdp,
	})
}

func (l *pionLink) AddCandidate(c proto.ICECandidateInit) error {
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (l *pionLink) ReplaceAudio(t webrtc.TrackLocal) error {
	return l.audioSender.ReplaceTrack(t)
}

func (l *pionLink) ReplaceVideo(t webrtc.TrackLocal) error {
	return l.videoSender.ReplaceTrack(t)
}

func (l *pionLink) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return l.pc.Close()
}

func (l *pionLink) pliLoop(ssrc webrtc.SSRC) {
	t := time.NewTicker(pliInterval)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-t.C:
			err := l.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
			})
			if err != nil {
				log.Printf("CALL: pli write failed: %v", err)
				return
			}
		}
	}
}
