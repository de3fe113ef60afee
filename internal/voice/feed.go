package voice

import (
	"log"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
)

const (
	sampleRate = 48000
	channels   = 2

	// 120 ms at 48 kHz stereo, the largest frame Opus allows.
	maxFrameSize = 5760 * channels
)

// FeedTrack decodes an inbound Opus track and pushes its amplitude into the
// monitor until the track ends. Blocks; run it on its own goroutine. The
// source is registered on entry and deregistered on return, so a dead track
// never leaves a stale speaking highlight.
func FeedTrack(m *Monitor, id string, track *webrtc.TrackRemote) {
	if track == nil || track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		log.Printf("VOICE [%s]: opus decoder init failed: %v", id, err)
		return
	}

	m.Register(id)
	defer m.Deregister(id)

	pcm := make([]int16, maxFrameSize)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(pkt.Payload, pcm)
		if err != nil {
			log.Printf("VOICE [%s]: opus decode failed: %v", id, err)
			continue
		}
		if n <= 0 {
			continue
		}
		m.Push(id, pcm[:n*channels])
	}
}
