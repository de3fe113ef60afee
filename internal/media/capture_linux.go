//go:build linux

package media

import (
	"log"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the V4L2 camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the malgo microphone driver
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers the X11 screen driver
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Acquire captures local camera/microphone per the constraints.
//
// GetUserMedia fails as a unit if either requested track can't be opened, so
// attempts degrade: video+audio, then video-only, then audio-only. A missing
// or busy microphone therefore doesn't prevent the camera from working and
// vice versa. All attempts failing still returns a usable trackless stream —
// only the local contribution is degraded, never call establishment.
func Acquire(e *Engine, c Constraints) *LocalStream {
	s := newLocalStream()
	if !c.Audio && !c.Video {
		return s
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{}
	if c.Video && c.Audio {
		attempts = append(attempts, attempt{true, true, "video+audio"})
	}
	if c.Video {
		attempts = append(attempts, attempt{true, false, "video-only"})
	}
	if c.Audio {
		attempts = append(attempts, attempt{false, true, "audio-only"})
	}

	var firstErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: e.selector}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder. Raw formats only.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: 640}
				mc.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		for _, track := range stream.GetTracks() {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("MEDIA: local track ended: %v", err)
				}
			})
			t := track
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				s.audio = track
			case webrtc.RTPCodecTypeVideo:
				s.video = track
			}
			s.stops = append(s.stops, func() { t.Close() })
		}

		// Partial acquisition still gets an error so the caller can force the
		// matching muted/camera-off flags.
		if (c.Audio && s.audio == nil) || (c.Video && s.video == nil) {
			if firstErr == nil {
				firstErr = ErrNoDriver
			}
			s.Err = &CaptureError{Kind: Classify(firstErr), Err: firstErr}
		}
		log.Printf("MEDIA: local media captured (%s)", a.label)
		return s
	}

	log.Printf("MEDIA: all capture attempts failed — proceeding trackless")
	s.Err = &CaptureError{Kind: Classify(firstErr), Err: firstErr}
	return s
}

// AcquireScreen captures the display for screen sharing. Unlike Acquire this
// returns an error on failure: a failed share is cancelled, not degraded.
func AcquireScreen(e *Engine) (*LocalStream, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: e.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, &CaptureError{Kind: Classify(err), Err: err}
	}

	s := newLocalStream()
	for _, track := range stream.GetTracks() {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			track.Close()
			continue
		}
		t := track
		s.video = track
		s.stops = append(s.stops, func() { t.Close() })
	}
	if s.video == nil {
		return nil, &CaptureError{Kind: DeviceNotFound, Err: ErrNoDriver}
	}
	log.Printf("MEDIA: screen capture started")
	return s, nil
}
