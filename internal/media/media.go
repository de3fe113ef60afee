// Package media owns local device capture: camera, microphone, and screen.
// Capture failure is normalized into a small closed taxonomy and never blocks
// call setup — a failed acquisition still yields a usable (trackless) stream,
// it only degrades what the local user contributes.
package media

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// FailureKind is the closed taxonomy for capture failures.
type FailureKind string

const (
	DeviceNotFound   FailureKind = "device-not-found"
	PermissionDenied FailureKind = "permission-denied"
	CaptureFailed    FailureKind = "other"
)

// CaptureError describes why a capture attempt degraded. It is informational:
// the stream returned alongside it is still valid for call setup.
type CaptureError struct {
	Kind FailureKind
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("media capture (%s): %v", e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Classify maps a raw driver/OS error onto the taxonomy. Driver errors are
// plain strings, so this is substring matching by necessity.
func Classify(err error) FailureKind {
	if err == nil {
		return CaptureFailed
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, ErrNoDriver),
		strings.Contains(msg, "no such device"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "failed to find"),
		strings.Contains(msg, "no device"):
		return DeviceNotFound
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "not permitted"),
		strings.Contains(msg, "access denied"):
		return PermissionDenied
	default:
		return CaptureFailed
	}
}

// ErrNoDriver is returned on platforms without capture drivers compiled in.
var ErrNoDriver = errors.New("no media capture driver on this platform")

// Constraints selects which kinds of local media to acquire.
type Constraints struct {
	Audio bool
	Video bool
}

// LocalStream is the local media handle. It is exclusively owned by this
// package's caller: only the owner may Close (stop tracks); consumers attach
// the tracks to peer connections and toggle by sender track replacement.
type LocalStream struct {
	id string

	mu    sync.Mutex
	audio webrtc.TrackLocal
	video webrtc.TrackLocal
	stops []func()

	// Err records why capture degraded; nil when every requested track
	// was acquired.
	Err *CaptureError
}

func newLocalStream() *LocalStream {
	return &LocalStream{id: uuid.NewString()}
}

// NewStaticStream wraps pre-built tracks in a stream handle. stops run once
// on Close. Used when the tracks come from somewhere other than device
// capture (file playback, tests).
func NewStaticStream(audio, video webrtc.TrackLocal, stops ...func()) *LocalStream {
	s := newLocalStream()
	s.audio = audio
	s.video = video
	s.stops = stops
	return s
}

// ID implements the roster's stream handle interface.
func (s *LocalStream) ID() string { return s.id }

// AudioTrack returns the local audio track, or nil when trackless.
func (s *LocalStream) AudioTrack() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

// VideoTrack returns the local video track, or nil when trackless.
func (s *LocalStream) VideoTrack() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

// Trackless reports whether capture yielded no tracks at all. A trackless
// stream is still a valid call attachment — the remote side sees a silent,
// cameraless participant.
func (s *LocalStream) Trackless() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio == nil && s.video == nil
}

// Close stops every captured track. Only the owner calls this; it is safe to
// call more than once.
func (s *LocalStream) Close() {
	s.mu.Lock()
	stops := s.stops
	s.stops = nil
	s.audio = nil
	s.video = nil
	s.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}
