//go:build !linux

package media

import "log"

// Acquire on platforms without capture drivers returns a trackless stream.
// Calls still establish; the local user just contributes no media.
func Acquire(_ *Engine, c Constraints) *LocalStream {
	s := newLocalStream()
	if c.Audio || c.Video {
		log.Printf("MEDIA: no capture drivers on this platform — proceeding trackless")
		s.Err = &CaptureError{Kind: DeviceNotFound, Err: ErrNoDriver}
	}
	return s
}

// AcquireScreen is unavailable without platform drivers.
func AcquireScreen(_ *Engine) (*LocalStream, error) {
	return nil, &CaptureError{Kind: DeviceNotFound, Err: ErrNoDriver}
}
