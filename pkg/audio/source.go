// Package audio acquires call audio and turns it into the fixed-size
// PCM frames consumed by the speech-to-text relay.
//
// The two primary abstractions are:
//
//   - [Source]: a platform audio input (microphone, system loopback, a voice
//     call) that is negotiated with Open and yields raw [AudioFrame] chunks.
//   - [Capture]: the running adapter that converts every source to mono
//     16 kHz, mixes them with fixed per-source gains and emits [Frame] values
//     at a fixed cadence.
//
// Implementations of [Source] live in this package ([PipeSource]) and in
// platform-specific sub-packages (e.g., audio/discord). The interface is kept
// narrow so third-party capture backends can be plugged in.
package audio

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is reported when the platform refuses access to an
	// audio device.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable is reported when a device does not exist, cannot be
	// negotiated, or stops delivering audio.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
)

// SourceError attributes an audio failure to a named source. Err wraps one of
// the package sentinels so callers can classify it with errors.Is.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("audio: source %q: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Source is a platform audio input.
//
// Open negotiates the device and returns a channel of raw chunks. The channel
// is closed when the device stops delivering audio or after Close. Close
// releases every OS-level handle and must be safe to call more than once.
type Source interface {
	// Name identifies the source in logs and errors.
	Name() string

	// Open starts delivery. Errors should wrap [ErrPermissionDenied] or
	// [ErrDeviceUnavailable].
	Open(ctx context.Context) (<-chan AudioFrame, error)

	// Close stops delivery and releases the device.
	Close() error
}
