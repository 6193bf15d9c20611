package audio

import (
	"encoding/binary"
	"time"
)

// SampleRate is the sample rate, in Hz, of every [Frame] the capture adapter
// emits.
const SampleRate = 16000

// DefaultFrameSamples is the default number of samples per emitted [Frame].
const DefaultFrameSamples = 4096

// AudioFrame is a chunk of raw PCM audio as delivered by a [Source]. Its
// format is whatever the source negotiated; the capture adapter converts it
// to mono 16 kHz before framing.
type AudioFrame struct {
	// Data holds little-endian signed 16-bit PCM, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Discord Opus, 16000 for a headset mic).
	SampleRate int

	// Channels is the interleaved channel count.
	Channels int

	// Timestamp marks when this chunk was captured, relative to stream start.
	Timestamp time.Duration
}

// Frame is a fixed-length buffer of signed 16-bit mono samples at
// [SampleRate], tagged with a monotonic sequence number. Frames are the unit
// handed from the capture adapter to the relay client.
type Frame struct {
	// Seq starts at 1 and increases by one per emitted frame.
	Seq uint64

	// Samples always has the length configured for the capture.
	Samples []int16

	// Timestamp is the position of the first sample relative to capture start.
	Timestamp time.Duration
}

// Bytes encodes the samples as little-endian PCM16, the wire format expected
// by speech-to-text backends.
func (f Frame) Bytes() []byte {
	b := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return time.Duration(len(f.Samples)) * time.Second / SampleRate
}
