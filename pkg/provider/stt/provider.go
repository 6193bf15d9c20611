// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram)
// and exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw PCM audio and emits a
// single ordered stream of interim and final [types.TranscriptEvent] values.
// Keeping one stream preserves the order in which the backend produced
// interim and final results.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/callscribe/pkg/types"
)

var (
	// ErrAuthRejected is returned (wrapped) by StartStream when the backend
	// refuses the supplied credentials. Retrying with the same key is futile.
	ErrAuthRejected = errors.New("stt: credentials rejected")

	// ErrBackpressure is returned by SendAudio when the outbound queue is
	// full. The chunk is not sent.
	ErrBackpressure = errors.New("stt: send queue full")

	// ErrClosed is returned by SendAudio after the session has ended.
	ErrClosed = errors.New("stt: session closed")
)

// StreamConfig carries the session parameters sent to the backend at connect
// time. Every reconnect re-sends the same configuration.
type StreamConfig struct {
	// Model selects the recognition model. Empty uses the provider default.
	Model string

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	Language string

	// Encoding names the audio encoding; "linear16" for raw PCM16.
	Encoding string

	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Channels is the number of interleaved audio channels.
	Channels int

	// Punctuate asks the backend to insert punctuation.
	Punctuate bool

	// InterimResults enables provisional results for utterances in progress.
	InterimResults bool

	// SmartFormat enables backend-side formatting of numbers, dates and so on.
	SmartFormat bool

	// EndpointingMs is the silence duration after which the backend finalizes
	// an utterance. Zero leaves the backend default.
	EndpointingMs int

	// UtteranceEndMs enables utterance-end events after this much silence.
	// Zero disables them.
	UtteranceEndMs int

	// Keywords is a list of vocabulary hints such as customer or product
	// names.
	Keywords []types.KeywordBoost
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio queues a chunk of raw PCM bytes for delivery. It never blocks;
	// when the queue is full it returns ErrBackpressure, and after the session
	// ended it returns ErrClosed.
	SendAudio(chunk []byte) error

	// Events returns the ordered stream of transcript events. The channel is
	// closed when the session ends for any reason.
	Events() <-chan types.TranscriptEvent

	// Err reports why the session ended once Events is closed. It returns nil
	// while the session is open and after a local Close.
	Err() error

	// Close terminates the session, flushes pending audio and releases all
	// resources. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new streaming session with the given configuration.
	// The handshake is bounded by ctx; a rejected credential yields an error
	// wrapping ErrAuthRejected. The caller owns the returned handle.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
