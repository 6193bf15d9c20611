// Package mock provides an in-memory [audio.Source] for unit tests.
//
// The mock is safe for concurrent use. It records calls so tests can assert
// on them, and exposes exported fields that control its behaviour.
//
// Typical usage:
//
//	mic := mock.NewSource("mic")
//	c, err := audio.StartCapture(ctx, audio.CaptureConfig{Microphone: mic, OnFrame: onFrame})
//	mic.Push(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
//	mic.End() // simulate the device disappearing
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callscribe/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

// Source is a mock implementation of [audio.Source].
type Source struct {
	name string

	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// CloseErr is returned by Close.
	CloseErr error

	// OpenCalls and CloseCalls count method invocations.
	OpenCalls  int
	CloseCalls int

	ch    chan audio.AudioFrame
	ended bool
}

// NewSource returns a mock source with a buffered chunk channel.
func NewSource(name string) *Source {
	return &Source{name: name, ch: make(chan audio.AudioFrame, 256)}
}

// Name implements [audio.Source].
func (s *Source) Name() string { return s.name }

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls++
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	return s.ch, nil
}

// Close implements [audio.Source]. It ends the stream if still open.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	s.endLocked()
	return s.CloseErr
}

// Push delivers a chunk to the consumer. Pushing after End is a no-op.
func (s *Source) Push(f audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ch <- f
}

// End closes the chunk channel, simulating a device that stopped delivering.
func (s *Source) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked()
}

// Calls returns the current open and close counts.
func (s *Source) Calls() (open, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.OpenCalls, s.CloseCalls
}

func (s *Source) endLocked() {
	if !s.ended {
		s.ended = true
		close(s.ch)
	}
}
