package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	defaultChunkDuration = 20 * time.Millisecond
	pipeChannelBuffer    = 64
)

// Compile-time interface assertion.
var _ Source = (*PipeSource)(nil)

// PipeSource reads raw little-endian PCM16 from a file, a named pipe or
// standard input. It is how external capture tools (arecord, parec, ffmpeg)
// are plugged into the adapter:
//
//	parec --format=s16le --rate=48000 --channels=2 -d @DEFAULT_MONITOR@ > /tmp/system.pcm
//
// Construct with [NewPipeSource] or [NewReaderSource].
type PipeSource struct {
	name   string
	path   string
	format Format

	// ChunkDuration is the amount of audio per delivered chunk.
	ChunkDuration time.Duration

	// Paced delivers chunks in real time instead of as fast as the reader
	// allows. Enable it when replaying a recording.
	Paced bool

	open func() (io.ReadCloser, error)

	mu        sync.Mutex
	rc        io.ReadCloser
	done      chan struct{}
	closeOnce sync.Once
}

// NewPipeSource returns a source reading from path. The path "-" selects
// standard input.
func NewPipeSource(name, path string, format Format) *PipeSource {
	s := &PipeSource{name: name, path: path, format: format, ChunkDuration: defaultChunkDuration}
	s.open = func() (io.ReadCloser, error) {
		if path == "-" {
			return os.Stdin, nil
		}
		return os.Open(path)
	}
	return s
}

// NewReaderSource returns a source reading from an already-open reader.
func NewReaderSource(name string, r io.ReadCloser, format Format) *PipeSource {
	return &PipeSource{
		name:          name,
		format:        format,
		ChunkDuration: defaultChunkDuration,
		open:          func() (io.ReadCloser, error) { return r, nil },
	}
}

// Name implements [Source].
func (s *PipeSource) Name() string { return s.name }

// Open implements [Source]. Permission errors map to [ErrPermissionDenied];
// everything else maps to [ErrDeviceUnavailable].
func (s *PipeSource) Open(ctx context.Context) (<-chan AudioFrame, error) {
	if s.format.SampleRate <= 0 || s.format.Channels <= 0 {
		return nil, &SourceError{Source: s.name, Err: fmt.Errorf("%w: invalid format %s", ErrDeviceUnavailable, s.format)}
	}

	rc, err := s.open()
	if err != nil {
		kind := ErrDeviceUnavailable
		if errors.Is(err, fs.ErrPermission) {
			kind = ErrPermissionDenied
		}
		return nil, &SourceError{Source: s.name, Err: fmt.Errorf("%w: %w", kind, err)}
	}

	s.mu.Lock()
	s.rc = rc
	s.done = make(chan struct{})
	s.mu.Unlock()

	out := make(chan AudioFrame, pipeChannelBuffer)
	go s.readLoop(ctx, rc, out)
	return out, nil
}

// Close implements [Source]. It is safe to call more than once.
func (s *PipeSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.done != nil {
			close(s.done)
		}
		if s.rc != nil {
			err = s.rc.Close()
		}
	})
	return err
}

func (s *PipeSource) readLoop(ctx context.Context, r io.Reader, out chan<- AudioFrame) {
	defer close(out)

	chunkDur := s.ChunkDuration
	if chunkDur <= 0 {
		chunkDur = defaultChunkDuration
	}
	frameBytes := 2 * s.format.Channels
	chunkBytes := int(int64(s.format.SampleRate)*int64(chunkDur)/int64(time.Second)) * frameBytes
	chunkBytes = max(chunkBytes, frameBytes)

	var ticker *time.Ticker
	if s.Paced {
		ticker = time.NewTicker(chunkDur)
		defer ticker.Stop()
	}

	var offset time.Duration
	for {
		buf := make([]byte, chunkBytes)
		n, err := io.ReadFull(r, buf)
		n -= n % frameBytes
		if n > 0 {
			frame := AudioFrame{
				Data:       buf[:n],
				SampleRate: s.format.SampleRate,
				Channels:   s.format.Channels,
				Timestamp:  offset,
			}
			offset += time.Duration(n/frameBytes) * time.Second / time.Duration(s.format.SampleRate)

			if ticker != nil {
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				case <-s.done:
					return
				}
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				slog.Warn("audio: pipe source read failed", "source", s.name, "err", err)
			}
			return
		}
	}
}
