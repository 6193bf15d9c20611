package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultMicGain    = 1.0
	defaultSystemGain = 0.8
)

// CaptureConfig configures [StartCapture].
type CaptureConfig struct {
	// Microphone is always required.
	Microphone Source

	// System is the optional loopback / remote-party source. When it cannot
	// be opened, capture degrades to microphone-only.
	System Source

	// FrameSamples is the fixed number of samples per emitted frame.
	// Defaults to [DefaultFrameSamples].
	FrameSamples int

	// MicGain and SystemGain scale each source before mixing. Zero selects
	// the defaults (1.0 and 0.8).
	MicGain    float64
	SystemGain float64

	// OnFrame receives every emitted frame on the capture goroutine. It must
	// not block.
	OnFrame func(Frame)

	// OnError receives recoverable and terminal source errors. Optional.
	OnError func(error)
}

// Capture is a running audio capture. Obtain one with [StartCapture] and
// release it with [Capture.Stop].
type Capture struct {
	cfg     CaptureConfig
	sources []Source

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error

	systemActive atomic.Bool
	frames       atomic.Uint64
}

// StartCapture opens the configured sources and begins emitting frames.
//
// A microphone failure is returned as an error and nothing stays open. A
// system source failure is reported through OnError as a *SourceError and
// capture continues with the microphone only.
func StartCapture(ctx context.Context, cfg CaptureConfig) (_ *Capture, err error) {
	if cfg.Microphone == nil {
		return nil, errors.New("audio: capture requires a microphone source")
	}
	if cfg.OnFrame == nil {
		return nil, errors.New("audio: capture requires an OnFrame callback")
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = DefaultFrameSamples
	}
	if cfg.MicGain == 0 {
		cfg.MicGain = defaultMicGain
	}
	if cfg.SystemGain == 0 {
		cfg.SystemGain = defaultSystemGain
	}

	c := &Capture{cfg: cfg, done: make(chan struct{})}
	defer func() {
		if err != nil {
			c.closeSources()
		}
	}()

	micCh, err := cfg.Microphone.Open(ctx)
	c.sources = append(c.sources, cfg.Microphone)
	if err != nil {
		return nil, asSourceError(cfg.Microphone.Name(), err)
	}

	var sysCh <-chan AudioFrame
	if cfg.System != nil {
		ch, oErr := cfg.System.Open(ctx)
		c.sources = append(c.sources, cfg.System)
		if oErr != nil {
			serr := asSourceError(cfg.System.Name(), oErr)
			slog.Warn("audio: system source unavailable, continuing with microphone only",
				"source", cfg.System.Name(), "err", oErr)
			c.report(serr)
		} else {
			sysCh = ch
			c.systemActive.Store(true)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(loopCtx, micCh, sysCh)

	slog.Info("audio: capture started",
		"microphone", cfg.Microphone.Name(),
		"system", c.systemActive.Load(),
		"frame_samples", cfg.FrameSamples,
	)
	return c, nil
}

// SystemActive reports whether the system source is currently being mixed.
func (c *Capture) SystemActive() bool { return c.systemActive.Load() }

// Frames returns the number of frames emitted so far.
func (c *Capture) Frames() uint64 { return c.frames.Load() }

// Done is closed when the capture goroutine exits, either after Stop or
// because the microphone stopped delivering audio.
func (c *Capture) Done() <-chan struct{} { return c.done }

// Stop halts frame emission and releases every source. It is safe to call
// more than once; later calls return the first call's result.
func (c *Capture) Stop() error {
	c.stopOnce.Do(func() {
		c.cancel()
		<-c.done
		c.stopErr = c.closeSources()
		slog.Info("audio: capture stopped", "frames", c.frames.Load())
	})
	return c.stopErr
}

func (c *Capture) closeSources() error {
	var errs []error
	for _, s := range c.sources {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audio: close %q: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *Capture) report(err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

// run converts and mixes source chunks. The microphone drives the cadence:
// a frame is emitted each time FrameSamples microphone samples are buffered.
func (c *Capture) run(ctx context.Context, micCh, sysCh <-chan AudioFrame) {
	defer close(c.done)

	n := c.cfg.FrameSamples
	var (
		micConv, sysConv FormatConverter
		micBuf, sysBuf   []int16
		seq              uint64
	)

	for {
		select {
		case <-ctx.Done():
			return

		case chunk, ok := <-sysCh:
			if !ok {
				sysCh = nil
				sysBuf = nil
				c.systemActive.Store(false)
				slog.Warn("audio: system source ended, continuing with microphone only",
					"source", c.cfg.System.Name())
				c.report(&SourceError{Source: c.cfg.System.Name(), Err: ErrDeviceUnavailable})
				continue
			}
			sysBuf = append(sysBuf, sysConv.Convert(chunk)...)
			// Keep at most one frame of lead so the two sources stay aligned.
			if extra := len(sysBuf) - n; extra > n {
				sysBuf = append(sysBuf[:0:0], sysBuf[len(sysBuf)-n:]...)
			}

		case chunk, ok := <-micCh:
			if !ok {
				slog.Warn("audio: microphone ended", "source", c.cfg.Microphone.Name())
				c.report(&SourceError{Source: c.cfg.Microphone.Name(), Err: ErrDeviceUnavailable})
				return
			}
			micBuf = append(micBuf, micConv.Convert(chunk)...)

			for len(micBuf) >= n {
				take := min(n, len(sysBuf))
				samples := make([]int16, n)
				Mix(samples, micBuf[:n], sysBuf[:take], c.cfg.MicGain, c.cfg.SystemGain)
				micBuf = micBuf[n:]
				sysBuf = sysBuf[take:]

				seq++
				c.frames.Store(seq)
				c.cfg.OnFrame(Frame{
					Seq:       seq,
					Samples:   samples,
					Timestamp: time.Duration(seq-1) * time.Duration(n) * time.Second / SampleRate,
				})
			}
		}
	}
}

// asSourceError wraps err so that it carries the source name and one of the
// package sentinels.
func asSourceError(name string, err error) error {
	var serr *SourceError
	if errors.As(err, &serr) {
		return serr
	}
	if !errors.Is(err, ErrPermissionDenied) && !errors.Is(err, ErrDeviceUnavailable) {
		err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	return &SourceError{Source: name, Err: err}
}
