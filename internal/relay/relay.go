// Package relay streams live audio frames to a speech-to-text backend and
// hands the transcript events it receives to a consumer, keeping the
// connection alive across drops.
//
// A [Client] owns exactly one backend session at a time and moves through a
// small state machine:
//
//	Idle -> Connecting -> Connected <-> Reconnecting -> Failed
//	Connecting -> Reconnecting (transient handshake error)
//	Connecting -> Failed (credentials rejected)
//	any state -> Closed (terminal)
//
// Reconnection uses a bounded number of attempts with a linearly increasing
// delay. Frames offered while the client is not Connected are dropped and
// counted, never queued.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/types"
	"go.opentelemetry.io/otel/metric"
)

// Default reconnection parameters.
const (
	defaultMaxRetries     = 3
	defaultBaseDelay      = 1 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

var (
	// ErrHandshakeTimeout is wrapped into connection errors when the backend
	// handshake does not complete within the connect timeout.
	ErrHandshakeTimeout = errors.New("relay: handshake timed out")

	// ErrNotIdle is returned by Start when the client was already started or
	// stopped.
	ErrNotIdle = errors.New("relay: client is not idle")
)

// State is the connection state of a [Client].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
	StateFailed
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Kind distinguishes why a client entered [StateFailed].
type Kind int

const (
	// KindConnectionFailed covers network errors and server-side closes that
	// outlasted the retry budget.
	KindConnectionFailed Kind = iota

	// KindAuthRejected means the backend refused the credentials. It is never
	// retried.
	KindAuthRejected

	// KindTimeout means the last handshake never completed.
	KindTimeout
)

// String returns the name of the error kind.
func (k Kind) String() string {
	switch k {
	case KindConnectionFailed:
		return "connection_failed"
	case KindAuthRejected:
		return "auth_rejected"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is delivered through Config.OnError when the client fails.
type Error struct {
	Kind Kind

	// Attempts counts the handshakes made since the last connected session.
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay: %s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// kindOf classifies a handshake error.
func kindOf(err error) Kind {
	switch {
	case errors.Is(err, stt.ErrAuthRejected):
		return KindAuthRejected
	case errors.Is(err, ErrHandshakeTimeout):
		return KindTimeout
	default:
		return KindConnectionFailed
	}
}

// Config configures a [Client].
type Config struct {
	// Provider opens backend sessions. Required.
	Provider stt.Provider

	// Stream is sent with every handshake, including reconnects.
	Stream stt.StreamConfig

	// MaxRetries bounds the reconnect attempts after a drop or a failed
	// first handshake. Defaults to 3.
	MaxRetries int

	// BaseDelay is multiplied by the attempt number to get the wait before
	// each reconnect attempt. Defaults to 1s.
	BaseDelay time.Duration

	// ConnectTimeout bounds every handshake. Defaults to 10s.
	ConnectTimeout time.Duration

	// OnEvent receives every transcript event in arrival order, synchronously
	// on the receive goroutine.
	OnEvent func(types.TranscriptEvent)

	// OnState is called after every state change.
	OnState func(State)

	// OnError is called once when the client enters StateFailed.
	OnError func(*Error)

	// Metrics records relay instruments. Defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Client relays audio frames to one backend session at a time.
//
// All methods are safe for concurrent use.
type Client struct {
	cfg     Config
	metrics *observe.Metrics

	mu     sync.Mutex
	state  State
	handle stt.SessionHandle
	cancel context.CancelFunc
	done   chan struct{}

	stopOnce sync.Once
	sent     atomic.Uint64
	dropped  atomic.Uint64
}

// New validates cfg, applies defaults and returns an idle client.
func New(cfg Config) (*Client, error) {
	if cfg.Provider == nil {
		return nil, errors.New("relay: provider must not be nil")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Client{cfg: cfg, metrics: m}, nil
}

// Start begins connecting in the background and returns immediately. The
// client keeps running until Stop is called, it fails, or ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = StateConnecting
	c.mu.Unlock()

	c.notify(ctx, StateConnecting)
	go c.run(runCtx)
	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Sent returns how many frames were handed to the backend.
func (c *Client) Sent() uint64 { return c.sent.Load() }

// Dropped returns how many frames were discarded because the client was not
// connected or the backend queue was full.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// SendFrame forwards one frame to the backend. It never blocks; when the
// client is not Connected the frame is dropped.
func (c *Client) SendFrame(f audio.Frame) {
	c.mu.Lock()
	h := c.handle
	connected := c.state == StateConnected
	c.mu.Unlock()

	ctx := context.Background()
	if !connected || h == nil {
		c.dropped.Add(1)
		c.metrics.RecordFrame(ctx, false)
		return
	}
	if err := h.SendAudio(f.Bytes()); err != nil {
		c.dropped.Add(1)
		c.metrics.RecordFrame(ctx, false)
		slog.Debug("relay: frame dropped", "seq", f.Seq, "err", err)
		return
	}
	c.sent.Add(1)
	c.metrics.RecordFrame(ctx, true)
}

// Stop moves the client to StateClosed, waits for the background goroutine
// and closes the backend session. Safe to call more than once, and before
// Start.
func (c *Client) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.mu.Lock()
		cancel, done := c.cancel, c.done
		c.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
		c.transition(context.Background(), StateClosed)

		c.mu.Lock()
		h := c.handle
		c.handle = nil
		c.mu.Unlock()
		if h != nil {
			if cerr := h.Close(); cerr != nil {
				err = fmt.Errorf("relay: close session: %w", cerr)
			}
		}
		slog.Info("relay: stopped", "sent", c.sent.Load(), "dropped", c.dropped.Load())
	})
	return err
}

// run owns the backend session for the lifetime of the client.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	h, err := c.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, stt.ErrAuthRejected) {
			c.fail(ctx, err, 1)
			return
		}
		observe.Logger(ctx).Warn("relay: initial connect failed", "err", err)
		if !c.transition(ctx, StateReconnecting) {
			return
		}
		var attempts int
		h, attempts, err = c.reconnect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.fail(ctx, err, 1+attempts)
			}
			return
		}
	}

	for {
		if !c.attach(ctx, h) {
			_ = h.Close()
			return
		}
		c.pump(ctx, h)
		if ctx.Err() != nil {
			return
		}

		slog.Warn("relay: stream ended", "err", h.Err())
		c.detach(h)
		_ = h.Close()
		if !c.transition(ctx, StateReconnecting) {
			return
		}

		var attempts int
		h, attempts, err = c.reconnect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.fail(ctx, err, attempts)
			}
			return
		}
	}
}

// pump forwards events from h until the stream ends or ctx is done.
func (c *Client) pump(ctx context.Context, h stt.SessionHandle) {
	events := h.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.metrics.TranscriptEvents.Add(ctx, 1, metric.WithAttributes(observe.Attr("final", fmt.Sprint(ev.IsFinal))))
			if c.cfg.OnEvent != nil {
				c.cfg.OnEvent(ev)
			}
		}
	}
}

// reconnect retries the handshake with a linearly increasing delay.
func (c *Client) reconnect(ctx context.Context) (stt.SessionHandle, int, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		delay := c.cfg.BaseDelay * time.Duration(attempt)
		observe.Logger(ctx).Info("relay: reconnect attempt",
			"attempt", attempt,
			"max_retries", c.cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		case <-time.After(delay):
		}

		h, err := c.connect(ctx)
		if err == nil {
			c.metrics.RelayReconnects.Add(ctx, 1, metric.WithAttributes(observe.Attr("outcome", "ok")))
			slog.Info("relay: reconnected", "attempt", attempt)
			return h, attempt, nil
		}
		c.metrics.RelayReconnects.Add(ctx, 1, metric.WithAttributes(observe.Attr("outcome", "error")))
		slog.Warn("relay: reconnect attempt failed", "attempt", attempt, "err", err)
		lastErr = err

		if errors.Is(err, stt.ErrAuthRejected) || ctx.Err() != nil {
			return nil, attempt, err
		}
	}
	return nil, c.cfg.MaxRetries, lastErr
}

// connect runs one handshake bounded by the connect timeout.
func (c *Client) connect(ctx context.Context) (_ stt.SessionHandle, err error) {
	sctx, span := observe.StartSpan(ctx, "relay.connect")
	defer func() { observe.EndSpan(span, err) }()
	hctx, cancel := context.WithTimeout(sctx, c.cfg.ConnectTimeout)
	defer cancel()

	start := time.Now()
	h, err := c.cfg.Provider.StartStream(hctx, c.cfg.Stream)
	if err != nil {
		if ctx.Err() == nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrHandshakeTimeout, err)
		}
		return nil, fmt.Errorf("relay: start stream: %w", err)
	}
	c.metrics.STTConnectDuration.Record(ctx, time.Since(start).Seconds())
	return h, nil
}

// attach installs h as the live session and moves to StateConnected. It
// reports false when the client was stopped in the meantime.
func (c *Client) attach(ctx context.Context, h stt.SessionHandle) bool {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return false
	}
	c.handle = h
	c.mu.Unlock()
	c.transition(ctx, StateConnected)
	return true
}

func (c *Client) detach(h stt.SessionHandle) {
	c.mu.Lock()
	if c.handle == h {
		c.handle = nil
	}
	c.mu.Unlock()
}

func (c *Client) fail(ctx context.Context, err error, attempts int) {
	rerr := &Error{Kind: kindOf(err), Attempts: attempts, Err: err}
	observe.Logger(ctx).Error("relay: giving up", "kind", rerr.Kind.String(), "attempts", attempts, "err", err)
	if !c.transition(ctx, StateFailed) {
		return
	}
	if c.cfg.OnError != nil {
		c.cfg.OnError(rerr)
	}
}

// transition applies a state change. Closed is terminal and Failed may only
// move to Closed. It reports whether the state changed.
func (c *Client) transition(ctx context.Context, to State) bool {
	c.mu.Lock()
	from := c.state
	switch {
	case from == to, from == StateClosed:
		c.mu.Unlock()
		return false
	case from == StateFailed && to != StateClosed:
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.mu.Unlock()

	slog.Debug("relay: state change", "from", from.String(), "to", to.String())
	c.notify(ctx, to)
	return true
}

func (c *Client) notify(ctx context.Context, s State) {
	c.metrics.RelayTransitions.Add(ctx, 1, metric.WithAttributes(observe.Attr("state", s.String())))
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}
