package session

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Sink receives a copy of every session event, typically to forward it to an
// external store or UI. Publish must not block for long; it runs on the
// producing goroutine.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkGuard wraps a [Sink] and makes publishing non-fatal. If the underlying
// sink fails, the error is logged and swallowed and the guard is marked as
// degraded until the next successful publish.
//
// This allows a call session to continue while the event bus is temporarily
// unreachable (broker restart, network partition). IsDegraded feeds the
// readiness probe.
//
// SinkGuard implements [Sink]. All methods are safe for concurrent use.
type SinkGuard struct {
	sink     Sink
	degraded atomic.Bool
	failures atomic.Uint64
}

// NewSinkGuard creates a new [SinkGuard] wrapping sink.
func NewSinkGuard(sink Sink) *SinkGuard {
	return &SinkGuard{sink: sink}
}

// Publish forwards ev to the underlying sink. It always returns nil.
func (g *SinkGuard) Publish(ctx context.Context, ev Event) error {
	if err := g.sink.Publish(ctx, ev); err != nil {
		g.failures.Add(1)
		if !g.degraded.Swap(true) {
			slog.Warn("sink guard: publish failed, continuing without event sink",
				"session_id", ev.SessionID,
				"event", ev.Type.String(),
				"error", err,
			)
		}
		return nil
	}
	if g.degraded.Swap(false) {
		slog.Info("sink guard: event sink recovered", "session_id", ev.SessionID)
	}
	return nil
}

// IsDegraded reports whether the most recent publish failed.
func (g *SinkGuard) IsDegraded() bool {
	return g.degraded.Load()
}

// Failures returns how many publishes have failed in total.
func (g *SinkGuard) Failures() uint64 {
	return g.failures.Load()
}
