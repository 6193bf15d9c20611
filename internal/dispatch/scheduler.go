// Package dispatch schedules AI analysis of transcript text.
//
// The [Scheduler] keeps one small state machine per [types.AnalysisKind]:
//
//	Idle ──submit──▶ Pending ──timer──▶ InFlight ──done──▶ Idle
//	                   ▲  │ submit resets the timer          │
//	                   └──┴──────────── (Pending if text arrived meanwhile)
//
// Every submission replaces the pending text and restarts the debounce
// timer, so a burst of transcripts produces one request carrying the last
// text. A timer that expires while a request of the same kind is in flight
// is re-armed instead of starting a second request. A session-wide limiter
// bounds submissions across kinds. Requests carry a per-kind timeout; a
// request that times out or fails is logged and dropped, never retried.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/pkg/provider/llm"
	"github.com/MrWong99/callscribe/pkg/types"
)

// Defaults for [Config].
const (
	DefaultDebounce          = 3 * time.Second
	DefaultSuggestionTimeout = 3 * time.Second
	DefaultTodoTimeout       = 5 * time.Second
	DefaultMaxPerMinute      = 30
	DefaultMinSpacing        = 300 * time.Millisecond
	DefaultContextRecords    = 10

	rateWindow = time.Minute
)

// Outcome labels reported to metrics and logs.
const (
	StatusOK         = "ok"
	StatusTimeout    = "timeout"
	StatusFailed     = "failed"
	StatusParseError = "parse_error"
	StatusCanceled   = "canceled"

	// StatusRateLimited marks a request the backend refused with a rate
	// limit. Like a failure it is dropped.
	StatusRateLimited = "rate_limited"
)

// KindState is the scheduling state of one analysis kind.
type KindState int

const (
	StateIdle KindState = iota
	StatePending
	StateInFlight
)

// String returns the lower-case name of the state.
func (s KindState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Config configures a [Scheduler].
type Config struct {
	// Analyzer runs the requests. Required.
	Analyzer Analyzer

	// Debounce is the quiet period after the last submission before a
	// request is sent. Default: 3s.
	Debounce time.Duration

	// Timeouts bounds each request per kind. Defaults: suggestion 3s,
	// todo 5s.
	Timeouts map[types.AnalysisKind]time.Duration

	// MaxPerMinute caps submissions across all kinds within any rolling
	// minute. Default: 30.
	MaxPerMinute int

	// MinSpacing is the minimum gap between two submissions. Default: 300ms.
	// A negative value disables spacing.
	MinSpacing time.Duration

	// Context returns up to n recent transcript records, oldest first, to
	// send along with the query text. Optional.
	Context func(n int) []types.TranscriptRecord

	// ContextRecords is the n passed to Context. Default: 10.
	ContextRecords int

	// OnResult receives every successfully parsed result, on the request's
	// goroutine. Optional. ParseError results are logged, not delivered.
	OnResult func(kind types.AnalysisKind, text string, r Result)

	// SessionID tags request spans and log lines. Optional.
	SessionID string

	// Metrics receives analysis metrics. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Now is the time source for the rate limiter. Default: time.Now.
	Now func() time.Time
}

// Stats summarizes a scheduler's activity.
type Stats struct {
	Submitted  int // texts handed to Submit
	Dispatched int // requests sent to the analyzer
	Deferred   int // timer expiries postponed by in-flight work or the limiter
	Abandoned  int // requests that timed out, failed or could not be parsed
}

type slot struct {
	kind     types.AnalysisKind
	text     string
	pending  bool
	inFlight bool
	timer    *time.Timer
	gen      uint64
}

// Scheduler debounces and rate-limits analysis requests. All methods are
// safe for concurrent use and never block on analysis.
type Scheduler struct {
	cfg     Config
	metrics *observe.Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	slots   map[types.AnalysisKind]*slot
	limiter *limiter
	stopped bool
	stats   Stats
}

// New returns a running [Scheduler].
func New(cfg Config) (*Scheduler, error) {
	if cfg.Analyzer == nil {
		return nil, errors.New("dispatch: analyzer must not be nil")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	timeouts := map[types.AnalysisKind]time.Duration{
		types.AnalysisTodo:       DefaultTodoTimeout,
		types.AnalysisSuggestion: DefaultSuggestionTimeout,
	}
	for k, d := range cfg.Timeouts {
		if d > 0 {
			timeouts[k] = d
		}
	}
	cfg.Timeouts = timeouts
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = DefaultMaxPerMinute
	}
	if cfg.MinSpacing == 0 {
		cfg.MinSpacing = DefaultMinSpacing
	}
	if cfg.ContextRecords <= 0 {
		cfg.ContextRecords = DefaultContextRecords
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(observe.WithSessionID(context.Background(), cfg.SessionID))
	s := &Scheduler{
		cfg:     cfg,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		ctx:     ctx,
		cancel:  cancel,
		slots:   make(map[types.AnalysisKind]*slot),
		limiter: newLimiter(rateWindow, cfg.MaxPerMinute, cfg.MinSpacing),
	}
	for _, k := range types.AnalysisKinds {
		s.slots[k] = &slot{kind: k}
	}
	return s, nil
}

// Submit records text as the latest input for kind and restarts the kind's
// debounce timer. It is a no-op after Stop. Submit satisfies the ingestion
// coordinator's Dispatcher interface.
func (s *Scheduler) Submit(kind types.AnalysisKind, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	sl, ok := s.slots[kind]
	if !ok {
		slog.Warn("dispatch: submit for unknown kind", "kind", kind)
		return
	}
	s.stats.Submitted++
	sl.text = text
	sl.pending = true
	s.armLocked(sl, s.cfg.Debounce)
}

// State returns the current state of kind.
func (s *Scheduler) State(kind types.AnalysisKind) KindState {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[kind]
	switch {
	case !ok:
		return StateIdle
	case sl.inFlight:
		return StateInFlight
	case sl.pending:
		return StatePending
	default:
		return StateIdle
	}
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Stop cancels every pending timer, aborts in-flight requests and waits for
// their goroutines to return. Pending texts are discarded. Stop is
// idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		for _, sl := range s.slots {
			if sl.timer != nil {
				sl.timer.Stop()
			}
			sl.gen++
			sl.pending = false
			sl.text = ""
		}
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// armLocked (re)starts sl's timer. Bumping gen invalidates a callback of the
// previous timer that already fired and is waiting for the lock.
func (s *Scheduler) armLocked(sl *slot, d time.Duration) {
	if sl.timer != nil {
		sl.timer.Stop()
	}
	sl.gen++
	gen := sl.gen
	sl.timer = time.AfterFunc(d, func() { s.fire(sl, gen) })
}

func (s *Scheduler) fire(sl *slot, gen uint64) {
	s.mu.Lock()
	if s.stopped || gen != sl.gen || !sl.pending {
		s.mu.Unlock()
		return
	}
	if sl.inFlight {
		s.stats.Deferred++
		s.armLocked(sl, s.cfg.Debounce)
		s.mu.Unlock()
		return
	}
	if wait := s.limiter.reserve(s.now()); wait > 0 {
		s.stats.Deferred++
		slog.Debug("dispatch: rate limited", "kind", sl.kind, "wait", wait)
		s.armLocked(sl, wait)
		s.mu.Unlock()
		return
	}

	req := types.AnalysisRequest{Text: sl.text, Kind: sl.kind, SubmittedAt: s.now()}
	sl.text = ""
	sl.pending = false
	sl.inFlight = true
	s.stats.Dispatched++
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(sl, req)
}

func (s *Scheduler) run(sl *slot, req types.AnalysisRequest) {
	defer s.wg.Done()

	if s.cfg.Context != nil {
		req.Context = s.cfg.Context(s.cfg.ContextRecords)
	}

	ctx, span := observe.StartSpan(s.ctx, "dispatch.analyze",
		trace.WithAttributes(
			attribute.String("kind", req.Kind.String()),
			attribute.Int("text.length", len(req.Text)),
		))
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts[req.Kind])
	start := time.Now()
	result, err := s.cfg.Analyzer.Analyze(ctx, req)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	cancel()
	elapsed := time.Since(start)

	status := StatusOK
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		status = StatusTimeout
	case err != nil && s.ctx.Err() != nil:
		status = StatusCanceled
	case errors.Is(err, llm.ErrRateLimited):
		status = StatusRateLimited
	case err != nil:
		status = StatusFailed
	case result == nil:
		status = StatusParseError
		err = ErrUnknownShape
	default:
		if pe, ok := result.(ParseError); ok {
			status = StatusParseError
			err = pe
		}
	}
	span.SetAttributes(attribute.String("status", status))
	if status == StatusCanceled {
		observe.EndSpan(span, nil)
	} else {
		observe.EndSpan(span, err)
	}
	s.metrics.RecordAnalysis(context.Background(), req.Kind.String(), status, elapsed.Seconds())

	s.mu.Lock()
	sl.inFlight = false
	if status != StatusOK && status != StatusCanceled {
		s.stats.Abandoned++
	}
	s.mu.Unlock()

	if status != StatusOK {
		if status != StatusCanceled {
			observe.Logger(ctx).Warn("dispatch: analysis dropped",
				"kind", req.Kind,
				"status", status,
				"elapsed", elapsed,
				"err", err)
		}
		return
	}
	observe.Logger(ctx).Debug("dispatch: analysis done", "kind", req.Kind, "elapsed", elapsed)
	if s.cfg.OnResult != nil {
		s.cfg.OnResult(req.Kind, req.Text, result)
	}
}
