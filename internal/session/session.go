// Package session owns the per-call pipeline: audio capture, the streaming
// relay, transcript normalization, ingestion and AI dispatch.
//
// A [Session] constructs every component for exactly one call and wires them
// together; nothing is shared between sessions. Outbound notifications are
// delivered in order on a single channel returned by [Session.Events]:
//
//	capture ──frames──▶ relay ──events──▶ normalizer ──▶ coordinator ──▶ scheduler
//	                      │                   │               │              │
//	                      └─state/errors──────┴──normalized───┴──records─────┴──todos/insights──▶ Events()
//
// The [Manager] enforces one active session per process.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/callscribe/internal/dispatch"
	"github.com/MrWong99/callscribe/internal/ingest"
	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/relay"
	"github.com/MrWong99/callscribe/internal/transcript"
	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/types"
)

const defaultEventBuffer = 256

// ErrAlreadyStarted is returned by Start on a session that was started
// before.
var ErrAlreadyStarted = errors.New("session: already started")

// RelayConfig holds the reconnection tunables of the streaming relay. Zero
// values select the relay defaults.
type RelayConfig struct {
	MaxRetries     int
	BaseDelay      time.Duration
	ConnectTimeout time.Duration
}

// Config describes one call session.
type Config struct {
	// ID identifies the session in logs and events. Defaults to a random
	// UUID.
	ID string

	// STT opens speech-to-text streams. Required.
	STT stt.Provider

	// Stream is the speech-to-text session template. Audio format fields are
	// forced to mono 16 kHz linear16, and the vocabulary is appended to
	// Keywords.
	Stream stt.StreamConfig

	// Relay configures reconnection.
	Relay RelayConfig

	// Analyzer runs AI analysis. Required when AutoTodos or AutoSuggestions
	// is set.
	Analyzer dispatch.Analyzer

	// Microphone is the local participant's audio. Required.
	Microphone audio.Source

	// System is the remote party's audio. Used only when EnableSystemAudio
	// is set.
	System            audio.Source
	EnableSystemAudio bool
	FrameSamples      int

	// MicGain and SystemGain scale each source before mixing. Zero selects
	// the capture defaults.
	MicGain    float64
	SystemGain float64

	// AutoTodos and AutoSuggestions select which analysis kinds meaningful
	// records are forwarded for.
	AutoTodos       bool
	AutoSuggestions bool

	// Debounce and MaxSuggestionsPerMinute tune the dispatch scheduler. Zero
	// selects the scheduler defaults.
	Debounce                time.Duration
	MaxSuggestionsPerMinute int

	// Vocabulary lists terms the normalizer corrects misheard words to and
	// the backend is asked to boost.
	Vocabulary []string

	// Sink receives a copy of every event. Failures never affect the
	// session. Optional.
	Sink Sink

	// EventBuffer is the capacity of the event channel. Default: 256.
	EventBuffer int

	// Metrics defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Stats summarizes a session's pipeline activity.
type Stats struct {
	Frames        uint64
	FramesSent    uint64
	FramesDropped uint64
	Records       int
	Duplicates    uint64
	Dispatch      dispatch.Stats
	EventsDropped uint64
}

// Session is one live call pipeline. Create it with [New], start it with
// [Session.Start] and release it with [Session.Stop]. All methods are safe
// for concurrent use.
type Session struct {
	cfg     Config
	id      string
	metrics *observe.Metrics
	sink    Sink

	events chan Event

	// emitMu guards closing events. Emitters hold the read lock while
	// sending; emitCtx unblocks them once the session stops.
	emitMu     sync.RWMutex
	closed     bool
	emitCtx    context.Context
	cancelEmit context.CancelFunc

	mu         sync.Mutex
	started    bool
	stopped    bool
	stopErr    error
	startedAt  time.Time
	cancel     context.CancelFunc
	scheduler  *dispatch.Scheduler
	coord      *ingest.Coordinator
	normalizer *transcript.Normalizer
	relay      *relay.Client
	capture    *audio.Capture

	droppedEvents atomic.Uint64
}

// New validates cfg and returns an unstarted session.
func New(cfg Config) (*Session, error) {
	var errs []error
	if cfg.STT == nil {
		errs = append(errs, errors.New("session: speech-to-text provider must not be nil"))
	}
	if cfg.Microphone == nil {
		errs = append(errs, errors.New("session: microphone source must not be nil"))
	}
	if (cfg.AutoTodos || cfg.AutoSuggestions) && cfg.Analyzer == nil {
		errs = append(errs, errors.New("session: analyzer is required when auto todos or suggestions are enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	emitCtx, cancelEmit := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		id:         cfg.ID,
		metrics:    cfg.Metrics,
		events:     make(chan Event, cfg.EventBuffer),
		emitCtx:    emitCtx,
		cancelEmit: cancelEmit,
	}
	if cfg.Sink != nil {
		s.sink = NewSinkGuard(cfg.Sink)
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Events returns the ordered outbound event stream. The channel is closed
// when Stop completes.
func (s *Session) Events() <-chan Event { return s.events }

// Start builds the pipeline and begins capturing. Components are started in
// dependency order: scheduler, coordinator, normalizer, relay, capture. If
// the microphone cannot be opened everything started so far is stopped and
// the error is returned.
//
// Cancelling ctx does not end the session; only Stop does.
func (s *Session) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return ErrAlreadyStarted
	}
	s.started = true

	runCtx, cancel := context.WithCancel(observe.WithSessionID(context.WithoutCancel(ctx), s.id))
	s.cancel = cancel
	defer func() {
		if err != nil {
			s.teardownLocked()
			cancel()
			s.closeEvents()
			s.stopped = true
		}
	}()

	var kinds []types.AnalysisKind
	if s.cfg.AutoTodos {
		kinds = append(kinds, types.AnalysisTodo)
	}
	if s.cfg.AutoSuggestions {
		kinds = append(kinds, types.AnalysisSuggestion)
	}

	var dispatcher ingest.Dispatcher
	if len(kinds) > 0 {
		s.scheduler, err = dispatch.New(dispatch.Config{
			Analyzer:     s.cfg.Analyzer,
			Debounce:     s.cfg.Debounce,
			MaxPerMinute: s.cfg.MaxSuggestionsPerMinute,
			Context:      s.recentRecords,
			OnResult:     s.onResult,
			SessionID:    s.id,
			Metrics:      s.metrics,
		})
		if err != nil {
			return fmt.Errorf("session: create scheduler: %w", err)
		}
		dispatcher = s.scheduler
	}

	s.coord = ingest.New(ingest.Config{
		Kinds:      kinds,
		Dispatcher: dispatcher,
		OnRecord:   s.onRecord,
		Metrics:    s.metrics,
	})

	s.normalizer = transcript.NewNormalizer(
		transcript.WithVocabulary(s.cfg.Vocabulary),
		transcript.WithMetrics(s.metrics),
	)

	s.relay, err = relay.New(relay.Config{
		Provider:       s.cfg.STT,
		Stream:         s.streamConfig(),
		MaxRetries:     s.cfg.Relay.MaxRetries,
		BaseDelay:      s.cfg.Relay.BaseDelay,
		ConnectTimeout: s.cfg.Relay.ConnectTimeout,
		OnEvent:        s.onTranscript,
		OnState:        s.onState,
		OnError:        s.onRelayError,
		Metrics:        s.metrics,
	})
	if err != nil {
		return fmt.Errorf("session: create relay: %w", err)
	}
	if err = s.relay.Start(runCtx); err != nil {
		return fmt.Errorf("session: start relay: %w", err)
	}

	capCfg := audio.CaptureConfig{
		Microphone:   s.cfg.Microphone,
		FrameSamples: s.cfg.FrameSamples,
		MicGain:      s.cfg.MicGain,
		SystemGain:   s.cfg.SystemGain,
		OnFrame:      s.relay.SendFrame,
		OnError:      s.onCaptureError,
	}
	if s.cfg.EnableSystemAudio {
		capCfg.System = s.cfg.System
	}
	s.capture, err = audio.StartCapture(runCtx, capCfg)
	if err != nil {
		s.emit(Event{Type: EventError, ErrorKind: errorKind(err), Err: err}, false)
		return fmt.Errorf("session: start capture: %w", err)
	}

	s.startedAt = time.Now()
	s.metrics.ActiveSessions.Add(runCtx, 1)
	slog.Info("session: started",
		"session_id", s.id,
		"auto_todos", s.cfg.AutoTodos,
		"auto_suggestions", s.cfg.AutoSuggestions,
		"system_audio", s.capture.SystemActive(),
		"vocabulary", len(s.cfg.Vocabulary),
	)
	return nil
}

// Stop shuts the pipeline down: the scheduler cancels pending timers and
// aborts in-flight requests, the relay moves to Closed, and capture releases
// its devices. Every component is stopped even if an earlier one fails; the
// errors are joined. The event channel is closed afterwards.
//
// Events emitted during shutdown wait for the consumer until ctx is done.
// Stop is idempotent; later calls return the first call's result.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return s.stopErr
	}
	s.stopped = true

	stopWatch := context.AfterFunc(ctx, s.cancelEmit)
	defer stopWatch()

	s.stopErr = s.teardownLocked()
	if s.cancel != nil {
		s.cancel()
	}

	if s.started && !s.startedAt.IsZero() {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
		st := s.statsLocked()
		slog.Info("session: stopped",
			"session_id", s.id,
			"duration", time.Since(s.startedAt).Round(time.Millisecond),
			"frames", st.Frames,
			"frames_sent", st.FramesSent,
			"frames_dropped", st.FramesDropped,
			"records", st.Records,
			"duplicates", st.Duplicates,
			"dispatched", st.Dispatch.Dispatched,
			"deferred", st.Dispatch.Deferred,
			"abandoned", st.Dispatch.Abandoned,
			"events_dropped", st.EventsDropped,
		)
	}
	s.closeEvents()
	return s.stopErr
}

// teardownLocked stops the components that exist, in shutdown order.
func (s *Session) teardownLocked() error {
	var errs []error
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.relay != nil {
		if err := s.relay.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.capture != nil {
		if err := s.capture.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("session: stop capture: %w", err))
		}
	}
	return errors.Join(errs...)
}

// RelayState returns the relay connection state, or StateIdle before Start.
func (s *Session) RelayState() relay.State {
	s.mu.Lock()
	r := s.relay
	s.mu.Unlock()
	if r == nil {
		return relay.StateIdle
	}
	return r.State()
}

// SinkDegraded reports whether the event sink is currently failing.
func (s *Session) SinkDegraded() bool {
	g, ok := s.sink.(*SinkGuard)
	return ok && g.IsDegraded()
}

// Records returns a copy of the session's transcript log.
func (s *Session) Records() []types.TranscriptRecord {
	s.mu.Lock()
	c := s.coord
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Records()
}

// Stats returns a snapshot of pipeline counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Session) statsLocked() Stats {
	var st Stats
	if s.capture != nil {
		st.Frames = s.capture.Frames()
	}
	if s.relay != nil {
		st.FramesSent = s.relay.Sent()
		st.FramesDropped = s.relay.Dropped()
	}
	if s.coord != nil {
		st.Records = len(s.coord.Records())
		st.Duplicates = s.coord.Duplicates()
	}
	if s.scheduler != nil {
		st.Dispatch = s.scheduler.Stats()
	}
	st.EventsDropped = s.droppedEvents.Load()
	return st
}

func (s *Session) streamConfig() stt.StreamConfig {
	sc := s.cfg.Stream
	sc.Encoding = "linear16"
	sc.SampleRate = audio.SampleRate
	sc.Channels = 1
	seen := make(map[string]struct{}, len(sc.Keywords))
	for _, k := range sc.Keywords {
		seen[k.Keyword] = struct{}{}
	}
	keywords := append([]types.KeywordBoost(nil), sc.Keywords...)
	for _, term := range s.normalizerVocabulary() {
		if _, dup := seen[term]; !dup {
			keywords = append(keywords, types.KeywordBoost{Keyword: term})
			seen[term] = struct{}{}
		}
	}
	sc.Keywords = keywords
	return sc
}

func (s *Session) normalizerVocabulary() []string {
	if s.normalizer == nil {
		return nil
	}
	return s.normalizer.Vocabulary()
}

// recentRecords supplies analysis context to the scheduler.
func (s *Session) recentRecords(n int) []types.TranscriptRecord {
	return s.coord.Recent(n)
}

// onTranscript runs on the relay's receive goroutine, so transcripts of one
// session are normalized and ingested in arrival order.
func (s *Session) onTranscript(ev types.TranscriptEvent) {
	nt, ok := s.normalizer.Normalize(ev)
	if !ok {
		return
	}
	s.emit(Event{Type: EventNormalized, Transcript: nt}, !nt.IsFinal)
	s.coord.Ingest(nt)
}

func (s *Session) onRecord(r types.TranscriptRecord) {
	s.emit(Event{Type: EventRecord, Record: r}, false)
}

func (s *Session) onResult(kind types.AnalysisKind, text string, r dispatch.Result) {
	switch res := r.(type) {
	case dispatch.TodoList:
		for _, item := range res.Items {
			s.emit(Event{Type: EventTodo, Todo: item}, false)
		}
	case dispatch.InsightList:
		for _, insight := range res.Insights {
			s.emit(Event{Type: EventInsight, Insight: insight}, false)
		}
	default:
		slog.Debug("session: ignoring analysis result", "session_id", s.id, "kind", kind.String(), "result", fmt.Sprintf("%T", r))
	}
}

func (s *Session) onState(st relay.State) {
	s.emit(Event{Type: EventConnectionStatus, State: st}, false)
}

func (s *Session) onRelayError(err *relay.Error) {
	slog.Error("session: relay failed", "session_id", s.id, "kind", err.Kind.String(), "attempts", err.Attempts, "err", err.Err)
	s.emit(Event{Type: EventError, ErrorKind: errorKind(err), Err: err}, false)
}

// onCaptureError runs on the capture goroutine and must not block.
func (s *Session) onCaptureError(err error) {
	slog.Warn("session: audio source error", "session_id", s.id, "err", err)
	s.emit(Event{Type: EventError, ErrorKind: errorKind(err), Err: err}, true)
}

// emit delivers ev to the event channel and the sink. Lossy events are
// dropped when the channel is full; others wait for the consumer until the
// session stops.
func (s *Session) emit(ev Event, lossy bool) {
	ev.SessionID = s.id
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if s.sink != nil {
		_ = s.sink.Publish(s.emitCtx, ev)
	}

	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.closed {
		return
	}
	if lossy {
		select {
		case s.events <- ev:
		default:
			s.droppedEvents.Add(1)
		}
		return
	}
	select {
	case s.events <- ev:
	case <-s.emitCtx.Done():
		s.droppedEvents.Add(1)
	}
}

func (s *Session) closeEvents() {
	s.cancelEmit()
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}
