package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/callscribe/internal/dispatch"
	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/relay"
	"github.com/MrWong99/callscribe/pkg/audio"
	audiomock "github.com/MrWong99/callscribe/pkg/audio/mock"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/callscribe/pkg/provider/stt/mock"
	"github.com/MrWong99/callscribe/pkg/types"
)

// recordingAnalyzer records every request and answers with a fixed todo.
type recordingAnalyzer struct {
	mu   sync.Mutex
	reqs []types.AnalysisRequest
}

func (a *recordingAnalyzer) Analyze(_ context.Context, req types.AnalysisRequest) (dispatch.Result, error) {
	a.mu.Lock()
	a.reqs = append(a.reqs, req)
	a.mu.Unlock()
	return dispatch.TodoList{Items: []types.TodoItem{{Text: "Follow up with the client", Priority: types.PriorityHigh}}}, nil
}

func (a *recordingAnalyzer) requests() []types.AnalysisRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.AnalysisRequest(nil), a.reqs...)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// nextEvent reads events until one of type want arrives.
func nextEvent(t *testing.T, s *Session, want EventType) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func startSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	if cfg.Metrics == nil {
		cfg.Metrics = testMetrics(t)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{AutoTodos: true})
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"speech-to-text", "microphone", "analyzer"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}

	s, err := New(Config{STT: &sttmock.Provider{}, Microphone: audiomock.NewSource("mic")})
	if err != nil {
		t.Fatalf("New without analysis: %v", err)
	}
	if s.ID() == "" {
		t.Error("session id should default to a uuid")
	}
}

func TestSession_SilenceThenUtteranceDispatchesOneTodo(t *testing.T) {
	t.Parallel()

	sttp := &sttmock.Provider{}
	mic := audiomock.NewSource("mic")
	an := &recordingAnalyzer{}
	sink := &recordingSink{}
	s := startSession(t, Config{
		STT:        sttp,
		Microphone: mic,
		Analyzer:   an,
		AutoTodos:  true,
		Debounce:   100 * time.Millisecond,
		Sink:       sink,
	})

	waitFor(t, "relay connected", func() bool { return s.RelayState() == relay.StateConnected })

	// Three seconds of 16 kHz mono silence in 20 ms chunks.
	silence := make([]byte, 640)
	for range 150 {
		mic.Push(audio.AudioFrame{Data: silence, SampleRate: audio.SampleRate, Channels: 1})
	}
	wantFrames := uint64(150 * 320 / audio.DefaultFrameSamples)
	waitFor(t, "silence framed", func() bool { return s.Stats().FramesSent >= wantFrames })

	const utterance = "we need to follow up with the client"
	sttp.LastSession().Emit(types.TranscriptEvent{Text: utterance, IsFinal: true, Speaker: types.SpeakerUser})

	rec := nextEvent(t, s, EventRecord)
	if rec.Record.ID != 1 || rec.Record.Text != utterance {
		t.Errorf("record = %+v", rec.Record)
	}
	todo := nextEvent(t, s, EventTodo)
	if todo.Todo.Text != "Follow up with the client" || todo.SessionID != s.ID() {
		t.Errorf("todo event = %+v", todo)
	}

	time.Sleep(300 * time.Millisecond)
	reqs := an.requests()
	if len(reqs) != 1 {
		t.Fatalf("analyzer called %d times, want exactly 1", len(reqs))
	}
	if reqs[0].Kind != types.AnalysisTodo || reqs[0].Text != utterance {
		t.Errorf("request = %+v", reqs[0])
	}
	if st := s.Stats(); st.Records != 1 || st.Dispatch.Dispatched != 1 {
		t.Errorf("stats = %+v", st)
	}

	if err := s.Stop(t.Context()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	var sawTodo bool
	for _, typ := range sink.types() {
		sawTodo = sawTodo || typ == EventTodo
	}
	if !sawTodo {
		t.Error("sink did not receive the todo event")
	}
}

func TestSession_InterimTranscriptsAreNotIngested(t *testing.T) {
	t.Parallel()

	sttp := &sttmock.Provider{}
	an := &recordingAnalyzer{}
	s := startSession(t, Config{
		STT:        sttp,
		Microphone: audiomock.NewSource("mic"),
		Analyzer:   an,
		AutoTodos:  true,
		Debounce:   20 * time.Millisecond,
	})
	waitFor(t, "relay connected", func() bool { return s.RelayState() == relay.StateConnected })

	sttp.LastSession().Emit(types.TranscriptEvent{Text: "we need to send the", IsFinal: false})
	ev := nextEvent(t, s, EventNormalized)
	if ev.Transcript.IsFinal || ev.Transcript.Text != "we need to send the" {
		t.Errorf("normalized = %+v", ev.Transcript)
	}

	time.Sleep(100 * time.Millisecond)
	if len(s.Records()) != 0 || len(an.requests()) != 0 {
		t.Errorf("interim transcript produced %d records and %d requests", len(s.Records()), len(an.requests()))
	}
}

func TestSession_DuplicateFinalsYieldOneRecord(t *testing.T) {
	t.Parallel()

	sttp := &sttmock.Provider{}
	s := startSession(t, Config{STT: sttp, Microphone: audiomock.NewSource("mic")})
	waitFor(t, "relay connected", func() bool { return s.RelayState() == relay.StateConnected })

	for range 3 {
		sttp.LastSession().Emit(types.TranscriptEvent{Text: "Let's ship it on Friday.", IsFinal: true})
	}
	nextEvent(t, s, EventRecord)
	time.Sleep(50 * time.Millisecond)
	if n := len(s.Records()); n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
}

func TestSession_AuthRejectedSurfacesOnce(t *testing.T) {
	t.Parallel()

	sttp := &sttmock.Provider{Errs: []error{fmt.Errorf("deepgram: %w", stt.ErrAuthRejected)}}
	s := startSession(t, Config{STT: sttp, Microphone: audiomock.NewSource("mic")})

	ev := nextEvent(t, s, EventError)
	if ev.ErrorKind != ErrorAuthRejected {
		t.Errorf("ErrorKind = %q, want %q", ev.ErrorKind, ErrorAuthRejected)
	}
	waitFor(t, "relay failed", func() bool { return s.RelayState() == relay.StateFailed })
	if sttp.Calls() != 1 {
		t.Errorf("StartStream called %d times, want 1", sttp.Calls())
	}

	if err := s.Stop(t.Context()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for ev := range s.Events() {
		if ev.Type == EventError {
			t.Errorf("second error event: %+v", ev)
		}
	}
}

func TestSession_MicrophoneFailureAbortsStart(t *testing.T) {
	t.Parallel()

	mic := audiomock.NewSource("mic")
	mic.OpenErr = audio.ErrPermissionDenied
	s, err := New(Config{STT: &sttmock.Provider{}, Microphone: mic, Metrics: testMetrics(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = s.Start(t.Context())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Start err = %v, want ErrPermissionDenied", err)
	}
	if st := s.RelayState(); st != relay.StateClosed {
		t.Errorf("relay state = %s, want closed", st)
	}
	if _, closed := mic.Calls(); closed == 0 {
		t.Error("microphone was not closed")
	}

	var sawPermission bool
	for ev := range s.Events() {
		if ev.Type == EventError && ev.ErrorKind == ErrorAudioPermissionDenied {
			sawPermission = true
		}
	}
	if !sawPermission {
		t.Error("no permission error event before the channel closed")
	}
	if err := s.Start(t.Context()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("restart err = %v, want ErrAlreadyStarted", err)
	}
}

func TestSession_StopIsIdempotentAndOrdered(t *testing.T) {
	t.Parallel()

	sttp := &sttmock.Provider{}
	mic := audiomock.NewSource("mic")
	s := startSession(t, Config{STT: sttp, Microphone: mic})
	waitFor(t, "relay connected", func() bool { return s.RelayState() == relay.StateConnected })

	if err := s.Stop(t.Context()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(t.Context()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	var states []relay.State
	for ev := range s.Events() {
		if ev.Type == EventConnectionStatus {
			states = append(states, ev.State)
		}
	}
	if len(states) == 0 || states[len(states)-1] != relay.StateClosed {
		t.Errorf("connection states = %v, want last to be closed", states)
	}
	if sttp.LastSession().Closed() == 0 {
		t.Error("backend session was not closed")
	}
	if _, closed := mic.Calls(); closed == 0 {
		t.Error("microphone was not closed")
	}
}

func TestSession_StopDoesNotWaitForAbsentConsumer(t *testing.T) {
	t.Parallel()

	sttp := &sttmock.Provider{}
	s := startSession(t, Config{STT: sttp, Microphone: audiomock.NewSource("mic"), EventBuffer: 1})

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Stop(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an unread event channel")
	}
}

func TestSession_LossyEventsDropWhenFull(t *testing.T) {
	t.Parallel()

	s, err := New(Config{STT: &sttmock.Provider{}, Microphone: audiomock.NewSource("mic"), EventBuffer: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.emit(Event{Type: EventNormalized}, true)
	s.emit(Event{Type: EventNormalized}, true)
	if got := s.Stats().EventsDropped; got != 1 {
		t.Errorf("EventsDropped = %d, want 1", got)
	}
}

func TestSession_StreamConfigAddsVocabulary(t *testing.T) {
	t.Parallel()

	sttp := &sttmock.Provider{}
	startSession(t, Config{
		STT:        sttp,
		Microphone: audiomock.NewSource("mic"),
		Stream: stt.StreamConfig{
			Model:      "nova-3",
			SampleRate: 48000,
			Keywords:   []types.KeywordBoost{{Keyword: "Acme", Boost: 2}},
		},
		Vocabulary: []string{"Acme", "Kubernetes"},
	})
	waitFor(t, "stream opened", func() bool { return sttp.Calls() > 0 })

	cfg := sttp.StartStreamCalls[0].Cfg
	if cfg.SampleRate != audio.SampleRate || cfg.Channels != 1 || cfg.Encoding != "linear16" || cfg.Model != "nova-3" {
		t.Errorf("stream config = %+v", cfg)
	}
	want := []types.KeywordBoost{{Keyword: "Acme", Boost: 2}, {Keyword: "Kubernetes"}}
	if len(cfg.Keywords) != len(want) || cfg.Keywords[0] != want[0] || cfg.Keywords[1] != want[1] {
		t.Errorf("keywords = %v, want %v", cfg.Keywords, want)
	}
}

func TestErrorKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{&relay.Error{Kind: relay.KindAuthRejected}, ErrorAuthRejected},
		{&relay.Error{Kind: relay.KindTimeout}, ErrorConnectionTimeout},
		{&relay.Error{Kind: relay.KindConnectionFailed}, ErrorConnectionFailed},
		{&audio.SourceError{Source: "mic", Err: audio.ErrPermissionDenied}, ErrorAudioPermissionDenied},
		{&audio.SourceError{Source: "system", Err: audio.ErrDeviceUnavailable}, ErrorAudioDeviceUnavailable},
		{errors.New("boom"), ErrorInternal},
	}
	for _, tt := range tests {
		if got := errorKind(tt.err); got != tt.want {
			t.Errorf("errorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
