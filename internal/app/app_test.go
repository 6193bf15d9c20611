package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/callscribe/internal/app"
	"github.com/MrWong99/callscribe/internal/bus"
	"github.com/MrWong99/callscribe/internal/config"
	"github.com/MrWong99/callscribe/internal/dispatch"
	"github.com/MrWong99/callscribe/internal/health"
	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/session"
	"github.com/MrWong99/callscribe/pkg/audio"
	audiomock "github.com/MrWong99/callscribe/pkg/audio/mock"
	llmmock "github.com/MrWong99/callscribe/pkg/provider/llm/mock"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/callscribe/pkg/provider/stt/mock"
	"github.com/MrWong99/callscribe/pkg/types"
)

// testConfig returns a minimal config with todo extraction enabled.
func testConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{STT: config.ProviderEntry{Name: "deepgram", Model: "nova-3"}},
		Audio:     config.AudioConfig{Microphone: config.PipeConfig{Path: "-"}},
		Session: config.SessionConfig{
			AutoTodos:  true,
			DebounceMs: 50,
			Vocabulary: []string{"Acme"},
			Language:   "en-US",
		},
	}
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

// syncBuffer is a bytes.Buffer safe for the app's writer and the test reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	app *app.App
	stt *sttmock.Provider
	mic *audiomock.Source
	out *syncBuffer
}

func newFixture(t *testing.T, cfg *config.Config, sttp *sttmock.Provider) *fixture {
	t.Helper()
	f := &fixture{stt: sttp, out: &syncBuffer{}}
	todo := dispatch.AnalyzerFunc(func(context.Context, types.AnalysisRequest) (dispatch.Result, error) {
		return dispatch.TodoList{Items: []types.TodoItem{{Text: "Send the Acme proposal", Priority: types.PriorityMedium}}}, nil
	})
	a, err := app.New(t.Context(), cfg, &app.Providers{STT: sttp},
		app.WithAnalyzer(todo),
		app.WithMetrics(testMetrics(t)),
		app.WithOutput(f.out),
		app.WithSourceFactory(func(*config.Config) (audio.Source, audio.Source, error) {
			f.mic = audiomock.NewSource("mic")
			return f.mic, nil, nil
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.app = a
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return f
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

func TestNew_RequiresSTT(t *testing.T) {
	t.Parallel()
	if _, err := app.New(t.Context(), testConfig(), &app.Providers{}); err == nil {
		t.Fatal("expected error without an stt provider")
	}
}

func TestNew_AnalysisRequiresLLM(t *testing.T) {
	t.Parallel()
	_, err := app.New(t.Context(), testConfig(), &app.Providers{STT: &sttmock.Provider{}},
		app.WithSourceFactory(func(*config.Config) (audio.Source, audio.Source, error) { return nil, nil, nil }),
	)
	if err == nil || !strings.Contains(err.Error(), "llm") {
		t.Fatalf("expected llm error, got %v", err)
	}
}

func TestNew_WrapsLLMProvider(t *testing.T) {
	t.Parallel()
	_, err := app.New(t.Context(), testConfig(), &app.Providers{STT: &sttmock.Provider{}, LLM: &llmmock.Provider{}},
		app.WithMetrics(testMetrics(t)),
		app.WithSourceFactory(func(*config.Config) (audio.Source, audio.Source, error) { return nil, nil, nil }),
	)
	if err != nil {
		t.Fatalf("New with llm provider: %v", err)
	}
}

func TestRun_StreamsEventsUntilCancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), &sttmock.Provider{})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()

	waitFor(t, "ready", func() bool { return f.app.Health().Evaluate(ctx).Status == health.StatusOK })
	f.stt.LastSession().Emit(types.TranscriptEvent{Text: "I'll send the Acme proposal tomorrow", IsFinal: true, Speaker: types.SpeakerUser})
	waitFor(t, "todo written", func() bool { return strings.Contains(f.out.String(), `"type":"todo"`) })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if err := f.app.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	var sawRecord bool
	for line := range strings.SplitSeq(strings.TrimSpace(f.out.String()), "\n") {
		var m bus.Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("line %q is not JSON: %v", line, err)
		}
		if m.Type == session.EventRecord.String() {
			sawRecord = true
			if m.Record == nil || m.Record.Text != "I'll send the Acme proposal tomorrow" {
				t.Errorf("record = %+v", m.Record)
			}
		}
	}
	if !sawRecord {
		t.Error("no record event written")
	}

	calls := f.stt.StartStreamCalls
	if len(calls) != 1 {
		t.Fatalf("StartStream called %d times, want 1", len(calls))
	}
	if got := calls[0].Cfg; got.Language != "en-US" || got.Model != "nova-3" || !got.InterimResults {
		t.Errorf("stream config = %+v", got)
	}
	if _, closed := f.mic.Calls(); closed != 1 {
		t.Errorf("microphone closed %d times, want 1", closed)
	}
}

func TestRun_FailedRelayEndsRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), &sttmock.Provider{Errs: []error{stt.ErrAuthRejected}})

	err := f.app.Run(t.Context())
	if !errors.Is(err, app.ErrSessionFailed) {
		t.Fatalf("Run returned %v, want ErrSessionFailed", err)
	}
	if !strings.Contains(f.out.String(), `"state":"failed"`) {
		t.Errorf("expected the failed state in the output, got %s", f.out.String())
	}
}

func TestApplyConfig_NextSessionUsesNewConfig(t *testing.T) {
	t.Parallel()
	sttp := &sttmock.Provider{}
	f := newFixture(t, testConfig(), sttp)

	if _, err := f.app.StartSession(t.Context()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, "first stream", func() bool { return sttp.Calls() == 1 })
	if err := f.app.StopSession(t.Context()); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	next := testConfig()
	next.Session.Language = "de-DE"
	f.app.ApplyConfig(next, config.Diff(testConfig(), next))
	if f.app.Config() != next {
		t.Fatal("Config() did not return the applied config")
	}

	if _, err := f.app.StartSession(t.Context()); err != nil {
		t.Fatalf("second StartSession: %v", err)
	}
	waitFor(t, "second stream", func() bool { return sttp.Calls() == 2 })
	if err := f.app.StopSession(t.Context()); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if got := sttp.StartStreamCalls[1].Cfg.Language; got != "de-DE" {
		t.Errorf("second session language = %q, want de-DE", got)
	}
}

func TestStopSession_NoSessionIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), &sttmock.Provider{})
	if err := f.app.StopSession(t.Context()); err != nil {
		t.Fatalf("StopSession without session: %v", err)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), &sttmock.Provider{})
	for range 3 {
		if err := f.app.Shutdown(t.Context()); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
}
