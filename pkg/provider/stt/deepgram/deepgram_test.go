package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/types"
	"github.com/coder/websocket"
)

// ---- URL / query-param tests ----

func TestBuildURL_SessionParameters(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.StreamConfig{
		SampleRate:     16000,
		Channels:       1,
		Language:       "en",
		Encoding:       "linear16",
		Punctuate:      true,
		InterimResults: true,
		SmartFormat:    true,
		EndpointingMs:  300,
		UtteranceEndMs: 1000,
	}

	rawURL, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "smart_format", "true", q.Get("smart_format"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	assertEqual(t, "endpointing", "300", q.Get("endpointing"))
	assertEqual(t, "utterance_end_ms", "1000", q.Get("utterance_end_ms"))
}

func TestBuildURL_ProviderDefaults(t *testing.T) {
	p, err := New("key", WithModel("nova-2-phonecall"), WithLanguage("de-DE"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "nova-2-phonecall", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "interim_results", "false", q.Get("interim_results"))
	if q.Has("endpointing") {
		t.Error("expected no endpointing param when zero")
	}
}

func TestBuildURL_ConfigOverridesProvider(t *testing.T) {
	p, err := New("key", WithLanguage("en"), WithModel("base"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{Language: "fr-FR", Model: "nova-3"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "fr-FR", u.Query().Get("language"))
	assertEqual(t, "model", "nova-3", u.Query().Get("model"))
}

func TestBuildURL_Keywords(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.StreamConfig{
		Keywords: []types.KeywordBoost{
			{Keyword: "Kubernetes", Boost: 5},
			{Keyword: "Acme", Boost: 3.5},
			{Keyword: "Grafana"},
		},
	}

	rawURL, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	kws := u.Query()["keywords"]
	if len(kws) != 3 {
		t.Fatalf("expected 3 keywords, got %d: %v", len(kws), kws)
	}
	found := map[string]bool{}
	for _, kw := range kws {
		found[kw] = true
	}
	for _, want := range []string{"Kubernetes:5", "Acme:3.5", "Grafana"} {
		if !found[want] {
			t.Errorf("expected keyword %q, got %v", want, kws)
		}
	}
}

// ---- JSON parsing tests ----

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantOK    bool
		wantErr   bool
		wantText  string
		wantFinal bool
	}{
		{
			name:      "final result",
			raw:       `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"Hello world","confidence":0.95}]}}`,
			wantOK:    true,
			wantText:  "Hello world",
			wantFinal: true,
		},
		{
			name:     "interim result",
			raw:      `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"Hel","confidence":0.5}]}}`,
			wantOK:   true,
			wantText: "Hel",
		},
		{name: "empty transcript", raw: `{"type":"Results","channel":{"alternatives":[{"transcript":""}]}}`},
		{name: "metadata", raw: `{"type":"Metadata","request_id":"abc"}`},
		{name: "speech started", raw: `{"type":"SpeechStarted","timestamp":1.5}`},
		{name: "utterance end", raw: `{"type":"UtteranceEnd","last_word_end":2.1}`},
		{name: "results without alternatives", raw: `{"type":"Results","channel":{"alternatives":[]}}`, wantErr: true},
		{name: "missing type", raw: `{"is_final":true}`, wantErr: true},
		{name: "invalid JSON", raw: `{not json`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok, err := parseMessage([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if ev.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", ev.Text, tt.wantText)
			}
			if ev.IsFinal != tt.wantFinal {
				t.Errorf("IsFinal = %v, want %v", ev.IsFinal, tt.wantFinal)
			}
			if ev.ReceivedAt.IsZero() {
				t.Error("ReceivedAt not set")
			}
		})
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

// ---- streaming tests against a local websocket server ----

// fakeDeepgram accepts one websocket connection, records the first binary
// message, then sends the scripted text messages.
func fakeDeepgram(t *testing.T, script []string, gotAudio chan<- []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token good-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()

		ctx := r.Context()
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			gotAudio <- data
		}
		for _, msg := range script {
			if err := c.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
				return
			}
		}
		c.Close(websocket.StatusGoingAway, "done")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStartStream_DeliversOrderedEvents(t *testing.T) {
	gotAudio := make(chan []byte, 1)
	srv := fakeDeepgram(t, []string{
		`{"type":"Metadata","request_id":"r1"}`,
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"we need"}]}}`,
		`garbage`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"we need to follow up"}]}}`,
	}, gotAudio)

	p, err := New("good-key", WithEndpoint(wsURL(srv)), WithKeepAlive(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	h, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	if err := h.SendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	select {
	case a := <-gotAudio:
		if len(a) != 4 {
			t.Errorf("server got %d bytes, want 4", len(a))
		}
	case <-ctx.Done():
		t.Fatal("server never received audio")
	}

	var got []types.TranscriptEvent
	for ev := range h.Events() {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(got), got)
	}
	if got[0].IsFinal || got[0].Text != "we need" {
		t.Errorf("event 0 = %+v, want interim 'we need'", got[0])
	}
	if !got[1].IsFinal || got[1].Text != "we need to follow up" {
		t.Errorf("event 1 = %+v, want final 'we need to follow up'", got[1])
	}
	if h.Err() == nil {
		t.Error("Err() = nil after server close, want non-nil")
	}
	if p.MalformedMessages() != 1 {
		t.Errorf("MalformedMessages = %d, want 1", p.MalformedMessages())
	}
	if err := h.SendAudio([]byte{0, 0}); !errors.Is(err, stt.ErrClosed) && err != nil {
		t.Errorf("SendAudio after end = %v", err)
	}
}

func TestStartStream_AuthRejected(t *testing.T) {
	srv := fakeDeepgram(t, nil, make(chan []byte, 1))

	p, err := New("bad-key", WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.StartStream(t.Context(), stt.StreamConfig{})
	if !errors.Is(err, stt.ErrAuthRejected) {
		t.Errorf("err = %v, want ErrAuthRejected", err)
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		for {
			if _, _, err := c.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	p, _ := New("k", WithEndpoint(wsURL(srv)))
	h, err := p.StartStream(t.Context(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	for range 3 {
		if err := h.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if err := h.SendAudio([]byte{0, 0}); !errors.Is(err, stt.ErrClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrClosed", err)
	}
	if h.Err() != nil {
		t.Errorf("Err() after local Close = %v, want nil", h.Err())
	}
	for range h.Events() {
	}
}

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
