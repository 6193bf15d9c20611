// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/types"
	"github.com/coder/websocket"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en-US"
	defaultEncoding   = "linear16"
	defaultSampleRate = 16000
	defaultKeepAlive  = 8 * time.Second
	closeWriteTimeout = 2 * time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the default Deepgram model (e.g., "nova-3", "nova-2-phonecall").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint. Used for self-hosted
// deployments and tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithKeepAlive sets how long the audio stream may stay idle before a
// KeepAlive message is sent. Zero disables keep-alives.
func WithKeepAlive(d time.Duration) Option {
	return func(p *Provider) {
		p.keepAlive = d
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey    string
	endpoint  string
	model     string
	language  string
	keepAlive time.Duration

	malformed atomic.Uint64
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:    apiKey,
		endpoint:  deepgramEndpoint,
		model:     defaultModel,
		language:  defaultLanguage,
		keepAlive: defaultKeepAlive,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// MalformedMessages returns how many backend messages could not be parsed
// across all sessions of this provider.
func (p *Provider) MalformedMessages() uint64 { return p.malformed.Load() }

// StartStream opens a streaming transcription session with Deepgram. The
// handshake is bounded by ctx; the session itself lives until Close or until
// the server ends it.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("deepgram: dial: %w (HTTP %d)", stt.ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		conn:      conn,
		provider:  p,
		events:    make(chan types.TranscriptEvent, 128),
		audio:     make(chan []byte, 256),
		done:      make(chan struct{}),
		cancel:    cancel,
		keepAlive: p.keepAlive,
	}

	sess.wg.Add(2)
	go sess.readLoop(loopCtx)
	go sess.writeLoop(loopCtx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = defaultEncoding
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("encoding", enc)
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.SmartFormat {
		q.Set("smart_format", "true")
	}
	if cfg.EndpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.EndpointingMs))
	}
	if cfg.UtteranceEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(cfg.UtteranceEndMs))
	}

	for _, kw := range cfg.Keywords {
		val := kw.Keyword
		if kw.Boost != 0 {
			// Deepgram keyword format: word:boost (e.g., "Kubernetes:2")
			val = fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost)
		}
		q.Add("keywords", val)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramMessage is the union of the JSON messages Deepgram sends on a
// streaming connection. Only the fields this client uses are declared.
type deepgramMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`

	// Metadata
	RequestID string `json:"request_id"`

	// SpeechStarted / UtteranceEnd
	Timestamp   float64 `json:"timestamp"`
	LastWordEnd float64 `json:"last_word_end"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	provider *Provider
	events   chan types.TranscriptEvent
	audio    chan []byte

	done      chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	keepAlive time.Duration

	errMu sync.Mutex
	err   error
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram without blocking.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	default:
		return stt.ErrBackpressure
	}
}

// Events returns the ordered channel of transcript events.
func (s *session) Events() <-chan types.TranscriptEvent { return s.events }

// Err reports why the server side ended the session.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask Deepgram to flush pending audio before the close handshake.
		ctx, cancel := context.WithTimeout(context.Background(), closeWriteTimeout)
		_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func (s *session) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// writeLoop reads from the audio channel and sends binary messages to
// Deepgram, sending a KeepAlive whenever the stream has been idle.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	var keepAlive <-chan time.Time
	var ticker *time.Ticker
	if s.keepAlive > 0 {
		ticker = time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}
	lastWrite := time.Now()

	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
			lastWrite = time.Now()
		case <-keepAlive:
			if time.Since(lastWrite) < s.keepAlive {
				continue
			}
			if err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
			lastWrite = time.Now()
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop receives JSON messages from Deepgram and forwards Results as
// transcript events, in order. It records the close reason when the server
// ends the session.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			if s.closing() {
				return
			}
			status := websocket.CloseStatus(err)
			slog.Warn("deepgram: connection closed by server",
				"code", int(status),
				"err", err,
			)
			s.errMu.Lock()
			s.err = fmt.Errorf("deepgram: read: %w", err)
			s.errMu.Unlock()
			return
		}

		ev, ok, pErr := parseMessage(msg)
		if pErr != nil {
			s.provider.malformed.Add(1)
			slog.Warn("deepgram: dropping malformed message", "bytes", len(msg), "err", pErr)
			continue
		}
		if !ok {
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// parseMessage decodes one Deepgram message. It returns ok=false for
// messages that carry no transcript and a non-nil error for messages that do
// not match the documented shape.
func parseMessage(data []byte) (types.TranscriptEvent, bool, error) {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return types.TranscriptEvent{}, false, err
	}

	switch msg.Type {
	case "Results":
		if len(msg.Channel.Alternatives) == 0 {
			return types.TranscriptEvent{}, false, errors.New("results message without alternatives")
		}
		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			return types.TranscriptEvent{}, false, nil
		}
		return types.TranscriptEvent{
			Text:       alt.Transcript,
			IsFinal:    msg.IsFinal,
			Confidence: alt.Confidence,
			ReceivedAt: time.Now(),
		}, true, nil
	case "Metadata":
		slog.Debug("deepgram: metadata", "request_id", msg.RequestID)
	case "SpeechStarted":
		slog.Debug("deepgram: speech started", "at", msg.Timestamp)
	case "UtteranceEnd":
		slog.Debug("deepgram: utterance end", "last_word_end", msg.LastWordEnd)
	case "":
		return types.TranscriptEvent{}, false, errors.New("message without type")
	default:
		slog.Debug("deepgram: ignoring message", "type", msg.Type)
	}
	return types.TranscriptEvent{}, false, nil
}
