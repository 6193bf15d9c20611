// Package app wires the callscribe subsystems into a running daemon.
//
// The App owns the full lifecycle: New connects the shared infrastructure
// (analysis backend, event bus, Discord gateway, observability server), Run
// starts a transcription session and serves until the context ends, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithSink,
// WithSourceFactory, WithAnalyzer, ...). When an option is not provided, New
// builds the real implementation from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callscribe/internal/bus"
	"github.com/MrWong99/callscribe/internal/config"
	"github.com/MrWong99/callscribe/internal/dispatch"
	"github.com/MrWong99/callscribe/internal/health"
	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/relay"
	"github.com/MrWong99/callscribe/internal/session"
	"github.com/MrWong99/callscribe/pkg/audio"
	audiodiscord "github.com/MrWong99/callscribe/pkg/audio/discord"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
)

// serverShutdownTimeout bounds the HTTP server drain when Run returns.
const serverShutdownTimeout = 5 * time.Second

// ErrSessionFailed is returned by Run when the active session's relay gave
// up reconnecting or the backend rejected the credentials.
var ErrSessionFailed = errors.New("app: session failed")

// SourceFactory opens fresh audio sources for one session. System may be nil.
type SourceFactory func(cfg *config.Config) (mic, system audio.Source, err error)

// App owns all subsystem lifetimes of the callscribe daemon.
type App struct {
	// cfg is the config the next session starts with. Replaced on reload.
	cfg       atomic.Pointer[config.Config]
	providers *Providers

	analyzer  dispatch.Analyzer
	sink      session.Sink
	publisher *bus.Publisher
	sources   SourceFactory
	discord   *discordgo.Session
	metrics   *observe.Metrics
	manager   *session.Manager
	health    *health.Handler
	server    *http.Server

	out   io.Writer
	outMu sync.Mutex

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSink injects the event sink instead of connecting to the bus.
func WithSink(s session.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithSourceFactory injects how sessions obtain their audio sources.
func WithSourceFactory(f SourceFactory) Option {
	return func(a *App) { a.sources = f }
}

// WithAnalyzer injects the analysis backend instead of wrapping the LLM
// provider.
func WithAnalyzer(an dispatch.Analyzer) Option {
	return func(a *App) { a.analyzer = an }
}

// WithMetrics sets the metrics instruments. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithOutput writes every session event to w as one JSON object per line.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the providers built by [BuildProviders].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil {
		return nil, errors.New("app: a speech-to-text provider is required")
	}
	a := &App{
		providers: providers,
		manager:   session.NewManager(),
	}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initAnalyzer(cfg); err != nil {
		return nil, err
	}
	if err := a.initBus(ctx, cfg); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init bus: %w", err)
	}
	if err := a.initSources(cfg); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init audio: %w", err)
	}
	a.initHealth()
	a.initServer(cfg)
	return a, nil
}

func (a *App) initAnalyzer(cfg *config.Config) error {
	if a.analyzer == nil && a.providers.LLM != nil {
		opts := []dispatch.LLMOption{
			dispatch.WithMaxTokens(cfg.Analysis.MaxTokens),
			dispatch.WithStreaming(cfg.Analysis.Streaming),
		}
		if cfg.Analysis.Temperature != nil {
			opts = append(opts, dispatch.WithTemperature(*cfg.Analysis.Temperature))
		}
		an, err := dispatch.NewLLMAnalyzer(a.providers.LLM, opts...)
		if err != nil {
			return fmt.Errorf("app: init analyzer: %w", err)
		}
		a.analyzer = an
	}
	if (cfg.Session.AutoTodos || cfg.Session.AutoSuggestions) && a.analyzer == nil {
		return errors.New("app: analysis is enabled but no llm provider is configured")
	}
	return nil
}

func (a *App) initBus(ctx context.Context, cfg *config.Config) error {
	if a.sink != nil || cfg.Bus.URL == "" {
		return nil
	}
	p, err := bus.Connect(ctx, bus.Config{
		URL:           cfg.Bus.URL,
		SubjectPrefix: cfg.Bus.SubjectPrefix,
		Token:         cfg.Bus.Token,
		Username:      cfg.Bus.Username,
		Password:      cfg.Bus.Password,
		Metrics:       a.metrics,
	})
	if err != nil {
		return err
	}
	a.publisher = p
	a.sink = p
	a.closers = append(a.closers, p.Close)
	return nil
}

func (a *App) initSources(cfg *config.Config) error {
	if a.sources != nil {
		return nil
	}
	if d := cfg.Audio.Discord; d != nil {
		dg, err := discordgo.New("Bot " + d.Token)
		if err != nil {
			return fmt.Errorf("create discord session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
		if err := dg.Open(); err != nil {
			return fmt.Errorf("open discord gateway: %w", err)
		}
		a.discord = dg
		a.closers = append(a.closers, dg.Close)
		slog.Info("discord gateway connected", "guild_id", d.GuildID)
	}
	a.sources = a.defaultSources
	return nil
}

// defaultSources opens the microphone pipe and, when configured, the remote
// party from Discord or a second pipe.
func (a *App) defaultSources(cfg *config.Config) (audio.Source, audio.Source, error) {
	mic := audio.NewPipeSource("microphone", cfg.Audio.Microphone.Path, pipeFormat(cfg.Audio.Microphone))

	var system audio.Source
	switch {
	case cfg.Audio.Discord != nil && a.discord != nil:
		system = audiodiscord.New(a.discord, cfg.Audio.Discord.GuildID, cfg.Audio.Discord.ChannelID)
	case cfg.Audio.System.Path != "":
		system = audio.NewPipeSource("system", cfg.Audio.System.Path, pipeFormat(cfg.Audio.System))
	}
	return mic, system, nil
}

// pipeFormat fills the defaults of a pipe: 16 kHz mono.
func pipeFormat(p config.PipeConfig) audio.Format {
	f := audio.Format{SampleRate: p.SampleRate, Channels: p.Channels}
	if f.SampleRate == 0 {
		f.SampleRate = audio.SampleRate
	}
	if f.Channels == 0 {
		f.Channels = 1
	}
	return f
}

func (a *App) initHealth() {
	checkers := []health.Checker{{Name: "session", Check: a.checkSession}}
	if a.sink != nil {
		checkers = append(checkers, health.Checker{Name: "bus", Optional: true, Check: a.checkBus})
	}
	for kind, status := range a.providers.Status {
		checkers = append(checkers, health.Checker{
			Name:     kind,
			Optional: kind == "llm",
			Check: func(context.Context) error {
				if !anyAvailable(status()) {
					return fmt.Errorf("all %s providers have open circuit breakers", kind)
				}
				return nil
			},
		})
	}
	a.health = health.New(checkers...)
}

func (a *App) initServer(cfg *config.Config) {
	if cfg.Server.ListenAddr == "" {
		return
	}
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ─── Health ──────────────────────────────────────────────────────────────────

func (a *App) checkSession(context.Context) error {
	s := a.manager.Active()
	if s == nil {
		return session.ErrNoSession
	}
	switch st := s.RelayState(); st {
	case relay.StateConnected:
		return nil
	default:
		return fmt.Errorf("relay is %s", st)
	}
}

func (a *App) checkBus(context.Context) error {
	if a.publisher != nil && !a.publisher.Healthy() {
		return errors.New("not connected")
	}
	if s := a.manager.Active(); s != nil && s.SinkDegraded() {
		return errors.New("publishing is failing")
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts a session and serves until ctx is cancelled or the session
// fails. Additional long-running tasks (e.g. a config watcher) run in the
// same group and stop with it.
func (a *App) Run(ctx context.Context, tasks ...func(context.Context) error) error {
	sess, err := a.StartSession(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			slog.Info("observability server listening", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve %s: %w", a.server.Addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	g.Go(func() error { return a.consume(gctx, sess) })

	for _, task := range tasks {
		g.Go(func() error { return task(gctx) })
	}

	slog.Info("app running", "session_id", sess.ID())
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// StartSession starts a transcription session with the current config.
func (a *App) StartSession(ctx context.Context) (*session.Session, error) {
	cfg := a.cfg.Load()
	mic, system, err := a.sources(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: open audio sources: %w", err)
	}
	sess, err := a.manager.Start(ctx, a.sessionConfig(cfg, mic, system))
	if err != nil {
		return nil, fmt.Errorf("app: start session: %w", err)
	}
	return sess, nil
}

// StopSession stops the active session, if any.
func (a *App) StopSession(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	if errors.Is(err, session.ErrNoSession) {
		return nil
	}
	return err
}

func (a *App) sessionConfig(cfg *config.Config, mic, system audio.Source) session.Config {
	return session.Config{
		STT: a.providers.STT,
		Stream: stt.StreamConfig{
			Model:          cfg.Providers.STT.Model,
			Language:       cfg.Session.Language,
			Punctuate:      true,
			InterimResults: true,
			SmartFormat:    true,
		},
		Relay: session.RelayConfig{
			MaxRetries:     cfg.Relay.MaxRetries,
			BaseDelay:      cfg.Relay.BaseDelay,
			ConnectTimeout: cfg.Relay.ConnectTimeout,
		},
		Analyzer:                a.analyzer,
		Microphone:              mic,
		System:                  system,
		EnableSystemAudio:       cfg.Session.EnableSystemAudio && system != nil,
		FrameSamples:            cfg.Audio.FrameSamples,
		MicGain:                 cfg.Audio.MicGain,
		SystemGain:              cfg.Audio.SystemGain,
		AutoTodos:               cfg.Session.AutoTodos,
		AutoSuggestions:         cfg.Session.AutoSuggestions,
		Debounce:                cfg.Session.Debounce(),
		MaxSuggestionsPerMinute: cfg.Session.MaxSuggestionsPerMinute,
		Vocabulary:              cfg.Session.Vocabulary,
		Sink:                    a.sink,
		Metrics:                 a.metrics,
	}
}

// consume drains the session's events until the channel closes or ctx ends.
// A failed relay ends the group so the daemon exits instead of idling.
func (a *App) consume(ctx context.Context, sess *session.Session) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sess.Events():
			if !ok {
				return nil
			}
			a.handleEvent(ev)
			if ev.Type == session.EventConnectionStatus && ev.State == relay.StateFailed {
				return fmt.Errorf("%w: %s", ErrSessionFailed, sess.ID())
			}
		}
	}
}

func (a *App) handleEvent(ev session.Event) {
	switch ev.Type {
	case session.EventNormalized:
		if ev.Transcript.IsFinal {
			slog.Info("transcript", "speaker", ev.Transcript.Speaker, "text", ev.Transcript.Text)
		} else {
			slog.Debug("interim transcript", "text", ev.Transcript.Text)
		}
	case session.EventTodo:
		slog.Info("todo", "text", ev.Todo.Text, "priority", ev.Todo.Priority)
	case session.EventInsight:
		slog.Info("insight", "text", ev.Insight)
	case session.EventConnectionStatus:
		slog.Info("relay state changed", "state", ev.State)
	case session.EventError:
		slog.Error("session error", "kind", ev.ErrorKind, "err", ev.Err)
	}

	if a.out == nil {
		return
	}
	data, err := json.Marshal(bus.NewMessage(ev))
	if err != nil {
		slog.Warn("app: encode event", "type", ev.Type, "err", err)
		return
	}
	a.outMu.Lock()
	defer a.outMu.Unlock()
	if _, err := a.out.Write(append(data, '\n')); err != nil {
		slog.Warn("app: write event", "type", ev.Type, "err", err)
	}
}

// ApplyConfig makes cfg the config of the next session. Sections that only
// take effect after a restart are reported.
func (a *App) ApplyConfig(cfg *config.Config, diff config.ConfigDiff) {
	a.cfg.Store(cfg)
	if diff.NextSession() {
		slog.Info("config: changes apply to the next session",
			"session", diff.SessionChanged,
			"vocabulary", diff.VocabularyChanged,
			"audio", diff.AudioChanged,
			"analysis", diff.AnalysisChanged,
			"relay", diff.RelayChanged,
		)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config: changes require a restart", "sections", diff.RestartRequired)
	}
}

// Config returns the config the next session starts with.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Health returns the readiness handler.
func (a *App) Health() *health.Handler { return a.health }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the active session and releases every subsystem. If ctx
// expires before all closers finish, the remaining closers are skipped and
// the context error is returned. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.StopSession(ctx); err != nil {
			slog.Warn("session stop error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases what New acquired before it failed.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
