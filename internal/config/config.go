// Package config provides the configuration schema, loader, and provider
// registry for callscribe.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for callscribe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Audio     AudioConfig     `yaml:"audio"`
	Session   SessionConfig   `yaml:"session"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Relay     RelayConfig     `yaml:"relay"`
	Bus       BusConfig       `yaml:"bus"`
}

// ServerConfig holds the observability server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /metrics, /healthz and /readyz
	// (e.g., ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is applied live on reload.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig declares the speech-to-text and analysis backends. Each
// entry selects a named provider registered in the [Registry]; fallbacks are
// tried in order when the primary's circuit breaker is open.
type ProvidersConfig struct {
	STT          ProviderEntry   `yaml:"stt"`
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	LLM          ProviderEntry   `yaml:"llm"`
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// Use ${ENV_VAR} to keep secrets out of the file.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini", "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// AudioConfig selects the capture sources.
type AudioConfig struct {
	// Microphone is the local participant. Path "-" reads standard input.
	Microphone PipeConfig `yaml:"microphone"`

	// System is the remote party captured from a loopback device or pipe.
	// Ignored when Discord is configured.
	System PipeConfig `yaml:"system"`

	// Discord captures the remote party from a Discord voice channel.
	Discord *DiscordConfig `yaml:"discord"`

	// FrameSamples is the number of 16 kHz samples per frame sent to the
	// backend. Default: 4096.
	FrameSamples int `yaml:"frame_samples"`

	// MicGain and SystemGain scale each source before mixing.
	// Defaults: 1.0 and 0.8.
	MicGain    float64 `yaml:"mic_gain"`
	SystemGain float64 `yaml:"system_gain"`
}

// PipeConfig describes a raw PCM16LE stream.
type PipeConfig struct {
	Path       string `yaml:"path"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

// DiscordConfig identifies the voice channel to listen to.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`
}

// SessionConfig holds the per-call options. Changes apply to the next
// session.
type SessionConfig struct {
	EnableSystemAudio       bool     `yaml:"enable_system_audio"`
	AutoTodos               bool     `yaml:"auto_todos"`
	AutoSuggestions         bool     `yaml:"auto_suggestions"`
	DebounceMs              int      `yaml:"debounce_ms"`
	MaxSuggestionsPerMinute int      `yaml:"max_suggestions_per_minute"`
	Vocabulary              []string `yaml:"vocabulary"`

	// Language is the BCP-47 recognition language. Overrides the
	// "language" option of the STT provider entry when set.
	Language string `yaml:"language"`
}

// AnalysisConfig tunes the analysis prompts sent to the LLM.
type AnalysisConfig struct {
	// Streaming selects the streaming transport when the backend supports it.
	Streaming bool `yaml:"streaming"`

	// MaxTokens caps each completion. Default: 512.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature is the sampling temperature. Nil selects 0.2.
	Temperature *float64 `yaml:"temperature"`
}

// RelayConfig tunes reconnection of the speech-to-text stream.
type RelayConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// BusConfig configures publishing of session events to NATS. An empty URL
// disables the bus.
type BusConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Token         string `yaml:"token"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
}

// Debounce returns the configured debounce as a duration. Zero means the
// scheduler default.
func (s SessionConfig) Debounce() time.Duration {
	return time.Duration(s.DebounceMs) * time.Millisecond
}
