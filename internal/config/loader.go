package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
}

// envRef matches ${NAME} references. Bare $NAME is left alone so values such
// as passwords may contain a dollar sign.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV} references and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	data, err = ExpandEnv(data, os.LookupEnv)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces every ${NAME} in data with the value reported by lookup.
// References to unset variables are collected into a single error. Comment
// lines are not expanded.
func ExpandEnv(data []byte, lookup func(string) (string, bool)) ([]byte, error) {
	var missing []string
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		if bytes.HasPrefix(bytes.TrimSpace(line), []byte("#")) {
			continue
		}
		lines[i] = envRef.ReplaceAllFunc(line, func(ref []byte) []byte {
			name := string(envRef.FindSubmatch(ref)[1])
			v, ok := lookup(name)
			if !ok {
				if !slices.Contains(missing, name) {
					missing = append(missing, name)
				}
				return ref
			}
			return []byte(v)
		})
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("config: environment variables not set: %s", strings.Join(missing, ", "))
	}
	return bytes.Join(lines, []byte("\n")), nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
	}

	analysis := cfg.Session.AutoTodos || cfg.Session.AutoSuggestions
	if analysis && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required when session.auto_todos or session.auto_suggestions is enabled"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	if !analysis && cfg.Providers.LLM.Name != "" {
		slog.Warn("providers.llm is configured but both auto_todos and auto_suggestions are disabled")
	}

	// Audio
	if cfg.Audio.Microphone.Path == "" {
		errs = append(errs, errors.New("audio.microphone.path is required"))
	}
	errs = append(errs, validatePipe("audio.microphone", cfg.Audio.Microphone)...)
	if cfg.Audio.System.Path != "" {
		errs = append(errs, validatePipe("audio.system", cfg.Audio.System)...)
	}
	if d := cfg.Audio.Discord; d != nil {
		if d.Token == "" {
			errs = append(errs, errors.New("audio.discord.token is required"))
		}
		if d.GuildID == "" {
			errs = append(errs, errors.New("audio.discord.guild_id is required"))
		}
		if d.ChannelID == "" {
			errs = append(errs, errors.New("audio.discord.channel_id is required"))
		}
		if cfg.Audio.System.Path != "" {
			slog.Warn("audio.discord and audio.system are both configured; using discord for the remote party")
		}
	}
	if cfg.Audio.FrameSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples %d must not be negative", cfg.Audio.FrameSamples))
	}
	for name, gain := range map[string]float64{"audio.mic_gain": cfg.Audio.MicGain, "audio.system_gain": cfg.Audio.SystemGain} {
		if gain < 0 || gain > 4 {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range [0, 4]", name, gain))
		}
	}

	// Session
	if cfg.Session.EnableSystemAudio && cfg.Audio.System.Path == "" && cfg.Audio.Discord == nil {
		slog.Warn("session.enable_system_audio is set but neither audio.system nor audio.discord is configured; capturing microphone only")
	}
	if cfg.Session.DebounceMs < 0 {
		errs = append(errs, fmt.Errorf("session.debounce_ms %d must not be negative", cfg.Session.DebounceMs))
	}
	if cfg.Session.MaxSuggestionsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("session.max_suggestions_per_minute %d must not be negative", cfg.Session.MaxSuggestionsPerMinute))
	}
	for i, term := range cfg.Session.Vocabulary {
		if strings.TrimSpace(term) == "" {
			errs = append(errs, fmt.Errorf("session.vocabulary[%d] is empty", i))
		}
	}

	// Analysis
	if cfg.Analysis.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("analysis.max_tokens %d must not be negative", cfg.Analysis.MaxTokens))
	}
	if t := cfg.Analysis.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("analysis.temperature %.2f is out of range [0, 2]", *t))
	}

	// Relay
	if cfg.Relay.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("relay.max_retries %d must not be negative", cfg.Relay.MaxRetries))
	}
	if cfg.Relay.BaseDelay < 0 || cfg.Relay.ConnectTimeout < 0 {
		errs = append(errs, errors.New("relay.base_delay and relay.connect_timeout must not be negative"))
	}

	// Bus
	if strings.ContainsAny(cfg.Bus.SubjectPrefix, "*> \t") {
		errs = append(errs, fmt.Errorf("bus.subject_prefix %q must not contain wildcards or whitespace", cfg.Bus.SubjectPrefix))
	}
	if cfg.Bus.URL == "" && cfg.Bus.SubjectPrefix != "" {
		slog.Warn("bus.subject_prefix is set but bus.url is empty; session events will not be published")
	}

	return errors.Join(errs...)
}

func validatePipe(prefix string, p PipeConfig) []error {
	var errs []error
	if p.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("%s.sample_rate %d must not be negative", prefix, p.SampleRate))
	}
	if p.Channels != 0 && p.Channels != 1 && p.Channels != 2 {
		errs = append(errs, fmt.Errorf("%s.channels %d is invalid; valid values: 1, 2", prefix, p.Channels))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
