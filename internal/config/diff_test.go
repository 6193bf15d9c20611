package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/callscribe/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{ListenAddr: ":9090", LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{STT: config.ProviderEntry{Name: "deepgram"}},
		Audio:     config.AudioConfig{Microphone: config.PipeConfig{Path: "/tmp/mic"}},
		Session:   config.SessionConfig{AutoTodos: true, Vocabulary: []string{"Acme"}},
		Relay:     config.RelayConfig{MaxRetries: 3, BaseDelay: time.Second},
		Bus:       config.BusConfig{URL: "nats://localhost:4222"},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.LogLevelChanged || d.NextSession() || len(d.RestartRequired) != 0 {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		check   func(d config.ConfigDiff) bool
		restart []string
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check:  func(d config.ConfigDiff) bool { return d.LogLevelChanged && d.NewLogLevel == config.LogDebug && !d.NextSession() },
		},
		{
			name:   "vocabulary",
			mutate: func(c *config.Config) { c.Session.Vocabulary = append(c.Session.Vocabulary, "Kubernetes") },
			check:  func(d config.ConfigDiff) bool { return d.SessionChanged && d.VocabularyChanged && d.NextSession() },
		},
		{
			name:   "session flag without vocabulary",
			mutate: func(c *config.Config) { c.Session.AutoSuggestions = true },
			check:  func(d config.ConfigDiff) bool { return d.SessionChanged && !d.VocabularyChanged },
		},
		{
			name:   "analysis",
			mutate: func(c *config.Config) { c.Analysis.MaxTokens = 256 },
			check:  func(d config.ConfigDiff) bool { return d.AnalysisChanged && d.NextSession() },
		},
		{
			name:   "audio",
			mutate: func(c *config.Config) { c.Audio.Discord = &config.DiscordConfig{Token: "t", GuildID: "g", ChannelID: "c"} },
			check:  func(d config.ConfigDiff) bool { return d.AudioChanged },
		},
		{
			name:   "relay",
			mutate: func(c *config.Config) { c.Relay.MaxRetries = 10 },
			check:  func(d config.ConfigDiff) bool { return d.RelayChanged },
		},
		{
			name:    "providers",
			mutate:  func(c *config.Config) { c.Providers.STT.Model = "nova-3" },
			check:   func(d config.ConfigDiff) bool { return !d.NextSession() },
			restart: []string{"providers"},
		},
		{
			name: "listen addr and bus",
			mutate: func(c *config.Config) {
				c.Server.ListenAddr = ":9191"
				c.Bus.SubjectPrefix = "calls"
			},
			check:   func(d config.ConfigDiff) bool { return !d.LogLevelChanged },
			restart: []string{"server.listen_addr", "bus"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			next := baseConfig()
			tc.mutate(next)
			d := config.Diff(baseConfig(), next)
			if !tc.check(d) {
				t.Errorf("unexpected diff: %+v", d)
			}
			if !slices.Equal(d.RestartRequired, tc.restart) {
				t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired, tc.restart)
			}
		})
	}
}
