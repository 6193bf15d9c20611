package app

import (
	"errors"
	"testing"

	"github.com/MrWong99/callscribe/internal/config"
	"github.com/MrWong99/callscribe/internal/resilience"
	"github.com/MrWong99/callscribe/pkg/provider/llm"
	llmmock "github.com/MrWong99/callscribe/pkg/provider/llm/mock"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/callscribe/pkg/provider/stt/mock"
)

func testRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterSTT("deepgram", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	reg.RegisterLLM("openai", func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{}, nil })
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) { return nil, errors.New("bad key") })
	return reg
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		providers   config.ProvidersConfig
		wantErr     bool
		wantLLM     bool
		wantSTTWrap bool
		wantLLMWrap bool
	}{
		{
			name:      "stt only",
			providers: config.ProvidersConfig{STT: config.ProviderEntry{Name: "deepgram"}},
		},
		{
			name: "stt and llm",
			providers: config.ProvidersConfig{
				STT: config.ProviderEntry{Name: "deepgram"},
				LLM: config.ProviderEntry{Name: "openai"},
			},
			wantLLM: true,
		},
		{
			name: "fallbacks wrap",
			providers: config.ProvidersConfig{
				STT:          config.ProviderEntry{Name: "deepgram"},
				STTFallbacks: []config.ProviderEntry{{Name: "deepgram"}},
				LLM:          config.ProviderEntry{Name: "openai"},
				LLMFallbacks: []config.ProviderEntry{{Name: "not-registered"}, {Name: "openai"}},
			},
			wantLLM:     true,
			wantSTTWrap: true,
			wantLLMWrap: true,
		},
		{
			name:      "unregistered primary",
			providers: config.ProvidersConfig{STT: config.ProviderEntry{Name: "whisper"}},
			wantErr:   true,
		},
		{
			name: "failing llm factory",
			providers: config.ProvidersConfig{
				STT: config.ProviderEntry{Name: "deepgram"},
				LLM: config.ProviderEntry{Name: "broken"},
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ps, err := BuildProviders(&config.Config{Providers: tc.providers}, testRegistry())
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildProviders: %v", err)
			}
			if (ps.LLM != nil) != tc.wantLLM {
				t.Errorf("LLM set = %v, want %v", ps.LLM != nil, tc.wantLLM)
			}
			_, sttWrapped := ps.STT.(*resilience.STTFallback)
			if sttWrapped != tc.wantSTTWrap {
				t.Errorf("stt wrapped = %v, want %v", sttWrapped, tc.wantSTTWrap)
			}
			_, llmWrapped := ps.LLM.(*resilience.LLMFallback)
			if llmWrapped != tc.wantLLMWrap {
				t.Errorf("llm wrapped = %v, want %v", llmWrapped, tc.wantLLMWrap)
			}
			if tc.wantLLMWrap {
				// The unregistered fallback is skipped.
				if n := len(ps.Status["llm"]()); n != 2 {
					t.Errorf("llm fallback entries = %d, want 2", n)
				}
			}
		})
	}
}

func TestAnyAvailable(t *testing.T) {
	t.Parallel()
	open := resilience.EntryStatus{Name: "a", State: resilience.StateOpen}
	closed := resilience.EntryStatus{Name: "b", State: resilience.StateClosed}
	if anyAvailable([]resilience.EntryStatus{open, open}) {
		t.Error("all open should be unavailable")
	}
	if !anyAvailable([]resilience.EntryStatus{open, closed}) {
		t.Error("one closed breaker should be available")
	}
}
