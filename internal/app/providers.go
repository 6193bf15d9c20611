package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/callscribe/internal/config"
	"github.com/MrWong99/callscribe/internal/resilience"
	"github.com/MrWong99/callscribe/pkg/provider/llm"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
)

// Providers holds the provider instances the daemon runs on. LLM is nil when
// no analysis is configured.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider

	// Status reports circuit breaker states, keyed by provider kind. Only
	// set for kinds configured with fallbacks.
	Status map[string]func() []resilience.EntryStatus
}

// BuildProviders instantiates the providers named in cfg. A kind with
// fallbacks is wrapped in a circuit-broken fallback group so an outage of
// the primary moves traffic to the next healthy entry.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{Status: make(map[string]func() []resilience.EntryStatus)}

	primary, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("app: create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)
	ps.STT = primary
	if len(cfg.Providers.STTFallbacks) > 0 {
		fb := resilience.NewSTTFallback(primary, cfg.Providers.STT.Name, resilience.FallbackConfig{})
		for _, entry := range cfg.Providers.STTFallbacks {
			p, err := reg.CreateSTT(entry)
			if err != nil {
				if errors.Is(err, config.ErrProviderNotRegistered) {
					slog.Warn("skipping unregistered fallback", "kind", "stt", "name", entry.Name)
					continue
				}
				return nil, fmt.Errorf("app: create stt fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
		}
		ps.STT = fb
		ps.Status["stt"] = fb.Status
	}

	if cfg.Providers.LLM.Name == "" {
		return ps, nil
	}
	lp, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("app: create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)
	ps.LLM = lp
	if len(cfg.Providers.LLMFallbacks) > 0 {
		fb := resilience.NewLLMFallback(lp, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
		for _, entry := range cfg.Providers.LLMFallbacks {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				if errors.Is(err, config.ErrProviderNotRegistered) {
					slog.Warn("skipping unregistered fallback", "kind", "llm", "name", entry.Name)
					continue
				}
				return nil, fmt.Errorf("app: create llm fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
		}
		ps.LLM = fb
		ps.Status["llm"] = fb.Status
	}
	return ps, nil
}

// anyAvailable reports whether at least one entry's breaker admits calls.
func anyAvailable(entries []resilience.EntryStatus) bool {
	for _, e := range entries {
		if e.State != resilience.StateOpen {
			return true
		}
	}
	return false
}
