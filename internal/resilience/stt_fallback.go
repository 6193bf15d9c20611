package resilience

import (
	"context"
	"log/slog"

	"github.com/MrWong99/callscribe/pkg/provider/stt"
)

// sttBackend is one entry of an [STTFallback].
type sttBackend struct {
	name     string
	provider stt.Provider
	primary  bool
}

// STTFallback opens transcription streams on the first speech-to-text backend
// whose breaker admits the handshake. Only the handshake fails over; a stream
// that drops later is the relay's to reopen, and the reopen goes through the
// group again.
//
// The StreamConfig model name belongs to the primary backend. Fallbacks get
// the config with Model cleared so they use their own configured model.
type STTFallback struct {
	group *FallbackGroup[sttBackend]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	b := sttBackend{name: primaryName, provider: primary, primary: true}
	return &STTFallback{group: NewFallbackGroup(b, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, sttBackend{name: name, provider: provider})
}

// Status reports the breaker state of every backend.
func (f *STTFallback) Status() []EntryStatus {
	return f.group.Status()
}

// StartStream implements stt.Provider.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(b sttBackend) (stt.SessionHandle, error) {
		bcfg := cfg
		if !b.primary {
			bcfg.Model = ""
		}
		h, err := b.provider.StartStream(ctx, bcfg)
		if err == nil && !b.primary {
			slog.Warn("resilience: stt stream opened on fallback", "provider", b.name)
		}
		return h, err
	})
}
