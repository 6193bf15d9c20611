package session

import (
	"errors"
	"testing"

	audiomock "github.com/MrWong99/callscribe/pkg/audio/mock"
	sttmock "github.com/MrWong99/callscribe/pkg/provider/stt/mock"
)

func TestManager_OneSessionAtATime(t *testing.T) {
	t.Parallel()

	m := NewManager()
	cfg := func() Config {
		return Config{STT: &sttmock.Provider{}, Microphone: audiomock.NewSource("mic"), Metrics: testMetrics(t)}
	}

	s, err := m.Start(t.Context(), cfg())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.Active() != s {
		t.Error("Active should return the running session")
	}
	if _, err := m.Start(t.Context(), cfg()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second Start err = %v, want ErrSessionActive", err)
	}

	if err := m.Stop(t.Context()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.Active() != nil {
		t.Error("Active should be nil after Stop")
	}
	if err := m.Stop(t.Context()); !errors.Is(err, ErrNoSession) {
		t.Errorf("Stop without session err = %v, want ErrNoSession", err)
	}

	s2, err := m.Start(t.Context(), cfg())
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if s2.ID() == s.ID() {
		t.Error("restarted session reused the previous id")
	}
	_ = m.Stop(t.Context())
}

func TestManager_FailedStartLeavesManagerIdle(t *testing.T) {
	t.Parallel()

	m := NewManager()
	if _, err := m.Start(t.Context(), Config{}); err == nil {
		t.Fatal("expected validation error")
	}
	if m.Active() != nil {
		t.Error("failed start must not register a session")
	}
}
