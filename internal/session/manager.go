package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrSessionActive is returned by Manager.Start while another session is
	// running.
	ErrSessionActive = errors.New("session: a session is already active")

	// ErrNoSession is returned by Manager.Stop when nothing is running.
	ErrNoSession = errors.New("session: no active session")
)

// Manager runs at most one [Session] at a time.
//
// All methods are safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	active *Session
}

// NewManager returns an idle manager.
func NewManager() *Manager {
	return &Manager{}
}

// Start creates and starts a session from cfg. It returns ErrSessionActive
// if a session is already running.
func (m *Manager) Start(ctx context.Context, cfg Config) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, ErrSessionActive
	}
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	m.active = s
	return s, nil
}

// Stop stops the active session. The manager is idle afterwards even when
// the session reports shutdown errors.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	s := m.active
	m.active = nil
	m.mu.Unlock()

	if s == nil {
		return ErrNoSession
	}
	err := s.Stop(ctx)
	if err != nil {
		slog.Warn("session: stopped with errors", "session_id", s.ID(), "err", err)
	}
	return err
}

// Active returns the running session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
