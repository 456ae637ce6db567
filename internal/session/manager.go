package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/filip-strelec/pokedex-terminal/internal/mode"
	"github.com/filip-strelec/pokedex-terminal/internal/ptyproc"
	"github.com/filip-strelec/pokedex-terminal/internal/store"
	"github.com/filip-strelec/pokedex-terminal/pkg/types"
)

// DefaultHandshakeTimeout bounds the wait for the first message.
const DefaultHandshakeTimeout = 10 * time.Second

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("too many sessions")
	ErrShuttingDown    = errors.New("bridge is shutting down")
)

// Config is shared read-only by every session of a Manager.
type Config struct {
	Registry *mode.Registry
	// Dir is the working directory of child programs.
	Dir string
	// BaseEnv is the environment every child inherits.
	BaseEnv []string

	Cols int
	Rows int

	HandshakeTimeout time.Duration
	KillGrace        time.Duration

	// MaxSessions caps concurrent sessions; 0 means unlimited.
	MaxSessions int

	// Journal is optional.
	Journal store.Journal
	Spawn   Spawner
}

// Manager accepts channels and runs one Session per channel.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

// NewManager creates a Manager, filling unset Config fields with defaults.
func NewManager(cfg Config) *Manager {
	if cfg.Registry == nil {
		cfg.Registry = mode.DefaultRegistry()
	}
	if cfg.Cols <= 0 {
		cfg.Cols = ptyproc.DefaultCols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = ptyproc.DefaultRows
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = ptyproc.DefaultKillGrace
	}
	if cfg.Spawn == nil {
		cfg.Spawn = SpawnPTY
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Serve runs a session on ch and blocks until it has ended. The channel is
// always closed when Serve returns.
func (m *Manager) Serve(ctx context.Context, ch Channel) (err error) {
	s, err := m.register(ch)
	if err != nil {
		ch.Close(err)
		return err
	}
	defer m.unregister(s)

	defer func() {
		if r := recover(); r != nil {
			log.Printf("session %s: panic: %v", s.id, r)
			err = fmt.Errorf("session %s: panic: %v", s.id, r)
			s.abort(errors.New("internal error"))
		}
	}()

	log.Printf("session %s: connected from %s", s.id, ch.RemoteAddr())
	return s.run(ctx)
}

func (m *Manager) register(ch Channel) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		return nil, ErrShuttingDown
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		return nil, ErrTooManySessions
	}

	id := uuid.New().String()[:8]
	for m.sessions[id] != nil {
		id = uuid.New().String()[:8]
	}
	s := newSession(id, ch, m.cfg)
	m.sessions[id] = s
	m.wg.Add(1)
	return s, nil
}

func (m *Manager) unregister(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	m.wg.Done()
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// Kill terminates a live session.
func (m *Manager) Kill(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Terminate(ReasonKilled)
	return nil
}

// List returns a snapshot of live sessions, oldest first.
func (m *Manager) List() []types.SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]types.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// MaxSessions returns the configured session cap (0 is unlimited).
func (m *Manager) MaxSessions() int { return m.cfg.MaxSessions }

// Shutdown refuses new sessions, terminates the live ones and waits for
// them to end or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Terminate(ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d session(s): %w", m.Count(), ctx.Err())
	}
}
