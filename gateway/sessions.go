package gateway

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duckchat-go/duckchat/config"
	"github.com/duckchat-go/duckchat/duckchat"
)

// Session binds one engine client to a gateway session ID. Turns are
// serialized through mu; the engine supports one in-flight turn per client.
type Session struct {
	ID     string
	Client *duckchat.Client

	mu       sync.Mutex
	lastUsed time.Time
}

// Lock takes the session's turn lock.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session's turn lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// Manager owns the live sessions and evicts the ones idle past the
// configured TTL.
type Manager struct {
	cfg      *config.Config
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new chat session. model overrides the configured default
// when non-empty; callers validate it first.
func (m *Manager) Create(model string) (*Session, error) {
	opts := m.cfg.ClientOptions()
	if model != "" {
		opts = append(opts, config.WithConfigModel(model))
	}
	client, err := duckchat.New(opts...)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:       "sess_" + uuid.New().String()[:8],
		Client:   client,
		lastUsed: time.Now(),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns the session with the given ID and marks it used.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok {
		s.lastUsed = time.Now()
	}
	return s, ok
}

// Delete removes the session and releases its transport.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.Client.Close()
	}
	return ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// EvictIdle removes sessions idle longer than the configured TTL and returns
// how many were dropped.
func (m *Manager) EvictIdle() int {
	cutoff := time.Now().Add(-m.cfg.SessionTTL)

	m.mu.Lock()
	var evicted []*Session
	for id, s := range m.sessions {
		if s.lastUsed.Before(cutoff) {
			evicted = append(evicted, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range evicted {
		s.Client.Close()
	}
	return len(evicted)
}

// RunEvictor evicts idle sessions on the given interval until ctx is done.
func (m *Manager) RunEvictor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.EvictIdle(); n > 0 {
				log.Printf("Evicted %d idle sessions", n)
			}
		}
	}
}
