package wizard

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rahul/stepwise/internal/observability"
)

var ErrUnknownSession = errors.New("unknown session")

const DefaultReapInterval = 30 * time.Second

// Manager owns the live wizards keyed by session id.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Wizard
	deps     Deps
	ttl      time.Duration
	newID    func() string
}

func NewManager(deps Deps, ttl time.Duration) *Manager {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Manager{
		sessions: make(map[string]*Wizard),
		deps:     deps,
		ttl:      ttl,
		newID:    uuid.NewString,
	}
}

// Create starts a new session, replacing any live session with the same id.
// An empty id gets a generated one.
func (m *Manager) Create(id string) *Wizard {
	if id == "" {
		id = m.newID()
	}
	m.mu.Lock()
	_, replaced := m.sessions[id]
	w, n := m.insert(id)
	m.mu.Unlock()

	if replaced {
		m.deps.Logger.LogSession(id, "deleted")
	}
	m.created(id, n)
	return w
}

// insert builds and stores a wizard. Called with m.mu held.
func (m *Manager) insert(id string) (*Wizard, int) {
	w := New(id, m.deps)
	m.sessions[id] = w
	return w, len(m.sessions)
}

func (m *Manager) created(id string, n int) {
	observability.SetSessions(n)
	m.deps.Logger.LogSession(id, "created")
}

func (m *Manager) Get(id string) (*Wizard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return w, nil
}

// GetOrCreate returns the session with id, creating it when missing. Chat
// gateways key sessions by chat id, and concurrent first messages from one
// chat all get the same wizard.
func (m *Manager) GetOrCreate(id string) *Wizard {
	m.mu.Lock()
	if w, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return w
	}
	w, n := m.insert(id)
	m.mu.Unlock()

	m.created(id, n)
	return w
}

// Delete drops a session. It reports whether the session existed.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()

	if ok {
		observability.SetSessions(n)
		m.deps.Logger.LogSession(id, "deleted")
	}
	return ok
}

// IDs returns the live session ids in sorted order.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reap drops sessions idle longer than the TTL and returns their ids.
func (m *Manager) Reap() []string {
	if m.ttl <= 0 {
		return nil
	}
	cutoff := m.deps.Now().Add(-m.ttl)

	m.mu.Lock()
	candidates := make(map[string]*Wizard, len(m.sessions))
	for id, w := range m.sessions {
		candidates[id] = w
	}
	m.mu.Unlock()

	var reaped []string
	for id, w := range candidates {
		if w.LastActive().Before(cutoff) {
			reaped = append(reaped, id)
		}
	}
	sort.Strings(reaped)
	for _, id := range reaped {
		if m.Delete(id) {
			log.Printf("[Manager] reaped idle session %s", id)
		}
	}
	return reaped
}

// Run reaps idle sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Println("Session reaper started...")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap()
			observability.Heartbeat()
			m.deps.Logger.LogHeartbeat()
		}
	}
}
