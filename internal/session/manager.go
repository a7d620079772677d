package session

import (
	"sync"
)

// Manager owns the actor map: one actor per session id, built lazily and
// reused for the life of the process.
type Manager struct {
	deps Deps

	mu     sync.Mutex
	actors map[string]*Actor
}

// NewManager creates a Manager sharing deps across all actors.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:   deps,
		actors: make(map[string]*Actor),
	}
}

// Get returns the actor for a session id, creating it on first use.
// Construction is cheap and does not touch storage.
func (m *Manager) Get(id string) *Actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actors[id]; ok {
		return a
	}
	a := NewActor(id, m.deps)
	m.actors[id] = a
	return a
}

// Shutdown tears down every live actor. Persistent state is untouched.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.actors = make(map[string]*Actor)
	m.mu.Unlock()

	for _, a := range actors {
		a.Shutdown()
	}
}
