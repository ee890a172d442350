package proctor

import (
	"sync"
	"time"

	"github.com/ashureev/proctord/internal/domain"
)

// Entry guards one session. All reads and writes of the session go through Do.
type Entry struct {
	mu      sync.Mutex
	session *domain.Session
	removed bool
}

// Do runs fn with exclusive access to the session. Once the entry has been
// deleted from its store, Do reports false and fn is not called.
func (e *Entry) Do(fn func(s *domain.Session)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	fn(e.session)
	return true
}

// Store owns the id to session mapping for the lifetime of the process.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Entry
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Entry),
	}
}

// GetOrCreate returns the entry for id, creating a fresh session if absent.
// Concurrent first calls for the same id all receive the same entry.
func (st *Store) GetOrCreate(id string, now time.Time) (*Entry, bool) {
	st.mu.RLock()
	e, ok := st.sessions[id]
	st.mu.RUnlock()
	if ok {
		return e, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if e, ok := st.sessions[id]; ok {
		return e, false
	}
	e = &Entry{session: domain.NewSession(id, now)}
	st.sessions[id] = e
	return e, true
}

// Get returns the entry for id or ErrSessionNotFound.
func (st *Store) Get(id string) (*Entry, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	e, ok := st.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

// Delete removes id and reports whether it existed. Holders of the old entry
// can no longer reach its session.
func (st *Store) Delete(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.sessions[id]
	if !ok {
		return false
	}
	delete(st.sessions, id)

	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	return true
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
