package session

import (
	"sort"
	"sync"

	"github.com/beamcode/beamcode/internal/common/errs"
)

// Store is the cross-session registry. It is the only structure shared
// between sessions; everything per-session hangs off the record. Reads
// return point-in-time snapshots, and lifecycle hooks run synchronously
// outside the lock so they may call back into the store.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	onCreate []func(*Session)
	onDelete []func(*Session)
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// OnCreate registers a hook invoked after each successful Create.
// Hooks are registered at bootstrap, before the store is shared.
func (st *Store) OnCreate(fn func(*Session)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onCreate = append(st.onCreate, fn)
}

// OnDelete registers a hook invoked after each successful Delete.
func (st *Store) OnDelete(fn func(*Session)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onDelete = append(st.onDelete, fn)
}

// Create registers a new session record.
func (st *Store) Create(s *Session) error {
	st.mu.Lock()
	if _, ok := st.sessions[s.ID()]; ok {
		st.mu.Unlock()
		return errs.ErrSessionExists
	}
	st.sessions[s.ID()] = s
	hooks := st.onCreate
	st.mu.Unlock()

	for _, fn := range hooks {
		fn(s)
	}
	return nil
}

// Get looks up a session by id.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Delete removes a session record and returns it.
func (st *Store) Delete(id string) (*Session, bool) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return nil, false
	}
	delete(st.sessions, id)
	hooks := st.onDelete
	st.mu.Unlock()

	for _, fn := range hooks {
		fn(s)
	}
	return s, true
}

// List returns all session records ordered by creation time.
func (st *Store) List() []*Session {
	st.mu.RLock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	st.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt().Equal(out[j].CreatedAt()) {
			return out[i].CreatedAt().Before(out[j].CreatedAt())
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// Len reports the number of registered sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
