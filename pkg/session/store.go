package session

import (
	"context"
	"sync"
)

// Store owns the live session table. It has an explicit lifetime: the switchboard
// creates one at construction and drains it on shutdown.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	changed  chan struct{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		changed:  make(chan struct{}),
	}
}

// Add inserts a session.
func (st *Store) Add(sess *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[sess.ID] = sess
	st.notifyLocked()
}

// Remove deletes a session by id.
func (st *Store) Remove(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; ok {
		delete(st.sessions, id)
		st.notifyLocked()
	}
}

// Get retrieves a session by id.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[id]
	return sess, ok
}

// List returns all sessions.
func (st *Store) List() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		out = append(out, sess)
	}
	return out
}

// Count returns the number of sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// WaitEmpty blocks until the store holds no sessions or ctx is done.
func (st *Store) WaitEmpty(ctx context.Context) error {
	for {
		st.mu.RLock()
		n := len(st.sessions)
		changed := st.changed
		st.mu.RUnlock()

		if n == 0 {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// notifyLocked wakes every WaitEmpty caller; callers must hold st.mu.
func (st *Store) notifyLocked() {
	close(st.changed)
	st.changed = make(chan struct{})
}
