package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an operation names a session that does not
// exist (never created, already ended).
var ErrNotFound = errors.New("session not found")

// Store keeps the live sessions of this process. Each call gets one session
// at call start; it is removed when the call ends.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Create registers a new session and returns it.
func (st *Store) Create() *Session {
	s := &Session{ID: uuid.NewString(), state: StateIdle}
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
	return s
}

// Get looks up a live session by id.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// End removes a session. The caller is responsible for stopping its
// controller first.
func (st *Store) End(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.SetState(StateEnded)
	delete(st.sessions, id)
	return nil
}

// Reset clears a session's history and scratch state but keeps it alive.
func (st *Store) Reset(id string) error {
	st.mu.Lock()
	s, ok := st.sessions[id]
	st.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.clear()
	return nil
}

// Len reports how many sessions are live.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
