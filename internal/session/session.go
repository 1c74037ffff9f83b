package session

import (
	"sync"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleCaller Role = "caller"
	RoleAgent  Role = "agent"
)

// State is the controller state of a live call. The turn controller is the
// only writer; everything else reads.
type State string

const (
	StateIdle                State = "idle"
	StateListeningForCaller  State = "listening_for_caller"
	StateCallerSpeaking      State = "caller_speaking"
	StateThinking            State = "thinking"
	StateAgentSpeaking       State = "agent_speaking"
	StateInterrupted         State = "interrupted"
	StateEnded               State = "ended"
)

// PassageRef records which knowledge passages grounded an agent turn.
// The score is the one the retrieval query produced; it is never written
// back to the stored passage.
type PassageRef struct {
	ID       string
	SourceID string
	Score    float64
}

// Turn is one finished utterance in the conversation. Immutable once appended.
type Turn struct {
	Role        Role
	Text        string
	At          time.Time
	Interrupted bool
	Passages    []PassageRef
}

// Session holds per-call conversation history and scratch state.
// It is owned by exactly one turn controller for its lifetime.
type Session struct {
	ID string

	mu           sync.Mutex
	turns        []Turn
	state        State
	lastPassages []PassageRef
}

// Append adds a finished turn to the history. Timestamps are assigned here
// so history order and timestamp order cannot diverge.
func (s *Session) Append(t Turn) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.At.IsZero() {
		t.At = time.Now()
	}
	// history is append-only; never allow a timestamp to step backwards
	if n := len(s.turns); n > 0 && t.At.Before(s.turns[n-1].At) {
		t.At = s.turns[n-1].At
	}
	s.turns = append(s.turns, t)
	return t
}

// History returns a copy of the turn sequence in append order.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len reports the number of turns recorded so far.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// SetState records the controller state.
func (s *Session) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the current controller state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StashPassages remembers the passages used for the most recent grounded turn.
func (s *Session) StashPassages(refs []PassageRef) {
	s.mu.Lock()
	s.lastPassages = append([]PassageRef(nil), refs...)
	s.mu.Unlock()
}

// LastPassages returns the passages stashed by the most recent grounded turn.
func (s *Session) LastPassages() []PassageRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PassageRef(nil), s.lastPassages...)
}

// clear drops history and scratch state, used by Store.Reset.
func (s *Session) clear() {
	s.mu.Lock()
	s.turns = nil
	s.lastPassages = nil
	s.state = StateIdle
	s.mu.Unlock()
}
