package session

import (
	"errors"
	"testing"
	"time"
)

func TestStore_CreateGetEnd(t *testing.T) {
	st := NewStore()
	s := st.Create()
	if s.ID == "" {
		t.Fatalf("expected non-empty session id")
	}
	got, err := st.Get(s.ID)
	if err != nil || got != s {
		t.Fatalf("get: %v", err)
	}
	if err := st.End(s.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := st.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after end, got %v", err)
	}
	if err := st.End(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double end, got %v", err)
	}
}

func TestStore_ResetClearsHistory(t *testing.T) {
	st := NewStore()
	s := st.Create()
	s.Append(Turn{Role: RoleCaller, Text: "hi"})
	s.StashPassages([]PassageRef{{ID: "p1"}})
	s.SetState(StateThinking)
	if err := st.Reset(s.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty history after reset, got %d turns", s.Len())
	}
	if len(s.LastPassages()) != 0 {
		t.Fatalf("expected scratch passages cleared")
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle state after reset, got %s", s.State())
	}
	if err := st.Reset("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestSession_TurnTimestampsNonDecreasing(t *testing.T) {
	s := &Session{ID: "t"}
	base := time.Now()
	s.Append(Turn{Role: RoleCaller, Text: "one", At: base})
	// A turn carrying an earlier timestamp must not reorder history.
	s.Append(Turn{Role: RoleAgent, Text: "two", At: base.Add(-time.Second)})
	s.Append(Turn{Role: RoleCaller, Text: "three"})
	h := s.History()
	if len(h) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(h))
	}
	for i := 1; i < len(h); i++ {
		if h[i].At.Before(h[i-1].At) {
			t.Fatalf("turn %d timestamp decreased", i)
		}
	}
	if h[0].Text != "one" || h[1].Text != "two" || h[2].Text != "three" {
		t.Fatalf("history reordered: %+v", h)
	}
}

func TestSession_HistoryIsACopy(t *testing.T) {
	s := &Session{ID: "t"}
	s.Append(Turn{Role: RoleCaller, Text: "hello"})
	h := s.History()
	h[0].Text = "mutated"
	if s.History()[0].Text != "hello" {
		t.Fatalf("History must return a copy")
	}
}
