package generator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/openai/openai-go/v2/option"

	"github.com/chadiek/frontdesk/internal/retrieval"
	"github.com/chadiek/frontdesk/internal/session"
)

type fakeSearcher struct {
	queries  []string
	passages []retrieval.Passage
	err      error
}

func (f *fakeSearcher) Retrieve(_ context.Context, query string, _ int) ([]retrieval.Passage, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.passages, nil
}

func toolCallResponse(query string) string {
	return `{"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"search_knowledge","arguments":"{\"query\":\"` + query + `\"}"}}]}}]}`
}

const finalResponse = `{"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Yes, we accept walk-ins anytime during clinic hours!"}}]}`

// requestHasTools reports whether the chat request body offered tools.
func requestHasTools(body []byte) bool {
	var req map[string]json.RawMessage
	if err := json.Unmarshal(body, &req); err != nil {
		return false
	}
	_, ok := req["tools"]
	return ok
}

func TestGenerate_ToolRoundTrip(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			_, _ = io.WriteString(w, toolCallResponse("walk-in policy"))
			return
		}
		_, _ = io.WriteString(w, finalResponse)
	}))
	defer srv.Close()

	searcher := &fakeSearcher{passages: []retrieval.Passage{
		{ID: "walkin-1", SourceID: "sop-handbook", Content: "Walk-ins are always welcome.", Score: 0.91},
	}}
	g := New("test-key", "gpt-4o-mini", searcher, 3, option.WithBaseURL(srv.URL))

	history := []session.Turn{{Role: session.RoleCaller, Text: "Do you accept walk-ins?"}}
	text, used, err := g.Generate(context.Background(), history)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(text, "walk-ins") {
		t.Fatalf("unexpected reply: %q", text)
	}
	if len(searcher.queries) != 1 || searcher.queries[0] != "walk-in policy" {
		t.Fatalf("expected one retrieval call, got %v", searcher.queries)
	}
	if len(used) != 1 || used[0].ID != "walkin-1" || used[0].Score != 0.91 {
		t.Fatalf("expected grounding refs recorded, got %+v", used)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 completion requests, got %d", calls)
	}
}

func TestGenerate_ToolRoundsBounded(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		// Keep asking for tools as long as they are offered; once the
		// generator stops offering them, answer.
		if requestHasTools(body) {
			_, _ = io.WriteString(w, toolCallResponse("more details"))
			return
		}
		_, _ = io.WriteString(w, finalResponse)
	}))
	defer srv.Close()

	searcher := &fakeSearcher{}
	g := New("test-key", "gpt-4o-mini", searcher, 3, option.WithBaseURL(srv.URL))

	_, _, err := g.Generate(context.Background(), []session.Turn{{Role: session.RoleCaller, Text: "hi"}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got := len(searcher.queries); got != maxToolRounds {
		t.Fatalf("expected %d retrieval calls, got %d", maxToolRounds, got)
	}
	if atomic.LoadInt32(&calls) != maxToolRounds+1 {
		t.Fatalf("expected %d completion requests, got %d", maxToolRounds+1, calls)
	}
}

func TestGenerate_ProceedsUngroundedWhenRetrievalUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			_, _ = io.WriteString(w, toolCallResponse("hours"))
			return
		}
		_, _ = io.WriteString(w, finalResponse)
	}))
	defer srv.Close()

	searcher := &fakeSearcher{err: retrieval.ErrUnavailable}
	g := New("test-key", "gpt-4o-mini", searcher, 3, option.WithBaseURL(srv.URL))

	text, used, err := g.Generate(context.Background(), []session.Turn{{Role: session.RoleCaller, Text: "hi"}})
	if err != nil {
		t.Fatalf("expected ungrounded answer, got error: %v", err)
	}
	if text == "" {
		t.Fatalf("expected non-empty reply")
	}
	if len(used) != 0 {
		t.Fatalf("expected no grounding refs, got %+v", used)
	}
}

func TestGenerate_ErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"message":"boom"}}`)
	}))
	defer srv.Close()

	g := New("test-key", "gpt-4o-mini", &fakeSearcher{}, 3,
		option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	if _, _, err := g.Generate(context.Background(), []session.Turn{{Role: session.RoleCaller, Text: "hi"}}); err == nil {
		t.Fatalf("expected error from failing backend")
	}
}

func TestMessagesFromHistory_MarksInterruptedTurns(t *testing.T) {
	g := &Generator{}
	msgs := g.messagesFromHistory([]session.Turn{
		{Role: session.RoleCaller, Text: "Tell me about wait times"},
		{Role: session.RoleAgent, Text: "Wait times vary", Interrupted: true},
		{Role: session.RoleCaller, Text: "Actually, about walk-ins"},
	})
	// system + 3 turns
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	raw, err := json.Marshal(msgs[2])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), "[interrupted by caller]") {
		t.Fatalf("expected interruption marker in assistant message, got %s", raw)
	}
}
