package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chadiek/frontdesk/internal/rtc"
	"github.com/chadiek/frontdesk/internal/session"
	"github.com/chadiek/frontdesk/internal/telephony"
)

func newTestServer() (*Server, *session.Store) {
	store := session.NewStore()
	calls := rtc.NewHandler(store, nil, rtc.Config{})
	tel := telephony.NewHandlers("hello", func() string { return "token" })
	return New(store, calls, tel), store
}

func TestServer_Healthz(t *testing.T) {
	srv, _ := newTestServer()
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestSessions_CreateGetEnd(t *testing.T) {
	srv, store := newTestServer()

	r := httptest.NewRequest(http.MethodPost, "/sessions", nil)
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	var created map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id := created["id"]
	if id == "" {
		t.Fatalf("expected session id in response")
	}

	r = httptest.NewRequest(http.MethodGet, "/sessions/"+id, nil)
	w = httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	r = httptest.NewRequest(http.MethodDelete, "/sessions/"+id, nil)
	w = httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store after delete")
	}

	// ending twice is a caller error
	r = httptest.NewRequest(http.MethodDelete, "/sessions/"+id, nil)
	w = httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", w.Code)
	}
}

func TestSessions_ResetClearsHistory(t *testing.T) {
	srv, store := newTestServer()
	sess := store.Create()
	sess.Append(session.Turn{Role: session.RoleCaller, Text: "hi"})

	r := httptest.NewRequest(http.MethodPost, "/sessions/"+sess.ID+"/reset", nil)
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if sess.Len() != 0 {
		t.Fatalf("expected cleared history after reset")
	}

	r = httptest.NewRequest(http.MethodPost, "/sessions/does-not-exist/reset", nil)
	w = httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", w.Code)
	}
}

func TestCall_BadJSON(t *testing.T) {
	srv, _ := newTestServer()
	r := httptest.NewRequest(http.MethodPost, "/call", strings.NewReader("not-json"))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCall_InvalidOfferRejected(t *testing.T) {
	srv, _ := newTestServer()
	r := httptest.NewRequest(http.MethodPost, "/call", strings.NewReader(`{"type":"answer","sdp":""}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for invalid offer, got %d", w.Code)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	srv, _ := newTestServer()
	r := httptest.NewRequest(http.MethodGet, "/sessions/nope", nil)
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
