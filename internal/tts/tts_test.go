package tts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// This is a smoke test for StreamPCM48k without an API key; it should error quickly
func TestDeepgram_StreamPCM48k_NoKey(t *testing.T) {
	d := NewDeepgramClient("", "")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	pcmCh, errCh := d.StreamPCM48k(ctx, "hello")
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected error when api key missing")
		}
	case <-pcmCh:
		// ignore
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("timeout waiting for error")
	}
}

func TestDeepgram_EmptyTextClosesCleanly(t *testing.T) {
	d := NewDeepgramClient("key", "")
	pcmCh, errCh := d.StreamPCM48k(context.Background(), "")
	select {
	case _, ok := <-pcmCh:
		if ok {
			t.Fatalf("expected closed channel for empty text")
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("timeout waiting for channel close")
	}
	if err, ok := <-errCh; ok && err != nil {
		t.Fatalf("expected no error for empty text, got %v", err)
	}
}

func TestElevenLabs_StreamsChunks(t *testing.T) {
	audio := []byte(strings.Repeat("a", 9000))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "xi-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.Contains(r.URL.Path, "/v1/text-to-speech/voice-1/stream") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(audio)
	}))
	defer srv.Close()

	e := NewElevenLabsClient("xi-key", "voice-1")
	e.baseURL = srv.URL
	pcmCh, errCh := e.StreamPCM48k(context.Background(), "hello there")

	var got int
	for chunk := range pcmCh {
		got += len(chunk)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got != len(audio) {
		t.Fatalf("expected %d audio bytes, got %d", len(audio), got)
	}
}

func TestElevenLabs_SurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := NewElevenLabsClient("xi-key", "voice-1")
	e.baseURL = srv.URL
	pcmCh, errCh := e.StreamPCM48k(context.Background(), "hello")
	for range pcmCh {
	}
	if err := <-errCh; err == nil {
		t.Fatalf("expected error for non-2xx response")
	}
}

func TestElevenLabs_MissingCredentials(t *testing.T) {
	e := NewElevenLabsClient("", "")
	pcmCh, errCh := e.StreamPCM48k(context.Background(), "hello")
	for range pcmCh {
	}
	if err := <-errCh; err == nil {
		t.Fatalf("expected error when credentials missing")
	}
}
