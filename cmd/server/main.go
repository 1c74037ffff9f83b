package main

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chadiek/frontdesk/internal/config"
	"github.com/chadiek/frontdesk/internal/generator"
	"github.com/chadiek/frontdesk/internal/httpserver"
	"github.com/chadiek/frontdesk/internal/infra/storage"
	"github.com/chadiek/frontdesk/internal/retrieval"
	"github.com/chadiek/frontdesk/internal/rtc"
	"github.com/chadiek/frontdesk/internal/session"
	"github.com/chadiek/frontdesk/internal/telephony"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	index, err := loadIndex(cfg)
	if err != nil {
		log.Fatalf("knowledge index: %v", err)
	}
	log.Printf("knowledge index loaded: %d passages", index.Len())

	embedder := retrieval.NewOpenAIEmbedder(cfg.OpenAIKey, cfg.OpenAIEmbeddingModel)
	retriever := retrieval.NewRetriever(index, embedder, cfg.MinRelevance)
	gen := generator.New(cfg.OpenAIKey, cfg.OpenAIModel, retriever, cfg.RetrievalTopK)

	store := session.NewStore()
	calls := rtc.NewHandler(store, gen, rtc.Config{
		AssemblyAIKey:     cfg.AssemblyAIKey,
		DeepgramKey:       cfg.DeepgramKey,
		DeepgramTTSModel:  cfg.DeepgramTTSModel,
		ElevenLabsKey:     cfg.ElevenLabsKey,
		ElevenLabsVoiceID: cfg.ElevenLabsVoiceID,
		SilenceThreshold:  cfg.SilenceThreshold,
		BargeVoiceWindow:  cfg.BargeVoiceWindow,
		MinTriggerWords:   cfg.MinTriggerWords,
		Greeting:          generator.Greeting,
		ApologyLine:       generator.ApologyLine,
	})
	tel := telephony.NewHandlers(generator.Greeting, func() string { return cfg.TwilioAuthToken })

	srv := httpserver.New(store, calls, tel)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}

// loadIndex reads the knowledge index snapshot from disk when INDEX_PATH is
// set, otherwise from Supabase storage.
func loadIndex(cfg config.Config) (*retrieval.Index, error) {
	if cfg.IndexPath != "" {
		log.Printf("loading knowledge index from %s", cfg.IndexPath)
		return retrieval.LoadIndexFile(cfg.IndexPath)
	}
	log.Printf("loading knowledge index from storage bucket %s/%s", cfg.SupabaseBucket, cfg.IndexObject)
	store := storage.NewSupabaseStorage(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseBucket)
	body, err := store.Download(cfg.IndexObject)
	if err != nil {
		return nil, err
	}
	return retrieval.LoadIndex(bytes.NewReader(body))
}
