package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	AssemblyAIKey string

	OpenAIKey            string
	OpenAIModel          string
	OpenAIEmbeddingModel string

	DeepgramKey      string
	DeepgramTTSModel string

	ElevenLabsKey     string
	ElevenLabsVoiceID string

	TwilioAccountSID string
	TwilioAuthToken  string

	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string

	// IndexPath points at the knowledge index snapshot on disk. When empty
	// the index is fetched from Supabase storage at IndexObject.
	IndexPath   string
	IndexObject string

	// Dialogue tuning. Policy values, kept configurable on purpose.
	SilenceThreshold time.Duration
	BargeVoiceWindow time.Duration
	MinTriggerWords  int
	RetrievalTopK    int
	MinRelevance     float64
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	err := godotenv.Load()
	if err != nil {
		log.Println("Error loading .env file")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	assemblyAIKey := os.Getenv("ASSEMBLYAI_API_KEY")
	if assemblyAIKey == "" {
		log.Println("Warning: ASSEMBLYAI_API_KEY not set - transcription will not work")
	}

	openAIKey := os.Getenv("OPENAI_API_KEY")
	if openAIKey == "" {
		log.Println("Warning: OPENAI_API_KEY not set - response generation will not work")
	}
	openAIModel := os.Getenv("OPENAI_MODEL")
	if openAIModel == "" {
		openAIModel = "gpt-4o-mini"
	}
	embeddingModel := os.Getenv("OPENAI_EMBEDDING_MODEL")
	if embeddingModel == "" {
		embeddingModel = "text-embedding-3-small"
	}

	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	if deepgramKey == "" {
		log.Println("Warning: DEEPGRAM_API_KEY not set - primary voice will not work")
	}
	deepgramModel := os.Getenv("DEEPGRAM_TTS_MODEL")
	if deepgramModel == "" {
		deepgramModel = "aura-2-thalia-en"
	}

	elevenKey := os.Getenv("ELEVENLABS_API_KEY")
	voiceID := os.Getenv("ELEVENLABS_VOICE_ID")
	if elevenKey == "" || voiceID == "" {
		log.Println("Warning: ELEVENLABS_API_KEY/ELEVENLABS_VOICE_ID not set - no fallback voice")
	}

	indexPath := os.Getenv("INDEX_PATH")
	indexObject := os.Getenv("INDEX_OBJECT")
	if indexObject == "" {
		indexObject = "sop_index.json"
	}
	supabaseURL := os.Getenv("SUPABASE_URL")
	supabaseKey := os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
	supabaseBucket := os.Getenv("SUPABASE_BUCKET")
	if supabaseBucket == "" {
		supabaseBucket = "knowledge"
	}
	if indexPath == "" && (supabaseURL == "" || supabaseKey == "") {
		log.Println("Warning: neither INDEX_PATH nor Supabase storage configured - retrieval will not work")
	}

	log.Printf("config: HTTP_ADDRESS=%s", addr)
	return Config{
		HTTPAddress:          addr,
		AssemblyAIKey:        assemblyAIKey,
		OpenAIKey:            openAIKey,
		OpenAIModel:          openAIModel,
		OpenAIEmbeddingModel: embeddingModel,
		DeepgramKey:          deepgramKey,
		DeepgramTTSModel:     deepgramModel,
		ElevenLabsKey:        elevenKey,
		ElevenLabsVoiceID:    voiceID,
		TwilioAccountSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		SupabaseURL:          supabaseURL,
		SupabaseKey:          supabaseKey,
		SupabaseBucket:       supabaseBucket,
		IndexPath:            indexPath,
		IndexObject:          indexObject,
		SilenceThreshold:     envDurationMs("SILENCE_THRESHOLD_MS", 700*time.Millisecond),
		BargeVoiceWindow:     envDurationMs("BARGE_VOICE_WINDOW_MS", 150*time.Millisecond),
		MinTriggerWords:      envInt("MIN_TRIGGER_WORDS", 3),
		RetrievalTopK:        envInt("RETRIEVAL_TOP_K", 3),
		MinRelevance:         envFloat("MIN_RELEVANCE", 0.25),
	}
}

func envDurationMs(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		log.Printf("Warning: invalid %s=%q, using %v", key, v, def)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("Warning: invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		log.Printf("Warning: invalid %s=%q, using %f", key, v, def)
		return def
	}
	return f
}
