package turn

import (
	"context"
	"time"

	"github.com/chadiek/frontdesk/internal/session"
	"github.com/chadiek/frontdesk/internal/transcript"
)

// Transcriber is the minimal interface for realtime STT.
// It must accept PCM 16kHz little-endian mono buffers and emit partial and
// finalized transcript events on a single stream.
type Transcriber interface {
	Connect() error
	SendPCM16KLE(pcm []byte) error
	Events() <-chan transcript.Event
	// RecentlyDetectedVoice returns true if voice energy was seen within the given window.
	RecentlyDetectedVoice(window time.Duration) bool
	Close() error
}

// Generator produces the agent's reply for the conversation so far, along
// with references to the knowledge passages that grounded it.
type Generator interface {
	Generate(ctx context.Context, history []session.Turn) (string, []session.PassageRef, error)
}

// Synthesizer streams 48kHz PCM mono audio for the given text.
type Synthesizer interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// AudioSink consumes 48kHz PCM bytes and performs delivery (e.g., Opus encode
// to WebRTC). Implementations should buffer internally and pace delivery.
type AudioSink interface {
	WritePCM(pcm []byte)
	FlushTail()
	// Reset drops any queued frames immediately (used for barge-in).
	Reset()
}

type nopSink struct{}

func (nopSink) WritePCM(_ []byte) {}
func (nopSink) FlushTail()        {}
func (nopSink) Reset()            {}

// Config carries the tuning knobs of the dialogue loop. Zero values select
// the defaults noted per field.
type Config struct {
	// GenerateTimeout bounds one reply generation. Default 20s.
	GenerateTimeout time.Duration
	// PreSpeechSilence is the voice-free window required before the agent
	// starts talking, so it does not talk over the caller. Default 500ms.
	PreSpeechSilence time.Duration
	// PreSpeechMaxWait bounds how long the agent waits for that window.
	// Default 3s.
	PreSpeechMaxWait time.Duration
	// BargeVoiceWindow is how recent caller voice energy must be to count as
	// an interruption while the agent is speaking. Default 150ms.
	BargeVoiceWindow time.Duration
	// MinTriggerWords is how many new transcript words during agent speech
	// count as an interruption. Default 3.
	MinTriggerWords int
	// Greeting is spoken once when the call starts. Empty skips the greeting.
	Greeting string
	// ApologyLine is spoken when generation fails. Must be non-empty for the
	// caller to never sit in silence; a default is applied if empty.
	ApologyLine string

	// OnAgentSpeechStart is invoked with the reply text just before synthesis
	// begins, OnAgentSpeechEnd once the turn's audio finishes or is cancelled.
	// Used to arm and disarm external interruption detection.
	OnAgentSpeechStart func(text string)
	OnAgentSpeechEnd   func()

	// OnPartialTranscript is invoked with each in-progress transcript update,
	// e.g. to feed external interruption detection.
	OnPartialTranscript func(text string)
}

const (
	defaultGenerateTimeout  = 20 * time.Second
	defaultPreSpeechSilence = 500 * time.Millisecond
	defaultPreSpeechMaxWait = 3 * time.Second
	defaultBargeVoiceWindow = 150 * time.Millisecond
	defaultMinTriggerWords  = 3
	defaultApologyLine      = "I'm sorry, I had trouble processing that. Could you please try again?"
)

func (c Config) withDefaults() Config {
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = defaultGenerateTimeout
	}
	if c.PreSpeechSilence <= 0 {
		c.PreSpeechSilence = defaultPreSpeechSilence
	}
	if c.PreSpeechMaxWait <= 0 {
		c.PreSpeechMaxWait = defaultPreSpeechMaxWait
	}
	if c.BargeVoiceWindow <= 0 {
		c.BargeVoiceWindow = defaultBargeVoiceWindow
	}
	if c.MinTriggerWords <= 0 {
		c.MinTriggerWords = defaultMinTriggerWords
	}
	if c.ApologyLine == "" {
		c.ApologyLine = defaultApologyLine
	}
	return c
}
