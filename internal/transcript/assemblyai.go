package transcript

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"
)

// Event is one incremental transcription result. Partial events carry the
// running transcript of the current utterance; final events carry the
// finalized utterance text after the silence window has elapsed.
type Event struct {
	Text    string
	IsFinal bool
	At      time.Time
}

// DefaultSilenceThreshold is the base inactivity window required before an
// utterance is considered complete. Conservative to avoid cutting the caller
// mid-sentence; tunable via config.
const DefaultSilenceThreshold = 700 * time.Millisecond

// continuationExtension is added to the silence threshold when the last word
// suggests the caller is likely to continue the sentence (e.g., "and", "if").
const continuationExtension = 1200 * time.Millisecond

// stabilizationGrace absorbs late ASR updates after the silence window
// before finalizing.
const stabilizationGrace = 250 * time.Millisecond

// AssemblyAIService is a streaming transcription adapter over the AssemblyAI
// v3 realtime WebSocket API. It accepts PCM 16kHz little-endian mono audio
// and emits partial and finalized transcript events.
type AssemblyAIService struct {
	apiKey           string
	silenceThreshold time.Duration

	conn      *websocket.Conn
	events    chan Event
	audioData chan []byte
	stopCh    chan struct{}
	mu        sync.RWMutex
	connected bool
	closed    bool

	// utterance accumulation
	accMu                   sync.Mutex
	latestFullTranscript    string
	committedFullTranscript string
	lastUpdateTime          time.Time
	silenceTimer            *time.Timer
	// last time non-silent voice energy was seen in the incoming PCM
	lastVoiceTime time.Time
}

// NewAssemblyAIService creates a transcription adapter. A non-positive
// silence threshold selects the default.
func NewAssemblyAIService(apiKey string, silenceThreshold time.Duration) *AssemblyAIService {
	if silenceThreshold <= 0 {
		silenceThreshold = DefaultSilenceThreshold
	}
	return &AssemblyAIService{
		apiKey:           apiKey,
		silenceThreshold: silenceThreshold,
		events:           make(chan Event, 100),
		audioData:        make(chan []byte, 1000),
		stopCh:           make(chan struct{}),
	}
}

// Events returns the stream of partial and final transcript events.
// The channel is closed when the adapter shuts down.
func (s *AssemblyAIService) Events() <-chan Event { return s.events }

// AssemblyAI message types.
type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Type          string `json:"type"`
	Transcript    string `json:"transcript"`
	TurnFormatted bool   `json:"turn_is_formatted"`
}

type terminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Connect establishes the WebSocket connection. No-op when already connected.
func (s *AssemblyAIService) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	if s.closed {
		return fmt.Errorf("transcription adapter already closed")
	}
	if s.apiKey == "" {
		return fmt.Errorf("AssemblyAI API key is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := fmt.Sprintf("wss://streaming.assemblyai.com/v3/ws?%s", params.Encode())

	headers := map[string][]string{"Authorization": {s.apiKey}}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, resp, err := dialer.Dial(wsURL, headers)
	if err != nil {
		if resp != nil {
			log.Printf("AssemblyAI connection failed with status: %d", resp.StatusCode)
		}
		return fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}

	s.conn = conn
	s.connected = true
	s.lastUpdateTime = time.Now()
	s.lastVoiceTime = time.Now()

	go s.handleMessages()
	go s.sendAudioData()

	log.Println("Connected to AssemblyAI streaming service")
	return nil
}

// SendPCM16KLE queues inbound caller audio for transcription.
func (s *AssemblyAIService) SendPCM16KLE(pcm []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return fmt.Errorf("not connected to AssemblyAI")
	}
	s.detectVoiceActivity(pcm)
	select {
	case s.audioData <- pcm:
		return nil
	default:
		log.Println("Audio buffer full, dropping packet")
		return nil
	}
}

// detectVoiceActivity updates lastVoiceTime if the PCM buffer contains voice
// energy above a threshold. Expects 16-bit little-endian PCM mono at 16 kHz.
func (s *AssemblyAIService) detectVoiceActivity(pcm []byte) {
	const minSamples = 160 // 10ms at 16kHz
	if len(pcm) < minSamples*2 {
		return
	}
	step := 2
	if len(pcm) > 3200 { // sample sparsely on bigger chunks
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	rms := math.Sqrt(sumSquares / float64(count))
	const voiceRMS = 250.0
	if rms >= voiceRMS {
		s.accMu.Lock()
		s.lastVoiceTime = time.Now()
		s.accMu.Unlock()
	}
}

// RecentlyDetectedVoice reports whether non-silent voice energy was observed
// within the given window.
func (s *AssemblyAIService) RecentlyDetectedVoice(window time.Duration) bool {
	s.accMu.Lock()
	last := s.lastVoiceTime
	s.accMu.Unlock()
	return time.Since(last) <= window
}

// Close stops the stream and releases the connection. Idempotent: calling it
// twice, or after a natural termination, is a no-op.
func (s *AssemblyAIService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopCh)
	if s.silenceTimer != nil {
		_ = s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
	if s.conn != nil {
		terminateMsg := map[string]string{"type": "Terminate"}
		_ = s.conn.WriteJSON(terminateMsg)
		_ = s.conn.Close()
	}
	s.connected = false
	s.conn = nil
	// Best-effort flush of any pending delta before closing the channel
	s.flushPendingDelta()
	close(s.audioData)
	close(s.events)
	log.Println("AssemblyAI connection closed")
	return nil
}

func (s *AssemblyAIService) handleMessages() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in handleMessages: %v", r)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		default:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil {
				return
			}
			_, message, err := conn.ReadMessage()
			if err != nil {
				log.Printf("Error reading message: %v", err)
				// Finalize whatever partial text we have so the caller's
				// words are not lost on a mid-utterance failure.
				s.flushPendingDelta()
				return
			}
			s.processMessage(message)
		}
	}
}

func (s *AssemblyAIService) processMessage(message []byte) {
	var baseMsg map[string]interface{}
	if err := json.Unmarshal(message, &baseMsg); err != nil {
		log.Printf("Error unmarshaling message: %v", err)
		return
	}
	msgType, ok := baseMsg["type"].(string)
	if !ok {
		log.Printf("Message missing type field")
		return
	}
	switch msgType {
	case "Begin":
		var msg beginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Error unmarshaling Begin message: %v", err)
			return
		}
		expires := time.Unix(msg.ExpiresAt, 0).Format(time.RFC3339)
		log.Printf("AssemblyAI session began: ID=%s, ExpiresAt=%s", msg.ID, expires)
	case "Turn":
		var msg turnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Error unmarshaling Turn message: %v", err)
			return
		}
		if msg.Transcript != "" {
			// stream the running transcript as a partial event
			select {
			case s.events <- Event{Text: msg.Transcript, At: time.Now()}:
			default:
			}
			s.accMu.Lock()
			s.latestFullTranscript = msg.Transcript
			s.lastUpdateTime = time.Now()
			// reset or start the silence timer; finalize fires only after inactivity
			if s.silenceTimer == nil {
				s.silenceTimer = time.AfterFunc(s.silenceThreshold, s.finalizeDueToSilence)
			} else {
				_ = s.silenceTimer.Stop()
				s.silenceTimer.Reset(s.silenceThreshold)
			}
			s.accMu.Unlock()
		}
	case "Termination":
		var msg terminationMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Error unmarshaling Termination message: %v", err)
			return
		}
		log.Printf("AssemblyAI session terminated: AudioDuration=%.2fs, SessionDuration=%.2fs", msg.AudioDurationSeconds, msg.SessionDurationSeconds)
		s.flushPendingDelta()
	case "Error":
		var msg errorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Error unmarshaling Error message: %v", err)
			return
		}
		log.Printf("AssemblyAI error: %s", msg.Error)
	default:
		log.Printf("Unknown message type: %s", msgType)
	}
}

// finalizeDueToSilence runs after the silence threshold of inactivity.
// It emits only the delta since the last committed transcript, if significant.
func (s *AssemblyAIService) finalizeDueToSilence() {
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.accMu.Lock()
	now := time.Now()
	threshold := s.silenceThreshold
	if isContinuationLikely(s.latestFullTranscript) {
		threshold += continuationExtension
	}
	sinceText := now.Sub(s.lastUpdateTime)
	sinceVoice := now.Sub(s.lastVoiceTime)
	if sinceText < threshold || sinceVoice < threshold {
		// Not enough inactivity; reschedule for the remaining window.
		wait := threshold
		if rem := threshold - sinceText; sinceText < threshold && rem < wait {
			wait = rem
		}
		if rem := threshold - sinceVoice; sinceVoice < threshold && rem < wait {
			wait = rem
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		if s.silenceTimer == nil {
			s.silenceTimer = time.AfterFunc(wait, s.finalizeDueToSilence)
		} else {
			_ = s.silenceTimer.Stop()
			s.silenceTimer.Reset(wait)
		}
		s.accMu.Unlock()
		return
	}

	lastUpdateAt := s.lastUpdateTime
	s.accMu.Unlock()

	// Grace period to catch late transcript updates
	time.Sleep(stabilizationGrace)

	s.accMu.Lock()
	now2 := time.Now()
	threshold2 := s.silenceThreshold
	if isContinuationLikely(s.latestFullTranscript) {
		threshold2 += continuationExtension
	}
	if s.lastUpdateTime.After(lastUpdateAt) {
		// A late update arrived during grace; push the timer forward.
		wait := threshold2
		if rem := threshold2 - now2.Sub(s.lastUpdateTime); rem > 10*time.Millisecond && rem < wait {
			wait = rem
		}
		if s.silenceTimer == nil {
			s.silenceTimer = time.AfterFunc(wait, s.finalizeDueToSilence)
		} else {
			_ = s.silenceTimer.Stop()
			s.silenceTimer.Reset(wait)
		}
		s.accMu.Unlock()
		return
	}

	delta := s.pendingDeltaLocked()
	s.accMu.Unlock()

	if delta == "" {
		return
	}
	// Deliver without dropping to guarantee every word reaches downstream.
	select {
	case <-s.stopCh:
	case s.events <- Event{Text: delta, IsFinal: true, At: time.Now()}:
	}
}

// pendingDeltaLocked computes and commits the uncommitted transcript delta.
// Caller must hold accMu.
func (s *AssemblyAIService) pendingDeltaLocked() string {
	latest := s.latestFullTranscript
	base := s.committedFullTranscript
	delta := strings.TrimSpace(strings.TrimPrefix(latest, base))
	if delta == "" && base != "" {
		if idx := strings.LastIndex(latest, base); idx >= 0 && idx+len(base) <= len(latest) {
			delta = strings.TrimSpace(latest[idx+len(base):])
		}
	}
	s.committedFullTranscript = latest
	return delta
}

// flushPendingDelta sends any remaining uncommitted transcript delta as a
// final event. Best-effort; will not block indefinitely on shutdown.
func (s *AssemblyAIService) flushPendingDelta() {
	s.accMu.Lock()
	delta := s.pendingDeltaLocked()
	s.accMu.Unlock()
	if delta == "" {
		return
	}
	select {
	case s.events <- Event{Text: delta, IsFinal: true, At: time.Now()}:
	case <-time.After(200 * time.Millisecond):
		log.Printf("AssemblyAI flush: timed out delivering final delta")
	}
}

// isContinuationLikely returns true if the last meaningful word indicates the
// speaker is likely to continue (conjunctions, prepositions, fillers).
func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	trim := strings.TrimSpace(text)
	if trim == "" {
		return ""
	}
	fields := strings.FieldsFunc(trim, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	// Coordinating conjunctions
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	// Subordinating conjunctions / conditionals
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	// Discourse markers / fillers
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	// Prepositions that are awkward sentence endings; await continuation
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}

// sendAudioData drains the audio queue into the WebSocket.
func (s *AssemblyAIService) sendAudioData() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in sendAudioData: %v", r)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		case audioData, ok := <-s.audioData:
			if !ok {
				return
			}
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn != nil {
				if err := conn.WriteMessage(websocket.BinaryMessage, audioData); err != nil {
					log.Printf("Error sending audio data: %v", err)
					return
				}
			}
		}
	}
}
