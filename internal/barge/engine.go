package barge

import (
	"encoding/binary"
	"math"
	"strings"
	"sync"
	"time"
)

// Engine detects caller interruptions while the agent is speaking. It fuses
// two cues: voice energy in the inbound mic audio, voted over a short window
// with silence hysteresis, and growth of the running ASR partial transcript
// beyond a word threshold. Both must agree before it fires, which keeps
// coughs and line noise from cutting the agent off. It fires at most once per
// speaking episode.
type Engine struct {
	cfg Config
	ev  Events

	vad      *energyVAD
	preRoll  *circularPCM
	votesOn  *voteWindow
	votesOff *voteWindow
	echo     *bloom

	mu              sync.Mutex
	speaking        bool
	triggered       bool
	lastPartial     string
	committedTokens int
	transcriptGrew  bool
}

func NewEngine(cfg Config, ev Events) *Engine {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.VoiceRMS <= 0 {
		cfg.VoiceRMS = 300
	}
	if cfg.MinTriggerWords <= 0 {
		cfg.MinTriggerWords = 3
	}
	return &Engine{
		cfg:      cfg,
		ev:       ev,
		vad:      newEnergyVAD(cfg.VoiceRMS),
		preRoll:  newCircularPCM(300, cfg.SampleRate),
		votesOn:  newVoteWindow(cfg.FuseWinMs),
		votesOff: newVoteWindow(cfg.HysteresisOffMs),
		echo:     newBloom(4096),
	}
}

// SetSpeaking toggles detection. Turning it on starts a fresh episode:
// vote windows and the once-per-episode latch are cleared.
func (e *Engine) SetSpeaking(on bool) {
	e.mu.Lock()
	e.speaking = on
	if on {
		e.triggered = false
		e.transcriptGrew = false
		e.committedTokens = len(tokens(e.lastPartial))
		e.votesOn.Reset()
		e.votesOff.Reset()
	}
	e.mu.Unlock()
}

// Reset clears all window state and the partial-transcript baseline.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.votesOn.Reset()
	e.votesOff.Reset()
	e.lastPartial = ""
	e.committedTokens = 0
	e.transcriptGrew = false
	e.triggered = false
	e.mu.Unlock()
}

// FeedMic16k accepts arbitrary-length PCM16LE caller audio at the engine
// sample rate and segments it into 10ms frames.
func (e *Engine) FeedMic16k(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	samplesPer10ms := e.cfg.SampleRate / 100
	for off := 0; off+samplesPer10ms*2 <= len(pcm); off += samplesPer10ms * 2 {
		frame := make([]int16, samplesPer10ms)
		for i := 0; i < samplesPer10ms; i++ {
			frame[i] = int16(binary.LittleEndian.Uint16(pcm[off+i*2 : off+i*2+2]))
		}
		e.onMicFrame(frame)
	}
}

// NotifyPartial supplies the latest running ASR transcript. Words the agent
// itself spoke recently are discounted so speaker echo does not count as
// caller speech.
func (e *Engine) NotifyPartial(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastPartial = text
	toks := tokens(text)
	fresh := 0
	for i := e.committedTokens; i < len(toks); i++ {
		w := toks[i]
		if isStopword(w) || e.echo.Contains(w) {
			continue
		}
		fresh++
	}
	if fresh >= e.cfg.MinTriggerWords {
		e.transcriptGrew = true
	}
}

// NotifyAgentText records what the agent is about to say, for echo discount.
func (e *Engine) NotifyAgentText(text string) {
	for _, w := range tokens(text) {
		e.echo.Add(w)
	}
}

func (e *Engine) onMicFrame(frame Frame10ms) {
	e.mu.Lock()
	active := e.speaking && !e.triggered
	grew := e.transcriptGrew
	e.mu.Unlock()

	e.preRoll.Write(frame)
	energyYes := e.vad.isSpeech(frame)

	if !active {
		return
	}
	e.votesOn.Push(energyYes)
	e.votesOff.Push(!energyYes)
	if grew && e.votesOn.Ratio() >= 2.0/3.0 {
		e.trigger()
		return
	}
	if e.votesOff.Ratio() >= 2.0/3.0 {
		e.votesOn.Reset()
	}
}

func (e *Engine) trigger() {
	e.mu.Lock()
	if e.triggered {
		e.mu.Unlock()
		return
	}
	e.triggered = true
	e.mu.Unlock()

	pre := e.preRoll.ReadLastMs(e.cfg.PreRollMs)
	preBytes := make([]byte, len(pre)*2)
	for i, s := range pre {
		binary.LittleEndian.PutUint16(preBytes[i*2:(i+1)*2], uint16(s))
	}
	if e.ev.OnTrigger != nil {
		e.ev.OnTrigger(time.Now(), Cues{Energy: true, Transcript: true}, preBytes)
	}
	e.votesOn.Reset()
	e.votesOff.Reset()
}

// energyVAD classifies 10ms frames by RMS energy with short smoothing.
type energyVAD struct {
	threshold float64
	smoothN   int
	win       []bool
}

func newEnergyVAD(threshold float64) *energyVAD {
	return &energyVAD{threshold: threshold, smoothN: 4}
}

func (v *energyVAD) isSpeech(frame Frame10ms) bool {
	if len(frame) == 0 {
		return false
	}
	var sum float64
	for _, s := range frame {
		f := float64(s)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	b := rms >= v.threshold
	v.win = append(v.win, b)
	if len(v.win) > v.smoothN {
		v.win = v.win[len(v.win)-v.smoothN:]
	}
	trueCount := 0
	for _, x := range v.win {
		if x {
			trueCount++
		}
	}
	return trueCount*2 >= len(v.win)
}

// circularPCM stores 16-bit PCM samples for the pre-roll buffer.
type circularPCM struct {
	mu       sync.Mutex
	buf      []int16
	cap      int
	writePos int
	sr       int
}

func newCircularPCM(capacityMs int, sampleRate int) *circularPCM {
	samples := capacityMs * sampleRate / 1000
	if samples < sampleRate/10 {
		samples = sampleRate / 10
	}
	return &circularPCM{buf: make([]int16, samples), cap: samples, sr: sampleRate}
}

func (c *circularPCM) Write(frame Frame10ms) {
	c.mu.Lock()
	for _, s := range frame {
		c.buf[c.writePos] = s
		c.writePos = (c.writePos + 1) % c.cap
	}
	c.mu.Unlock()
}

func (c *circularPCM) ReadLastMs(ms int) []int16 {
	c.mu.Lock()
	n := ms * c.sr / 1000
	if n > c.cap {
		n = c.cap
	}
	out := make([]int16, n)
	start := (c.writePos - n + c.cap) % c.cap
	for i := 0; i < n; i++ {
		out[i] = c.buf[(start+i)%c.cap]
	}
	c.mu.Unlock()
	return out
}

type voteWindow struct {
	winDur time.Duration
	hist   []bool
	mu     sync.Mutex
}

func newVoteWindow(ms int) *voteWindow {
	if ms <= 0 {
		ms = 150
	}
	return &voteWindow{winDur: time.Duration(ms) * time.Millisecond}
}

func (v *voteWindow) Push(b bool) {
	v.mu.Lock()
	v.hist = append(v.hist, b)
	max := int(v.winDur/(10*time.Millisecond)) + 1
	if len(v.hist) > max {
		v.hist = v.hist[len(v.hist)-max:]
	}
	v.mu.Unlock()
}

func (v *voteWindow) Ratio() float64 {
	v.mu.Lock()
	if len(v.hist) == 0 {
		v.mu.Unlock()
		return 0
	}
	var t int
	for _, b := range v.hist {
		if b {
			t++
		}
	}
	r := float64(t) / float64(len(v.hist))
	v.mu.Unlock()
	return r
}

func (v *voteWindow) Reset() {
	v.mu.Lock()
	v.hist = v.hist[:0]
	v.mu.Unlock()
}

// bloom is a tiny filter used to discount agent speech echoed by the line.
type bloom struct{ bits []byte }

func newBloom(n int) *bloom { return &bloom{bits: make([]byte, n)} }

func (b *bloom) hash(s string) int {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return int(h % uint32(len(b.bits)))
}
func (b *bloom) Add(s string) {
	if len(b.bits) > 0 {
		b.bits[b.hash(s)] = 1
	}
}
func (b *bloom) Contains(s string) bool { return len(b.bits) > 0 && b.bits[b.hash(s)] == 1 }

func tokens(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

func isStopword(s string) bool {
	switch s {
	case "the", "a", "an", "and", "or", "to", "of", "in", "on", "for", "is", "it", "uh", "um":
		return true
	}
	return false
}
