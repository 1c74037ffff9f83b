package turn

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/chadiek/frontdesk/internal/session"
)

// chunkReply splits an agent reply into sentence-like chunks so the spoken
// transcript can be committed only after the corresponding audio is emitted.
// Heuristic: split on '.', '?', '!' and newlines, retaining punctuation.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			chunk := strings.TrimSpace(b.String())
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		case '\n', '\r':
			chunk := strings.TrimSpace(b.String())
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	tail := strings.TrimSpace(b.String())
	if tail != "" {
		chunks = append(chunks, tail)
	}
	return chunks
}

// Controller runs the dialogue loop for one call: it assembles caller
// utterances from transcript events, invokes the generator, streams the reply
// through the synthesizer into the sink, and arbitrates interruptions. It is
// the only writer of the session's state and history.
type Controller struct {
	sess        *session.Session
	transcriber Transcriber
	gen         Generator
	primary     Synthesizer
	fallback    Synthesizer
	sink        AudioSink
	cfg         Config

	mu               sync.Mutex
	speaking         bool
	ttsCancel        context.CancelFunc
	bargeInRequested bool
	partialWords     int
	speakBaseWords   int

	finalCh chan string
	cancel  context.CancelFunc
	endOnce sync.Once
	done    chan struct{}
}

// NewController wires a controller for one session. fallback may be nil when
// no secondary voice is configured; sink may be nil for audio-less sessions.
func NewController(sess *session.Session, tr Transcriber, gen Generator, primary, fallback Synthesizer, sink AudioSink, cfg Config) *Controller {
	if sink == nil {
		sink = nopSink{}
	}
	return &Controller{
		sess:        sess,
		transcriber: tr,
		gen:         gen,
		primary:     primary,
		fallback:    fallback,
		sink:        sink,
		cfg:         cfg.withDefaults(),
		finalCh:     make(chan string, 8),
		done:        make(chan struct{}),
	}
}

// Start connects the transcriber and begins the dialogue loop. It returns
// once the loop goroutines are running; End (or ctx cancellation) stops them.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.transcriber.Connect(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go c.dispatchEvents(runCtx)
	go c.bargeWatcher(runCtx)
	go c.run(runCtx)
	return nil
}

// FeedPCM16KLE sends caller audio to the transcriber.
func (c *Controller) FeedPCM16KLE(pcm []byte) {
	_ = c.transcriber.SendPCM16KLE(pcm)
}

// Done is closed when the dialogue loop has exited.
func (c *Controller) Done() <-chan struct{} { return c.done }

// IsSpeaking reports whether the agent's synthesis is currently active.
func (c *Controller) IsSpeaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// BargeIn cancels in-flight synthesis and prevents further audio from being
// written to the sink. Safe to call at any time, including when the agent is
// not speaking (no-op) or repeatedly.
func (c *Controller) BargeIn() {
	c.mu.Lock()
	cancel := c.ttsCancel
	wasSpeaking := c.speaking
	if c.speaking {
		c.bargeInRequested = true
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if wasSpeaking {
		c.sess.SetState(session.StateInterrupted)
		// Drop queued audio immediately so the interruption feels instant.
		c.sink.Reset()
		log.Printf("[%s] barge-in: agent speech cancelled", c.sess.ID)
	}
}

// End terminates the call: all in-flight operations are cancelled, the
// transcriber is closed, and the session enters its terminal state.
// Idempotent.
func (c *Controller) End() {
	c.endOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Lock()
		cancel := c.ttsCancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.sink.Reset()
		_ = c.transcriber.Close()
		c.sess.SetState(session.StateEnded)
		log.Printf("[%s] session ended", c.sess.ID)
	})
}

// dispatchEvents consumes the transcriber's event stream. Partials drive the
// listening/speaking transitions and interruption detection; finals are
// handed to the dialogue loop. This goroutine must never block on the loop,
// so finalCh is buffered and overflow finals are merged.
func (c *Controller) dispatchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.transcriber.Events():
			if !ok {
				close(c.finalCh)
				return
			}
			if ev.IsFinal {
				c.mu.Lock()
				c.partialWords = 0
				c.speakBaseWords = 0
				c.mu.Unlock()
				select {
				case c.finalCh <- ev.Text:
				case <-ctx.Done():
					return
				}
				continue
			}
			c.handlePartial(ev.Text)
		}
	}
}

// handlePartial reacts to a growing in-progress transcript: the first
// non-trivial fragment marks the caller as speaking, and sustained growth
// while the agent talks counts as an interruption.
func (c *Controller) handlePartial(text string) {
	if c.cfg.OnPartialTranscript != nil {
		c.cfg.OnPartialTranscript(text)
	}
	words := len(strings.Fields(text))
	c.mu.Lock()
	c.partialWords = words
	speaking := c.speaking
	base := c.speakBaseWords
	c.mu.Unlock()

	if speaking {
		if words-base >= c.cfg.MinTriggerWords {
			c.BargeIn()
		}
		return
	}
	if strings.TrimSpace(text) != "" && c.sess.State() == session.StateListeningForCaller {
		c.sess.SetState(session.StateCallerSpeaking)
	}
}

// bargeWatcher polls caller voice energy while the agent speaks. It is the
// fast path for interruptions: transcript growth lags actual speech by the
// ASR round trip, raw energy does not.
func (c *Controller) bargeWatcher(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.IsSpeaking() && c.transcriber.RecentlyDetectedVoice(c.cfg.BargeVoiceWindow) {
				c.BargeIn()
			}
		}
	}
}

// run is the dialogue loop: greeting, then one think/speak cycle per
// finalized caller utterance.
func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	if c.cfg.Greeting != "" {
		spoken, interrupted := c.speak(ctx, c.cfg.Greeting)
		if spoken != "" || interrupted {
			c.sess.Append(session.Turn{Role: session.RoleAgent, Text: spoken, Interrupted: interrupted})
		}
	}
	if ctx.Err() != nil {
		return
	}
	c.sess.SetState(session.StateListeningForCaller)

	for {
		select {
		case <-ctx.Done():
			return
		case utterance, ok := <-c.finalCh:
			if !ok {
				return
			}
			text := strings.TrimSpace(utterance)
			if text == "" {
				continue
			}
			log.Printf("[%s] caller: %s", c.sess.ID, text)
			c.sess.Append(session.Turn{Role: session.RoleCaller, Text: text})
			c.sess.SetState(session.StateThinking)

			reply, refs := c.think(ctx)
			if ctx.Err() != nil {
				return
			}
			c.sess.StashPassages(refs)
			c.sess.SetState(session.StateAgentSpeaking)

			spoken, interrupted := c.speak(ctx, reply)
			if spoken != "" || interrupted {
				c.sess.Append(session.Turn{
					Role:        session.RoleAgent,
					Text:        spoken,
					Interrupted: interrupted,
					Passages:    refs,
				})
			}
			log.Printf("[%s] agent: %s (interrupted=%v)", c.sess.ID, spoken, interrupted)

			if ctx.Err() != nil {
				return
			}
			if interrupted {
				// The interrupting speech is the start of a new utterance.
				c.sess.SetState(session.StateCallerSpeaking)
			} else {
				c.sess.SetState(session.StateListeningForCaller)
			}
		}
	}
}

// think runs one bounded generation. Failures and timeouts degrade to the
// apology line; the caller must never be left in silence.
func (c *Controller) think(ctx context.Context) (string, []session.PassageRef) {
	genCtx, cancel := context.WithTimeout(ctx, c.cfg.GenerateTimeout)
	defer cancel()
	reply, refs, err := c.gen.Generate(genCtx, c.sess.History())
	if err != nil {
		log.Printf("[%s] generation failed: %v", c.sess.ID, err)
		return c.cfg.ApologyLine, nil
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return c.cfg.ApologyLine, nil
	}
	return reply, refs
}

// speak streams the reply in sentence chunks through the synthesizer and
// returns the text actually spoken plus whether a barge-in truncated it.
// On a synthesis failure it retries the chunk once on the fallback voice and
// stays on the fallback for the rest of the turn; if that fails too the rest
// of the turn is logged text-only.
func (c *Controller) speak(ctx context.Context, text string) (string, bool) {
	c.waitForCallerSilence(ctx)
	if ctx.Err() != nil {
		return "", false
	}

	ctxTTS, cancelTTS := context.WithCancel(ctx)
	c.mu.Lock()
	c.speaking = true
	c.ttsCancel = cancelTTS
	c.bargeInRequested = false
	c.speakBaseWords = c.partialWords
	c.mu.Unlock()
	if c.cfg.OnAgentSpeechStart != nil {
		c.cfg.OnAgentSpeechStart(text)
	}

	synth := c.primary
	degraded := synth == nil
	var spokenBuilder strings.Builder
	chunks := chunkReply(text)

	for i, chunk := range chunks {
		if c.bargedIn() {
			break
		}

		if !degraded {
			wrote, err := c.streamChunk(ctxTTS, synth, chunk)
			if err != nil && !c.bargedIn() {
				log.Printf("[%s] synthesis error: %v", c.sess.ID, err)
				if synth != c.fallback && c.fallback != nil {
					synth = c.fallback
					if !wrote {
						// Nothing reached the caller for this chunk; retry it
						// on the fallback voice.
						_, err = c.streamChunk(ctxTTS, synth, chunk)
					} else {
						err = nil
					}
				}
				if err != nil && !c.bargedIn() {
					degraded = true
					log.Printf("[%s] synthesis degraded to text-only for this turn", c.sess.ID)
				}
			}
		}
		if degraded {
			log.Printf("[%s] agent (text-only): %s", c.sess.ID, chunk)
		}

		if c.bargedIn() {
			break
		}
		spokenBuilder.WriteString(strings.TrimSpace(chunk))
		if i < len(chunks)-1 {
			spokenBuilder.WriteString(" ")
		}
	}

	c.mu.Lock()
	wasBarged := c.bargedInLocked()
	c.speaking = false
	c.ttsCancel = nil
	c.bargeInRequested = false
	c.mu.Unlock()
	cancelTTS()
	if c.cfg.OnAgentSpeechEnd != nil {
		c.cfg.OnAgentSpeechEnd()
	}
	if !wasBarged {
		c.sink.FlushTail()
	}

	return strings.TrimSpace(spokenBuilder.String()), wasBarged
}

// streamChunk synthesizes one chunk and forwards its audio to the sink,
// dropping frames once a barge-in is requested. It reports whether any audio
// reached the sink and the first synthesizer error, if any.
func (c *Controller) streamChunk(ctx context.Context, synth Synthesizer, chunk string) (bool, error) {
	pcmCh, errCh := synth.StreamPCM48k(ctx, chunk)
	wrote := false
	var streamErr error
	openPCM, openErr := true, true
	for openPCM || openErr {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				openPCM = false
				continue
			}
			if len(b) > 0 && !c.bargedIn() {
				c.sink.WritePCM(b)
				wrote = true
			}
		case e, ok := <-errCh:
			if !ok {
				openErr = false
				continue
			}
			if e != nil && streamErr == nil {
				streamErr = e
			}
		case <-ctx.Done():
			return wrote, streamErr
		}
	}
	return wrote, streamErr
}

// waitForCallerSilence holds agent speech until the caller has been quiet for
// the pre-speech window, bounded by PreSpeechMaxWait.
func (c *Controller) waitForCallerSilence(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.PreSpeechMaxWait)
	defer cancel()
	for waitCtx.Err() == nil {
		if !c.transcriber.RecentlyDetectedVoice(c.cfg.PreSpeechSilence) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (c *Controller) bargedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bargedInLocked()
}

func (c *Controller) bargedInLocked() bool {
	return c.bargeInRequested
}
