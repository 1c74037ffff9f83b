package rtc

import (
	"context"
	"encoding/binary"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/chadiek/frontdesk/internal/barge"
	"github.com/chadiek/frontdesk/internal/session"
	"github.com/chadiek/frontdesk/internal/transcript"
	"github.com/chadiek/frontdesk/internal/tts"
	"github.com/chadiek/frontdesk/internal/turn"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Config carries the per-call service credentials and dialogue tuning.
type Config struct {
	AssemblyAIKey string

	DeepgramKey      string
	DeepgramTTSModel string

	ElevenLabsKey     string
	ElevenLabsVoiceID string

	SilenceThreshold time.Duration
	BargeVoiceWindow time.Duration
	MinTriggerWords  int

	Greeting    string
	ApologyLine string
}

// Handler manages WebRTC peer connections: one dialogue controller per call.
type Handler struct {
	store *session.Store
	gen   turn.Generator
	cfg   Config

	activeMu sync.Mutex
	active   map[string]*turn.Controller
}

func NewHandler(store *session.Store, gen turn.Generator, cfg Config) *Handler {
	return &Handler{store: store, gen: gen, cfg: cfg, active: make(map[string]*turn.Controller)}
}

// EndCall stops the live controller for a session, if any. Reports whether a
// controller was found.
func (h *Handler) EndCall(sessionID string) bool {
	h.activeMu.Lock()
	c, ok := h.active[sessionID]
	delete(h.active, sessionID)
	h.activeMu.Unlock()
	if ok {
		c.End()
	}
	return ok
}

func (h *Handler) registerCall(sessionID string, c *turn.Controller) {
	h.activeMu.Lock()
	h.active[sessionID] = c
	h.activeMu.Unlock()
}

func (h *Handler) unregisterCall(sessionID string) {
	h.activeMu.Lock()
	delete(h.active, sessionID)
	h.activeMu.Unlock()
}

// HandleOffer accepts an SDP offer and returns an SDP answer. The call's
// session id travels back to the client over the control data channel.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return SessionDescription{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	peerConnection, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}})
	if err != nil {
		return SessionDescription{}, err
	}

	outTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1}, "agent-audio", "agent")
	if err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	if _, err := peerConnection.AddTrack(outTrack); err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}

	sess := h.store.Create()
	callID := sess.ID

	transcriber := transcript.NewAssemblyAIService(h.cfg.AssemblyAIKey, h.cfg.SilenceThreshold)
	primary := tts.NewDeepgramClient(h.cfg.DeepgramKey, h.cfg.DeepgramTTSModel)
	var fallback turn.Synthesizer
	if h.cfg.ElevenLabsKey != "" && h.cfg.ElevenLabsVoiceID != "" {
		fallback = tts.NewElevenLabsClient(h.cfg.ElevenLabsKey, h.cfg.ElevenLabsVoiceID)
	}

	var (
		mu         sync.Mutex
		controller *turn.Controller
		paced      *OpusPacedWriter
		closeOnce  sync.Once
	)
	teardown := func() {
		closeOnce.Do(func() {
			mu.Lock()
			c, p := controller, paced
			mu.Unlock()
			if c != nil {
				c.End()
			}
			h.unregisterCall(callID)
			_ = h.store.End(callID)
			if p != nil {
				p.FlushTail()
				time.AfterFunc(400*time.Millisecond, p.Close)
			}
			_ = peerConnection.Close()
			logHistory(sess)
		})
	}

	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] PeerConnection state: %s", callID, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			teardown()
		}
	})
	peerConnection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("[%s] ICE state: %s", callID, state.String())
	})

	peerConnection.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		log.Printf("[%s] Control channel opened", callID)
		dc.OnOpen(func() {
			_ = dc.SendText("session:" + callID)
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			cmd := strings.TrimSpace(strings.ToLower(string(msg.Data)))
			mu.Lock()
			c := controller
			mu.Unlock()
			switch cmd {
			case "stop", "stop-speaking", "cancel", "barge-in":
				if c != nil {
					c.BargeIn()
				}
			case "end", "hangup":
				teardown()
			}
		})
	})

	peerConnection.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] Remote audio track received: codec=%s", callID, remote.Codec().MimeType)

		pw, err := NewOpusPacedWriter(outTrack)
		if err != nil {
			log.Printf("[%s] Opus encoder error: %v", callID, err)
			return
		}

		bargeCfg := barge.DefaultConfig()
		if h.cfg.MinTriggerWords > 0 {
			bargeCfg.MinTriggerWords = h.cfg.MinTriggerWords
		}
		var detector *barge.Engine

		ctrl := turn.NewController(sess, transcriber, h.gen, primary, fallback, pw, turn.Config{
			BargeVoiceWindow: h.cfg.BargeVoiceWindow,
			MinTriggerWords:  h.cfg.MinTriggerWords,
			Greeting:         h.cfg.Greeting,
			ApologyLine:      h.cfg.ApologyLine,
			OnAgentSpeechStart: func(text string) {
				if detector != nil {
					detector.NotifyAgentText(text)
					detector.SetSpeaking(true)
				}
			},
			OnAgentSpeechEnd: func() {
				if detector != nil {
					detector.SetSpeaking(false)
				}
			},
			OnPartialTranscript: func(text string) {
				if detector != nil {
					detector.NotifyPartial(text)
				}
			},
		})
		detector = barge.NewEngine(bargeCfg, barge.Events{
			OnTrigger: func(_ time.Time, cues barge.Cues, preRoll []byte) {
				log.Printf("[%s] barge-in detected (energy=%v transcript=%v)", callID, cues.Energy, cues.Transcript)
				ctrl.BargeIn()
				// replay the pre-roll so the interrupting words are not lost
				if len(preRoll) > 0 {
					ctrl.FeedPCM16KLE(preRoll)
				}
			},
		})

		mu.Lock()
		controller = ctrl
		paced = pw
		mu.Unlock()
		h.registerCall(callID, ctrl)

		if err := ctrl.Start(context.Background()); err != nil {
			log.Printf("[%s] Failed to start dialogue (transcription unavailable): %v", callID, err)
			return
		}

		dec, derr := opus.NewDecoder(16000, 1)
		if derr != nil {
			log.Printf("[%s] Opus decoder error: %v", callID, derr)
			return
		}
		go micReader(callID, remote, dec, ctrl, detector)
	})

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := peerConnection.SetRemoteDescription(remoteOffer); err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(peerConnection)
	if err := peerConnection.SetLocalDescription(answer); err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	<-gatherComplete
	local := peerConnection.LocalDescription()
	if local == nil {
		_ = peerConnection.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// micReader decodes inbound Opus RTP to 16kHz PCM and fans it out to the
// transcriber (via the controller) and the interruption detector, in 100ms
// chunks.
func micReader(callID string, remote *webrtc.TrackRemote, dec *opus.Decoder, ctrl *turn.Controller, detector *barge.Engine) {
	const pcm16kChunkBytes = 3200
	pcm16kBuf := make([]byte, 0, pcm16kChunkBytes*4)
	pcmSamples := make([]int16, 1920)
	for {
		pkt, _, readErr := remote.ReadRTP()
		if readErr != nil {
			log.Printf("[%s] RTP read error: %v", callID, readErr)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, decErr := dec.Decode(pkt.Payload, pcmSamples)
		if decErr != nil {
			log.Printf("[%s] Opus decode error: %v", callID, decErr)
			continue
		}
		startLen := len(pcm16kBuf)
		need := n * 2
		if cap(pcm16kBuf)-len(pcm16kBuf) < need {
			newCap := len(pcm16kBuf) + need + pcm16kChunkBytes
			tmp := make([]byte, len(pcm16kBuf), newCap)
			copy(tmp, pcm16kBuf)
			pcm16kBuf = tmp
		}
		pcm16kBuf = pcm16kBuf[:len(pcm16kBuf)+need]
		o := pcm16kBuf[startLen:]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(o[i*2:(i+1)*2], uint16(pcmSamples[i]))
		}
		for len(pcm16kBuf) >= pcm16kChunkBytes {
			chunk := make([]byte, pcm16kChunkBytes)
			copy(chunk, pcm16kBuf[:pcm16kChunkBytes])
			ctrl.FeedPCM16KLE(chunk)
			detector.FeedMic16k(chunk)
			copy(pcm16kBuf, pcm16kBuf[pcm16kChunkBytes:])
			pcm16kBuf = pcm16kBuf[:len(pcm16kBuf)-pcm16kChunkBytes]
		}
	}
}

func logHistory(sess *session.Session) {
	hist := sess.History()
	log.Printf("[%s] Conversation transcript (%d turns):", sess.ID, len(hist))
	for i, t := range hist {
		mark := ""
		if t.Interrupted {
			mark = " (interrupted)"
		}
		log.Printf("[%s] %02d %s: %s%s", sess.ID, i+1, strings.ToUpper(string(t.Role)), t.Text, mark)
	}
}
