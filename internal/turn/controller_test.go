package turn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chadiek/frontdesk/internal/session"
	"github.com/chadiek/frontdesk/internal/transcript"
)

type fakeTranscriber struct {
	events chan transcript.Event
	voice  atomic.Bool
	closed atomic.Bool
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{events: make(chan transcript.Event, 32)}
}

func (f *fakeTranscriber) Connect() error                        { return nil }
func (f *fakeTranscriber) SendPCM16KLE(pcm []byte) error         { return nil }
func (f *fakeTranscriber) Events() <-chan transcript.Event       { return f.events }
func (f *fakeTranscriber) RecentlyDetectedVoice(time.Duration) bool { return f.voice.Load() }
func (f *fakeTranscriber) Close() error {
	if !f.closed.Swap(true) {
		close(f.events)
	}
	return nil
}

func (f *fakeTranscriber) final(text string) {
	f.events <- transcript.Event{Text: text, IsFinal: true, At: time.Now()}
}

func (f *fakeTranscriber) partial(text string) {
	f.events <- transcript.Event{Text: text, At: time.Now()}
}

type fakeGenerator struct {
	reply string
	refs  []session.PassageRef
	err   error
	calls int32
}

func (f *fakeGenerator) Generate(_ context.Context, _ []session.Turn) (string, []session.PassageRef, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return "", nil, f.err
	}
	return f.reply, f.refs, nil
}

type fakeSynth struct {
	fail      bool
	chunkSize int
	delay     time.Duration
	frames    int32
}

func (f *fakeSynth) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcm := make(chan []byte, 16)
	errc := make(chan error, 1)
	go func() {
		defer close(pcm)
		defer close(errc)
		if f.fail {
			errc <- errors.New("synthesis backend down")
			return
		}
		n := f.chunkSize
		if n == 0 {
			n = 3
		}
		for i := 0; i < n; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			pcm <- []byte{1, 0, 2, 0}
			atomic.AddInt32(&f.frames, 1)
			if f.delay > 0 {
				time.Sleep(f.delay)
			}
		}
	}()
	return pcm, errc
}

type fakeSink struct {
	wrote  int32
	resets int32
}

func (s *fakeSink) WritePCM(p []byte) { atomic.AddInt32(&s.wrote, 1) }
func (s *fakeSink) FlushTail()        {}
func (s *fakeSink) Reset()            { atomic.AddInt32(&s.resets, 1) }

func testConfig() Config {
	return Config{
		GenerateTimeout:  time.Second,
		PreSpeechSilence: 10 * time.Millisecond,
		PreSpeechMaxWait: 50 * time.Millisecond,
		BargeVoiceWindow: 20 * time.Millisecond,
		MinTriggerWords:  3,
		ApologyLine:      "Sorry, please try again.",
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func startController(t *testing.T, tr *fakeTranscriber, gen Generator, primary, fallback Synthesizer, sink AudioSink, cfg Config) (*session.Session, *Controller) {
	t.Helper()
	st := session.NewStore()
	sess := st.Create()
	c := NewController(sess, tr, gen, primary, fallback, sink, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(c.End)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return sess, c
}

func TestController_FullExchangeAppendsBothTurns(t *testing.T) {
	tr := newFakeTranscriber()
	gen := &fakeGenerator{
		reply: "Yes, walk-ins are welcome anytime.",
		refs:  []session.PassageRef{{ID: "walkin-1", SourceID: "sop-handbook", Score: 0.9}},
	}
	synth := &fakeSynth{}
	sink := &fakeSink{}
	sess, _ := startController(t, tr, gen, synth, nil, sink, testConfig())

	waitFor(t, func() bool { return sess.State() == session.StateListeningForCaller })
	tr.partial("do you")
	waitFor(t, func() bool { return sess.State() == session.StateCallerSpeaking })
	tr.final("do you accept walk-ins")

	waitFor(t, func() bool { return sess.Len() == 2 })
	hist := sess.History()
	if hist[0].Role != session.RoleCaller || hist[0].Text != "do you accept walk-ins" {
		t.Fatalf("caller turn mismatch: %+v", hist[0])
	}
	if hist[1].Role != session.RoleAgent || hist[1].Interrupted {
		t.Fatalf("agent turn mismatch: %+v", hist[1])
	}
	if len(hist[1].Passages) != 1 || hist[1].Passages[0].ID != "walkin-1" {
		t.Fatalf("expected grounding refs on agent turn, got %+v", hist[1].Passages)
	}
	if hist[1].At.Before(hist[0].At) {
		t.Fatalf("turn timestamps reordered")
	}
	waitFor(t, func() bool { return sess.State() == session.StateListeningForCaller })
	if atomic.LoadInt32(&sink.wrote) == 0 {
		t.Fatalf("expected audio written to sink")
	}
}

func TestController_ApologyOnGeneratorFailure(t *testing.T) {
	tr := newFakeTranscriber()
	gen := &fakeGenerator{err: errors.New("backend down")}
	sess, _ := startController(t, tr, gen, &fakeSynth{}, nil, &fakeSink{}, testConfig())

	waitFor(t, func() bool { return sess.State() == session.StateListeningForCaller })
	tr.final("hello")

	waitFor(t, func() bool { return sess.Len() == 2 })
	hist := sess.History()
	if hist[1].Role != session.RoleAgent || hist[1].Text != "Sorry, please try again." {
		t.Fatalf("expected apology agent turn, got %+v", hist[1])
	}
}

func TestController_FallbackVoiceRetry(t *testing.T) {
	tr := newFakeTranscriber()
	gen := &fakeGenerator{reply: "One sentence reply."}
	primary := &fakeSynth{fail: true}
	fallback := &fakeSynth{}
	sink := &fakeSink{}
	sess, _ := startController(t, tr, gen, primary, fallback, sink, testConfig())

	waitFor(t, func() bool { return sess.State() == session.StateListeningForCaller })
	tr.final("hello")

	waitFor(t, func() bool { return sess.Len() == 2 })
	hist := sess.History()
	if hist[1].Text != "One sentence reply." || hist[1].Interrupted {
		t.Fatalf("expected full agent turn via fallback voice, got %+v", hist[1])
	}
	if atomic.LoadInt32(&fallback.frames) == 0 {
		t.Fatalf("expected fallback synthesizer to produce audio")
	}
	if atomic.LoadInt32(&sink.wrote) == 0 {
		t.Fatalf("expected fallback audio written to sink")
	}
}

func TestController_TextOnlyDegradeWhenBothVoicesFail(t *testing.T) {
	tr := newFakeTranscriber()
	gen := &fakeGenerator{reply: "First sentence. Second sentence."}
	sink := &fakeSink{}
	sess, _ := startController(t, tr, gen, &fakeSynth{fail: true}, &fakeSynth{fail: true}, sink, testConfig())

	waitFor(t, func() bool { return sess.State() == session.StateListeningForCaller })
	tr.final("hello")

	waitFor(t, func() bool { return sess.Len() == 2 })
	hist := sess.History()
	if hist[1].Text != "First sentence. Second sentence." {
		t.Fatalf("expected full text recorded despite silent turn, got %q", hist[1].Text)
	}
	if atomic.LoadInt32(&sink.wrote) != 0 {
		t.Fatalf("expected no audio written when both voices fail")
	}
	waitFor(t, func() bool { return sess.State() == session.StateListeningForCaller })
}

func TestController_BargeInTruncatesAgentTurn(t *testing.T) {
	tr := newFakeTranscriber()
	gen := &fakeGenerator{reply: "First sentence here. Second sentence here. Third sentence here."}
	synth := &fakeSynth{chunkSize: 20, delay: 10 * time.Millisecond}
	sink := &fakeSink{}
	sess, c := startController(t, tr, gen, synth, nil, sink, testConfig())

	waitFor(t, func() bool { return sess.State() == session.StateListeningForCaller })
	tr.final("hello")

	waitFor(t, func() bool { return atomic.LoadInt32(&sink.wrote) > 0 })
	c.BargeIn()

	waitFor(t, func() bool { return sess.State() == session.StateCallerSpeaking })
	hist := sess.History()
	agent := hist[len(hist)-1]
	if agent.Role != session.RoleAgent || !agent.Interrupted {
		t.Fatalf("expected interrupted agent turn, got %+v", agent)
	}
	if agent.Text == gen.reply {
		t.Fatalf("expected truncated agent text, got full reply")
	}
	if atomic.LoadInt32(&sink.resets) == 0 {
		t.Fatalf("expected sink reset on barge-in")
	}

	// no stale audio after the cancellation point
	written := atomic.LoadInt32(&sink.wrote)
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&sink.wrote) != written {
		t.Fatalf("audio leaked after barge-in")
	}
}

func TestController_TranscriptGrowthTriggersBargeIn(t *testing.T) {
	tr := newFakeTranscriber()
	gen := &fakeGenerator{reply: "A very long first sentence. And then a second one. And a third."}
	synth := &fakeSynth{chunkSize: 50, delay: 10 * time.Millisecond}
	sess, c := startController(t, tr, gen, synth, nil, &fakeSink{}, testConfig())

	waitFor(t, func() bool { return sess.State() == session.StateListeningForCaller })
	tr.final("hello")
	waitFor(t, func() bool { return c.IsSpeaking() })

	tr.partial("wait I have another question")

	waitFor(t, func() bool { return sess.State() == session.StateCallerSpeaking })
	hist := sess.History()
	if !hist[len(hist)-1].Interrupted {
		t.Fatalf("expected interrupted agent turn")
	}
}

func TestController_VoiceEnergyTriggersBargeIn(t *testing.T) {
	tr := newFakeTranscriber()
	gen := &fakeGenerator{reply: "A long reply sentence. Another one follows. And more after that."}
	synth := &fakeSynth{chunkSize: 50, delay: 10 * time.Millisecond}
	cfg := testConfig()
	// keep the pre-speech gate from blocking once voice turns on
	cfg.PreSpeechMaxWait = 20 * time.Millisecond
	sess, c := startController(t, tr, gen, synth, nil, &fakeSink{}, cfg)

	waitFor(t, func() bool { return sess.State() == session.StateListeningForCaller })
	tr.final("hello")
	waitFor(t, func() bool { return c.IsSpeaking() })

	tr.voice.Store(true)

	waitFor(t, func() bool { return sess.State() == session.StateCallerSpeaking })
}

func TestController_GreetingSpokenAtStart(t *testing.T) {
	tr := newFakeTranscriber()
	cfg := testConfig()
	cfg.Greeting = "Thank you for calling. How may I help?"
	sink := &fakeSink{}
	sess, _ := startController(t, tr, &fakeGenerator{reply: "ok"}, &fakeSynth{}, nil, sink, cfg)

	waitFor(t, func() bool { return sess.Len() == 1 })
	hist := sess.History()
	if hist[0].Role != session.RoleAgent || hist[0].Text != cfg.Greeting {
		t.Fatalf("expected greeting turn first, got %+v", hist[0])
	}
	waitFor(t, func() bool { return sess.State() == session.StateListeningForCaller })
}

func TestController_EndIsIdempotent(t *testing.T) {
	tr := newFakeTranscriber()
	sess, c := startController(t, tr, &fakeGenerator{reply: "ok"}, &fakeSynth{}, nil, &fakeSink{}, testConfig())

	waitFor(t, func() bool { return sess.State() == session.StateListeningForCaller })
	c.End()
	c.End()
	if sess.State() != session.StateEnded {
		t.Fatalf("expected ended state, got %s", sess.State())
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatalf("dialogue loop did not exit")
	}
}

func TestController_BargeInWhenNotSpeakingIsNoOp(t *testing.T) {
	tr := newFakeTranscriber()
	sink := &fakeSink{}
	sess, c := startController(t, tr, &fakeGenerator{reply: "ok"}, &fakeSynth{}, nil, sink, testConfig())

	waitFor(t, func() bool { return sess.State() == session.StateListeningForCaller })
	c.BargeIn()
	c.BargeIn()
	if sess.State() != session.StateListeningForCaller {
		t.Fatalf("idle barge-in must not change state, got %s", sess.State())
	}
	if atomic.LoadInt32(&sink.resets) != 0 {
		t.Fatalf("idle barge-in must not reset the sink")
	}
}

func TestChunkReply_SplitsAndTrims(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"  Hello world.  How are you?\nI am fine!  ", []string{"Hello world.", "How are you?", "I am fine!"}},
		{"no punctuation here", []string{"no punctuation here"}},
		{"", nil},
	}
	for _, tc := range cases {
		got := chunkReply(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("len mismatch for %q: got %d want %d", tc.in, len(got), len(tc.want))
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("elem %d mismatch: got %q want %q", i, got[i], tc.want[i])
			}
		}
	}
}
