package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LaurionAI/voice-agent-backend-server-example/internal/audio"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/rtc"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func pcmSine(sr int, hz float64, amp float64, durMs int) []byte {
	n := sr * durMs / 1000
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(amp * math.Sin(2*math.Pi*hz*float64(i)/float64(sr)))
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(v))
	}
	return out
}

type fakeSender struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeSender) Send(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSender) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Event)
	}
	return out
}

func (f *fakeSender) count(name string) int {
	n := 0
	for _, e := range f.names() {
		if e == name {
			n++
		}
	}
	return n
}

func (f *fakeSender) last(name string) (Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Event == name {
			return f.events[i], true
		}
	}
	return Event{}, false
}

func (f *fakeSender) waitFor(t *testing.T, name string) Event {
	t.Helper()
	require.Eventually(t, func() bool { return f.count(name) > 0 }, 3*time.Second, 5*time.Millisecond,
		"event %q never sent; got %v", name, f.names())
	ev, _ := f.last(name)
	return ev
}

func (f *fakeSender) errorTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		if d, ok := ev.Data.(ErrorData); ok {
			out = append(out, d.ErrorType)
		}
	}
	return out
}

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
	clips [][]byte
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, clip []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.clips = append(f.clips, clip)
	return f.text, f.err
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAgent struct {
	mu        sync.Mutex
	reply     string
	err       error
	prompts   []string
	forgotten []string
}

func (f *fakeAgent) Respond(ctx context.Context, sessionID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, text)
	return f.reply, f.err
}

func (f *fakeAgent) Forget(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, sessionID)
}

// streamPlan describes one fake streaming run: push frames, then either block
// until cancelled or return err.
type streamPlan struct {
	frames int
	block  bool
	err    error
}

type fakeStreamer struct {
	mu     sync.Mutex
	plans  []streamPlan
	runs   int
	pushed atomic.Int64
}

func (f *fakeStreamer) Stream(ctx context.Context, text string, push func(context.Context, []byte) error) error {
	f.mu.Lock()
	f.runs++
	run := f.runs
	plan := f.plans[min(run, len(f.plans))-1]
	f.mu.Unlock()

	for i := 0; i < plan.frames; i++ {
		frame := make([]byte, audio.FrameBytes)
		frame[0] = byte(run)
		frame[1] = byte(i)
		if err := push(ctx, frame); err != nil {
			return err
		}
		f.pushed.Add(1)
	}
	if plan.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return plan.err
}

type fakeTransport struct {
	queue *audio.FrameQueue

	mu         sync.Mutex
	onState    func(rtc.ConnState)
	onAudio    func([]byte)
	candidates []rtc.Candidate
	closed     bool
}

func (f *fakeTransport) CreateAnswer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "bad" {
		return rtc.SessionDescription{}, fmt.Errorf("%w: rejected by fake", rtc.ErrInvalidOffer)
	}
	return rtc.SessionDescription{Type: "answer", SDP: "answer-for-" + offer.SDP}, nil
}

func (f *fakeTransport) AddICECandidate(c rtc.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) PushFrame(ctx context.Context, frame []byte) error {
	return f.queue.Push(ctx, frame)
}

func (f *fakeTransport) ClearFrames() int { return f.queue.Clear() }

func (f *fakeTransport) OnStateChange(fn func(rtc.ConnState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnAudio(fn func([]byte)) {
	f.mu.Lock()
	f.onAudio = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.queue.Close()
	return nil
}

func (f *fakeTransport) setState(cs rtc.ConnState) {
	f.mu.Lock()
	cb := f.onState
	f.mu.Unlock()
	cb(cs)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// drain pops every queued frame.
func (f *fakeTransport) drain() [][]byte {
	var out [][]byte
	for {
		fr, ok := f.queue.TryPop()
		if !ok {
			return out
		}
		out = append(out, fr)
	}
}

type transportFactory struct {
	mu         sync.Mutex
	depth      int
	transports []*fakeTransport
	err        error
}

func (tf *transportFactory) New(sessionID string) (Transport, error) {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	if tf.err != nil {
		return nil, tf.err
	}
	t := &fakeTransport{queue: audio.NewFrameQueue(tf.depth)}
	tf.transports = append(tf.transports, t)
	return t, nil
}

func (tf *transportFactory) latest() *fakeTransport {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	if len(tf.transports) == 0 {
		return nil
	}
	return tf.transports[len(tf.transports)-1]
}

func (tf *transportFactory) created() int {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return len(tf.transports)
}

type harness struct {
	reg         *Registry
	sess        *Session
	sender      *fakeSender
	transcriber *fakeTranscriber
	agent       *fakeAgent
	streamer    *fakeStreamer
	tf          *transportFactory
}

func newHarness(t *testing.T, plans ...streamPlan) *harness {
	t.Helper()
	if len(plans) == 0 {
		plans = []streamPlan{{frames: 25}}
	}
	h := &harness{
		sender:      &fakeSender{},
		transcriber: &fakeTranscriber{text: "hello there"},
		agent:       &fakeAgent{reply: "hi, how can I help?"},
		streamer:    &fakeStreamer{plans: plans},
		tf:          &transportFactory{depth: audio.DefaultQueueDepth},
	}
	h.reg = NewRegistry(Config{
		Transcriber:  h.transcriber,
		Agent:        h.agent,
		Streamer:     h.streamer,
		NewTransport: h.tf.New,
		Logger:       quietLogger(),
	}, 0)
	s, err := h.reg.Create(h.sender, "user-1")
	require.NoError(t, err)
	h.sess = s
	t.Cleanup(func() { _ = s.Close() })
	return h
}

func (h *harness) establish(t *testing.T) *fakeTransport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := h.sess.HandleOffer(ctx, rtc.SessionDescription{Type: "offer", SDP: "v=0"})
	require.NoError(t, err)
	tr := h.tf.latest()
	require.NotNil(t, tr)
	tr.setState(rtc.StateConnected)
	require.Eventually(t, func() bool { return h.sess.State() == StateEstablished }, time.Second, 2*time.Millisecond)
	return tr
}

// speak sends three chunks spanning 1.6s of voiced audio at 16kHz.
func (h *harness) speak(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, ms := range []int{600, 600, 400} {
		require.NoError(t, h.sess.HandleAudioChunk(ctx, pcmSine(16000, 220, 8000, ms)))
	}
}

var errBoom = errors.New("boom")

type decodeCall struct {
	data   []byte
	format audio.Format
	rate   int
}

// fakeDecoder returns a fixed PCM clip for every compressed input.
type fakeDecoder struct {
	mu    sync.Mutex
	pcm   []byte
	err   error
	calls []decodeCall
}

func (f *fakeDecoder) Decode(ctx context.Context, data []byte, format audio.Format, sampleRate int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, decodeCall{data: data, format: format, rate: sampleRate})
	return f.pcm, f.err
}

func (f *fakeDecoder) recorded() []decodeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]decodeCall(nil), f.calls...)
}

var (
	webmHeader  = []byte{0x1A, 0x45, 0xDF, 0xA3, 0x9F, 0x42, 0x86, 0x81, 0x01, 't', 'r', 'k'}
	webmCluster = []byte{0x1F, 0x43, 0xB6, 0x75}
)

// webmStart is a recorder's first chunk: header, then the first cluster.
func webmStart(payload int) []byte {
	b := append(append([]byte(nil), webmHeader...), webmCluster...)
	return append(b, bytes.Repeat([]byte{0x5A}, payload)...)
}

// webmNext is a headerless continuation chunk.
func webmNext(payload int) []byte {
	return append(append([]byte(nil), webmCluster...), bytes.Repeat([]byte{0x3C}, payload)...)
}

// newDecodingSession creates a session on h's registry with dec wired in.
func (h *harness) newDecodingSession(t *testing.T, dec Decoder) *Session {
	t.Helper()
	h.reg.cfg.Decoder = dec
	s, err := h.reg.Create(h.sender, "decoding")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
