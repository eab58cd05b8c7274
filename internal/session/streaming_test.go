package session_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LaurionAI/voice-agent-backend-server-example/internal/audio"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/pipeline"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/rtc"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/session"
)

// These tests drive sessions through the real streaming pipeline; only the
// synthesizer and the peer connection are stand-ins.

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// speech is the reply a linear16 synthesizer produces for one text.
type speech struct {
	pcm   []byte
	chunk int
	// block keeps the synthesizer open after pcm until cancelled
	block bool
}

type scriptedSynth struct {
	replies map[string]speech
}

func (s *scriptedSynth) Name() string                { return "scripted" }
func (s *scriptedSynth) Encoding() pipeline.Encoding { return pipeline.EncodingPCM48k }

func (s *scriptedSynth) Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	out := make(chan []byte)
	errs := make(chan error, 1)
	sp := s.replies[text]
	go func() {
		defer close(errs)
		defer close(out)
		for rest := sp.pcm; len(rest) > 0; {
			n := min(sp.chunk, len(rest))
			select {
			case out <- rest[:n]:
			case <-ctx.Done():
				return
			}
			rest = rest[n:]
		}
		if sp.block {
			<-ctx.Done()
		}
	}()
	return out, errs
}

// filled returns d of 48kHz PCM with every byte set to v.
func filled(v byte, d time.Duration) []byte {
	return bytes.Repeat([]byte{v}, audio.BytesFor(audio.OutputSampleRate, d))
}

type queueTransport struct {
	queue *audio.FrameQueue

	mu      sync.Mutex
	onState func(rtc.ConnState)
}

func (q *queueTransport) CreateAnswer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error) {
	return rtc.SessionDescription{Type: "answer", SDP: "answer"}, nil
}
func (q *queueTransport) AddICECandidate(rtc.Candidate) error { return nil }
func (q *queueTransport) PushFrame(ctx context.Context, frame []byte) error {
	return q.queue.Push(ctx, frame)
}
func (q *queueTransport) ClearFrames() int     { return q.queue.Clear() }
func (q *queueTransport) OnAudio(func([]byte)) {}
func (q *queueTransport) Close() error         { q.queue.Close(); return nil }
func (q *queueTransport) OnStateChange(fn func(rtc.ConnState)) {
	q.mu.Lock()
	q.onState = fn
	q.mu.Unlock()
}

func (q *queueTransport) connect() {
	q.mu.Lock()
	fn := q.onState
	q.mu.Unlock()
	fn(rtc.StateConnected)
}

// drain pops what is queued right now.
func (q *queueTransport) drain() [][]byte {
	var out [][]byte
	for {
		f, ok := q.queue.TryPop()
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Send(ev session.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev.Event)
	r.mu.Unlock()
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(name string) int {
	n := 0
	for _, e := range r.names() {
		if e == name {
			n++
		}
	}
	return n
}

type staticTranscriber struct{}

func (staticTranscriber) Transcribe(context.Context, []byte) (string, error) {
	return "hello there", nil
}

type staticAgent struct{}

func (staticAgent) Respond(context.Context, string, string) (string, error) { return "reply", nil }

type rig struct {
	sess      *session.Session
	events    *recorder
	transport *queueTransport
}

func newRig(t *testing.T, replies map[string]speech) *rig {
	t.Helper()
	avail := session.NewAvailability()
	r := &rig{events: &recorder{}, transport: &queueTransport{queue: audio.NewFrameQueue(audio.DefaultQueueDepth)}}
	reg := session.NewRegistry(session.Config{
		Transcriber: staticTranscriber{},
		Agent:       staticAgent{},
		Streamer:    pipeline.New(&scriptedSynth{replies: replies}, nil, avail, quietLogger()),
		NewTransport: func(string) (session.Transport, error) {
			return r.transport, nil
		},
		Availability: avail,
		Logger:       quietLogger(),
	}, 0)
	t.Cleanup(reg.CloseAll)
	s, err := reg.Create(r.events, "user")
	require.NoError(t, err)
	r.sess = s

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = s.HandleOffer(ctx, rtc.SessionDescription{Type: "offer", SDP: "v=0"})
	require.NoError(t, err)
	r.transport.connect()
	require.Eventually(t, func() bool { return s.State() == session.StateEstablished }, time.Second, 2*time.Millisecond)
	return r
}

func voiced(ms int) []byte {
	n := 16000 * ms / 1000
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*220*float64(i)/16000))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func TestStreaming_SpokenTurnYieldsReplyFramesInOrder(t *testing.T) {
	reply := make([]byte, audio.BytesFor(audio.OutputSampleRate, 500*time.Millisecond))
	for i := range reply {
		reply[i] = byte(i%253 + 1)
	}
	// chunks deliberately straddle frame boundaries
	r := newRig(t, map[string]speech{"reply": {pcm: reply, chunk: 1000}})
	ctx := context.Background()
	for _, ms := range []int{600, 600, 400} {
		require.NoError(t, r.sess.HandleAudioChunk(ctx, voiced(ms)))
	}

	require.Eventually(t, func() bool { return r.events.count(session.EventStreamingComplete) == 1 },
		3*time.Second, 5*time.Millisecond, "events: %v", r.events.names())
	frames := r.transport.drain()
	require.Len(t, frames, 500/20)
	for _, f := range frames {
		assert.Len(t, f, audio.FrameBytes)
	}
	assert.Equal(t, reply, bytes.Join(frames, nil))
	assert.Equal(t, []string{
		session.EventConnected, session.EventWebRTCAnswer, session.EventTranscript,
		session.EventAgentResponse, session.EventStreamingComplete,
	}, r.events.names())
}

func TestStreaming_InterruptEmptiesQueueWithoutCompletion(t *testing.T) {
	// longer than the queue, so the pipeline is parked on backpressure
	r := newRig(t, map[string]speech{"long": {pcm: filled(0xAA, 2*time.Second), chunk: audio.FrameBytes * 3, block: true}})
	ctx := context.Background()
	require.NoError(t, r.sess.StreamReply(ctx, "long"))
	require.Eventually(t, func() bool { return r.transport.queue.Len() == audio.DefaultQueueDepth },
		time.Second, 2*time.Millisecond)

	require.NoError(t, r.sess.Interrupt(ctx, "user_speaking"))
	assert.Equal(t, 0, r.transport.queue.Len())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, r.transport.queue.Len(), "a cancelled run must not land frames after the clear")
	assert.Equal(t, 0, r.events.count(session.EventStreamingComplete))
	assert.Equal(t, 1, r.events.count(session.EventVoiceInterrupted))
}

func TestStreaming_SecondReplyReplacesFirst(t *testing.T) {
	r := newRig(t, map[string]speech{
		"one": {pcm: filled(0xAA, 400*time.Millisecond), chunk: audio.FrameBytes, block: true},
		"two": {pcm: filled(0xBB, 200*time.Millisecond), chunk: 777},
	})
	ctx := context.Background()
	require.NoError(t, r.sess.StreamReply(ctx, "one"))
	require.Eventually(t, func() bool { return r.transport.queue.Len() == 20 }, time.Second, 2*time.Millisecond)

	require.NoError(t, r.sess.StreamReply(ctx, "two"))
	require.Eventually(t, func() bool { return r.events.count(session.EventStreamingComplete) == 1 },
		time.Second, 2*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, r.events.count(session.EventStreamingComplete))

	frames := r.transport.drain()
	require.Len(t, frames, 10)
	for _, f := range frames {
		assert.Equal(t, byte(0xBB), f[0], "only the second reply's frames remain")
		assert.Equal(t, byte(0xBB), f[len(f)-1])
	}
}
