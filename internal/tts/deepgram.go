package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"

	"github.com/LaurionAI/voice-agent-backend-server-example/internal/audio"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/pipeline"
)

const (
	deepgramIdleWindow = 400 * time.Millisecond
	deepgramStall      = 10 * time.Second
)

// Deepgram streams linear16 audio at the output rate over the speak websocket.
type Deepgram struct {
	apiKey string
	model  string
	log    *slog.Logger
}

func NewDeepgram(apiKey, model string, log *slog.Logger) *Deepgram {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Deepgram{apiKey: apiKey, model: model, log: log.With("provider", "deepgram")}
}

func (d *Deepgram) Name() string                { return "deepgram" }
func (d *Deepgram) Encoding() pipeline.Encoding { return pipeline.EncodingPCM48k }

func (d *Deepgram) Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	st := newSpeakStream(64)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer st.close()

		if d.apiKey == "" {
			errCh <- errors.New("deepgram: API key missing")
			return
		}
		if text == "" {
			return
		}

		options := &clientinterfaces.WSSpeakOptions{
			Model:      d.model,
			Encoding:   string(pipeline.EncodingPCM48k),
			SampleRate: audio.OutputSampleRate,
		}
		cb := &speakCallback{
			onBinary: func(data []byte) error {
				st.deliver(ctx, data)
				return nil
			},
			onFlushed: st.markFlushed,
			onError:   func(msg string) { st.fail(fmt.Errorf("deepgram: %s", msg)) },
		}

		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
		if err != nil {
			errCh <- fmt.Errorf("deepgram: create ws client: %w", err)
			return
		}

		var stopOnce sync.Once
		stop := func() { stopOnce.Do(dg.Stop) }
		defer stop()

		if ok := dg.Connect(); !ok {
			errCh <- errors.New("deepgram: connect failed")
			return
		}
		if err := dg.SpeakWithText(text); err != nil {
			errCh <- fmt.Errorf("deepgram: speak text: %w", err)
			return
		}
		flushSent := true
		if err := dg.Flush(); err != nil {
			d.log.Warn("flush failed", "error", err)
			flushSent = false
		}

		if err := st.wait(ctx, flushSent); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	return st.out, errCh
}

// speakStream hands audio from the sdk callbacks to the consumer and decides
// when an utterance is over. Time spent blocked on a slow consumer never
// counts as silence.
type speakStream struct {
	out     chan []byte
	quit    chan struct{}
	flushed chan struct{}
	failed  chan error

	idle  time.Duration
	stall time.Duration
	tick  time.Duration

	// the sdk may still deliver binary frames after Stop returns
	mu        sync.Mutex
	closed    bool
	flushOnce sync.Once
	blocked   atomic.Int32
	handedOff atomic.Int64
}

func newSpeakStream(buffer int) *speakStream {
	return &speakStream{
		out:     make(chan []byte, buffer),
		quit:    make(chan struct{}),
		flushed: make(chan struct{}),
		failed:  make(chan error, 1),
		idle:    deepgramIdleWindow,
		stall:   deepgramStall,
		tick:    50 * time.Millisecond,
	}
}

func (s *speakStream) deliver(ctx context.Context, data []byte) {
	if len(data) == 0 {
		return
	}
	s.blocked.Add(1)
	defer s.blocked.Add(-1)
	b := make([]byte, len(data))
	copy(b, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- b:
		s.handedOff.Store(time.Now().UnixNano())
	case <-ctx.Done():
	case <-s.quit:
	}
}

func (s *speakStream) markFlushed() { s.flushOnce.Do(func() { close(s.flushed) }) }

func (s *speakStream) fail(err error) {
	select {
	case s.failed <- err:
	default:
	}
}

func (s *speakStream) close() {
	close(s.quit)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	close(s.out)
}

// wait returns nil once the utterance is complete. With a flush in flight
// that means the server acknowledged it and nothing arrived for a quarter
// of the idle window afterwards; a server that never acknowledges is an
// error after the stall window.
func (s *speakStream) wait(ctx context.Context, flushSent bool) error {
	start := time.Now()
	idle := s.idle
	acked := false
	flushed := s.flushed
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.failed:
			return err
		case <-flushed:
			// binary frames for the flush may still be in flight
			flushed = nil
			acked = true
			idle = s.idle / 4
		case now := <-ticker.C:
			if s.blocked.Load() > 0 {
				continue
			}
			last := s.handedOff.Load()
			if last == 0 {
				if now.Sub(start) > s.stall {
					return errors.New("deepgram: no audio received")
				}
				continue
			}
			quiet := now.Sub(time.Unix(0, last))
			switch {
			case (acked || !flushSent) && quiet > idle:
				return nil
			case quiet > s.stall:
				return errors.New("deepgram: stream stalled before flush")
			}
		}
	}
}

type speakCallback struct {
	onBinary  func([]byte) error
	onFlushed func()
	onError   func(string)
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error {
	if s.onFlushed != nil {
		s.onFlushed()
	}
	return nil
}
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error   { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error     { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error { return nil }
func (s *speakCallback) Error(er *msginterfaces.ErrorResponse) error {
	if s.onError != nil && er != nil {
		s.onError(er.Description)
	}
	return nil
}
func (s *speakCallback) UnhandledEvent([]byte) error { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
