package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LaurionAI/voice-agent-backend-server-example/internal/audio"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/session"
)

// Encoding names the byte format a Synthesizer produces.
type Encoding string

const (
	// EncodingMP3 is a compressed stream that must be transcoded.
	EncodingMP3 Encoding = "mp3"
	// EncodingPCM48k is s16le mono at the output rate and is framed directly.
	EncodingPCM48k Encoding = "linear16"
)

// Synthesizer streams audio for reply text. The chunk channel is closed when
// synthesis ends; at most one error is delivered on the error channel, which
// is closed after the chunk channel.
type Synthesizer interface {
	Name() string
	Encoding() Encoding
	Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// Transcoder starts one conversion process per run.
type Transcoder interface {
	Start(ctx context.Context, in Encoding) (Process, error)
}

// Process is a running transcode. Writes feed compressed input, Close ends
// the input, Output yields raw PCM and Wait reaps the process. Wait may be
// called more than once.
type Process interface {
	io.WriteCloser
	Output() io.Reader
	Wait() error
}

// Pipeline turns reply text into 20ms frames. It implements session.Streamer.
type Pipeline struct {
	synth Synthesizer
	trans Transcoder
	avail *session.Availability
	log   *slog.Logger
}

func New(synth Synthesizer, trans Transcoder, avail *session.Availability, log *slog.Logger) *Pipeline {
	if avail == nil {
		avail = session.NewAvailability()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{synth: synth, trans: trans, avail: avail, log: log.With("component", "pipeline")}
}

// Stream synthesizes text and hands every frame to push in order. Cancelling
// ctx stops synthesis, kills the transcoder and drops any partial frame.
func (p *Pipeline) Stream(ctx context.Context, text string, push func(context.Context, []byte) error) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !p.avail.Ready(session.ComponentTTS) {
		return &session.SynthesisError{Provider: p.synth.Name(), Cause: session.ErrUnavailable}
	}

	start := time.Now()
	var frames int
	counted := func(ctx context.Context, f []byte) error {
		if err := push(ctx, f); err != nil {
			return err
		}
		frames++
		return nil
	}

	var err error
	if p.synth.Encoding() == EncodingPCM48k {
		err = p.streamPCM(ctx, text, counted)
	} else {
		err = p.streamTranscoded(ctx, text, counted)
	}
	if ctx.Err() != nil {
		p.log.Debug("stream cancelled", "frames", frames)
		return ctx.Err()
	}
	if err != nil {
		p.log.Error("stream failed", "provider", p.synth.Name(), "frames", frames, "error", err)
		return err
	}
	p.log.Info("stream finished", "provider", p.synth.Name(), "frames", frames,
		"audio", time.Duration(frames)*audio.FrameDuration, "elapsed", time.Since(start))
	return nil
}

// streamPCM frames synthesizer output that is already at the output format.
func (p *Pipeline) streamPCM(ctx context.Context, text string, push func(context.Context, []byte) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errs := p.synth.Synthesize(ctx, text)
	fr := newFramer(push)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				if err := synthErr(p.synth.Name(), errs); err != nil {
					return err
				}
				return fr.finish(ctx)
			}
			if err := fr.write(ctx, c); err != nil {
				return err
			}
		}
	}
}

// streamTranscoded feeds compressed chunks into a transcoder while a second
// stage frames its output, so transcoding starts with the first chunk.
func (p *Pipeline) streamTranscoded(ctx context.Context, text string, push func(context.Context, []byte) error) error {
	if p.trans == nil || !p.avail.Ready(session.ComponentTranscoder) {
		return &session.TranscodeError{Cause: session.ErrUnavailable}
	}

	g, gctx := errgroup.WithContext(ctx)
	proc, err := p.trans.Start(gctx, p.synth.Encoding())
	if err != nil {
		return &session.TranscodeError{Cause: err}
	}
	defer func() { _ = proc.Wait() }()

	chunks, errs := p.synth.Synthesize(gctx, text)

	g.Go(func() error {
		defer proc.Close()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case c, ok := <-chunks:
				if !ok {
					return synthErr(p.synth.Name(), errs)
				}
				if _, err := proc.Write(c); err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					return &session.TranscodeError{Cause: err}
				}
			}
		}
	})

	g.Go(func() error {
		fr := newFramer(push)
		buf := make([]byte, audio.FrameBytes)
		out := proc.Output()
		for {
			n, rerr := out.Read(buf)
			if n > 0 {
				if err := fr.write(gctx, buf[:n]); err != nil {
					return err
				}
			}
			if errors.Is(rerr, io.EOF) {
				break
			}
			if rerr != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return &session.TranscodeError{Cause: rerr}
			}
		}
		if err := proc.Wait(); err != nil {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			var te *session.TranscodeError
			if errors.As(err, &te) {
				return err
			}
			return &session.TranscodeError{Cause: err}
		}
		return fr.finish(gctx)
	})

	return g.Wait()
}

func synthErr(provider string, errs <-chan error) error {
	if errs == nil {
		return nil
	}
	if err, ok := <-errs; ok && err != nil {
		var se *session.SynthesisError
		if errors.As(err, &se) {
			return err
		}
		return &session.SynthesisError{Provider: provider, Cause: err}
	}
	return nil
}

// framer slices a byte stream into fixed frames.
type framer struct {
	push    func(context.Context, []byte) error
	pending []byte
}

func newFramer(push func(context.Context, []byte) error) *framer {
	return &framer{push: push, pending: make([]byte, 0, audio.FrameBytes)}
}

func (f *framer) write(ctx context.Context, b []byte) error {
	for len(b) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(f.pending[len(f.pending):cap(f.pending)], b)
		f.pending = f.pending[:len(f.pending)+n]
		b = b[n:]
		if len(f.pending) == audio.FrameBytes {
			frame := make([]byte, audio.FrameBytes)
			copy(frame, f.pending)
			f.pending = f.pending[:0]
			if err := f.push(ctx, frame); err != nil {
				return err
			}
		}
	}
	return nil
}

// finish pads the trailing partial frame with silence and pushes it.
func (f *framer) finish(ctx context.Context) error {
	if len(f.pending) == 0 {
		return nil
	}
	frame := make([]byte, audio.FrameBytes)
	copy(frame, f.pending)
	f.pending = f.pending[:0]
	return f.push(ctx, frame)
}
