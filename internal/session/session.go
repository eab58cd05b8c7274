package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/LaurionAI/voice-agent-backend-server-example/internal/audio"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/metrics"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/rtc"
)

// State is the media-transport state of a session.
type State int32

const (
	StateUninitiated State = iota
	StateNegotiating
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "uninitiated"
	}
}

const (
	opQueueSize      = 64
	negotiateTimeout = 10 * time.Second
	minTranscript    = 2
)

// Config carries the collaborators and tuning shared by every session.
type Config struct {
	Transcriber  Transcriber
	Agent        Agent
	Streamer     Streamer
	Decoder      Decoder
	NewTransport func(sessionID string) (Transport, error)
	ICEServers   []rtc.ICEServer
	Availability *Availability
	Validator    audio.Validator

	InboundSampleRate int
	FlushWindow       time.Duration
	MinChunks         int
	Logger            *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Availability == nil {
		c.Availability = NewAvailability()
	}
	if c.InboundSampleRate <= 0 {
		c.InboundSampleRate = rtc.InboundSampleRate
	}
	if c.FlushWindow <= 0 {
		c.FlushWindow = audio.DefaultFlushWindow
	}
	if c.MinChunks < 1 {
		c.MinChunks = 1
	}
	if c.Validator.SampleRate == 0 {
		c.Validator = audio.NewValidator(c.InboundSampleRate, 0, 0)
	}
	if len(c.ICEServers) == 0 {
		c.ICEServers = rtc.DefaultICEServers()
	}
	return c
}

type op struct {
	name string
	fn   func() error
	done chan error
}

type streamRun struct {
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
}

// Session owns one client's control and media channels. Every state
// transition runs on the session's own loop goroutine.
type Session struct {
	id     string
	userID string
	cfg    Config
	sender Sender
	log    *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	ops       chan op
	loopDone  chan struct{}
	closeOnce sync.Once
	onClose   func(*Session)

	state       atomic.Int32
	lastSeen    atomic.Int64
	interrupted atomic.Bool
	throttle    *errThrottle

	// loop-owned
	transport  Transport
	inbound    *audio.InboundBuffer
	inFormat   audio.Format
	webmInit   []byte
	flushTimer *time.Timer
	flushGen   uint64
	stream     *streamRun
	turns      map[uint64]context.CancelFunc
	turnSeq    uint64
}

func newSession(id, userID string, sender Sender, cfg Config, onClose func(*Session)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		userID:   userID,
		cfg:      cfg,
		sender:   sender,
		log:      cfg.Logger.With("session_id", id),
		ctx:      ctx,
		cancel:   cancel,
		ops:      make(chan op, opQueueSize),
		loopDone: make(chan struct{}),
		onClose:  onClose,
		throttle: newErrThrottle(time.Second),
		inbound:  audio.NewInboundBuffer(cfg.InboundSampleRate, cfg.FlushWindow, cfg.MinChunks),
		turns:    make(map[uint64]context.CancelFunc),
	}
	s.touch()
	go s.run()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the client identity supplied at connect.
func (s *Session) UserID() string { return s.userID }

// State returns the current media-transport state.
func (s *Session) State() State { return State(s.state.Load()) }

// Interrupted reports whether the last reply was cut off and no new one has started.
func (s *Session) Interrupted() bool { return s.interrupted.Load() }

// LastSeen returns the time of the last client activity.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

func (s *Session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Info("session state", "from", prev.String(), "to", st.String())
	}
}

func (s *Session) closedErr() error { return &SessionClosedError{ID: s.id} }

func (s *Session) run() {
	defer close(s.loopDone)
	defer s.teardown()
	for {
		select {
		case <-s.ctx.Done():
			return
		case o := <-s.ops:
			err := o.fn()
			if err != nil {
				s.emitError(err)
			}
			if o.done != nil {
				o.done <- err
			}
		}
	}
}

// submit runs fn on the loop and waits for its result.
func (s *Session) submit(ctx context.Context, name string, fn func() error) error {
	o := op{name: name, fn: fn, done: make(chan error, 1)}
	select {
	case s.ops <- o:
	case <-s.ctx.Done():
		return s.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-o.done:
		return err
	case <-s.loopDone:
		select {
		case err := <-o.done:
			return err
		default:
			return s.closedErr()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn on the loop without waiting. It is dropped once the session is closed.
func (s *Session) post(name string, fn func() error) {
	select {
	case s.ops <- op{name: name, fn: fn}:
	case <-s.ctx.Done():
	}
}

// Dispatch decodes one inbound control message and queues it on the loop.
// Messages are applied in the order Dispatch is called.
func (s *Session) Dispatch(msg Message) error {
	if s.ctx.Err() != nil {
		return s.closedErr()
	}
	s.touch()
	metrics.EventsReceived.WithLabelValues(msg.Event).Inc()

	switch msg.Event {
	case EventAudioChunk:
		b, err := decodeAudioChunk(msg.Data)
		if err != nil {
			return s.rejectMessage(msg.Event, err)
		}
		s.post(msg.Event, func() error { return s.handleAudio(b) })
	case EventWebRTCOffer:
		desc, err := decodeOffer(msg.Data)
		if err != nil {
			return s.rejectMessage(msg.Event, err)
		}
		s.post(msg.Event, func() error {
			_, err := s.handleOffer(s.ctx, desc)
			return err
		})
	case EventWebRTCICECandidate:
		c, err := decodeCandidate(msg.Data)
		if err != nil {
			return s.rejectMessage(msg.Event, err)
		}
		s.post(msg.Event, func() error { return s.handleCandidate(c) })
	case EventInterrupt:
		reason := decodeReason(msg.Data)
		s.post(msg.Event, func() error { return s.handleInterrupt(reason) })
	case EventHeartbeat:
		s.post(msg.Event, func() error {
			s.emit(EventHeartbeatAck, sessionData{SessionID: s.id})
			return nil
		})
	default:
		s.log.Warn("unknown event", "event", msg.Event)
	}
	return nil
}

func (s *Session) rejectMessage(event string, cause error) error {
	err := &InvalidMessageError{Event: event, Cause: cause}
	s.emitError(err)
	return err
}

// HandleOffer negotiates the media transport and returns the answer that was
// also sent to the client.
func (s *Session) HandleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error) {
	var answer rtc.SessionDescription
	err := s.submit(ctx, EventWebRTCOffer, func() error {
		var err error
		answer, err = s.handleOffer(ctx, offer)
		return err
	})
	return answer, err
}

// AddICECandidate forwards a remote candidate to the transport.
func (s *Session) AddICECandidate(ctx context.Context, c rtc.Candidate) error {
	return s.submit(ctx, EventWebRTCICECandidate, func() error { return s.handleCandidate(c) })
}

// HandleAudioChunk appends inbound audio and flushes when the window is full.
func (s *Session) HandleAudioChunk(ctx context.Context, b []byte) error {
	s.touch()
	return s.submit(ctx, EventAudioChunk, func() error { return s.handleAudio(b) })
}

// FlushAudio hands off whatever inbound audio is buffered.
func (s *Session) FlushAudio(ctx context.Context) error {
	return s.submit(ctx, "flush", func() error {
		s.flushNow()
		return nil
	})
}

// StreamReply starts streaming text to the peer, replacing any reply in flight.
func (s *Session) StreamReply(ctx context.Context, text string) error {
	return s.submit(ctx, "stream_reply", func() error { return s.startStream(text) })
}

// Interrupt cuts off the reply in flight.
func (s *Session) Interrupt(ctx context.Context, reason string) error {
	return s.submit(ctx, EventInterrupt, func() error { return s.handleInterrupt(reason) })
}

// Heartbeat records client liveness.
func (s *Session) Heartbeat() error {
	if s.ctx.Err() != nil {
		return s.closedErr()
	}
	s.touch()
	return nil
}

// Close tears the session down and removes it from its registry. It must not
// be called from the session's own loop.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.loopDone
		if s.onClose != nil {
			s.onClose(s)
		}
	})
	return nil
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.loopDone }

func (s *Session) teardown() {
	s.stopFlushTimer()
	for id, c := range s.turns {
		c()
		delete(s.turns, id)
	}
	if s.stream != nil {
		s.stream.cancel()
		s.stream = nil
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.log.Debug("transport close", "error", err)
		}
		s.transport = nil
	}
	s.inbound.Reset()
	if f, ok := s.cfg.Agent.(Forgetter); ok {
		f.Forget(s.id)
	}
	s.setState(StateClosed)
}

func (s *Session) handleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error) {
	cur := s.State()
	if cur != StateUninitiated && cur != StateNegotiating {
		return rtc.SessionDescription{}, &InvalidStateError{Op: EventWebRTCOffer, State: cur}
	}
	if s.cfg.NewTransport == nil {
		return rtc.SessionDescription{}, fmt.Errorf("no media transport configured")
	}
	if !s.cfg.Availability.Ready(ComponentWebRTC) {
		return rtc.SessionDescription{}, fmt.Errorf("%w: %w", &WebrtcNotReadyError{State: cur}, ErrUnavailable)
	}
	t, err := s.cfg.NewTransport(s.id)
	if err != nil {
		return rtc.SessionDescription{}, fmt.Errorf("create transport: %w", err)
	}
	t.OnStateChange(func(cs rtc.ConnState) {
		s.post("transport_state", func() error { return s.onTransportState(t, cs) })
	})
	t.OnAudio(func(pcm []byte) {
		s.post("media_audio", func() error { return s.bufferAudio(pcm, audio.FormatPCM) })
	})

	nctx, cancel := context.WithTimeout(ctx, negotiateTimeout)
	defer cancel()
	answer, err := t.CreateAnswer(nctx, offer)
	if err != nil {
		_ = t.Close()
		if errors.Is(err, rtc.ErrInvalidOffer) {
			return rtc.SessionDescription{}, &InvalidOfferError{Cause: err}
		}
		return rtc.SessionDescription{}, err
	}

	if s.transport != nil {
		s.cancelStream()
		_ = s.transport.Close()
	}
	s.transport = t
	s.setState(StateNegotiating)
	s.emit(EventWebRTCAnswer, answer)
	return answer, nil
}

func (s *Session) onTransportState(t Transport, cs rtc.ConnState) error {
	if s.transport != t {
		return nil
	}
	switch cs {
	case rtc.StateConnected:
		if s.State() == StateNegotiating {
			s.setState(StateEstablished)
		}
	case rtc.StateFailed, rtc.StateClosed:
		s.log.Warn("media transport lost", "state", cs.String())
		s.cancelStream()
		_ = t.Close()
		s.transport = nil
		s.setState(StateUninitiated)
	case rtc.StateDisconnected:
		s.log.Warn("media transport disconnected")
	}
	return nil
}

func (s *Session) handleCandidate(c rtc.Candidate) error {
	if s.transport == nil {
		s.log.Warn("ice candidate before media transport initialized, ignoring")
		return nil
	}
	return s.transport.AddICECandidate(c)
}

// handleAudio classifies a control-channel chunk by its header. Recorders
// only put the container header on the first chunk, so a headerless chunk
// continues the compressed stream the client started, if any.
func (s *Session) handleAudio(b []byte) error {
	if len(b) == 0 {
		s.log.Warn("empty audio chunk")
		return nil
	}
	format := audio.DetectFormat(b)
	switch {
	case format == audio.FormatWAV:
		b = audio.StripWAVHeader(b)
		format = audio.FormatPCM
		s.inFormat = audio.FormatPCM
	case format.Compressed():
		if s.inFormat != format {
			s.log.Info("compressed inbound audio", "format", string(format))
		}
		s.inFormat = format
		if init := audio.WebMInitSegment(b); init != nil {
			s.webmInit = init
		}
	case s.inFormat.Compressed():
		format = s.inFormat
	}
	return s.bufferAudio(b, format)
}

func (s *Session) bufferAudio(b []byte, format audio.Format) error {
	if len(b) == 0 {
		return nil
	}
	clip, flushed := s.inbound.AppendFormat(b, format, time.Now())
	if flushed {
		s.stopFlushTimer()
		s.onFlush(clip)
	}
	if s.flushTimer == nil && s.inbound.Len() > 0 {
		s.armFlushTimer()
	}
	return nil
}

func (s *Session) armFlushTimer() {
	s.flushGen++
	gen := s.flushGen
	s.flushTimer = time.AfterFunc(s.inbound.Window(), func() {
		s.post("flush_due", func() error {
			if gen != s.flushGen {
				return nil
			}
			s.flushTimer = nil
			s.flushNow()
			return nil
		})
	})
}

func (s *Session) stopFlushTimer() {
	s.flushGen++
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
}

func (s *Session) flushNow() {
	s.stopFlushTimer()
	if clip, ok := s.inbound.Flush(); ok {
		s.onFlush(clip)
	}
}

// onFlush validates a PCM clip on the loop and starts a turn for accepted
// ones. Rejected clips are dropped without any event. Compressed clips are
// decoded and validated by their turn.
func (s *Session) onFlush(clip audio.Clip) {
	if clip.Format.Compressed() {
		if clip.Format == audio.FormatWebM && s.webmInit != nil && audio.DetectFormat(clip.Data) != audio.FormatWebM {
			clip.Data = append(append([]byte(nil), s.webmInit...), clip.Data...)
		}
		s.startTurn(clip)
		return
	}
	if !s.accept(clip.Data, clip.Fragments) {
		return
	}
	s.startTurn(clip)
}

// accept runs the validator and records the outcome.
func (s *Session) accept(pcm []byte, fragments int) bool {
	res := s.cfg.Validator.Validate(pcm)
	if !res.Accepted {
		metrics.ClipsValidated.WithLabelValues("rejected").Inc()
		s.log.Debug("clip rejected", "reason", res.Reason, "energy", res.Energy,
			"speech_ratio", res.SpeechRatio, "duration", audio.DurationOf(s.cfg.InboundSampleRate, len(pcm)))
		return false
	}
	metrics.ClipsValidated.WithLabelValues("accepted").Inc()
	s.log.Info("clip accepted", "energy", res.Energy, "speech_ratio", res.SpeechRatio,
		"duration", audio.DurationOf(s.cfg.InboundSampleRate, len(pcm)), "fragments", fragments)
	return true
}

func (s *Session) startTurn(clip audio.Clip) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.turnSeq++
	id := s.turnSeq
	s.turns[id] = cancel
	go s.runTurn(ctx, id, clip)
}

// decode turns a compressed clip into PCM and validates it like any other.
func (s *Session) decode(ctx context.Context, clip audio.Clip) ([]byte, bool) {
	if s.cfg.Decoder == nil || !s.cfg.Availability.Ready(ComponentTranscoder) {
		s.emitError(&TranscodeError{Cause: ErrUnavailable})
		return nil, false
	}
	start := time.Now()
	pcm, err := s.cfg.Decoder.Decode(ctx, clip.Data, clip.Format, s.cfg.InboundSampleRate)
	metrics.StageDuration.WithLabelValues("decode").Observe(time.Since(start).Seconds())
	if ctx.Err() != nil {
		return nil, false
	}
	if err != nil {
		var te *TranscodeError
		if !errors.As(err, &te) {
			err = &TranscodeError{Cause: err}
		}
		s.emitError(err)
		return nil, false
	}
	return pcm, s.accept(pcm, clip.Fragments)
}

// runTurn drives transcription, the agent and then reply streaming. It runs
// off the loop so audio keeps flowing while collaborators work.
func (s *Session) runTurn(ctx context.Context, id uint64, c audio.Clip) {
	defer s.post("turn_done", func() error {
		if c, ok := s.turns[id]; ok {
			c()
			delete(s.turns, id)
		}
		return nil
	})

	clip := c.Data
	if c.Format.Compressed() {
		pcm, ok := s.decode(ctx, c)
		if !ok {
			return
		}
		clip = pcm
	}

	if !s.cfg.Availability.Ready(ComponentASR) {
		s.emitError(&TranscriptionError{Cause: ErrUnavailable})
		return
	}
	start := time.Now()
	text, err := s.cfg.Transcriber.Transcribe(ctx, clip)
	metrics.StageDuration.WithLabelValues("transcribe").Observe(time.Since(start).Seconds())
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.emitError(&TranscriptionError{Cause: err})
		return
	}
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minTranscript {
		s.emit(EventNoSpeechDetected, messageData{Message: "No speech detected in audio", SessionID: s.id})
		return
	}
	s.emit(EventTranscript, textData{Text: text, SessionID: s.id})

	if !s.cfg.Availability.Ready(ComponentAgent) {
		s.emitError(&AgentError{Cause: ErrUnavailable})
		return
	}
	start = time.Now()
	reply, err := s.cfg.Agent.Respond(ctx, s.id, text)
	metrics.StageDuration.WithLabelValues("agent").Observe(time.Since(start).Seconds())
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.emitError(&AgentError{Cause: err})
		return
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return
	}
	s.emit(EventAgentResponse, textData{Text: reply, SessionID: s.id})

	err = s.submit(ctx, "stream_reply", func() error {
		if ctx.Err() != nil {
			return nil
		}
		return s.startStream(reply)
	})
	if err != nil && ctx.Err() == nil {
		s.log.Debug("reply not streamed", "error", err)
	}
}

func (s *Session) startStream(text string) error {
	st := s.State()
	if st != StateEstablished || s.transport == nil {
		return &WebrtcNotReadyError{State: st}
	}
	s.cancelStream()

	ctx, cancel := context.WithCancel(s.ctx)
	run := &streamRun{ctx: ctx, cancel: cancel, started: time.Now()}
	s.stream = run
	s.interrupted.Store(false)
	metrics.StreamsStarted.Inc()

	t := s.transport
	push := func(ctx context.Context, frame []byte) error {
		if st := s.State(); st != StateEstablished {
			return &WebrtcNotReadyError{State: st}
		}
		if err := t.PushFrame(ctx, frame); err != nil {
			return err
		}
		metrics.FramesProduced.Inc()
		return nil
	}
	go func() {
		err := s.cfg.Streamer.Stream(ctx, text, push)
		s.post("stream_done", func() error { return s.finishStream(run, err) })
	}()
	return nil
}

// finishStream emits streaming_complete only for runs that were neither
// cancelled nor failed.
func (s *Session) finishStream(run *streamRun, err error) error {
	if s.stream == run {
		s.stream = nil
	}
	cancelled := run.ctx.Err() != nil
	run.cancel()
	metrics.StageDuration.WithLabelValues("stream").Observe(time.Since(run.started).Seconds())
	switch {
	case cancelled:
		metrics.StreamsFinished.WithLabelValues("cancelled").Inc()
		return nil
	case err != nil:
		metrics.StreamsFinished.WithLabelValues("failed").Inc()
		return err
	}
	metrics.StreamsFinished.WithLabelValues("completed").Inc()
	s.emit(EventStreamingComplete, sessionData{SessionID: s.id})
	return nil
}

// cancelStream stops the active run and discards its queued frames.
func (s *Session) cancelStream() bool {
	if s.stream == nil {
		return false
	}
	s.stream.cancel()
	s.stream = nil
	if s.transport != nil {
		if n := s.transport.ClearFrames(); n > 0 {
			metrics.FramesDiscarded.Add(float64(n))
		}
	}
	return true
}

func (s *Session) handleInterrupt(reason string) error {
	for id, c := range s.turns {
		c()
		delete(s.turns, id)
	}
	hadStream := s.cancelStream()
	if s.transport != nil {
		if n := s.transport.ClearFrames(); n > 0 {
			metrics.FramesDiscarded.Add(float64(n))
		}
	}
	s.interrupted.Store(true)
	s.log.Info("interrupted", "reason", reason, "had_stream", hadStream)
	s.emit(EventVoiceInterrupted, interruptedData{Reason: reason, SessionID: s.id})
	s.flushNow()
	return nil
}

func (s *Session) emit(name string, data any) {
	metrics.EventsSent.WithLabelValues(name).Inc()
	if err := s.sender.Send(Event{Event: name, SessionID: s.id, Data: data}); err != nil {
		s.log.Debug("send failed", "event", name, "error", err)
	}
}

func (s *Session) emitError(err error) {
	code := CodeOf(err)
	metrics.Errors.WithLabelValues(code).Inc()
	if s.throttle.allow(code) {
		s.log.Warn("session error", "error_type", code, "error", err)
	}
	s.emit(EventError, ErrorData{ErrorType: code, Message: err.Error(), SessionID: s.id})
}
