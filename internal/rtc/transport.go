package rtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/LaurionAI/voice-agent-backend-server-example/internal/audio"
)

// Factory builds one Transport per negotiated session.
type Factory struct {
	iceServers []ICEServer
	queueDepth int
	log        *slog.Logger
}

// NewFactory returns a factory using the given ICE servers and outbound queue depth.
func NewFactory(iceServers []ICEServer, queueDepth int, log *slog.Logger) *Factory {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Factory{iceServers: iceServers, queueDepth: queueDepth, log: log}
}

// ICEServers returns the configured ICE servers.
func (f *Factory) ICEServers() []ICEServer { return f.iceServers }

// Check builds and closes a throwaway transport, reporting whether the codec
// and peer connection stack can be initialized at all.
func (f *Factory) Check() error {
	t, err := f.New("startup-check")
	if err != nil {
		return err
	}
	return t.Close()
}

// Transport owns one peer connection and its single outbound audio track.
type Transport struct {
	sessionID string
	pc        *webrtc.PeerConnection
	queue     *audio.FrameQueue
	log       *slog.Logger
	cancel    context.CancelFunc

	mu       sync.Mutex
	pending  []webrtc.ICECandidateInit
	onState  func(ConnState)
	onAudio  func([]byte)
	closed   bool
	closeErr error
}

// New prepares a PeerConnection with codecs/interceptors and an audio sender
// track, and starts the pacer that drains the frame queue onto it.
func (f *Factory) New(sessionID string) (*Transport, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: toWebRTCServers(f.iceServers)})
	if err != nil {
		return nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audio.OutputSampleRate, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, err
	}
	enc, err := opus.NewEncoder(audio.OutputSampleRate, 1, opus.AppVoIP)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("opus encoder: %w", err)
	}

	log := f.log.With("session_id", sessionID)
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		sessionID: sessionID,
		pc:        pc,
		queue:     audio.NewFrameQueue(f.queueDepth),
		log:       log,
		cancel:    cancel,
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info("peer connection state", "state", s.String())
		t.mu.Lock()
		cb := t.onState
		t.mu.Unlock()
		if cb != nil {
			cb(connStateFrom(s))
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug("ice state", "state", s.String())
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Info("remote audio track received", "codec", remote.Codec().MimeType)
		go t.readRemote(ctx, remote)
	})

	go newPacer(t.queue, outTrack, enc, log).Run(ctx)
	return t, nil
}

// OnStateChange registers the connection state callback.
func (t *Transport) OnStateChange(fn func(ConnState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

// OnAudio registers the callback receiving decoded 16kHz PCM from the peer.
func (t *Transport) OnAudio(fn func([]byte)) {
	t.mu.Lock()
	t.onAudio = fn
	t.mu.Unlock()
}

// CreateAnswer applies the remote offer and returns the local answer once ICE
// gathering has completed.
func (t *Transport) CreateAnswer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, fmt.Errorf("%w: type=%q", ErrInvalidOffer, offer.Type)
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if _, err := remote.Unmarshal(); err != nil {
		return SessionDescription{}, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	if err := t.pc.SetRemoteDescription(remote); err != nil {
		return SessionDescription{}, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	t.applyPending()

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return SessionDescription{}, ctx.Err()
	}
	local := t.pc.LocalDescription()
	if local == nil {
		return SessionDescription{}, fmt.Errorf("rtc: no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// AddICECandidate applies a remote candidate. Candidates that arrive before the
// remote description are held and applied once it is set.
func (t *Transport) AddICECandidate(c Candidate) error {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex}
	if t.pc.RemoteDescription() == nil {
		t.mu.Lock()
		t.pending = append(t.pending, init)
		t.mu.Unlock()
		t.log.Warn("ice candidate before remote description, holding")
		return nil
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		t.log.Warn("add ice candidate failed", "error", err)
		return nil
	}
	return nil
}

func (t *Transport) applyPending() {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.log.Warn("add held ice candidate failed", "error", err)
		}
	}
}

// PushFrame enqueues one 20ms PCM frame for the pacer, blocking while the
// queue is full.
func (t *Transport) PushFrame(ctx context.Context, frame []byte) error {
	return t.queue.Push(ctx, frame)
}

// ClearFrames drops every frame not yet sent.
func (t *Transport) ClearFrames() int { return t.queue.Clear() }

// QueuedFrames reports the outbound queue depth.
func (t *Transport) QueuedFrames() int { return t.queue.Len() }

// Close stops the pacer and tears down the peer connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return t.closeErr
	}
	t.closed = true
	t.onState = nil
	t.onAudio = nil
	t.mu.Unlock()

	t.cancel()
	t.queue.Close()
	err := t.pc.Close()
	t.mu.Lock()
	t.closeErr = err
	t.mu.Unlock()
	return err
}

func (t *Transport) readRemote(ctx context.Context, remote *webrtc.TrackRemote) {
	if remote.Codec().MimeType != webrtc.MimeTypeOpus {
		t.log.Warn("unsupported remote codec", "codec", remote.Codec().MimeType)
		return
	}
	dec, err := opus.NewDecoder(InboundSampleRate, 1)
	if err != nil {
		t.log.Error("opus decoder", "error", err)
		return
	}
	samples := make([]int16, 1920)
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			t.log.Debug("rtp read ended", "error", err)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			continue
		}
		t.mu.Lock()
		cb := t.onAudio
		t.mu.Unlock()
		if cb != nil && n > 0 {
			cb(audio.Bytes(samples[:n]))
		}
	}
}

// InboundSampleRate is the rate remote audio is decoded to.
const InboundSampleRate = 16000
