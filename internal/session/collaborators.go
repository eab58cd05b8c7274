package session

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/LaurionAI/voice-agent-backend-server-example/internal/audio"
	"github.com/LaurionAI/voice-agent-backend-server-example/internal/rtc"
)

// Transcriber turns a validated clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, clip []byte) (string, error)
}

// Decoder turns a compressed inbound clip into s16le mono PCM at sampleRate.
type Decoder interface {
	Decode(ctx context.Context, data []byte, format audio.Format, sampleRate int) ([]byte, error)
}

// Agent produces a reply for a transcript within a session's conversation.
type Agent interface {
	Respond(ctx context.Context, sessionID, text string) (string, error)
}

// Forgetter is implemented by agents that keep per-session context.
type Forgetter interface {
	Forget(sessionID string)
}

// Streamer turns reply text into 20ms PCM frames handed to push in order.
// It returns nil only when every frame was pushed.
type Streamer interface {
	Stream(ctx context.Context, text string, push func(context.Context, []byte) error) error
}

// Transport is the media side of a session.
type Transport interface {
	CreateAnswer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error)
	AddICECandidate(c rtc.Candidate) error
	PushFrame(ctx context.Context, frame []byte) error
	ClearFrames() int
	OnStateChange(fn func(rtc.ConnState))
	OnAudio(fn func([]byte))
	Close() error
}

// Collaborator names reported by the health surface.
const (
	ComponentTTS        = "tts"
	ComponentASR        = "asr"
	ComponentAgent      = "agent"
	ComponentWebRTC     = "webrtc"
	ComponentTranscoder = "transcoder"
)

// ErrUnavailable is wrapped when a collaborator's availability flag is down.
var ErrUnavailable = errors.New("collaborator unavailable")

// Availability holds a settable readiness flag per collaborator.
type Availability struct {
	flags map[string]*atomic.Bool
}

// NewAvailability returns flags for every known collaborator, all ready.
func NewAvailability() *Availability {
	a := &Availability{flags: make(map[string]*atomic.Bool)}
	for _, name := range []string{ComponentTTS, ComponentASR, ComponentAgent, ComponentWebRTC, ComponentTranscoder} {
		f := &atomic.Bool{}
		f.Store(true)
		a.flags[name] = f
	}
	return a
}

// Set updates a flag. Unknown names are ignored.
func (a *Availability) Set(name string, ready bool) {
	if f, ok := a.flags[name]; ok {
		f.Store(ready)
	}
}

// Ready reports a flag; unknown names are not ready.
func (a *Availability) Ready(name string) bool {
	f, ok := a.flags[name]
	return ok && f.Load()
}

// Snapshot copies every flag.
func (a *Availability) Snapshot() map[string]bool {
	out := make(map[string]bool, len(a.flags))
	for k, f := range a.flags {
		out[k] = f.Load()
	}
	return out
}
