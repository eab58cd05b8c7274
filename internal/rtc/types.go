package rtc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/pion/webrtc/v3"
)

// ErrInvalidOffer wraps every failure to parse or apply a remote offer.
var ErrInvalidOffer = errors.New("rtc: invalid offer")

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a trickled remote ICE candidate.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// ICEServer is exposed to clients in the connected event.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ConnState mirrors the peer connection state.
type ConnState int

const (
	StateNew ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "new"
	}
}

func connStateFrom(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// DefaultICEServers are used when no ICE configuration is provided.
func DefaultICEServers() []ICEServer {
	return []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}
}

// ParseICEServers decodes a JSON array of ICE servers. Both "urls" as a string
// and as a list are accepted. Empty or malformed input yields the defaults.
func ParseICEServers(raw string) []ICEServer {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultICEServers()
	}
	var items []struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		slog.Warn("ice servers json invalid, using defaults", "error", err)
		return DefaultICEServers()
	}
	out := make([]ICEServer, 0, len(items))
	for _, it := range items {
		var urls []string
		var one string
		if err := json.Unmarshal(it.URLs, &one); err == nil && one != "" {
			urls = []string{one}
		} else if err := json.Unmarshal(it.URLs, &urls); err != nil {
			continue
		}
		if len(urls) == 0 {
			continue
		}
		out = append(out, ICEServer{URLs: urls, Username: it.Username, Credential: it.Credential})
	}
	if len(out) == 0 {
		return DefaultICEServers()
	}
	return out
}

func toWebRTCServers(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		ws := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			ws.Credential = s.Credential
			ws.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, ws)
	}
	return out
}
