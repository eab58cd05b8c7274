package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/LaurionAI/voice-agent-backend-server-example/internal/rtc"
)

// Control-channel event names.
const (
	EventAudioChunk         = "audio_chunk"
	EventWebRTCOffer        = "webrtc_offer"
	EventWebRTCICECandidate = "webrtc_ice_candidate"
	EventInterrupt          = "interrupt"
	EventHeartbeat          = "heartbeat"

	EventConnected         = "connected"
	EventTranscript        = "transcript"
	EventAgentResponse     = "agent_response"
	EventWebRTCAnswer      = "webrtc_answer"
	EventVoiceInterrupted  = "voice_interrupted"
	EventStreamingComplete = "streaming_complete"
	EventError             = "error"
	EventNoSpeechDetected  = "no_speech_detected"
	EventHeartbeatAck      = "heartbeat_ack"
)

// Message is an inbound control-channel envelope.
type Message struct {
	Event     string          `json:"event"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound control-channel envelope.
type Event struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id,omitempty"`
	Data      any    `json:"data"`
}

// Sender delivers outbound events to the client. Implementations must be safe
// for concurrent use.
type Sender interface {
	Send(ev Event) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ev Event) error

func (f SenderFunc) Send(ev Event) error { return f(ev) }

type connectedData struct {
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id,omitempty"`
	ICEServers []rtc.ICEServer `json:"ice_servers"`
}

type textData struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

type interruptedData struct {
	Reason    string `json:"reason,omitempty"`
	SessionID string `json:"session_id"`
}

type sessionData struct {
	SessionID string `json:"session_id"`
}

type messageData struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// SessionIDOf returns the session id carried top-level or inside data.
func (m Message) SessionIDOf() string {
	if m.SessionID != "" {
		return m.SessionID
	}
	var d struct {
		SessionID string `json:"session_id"`
	}
	if len(m.Data) > 0 && json.Unmarshal(m.Data, &d) == nil {
		return d.SessionID
	}
	return ""
}

func decodeAudioChunk(raw json.RawMessage) ([]byte, error) {
	var d struct {
		Audio string `json:"audio"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if d.Audio == "" {
		return nil, errors.New("missing audio")
	}
	return base64.StdEncoding.DecodeString(d.Audio)
}

// decodeOffer accepts {sdp,type} or {offer:{sdp,type}}.
func decodeOffer(raw json.RawMessage) (rtc.SessionDescription, error) {
	var d struct {
		rtc.SessionDescription
		Offer *rtc.SessionDescription `json:"offer"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return rtc.SessionDescription{}, err
	}
	desc := d.SessionDescription
	if d.Offer != nil {
		desc = *d.Offer
	}
	if desc.Type == "" {
		desc.Type = "offer"
	}
	return desc, nil
}

// decodeCandidate accepts the flat RTCIceCandidateInit shape or one nested
// under "candidate".
func decodeCandidate(raw json.RawMessage) (rtc.Candidate, error) {
	var d struct {
		Candidate     json.RawMessage `json:"candidate"`
		SDPMid        *string         `json:"sdpMid"`
		SDPMLineIndex *uint16         `json:"sdpMLineIndex"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return rtc.Candidate{}, err
	}
	if len(d.Candidate) == 0 {
		return rtc.Candidate{}, errors.New("missing candidate")
	}
	var s string
	if err := json.Unmarshal(d.Candidate, &s); err == nil {
		return rtc.Candidate{Candidate: s, SDPMid: d.SDPMid, SDPMLineIndex: d.SDPMLineIndex}, nil
	}
	var nested rtc.Candidate
	if err := json.Unmarshal(d.Candidate, &nested); err != nil {
		return rtc.Candidate{}, err
	}
	return nested, nil
}

func decodeReason(raw json.RawMessage) string {
	var d struct {
		Reason string `json:"reason"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &d)
	}
	return d.Reason
}
