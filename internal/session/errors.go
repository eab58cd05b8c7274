package session

import (
	"errors"
	"fmt"
)

// Error codes carried in the error_type field of error events.
const (
	CodeInvalidOffer   = "invalid_offer"
	CodeWebrtcNotReady = "webrtc_not_ready"
	CodeTranscription  = "transcription_error"
	CodeAgent          = "agent_error"
	CodeSynthesis      = "synthesis_error"
	CodeTranscode      = "transcode_error"
	CodeSessionClosed  = "session_closed"
	CodeInvalidState   = "invalid_state"
	CodeInvalidMessage = "invalid_message"
	CodeInternal       = "internal_error"
)

// Coded is implemented by every error that maps to a client-visible code.
type Coded interface {
	error
	Code() string
}

// CodeOf returns the taxonomy code for err, or CodeInternal.
func CodeOf(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeInternal
}

// InvalidOfferError reports a session description that could not be parsed or applied.
type InvalidOfferError struct{ Cause error }

func (e *InvalidOfferError) Error() string {
	if e.Cause == nil {
		return "invalid offer"
	}
	return fmt.Sprintf("invalid offer: %v", e.Cause)
}
func (e *InvalidOfferError) Unwrap() error { return e.Cause }
func (e *InvalidOfferError) Code() string  { return CodeInvalidOffer }

// WebrtcNotReadyError reports reply streaming before the media transport is established.
type WebrtcNotReadyError struct{ State State }

func (e *WebrtcNotReadyError) Error() string {
	return fmt.Sprintf("webrtc not ready (state=%s)", e.State)
}
func (e *WebrtcNotReadyError) Code() string { return CodeWebrtcNotReady }

// TranscriptionError wraps a transcription collaborator failure.
type TranscriptionError struct{ Cause error }

func (e *TranscriptionError) Error() string { return fmt.Sprintf("transcription failed: %v", e.Cause) }
func (e *TranscriptionError) Unwrap() error { return e.Cause }
func (e *TranscriptionError) Code() string  { return CodeTranscription }

// AgentError wraps an agent collaborator failure.
type AgentError struct{ Cause error }

func (e *AgentError) Error() string { return fmt.Sprintf("agent failed: %v", e.Cause) }
func (e *AgentError) Unwrap() error { return e.Cause }
func (e *AgentError) Code() string  { return CodeAgent }

// SynthesisError wraps a synthesis collaborator failure during a streaming run.
type SynthesisError struct {
	Provider string
	Cause    error
}

func (e *SynthesisError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("synthesis failed (%s): %v", e.Provider, e.Cause)
	}
	return fmt.Sprintf("synthesis failed: %v", e.Cause)
}
func (e *SynthesisError) Unwrap() error { return e.Cause }
func (e *SynthesisError) Code() string  { return CodeSynthesis }

// TranscodeError wraps a transcoder failure during a streaming run.
type TranscodeError struct {
	Stderr string
	Cause  error
}

func (e *TranscodeError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("transcode failed: %v: %s", e.Cause, e.Stderr)
	}
	return fmt.Sprintf("transcode failed: %v", e.Cause)
}
func (e *TranscodeError) Unwrap() error { return e.Cause }
func (e *TranscodeError) Code() string  { return CodeTranscode }

// SessionClosedError is returned by every operation on a closed session.
type SessionClosedError struct{ ID string }

func (e *SessionClosedError) Error() string { return fmt.Sprintf("session %s is closed", e.ID) }
func (e *SessionClosedError) Code() string  { return CodeSessionClosed }

// InvalidStateError reports an event that is not legal in the current state.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}
func (e *InvalidStateError) Code() string { return CodeInvalidState }

// InvalidMessageError reports a control message that could not be decoded.
type InvalidMessageError struct {
	Event string
	Cause error
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid %q message: %v", e.Event, e.Cause)
}
func (e *InvalidMessageError) Unwrap() error { return e.Cause }
func (e *InvalidMessageError) Code() string  { return CodeInvalidMessage }
