// Package voice runs the hands-free assistant: it turns wake word detections
// into transcription sessions and hands final transcripts to the chat
// backend.
//
// A [Session] streams one utterance (pre-roll history followed by live
// microphone audio) to the hosted transcription service and drives a small
// state machine until a final transcript arrives, the service fails, or the
// deadline passes. The [Orchestrator] owns the user-facing [State], admits at
// most one session at a time and dispatches results.
package voice

import "fmt"

// State is the assistant state shown to the user.
type State int

const (
	// StateIdle means keyword spotting is not running.
	StateIdle State = iota

	// StateListening means the detector is monitoring for the wake word.
	StateListening

	// StateConnecting means a session is acquiring a token and dialling.
	StateConnecting

	// StateTranscribing means audio is streaming to the service.
	StateTranscribing
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateTranscribing:
		return "transcribing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// SessionState is a transcription session's lifecycle position.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionConnecting
	SessionStreaming
	SessionFinalizing
	SessionErroring
	SessionTimingOut
	SessionClosed
)

// String returns the lower-case session state name.
func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionConnecting:
		return "connecting"
	case SessionStreaming:
		return "streaming"
	case SessionFinalizing:
		return "finalizing"
	case SessionErroring:
		return "erroring"
	case SessionTimingOut:
		return "timing-out"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("session_state(%d)", int(s))
	}
}

// Outcome is how a session ended.
type Outcome string

const (
	// OutcomeNone means the session has not ended yet.
	OutcomeNone Outcome = ""

	// OutcomeFinalized means a non-empty final transcript was delivered.
	OutcomeFinalized Outcome = "finalized"

	// OutcomeErrored means the service reported an error.
	OutcomeErrored Outcome = "errored"

	// OutcomeTimedOut means the deadline passed without a final transcript.
	OutcomeTimedOut Outcome = "timed_out"

	// OutcomeTransportClosed means the connection ended or a send failed.
	OutcomeTransportClosed Outcome = "transport_closed"

	// OutcomeCancelled means the caller's context was cancelled.
	OutcomeCancelled Outcome = "cancelled"

	// OutcomeTokenFailed means no token could be acquired.
	OutcomeTokenFailed Outcome = "token_failed"

	// OutcomeDialFailed means the connection could not be opened.
	OutcomeDialFailed Outcome = "dial_failed"
)
