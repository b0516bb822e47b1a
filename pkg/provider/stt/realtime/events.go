package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/ShinnosukeUesaka/house-agent/pkg/provider/stt"
)

// Wire event types of the Realtime transcription intent.
const (
	typeAppend              = "input_audio_buffer.append"
	typeTranscriptDelta     = "conversation.item.input_audio_transcription.delta"
	typeTranscriptCompleted = "conversation.item.input_audio_transcription.completed"
	typeSpeechStarted       = "input_audio_buffer.speech_started"
	typeSpeechStopped       = "input_audio_buffer.speech_stopped"
	typeCommitted           = "input_audio_buffer.committed"
	typeSessionCreated      = "transcription_session.created"
	typeSessionUpdated      = "transcription_session.updated"
	typeError               = "error"
)

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object in an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id,omitempty"`

	// ...input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// ...input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// input_audio_buffer.speech_started / speech_stopped
	AudioStartMs int `json:"audio_start_ms,omitempty"`
	AudioEndMs   int `json:"audio_end_ms,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// ParseEvent decodes one server message into a typed event. Messages with a
// type the client does not interpret become [stt.Unknown]. Only malformed
// JSON or a missing type is an error.
func ParseEvent(data []byte) (stt.Event, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("realtime: decode event: %w", err)
	}
	if evt.Type == "" {
		return nil, fmt.Errorf("realtime: event without type")
	}

	switch evt.Type {
	case typeTranscriptDelta:
		return stt.TranscriptDelta{ItemID: evt.ItemID, Delta: evt.Delta}, nil
	case typeTranscriptCompleted:
		return stt.TranscriptCompleted{ItemID: evt.ItemID, Transcript: evt.Transcript}, nil
	case typeSpeechStarted:
		return stt.SpeechStarted{AudioStartMs: evt.AudioStartMs}, nil
	case typeSpeechStopped:
		return stt.SpeechStopped{AudioEndMs: evt.AudioEndMs}, nil
	case typeCommitted:
		return stt.BufferCommitted{ItemID: evt.ItemID}, nil
	case typeSessionCreated, typeSessionUpdated:
		return stt.SessionUpdated{Type: evt.Type}, nil
	case typeError:
		se := stt.ServerError{Message: "unknown error"}
		if evt.Error != nil {
			se = stt.ServerError{Type: evt.Error.Type, Code: evt.Error.Code, Message: evt.Error.Message}
		}
		return se, nil
	default:
		return stt.Unknown{Type: evt.Type}, nil
	}
}
