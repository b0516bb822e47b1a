package stt

// Event is one inbound message from the transcription service. It is a
// closed set; switch on the concrete type:
//
//	switch ev := ev.(type) {
//	case stt.TranscriptDelta:
//	case stt.TranscriptCompleted:
//	...
//	}
type Event interface {
	// Kind returns the wire event type, used for logging.
	Kind() string

	isEvent()
}

// TranscriptDelta is an incremental piece of the transcript for one
// committed audio item.
type TranscriptDelta struct {
	ItemID string
	Delta  string
}

// TranscriptCompleted carries the full transcript for one audio item.
// Transcript may be empty when the service heard nothing intelligible.
type TranscriptCompleted struct {
	ItemID     string
	Transcript string
}

// SpeechStarted reports server-side voice activity onset.
type SpeechStarted struct {
	AudioStartMs int
}

// SpeechStopped reports server-side voice activity end.
type SpeechStopped struct {
	AudioEndMs int
}

// BufferCommitted reports that the input buffer was committed as an item.
type BufferCommitted struct {
	ItemID string
}

// SessionUpdated acknowledges session creation or a configuration change.
type SessionUpdated struct {
	Type string
}

// ServerError is an error reported by the service. It ends the session.
type ServerError struct {
	Type    string
	Code    string
	Message string
}

// Error implements error so a ServerError can be wrapped and logged.
func (e ServerError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return e.Code + ": " + e.Message
	case e.Message != "":
		return e.Message
	case e.Code != "":
		return e.Code
	default:
		return "unknown server error"
	}
}

// Unknown is any event type the client does not interpret.
type Unknown struct {
	Type string
}

func (TranscriptDelta) Kind() string     { return "transcript.delta" }
func (TranscriptCompleted) Kind() string { return "transcript.completed" }
func (SpeechStarted) Kind() string       { return "speech.started" }
func (SpeechStopped) Kind() string       { return "speech.stopped" }
func (BufferCommitted) Kind() string     { return "buffer.committed" }
func (e SessionUpdated) Kind() string    { return e.Type }
func (ServerError) Kind() string         { return "error" }
func (e Unknown) Kind() string           { return e.Type }

func (TranscriptDelta) isEvent()     {}
func (TranscriptCompleted) isEvent() {}
func (SpeechStarted) isEvent()       {}
func (SpeechStopped) isEvent()       {}
func (BufferCommitted) isEvent()     {}
func (SessionUpdated) isEvent()      {}
func (ServerError) isEvent()         {}
func (Unknown) isEvent()             {}
