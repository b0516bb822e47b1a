// Package stt defines the streaming transcription transport used by voice
// sessions.
//
// A [Dialer] opens a [Conn] to a hosted realtime transcription service using
// a short-lived bearer token. Once open, the connection accepts 16-bit PCM
// chunks and emits a stream of typed [Event] values (partial deltas,
// completed transcripts, voice-activity notices and server errors).
//
// Implementations live in sub-packages (stt/realtime for the OpenAI Realtime
// transcription intent) and stt/mock for tests.
package stt

import (
	"context"
	"errors"
)

// ErrClosed is returned by [Conn.SendAudio] once the connection has closed.
var ErrClosed = errors.New("stt: connection closed")

// Conn is an open transcription connection.
//
// SendAudio may be called from one writer goroutine while another goroutine
// drains Events. Close may be called from any goroutine.
type Conn interface {
	// SendAudio delivers one chunk of little-endian PCM16 mono audio at the
	// rate the service was configured for. It blocks until the chunk is
	// written or ctx is done.
	SendAudio(ctx context.Context, pcm []int16) error

	// Events returns the inbound event stream. The channel is closed when
	// the transport ends for any reason, including Close.
	Events() <-chan Event

	// Close terminates the connection and releases its resources. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Dialer opens transcription connections.
//
// Implementations must be safe for concurrent use.
type Dialer interface {
	// Dial connects using token as the bearer credential. ctx bounds the
	// handshake only; the returned Conn lives until Close or until the
	// server ends it.
	Dial(ctx context.Context, token string) (Conn, error)
}
