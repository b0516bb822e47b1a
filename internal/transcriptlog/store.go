// Package transcriptlog records the outcome of every transcription session:
// when it ran, which wake word started it, how it ended and the final text.
//
// [MemStore] keeps a bounded in-process history and is the default. The
// postgres sub-package persists entries for later analysis.
package transcriptlog

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidEntry is returned by [Store.Record] for entries without an ID.
var ErrInvalidEntry = errors.New("transcriptlog: entry has no session id")

// Entry is one finished transcription session.
type Entry struct {
	// SessionID uniquely identifies the session.
	SessionID string `json:"session_id"`

	// Keyword is the wake word label that started the session.
	Keyword string `json:"keyword,omitempty"`

	// StartedAt is when the detection was handed to the session.
	StartedAt time.Time `json:"started_at"`

	// EndedAt is when the session reached its closed state.
	EndedAt time.Time `json:"ended_at"`

	// Outcome is the terminal outcome (finalized, timed_out, errored, ...).
	Outcome string `json:"outcome"`

	// Text is the dispatched transcript. Empty unless Outcome is finalized.
	Text string `json:"text,omitempty"`

	// RawText is the transcript as received, before wake word stripping.
	RawText string `json:"raw_text,omitempty"`

	// Error describes the failure for errored, token and dial outcomes.
	Error string `json:"error,omitempty"`
}

// Duration returns EndedAt minus StartedAt.
func (e Entry) Duration() time.Duration { return e.EndedAt.Sub(e.StartedAt) }

// Store persists session entries. Implementations must be safe for
// concurrent use.
type Store interface {
	// Record appends e.
	Record(ctx context.Context, e Entry) error

	// Recent returns up to limit entries, newest first. limit <= 0 means
	// no limit.
	Recent(ctx context.Context, limit int) ([]Entry, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
