// Package token acquires short-lived client secrets for the hosted
// transcription service.
//
// [HTTPSource] fetches a secret from the dashboard backend. [Provider] keeps
// at most one secret cached so that a wake word can open a transcription
// connection without paying a token round trip first. A cached secret is
// single-use: handing it out clears the cache and starts a background
// prefetch for the next session.
package token

import (
	"context"
	"time"
)

// Token is an ephemeral credential for one transcription connection.
type Token struct {
	// Value is the opaque bearer secret.
	Value string

	// ExpiresAt is when the service stops accepting Value.
	ExpiresAt time.Time
}

// ValidAt reports whether t is usable at now with at least margin to spare.
func (t Token) ValidAt(now time.Time, margin time.Duration) bool {
	return t.Value != "" && t.ExpiresAt.Sub(now) > margin
}

// Source fetches fresh tokens. Implementations must be safe for concurrent use.
type Source interface {
	Fetch(ctx context.Context) (Token, error)
}
