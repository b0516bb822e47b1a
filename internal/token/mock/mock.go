// Package mock provides a test double for [token.Source].
package mock

import (
	"context"
	"sync"

	"github.com/ShinnosukeUesaka/house-agent/internal/token"
)

// Ensure Source implements token.Source at compile time.
var _ token.Source = (*Source)(nil)

// Source is a scripted [token.Source].
//
// Tokens are handed out in order; once exhausted the last one repeats. When
// FetchFunc is set it takes precedence.
type Source struct {
	mu sync.Mutex

	// Tokens is the scripted sequence of fetch results.
	Tokens []token.Token

	// Err is returned by Fetch when non-nil.
	Err error

	// FetchFunc, if set, replaces the scripted behaviour.
	FetchFunc func(ctx context.Context) (token.Token, error)

	// CallCountFetch records how many times Fetch was called.
	CallCountFetch int
}

// Fetch implements [token.Source].
func (s *Source) Fetch(ctx context.Context) (token.Token, error) {
	s.mu.Lock()
	s.CallCountFetch++
	fn := s.FetchFunc
	n := s.CallCountFetch
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return token.Token{}, s.Err
	}
	if len(s.Tokens) == 0 {
		return token.Token{}, nil
	}
	i := min(n-1, len(s.Tokens)-1)
	return s.Tokens[i], nil
}

// Calls returns CallCountFetch under the lock.
func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountFetch
}

// SetErr replaces Err under the lock.
func (s *Source) SetErr(err error) {
	s.mu.Lock()
	s.Err = err
	s.mu.Unlock()
}
