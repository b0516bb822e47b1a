// Package mock provides test doubles for the stt package interfaces.
//
// Use Dialer to verify the token a session dials with and to inject dial
// failures. Use Conn to feed controlled events and inspect which audio chunks
// were delivered.
//
// Example:
//
//	conn := mock.NewConn(16)
//	d := &mock.Dialer{Conn: conn}
//	c, _ := d.Dial(ctx, "ek_123")
//	conn.Emit(stt.TranscriptDelta{Delta: "hi"})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/ShinnosukeUesaka/house-agent/pkg/provider/stt"
)

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	// Ctx is the context passed to Dial.
	Ctx context.Context
	// Token is the bearer token passed to Dial.
	Token string
}

// Dialer is a mock implementation of stt.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Conn is returned by Dial. If nil, Dial returns a fresh Conn.
	Conn stt.Conn

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// DialFunc, if set, takes precedence over Conn and DialErr.
	DialFunc func(ctx context.Context, token string) (stt.Conn, error)

	// DialCalls records every call to Dial.
	DialCalls []DialCall
}

// Dial records the call and returns Conn, DialErr.
func (d *Dialer) Dial(ctx context.Context, token string) (stt.Conn, error) {
	d.mu.Lock()
	d.DialCalls = append(d.DialCalls, DialCall{Ctx: ctx, Token: token})
	fn, conn, err := d.DialFunc, d.Conn, d.DialErr
	d.mu.Unlock()

	if fn != nil {
		return fn(ctx, token)
	}
	if err != nil {
		return nil, err
	}
	if conn != nil {
		return conn, nil
	}
	return NewConn(16), nil
}

// DialCallCount returns the number of Dial calls. Thread-safe.
func (d *Dialer) DialCallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DialCalls)
}

// Ensure Dialer implements stt.Dialer at compile time.
var _ stt.Dialer = (*Dialer)(nil)

// Conn is a mock implementation of stt.Conn. Events pushed with Emit are
// delivered on Events; Close (or Hangup) closes the event channel once.
type Conn struct {
	mu     sync.Mutex
	events chan stt.Event
	closed bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by the first Close.
	CloseErr error

	// OnSend, if set, is called after each recorded SendAudio.
	OnSend func(pcm []int16)

	// --- Call records ---

	// Sent records a copy of every chunk passed to SendAudio in order.
	Sent [][]int16

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewConn returns a Conn whose event channel holds buffer events.
func NewConn(buffer int) *Conn {
	return &Conn{events: make(chan stt.Event, buffer)}
}

// SendAudio records the chunk and returns SendAudioErr, or stt.ErrClosed
// after Close.
func (c *Conn) SendAudio(_ context.Context, pcm []int16) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return stt.ErrClosed
	}
	if c.SendAudioErr != nil {
		err := c.SendAudioErr
		c.mu.Unlock()
		return err
	}
	c.Sent = append(c.Sent, slices.Clone(pcm))
	hook := c.OnSend
	c.mu.Unlock()
	if hook != nil {
		hook(pcm)
	}
	return nil
}

// Events returns the event channel.
func (c *Conn) Events() <-chan stt.Event { return c.events }

// Emit queues ev for delivery. It reports false if the connection is closed.
func (c *Conn) Emit(ev stt.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events <- ev
	return true
}

// Hangup simulates the server ending the transport.
func (c *Conn) Hangup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

// Close records the call and closes the event channel.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCallCount++
	first := !c.closed
	c.closeLocked()
	if first {
		return c.CloseErr
	}
	return nil
}

func (c *Conn) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

// SentChunks returns a copy of the recorded chunks. Thread-safe.
func (c *Conn) SentChunks() [][]int16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.Sent)
}

// Closes returns CloseCallCount. Thread-safe.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCallCount
}

// Ensure Conn implements stt.Conn at compile time.
var _ stt.Conn = (*Conn)(nil)
