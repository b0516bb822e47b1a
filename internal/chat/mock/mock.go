// Package mock provides a test double for [chat.Dispatcher].
package mock

import (
	"context"
	"sync"

	"github.com/ShinnosukeUesaka/house-agent/internal/chat"
)

// Ensure Dispatcher implements chat.Dispatcher at compile time.
var _ chat.Dispatcher = (*Dispatcher)(nil)

// SendCall records a single Send invocation.
type SendCall struct {
	Ctx     context.Context
	Content string
}

// Dispatcher records sent messages.
type Dispatcher struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by Send.
	SendErr error

	// Notify, if non-nil, receives every sent content (non-blocking).
	Notify chan string

	// SendCalls records every Send in order.
	SendCalls []SendCall
}

// Send implements [chat.Dispatcher].
func (d *Dispatcher) Send(ctx context.Context, content string) error {
	d.mu.Lock()
	d.SendCalls = append(d.SendCalls, SendCall{Ctx: ctx, Content: content})
	err := d.SendErr
	notify := d.Notify
	d.mu.Unlock()
	if notify != nil {
		select {
		case notify <- content:
		default:
		}
	}
	return err
}

// Contents returns the content of every Send call.
func (d *Dispatcher) Contents() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.SendCalls))
	for i, c := range d.SendCalls {
		out[i] = c.Content
	}
	return out
}

// ResetCalls clears all recorded calls.
func (d *Dispatcher) ResetCalls() {
	d.mu.Lock()
	d.SendCalls = nil
	d.mu.Unlock()
}
