package capture

import (
	"sync"
	"sync/atomic"

	"github.com/ShinnosukeUesaka/house-agent/pkg/audio"
)

// Tap selects which frames a [Subscription] receives.
type Tap int

const (
	// TapAll receives every pushed frame regardless of forwarding. The
	// wake-word adapter listens here.
	TapAll Tap = iota

	// TapLive receives frames only while forwarding is enabled. Transcription
	// sessions listen here.
	TapLive
)

// String returns the tap name used in logs and metric attributes.
func (t Tap) String() string {
	switch t {
	case TapAll:
		return "all"
	case TapLive:
		return "live"
	default:
		return "unknown"
	}
}

// Subscription is one listener registered with an [Engine]. Frames are
// delivered with a non-blocking send; when the buffer is full the frame is
// dropped for this subscriber and counted.
//
// The data channel is never closed. Consumers select on [Subscription.Done]
// to learn that the subscription was removed.
type Subscription struct {
	tap     Tap
	ch      chan audio.Frame
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func newSubscription(tap Tap, buffer int) *Subscription {
	return &Subscription{
		tap:  tap,
		ch:   make(chan audio.Frame, max(buffer, 0)),
		done: make(chan struct{}),
	}
}

// C returns the frame channel. Frames share a sample slice across
// subscribers and must be treated as read-only.
func (s *Subscription) C() <-chan audio.Frame { return s.ch }

// Done is closed once the subscription has been removed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped returns the number of frames discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Tap returns the tap the subscription listens on.
func (s *Subscription) Tap() Tap { return s.tap }

func (s *Subscription) deliver(f audio.Frame) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.ch <- f:
	default:
		s.dropped.Add(1)
	}
}

func (s *Subscription) cancel() {
	s.once.Do(func() { close(s.done) })
}
