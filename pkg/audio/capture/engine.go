// Package capture implements the always-on capture engine: a ring buffer that
// retains the last few seconds of microphone audio plus a multi-subscriber
// dispatcher for live frames.
//
// The producer side ([Engine.Push]) never blocks. Ring writes take a mutex
// whose critical section is a bounded memory copy; subscriber dispatch reads
// an atomically swapped copy-on-write slice and uses non-blocking sends.
//
// Two taps exist. [TapAll] subscribers see every frame (keyword spotting).
// [TapLive] subscribers see frames only while forwarding is on (streaming to
// the transcription service). While forwarding is on every frame is both
// recorded and forwarded; while off it is only recorded.
package capture

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShinnosukeUesaka/house-agent/pkg/audio"
)

// Forwarder is the narrow handle given to detection callbacks so they can
// open a live stream without owning the engine.
type Forwarder interface {
	// SetForwarding enables or disables delivery to TapLive subscribers.
	SetForwarding(on bool)

	// Subscribe registers a listener on tap with the given channel buffer.
	Subscribe(tap Tap, buffer int) *Subscription

	// Unsubscribe removes sub. Unknown or already removed subscriptions are
	// ignored.
	Unsubscribe(sub *Subscription)
}

// Compile-time interface assertion.
var _ Forwarder = (*Engine)(nil)

// Stats is a point-in-time view of engine activity.
type Stats struct {
	// Frames is the number of Push calls with at least one sample.
	Frames uint64

	// Samples is the total number of samples pushed.
	Samples uint64

	// LastPush is the time of the most recent Push, zero if none.
	LastPush time.Time

	// Retained is the number of samples currently held in the ring.
	Retained int

	// Capacity is the ring capacity in samples.
	Capacity int

	// Subscribers is the number of registered subscriptions.
	Subscribers int

	// Forwarding reports whether TapLive delivery is enabled.
	Forwarding bool
}

// Option configures an [Engine].
type Option func(*Engine)

// WithClock overrides the clock used to stamp frames. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine owns the capture ring and dispatches frames to subscribers.
//
// All exported methods are safe for concurrent use. Push is intended to be
// called from a single producer (the device callback).
type Engine struct {
	sampleRate int
	now        func() time.Time

	mu   sync.Mutex // guards ring
	ring *Ring

	subMu sync.Mutex // serialises writers of subs
	subs  atomic.Pointer[[]*Subscription]

	forwarding atomic.Bool
	frames     atomic.Uint64
	samples    atomic.Uint64
	lastPush   atomic.Int64 // unix nanoseconds
}

// New creates an Engine for mono audio at sampleRate retaining history worth
// of samples (3 s at 48 kHz is 144000 samples).
func New(sampleRate int, history time.Duration, opts ...Option) (*Engine, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("capture: invalid sample rate %d", sampleRate)
	}
	capacity := audio.SamplesFor(history, sampleRate)
	if capacity <= 0 {
		return nil, errors.New("capture: history must hold at least one sample")
	}
	e := &Engine{
		sampleRate: sampleRate,
		now:        time.Now,
		ring:       NewRing(capacity),
	}
	empty := []*Subscription{}
	e.subs.Store(&empty)
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// SampleRate returns the capture sample rate in Hz.
func (e *Engine) SampleRate() int { return e.sampleRate }

// Push records samples in the ring and dispatches a copy to subscribers. It
// never blocks on subscribers. samples may be reused by the caller after Push
// returns.
func (e *Engine) Push(samples []float32) {
	if len(samples) == 0 {
		return
	}
	now := e.now()

	e.mu.Lock()
	e.ring.Write(samples)
	e.mu.Unlock()

	e.frames.Add(1)
	e.samples.Add(uint64(len(samples)))
	e.lastPush.Store(now.UnixNano())

	subs := *e.subs.Load()
	if len(subs) == 0 {
		return
	}
	fwd := e.forwarding.Load()

	var frame audio.Frame
	for _, s := range subs {
		if s.tap == TapLive && !fwd {
			continue
		}
		if frame.Samples == nil {
			frame = audio.Frame{
				Samples:    slices.Clone(samples),
				SampleRate: e.sampleRate,
				Captured:   now,
			}
		}
		s.deliver(frame)
	}
}

// Snapshot returns a fresh oldest-first copy of the retained history. The
// producer is held off for at most one bounded copy.
func (e *Engine) Snapshot() []float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ring.Snapshot()
}

// SetForwarding enables or disables delivery to TapLive subscribers.
func (e *Engine) SetForwarding(on bool) { e.forwarding.Store(on) }

// Forwarding reports whether TapLive delivery is enabled.
func (e *Engine) Forwarding() bool { return e.forwarding.Load() }

// Subscribe registers a listener on tap. buffer is the channel capacity;
// frames arriving while it is full are dropped for this subscriber.
func (e *Engine) Subscribe(tap Tap, buffer int) *Subscription {
	sub := newSubscription(tap, buffer)

	e.subMu.Lock()
	defer e.subMu.Unlock()
	cur := *e.subs.Load()
	next := make([]*Subscription, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, sub)
	e.subs.Store(&next)
	return sub
}

// Unsubscribe removes sub by identity and closes its Done channel.
func (e *Engine) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	e.subMu.Lock()
	cur := *e.subs.Load()
	idx := slices.Index(cur, sub)
	if idx >= 0 {
		next := make([]*Subscription, 0, len(cur)-1)
		next = append(next, cur[:idx]...)
		next = append(next, cur[idx+1:]...)
		e.subs.Store(&next)
	}
	e.subMu.Unlock()
	sub.cancel()
}

// Stats returns counters describing engine activity.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	retained, capacity := e.ring.Len(), e.ring.Cap()
	e.mu.Unlock()

	var last time.Time
	if ns := e.lastPush.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Frames:      e.frames.Load(),
		Samples:     e.samples.Load(),
		LastPush:    last,
		Retained:    retained,
		Capacity:    capacity,
		Subscribers: len(*e.subs.Load()),
		Forwarding:  e.forwarding.Load(),
	}
}
