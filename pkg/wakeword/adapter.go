package wakeword

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShinnosukeUesaka/house-agent/pkg/audio"
	"github.com/ShinnosukeUesaka/house-agent/pkg/audio/capture"
)

const defaultSubscriptionBuffer = 64

// Source is the capture side the adapter listens to.
type Source interface {
	capture.Forwarder

	// SampleRate is the capture rate in Hz.
	SampleRate() int

	// Snapshot returns the retained pre-roll, oldest first.
	Snapshot() []float32
}

// Handler receives an accepted detection together with the pre-roll snapshot
// and a handle for opening a live stream. It runs on its own goroutine.
type Handler func(det Detection, snapshot []float32, fwd capture.Forwarder)

// Option configures an [Adapter].
type Option func(*Adapter)

// WithLabels names keyword indices for logs and [Detection.Label].
func WithLabels(labels ...string) Option {
	return func(a *Adapter) { a.labels = labels }
}

// WithGate sets the predicate consulted on every positive result. While it
// returns false detections are discarded. A nil gate accepts everything.
func WithGate(accepting func() bool) Option {
	return func(a *Adapter) { a.accepting = accepting }
}

// WithMonitoringHook registers fn to be told when the adapter starts or stops
// actively listening for the keyword.
func WithMonitoringHook(fn func(monitoring bool)) Option {
	return func(a *Adapter) { a.onMonitoring = fn }
}

// WithIgnoredHook registers fn for detections that were discarded, with a
// short reason ("busy" or "in_flight").
func WithIgnoredHook(fn func(det Detection, reason string)) Option {
	return func(a *Adapter) { a.onIgnored = fn }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// WithClock overrides the clock used to stamp detections.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// WithSubscriptionBuffer sets the capture subscription buffer used by Run.
func WithSubscriptionBuffer(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.subBuffer = n
		}
	}
}

// Adapter feeds capture audio to a [Detector] and hands accepted detections
// to a [Handler].
//
// Feed must be called from a single goroutine (Run does this). The remaining
// methods are safe for concurrent use.
type Adapter struct {
	det      Detector
	src      Source
	onDetect Handler

	labels       []string
	accepting    func() bool
	onMonitoring func(bool)
	onIgnored    func(Detection, string)
	log          *slog.Logger
	now          func() time.Time
	subBuffer    int

	mu  sync.Mutex // guards buf
	buf []int16

	enabled  atomic.Bool
	running  atomic.Bool
	inFlight atomic.Bool
	wg       sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New creates an enabled Adapter. det, src and onDetect must be non-nil.
func New(det Detector, src Source, onDetect Handler, opts ...Option) (*Adapter, error) {
	if det == nil || src == nil || onDetect == nil {
		return nil, fmt.Errorf("wakeword: detector, source and handler are required")
	}
	if det.FrameLength() <= 0 || det.SampleRate() <= 0 {
		return nil, fmt.Errorf("wakeword: detector reports frame length %d at %d Hz", det.FrameLength(), det.SampleRate())
	}
	a := &Adapter{
		det:       det,
		src:       src,
		onDetect:  onDetect,
		log:       slog.Default(),
		now:       time.Now,
		subBuffer: defaultSubscriptionBuffer,
	}
	for _, o := range opts {
		o(a)
	}
	a.enabled.Store(true)
	return a, nil
}

// Run subscribes to every captured frame and feeds it until ctx is done. On
// return the subscription is removed and in-flight hand-offs have finished.
func (a *Adapter) Run(ctx context.Context) error {
	sub := a.src.Subscribe(capture.TapAll, a.subBuffer)
	a.running.Store(true)
	a.notifyMonitoring()
	a.log.Info("wake word monitoring started", "keyword", a.label(0), "sample_rate", a.det.SampleRate())

	defer func() {
		a.src.Unsubscribe(sub)
		a.running.Store(false)
		a.notifyMonitoring()
		a.wg.Wait()
		a.log.Info("wake word monitoring stopped", "dropped_frames", sub.Dropped())
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-sub.C():
			a.Feed(f.Samples)
		}
	}
}

// Feed resamples capture-rate samples to the detector rate, appends them to
// the accumulation buffer and processes every complete frame in FIFO order.
// The remainder stays buffered for the next call. While disabled Feed does
// nothing.
func (a *Adapter) Feed(samples []float32) {
	if !a.enabled.Load() || len(samples) == 0 {
		return
	}
	pcm := audio.ResampleToPCM16(samples, a.src.SampleRate(), a.det.SampleRate())
	frameLen := a.det.FrameLength()

	a.mu.Lock()
	a.buf = append(a.buf, pcm...)
	var hits []int
	off := 0
	for len(a.buf)-off >= frameLen {
		idx, err := a.det.Process(a.buf[off : off+frameLen])
		off += frameLen
		if err != nil {
			a.log.Warn("wake word process failed", "err", err)
			continue
		}
		if idx >= 0 {
			hits = append(hits, idx)
		}
	}
	n := copy(a.buf, a.buf[off:])
	a.buf = a.buf[:n]
	a.mu.Unlock()

	for _, idx := range hits {
		a.handle(idx)
	}
}

// Buffered returns the number of detector-rate samples awaiting a full frame.
func (a *Adapter) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

func (a *Adapter) handle(idx int) {
	det := Detection{Label: a.label(idx), Index: idx, At: a.now()}

	if a.accepting != nil && !a.accepting() {
		a.log.Debug("wake word ignored, assistant busy", "keyword", det.Label)
		a.ignored(det, "busy")
		return
	}
	if !a.inFlight.CompareAndSwap(false, true) {
		a.log.Debug("wake word ignored, hand-off in flight", "keyword", det.Label)
		a.ignored(det, "in_flight")
		return
	}

	a.log.Info("wake word detected", "keyword", det.Label)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.inFlight.Store(false)
		snap := a.src.Snapshot()
		a.onDetect(det, snap, a.src)
	}()
}

func (a *Adapter) ignored(det Detection, reason string) {
	if a.onIgnored != nil {
		a.onIgnored(det, reason)
	}
}

// SetEnabled toggles keyword spotting. Capture keeps running either way;
// disabling discards any partially accumulated frame.
func (a *Adapter) SetEnabled(on bool) {
	if a.enabled.Swap(on) == on {
		return
	}
	if !on {
		a.mu.Lock()
		a.buf = a.buf[:0]
		a.mu.Unlock()
	}
	a.notifyMonitoring()
}

// Enabled reports whether keyword spotting is enabled.
func (a *Adapter) Enabled() bool { return a.enabled.Load() }

// Monitoring reports whether the adapter is running and enabled.
func (a *Adapter) Monitoring() bool { return a.running.Load() && a.enabled.Load() }

// Wait blocks until in-flight hand-offs have returned.
func (a *Adapter) Wait() { a.wg.Wait() }

// Close releases the detector. Idempotent.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		if err := a.det.Close(); err != nil {
			a.closeErr = fmt.Errorf("wakeword: close detector: %w", err)
		}
	})
	return a.closeErr
}

func (a *Adapter) notifyMonitoring() {
	if a.onMonitoring != nil {
		a.onMonitoring(a.Monitoring())
	}
}

func (a *Adapter) label(idx int) string {
	if idx >= 0 && idx < len(a.labels) {
		return a.labels[idx]
	}
	return fmt.Sprintf("keyword-%d", idx)
}
