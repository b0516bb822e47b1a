// Package portaudio implements [audio.Device] on the default system input
// device via PortAudio.
//
// The host's echo cancellation, noise suppression and auto-gain are not
// available through PortAudio; callers that need them must configure the OS
// input chain.
package portaudio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/ShinnosukeUesaka/house-agent/pkg/audio"
)

const (
	defaultSampleRate      = 48000
	defaultFramesPerBuffer = 480 // 10 ms at 48 kHz
)

// Compile-time interface assertion.
var _ audio.Device = (*Device)(nil)

// Option configures a [Device].
type Option func(*Device)

// WithSampleRate sets the requested capture rate in Hz.
func WithSampleRate(rate int) Option {
	return func(d *Device) {
		if rate > 0 {
			d.sampleRate = rate
		}
	}
}

// WithFramesPerBuffer sets the callback block size in samples.
func WithFramesPerBuffer(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.framesPerBuffer = n
		}
	}
}

// Device captures mono float32 audio from the default input device.
type Device struct {
	sampleRate      int
	framesPerBuffer int

	mu          sync.Mutex
	stream      *portaudio.Stream
	initialized bool
	closed      bool
}

// New returns an unopened Device. PortAudio is initialised by Start.
func New(opts ...Option) *Device {
	d := &Device{
		sampleRate:      defaultSampleRate,
		framesPerBuffer: defaultFramesPerBuffer,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SampleRate implements [audio.Device].
func (d *Device) SampleRate() int { return d.sampleRate }

// Start opens a one-channel input stream on the default device and invokes
// sink from the PortAudio callback thread.
func (d *Device) Start(sink audio.Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrDeviceClosed
	}
	if d.stream != nil {
		return fmt.Errorf("portaudio: device already started")
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	d.initialized = true

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(d.sampleRate), d.framesPerBuffer, func(in []float32) {
		sink(in)
	})
	if err != nil {
		d.terminate()
		return fmt.Errorf("portaudio: open default stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		d.terminate()
		return fmt.Errorf("portaudio: start stream: %w", err)
	}
	d.stream = stream
	return nil
}

// Close stops the stream and terminates PortAudio. Idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var firstErr error
	if d.stream != nil {
		if err := d.stream.Stop(); err != nil {
			firstErr = fmt.Errorf("portaudio: stop stream: %w", err)
		}
		if err := d.stream.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("portaudio: close stream: %w", err)
		}
		d.stream = nil
	}
	d.terminate()
	return firstErr
}

func (d *Device) terminate() {
	if d.initialized {
		_ = portaudio.Terminate()
		d.initialized = false
	}
}
