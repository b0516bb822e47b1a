package audio

import "errors"

// ErrDeviceClosed is returned by [Device.Start] after Close.
var ErrDeviceClosed = errors.New("audio: device closed")

// Sink receives captured samples on the device's own goroutine. The slice is
// reused by the device after Sink returns, so implementations that keep
// samples must copy them. Sink must not block.
type Sink func(samples []float32)

// Device is a mono capture source such as the default microphone.
//
// A Device is started once and stays running for the life of the process;
// pausing keyword spotting or streaming never tears it down. Implementations
// live in adapter packages (audio/portaudio) and in audio/mock for tests.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// SampleRate reports the rate in Hz of the samples passed to the sink.
	SampleRate() int

	// Start opens the device and begins delivering samples to sink. It
	// returns once capture is running. Errors here (no device, permission
	// denied) are setup errors and are not retried.
	Start(sink Sink) error

	// Close stops capture and releases the device. After Close returns the
	// sink is no longer invoked. Calling Close more than once is safe and
	// returns nil.
	Close() error
}
