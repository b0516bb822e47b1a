// Package mock provides an in-memory [audio.Device] for unit tests.
//
// The mock records lifecycle calls and lets the test drive the sink directly
// with [Device.Emit], standing in for the device callback thread.
//
// Typical usage:
//
//	dev := &mock.Device{Rate: 48000}
//	_ = dev.Start(engine.Push)
//	dev.Emit(make([]float32, 480))
package mock

import (
	"sync"

	"github.com/ShinnosukeUesaka/house-agent/pkg/audio"
)

// Device is a mock implementation of [audio.Device].
// Set the exported fields before use; inspect the CallCount* fields after.
type Device struct {
	mu   sync.Mutex
	sink audio.Sink

	// Rate is returned by SampleRate. Defaults to 48000 when zero.
	Rate int

	// StartErr, if non-nil, is returned by Start and the sink is not stored.
	StartErr error

	// CloseErr is returned by Close.
	CloseErr error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed bool
}

// SampleRate implements [audio.Device].
func (d *Device) SampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Rate == 0 {
		return 48000
	}
	return d.Rate
}

// Start implements [audio.Device]. Records the call and stores sink.
func (d *Device) Start(sink audio.Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if d.closed {
		return audio.ErrDeviceClosed
	}
	if d.StartErr != nil {
		return d.StartErr
	}
	d.sink = sink
	return nil
}

// Close implements [audio.Device]. Records the call and returns CloseErr.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.closed = true
	d.sink = nil
	return d.CloseErr
}

// Emit calls the registered sink with samples, as the device thread would.
// It reports false when the device is not running.
func (d *Device) Emit(samples []float32) bool {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink == nil {
		return false
	}
	sink(samples)
	return true
}

// Running reports whether Start succeeded and Close has not been called.
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink != nil
}

// Ensure Device implements audio.Device at compile time.
var _ audio.Device = (*Device)(nil)
