// Package mock provides a scripted [wakeword.Detector] for tests.
//
// Results are consumed one per Process call; once exhausted every frame
// reports no detection. Use DetectFunc for content-based scripting.
//
// Example:
//
//	det := &mock.Detector{Results: []int{-1, -1, 0}}
//	idx, _ := det.Process(frame) // -1
package mock

import (
	"sync"

	"github.com/ShinnosukeUesaka/house-agent/pkg/wakeword"
)

// ProcessCall records a single invocation of Detector.Process.
type ProcessCall struct {
	// Frame is a copy of the samples passed to Process.
	Frame []int16
}

// Detector is a mock implementation of wakeword.Detector.
type Detector struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Defaults to 16000 when zero.
	Rate int

	// Length is returned by FrameLength. Defaults to 512 when zero.
	Length int

	// Results are returned in order by successive Process calls.
	Results []int

	// DetectFunc, if set, takes precedence over Results.
	DetectFunc func(frame []int16) int

	// ProcessErr, if non-nil, is returned by every Process call.
	ProcessErr error

	// CloseErr is returned by Close.
	CloseErr error

	// --- Call records ---

	// ProcessCalls records every call to Process in order.
	ProcessCalls []ProcessCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// SampleRate implements wakeword.Detector.
func (d *Detector) SampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Rate == 0 {
		return 16000
	}
	return d.Rate
}

// FrameLength implements wakeword.Detector.
func (d *Detector) FrameLength() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Length == 0 {
		return 512
	}
	return d.Length
}

// Process records the call and returns the next scripted result.
func (d *Detector) Process(frame []int16) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]int16, len(frame))
	copy(cp, frame)
	d.ProcessCalls = append(d.ProcessCalls, ProcessCall{Frame: cp})
	if d.ProcessErr != nil {
		return -1, d.ProcessErr
	}
	if d.DetectFunc != nil {
		return d.DetectFunc(cp), nil
	}
	if len(d.Results) == 0 {
		return -1, nil
	}
	r := d.Results[0]
	d.Results = d.Results[1:]
	return r, nil
}

// Close records the call and returns CloseErr.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCallCount++
	return d.CloseErr
}

// ProcessCallCount returns the number of Process calls. Thread-safe.
func (d *Detector) ProcessCallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ProcessCalls)
}

// ResetCalls clears all recorded calls. Thread-safe.
func (d *Detector) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ProcessCalls = nil
	d.CloseCallCount = 0
}

// Ensure Detector implements wakeword.Detector at compile time.
var _ wakeword.Detector = (*Detector)(nil)
