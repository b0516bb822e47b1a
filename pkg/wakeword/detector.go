// Package wakeword adapts a frame-level keyword-spotting engine to the
// capture pipeline.
//
// The engine itself is opaque: it accepts fixed-length frames of 16-bit PCM
// at its own sample rate and reports which keyword, if any, ended in that
// frame. [Adapter] resamples capture audio to the engine rate, slices exact
// frames out of an accumulation buffer and turns positive results into
// [Detection] hand-offs carrying a pre-roll snapshot.
package wakeword

import (
	"errors"
	"time"
)

// ErrEngineInit wraps failures to construct the keyword-spotting engine
// (missing access key, unknown keyword, unsupported platform). It is a setup
// error: the assistant stays disabled and it is not retried.
var ErrEngineInit = errors.New("wakeword: engine init failed")

// Detector is a frame-level keyword spotter such as Porcupine.
//
// Process is called sequentially from a single goroutine; implementations
// need not be safe for concurrent Process calls. Close may be called from
// another goroutine and must be idempotent.
type Detector interface {
	// SampleRate is the rate in Hz that frames must be sampled at.
	SampleRate() int

	// FrameLength is the exact number of samples Process expects.
	FrameLength() int

	// Process analyses one frame and returns the index of the detected
	// keyword, or -1 when none was detected.
	Process(frame []int16) (int, error)

	// Close releases engine resources.
	Close() error
}

// Detection describes one positive keyword result.
type Detection struct {
	// Label is the keyword name (e.g. "alexa").
	Label string

	// Index is the keyword index reported by the engine.
	Index int

	// At is when the detection was processed.
	At time.Time
}
