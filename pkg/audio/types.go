// Package audio holds the sample-level primitives of the voice pipeline:
// the [Frame] type produced by the capture device and the pure conversion
// helpers used between capture, keyword spotting and transcription.
//
// Capture audio is mono float32 normalised to [-1.0, 1.0]. The transcription
// service and the wake-word engine both want signed 16-bit PCM at lower
// sample rates, so the helpers here resample by nearest-neighbour selection
// and quantize with the asymmetric int16 scaling the transport expects.
package audio

import "time"

// Frame is one block of mono samples delivered by the capture device.
//
// The producer reuses its buffer between callbacks, so consumers that keep a
// Frame beyond the callback must copy Samples (the capture engine does this
// for every subscriber).
type Frame struct {
	// Samples are normalised amplitudes in [-1.0, 1.0].
	Samples []float32

	// SampleRate in Hz (48000 for the default capture device).
	SampleRate int

	// Captured is the wall-clock time the frame was handed to the engine.
	Captured time.Time
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// SamplesFor returns the number of samples covering d at sampleRate,
// rounded down.
func SamplesFor(d time.Duration, sampleRate int) int {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}
