package audio

import (
	"fmt"
	"io"

	"github.com/youpy/go-wav"
)

// WriteWAV writes pcm as a 16-bit mono RIFF/WAVE stream at sampleRate.
// The sample count must be known up front, so this suits finished buffers
// such as a pre-roll snapshot rather than live streams.
func WriteWAV(w io.Writer, pcm []int16, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("audio: wav: invalid sample rate %d", sampleRate)
	}
	ww := wav.NewWriter(w, uint32(len(pcm)), 1, uint32(sampleRate), 16)
	samples := make([]wav.Sample, len(pcm))
	for i, s := range pcm {
		samples[i].Values[0] = int(s)
	}
	if err := ww.WriteSamples(samples); err != nil {
		return fmt.Errorf("audio: wav: write samples: %w", err)
	}
	return nil
}
