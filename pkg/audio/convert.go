package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
)

// Resample converts samples from fromRate to toRate by nearest-neighbour
// selection. With ratio = fromRate/toRate the output holds
// floor(len(samples)/ratio) samples and out[i] = samples[floor(i*ratio)].
//
// Equal rates return a copy. Non-positive rates return nil. No filtering is
// applied, so downsampling aliases; the transcription service and the
// wake-word engine both tolerate that for speech.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 {
		return nil
	}
	if fromRate == toRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	ratio := float64(fromRate) / float64(toRate)
	n := int(math.Floor(float64(len(samples)) / ratio))
	out := make([]float32, n)
	for i := range n {
		src := int(math.Floor(float64(i) * ratio))
		if src >= len(samples) {
			src = len(samples) - 1
		}
		out[i] = samples[src]
	}
	return out
}

// Quantize maps normalised float samples to signed 16-bit PCM. Values are
// clamped to [-1, 1] first; negative values scale by 32768 and positive
// values by 32767, truncating toward zero. The asymmetry keeps -1.0 at
// math.MinInt16 and must not be "fixed".
func Quantize(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = quantizeSample(s)
	}
	return out
}

func quantizeSample(s float32) int16 {
	v := float64(s)
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	} else if math.IsNaN(v) {
		v = 0
	}
	if v < 0 {
		return int16(v * 0x8000)
	}
	return int16(v * 0x7fff)
}

// ResampleToPCM16 is Resample followed by Quantize, the conversion applied
// to every chunk sent to the transcription service.
func ResampleToPCM16(samples []float32, fromRate, toRate int) []int16 {
	return Quantize(Resample(samples, fromRate, toRate))
}

// PCM16Bytes returns the little-endian byte representation of pcm.
func PCM16Bytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// EncodeForTransport base64-encodes the raw little-endian bytes of pcm for
// JSON transport (standard alphabet, padded).
func EncodeForTransport(pcm []int16) string {
	return base64.StdEncoding.EncodeToString(PCM16Bytes(pcm))
}

// TrimLeadingSilence drops dead air captured before the speaker started.
// It finds the first sample whose magnitude exceeds threshold and returns a
// copy starting padding samples earlier (clamped to 0). When no sample
// exceeds threshold the result is empty.
func TrimLeadingSilence(samples []float32, threshold float32, padding int) []float32 {
	first := -1
	for i, s := range samples {
		if s > threshold || -s > threshold {
			first = i
			break
		}
	}
	if first < 0 {
		return []float32{}
	}
	start := max(first-padding, 0)
	out := make([]float32, len(samples)-start)
	copy(out, samples[start:])
	return out
}

// Chunk splits pcm into consecutive slices of at most size samples. The
// slices share pcm's backing array. A non-positive size yields a single
// chunk.
func Chunk(pcm []int16, size int) [][]int16 {
	if len(pcm) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]int16{pcm}
	}
	chunks := make([][]int16, 0, (len(pcm)+size-1)/size)
	for start := 0; start < len(pcm); start += size {
		end := min(start+size, len(pcm))
		chunks = append(chunks, pcm[start:end])
	}
	return chunks
}
