package audio

import (
	"encoding/binary"
	"math"
)

// decodePCM reads 16-bit little-endian mono samples. A trailing odd byte is ignored.
func decodePCM(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / math.MaxInt16
	}
	return samples
}

// EncodePCM16 is the inverse of the pcm decoder; samples are clamped to [-1, 1].
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		clamped := max(-1.0, min(1.0, s))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(clamped*math.MaxInt16)))
	}
	return out
}

// Tone generates a sine wave, used for warmup and synthetic load.
func Tone(freqHz float64, amplitude float32, sampleRate int, samples int) []float32 {
	out := make([]float32, samples)
	for i := range out {
		out[i] = amplitude * float32(math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate)))
	}
	return out
}
