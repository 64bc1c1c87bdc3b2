package audio

import (
	"math"
	"sync"
)

const filterTaps = 31

type ratePair struct{ src, dst int }

// kernels caches one anti-aliasing filter per rate conversion. Calls convert
// the same few pairs (8k or 48k to 16k) for every captured utterance.
var kernels sync.Map // ratePair -> []float32

// Resample converts samples between rates by linear interpolation, band
// limiting to the lower Nyquist frequency. Downsampling filters the input,
// upsampling filters the output. Equal rates return samples unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	kernel := kernelFor(srcRate, dstRate)

	if srcRate > dstRate {
		samples = convolve(samples, kernel)
	}
	step := float64(srcRate) / float64(dstRate)
	out := make([]float32, int(float64(len(samples))/step))
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j] + (samples[j+1]-samples[j])*frac
	}
	if dstRate > srcRate {
		out = convolve(out, kernel)
	}
	return out
}

func kernelFor(srcRate, dstRate int) []float32 {
	key := ratePair{srcRate, dstRate}
	if k, ok := kernels.Load(key); ok {
		return k.([]float32)
	}
	// normalized cutoff relative to whichever rate the filter runs at
	fc := float64(min(srcRate, dstRate)) / 2 / float64(max(srcRate, dstRate))
	k, _ := kernels.LoadOrStore(key, blackmanSinc(fc, filterTaps))
	return k.([]float32)
}

// blackmanSinc builds a unity-gain low-pass FIR kernel.
func blackmanSinc(fc float64, taps int) []float32 {
	mid := taps / 2
	span := float64(taps - 1)
	raw := make([]float64, taps)
	var total float64
	for i := range raw {
		v := 2 * fc
		if n := float64(i - mid); n != 0 {
			v = math.Sin(2*math.Pi*fc*n) / (math.Pi * n)
		}
		phase := 2 * math.Pi * float64(i) / span
		v *= 0.42 - 0.5*math.Cos(phase) + 0.08*math.Cos(2*phase)
		raw[i] = v
		total += v
	}
	kernel := make([]float32, taps)
	for i, v := range raw {
		kernel[i] = float32(v / total)
	}
	return kernel
}

// convolve applies kernel centred on each sample, treating out-of-range
// input as silence.
func convolve(in, kernel []float32) []float32 {
	mid := len(kernel) / 2
	out := make([]float32, len(in))
	for i := range in {
		var acc float32
		for j, k := range kernel {
			if idx := i + j - mid; idx >= 0 && idx < len(in) {
				acc += in[idx] * k
			}
		}
		out[i] = acc
	}
	return out
}
