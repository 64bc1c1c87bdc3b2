package audio

import (
	"math"
	"time"
)

// VADConfig controls end-of-speech detection.
type VADConfig struct {
	SpeechThresholdDB float64
	SilenceTimeout    time.Duration
	MinSpeechDuration time.Duration
}

// DefaultVADConfig returns defaults tuned for close-talk microphones.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		SpeechThresholdDB: -30,
		SilenceTimeout:    1000 * time.Millisecond,
		MinSpeechDuration: 500 * time.Millisecond,
	}
}

// VAD is an energy-based endpoint detector. Time is measured in audio
// duration rather than wall clock, so bursty delivery does not shorten pauses.
type VAD struct {
	cfg      VADConfig
	inSpeech bool
	speech   time.Duration
	silence  time.Duration
}

func NewVAD(cfg VADConfig) *VAD {
	return &VAD{cfg: cfg}
}

// Observe feeds one decoded chunk and reports whether a speech segment of at
// least MinSpeechDuration has just been followed by SilenceTimeout of silence.
func (v *VAD) Observe(samples []float32, sampleRate int) bool {
	if sampleRate <= 0 || len(samples) == 0 {
		return false
	}
	dur := time.Duration(len(samples)) * time.Second / time.Duration(sampleRate)

	if computeEnergyDB(samples) >= v.cfg.SpeechThresholdDB {
		v.inSpeech = true
		v.speech += dur
		v.silence = 0
		return false
	}

	if !v.inSpeech {
		return false
	}
	v.silence += dur
	if v.silence < v.cfg.SilenceTimeout {
		return false
	}

	ended := v.speech >= v.cfg.MinSpeechDuration
	v.Reset()
	return ended
}

// Reset forgets any partial segment.
func (v *VAD) Reset() {
	v.inSpeech = false
	v.speech = 0
	v.silence = 0
}

func computeEnergyDB(samples []float32) float64 {
	if len(samples) == 0 {
		return -100
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1e-10 {
		return -100
	}
	return 20 * math.Log10(rms)
}
