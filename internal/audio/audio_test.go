package audio

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePCMRoundTrip(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 1, -1}
	out, rate, err := Decode(EncodePCM16(in), CodecPCM, 24000)
	require.NoError(t, err)
	assert.Equal(t, 24000, rate)
	require.Len(t, out, len(in))
	for i := range in {
		assert.InDelta(t, in[i], out[i], 1e-3)
	}
}

func TestDecodeUnsupported(t *testing.T) {
	_, _, err := Decode([]byte{1, 2}, Codec("opus"), 48000)
	assert.Error(t, err)
	assert.False(t, Supported("opus"))
	assert.True(t, Supported(CodecG711Alaw))
}

func TestUlawRoundTrip(t *testing.T) {
	in := Tone(440, 0.6, 8000, 160)
	out, rate, err := Decode(EncodeG711Ulaw(in), CodecG711Ulaw, 0)
	require.NoError(t, err)
	assert.Equal(t, 8000, rate)
	require.Len(t, out, len(in))
	for i := range in {
		// mu-law quantization error is bounded by a few percent of full scale
		assert.InDelta(t, in[i], out[i], 0.03, "sample %d", i)
	}
}

func TestSamplesToWAVHeader(t *testing.T) {
	wav := SamplesToWAV(make([]float32, 100), 16000)
	require.Len(t, wav, 44+200)
	assert.True(t, IsWAV(wav))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(200), binary.LittleEndian.Uint32(wav[40:44]))
	assert.False(t, IsWAV([]byte("not audio")))
}

func TestClipWAVResamples(t *testing.T) {
	clip := Clip{Data: EncodeG711Ulaw(make([]float32, 800)), Codec: CodecG711Ulaw}
	wav, err := clip.WAV()
	require.NoError(t, err)
	// 800 samples at 8 kHz is 100ms, which is 1600 samples at 16 kHz
	assert.Equal(t, uint32(1600*2), binary.LittleEndian.Uint32(wav[40:44]))
}

func TestClipWithoutRate(t *testing.T) {
	_, err := Clip{Data: []byte{0, 0}, Codec: CodecPCM}.WAV()
	assert.Error(t, err)
	assert.True(t, Clip{}.Empty())
}

func TestResamplePreservesDuration(t *testing.T) {
	in := Tone(200, 0.5, 48000, 4800)
	out := Resample(in, 48000, 16000)
	assert.Len(t, out, 1600)
	assert.Equal(t, in, Resample(in, 48000, 48000))
}

func TestResampleUnityGain(t *testing.T) {
	dc := make([]float32, 800)
	for i := range dc {
		dc[i] = 0.5
	}
	for _, rates := range [][2]int{{8000, 16000}, {48000, 16000}} {
		out := Resample(dc, rates[0], rates[1])
		mid := out[len(out)/2]
		assert.InDelta(t, 0.5, mid, 0.01, "%d->%d", rates[0], rates[1])
	}
	assert.Empty(t, Resample(nil, 8000, 16000))
}

func TestVADEndOfSpeech(t *testing.T) {
	v := NewVAD(VADConfig{SpeechThresholdDB: -30, SilenceTimeout: 300 * time.Millisecond, MinSpeechDuration: 200 * time.Millisecond})
	speech := Tone(300, 0.5, 16000, 1600) // 100ms
	silence := make([]float32, 1600)

	for range 3 {
		assert.False(t, v.Observe(speech, 16000))
	}
	assert.False(t, v.Observe(silence, 16000))
	assert.False(t, v.Observe(silence, 16000))
	assert.True(t, v.Observe(silence, 16000), "third 100ms of silence closes the segment")
	assert.False(t, v.Observe(silence, 16000))
}

func TestVADIgnoresShortBlips(t *testing.T) {
	v := NewVAD(VADConfig{SpeechThresholdDB: -30, SilenceTimeout: 100 * time.Millisecond, MinSpeechDuration: 500 * time.Millisecond})
	assert.False(t, v.Observe(Tone(300, 0.5, 16000, 1600), 16000))
	assert.False(t, v.Observe(make([]float32, 1600), 16000))
	assert.False(t, v.Observe(nil, 16000))
}

func TestComputeEnergyDB(t *testing.T) {
	assert.Equal(t, -100.0, computeEnergyDB(nil))
	assert.Equal(t, -100.0, computeEnergyDB(make([]float32, 10)))
	full := []float32{1, -1, 1, -1}
	assert.InDelta(t, 0, computeEnergyDB(full), 1e-9)
	assert.False(t, math.IsNaN(computeEnergyDB(Tone(50, 0.1, 8000, 80))))
}
