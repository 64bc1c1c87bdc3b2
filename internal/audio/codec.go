package audio

import "fmt"

type Codec string

const (
	CodecPCM      Codec = "pcm"
	CodecG711Ulaw Codec = "g711_ulaw"
	CodecG711Alaw Codec = "g711_alaw"
)

// ASRSampleRate is the rate whisper-style transcription servers expect.
const ASRSampleRate = 16000

// decoder holds a codec's decode function and its fixed output sample rate.
// A rate of 0 means the caller-supplied rate applies (PCM passthrough).
type decoder struct {
	fn   func([]byte) []float32
	rate int
}

var decoders = map[Codec]decoder{
	CodecPCM:      {fn: decodePCM, rate: 0},
	CodecG711Ulaw: {fn: decodeG711Ulaw, rate: 8000},
	CodecG711Alaw: {fn: decodeG711Alaw, rate: 8000},
}

// Supported reports whether codec can be decoded.
func Supported(codec Codec) bool {
	_, ok := decoders[codec]
	return ok
}

// Decode converts encoded audio bytes to float32 PCM samples normalized to [-1, 1].
// Returns samples and the sample rate.
func Decode(data []byte, codec Codec, sampleRate int) ([]float32, int, error) {
	dec, ok := decoders[codec]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported codec: %s", codec)
	}
	rate := dec.rate
	if rate == 0 {
		rate = sampleRate
	}
	return dec.fn(data), rate, nil
}

// Clip is one captured utterance: raw bytes plus how to read them.
type Clip struct {
	Data       []byte
	Codec      Codec
	SampleRate int
}

// Empty reports whether the clip carries no audio.
func (c Clip) Empty() bool { return len(c.Data) == 0 }

// Samples decodes the clip and resamples it to dstRate.
func (c Clip) Samples(dstRate int) ([]float32, error) {
	samples, rate, err := Decode(c.Data, c.Codec, c.SampleRate)
	if err != nil {
		return nil, err
	}
	if rate <= 0 {
		return nil, fmt.Errorf("clip has no sample rate")
	}
	return Resample(samples, rate, dstRate), nil
}

// WAV renders the clip as 16 kHz mono 16-bit WAV.
func (c Clip) WAV() ([]byte, error) {
	samples, err := c.Samples(ASRSampleRate)
	if err != nil {
		return nil, err
	}
	return SamplesToWAV(samples, ASRSampleRate), nil
}
