package session

import (
	"github.com/hubenschmidt/voice-gateway/internal/audio"
)

// CaptureState is the listening window's position in idle → listening → flushing → idle.
type CaptureState int

const (
	CaptureIdle CaptureState = iota
	CaptureListening
	CaptureFlushing
)

func (s CaptureState) String() string {
	switch s {
	case CaptureIdle:
		return "idle"
	case CaptureListening:
		return "listening"
	case CaptureFlushing:
		return "flushing"
	}
	return "unknown"
}

// AppendResult says what happened to one inbound chunk.
type AppendResult int

const (
	AppendAccepted AppendResult = iota
	// AppendFull means the chunk was accepted and the buffer hit its ceiling.
	AppendFull
	AppendNotListening
	AppendTooSmall
	AppendCodecMismatch
)

var appendLabels = map[AppendResult]string{
	AppendAccepted:      "accepted",
	AppendFull:          "ceiling",
	AppendNotListening:  "not_listening",
	AppendTooSmall:      "too_small",
	AppendCodecMismatch: "codec_mismatch",
}

func (r AppendResult) String() string { return appendLabels[r] }

// GateConfig bounds the capture buffer.
type GateConfig struct {
	// MinChunkBytes drops keepalive-sized fragments.
	MinChunkBytes int
	MaxBytes      int
}

func DefaultGateConfig() GateConfig {
	return GateConfig{MinChunkBytes: 100, MaxBytes: 4 << 20}
}

// CaptureGate buffers audio while listening. It is not synchronized; the
// owning Session serializes access.
type CaptureGate struct {
	cfg   GateConfig
	state CaptureState
	buf   []byte
	codec audio.Codec
	rate  int
	total int64
}

func NewCaptureGate(cfg GateConfig) *CaptureGate {
	def := DefaultGateConfig()
	if cfg.MinChunkBytes < 0 {
		cfg.MinChunkBytes = 0
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	return &CaptureGate{cfg: cfg}
}

func (g *CaptureGate) State() CaptureState { return g.state }

// Buffered is the number of bytes waiting for the next flush.
func (g *CaptureGate) Buffered() int { return len(g.buf) }

// TotalBytes counts every byte accepted over the gate's lifetime.
func (g *CaptureGate) TotalBytes() int64 { return g.total }

// Start opens the listening window. It reports false when the gate was not
// idle, in which case nothing changes.
func (g *CaptureGate) Start() bool {
	if g.state != CaptureIdle {
		return false
	}
	g.state = CaptureListening
	return true
}

// Append adds chunk to the buffer while listening. The first accepted chunk
// fixes the codec and rate for the window.
func (g *CaptureGate) Append(chunk []byte, codec audio.Codec, rate int) AppendResult {
	if g.state != CaptureListening {
		return AppendNotListening
	}
	if len(chunk) < g.cfg.MinChunkBytes {
		return AppendTooSmall
	}
	if len(g.buf) == 0 {
		g.codec, g.rate = codec, rate
	} else if codec != g.codec || rate != g.rate {
		return AppendCodecMismatch
	}

	room := g.cfg.MaxBytes - len(g.buf)
	if len(chunk) > room {
		chunk = chunk[:room]
	}
	g.buf = append(g.buf, chunk...)
	g.total += int64(len(chunk))
	if len(g.buf) >= g.cfg.MaxBytes {
		return AppendFull
	}
	return AppendAccepted
}

// BeginFlush detaches the buffer as a clip and enters flushing. It reports
// false, with no change, when the gate was not listening.
func (g *CaptureGate) BeginFlush() (audio.Clip, bool) {
	if g.state != CaptureListening {
		return audio.Clip{}, false
	}
	g.state = CaptureFlushing
	clip := audio.Clip{Data: g.buf, Codec: g.codec, SampleRate: g.rate}
	g.buf = nil
	g.codec, g.rate = "", 0
	return clip, true
}

// EndFlush completes the hand-off.
func (g *CaptureGate) EndFlush() {
	if g.state == CaptureFlushing {
		g.state = CaptureIdle
	}
}
