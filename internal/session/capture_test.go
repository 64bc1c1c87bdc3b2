package session

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voice-gateway/internal/audio"
)

func chunk(n int) []byte { return bytes.Repeat([]byte{1}, n) }

func TestCaptureGateLifecycle(t *testing.T) {
	g := NewCaptureGate(GateConfig{MinChunkBytes: 10, MaxBytes: 1000})
	assert.Equal(t, CaptureIdle, g.State())
	assert.Equal(t, AppendNotListening, g.Append(chunk(50), audio.CodecPCM, 16000))

	require.True(t, g.Start())
	assert.False(t, g.Start(), "already listening")
	assert.Equal(t, AppendAccepted, g.Append(chunk(50), audio.CodecPCM, 16000))
	assert.Equal(t, AppendAccepted, g.Append(chunk(50), audio.CodecPCM, 16000))
	assert.Equal(t, 100, g.Buffered())

	clip, ok := g.BeginFlush()
	require.True(t, ok)
	assert.Equal(t, CaptureFlushing, g.State())
	assert.Len(t, clip.Data, 100)
	assert.Equal(t, audio.CodecPCM, clip.Codec)
	assert.Equal(t, 16000, clip.SampleRate)
	assert.Equal(t, 0, g.Buffered())

	assert.Equal(t, AppendNotListening, g.Append(chunk(50), audio.CodecPCM, 16000), "flushing drops audio")
	assert.False(t, g.Start(), "cannot reopen mid-flush")

	g.EndFlush()
	assert.Equal(t, CaptureIdle, g.State())
	assert.Equal(t, int64(100), g.TotalBytes())
}

func TestCaptureGateRejections(t *testing.T) {
	cases := []struct {
		name  string
		setup func(g *CaptureGate)
		data  []byte
		codec audio.Codec
		rate  int
		want  AppendResult
	}{
		{"idle", func(*CaptureGate) {}, chunk(50), audio.CodecPCM, 16000, AppendNotListening},
		{"keepalive fragment", func(g *CaptureGate) { g.Start() }, chunk(9), audio.CodecPCM, 16000, AppendTooSmall},
		{"codec switch", func(g *CaptureGate) {
			g.Start()
			g.Append(chunk(50), audio.CodecPCM, 16000)
		}, chunk(50), audio.CodecG711Ulaw, 8000, AppendCodecMismatch},
		{"rate switch", func(g *CaptureGate) {
			g.Start()
			g.Append(chunk(50), audio.CodecPCM, 16000)
		}, chunk(50), audio.CodecPCM, 48000, AppendCodecMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewCaptureGate(GateConfig{MinChunkBytes: 10, MaxBytes: 1000})
			tc.setup(g)
			before := g.Buffered()
			assert.Equal(t, tc.want, g.Append(tc.data, tc.codec, tc.rate))
			assert.Equal(t, before, g.Buffered())
		})
	}
}

func TestCaptureGateCeilingTruncates(t *testing.T) {
	g := NewCaptureGate(GateConfig{MaxBytes: 120})
	g.Start()
	assert.Equal(t, AppendAccepted, g.Append(chunk(100), audio.CodecPCM, 16000))
	assert.Equal(t, AppendFull, g.Append(chunk(100), audio.CodecPCM, 16000))
	assert.Equal(t, 120, g.Buffered())
}

func TestCaptureGateFlushWhileIdle(t *testing.T) {
	g := NewCaptureGate(DefaultGateConfig())
	_, ok := g.BeginFlush()
	assert.False(t, ok)
	assert.Equal(t, CaptureIdle, g.State())
}

func TestCaptureGateEmptyWindowStillFlushes(t *testing.T) {
	g := NewCaptureGate(DefaultGateConfig())
	g.Start()
	clip, ok := g.BeginFlush()
	require.True(t, ok)
	assert.True(t, clip.Empty())
}

func TestAppendResultLabels(t *testing.T) {
	assert.Equal(t, "accepted", AppendAccepted.String())
	assert.Equal(t, "ceiling", AppendFull.String())
	assert.Equal(t, "codec_mismatch", AppendCodecMismatch.String())
	assert.Equal(t, "flushing", CaptureFlushing.String())
}
