// Package outbound frames synthesized speech for a client: speaking-start,
// raw audio chunks, speaking-end.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hubenschmidt/voice-gateway/internal/metrics"
	"github.com/hubenschmidt/voice-gateway/internal/signaling"
)

// ErrSendFailed means the client can no longer be reached.
var ErrSendFailed = errors.New("outbound send failed")

// Sink is the client-facing channel. signaling.Channel satisfies it.
type Sink interface {
	Send(ctx context.Context, msg signaling.Message) error
	SendBinary(ctx context.Context, data []byte) error
}

// Streamer serializes playback so the frames of two responses never interleave.
type Streamer struct {
	sink       Sink
	chunkBytes int
	mu         sync.Mutex
}

const defaultChunkBytes = 16 * 1024

func NewStreamer(sink Sink, chunkBytes int) *Streamer {
	if chunkBytes <= 0 {
		chunkBytes = defaultChunkBytes
	}
	return &Streamer{sink: sink, chunkBytes: chunkBytes}
}

// Stream is one framed response. It holds the streamer until End is called.
type Stream struct {
	s         *Streamer
	requestID string
	err       error
	ended     bool
	sent      int
}

// Begin sends speaking-start and returns the open stream. On error nothing
// is held and no frames were written.
func (s *Streamer) Begin(ctx context.Context, requestID string) (*Stream, error) {
	s.mu.Lock()
	if err := s.sink.Send(ctx, signaling.SpeakingStart(requestID)); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: speaking-start: %v", ErrSendFailed, err)
	}
	return &Stream{s: s, requestID: requestID}, nil
}

// Write sends one audio chunk, splitting it to the configured frame size.
// After the first failure every Write returns the same error.
func (st *Stream) Write(ctx context.Context, chunk []byte) error {
	if st.err != nil {
		return st.err
	}
	for len(chunk) > 0 {
		n := min(len(chunk), st.s.chunkBytes)
		if err := st.s.sink.SendBinary(ctx, chunk[:n]); err != nil {
			st.err = fmt.Errorf("%w: audio: %v", ErrSendFailed, err)
			return st.err
		}
		metrics.OutboundBytes.Add(float64(n))
		st.sent += n
		chunk = chunk[n:]
	}
	return nil
}

// Sent is the number of audio bytes written so far.
func (st *Stream) Sent() int { return st.sent }

// End sends speaking-end and releases the streamer. speaking-end is attempted
// even after a failed Write. The first failure is returned.
func (st *Stream) End(ctx context.Context) error {
	if st.ended {
		return st.err
	}
	st.ended = true
	defer st.s.mu.Unlock()

	if err := st.s.sink.Send(ctx, signaling.SpeakingEnd(st.requestID)); err != nil && st.err == nil {
		st.err = fmt.Errorf("%w: speaking-end: %v", ErrSendFailed, err)
	}
	return st.err
}

// Error reports a problem to the client between streams, never inside one.
func (s *Streamer) Error(ctx context.Context, code signaling.ErrorCode, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sink.Send(ctx, signaling.Error(code, message)); err != nil {
		return fmt.Errorf("%w: error message: %v", ErrSendFailed, err)
	}
	return nil
}
