package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voice-gateway/internal/audio"
	"github.com/hubenschmidt/voice-gateway/internal/outbound"
	"github.com/hubenschmidt/voice-gateway/internal/pipeline"
	"github.com/hubenschmidt/voice-gateway/internal/session"
	"github.com/hubenschmidt/voice-gateway/internal/signaling"
	"github.com/hubenschmidt/voice-gateway/internal/trace"
	"github.com/hubenschmidt/voice-gateway/internal/transport"
)

type stubPeer struct {
	mu    sync.Mutex
	hooks transport.PeerHooks
	snap  transport.Snapshot
}

func (p *stubPeer) Answer(string) (string, error)          { return "v=0 answer", nil }
func (p *stubPeer) AddCandidate(signaling.Candidate) error { return nil }
func (p *stubPeer) Close() error                           { return nil }

func (p *stubPeer) Snapshot() transport.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

func (p *stubPeer) connect() {
	p.mu.Lock()
	p.snap = transport.Snapshot{Peer: "connected", ICE: "completed"}
	p.mu.Unlock()
	p.hooks.OnConnected()
}

type transcribeFunc func(ctx context.Context, clip audio.Clip) (string, error)

func (f transcribeFunc) Transcribe(ctx context.Context, clip audio.Clip) (string, error) {
	return f(ctx, clip)
}

type generateFunc func(ctx context.Context, p pipeline.Prompt) (string, error)

func (f generateFunc) Generate(ctx context.Context, p pipeline.Prompt) (string, error) {
	return f(ctx, p)
}

type synthesizeFunc func(ctx context.Context, text string) ([]byte, error)

func (f synthesizeFunc) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return f(ctx, text)
}

type server struct {
	*httptest.Server
	reg   *session.Registry
	peers chan *stubPeer
}

func newServer(t *testing.T, maxConc int) *server {
	t.Helper()
	s := &server{reg: session.NewRegistry(), peers: make(chan *stubPeer, 4)}

	connCfg := session.DefaultConnectionConfig()
	connCfg.Transport = transport.Config{NegotiationTimeout: 2 * time.Second, ConfirmDelay: 5 * time.Millisecond, MaxPendingCandidates: 8}

	deps := pipeline.Deps{
		Transcriber: transcribeFunc(func(context.Context, audio.Clip) (string, error) { return "what time is it", nil }),
		Responder:   generateFunc(func(context.Context, pipeline.Prompt) (string, error) { return "It is noon.", nil }),
		Synthesizer: synthesizeFunc(func(context.Context, string) ([]byte, error) { return []byte("RIFFaudio"), nil }),
	}
	pcfg := pipeline.DefaultConfig()
	pcfg.Stream = false

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := NewHandler(HandlerConfig{
		MaxConcurrent: maxConc,
		Connection:    connCfg,
		Registry:      s.reg,
		NewPeer: func(hooks transport.PeerHooks) (transport.Peer, error) {
			p := &stubPeer{hooks: hooks, snap: transport.Snapshot{Peer: "connecting", ICE: "new"}}
			s.peers <- p
			return p, nil
		},
		NewProcessor: func(st *outbound.Streamer, tr *trace.Tracer, log *slog.Logger) session.Processor {
			return pipeline.New(pcfg, deps, st, tr, log)
		},
		BaseContext: ctx,
	})
	s.Server = httptest.NewServer(h)
	t.Cleanup(s.Close)
	return s
}

func (s *server) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg signaling.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// next reads frames until a text message arrives, counting binary frames on the way.
func next(t *testing.T, conn *websocket.Conn) (signaling.Message, int) {
	t.Helper()
	binary := 0
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		typ, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if typ == websocket.BinaryMessage {
			binary += len(data)
			continue
		}
		var msg signaling.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg, binary
	}
}

func TestVoiceRoundTrip(t *testing.T) {
	s := newServer(t, 4)
	conn := s.dial(t)

	send(t, conn, signaling.Message{Type: signaling.TypeOffer, SDP: "v=0 offer"})
	msg, _ := next(t, conn)
	require.Equal(t, signaling.TypeAnswer, msg.Type)
	assert.Equal(t, "v=0 answer", msg.SDP)

	(<-s.peers).connect()
	require.Eventually(t, func() bool { return s.reg.Stats().Sessions == 1 }, 2*time.Second, 5*time.Millisecond)

	send(t, conn, signaling.Message{Type: signaling.TypeStartListening, CommandID: "cmd-1"})
	msg, _ = next(t, conn)
	require.Equal(t, signaling.TypeListeningStarted, msg.Type)
	assert.Equal(t, "cmd-1", msg.CommandID)
	assert.Empty(t, msg.Error)

	chunk := audio.EncodePCM16(audio.Tone(440, 0.5, 16000, 1600))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, chunk))
	send(t, conn, signaling.Message{Type: signaling.TypeStopListening})

	msg, _ = next(t, conn)
	assert.Equal(t, signaling.TypeListeningStopped, msg.Type)

	start, _ := next(t, conn)
	require.Equal(t, signaling.TypeSpeakingStart, start.Type)
	end, n := next(t, conn)
	require.Equal(t, signaling.TypeSpeakingEnd, end.Type)
	assert.Equal(t, start.RequestID, end.RequestID)
	assert.Equal(t, len("RIFFaudio"), n)

	msg, _ = next(t, conn)
	assert.Equal(t, signaling.TypeListeningStarted, msg.Type)
	assert.Empty(t, msg.CommandID)
}

func TestStartListeningWithoutTransportIsRejected(t *testing.T) {
	s := newServer(t, 4)
	conn := s.dial(t)

	send(t, conn, signaling.Message{Type: signaling.TypeStartListening, CommandID: "early"})

	msg, _ := next(t, conn)
	assert.Equal(t, signaling.TypeListeningStarted, msg.Type)
	assert.NotEmpty(t, msg.Error)
	msg, _ = next(t, conn)
	assert.Equal(t, signaling.TypeError, msg.Type)
	assert.Equal(t, signaling.CodeTransportNotReady, msg.Code)
}

func TestMalformedMessageKeepsConnection(t *testing.T) {
	s := newServer(t, 4)
	conn := s.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	msg, _ := next(t, conn)
	assert.Equal(t, signaling.CodeBadMessage, msg.Code)

	send(t, conn, signaling.Message{Type: signaling.TypeStopListening})
	msg, _ = next(t, conn)
	assert.Equal(t, signaling.TypeListeningStopped, msg.Type)
}

func TestClientCloseUnregisters(t *testing.T) {
	s := newServer(t, 4)
	conn := s.dial(t)

	send(t, conn, signaling.Message{Type: signaling.TypeStopListening})
	next(t, conn)
	require.Equal(t, 1, s.reg.Count())

	conn.Close()
	require.Eventually(t, func() bool { return s.reg.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestAdmissionLimit(t *testing.T) {
	s := newServer(t, 1)
	s.dial(t)

	url := "ws" + strings.TrimPrefix(s.URL, "http")
	require.Eventually(t, func() bool {
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			conn.Close()
			return false
		}
		return resp != nil && resp.StatusCode == http.StatusServiceUnavailable
	}, 2*time.Second, 10*time.Millisecond)
}
