package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hubenschmidt/voice-gateway/internal/audio"
	"github.com/hubenschmidt/voice-gateway/internal/metrics"
	"github.com/hubenschmidt/voice-gateway/internal/outbound"
	"github.com/hubenschmidt/voice-gateway/internal/signaling"
	"github.com/hubenschmidt/voice-gateway/internal/trace"
	"github.com/hubenschmidt/voice-gateway/internal/transport"
)

// ErrConnectionClosed is the close cause when the server ends a connection.
var ErrConnectionClosed = errors.New("connection closed by server")

// Channel is the client link a Connection drives. *signaling.Channel implements it.
type Channel interface {
	outbound.Sink
	Close(cause error)
}

// ProcessorFactory builds the pipeline for a new session.
type ProcessorFactory func(streamer *outbound.Streamer, tracer *trace.Tracer, logger *slog.Logger) Processor

type ConnectionConfig struct {
	Session   Config
	Transport transport.Config
	// InboundCodec and InboundSampleRate describe binary audio frames.
	// RTP audio carries its own codec.
	InboundCodec      audio.Codec
	InboundSampleRate int
	ListenRetryDelay  time.Duration
	OutboundChunk     int
	// IdleTimeout closes a connection that never sends a first message.
	// Registered connections are reaped through the Registry instead.
	IdleTimeout time.Duration
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		Session:           DefaultConfig(),
		Transport:         transport.DefaultConfig(),
		InboundCodec:      audio.CodecPCM,
		InboundSampleRate: audio.ASRSampleRate,
		ListenRetryDelay:  750 * time.Millisecond,
	}
}

type ConnectionDeps struct {
	Registry     *Registry
	NewPeer      transport.PeerFactory
	NewProcessor ProcessorFactory
	// Trace is optional.
	Trace trace.Writer
}

// rtpSampleRate is the clock rate of the G.711 codecs negotiated on the track.
const rtpSampleRate = 8000

// Connection is one signaling connection and everything hanging off it.
type Connection struct {
	id       string
	cfg      ConnectionConfig
	deps     ConnectionDeps
	ch       Channel
	neg      *transport.Negotiator
	streamer *outbound.Streamer
	tracer   *trace.Tracer
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	lastActivity atomic.Int64
	// capturedBytes holds audio accepted by sessions that have since closed.
	capturedBytes atomic.Int64
	registerOnce sync.Once
	closeOnce    sync.Once

	mu         sync.Mutex
	session    *Session
	unregister func()
	retry      *time.Timer
	silent     *time.Timer
	closed     bool
}

// NewConnection wires a negotiator and outbound streamer to ch. The
// connection joins the registry on its first inbound message.
func NewConnection(ctx context.Context, id, remoteAddr string, ch Channel, cfg ConnectionConfig, deps ConnectionDeps, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InboundCodec == "" {
		cfg.InboundCodec = audio.CodecPCM
	}
	if cfg.InboundSampleRate <= 0 {
		cfg.InboundSampleRate = audio.ASRSampleRate
	}
	log := logger.With("connection_id", id)
	cctx, cancel := context.WithCancel(ctx)
	c := &Connection{
		id:       id,
		cfg:      cfg,
		deps:     deps,
		ch:       ch,
		streamer: outbound.NewStreamer(ch, cfg.OutboundChunk),
		log:      log,
		ctx:      cctx,
		cancel:   cancel,
	}
	if deps.Trace != nil {
		c.tracer = trace.NewTracer(deps.Trace, id, remoteAddr, log)
	}
	c.neg = transport.NewNegotiator(cctx, cfg.Transport, deps.NewPeer, ch, transport.Events{
		OnReady:  c.openSession,
		OnClosed: c.closeSession,
		OnAudio:  c.onRTPAudio,
	}, log)
	c.touch()
	if cfg.IdleTimeout > 0 {
		c.silent = time.AfterFunc(cfg.IdleTimeout, func() {
			c.log.Info("closing connection that never sent a message", "idle", cfg.IdleTimeout.String())
			metrics.Errors.WithLabelValues("connection", "idle_unregistered").Inc()
			c.Close()
		})
	}
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) TransportState() transport.State { return c.neg.State() }

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) HasSession() bool {
	return c.currentSession() != nil
}

// Info is a point-in-time view of a connection for status queries.
type Info struct {
	ID            string    `json:"id"`
	Transport     string    `json:"transport"`
	Tentative     bool      `json:"tentative"`
	Session       bool      `json:"session"`
	Capture       string    `json:"capture,omitempty"`
	CapturedBytes int64     `json:"capturedBytes"`
	LastActivity  time.Time `json:"lastActivity"`
}

func (c *Connection) Info() Info {
	info := Info{
		ID:            c.id,
		Transport:     c.neg.State().String(),
		Tentative:     c.neg.Tentative(),
		CapturedBytes: c.capturedBytes.Load(),
		LastActivity:  c.LastActivity(),
	}
	if s := c.currentSession(); s != nil {
		info.Session = true
		info.Capture = s.CaptureState().String()
		info.CapturedBytes += s.CapturedBytes()
	}
	return info
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) register() {
	c.registerOnce.Do(func() {
		unregister := c.deps.Registry.Register(c)
		c.mu.Lock()
		c.unregister = unregister
		if c.silent != nil {
			c.silent.Stop()
		}
		c.mu.Unlock()
	})
}

func (c *Connection) currentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// HandleMessage dispatches one inbound control message.
func (c *Connection) HandleMessage(ctx context.Context, msg signaling.Message) {
	c.touch()
	c.register()

	switch msg.Type {
	case signaling.TypeOffer:
		if err := c.neg.HandleOffer(msg.SDP); err != nil {
			c.log.Warn("offer failed", "error", err)
		}
	case signaling.TypeICECandidate:
		c.neg.AddCandidate(*msg.Candidate)
	case signaling.TypeStartListening:
		c.startListening(ctx, msg.CommandID, true)
	case signaling.TypeStopListening:
		if s := c.currentSession(); s != nil {
			s.StopListening(ctx)
			return
		}
		c.send(ctx, signaling.ListeningStopped())
	}
}

// HandleAudio feeds a binary audio frame into the capture window.
func (c *Connection) HandleAudio(ctx context.Context, data []byte) {
	c.touch()
	c.register()
	c.appendAudio(ctx, data, c.cfg.InboundCodec, c.cfg.InboundSampleRate)
}

func (c *Connection) onRTPAudio(payload []byte, codec audio.Codec) {
	c.touch()
	c.appendAudio(c.ctx, payload, codec, rtpSampleRate)
}

func (c *Connection) appendAudio(ctx context.Context, data []byte, codec audio.Codec, rate int) {
	s := c.currentSession()
	if s == nil {
		metrics.CaptureChunks.WithLabelValues("no_session").Inc()
		return
	}
	s.Append(ctx, data, codec, rate)
}

// startListening opens capture. While the transport is still connecting the
// request is retried once after ListenRetryDelay.
func (c *Connection) startListening(ctx context.Context, commandID string, allowRetry bool) {
	if s := c.currentSession(); s != nil {
		s.StartListening(ctx, commandID)
		return
	}

	state := c.neg.State()
	if state == transport.StateConnecting && allowRetry {
		c.mu.Lock()
		if !c.closed {
			if c.retry != nil {
				c.retry.Stop()
			}
			c.retry = time.AfterFunc(c.cfg.ListenRetryDelay, func() {
				c.startListening(c.ctx, commandID, false)
			})
		}
		c.mu.Unlock()
		c.log.Debug("transport connecting, retrying start-listening", "delay", c.cfg.ListenRetryDelay.String())
		return
	}

	code, reason := signaling.CodeTransportNotReady, "transport not ready"
	if state.Usable() {
		code, reason = signaling.CodeNoSession, "no active session"
	}
	c.log.Info("start-listening rejected", "transport_state", state.String(), "code", code)
	metrics.Errors.WithLabelValues("capture", string(code)).Inc()
	c.send(ctx, signaling.ListeningRejected(commandID, reason))
	c.send(ctx, signaling.Error(code, reason+" ("+state.String()+")"))
}

func (c *Connection) openSession() {
	c.mu.Lock()
	if c.closed || c.session != nil {
		c.mu.Unlock()
		return
	}
	proc := c.deps.NewProcessor(c.streamer, c.tracer, c.log)
	c.session = New(c.ctx, c.id, c.cfg.Session, proc, c.ch, c.log)
	c.mu.Unlock()
	c.log.Info("session opened")
}

func (c *Connection) closeSession(reason string) {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.Close()
	captured := s.CapturedBytes()
	c.capturedBytes.Add(captured)
	c.log.Info("session closed", "reason", reason, "captured_bytes", captured)
}

func (c *Connection) send(ctx context.Context, msg signaling.Message) {
	if err := c.ch.Send(ctx, msg); err != nil {
		c.log.Debug("send failed", "type", msg.Type, "error", err)
	}
}

// Close tears down the session, the transport and the channel, and leaves
// the registry. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.retry != nil {
			c.retry.Stop()
		}
		if c.silent != nil {
			c.silent.Stop()
		}
		c.mu.Unlock()

		c.cancel()
		c.neg.Close()
		c.closeSession("connection closed")
		c.ch.Close(ErrConnectionClosed)
		c.tracer.Close()

		c.registerOnce.Do(func() {})
		c.mu.Lock()
		unregister := c.unregister
		c.mu.Unlock()
		if unregister != nil {
			unregister()
		}
		c.log.Info("connection closed")
	})
}
