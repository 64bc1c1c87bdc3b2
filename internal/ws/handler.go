package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-gateway/internal/metrics"
	"github.com/hubenschmidt/voice-gateway/internal/session"
	"github.com/hubenschmidt/voice-gateway/internal/signaling"
	"github.com/hubenschmidt/voice-gateway/internal/trace"
	"github.com/hubenschmidt/voice-gateway/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds what every voice connection shares.
type HandlerConfig struct {
	MaxConcurrent int
	Channel       signaling.Config
	Connection    session.ConnectionConfig
	Registry      *session.Registry
	NewPeer       transport.PeerFactory
	NewProcessor  session.ProcessorFactory
	// Trace is nil when tracing is disabled.
	Trace trace.Writer
	// BaseContext parents every connection. Cancelling it closes them all.
	BaseContext context.Context
	Logger      *slog.Logger
}

// Handler upgrades voice connections with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
	log *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
		log: cfg.Logger,
	}
}

// ServeHTTP upgrades the connection and serves it until either side closes.
// Returns 503 if at max concurrent connection capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		metrics.ConnectionsRejected.Inc()
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.Inc()
	defer metrics.ConnectionsActive.Dec()

	h.serve(conn, r.RemoteAddr)
}

func (h *Handler) serve(conn *websocket.Conn, remoteAddr string) {
	id := uuid.NewString()
	log := h.log.With("connection_id", id)
	log.Info("connection opened", "remote_addr", remoteAddr)

	ch := signaling.NewChannel(conn, h.cfg.Channel, log)
	c := session.NewConnection(h.cfg.BaseContext, id, remoteAddr, ch, h.cfg.Connection, session.ConnectionDeps{
		Registry:     h.cfg.Registry,
		NewPeer:      h.cfg.NewPeer,
		NewProcessor: h.cfg.NewProcessor,
		Trace:        h.cfg.Trace,
	}, h.log)

	err := ch.Run(h.cfg.BaseContext, c)
	c.Close()

	if err != nil && !isNormalClose(err) {
		log.Warn("connection ended", "error", err)
		return
	}
	log.Info("connection ended")
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, session.ErrConnectionClosed)
}
