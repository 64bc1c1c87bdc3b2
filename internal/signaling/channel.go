package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned for sends on a channel that has shut down.
var ErrClosed = errors.New("signaling channel closed")

// Conn is the subset of *websocket.Conn the channel drives.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Handler receives inbound frames in receipt order.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message)
	HandleAudio(ctx context.Context, data []byte)
}

type Config struct {
	OutboundQueue int
	WriteTimeout  time.Duration
	PingInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		OutboundQueue: 64,
		WriteTimeout:  5 * time.Second,
		PingInterval:  20 * time.Second,
	}
}

type frame struct {
	messageType int
	payload     []byte
	done        chan error
}

// Channel owns one websocket. A single writer goroutine serializes outbound
// frames; Send blocks until its frame is written or the channel closes.
type Channel struct {
	conn Conn
	cfg  Config
	log  *slog.Logger

	out       chan frame
	closed    chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	cause error
}

func NewChannel(conn Conn, cfg Config, logger *slog.Logger) *Channel {
	def := DefaultConfig()
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = def.OutboundQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		conn:   conn,
		cfg:    cfg,
		log:    logger,
		out:    make(chan frame, cfg.OutboundQueue),
		closed: make(chan struct{}),
	}
}

// Run reads frames until the connection fails or ctx ends, dispatching each
// to h on the calling goroutine. It returns the close cause.
func (c *Channel) Run(ctx context.Context, h Handler) error {
	go c.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			c.Close(ctx.Err())
		case <-c.closed:
		}
	}()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.Close(err)
			return c.Err()
		}

		switch msgType {
		case websocket.TextMessage:
			msg, decErr := Decode(data)
			if decErr != nil {
				c.log.Warn("bad signaling message", "error", decErr)
				if sendErr := c.Send(ctx, Error(CodeBadMessage, decErr.Error())); sendErr != nil {
					c.log.Debug("report bad message", "error", sendErr)
				}
				continue
			}
			h.HandleMessage(ctx, msg)
		case websocket.BinaryMessage:
			h.HandleAudio(ctx, data)
		}
	}
}

// Send writes one control message.
func (c *Channel) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return c.enqueue(ctx, websocket.TextMessage, data)
}

// SendBinary writes one raw audio frame.
func (c *Channel) SendBinary(ctx context.Context, data []byte) error {
	return c.enqueue(ctx, websocket.BinaryMessage, data)
}

func (c *Channel) enqueue(ctx context.Context, messageType int, payload []byte) error {
	f := frame{messageType: messageType, payload: payload, done: make(chan error, 1)}

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	select {
	case c.out <- f:
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-f.done:
		return err
	case <-c.closed:
		select {
		case err := <-f.done:
			return err
		default:
			return ErrClosed
		}
	}
}

func (c *Channel) writeLoop() {
	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.closed:
			c.drain()
			return
		case <-ping.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				c.Close(fmt.Errorf("ping: %w", err))
			}
		case f := <-c.out:
			if err := c.write(f); err != nil {
				err = fmt.Errorf("%w: %v", ErrClosed, err)
				f.done <- err
				c.Close(err)
				continue
			}
			f.done <- nil
		}
	}
}

func (c *Channel) write(f frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(f.messageType, f.payload)
}

func (c *Channel) drain() {
	for {
		select {
		case f := <-c.out:
			f.done <- ErrClosed
		default:
			return
		}
	}
}

// Close shuts the channel down once; later calls are no-ops.
func (c *Channel) Close(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()
		close(c.closed)

		deadline := time.Now().Add(100 * time.Millisecond)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
	})
}

// Done is closed when the channel shuts down.
func (c *Channel) Done() <-chan struct{} { return c.closed }

// Err returns the close cause, nil while open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}
