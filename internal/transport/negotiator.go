package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hubenschmidt/voice-gateway/internal/audio"
	"github.com/hubenschmidt/voice-gateway/internal/metrics"
	"github.com/hubenschmidt/voice-gateway/internal/signaling"
)

// Signaler delivers control messages to the remote peer.
type Signaler interface {
	Send(ctx context.Context, msg signaling.Message) error
}

// Events are emitted outside the negotiator lock.
type Events struct {
	// OnReady fires on entering connected.
	OnReady func()
	// OnClosed fires when a connected transport fails, closes or is replaced.
	OnClosed func(reason string)
	// OnAudio receives inbound media payloads from the current transport.
	OnAudio func(payload []byte, codec audio.Codec)
}

type Config struct {
	NegotiationTimeout   time.Duration
	ConfirmDelay         time.Duration
	MaxPendingCandidates int
}

func DefaultConfig() Config {
	return Config{
		NegotiationTimeout:   10 * time.Second,
		ConfirmDelay:         250 * time.Millisecond,
		MaxPendingCandidates: 32,
	}
}

// Negotiator runs the transport state machine for one connection. Every
// offer starts a new generation; callbacks from older generations are ignored.
type Negotiator struct {
	ctx      context.Context
	cfg      Config
	newPeer  PeerFactory
	signaler Signaler
	events   Events
	log      *slog.Logger

	mu        sync.Mutex
	state     State
	peer      Peer
	gen       uint64
	answered  bool
	remote    []signaling.Candidate // waiting for the peer to exist
	local     []signaling.Candidate // waiting for the answer to go out
	timeout   *time.Timer
	confirm   *time.Timer
	offeredAt time.Time
	disposed  bool
	// settling is a tentatively connected transport still waiting for ICE
	// to confirm; the negotiation timeout stays armed.
	settling bool
}

// NewNegotiator creates a negotiator in state new. ctx bounds sends made from
// transport callbacks.
func NewNegotiator(ctx context.Context, cfg Config, newPeer PeerFactory, signaler Signaler, events Events, logger *slog.Logger) *Negotiator {
	def := DefaultConfig()
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = def.NegotiationTimeout
	}
	if cfg.ConfirmDelay <= 0 {
		cfg.ConfirmDelay = def.ConfirmDelay
	}
	if cfg.MaxPendingCandidates <= 0 {
		cfg.MaxPendingCandidates = def.MaxPendingCandidates
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{
		ctx:      ctx,
		cfg:      cfg,
		newPeer:  newPeer,
		signaler: signaler,
		events:   events,
		log:      logger,
	}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Tentative reports a connected transport whose ICE check has not settled.
func (n *Negotiator) Tentative() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateConnected || n.peer == nil {
		return false
	}
	return Assess(n.peer.Snapshot()) == AssessTentative
}

// HandleOffer creates a transport for sdp, replacing any previous one, and
// sends the answer. Failures are reported to the peer and leave the state failed.
func (n *Negotiator) HandleOffer(sdp string) error {
	n.mu.Lock()
	if n.disposed {
		n.mu.Unlock()
		return ErrClosed
	}
	prev := n.peer
	wasUsable := n.state.Usable()
	n.gen++
	gen := n.gen
	n.peer = nil
	n.answered = false
	n.local = nil
	n.stopTimersLocked()
	n.transitionLocked(EventOffer)
	n.offeredAt = time.Now()
	n.mu.Unlock()

	if prev != nil {
		n.log.Info("renegotiating, closing previous transport")
		if err := prev.Close(); err != nil {
			n.log.Debug("close previous transport", "error", err)
		}
	}
	if wasUsable {
		n.emitClosed("renegotiation")
	}

	peer, err := n.newPeer(n.hooks(gen))
	if err != nil {
		err = fmt.Errorf("create transport: %w", err)
		n.fail(gen, EventFailure, signaling.CodeTransportCreateFailed, err)
		return err
	}

	answer, err := peer.Answer(sdp)
	if err != nil {
		_ = peer.Close()
		code := signaling.CodeNegotiationFailed
		if errors.Is(err, ErrInvalidOffer) {
			code = signaling.CodeInvalidOffer
		}
		n.fail(gen, EventFailure, code, err)
		return err
	}

	n.mu.Lock()
	if n.disposed || gen != n.gen {
		n.mu.Unlock()
		_ = peer.Close()
		return ErrSuperseded
	}
	n.peer = peer
	pending := n.remote
	n.remote = nil
	n.timeout = time.AfterFunc(n.cfg.NegotiationTimeout, func() { n.onTimeout(gen) })
	n.mu.Unlock()

	if err := n.signaler.Send(n.ctx, signaling.Answer(answer)); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}

	n.mu.Lock()
	var local []signaling.Candidate
	if gen == n.gen {
		n.answered = true
		local = n.local
		n.local = nil
	}
	n.mu.Unlock()

	for _, c := range local {
		n.sendCandidate(c)
	}
	for _, c := range pending {
		if err := peer.AddCandidate(c); err != nil {
			n.log.Warn("apply queued candidate", "error", err)
		}
	}
	return nil
}

// AddCandidate applies a remote candidate. Candidates that arrive before the
// transport exists are queued; after failure or close they are dropped.
func (n *Negotiator) AddCandidate(c signaling.Candidate) {
	n.mu.Lock()
	if n.disposed || n.state == StateFailed || n.state == StateClosed {
		n.mu.Unlock()
		n.log.Debug("dropping late candidate")
		return
	}
	if n.peer == nil {
		if len(n.remote) >= n.cfg.MaxPendingCandidates {
			n.mu.Unlock()
			n.log.Warn("candidate queue full, dropping candidate")
			return
		}
		n.remote = append(n.remote, c)
		n.mu.Unlock()
		return
	}
	peer := n.peer
	n.mu.Unlock()

	if err := peer.AddCandidate(c); err != nil {
		n.log.Warn("add remote candidate", "error", err)
	}
}

// Close tears the transport down. Further offers return ErrClosed.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.disposed {
		n.mu.Unlock()
		return
	}
	n.disposed = true
	wasUsable := n.state.Usable()
	n.transitionLocked(EventClose)
	peer := n.peer
	n.peer = nil
	n.gen++
	n.remote = nil
	n.local = nil
	n.stopTimersLocked()
	n.mu.Unlock()

	if peer != nil {
		_ = peer.Close()
	}
	if wasUsable {
		n.emitClosed("connection closed")
	}
}

func (n *Negotiator) hooks(gen uint64) PeerHooks {
	return PeerHooks{
		OnCandidate: func(c signaling.Candidate) { n.onLocalCandidate(gen, c) },
		OnConnected: func() { n.onConnected(gen) },
		OnFailed:    func(reason string) { n.onPeerFailed(gen, reason) },
		OnClosed:    func() { n.onPeerClosed(gen) },
		OnAudio: func(payload []byte, codec audio.Codec) {
			if n.events.OnAudio != nil && n.current(gen) {
				n.events.OnAudio(payload, codec)
			}
		},
	}
}

func (n *Negotiator) current(gen uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return gen == n.gen && !n.disposed
}

func (n *Negotiator) onLocalCandidate(gen uint64, c signaling.Candidate) {
	n.mu.Lock()
	if gen != n.gen || n.disposed {
		n.mu.Unlock()
		return
	}
	if !n.answered {
		n.local = append(n.local, c)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	n.sendCandidate(c)
}

func (n *Negotiator) sendCandidate(c signaling.Candidate) {
	if err := n.signaler.Send(n.ctx, signaling.ICECandidate(c)); err != nil {
		n.log.Debug("send local candidate", "error", err)
	}
}

func (n *Negotiator) onConnected(gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if gen != n.gen || n.disposed || n.state != StateConnecting {
		return
	}
	n.scheduleConfirmLocked(gen)
}

func (n *Negotiator) scheduleConfirmLocked(gen uint64) {
	if n.confirm != nil {
		n.confirm.Stop()
	}
	n.confirm = time.AfterFunc(n.cfg.ConfirmDelay, func() { n.runConfirm(gen) })
}

func (n *Negotiator) onTimeout(gen uint64) {
	n.mu.Lock()
	ev := EventTimeout
	if n.settling {
		// already connected, so the timeout is a failure of that transport
		ev = EventFailure
	}
	n.mu.Unlock()
	n.fail(gen, ev, signaling.CodeNegotiationTimeout,
		fmt.Errorf("no confirmed connection within %s", n.cfg.NegotiationTimeout))
}

// runConfirm re-reads the peer's sub-states after the confirmation delay.
// Unsettled states are rechecked until the negotiation timeout fires. A
// tentative verdict enters connected but keeps rechecking.
func (n *Negotiator) runConfirm(gen uint64) {
	n.mu.Lock()
	if gen != n.gen || n.disposed || (n.state != StateConnecting && !n.settling) {
		n.mu.Unlock()
		return
	}
	if n.peer == nil {
		n.scheduleConfirmLocked(gen)
		n.mu.Unlock()
		return
	}

	snap := n.peer.Snapshot()
	verdict := Assess(snap)
	switch verdict {
	case AssessPending:
		n.scheduleConfirmLocked(gen)
		n.mu.Unlock()
		return
	case AssessBroken:
		code := signaling.CodeNegotiationFailed
		if n.settling {
			code = signaling.CodeTransportLost
		}
		n.mu.Unlock()
		n.fail(gen, EventFailure, code,
			fmt.Errorf("transport settled as peer=%s ice=%s", snap.Peer, snap.ICE))
		return
	case AssessTentative:
		if n.settling {
			n.scheduleConfirmLocked(gen)
			n.mu.Unlock()
			return
		}
	}

	elapsed := time.Since(n.offeredAt)
	if n.settling {
		n.stopTimersLocked()
		n.mu.Unlock()
		n.log.Info("transport confirmed", "ice_state", snap.ICE, "elapsed_ms", elapsed.Milliseconds())
		return
	}

	n.transitionLocked(EventConfirmed)
	if verdict == AssessTentative {
		n.settling = true
		n.scheduleConfirmLocked(gen)
	} else {
		n.stopTimersLocked()
	}
	n.mu.Unlock()

	metrics.NegotiationDuration.Observe(elapsed.Seconds())
	n.log.Info("transport connected", "peer_state", snap.Peer, "ice_state", snap.ICE,
		"tentative", verdict == AssessTentative, "elapsed_ms", elapsed.Milliseconds())
	if n.events.OnReady != nil {
		n.events.OnReady()
	}
}

func (n *Negotiator) onPeerFailed(gen uint64, reason string) {
	n.mu.Lock()
	state := n.state
	n.mu.Unlock()

	code := signaling.CodeNegotiationFailed
	if state == StateConnected {
		code = signaling.CodeTransportLost
	}
	n.fail(gen, EventFailure, code, errors.New(reason))
}

func (n *Negotiator) onPeerClosed(gen uint64) {
	n.mu.Lock()
	if gen != n.gen || n.disposed {
		n.mu.Unlock()
		return
	}
	wasUsable := n.state.Usable()
	if _, ok := n.transitionLocked(EventClose); !ok {
		n.mu.Unlock()
		return
	}
	n.peer = nil
	n.stopTimersLocked()
	n.mu.Unlock()

	if wasUsable {
		n.emitClosed("transport closed")
	}
}

// fail moves generation gen to failed, closes its transport and reports code
// to the remote peer. Stale generations and invalid transitions are ignored.
func (n *Negotiator) fail(gen uint64, ev Event, code signaling.ErrorCode, cause error) {
	n.mu.Lock()
	if gen != n.gen || n.disposed {
		n.mu.Unlock()
		return
	}
	wasUsable := n.state.Usable()
	if _, ok := n.transitionLocked(ev); !ok {
		n.mu.Unlock()
		return
	}
	peer := n.peer
	n.peer = nil
	n.remote = nil
	n.stopTimersLocked()
	n.mu.Unlock()

	if peer != nil {
		_ = peer.Close()
	}
	n.log.Warn("transport failed", "code", code, "error", cause)
	metrics.Errors.WithLabelValues("transport", string(code)).Inc()
	if err := n.signaler.Send(n.ctx, signaling.Error(code, cause.Error())); err != nil {
		n.log.Debug("report transport failure", "error", err)
	}
	if wasUsable {
		n.emitClosed(string(code))
	}
}

func (n *Negotiator) transitionLocked(ev Event) (State, bool) {
	from := n.state
	to, ok := Transition(from, ev)
	if !ok {
		n.log.Debug("ignored transport event", "state", from.String(), "event", ev.String())
		return from, false
	}
	n.state = to
	if to != from {
		metrics.TransportTransitions.WithLabelValues(to.String()).Inc()
		n.log.Debug("transport state", "from", from.String(), "to", to.String(), "event", ev.String())
	}
	return to, true
}

// stopTimersLocked also ends any settling period.
func (n *Negotiator) stopTimersLocked() {
	n.settling = false
	if n.timeout != nil {
		n.timeout.Stop()
		n.timeout = nil
	}
	if n.confirm != nil {
		n.confirm.Stop()
		n.confirm = nil
	}
}

func (n *Negotiator) emitClosed(reason string) {
	if n.events.OnClosed != nil {
		n.events.OnClosed(reason)
	}
}
