package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voice-gateway/internal/audio"
	"github.com/hubenschmidt/voice-gateway/internal/signaling"
)

type fakePeer struct {
	mu        sync.Mutex
	hooks     PeerHooks
	snap      Snapshot
	answerErr error
	added     []signaling.Candidate
	closed    bool
}

func (p *fakePeer) Answer(string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.answerErr != nil {
		return "", p.answerErr
	}
	return "answer-sdp", nil
}

func (p *fakePeer) AddCandidate(c signaling.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, c)
	return nil
}

func (p *fakePeer) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) setSnap(peer, ice string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = Snapshot{Peer: peer, ICE: ice}
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) candidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.added))
	for i, c := range p.added {
		out[i] = c.Candidate
	}
	return out
}

type fakeSignaler struct {
	mu   sync.Mutex
	msgs []signaling.Message
}

func (s *fakeSignaler) Send(_ context.Context, msg signaling.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeSignaler) types() []signaling.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signaling.Type, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Type
	}
	return out
}

func (s *fakeSignaler) errorCodes() []signaling.ErrorCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signaling.ErrorCode
	for _, m := range s.msgs {
		if m.Type == signaling.TypeError {
			out = append(out, m.Code)
		}
	}
	return out
}

type harness struct {
	n        *Negotiator
	sig      *fakeSignaler
	mu       sync.Mutex
	peers    []*fakePeer
	ready    atomic.Int32
	closed   atomic.Int32
	audio    atomic.Int32
	factory  func(PeerHooks) (Peer, error)
	answerEr error
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{sig: &fakeSignaler{}}
	factory := func(hooks PeerHooks) (Peer, error) {
		if h.factory != nil {
			return h.factory(hooks)
		}
		p := &fakePeer{hooks: hooks, snap: Snapshot{Peer: "connecting", ICE: "checking"}, answerErr: h.answerEr}
		h.mu.Lock()
		h.peers = append(h.peers, p)
		h.mu.Unlock()
		return p, nil
	}
	h.n = NewNegotiator(context.Background(), cfg, factory, h.sig, Events{
		OnReady:  func() { h.ready.Add(1) },
		OnClosed: func(string) { h.closed.Add(1) },
		OnAudio:  func([]byte, audio.Codec) { h.audio.Add(1) },
	}, nil)
	t.Cleanup(h.n.Close)
	return h
}

func (h *harness) peer(i int) *fakePeer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peers[i]
}

func fastConfig() Config {
	return Config{NegotiationTimeout: time.Second, ConfirmDelay: 5 * time.Millisecond, MaxPendingCandidates: 2}
}

func connect(t *testing.T, h *harness, idx int) {
	t.Helper()
	require.NoError(t, h.n.HandleOffer("offer-sdp"))
	p := h.peer(idx)
	p.setSnap("connected", "connected")
	p.hooks.OnConnected()
	require.Eventually(t, func() bool { return h.n.State() == StateConnected }, time.Second, 2*time.Millisecond)
}

func TestOfferAnswerAndConfirm(t *testing.T) {
	h := newHarness(t, fastConfig())
	assert.Equal(t, StateNew, h.n.State())

	connect(t, h, 0)

	assert.Equal(t, []signaling.Type{signaling.TypeAnswer}, h.sig.types())
	assert.Equal(t, int32(1), h.ready.Load())
	assert.False(t, h.n.Tentative())
}

func TestCheckingIsTentativelyAccepted(t *testing.T) {
	h := newHarness(t, fastConfig())
	require.NoError(t, h.n.HandleOffer("offer-sdp"))
	p := h.peer(0)
	p.setSnap("connected", "checking")
	p.hooks.OnConnected()

	require.Eventually(t, func() bool { return h.n.State() == StateConnected }, time.Second, 2*time.Millisecond)
	assert.True(t, h.n.Tentative())

	p.setSnap("connected", "completed")
	assert.False(t, h.n.Tentative())
}

func TestTentativeTransportFailsIfICENeverSettles(t *testing.T) {
	cfg := fastConfig()
	cfg.NegotiationTimeout = 60 * time.Millisecond
	h := newHarness(t, cfg)
	require.NoError(t, h.n.HandleOffer("offer-sdp"))
	p := h.peer(0)
	p.setSnap("connected", "checking")
	p.hooks.OnConnected()

	require.Eventually(t, func() bool { return h.ready.Load() == 1 }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return h.n.State() == StateFailed }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []signaling.ErrorCode{signaling.CodeNegotiationTimeout}, h.sig.errorCodes())
	assert.Equal(t, int32(1), h.closed.Load(), "the session must be torn down")
	assert.True(t, p.isClosed())
}

func TestTentativeTransportSettlesBeforeTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.NegotiationTimeout = 60 * time.Millisecond
	h := newHarness(t, cfg)
	require.NoError(t, h.n.HandleOffer("offer-sdp"))
	p := h.peer(0)
	p.setSnap("connected", "checking")
	p.hooks.OnConnected()
	require.Eventually(t, func() bool { return h.n.State() == StateConnected }, time.Second, 2*time.Millisecond)

	p.setSnap("connected", "connected")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateConnected, h.n.State())
	assert.Empty(t, h.sig.errorCodes())
	assert.Equal(t, int32(1), h.ready.Load())
	assert.Equal(t, int32(0), h.closed.Load())
}

func TestConfirmWaitsForSubStateToSettle(t *testing.T) {
	h := newHarness(t, fastConfig())
	require.NoError(t, h.n.HandleOffer("offer-sdp"))
	p := h.peer(0)

	// callback fires before the sub-state catches up
	p.setSnap("connecting", "new")
	p.hooks.OnConnected()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateConnecting, h.n.State())
	assert.Equal(t, int32(0), h.ready.Load())

	p.setSnap("connected", "connected")
	require.Eventually(t, func() bool { return h.n.State() == StateConnected }, time.Second, 2*time.Millisecond)
	assert.Equal(t, int32(1), h.ready.Load())
}

func TestNegotiationTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.NegotiationTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg)
	require.NoError(t, h.n.HandleOffer("offer-sdp"))

	require.Eventually(t, func() bool { return h.n.State() == StateFailed }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []signaling.ErrorCode{signaling.CodeNegotiationTimeout}, h.sig.errorCodes())
	assert.True(t, h.peer(0).isClosed())
	assert.Equal(t, int32(0), h.closed.Load(), "never connected, so no session to tear down")
}

func TestInvalidOfferFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.answerEr = fmt.Errorf("%w: bad sdp", ErrInvalidOffer)

	err := h.n.HandleOffer("garbage")
	require.ErrorIs(t, err, ErrInvalidOffer)
	assert.Equal(t, StateFailed, h.n.State())
	assert.Equal(t, []signaling.ErrorCode{signaling.CodeInvalidOffer}, h.sig.errorCodes())
	assert.True(t, h.peer(0).isClosed())

	time.Sleep(20 * time.Millisecond)
	h.mu.Lock()
	assert.Len(t, h.peers, 1, "no automatic retry")
	h.mu.Unlock()
}

func TestTransportCreateFailure(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.factory = func(PeerHooks) (Peer, error) { return nil, errors.New("no ports") }

	require.Error(t, h.n.HandleOffer("offer-sdp"))
	assert.Equal(t, StateFailed, h.n.State())
	assert.Equal(t, []signaling.ErrorCode{signaling.CodeTransportCreateFailed}, h.sig.errorCodes())
}

func TestCandidatesBeforeOfferAreQueued(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.n.AddCandidate(signaling.Candidate{Candidate: "a"})
	h.n.AddCandidate(signaling.Candidate{Candidate: "b"})
	h.n.AddCandidate(signaling.Candidate{Candidate: "overflow"})

	require.NoError(t, h.n.HandleOffer("offer-sdp"))
	assert.Equal(t, []string{"a", "b"}, h.peer(0).candidates())

	h.n.AddCandidate(signaling.Candidate{Candidate: "c"})
	assert.Equal(t, []string{"a", "b", "c"}, h.peer(0).candidates())
}

func TestLateCandidateDropped(t *testing.T) {
	h := newHarness(t, fastConfig())
	connect(t, h, 0)
	h.n.Close()

	assert.NotPanics(t, func() { h.n.AddCandidate(signaling.Candidate{Candidate: "late"}) })
	assert.Empty(t, h.peer(0).candidates())
	assert.ErrorIs(t, h.n.HandleOffer("offer-sdp"), ErrClosed)
}

func TestLocalCandidatesFollowAnswer(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.factory = func(hooks PeerHooks) (Peer, error) {
		p := &fakePeer{hooks: hooks}
		// pion gathers during SetLocalDescription, before the answer is sent
		hooks.OnCandidate(signaling.Candidate{Candidate: "early"})
		h.mu.Lock()
		h.peers = append(h.peers, p)
		h.mu.Unlock()
		return p, nil
	}
	require.NoError(t, h.n.HandleOffer("offer-sdp"))
	h.peer(0).hooks.OnCandidate(signaling.Candidate{Candidate: "later"})

	assert.Equal(t, []signaling.Type{signaling.TypeAnswer, signaling.TypeICECandidate, signaling.TypeICECandidate}, h.sig.types())
}

func TestRenegotiationReplacesTransport(t *testing.T) {
	h := newHarness(t, fastConfig())
	connect(t, h, 0)
	old := h.peer(0)

	require.NoError(t, h.n.HandleOffer("offer-2"))
	assert.True(t, old.isClosed())
	assert.Equal(t, StateConnecting, h.n.State())
	assert.Equal(t, int32(1), h.closed.Load())

	// callbacks from the replaced transport are ignored
	old.hooks.OnFailed("stale")
	old.hooks.OnAudio([]byte{1}, audio.CodecG711Ulaw)
	assert.Equal(t, StateConnecting, h.n.State())
	assert.Equal(t, int32(0), h.audio.Load())

	p := h.peer(1)
	p.setSnap("connected", "connected")
	p.hooks.OnConnected()
	require.Eventually(t, func() bool { return h.n.State() == StateConnected }, time.Second, 2*time.Millisecond)
	assert.Equal(t, int32(2), h.ready.Load())

	p.hooks.OnAudio([]byte{1}, audio.CodecG711Ulaw)
	assert.Equal(t, int32(1), h.audio.Load())
}

func TestConnectivityLoss(t *testing.T) {
	h := newHarness(t, fastConfig())
	connect(t, h, 0)

	h.peer(0).hooks.OnFailed("ice failed")
	assert.Equal(t, StateFailed, h.n.State())
	assert.Equal(t, int32(1), h.closed.Load())
	assert.Equal(t, []signaling.ErrorCode{signaling.CodeTransportLost}, h.sig.errorCodes())
}

func TestTransportCloseCallback(t *testing.T) {
	h := newHarness(t, fastConfig())
	connect(t, h, 0)

	h.peer(0).hooks.OnClosed()
	assert.Equal(t, StateClosed, h.n.State())
	assert.Equal(t, int32(1), h.closed.Load())

	h.n.Close()
	assert.Equal(t, int32(1), h.closed.Load(), "close event is not repeated")
}

func TestAssess(t *testing.T) {
	assert.Equal(t, AssessConfirmed, Assess(Snapshot{"connected", "connected"}))
	assert.Equal(t, AssessConfirmed, Assess(Snapshot{"connected", "completed"}))
	assert.Equal(t, AssessTentative, Assess(Snapshot{"connected", "checking"}))
	assert.Equal(t, AssessPending, Assess(Snapshot{"connecting", "checking"}))
	assert.Equal(t, AssessPending, Assess(Snapshot{"connected", "disconnected"}))
	assert.Equal(t, AssessBroken, Assess(Snapshot{"connected", "failed"}))
	assert.Equal(t, AssessBroken, Assess(Snapshot{"closed", "closed"}))
}
