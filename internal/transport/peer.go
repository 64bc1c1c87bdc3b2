package transport

import (
	"errors"

	"github.com/hubenschmidt/voice-gateway/internal/audio"
	"github.com/hubenschmidt/voice-gateway/internal/signaling"
)

var (
	// ErrInvalidOffer marks offers the transport could not apply.
	ErrInvalidOffer = errors.New("invalid offer")
	// ErrClosed is returned once the negotiator has been shut down.
	ErrClosed = errors.New("transport closed")
	// ErrSuperseded means a newer offer replaced this one mid-negotiation.
	ErrSuperseded = errors.New("offer superseded")
)

// Snapshot is a peer's sub-state at one instant, using WebRTC state names.
type Snapshot struct {
	Peer string
	ICE  string
}

// Assessment classifies a Snapshot during confirmation.
type Assessment int

const (
	AssessPending Assessment = iota
	AssessConfirmed
	AssessTentative
	AssessBroken
)

// Assess decides whether a connected callback can be trusted. ICE "checking"
// alongside a connected peer is tentatively acceptable.
func Assess(s Snapshot) Assessment {
	switch {
	case s.Peer == "failed" || s.Peer == "closed" || s.ICE == "failed" || s.ICE == "closed":
		return AssessBroken
	case s.Peer != "connected":
		return AssessPending
	case s.ICE == "connected" || s.ICE == "completed":
		return AssessConfirmed
	case s.ICE == "checking":
		return AssessTentative
	}
	return AssessPending
}

// PeerHooks are the transport callbacks a Peer reports through. They may be
// invoked from any goroutine.
type PeerHooks struct {
	OnCandidate func(signaling.Candidate)
	OnConnected func()
	OnFailed    func(reason string)
	OnClosed    func()
	OnAudio     func(payload []byte, codec audio.Codec)
}

// Peer is one media transport instance.
type Peer interface {
	// Answer applies a remote offer and returns the local answer SDP.
	Answer(offerSDP string) (string, error)
	AddCandidate(c signaling.Candidate) error
	Snapshot() Snapshot
	Close() error
}

// PeerFactory creates a Peer wired to hooks.
type PeerFactory func(hooks PeerHooks) (Peer, error)
