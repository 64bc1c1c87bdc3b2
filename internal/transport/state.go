package transport

// State is the per-connection transport lifecycle.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

var stateNames = [...]string{
	StateNew:        "new",
	StateConnecting: "connecting",
	StateConnected:  "connected",
	StateFailed:     "failed",
	StateClosed:     "closed",
}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Usable reports whether media can flow.
func (s State) Usable() bool { return s == StateConnected }

// Event drives Transition.
type Event int

const (
	// EventOffer is an inbound offer, initial or renegotiating.
	EventOffer Event = iota
	// EventConfirmed is a connected callback whose sub-states checked out.
	EventConfirmed
	// EventFailure is a transport error callback or a failed negotiation step.
	EventFailure
	// EventTimeout fires when confirmation does not arrive in time.
	EventTimeout
	// EventClose is an explicit close or the transport's own close callback.
	EventClose
)

var eventNames = [...]string{
	EventOffer:     "offer",
	EventConfirmed: "confirmed",
	EventFailure:   "failure",
	EventTimeout:   "timeout",
	EventClose:     "close",
}

func (e Event) String() string {
	if int(e) < 0 || int(e) >= len(eventNames) {
		return "unknown"
	}
	return eventNames[e]
}

// Transition returns the next state for e, and false when e is not valid in s.
// Invalid events leave the state unchanged.
func Transition(s State, e Event) (State, bool) {
	switch e {
	case EventOffer:
		// every state accepts a fresh offer; failed and closed peers must re-offer
		return StateConnecting, true
	case EventConfirmed:
		if s == StateConnecting {
			return StateConnected, true
		}
	case EventFailure:
		if s == StateConnecting || s == StateConnected {
			return StateFailed, true
		}
	case EventTimeout:
		if s == StateConnecting {
			return StateFailed, true
		}
	case EventClose:
		if s == StateNew || s == StateConnecting || s == StateConnected {
			return StateClosed, true
		}
	}
	return s, false
}
