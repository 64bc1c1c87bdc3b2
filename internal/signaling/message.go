package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates control messages on the signaling channel.
type Type string

const (
	TypeOffer            Type = "offer"
	TypeAnswer           Type = "answer"
	TypeICECandidate     Type = "ice-candidate"
	TypeStartListening   Type = "start-listening"
	TypeListeningStarted Type = "listening-started"
	TypeStopListening    Type = "stop-listening"
	TypeListeningStopped Type = "listening-stopped"
	TypeSpeakingStart    Type = "speaking-start"
	TypeSpeakingEnd      Type = "speaking-end"
	TypeError            Type = "error"
)

// ErrorCode is the machine-readable code carried by an error message.
type ErrorCode string

const (
	CodeBadMessage            ErrorCode = "bad_message"
	CodeInvalidOffer          ErrorCode = "invalid_offer"
	CodeTransportCreateFailed ErrorCode = "transport_create_failed"
	CodeNegotiationFailed     ErrorCode = "negotiation_failed"
	CodeNegotiationTimeout    ErrorCode = "negotiation_timeout"
	CodeTransportLost         ErrorCode = "transport_lost"
	CodeTransportNotReady     ErrorCode = "transport_not_ready"
	CodeNoSession             ErrorCode = "no_session"
	CodePipelineBusy          ErrorCode = "pipeline_busy"
	CodeSynthesisFailed       ErrorCode = "synthesis_failed"
	CodeStreamFailed          ErrorCode = "stream_failed"
)

var ErrBadMessage = errors.New("bad signaling message")

// Candidate mirrors the browser's RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Message is the flat wire shape of every control message. Only the fields
// relevant to Type are populated.
type Message struct {
	Type      Type       `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
	CommandID string     `json:"commandId,omitempty"`
	RequestID string     `json:"requestId,omitempty"`
	Error     string     `json:"error,omitempty"`
	Code      ErrorCode  `json:"code,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// inbound lists the types a client may send.
var inbound = map[Type]bool{
	TypeOffer:          true,
	TypeICECandidate:   true,
	TypeStartListening: true,
	TypeStopListening:  true,
}

// Decode parses one text frame. Unknown, outbound-only or incomplete
// messages are rejected with ErrBadMessage.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrBadMessage)
	}
	if !inbound[msg.Type] {
		return Message{}, fmt.Errorf("%w: unexpected type %q", ErrBadMessage, msg.Type)
	}
	if msg.Type == TypeOffer && msg.SDP == "" {
		return Message{}, fmt.Errorf("%w: offer without sdp", ErrBadMessage)
	}
	if msg.Type == TypeICECandidate && msg.Candidate == nil {
		return Message{}, fmt.Errorf("%w: ice-candidate without candidate", ErrBadMessage)
	}
	return msg, nil
}

func Answer(sdp string) Message {
	return Message{Type: TypeAnswer, SDP: sdp}
}

func ICECandidate(c Candidate) Message {
	return Message{Type: TypeICECandidate, Candidate: &c}
}

// ListeningStarted confirms capture. commandID echoes the request, empty for
// server-initiated resumes.
func ListeningStarted(commandID string) Message {
	return Message{Type: TypeListeningStarted, CommandID: commandID}
}

func ListeningRejected(commandID, reason string) Message {
	return Message{Type: TypeListeningStarted, CommandID: commandID, Error: reason}
}

func ListeningStopped() Message {
	return Message{Type: TypeListeningStopped}
}

func SpeakingStart(requestID string) Message {
	return Message{Type: TypeSpeakingStart, RequestID: requestID}
}

func SpeakingEnd(requestID string) Message {
	return Message{Type: TypeSpeakingEnd, RequestID: requestID}
}

func Error(code ErrorCode, message string) Message {
	return Message{Type: TypeError, Code: code, Message: message}
}
