package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/hubenschmidt/voice-gateway/internal/audio"
	"github.com/hubenschmidt/voice-gateway/internal/signaling"
)

// ICEServer is the STUN/TURN entry handed to both the local transport and
// remote peers through the config query.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func toPionICEServers(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, srv)
	}
	return out
}

// NewPionFactory returns a PeerFactory backed by pion/webrtc. Only G.711
// audio is negotiated so inbound RTP payloads can be decoded without a codec
// library. A peer that stays disconnected for disconnectGrace is reported
// failed; zero leaves that to ICE.
func NewPionFactory(servers []ICEServer, disconnectGrace time.Duration, logger *slog.Logger) (PeerFactory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	me := &webrtc.MediaEngine{}
	codecs := []webrtc.RTPCodecParameters{
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1}, PayloadType: 0},
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000, Channels: 1}, PayloadType: 8},
	}
	for _, c := range codecs {
		if err := me.RegisterCodec(c, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.MimeType, err)
		}
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))
	cfg := webrtc.Configuration{ICEServers: toPionICEServers(servers)}

	return func(hooks PeerHooks) (Peer, error) {
		return newPionPeer(api, cfg, hooks, disconnectGrace, logger)
	}, nil
}

type pionPeer struct {
	pc    *webrtc.PeerConnection
	hooks PeerHooks
	watch *disconnectWatch
	log   *slog.Logger
}

func newPionPeer(api *webrtc.API, cfg webrtc.Configuration, hooks PeerHooks, grace time.Duration, logger *slog.Logger) (*pionPeer, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &pionPeer{pc: pc, hooks: hooks, log: logger}
	p.watch = newDisconnectWatch(grace, func() {
		p.log.Warn("peer stayed disconnected", "grace", grace)
		if hooks.OnFailed != nil {
			hooks.OnFailed("peer disconnected")
		}
	})

	if _, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || hooks.OnCandidate == nil {
			return
		}
		init := c.ToJSON()
		hooks.OnCandidate(signaling.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Debug("peer connection state", "state", s.String())
		switch s {
		case webrtc.PeerConnectionStateConnected:
			p.watch.settle()
			if hooks.OnConnected != nil {
				hooks.OnConnected()
			}
		case webrtc.PeerConnectionStateDisconnected:
			p.watch.disconnected()
		case webrtc.PeerConnectionStateFailed:
			p.watch.settle()
			if hooks.OnFailed != nil {
				hooks.OnFailed("peer connection failed")
			}
		case webrtc.PeerConnectionStateClosed:
			p.watch.settle()
			if hooks.OnClosed != nil {
				hooks.OnClosed()
			}
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		p.log.Debug("ice connection state", "state", s.String())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		codec, ok := codecForMime(track.Codec().MimeType)
		if !ok {
			p.log.Warn("unsupported inbound codec", "mime", track.Codec().MimeType)
			return
		}
		p.log.Info("remote audio track", "codec", track.Codec().MimeType, "ssrc", track.SSRC())
		p.readTrack(track, codec)
	})

	return p, nil
}

func codecForMime(mime string) (audio.Codec, bool) {
	switch strings.ToLower(mime) {
	case strings.ToLower(webrtc.MimeTypePCMU):
		return audio.CodecG711Ulaw, true
	case strings.ToLower(webrtc.MimeTypePCMA):
		return audio.CodecG711Alaw, true
	}
	return "", false
}

// readTrack forwards RTP payloads until the track ends.
func (p *pionPeer) readTrack(track *webrtc.TrackRemote, codec audio.Codec) {
	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Debug("track read ended", "error", err)
			}
			return
		}
		var pkt rtp.Packet
		if err = pkt.Unmarshal(buf[:n]); err != nil {
			p.log.Debug("bad rtp packet", "error", err)
			continue
		}
		if len(pkt.Payload) == 0 || p.hooks.OnAudio == nil {
			continue
		}
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		p.hooks.OnAudio(payload, codec)
	}
}

func (p *pionPeer) Answer(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err = p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

func (p *pionPeer) AddCandidate(c signaling.Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) Snapshot() Snapshot {
	return Snapshot{
		Peer: p.pc.ConnectionState().String(),
		ICE:  p.pc.ICEConnectionState().String(),
	}
}

func (p *pionPeer) Close() error {
	p.watch.settle()
	return p.pc.Close()
}
