// Command loadtest drives concurrent synthetic callers against the gateway:
// each negotiates a real WebRTC peer, streams a tone, and times the reply.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/hubenschmidt/voice-gateway/internal/audio"
	"github.com/hubenschmidt/voice-gateway/internal/signaling"
)

func main() {
	gateway := flag.String("gateway", "ws://localhost:8000/ws", "gateway WebSocket URL")
	concurrency := flag.Int("concurrency", 10, "number of concurrent callers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	media := flag.String("media", "ws", "inbound audio path: ws (binary frames) or rtp (WebRTC track)")
	speech := flag.Duration("speech", 2*time.Second, "length of each synthetic utterance")
	stun := flag.String("stun", "stun:stun.l.google.com:19302", "STUN server for the client peer")
	flag.Parse()

	if *media != "ws" && *media != "rtp" {
		fmt.Fprintf(os.Stderr, "unknown -media %q\n", *media)
		os.Exit(2)
	}

	fmt.Printf("Load test: %d concurrent calls for %s\n", *concurrency, *duration)
	fmt.Printf("Gateway: %s | Media: %s | Utterance: %s\n\n", *gateway, *media, *speech)

	var mu sync.Mutex
	var results []callResult
	var wg sync.WaitGroup

	deadline := time.Now().Add(*duration)
	opts := callOptions{gateway: *gateway, media: *media, speech: *speech, stun: *stun}

	for range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for time.Now().Before(deadline) {
				r := runCall(opts)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	printSummary(results)
}

type callOptions struct {
	gateway string
	media   string
	speech  time.Duration
	stun    string
}

type callResult struct {
	success     bool
	negotiateMs float64
	firstByteMs float64
	totalMs     float64
	audioBytes  int
	err         string
}

// caller is one synthetic client. Inbound frames are read on one goroutine
// and handed over on msgs.
type caller struct {
	conn  *websocket.Conn
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticRTP
	msgs  chan signaling.Message
	audio chan int
	errc  chan error
}

func runCall(opts callOptions) callResult {
	c, err := dial(opts)
	if err != nil {
		return callResult{err: err.Error()}
	}
	defer c.close()

	start := time.Now()
	if err := c.negotiate(); err != nil {
		return callResult{err: fmt.Sprintf("negotiate: %v", err)}
	}
	negotiated := time.Since(start)

	if err := c.startListening(); err != nil {
		return callResult{err: fmt.Sprintf("start listening: %v", err)}
	}
	if err := c.speak(opts); err != nil {
		return callResult{err: fmt.Sprintf("send audio: %v", err)}
	}

	stopped := time.Now()
	if err := c.send(signaling.Message{Type: signaling.TypeStopListening}); err != nil {
		return callResult{err: fmt.Sprintf("stop listening: %v", err)}
	}
	firstByte, bytes, err := c.awaitReply()
	if err != nil {
		return callResult{err: fmt.Sprintf("reply: %v", err)}
	}
	return callResult{
		success:     true,
		negotiateMs: ms(negotiated),
		firstByteMs: ms(firstByte.Sub(stopped)),
		totalMs:     ms(time.Since(stopped)),
		audioBytes:  bytes,
	}
}

func dial(opts callOptions) (*caller, error) {
	conn, _, err := websocket.DefaultDialer.Dial(opts.gateway, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{opts.stun}}},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("peer: %w", err)
	}
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1}, "audio", "loadtest-"+uuid.NewString()[:8])
	if err != nil {
		pc.Close()
		conn.Close()
		return nil, fmt.Errorf("track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		conn.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}

	c := &caller{
		conn:  conn,
		pc:    pc,
		track: track,
		msgs:  make(chan signaling.Message, 32),
		audio: make(chan int, 256),
		errc:  make(chan error, 1),
	}
	go c.readLoop()
	return c, nil
}

func (c *caller) close() {
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.conn.Close()
	c.pc.Close()
}

func (c *caller) readLoop() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.errc <- err
			return
		}
		if msgType == websocket.BinaryMessage {
			c.audio <- len(data)
			continue
		}
		var m signaling.Message
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		if m.Type == signaling.TypeICECandidate && m.Candidate != nil {
			c.pc.AddICECandidate(webrtc.ICECandidateInit{
				Candidate:     m.Candidate.Candidate,
				SDPMid:        m.Candidate.SDPMid,
				SDPMLineIndex: m.Candidate.SDPMLineIndex,
			})
			continue
		}
		c.msgs <- m
	}
}

func (c *caller) send(m signaling.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// next waits for the next control message, failing on protocol errors.
func (c *caller) next(timeout time.Duration) (signaling.Message, error) {
	select {
	case m := <-c.msgs:
		if m.Type == signaling.TypeError {
			return m, fmt.Errorf("%s: %s", m.Code, m.Message)
		}
		return m, nil
	case err := <-c.errc:
		return signaling.Message{}, err
	case <-time.After(timeout):
		return signaling.Message{}, errors.New("timed out")
	}
}

// negotiate sends a fully gathered offer and waits for the answer and for
// the peer connection to come up.
func (c *caller) negotiate() error {
	connected := make(chan struct{})
	var once sync.Once
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			once.Do(func() { close(connected) })
		}
	})

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	<-gathered

	if err := c.send(signaling.Message{Type: signaling.TypeOffer, SDP: c.pc.LocalDescription().SDP}); err != nil {
		return err
	}
	for {
		m, err := c.next(10 * time.Second)
		if err != nil {
			return err
		}
		if m.Type != signaling.TypeAnswer {
			continue
		}
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}); err != nil {
			return err
		}
		break
	}

	select {
	case <-connected:
		return nil
	case <-time.After(10 * time.Second):
		return errors.New("peer connection not established")
	}
}

// startListening retries while the gateway has not yet confirmed the transport.
func (c *caller) startListening() error {
	var lastErr error
	for attempt := range 5 {
		cmd := fmt.Sprintf("cmd-%d", attempt)
		if err := c.send(signaling.Message{Type: signaling.TypeStartListening, CommandID: cmd}); err != nil {
			return err
		}
		m, err := c.next(5 * time.Second)
		for err == nil && !(m.Type == signaling.TypeListeningStarted && m.CommandID == cmd) {
			m, err = c.next(5 * time.Second)
		}
		if err == nil && m.Error == "" {
			return nil
		}
		if err == nil {
			err = errors.New(m.Error)
			// the rejection is followed by an error message
			c.next(time.Second)
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * 200 * time.Millisecond)
	}
	return lastErr
}

func (c *caller) speak(opts callOptions) error {
	if opts.media == "rtp" {
		return c.speakRTP(opts.speech)
	}
	const rate = 16000
	pcm := audio.EncodePCM16(syntheticSpeech(opts.speech, rate))
	chunk := 640 // 20ms at 16kHz
	for i := 0; i < len(pcm); i += chunk {
		end := min(i+chunk, len(pcm))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, pcm[i:end]); err != nil {
			return err
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}

func (c *caller) speakRTP(dur time.Duration) error {
	const rate = 8000
	ulaw := audio.EncodeG711Ulaw(syntheticSpeech(dur, rate))
	frame := 160 // 20ms at 8kHz
	ssrc := rand.Uint32()
	seq := uint16(rand.Intn(math.MaxUint16))
	ts := rand.Uint32()
	for i := 0; i < len(ulaw); i += frame {
		end := min(i+frame, len(ulaw))
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    0,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           ssrc,
			},
			Payload: ulaw[i:end],
		}
		if err := c.track.WriteRTP(pkt); err != nil {
			return err
		}
		seq++
		ts += uint32(end - i)
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}

// awaitReply reads until speaking-end and returns when the first audio frame arrived.
func (c *caller) awaitReply() (time.Time, int, error) {
	var first time.Time
	total := 0
	timeout := time.After(60 * time.Second)
	for {
		select {
		case n := <-c.audio:
			if first.IsZero() {
				first = time.Now()
			}
			total += n
		case m := <-c.msgs:
			switch m.Type {
			case signaling.TypeError:
				return first, total, fmt.Errorf("%s: %s", m.Code, m.Message)
			case signaling.TypeSpeakingEnd:
				if first.IsZero() {
					return first, total, errors.New("no audio before speaking-end")
				}
				return first, total, nil
			}
		case err := <-c.errc:
			return first, total, err
		case <-timeout:
			return first, total, errors.New("timed out")
		}
	}
}

// syntheticSpeech is a 440Hz tone with some noise so energy VADs trigger.
func syntheticSpeech(dur time.Duration, rate int) []float32 {
	n := int(dur.Seconds() * float64(rate))
	samples := audio.Tone(440, 0.3, rate, n)
	for i := range samples {
		samples[i] += float32((rand.Float64() - 0.5) * 0.05)
	}
	return samples
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

func printSummary(results []callResult) {
	var succeeded, failed int
	var negAll, firstAll, totalAll []float64
	errs := map[string]int{}

	for _, r := range results {
		if !r.success {
			failed++
			errs[r.err]++
			continue
		}
		succeeded++
		negAll = append(negAll, r.negotiateMs)
		firstAll = append(firstAll, r.firstByteMs)
		totalAll = append(totalAll, r.totalMs)
	}

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Calls completed: %d\n", succeeded)
	fmt.Printf("Calls failed:    %d\n", failed)
	for msg, n := range errs {
		fmt.Printf("  %4d × %s\n", n, msg)
	}

	if len(firstAll) == 0 {
		fmt.Println("No successful calls to report latency")
		return
	}

	fmt.Printf("\n%-10s %8s %8s %8s\n", "Stage", "p50", "p95", "p99")
	row := func(name string, data []float64) {
		fmt.Printf("%-10s %6.0fms %6.0fms %6.0fms\n", name, percentile(data, 50), percentile(data, 95), percentile(data, 99))
	}
	row("Negotiate", negAll)
	row("FirstByte", firstAll)
	row("Reply", totalAll)
}

func percentile(data []float64, pct float64) float64 {
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(data) {
		idx = len(data) - 1
	}
	return data[idx]
}
