// Package session owns per-connection state: the capture window, the
// pipeline worker, and the registry of live connections.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/voice-gateway/internal/audio"
	"github.com/hubenschmidt/voice-gateway/internal/metrics"
	"github.com/hubenschmidt/voice-gateway/internal/pipeline"
	"github.com/hubenschmidt/voice-gateway/internal/signaling"
)

// ErrQueueFull is returned when a flush arrives while the run queue is full.
var ErrQueueFull = errors.New("pipeline queue full")

// Processor runs one utterance. *pipeline.Pipeline implements it.
type Processor interface {
	Process(ctx context.Context, u pipeline.Utterance) (pipeline.Outcome, error)
}

// Notifier sends control messages to the client.
type Notifier interface {
	Send(ctx context.Context, msg signaling.Message) error
}

type Config struct {
	Gate GateConfig
	// QueueDepth bounds flushed utterances waiting behind the active run.
	QueueDepth int
	// AutoFlush closes the window when the VAD detects end of speech.
	AutoFlush bool
	VAD       audio.VADConfig
}

func DefaultConfig() Config {
	return Config{
		Gate:       DefaultGateConfig(),
		QueueDepth: 2,
		VAD:        audio.DefaultVADConfig(),
	}
}

type job struct {
	utt pipeline.Utterance
	// ready is closed once listening-stopped has been sent, so the run's
	// framing always follows it.
	ready chan struct{}
	// epoch is the session's fatal-run count at enqueue time.
	epoch uint64
}

// Session exists while its connection's transport is usable.
type Session struct {
	connectionID string
	cfg          Config
	proc         Processor
	out          Notifier
	log          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	gate   *CaptureGate
	vad    *audio.VAD
	halted bool
	// epoch counts fatal runs; jobs queued before one are dropped.
	epoch uint64

	queue     chan job
	done      chan struct{}
	closeOnce sync.Once
}

// New starts a session and its pipeline worker. The session stops when
// parent is cancelled or Close is called.
func New(parent context.Context, connectionID string, cfg Config, proc Processor, out Notifier, logger *slog.Logger) *Session {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		connectionID: connectionID,
		cfg:          cfg,
		proc:         proc,
		out:          out,
		log:          logger,
		ctx:          ctx,
		cancel:       cancel,
		gate:         NewCaptureGate(cfg.Gate),
		vad:          audio.NewVAD(cfg.VAD),
		queue:        make(chan job, cfg.QueueDepth),
		done:         make(chan struct{}),
	}
	metrics.SessionsActive.Inc()
	go s.worker()
	return s
}

// CaptureState is exposed for status and tests.
func (s *Session) CaptureState() CaptureState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate.State()
}

// CapturedBytes counts audio accepted over the session's lifetime.
func (s *Session) CapturedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate.TotalBytes()
}

// StartListening opens the capture window. Repeating it while listening
// changes nothing but the confirmation is sent again.
func (s *Session) StartListening(ctx context.Context, commandID string) {
	s.mu.Lock()
	s.halted = false
	opened := s.gate.Start()
	if opened {
		s.vad.Reset()
	}
	state := s.gate.State()
	s.mu.Unlock()

	s.log.Debug("start listening", "command_id", commandID, "opened", opened, "capture_state", state.String())
	s.send(ctx, signaling.ListeningStarted(commandID))
}

// StopListening flushes the buffer to the pipeline. While idle it only
// confirms.
func (s *Session) StopListening(ctx context.Context) {
	s.flush(ctx, "stop")
}

// Append feeds one inbound audio chunk through the gate. Reaching the
// buffer ceiling, or end of speech when AutoFlush is on, flushes.
func (s *Session) Append(ctx context.Context, chunk []byte, codec audio.Codec, rate int) AppendResult {
	s.mu.Lock()
	res := s.gate.Append(chunk, codec, rate)
	endOfSpeech := false
	if res == AppendAccepted && s.cfg.AutoFlush {
		endOfSpeech = s.observeSpeech(chunk, codec, rate)
	}
	s.mu.Unlock()

	metrics.CaptureChunks.WithLabelValues(res.String()).Inc()
	if res == AppendAccepted || res == AppendFull {
		metrics.CaptureBytes.Add(float64(len(chunk)))
	}

	switch {
	case res == AppendFull:
		s.log.Info("capture ceiling reached, flushing")
		s.flush(ctx, "ceiling")
	case endOfSpeech:
		metrics.SpeechSegments.Inc()
		s.flush(ctx, "vad")
	}
	return res
}

func (s *Session) observeSpeech(chunk []byte, codec audio.Codec, rate int) bool {
	samples, srcRate, err := audio.Decode(chunk, codec, rate)
	if err != nil {
		return false
	}
	return s.vad.Observe(samples, srcRate)
}

func (s *Session) flush(ctx context.Context, reason string) {
	s.mu.Lock()
	clip, ok := s.gate.BeginFlush()
	if !ok {
		s.mu.Unlock()
		s.send(ctx, signaling.ListeningStopped())
		return
	}
	j := job{
		utt: pipeline.Utterance{
			RequestID: uuid.NewString(),
			Clip:      clip,
			FlushedAt: time.Now(),
		},
		ready: make(chan struct{}),
		epoch: s.epoch,
	}
	var err error
	select {
	case s.queue <- j:
	default:
		err = ErrQueueFull
	}
	s.gate.EndFlush()
	s.vad.Reset()
	s.mu.Unlock()

	s.log.Info("capture flushed", "reason", reason, "bytes", len(clip.Data), "request_id", j.utt.RequestID)
	s.send(ctx, signaling.ListeningStopped())
	close(j.ready)

	if err != nil {
		metrics.PipelineQueueRejected.Inc()
		s.log.Warn("dropping utterance", "error", err)
		s.send(ctx, signaling.Error(signaling.CodePipelineBusy, "a previous utterance is still being processed"))
	}
}

func (s *Session) worker() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.queue:
			select {
			case <-j.ready:
			case <-s.ctx.Done():
				return
			}
			if s.stale(j) {
				s.log.Info("dropping utterance queued before a failed run", "request_id", j.utt.RequestID)
				metrics.Errors.WithLabelValues("session", "dropped_after_fatal").Inc()
				continue
			}
			s.run(j.utt)
		}
	}
}

func (s *Session) stale(j job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return j.epoch != s.epoch
}

func (s *Session) run(u pipeline.Utterance) {
	outcome, err := s.proc.Process(s.ctx, u)
	if err != nil {
		s.mu.Lock()
		s.halted = true
		s.epoch++
		s.mu.Unlock()
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn("pipeline run failed, listening not resumed", "request_id", u.RequestID, "error", err)
		metrics.Errors.WithLabelValues("session", "run_fatal").Inc()
		s.send(s.ctx, signaling.Error(signaling.CodeStreamFailed, "response could not be delivered"))
		return
	}

	s.mu.Lock()
	if s.halted || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if s.gate.Start() {
		s.vad.Reset()
	}
	s.mu.Unlock()

	s.log.Debug("resuming listening", "request_id", u.RequestID, "outcome", outcome)
	s.send(s.ctx, signaling.ListeningStarted(""))
}

func (s *Session) send(ctx context.Context, msg signaling.Message) {
	if err := s.out.Send(ctx, msg); err != nil {
		s.log.Debug("send failed", "type", msg.Type, "error", err)
	}
}

// Close cancels in-flight work and waits for the worker to exit.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		metrics.SessionsActive.Dec()
	})
}
