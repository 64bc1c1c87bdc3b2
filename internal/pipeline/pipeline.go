package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hubenschmidt/voice-gateway/internal/audio"
	"github.com/hubenschmidt/voice-gateway/internal/metrics"
	"github.com/hubenschmidt/voice-gateway/internal/outbound"
	"github.com/hubenschmidt/voice-gateway/internal/prompts"
	"github.com/hubenschmidt/voice-gateway/internal/signaling"
	"github.com/hubenschmidt/voice-gateway/internal/trace"
)

// Config holds per-session pipeline settings.
type Config struct {
	SystemPrompt string
	// StageTimeout bounds each capability call. A timeout is recoverable.
	StageTimeout time.Duration
	// Stream selects chunk-stream synthesis over whole-buffer synthesis.
	Stream     bool
	MaxHistory int
}

func DefaultConfig() Config {
	return Config{
		SystemPrompt: prompts.DefaultSystem,
		StageTimeout: 20 * time.Second,
		Stream:       true,
		MaxHistory:   8,
	}
}

// Deps are the capabilities a pipeline calls. StreamSynthesizer is only
// needed in stream mode.
type Deps struct {
	Transcriber       Transcriber
	Responder         Responder
	Synthesizer       Synthesizer
	StreamSynthesizer StreamSynthesizer
}

// Stage names used in logs, spans and metrics.
const (
	StageTranscribing = "transcribing"
	StageGenerating   = "generating"
	StageSynthesizing = "synthesizing"
	StageStreaming    = "streaming"
)

// Outcome classifies a finished run.
type Outcome string

const (
	OutcomeOK              Outcome = "ok"
	OutcomeDidntHear       Outcome = "didnt_hear"
	OutcomeApology         Outcome = "apology"
	OutcomeSynthesisFailed Outcome = "synthesis_failed"
	OutcomeFatal           Outcome = "fatal"
)

// Utterance is one flushed capture window handed to the pipeline.
type Utterance struct {
	RequestID string
	Clip      audio.Clip
	FlushedAt time.Time
}

// Pipeline drives utterances for one session through
// transcribe → generate → synthesize → stream. It is not safe for
// concurrent use; the session runs it from a single worker.
type Pipeline struct {
	cfg      Config
	deps     Deps
	streamer *outbound.Streamer
	tracer   *trace.Tracer
	log      *slog.Logger
	history  []Turn
	pending  <-chan Chunk
}

// New creates a pipeline for a single session. tracer may be nil.
func New(cfg Config, deps Deps, streamer *outbound.Streamer, tracer *trace.Tracer, logger *slog.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = def.StageTimeout
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	cfg.SystemPrompt = prompts.ForSession(cfg.SystemPrompt)
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, deps: deps, streamer: streamer, tracer: tracer, log: logger}
}

// History returns a copy of the completed turns.
func (p *Pipeline) History() []Turn {
	return append([]Turn(nil), p.history...)
}

// Process runs one utterance to completion. Step failures are replaced by
// canned replies and reported only through the Outcome; a non-nil error
// means the run was aborted (client unreachable or ctx cancelled) and
// listening must not resume.
func (p *Pipeline) Process(ctx context.Context, u Utterance) (Outcome, error) {
	start := u.FlushedAt
	if start.IsZero() {
		start = time.Now()
	}
	log := p.log.With("request_id", u.RequestID)
	p.tracer.StartRun(u.RequestID)

	transcript, reply, outcome, err := p.respond(ctx, u, log)
	if err == nil {
		var spoke Outcome
		spoke, err = p.speak(ctx, u.RequestID, reply, start, log)
		if spoke != OutcomeOK {
			outcome = spoke
		}
	}
	if err != nil {
		outcome = OutcomeFatal
	}

	metrics.PipelineRuns.WithLabelValues(string(outcome)).Inc()
	p.tracer.EndRun(u.RequestID, time.Since(start), transcript, reply, string(outcome))
	if err != nil {
		log.Warn("pipeline aborted", "error", err)
		return outcome, err
	}
	log.Info("pipeline_done", "outcome", outcome, "e2e_ms", time.Since(start).Milliseconds())
	return outcome, nil
}

// respond produces the text to speak. Only cancellation of ctx is an error.
func (p *Pipeline) respond(ctx context.Context, u Utterance, log *slog.Logger) (string, string, Outcome, error) {
	if err := ctx.Err(); err != nil {
		return "", "", OutcomeFatal, err
	}
	if u.Clip.Empty() {
		return "", p.canned(OutcomeDidntHear, "empty_buffer"), OutcomeDidntHear, nil
	}

	stageStart := time.Now()
	transcript, err := p.transcribe(ctx, u.Clip)
	p.tracer.RecordSpan(u.RequestID, StageTranscribing, stageStart, fmt.Sprintf("audio_bytes=%d", len(u.Clip.Data)), transcript, err)
	if err != nil {
		if ctx.Err() != nil {
			return "", "", OutcomeFatal, ctx.Err()
		}
		log.Warn("transcription failed", "error", err)
		metrics.Errors.WithLabelValues("asr", errorKind(err)).Inc()
		return "", p.canned(OutcomeApology, "transcription_failed"), OutcomeApology, nil
	}

	transcript = strings.TrimSpace(transcript)
	if transcript == "" || isNoiseTranscript(transcript) {
		metrics.ASRNoiseFiltered.Inc()
		log.Info("no speech in transcript", "text", transcript)
		return transcript, p.canned(OutcomeDidntHear, "no_speech"), OutcomeDidntHear, nil
	}
	log.Info("transcript", "text", transcript, "asr_ms", time.Since(stageStart).Milliseconds())

	stageStart = time.Now()
	reply, err := p.generate(ctx, transcript)
	reply = strings.TrimSpace(reply)
	p.tracer.RecordSpan(u.RequestID, StageGenerating, stageStart, transcript, reply, err)
	if err != nil {
		if ctx.Err() != nil {
			return transcript, "", OutcomeFatal, ctx.Err()
		}
		log.Warn("generation failed", "error", err)
		metrics.Errors.WithLabelValues("llm", errorKind(err)).Inc()
		return transcript, p.canned(OutcomeApology, "generation_failed"), OutcomeApology, nil
	}
	if reply == "" {
		log.Warn("generation returned no text")
		return transcript, p.canned(OutcomeApology, "empty_reply"), OutcomeApology, nil
	}
	log.Info("llm_response", "text", reply, "llm_ms", time.Since(stageStart).Milliseconds())

	p.remember(Turn{User: transcript, Assistant: reply})
	return transcript, reply, OutcomeOK, nil
}

func (p *Pipeline) canned(o Outcome, reason string) string {
	metrics.CannedResponses.WithLabelValues(reason).Inc()
	if o == OutcomeDidntHear {
		return prompts.DidntHear
	}
	return prompts.Apology
}

func (p *Pipeline) transcribe(ctx context.Context, clip audio.Clip) (string, error) {
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()
	return p.deps.Transcriber.Transcribe(stageCtx, clip)
}

func (p *Pipeline) generate(ctx context.Context, transcript string) (string, error) {
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()
	return p.deps.Responder.Generate(stageCtx, Prompt{
		System:  p.cfg.SystemPrompt,
		History: p.History(),
		User:    transcript,
	})
}

func (p *Pipeline) remember(t Turn) {
	p.history = append(p.history, t)
	if over := len(p.history) - p.cfg.MaxHistory; over > 0 {
		p.history = p.history[over:]
	}
}

// speak synthesizes text and frames it to the client. A synthesis failure
// before any audio is reported with an error message and is recoverable.
func (p *Pipeline) speak(ctx context.Context, requestID, text string, flushedAt time.Time, log *slog.Logger) (Outcome, error) {
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	stageStart := time.Now()
	first, err := p.synthesize(stageCtx, text)
	if err != nil {
		p.tracer.RecordSpan(requestID, StageSynthesizing, stageStart, text, "", err)
		if ctx.Err() != nil {
			return OutcomeFatal, ctx.Err()
		}
		log.Warn("synthesis failed", "error", err)
		metrics.Errors.WithLabelValues("tts", errorKind(err)).Inc()
		if sendErr := p.streamer.Error(ctx, signaling.CodeSynthesisFailed, "speech synthesis failed"); sendErr != nil {
			return OutcomeFatal, sendErr
		}
		return OutcomeSynthesisFailed, nil
	}
	p.tracer.RecordSpan(requestID, StageSynthesizing, stageStart, text, fmt.Sprintf("first_chunk_bytes=%d", len(first.Data)), nil)

	streamStart := time.Now()
	stream, err := p.streamer.Begin(ctx, requestID)
	if err != nil {
		return OutcomeFatal, err
	}
	metrics.E2EDuration.Observe(time.Since(flushedAt).Seconds())

	werr := stream.Write(ctx, first.Data)
	for werr == nil {
		chunk, ok := p.nextChunk(stageCtx)
		if !ok {
			break
		}
		if chunk.Err != nil {
			log.Warn("synthesis stream interrupted", "error", chunk.Err)
			metrics.Errors.WithLabelValues("tts", "stream").Inc()
			break
		}
		werr = stream.Write(ctx, chunk.Data)
	}
	cancel()
	err = stream.End(ctx)
	p.tracer.RecordSpan(requestID, StageStreaming, streamStart, "", fmt.Sprintf("audio_bytes=%d", stream.Sent()), err)
	if err != nil {
		return OutcomeFatal, err
	}
	if ctx.Err() != nil {
		return OutcomeFatal, ctx.Err()
	}
	return OutcomeOK, nil
}

// synthesize returns the first chunk of audio. In stream mode the rest is
// read with nextChunk.
func (p *Pipeline) synthesize(ctx context.Context, text string) (Chunk, error) {
	p.pending = nil
	if !p.cfg.Stream || p.deps.StreamSynthesizer == nil {
		data, err := p.deps.Synthesizer.Synthesize(ctx, text)
		if err != nil {
			return Chunk{}, err
		}
		if len(data) == 0 {
			return Chunk{}, errNoAudio
		}
		return Chunk{Data: data}, nil
	}

	ch, err := p.deps.StreamSynthesizer.SynthesizeStream(ctx, text)
	if err != nil {
		return Chunk{}, err
	}
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return Chunk{}, errNoAudio
			}
			if c.Err != nil {
				return Chunk{}, c.Err
			}
			if len(c.Data) == 0 {
				continue
			}
			p.pending = ch
			return c, nil
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
	}
}

func (p *Pipeline) nextChunk(ctx context.Context) (Chunk, bool) {
	if p.pending == nil {
		return Chunk{}, false
	}
	select {
	case c, ok := <-p.pending:
		if !ok {
			p.pending = nil
		}
		return c, ok
	case <-ctx.Done():
		p.pending = nil
		return Chunk{Err: ctx.Err()}, true
	}
}

var errNoAudio = errors.New("synthesizer produced no audio")

func errorKind(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}
