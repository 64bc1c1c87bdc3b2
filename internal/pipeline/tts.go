package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hubenschmidt/voice-gateway/internal/metrics"
)

// Synthesizer produces a complete audio buffer from text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Chunk is one piece of a synthesis stream. A chunk with Err set is the last.
type Chunk struct {
	Data []byte
	Err  error
}

// StreamSynthesizer produces audio incrementally. An error return means no
// audio was produced; failures after that arrive as a Chunk with Err.
type StreamSynthesizer interface {
	SynthesizeStream(ctx context.Context, text string) (<-chan Chunk, error)
}

// SynthesizerRouter dispatches to the configured synthesis backend. It
// implements both synthesis modes; backends without native streaming are
// streamed sentence by sentence.
type SynthesizerRouter struct {
	*Router[Synthesizer]
	engine string
}

func NewSynthesizerRouter(backends map[string]Synthesizer, engine, fallback string) *SynthesizerRouter {
	return &SynthesizerRouter{Router: NewRouter(backends, fallback), engine: engine}
}

func (r *SynthesizerRouter) Synthesize(ctx context.Context, text string) ([]byte, error) {
	start := time.Now()
	backend, err := r.Route(r.engine)
	if err != nil {
		return nil, err
	}
	audioData, err := backend.Synthesize(ctx, text)
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "synth").Inc()
		return nil, err
	}
	metrics.StageDuration.WithLabelValues("tts").Observe(time.Since(start).Seconds())
	return audioData, nil
}

func (r *SynthesizerRouter) SynthesizeStream(ctx context.Context, text string) (<-chan Chunk, error) {
	backend, err := r.Route(r.engine)
	if err != nil {
		return nil, err
	}
	if s, ok := backend.(StreamSynthesizer); ok {
		ch, err := s.SynthesizeStream(ctx, text)
		if err != nil {
			metrics.Errors.WithLabelValues("tts", "stream").Inc()
		}
		return ch, err
	}
	return SentenceStream(ctx, backend, text)
}

// --- Piper backend (local neural TTS via piper-tts, returns WAV) ---

type piperSynthesizer struct {
	url        string
	voice      string
	client     *http.Client
	chunkBytes int
}

func NewPiperSynthesizer(url, voice string, client *http.Client, chunkBytes int) Synthesizer {
	return &piperSynthesizer{url: url, voice: voice, client: client, chunkBytes: chunkBytes}
}

func (p *piperSynthesizer) request(ctx context.Context, text string) (*http.Request, error) {
	body, err := json.Marshal(struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}{Text: text, Voice: p.voice})
	if err != nil {
		return nil, fmt.Errorf("marshal piper request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.url+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create piper request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (p *piperSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	req, err := p.request(ctx, text)
	if err != nil {
		return nil, err
	}
	return doTTSRequest(p.client, req)
}

func (p *piperSynthesizer) SynthesizeStream(ctx context.Context, text string) (<-chan Chunk, error) {
	req, err := p.request(ctx, text)
	if err != nil {
		return nil, err
	}
	return streamTTSRequest(ctx, p.client, req, p.chunkBytes)
}

// --- OpenAI-compatible backend (Kokoro, Orpheus: any server exposing /v1/audio/speech) ---

type openaiSynthesizer struct {
	url        string
	model      string
	voice      string
	client     *http.Client
	chunkBytes int
}

func NewOpenAISynthesizer(url, model, voice string, client *http.Client, chunkBytes int) Synthesizer {
	return &openaiSynthesizer{url: url, model: model, voice: voice, client: client, chunkBytes: chunkBytes}
}

func (o *openaiSynthesizer) request(ctx context.Context, text string) (*http.Request, error) {
	body, err := json.Marshal(struct {
		Input          string `json:"input"`
		Model          string `json:"model"`
		Voice          string `json:"voice"`
		ResponseFormat string `json:"response_format"`
	}{Input: text, Model: o.model, Voice: o.voice, ResponseFormat: "wav"})
	if err != nil {
		return nil, fmt.Errorf("marshal openai tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", o.url+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create openai tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (o *openaiSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	req, err := o.request(ctx, text)
	if err != nil {
		return nil, err
	}
	return doTTSRequest(o.client, req)
}

func (o *openaiSynthesizer) SynthesizeStream(ctx context.Context, text string) (<-chan Chunk, error) {
	req, err := o.request(ctx, text)
	if err != nil {
		return nil, err
	}
	return streamTTSRequest(ctx, o.client, req, o.chunkBytes)
}

// --- ElevenLabs backend (cloud API, returns MP3 via api.elevenlabs.io) ---

type elevenlabsSynthesizer struct {
	baseURL    string
	apiKey     string
	voiceID    string
	modelID    string
	client     *http.Client
	chunkBytes int
}

func NewElevenLabsSynthesizer(apiKey, voiceID, modelID string, client *http.Client, chunkBytes int) Synthesizer {
	return &elevenlabsSynthesizer{
		baseURL:    "https://api.elevenlabs.io",
		apiKey:     apiKey,
		voiceID:    voiceID,
		modelID:    modelID,
		client:     client,
		chunkBytes: chunkBytes,
	}
}

func (e *elevenlabsSynthesizer) request(ctx context.Context, text, suffix string) (*http.Request, error) {
	body, err := json.Marshal(struct {
		Text    string `json:"text"`
		ModelID string `json:"model_id"`
	}{Text: text, ModelID: e.modelID})
	if err != nil {
		return nil, fmt.Errorf("marshal elevenlabs request: %w", err)
	}
	url := fmt.Sprintf("%s/v1/text-to-speech/%s%s", e.baseURL, e.voiceID, suffix)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create elevenlabs request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Accept", "audio/mpeg")
	return req, nil
}

func (e *elevenlabsSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	req, err := e.request(ctx, text, "")
	if err != nil {
		return nil, err
	}
	return doTTSRequest(e.client, req)
}

func (e *elevenlabsSynthesizer) SynthesizeStream(ctx context.Context, text string) (<-chan Chunk, error) {
	req, err := e.request(ctx, text, "/stream")
	if err != nil {
		return nil, err
	}
	return streamTTSRequest(ctx, e.client, req, e.chunkBytes)
}

// --- MeloTTS backend (self-hosted multilingual TTS, /convert/tts endpoint) ---

type meloSynthesizer struct {
	url    string
	client *http.Client
}

func NewMeloSynthesizer(url string, client *http.Client) Synthesizer {
	return &meloSynthesizer{url: url, client: client}
}

func (m *meloSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(struct {
		Text      string  `json:"text"`
		Speed     float64 `json:"speed"`
		Language  string  `json:"language"`
		SpeakerID string  `json:"speaker_id"`
	}{Text: text, Speed: 1.0, Language: "EN", SpeakerID: "EN-Default"})
	if err != nil {
		return nil, fmt.Errorf("marshal melo request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", m.url+"/convert/tts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create melo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return doTTSRequest(m.client, req)
}

// --- shared HTTP helpers ---

func doTTSRequest(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts body: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("tts returned no audio")
	}
	return data, nil
}

// streamTTSRequest forwards the response body in chunkBytes pieces as it
// arrives. A bad status is returned directly since no audio was produced.
func streamTTSRequest(ctx context.Context, client *http.Client, req *http.Request, chunkBytes int) (<-chan Chunk, error) {
	if chunkBytes <= 0 {
		chunkBytes = 16 * 1024
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("tts status %d", resp.StatusCode)
	}

	ch := make(chan Chunk, 4)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		for {
			buf := make([]byte, chunkBytes)
			n, err := io.ReadFull(resp.Body, buf)
			if n > 0 && !sendChunk(ctx, ch, Chunk{Data: buf[:n]}) {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			if err != nil {
				sendChunk(ctx, ch, Chunk{Err: fmt.Errorf("read tts stream: %w", err)})
				return
			}
		}
	}()
	return ch, nil
}

func sendChunk(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
