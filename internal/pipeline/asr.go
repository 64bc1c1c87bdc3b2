package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/hubenschmidt/voice-gateway/internal/audio"
	"github.com/hubenschmidt/voice-gateway/internal/metrics"
)

// Transcriber turns one captured utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, clip audio.Clip) (string, error)
}

// TranscriberRouter dispatches to the configured transcription backend.
type TranscriberRouter struct {
	*Router[Transcriber]
	engine string
}

// NewTranscriberRouter routes every call to engine, falling back to fallback.
func NewTranscriberRouter(backends map[string]Transcriber, engine, fallback string) *TranscriberRouter {
	return &TranscriberRouter{Router: NewRouter(backends, fallback), engine: engine}
}

func (r *TranscriberRouter) Transcribe(ctx context.Context, clip audio.Clip) (string, error) {
	backend, err := r.Route(r.engine)
	if err != nil {
		return "", err
	}
	return backend.Transcribe(ctx, clip)
}

// MultipartASRClient sends audio as multipart WAV to any whisper-compatible HTTP endpoint.
// Backends differ only by endpoint path (/inference for whisper.cpp,
// /transcribe for ROCm whisper).
type MultipartASRClient struct {
	url      string
	endpoint string
	label    string
	client   *http.Client
}

// NewWhisperClient creates a client for whisper.cpp (/inference endpoint).
func NewWhisperClient(url string, pool HTTPPool) *MultipartASRClient {
	return &MultipartASRClient{
		url:      url,
		endpoint: "/inference",
		label:    "whisper",
		client:   NewStageClient("asr", pool),
	}
}

// NewROCmWhisperClient creates a client for the ROCm whisper API (/transcribe endpoint).
func NewROCmWhisperClient(url string, pool HTTPPool) *MultipartASRClient {
	return &MultipartASRClient{
		url:      url,
		endpoint: "/transcribe",
		label:    "rocm-whisper",
		client:   NewStageClient("asr", pool),
	}
}

// Warmup sends a tiny silent clip to verify the server is responsive.
func (c *MultipartASRClient) Warmup(ctx context.Context) error {
	silence := audio.SamplesToWAV(make([]float32, audio.ASRSampleRate), audio.ASRSampleRate)
	_, err := c.post(ctx, silence)
	if err != nil {
		return fmt.Errorf("%s warmup: %w", c.label, err)
	}
	return nil
}

// Transcribe decodes clip to 16 kHz WAV and posts it as multipart form data.
func (c *MultipartASRClient) Transcribe(ctx context.Context, clip audio.Clip) (string, error) {
	start := time.Now()

	wav, err := clip.WAV()
	if err != nil {
		return "", fmt.Errorf("encode wav: %w", err)
	}
	text, err := c.post(ctx, wav)
	if err != nil {
		return "", err
	}

	metrics.StageDuration.WithLabelValues("asr").Observe(time.Since(start).Seconds())
	return text, nil
}

func (c *MultipartASRClient) post(ctx context.Context, wav []byte) (string, error) {
	body, contentType, err := buildMultipartAudio(wav)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+c.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("create %s request: %w", c.label, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("asr", "http").Inc()
		return "", fmt.Errorf("%s request: %w", c.label, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("asr", "status").Inc()
		return "", fmt.Errorf("%s status %d: %s", c.label, resp.StatusCode, string(respBody))
	}

	var result whisperResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode %s response: %w", c.label, err)
	}
	return result.Text, nil
}

type whisperResponse struct {
	Text string `json:"text"`
}

func buildMultipartAudio(wavData []byte) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err = part.Write(wavData); err != nil {
		return nil, "", fmt.Errorf("write wav data: %w", err)
	}
	if err = writer.WriteField("response_format", "json"); err != nil {
		return nil, "", fmt.Errorf("write field: %w", err)
	}
	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}
