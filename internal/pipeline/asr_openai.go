package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/hubenschmidt/voice-gateway/internal/audio"
	"github.com/hubenschmidt/voice-gateway/internal/metrics"
)

// OpenAITranscriber uses the OpenAI audio transcription API, or any server
// exposing the same /v1/audio/transcriptions surface.
type OpenAITranscriber struct {
	client openai.Client
	model  string
}

func NewOpenAITranscriber(apiKey, baseURL, model string) *OpenAITranscriber {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	return &OpenAITranscriber{client: openai.NewClient(opts...), model: model}
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, clip audio.Clip) (string, error) {
	start := time.Now()

	wav, err := clip.WAV()
	if err != nil {
		return "", fmt.Errorf("encode wav: %w", err)
	}
	res, err := t.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: openai.AudioModel(t.model),
	})
	if err != nil {
		metrics.Errors.WithLabelValues("asr", "openai").Inc()
		return "", fmt.Errorf("openai transcription: %w", err)
	}

	metrics.StageDuration.WithLabelValues("asr").Observe(time.Since(start).Seconds())
	return res.Text, nil
}
