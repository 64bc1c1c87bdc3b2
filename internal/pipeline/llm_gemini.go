package pipeline

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/hubenschmidt/voice-gateway/internal/metrics"
)

// GeminiLLM generates replies with the Gemini API.
type GeminiLLM struct {
	client    *genai.Client
	model     string
	maxTokens int
}

func NewGeminiLLM(ctx context.Context, apiKey, model string, maxTokens int) (*GeminiLLM, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiLLM{client: client, model: model, maxTokens: maxTokens}, nil
}

func (g *GeminiLLM) Generate(ctx context.Context, prompt Prompt) (string, error) {
	contents := make([]*genai.Content, 0, 2*len(prompt.History)+1)
	for _, t := range prompt.History {
		contents = append(contents,
			&genai.Content{Role: "user", Parts: []*genai.Part{{Text: t.User}}},
			&genai.Content{Role: "model", Parts: []*genai.Part{{Text: t.Assistant}}},
		)
	}
	contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: prompt.User}}})

	cfg := &genai.GenerateContentConfig{MaxOutputTokens: int32(g.maxTokens)}
	if prompt.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: prompt.System}}}
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "gemini").Inc()
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return text.String(), nil
}
