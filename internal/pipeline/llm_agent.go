package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/hubenschmidt/voice-gateway/internal/metrics"
)

// AgentLLM generates replies through the openai-agents-go SDK, so any
// OpenAI-compatible chat endpoint can serve as a responder.
type AgentLLM struct {
	provider  agents.ModelProvider
	model     string
	maxTokens int
}

// NewOpenAIProvider builds a chat-completions provider for apiKey/baseURL.
// An empty baseURL uses the SDK default.
func NewOpenAIProvider(apiKey, baseURL string) agents.ModelProvider {
	params := agents.OpenAIProviderParams{
		APIKey:       param.NewOpt(apiKey),
		UseResponses: param.NewOpt(false),
	}
	if baseURL != "" {
		params.BaseURL = param.NewOpt(baseURL)
	}
	return agents.NewOpenAIProvider(params)
}

func NewAgentLLM(provider agents.ModelProvider, model string, maxTokens int) *AgentLLM {
	return &AgentLLM{provider: provider, model: model, maxTokens: maxTokens}
}

// Generate runs a single-turn agent over the flattened conversation.
func (a *AgentLLM) Generate(ctx context.Context, prompt Prompt) (string, error) {
	agent := agents.New("assistant").
		WithInstructions(prompt.System).
		WithModel(a.model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(a.maxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   a.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	events, errCh, err := runner.RunStreamedChan(ctx, agent, prompt.Flatten())
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "agent").Inc()
		return "", fmt.Errorf("llm stream start: %w", err)
	}

	var text strings.Builder
	for ev := range events {
		text.WriteString(textDelta(ev))
	}
	if streamErr := <-errCh; streamErr != nil {
		metrics.Errors.WithLabelValues("llm", "agent").Inc()
		return "", fmt.Errorf("llm stream: %w", streamErr)
	}
	return text.String(), nil
}

func textDelta(ev agents.StreamEvent) string {
	raw, ok := ev.(agents.RawResponsesStreamEvent)
	if !ok || raw.Data.Type != "response.output_text.delta" {
		return ""
	}
	return raw.Data.Delta
}
