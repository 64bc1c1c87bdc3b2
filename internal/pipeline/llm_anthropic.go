package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hubenschmidt/voice-gateway/internal/metrics"
)

// AnthropicLLMClient streams replies from the Anthropic Messages API.
type AnthropicLLMClient struct {
	apiKey    string
	url       string
	model     string
	maxTokens int
	client    *http.Client
}

func NewAnthropicLLMClient(apiKey, url, model string, maxTokens int, pool HTTPPool) *AnthropicLLMClient {
	return &AnthropicLLMClient{
		apiKey:    apiKey,
		url:       url,
		model:     model,
		maxTokens: maxTokens,
		client:    NewStageClient("llm", pool),
	}
}

func (c *AnthropicLLMClient) Generate(ctx context.Context, prompt Prompt) (string, error) {
	messages := make([]anthropicMessage, 0, 2*len(prompt.History)+1)
	for _, t := range prompt.History {
		messages = append(messages,
			anthropicMessage{Role: "user", Content: t.User},
			anthropicMessage{Role: "assistant", Content: t.Assistant},
		)
	}
	messages = append(messages, anthropicMessage{Role: "user", Content: prompt.User})

	body, err := json.Marshal(anthropicRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Stream:    true,
		System:    prompt.System,
		Messages:  messages,
	})
	if err != nil {
		return "", fmt.Errorf("marshal anthropic request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "http").Inc()
		return "", fmt.Errorf("anthropic request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("llm", "status").Inc()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("anthropic status %d: %s", resp.StatusCode, errBody)
	}
	return collectAnthropicText(resp.Body)
}

// collectAnthropicText joins text deltas until message_stop. An error event
// mid-stream (overload, rate limit) fails the whole reply.
func collectAnthropicText(body io.Reader) (string, error) {
	var text strings.Builder
	var streamErr error
	err := readSSE(body, func(event, data string) bool {
		switch event {
		case "message_stop":
			return false
		case "error":
			var e anthropicErrorEvent
			_ = json.Unmarshal([]byte(data), &e)
			metrics.Errors.WithLabelValues("llm", "stream").Inc()
			streamErr = fmt.Errorf("anthropic stream: %s: %s", e.Error.Type, e.Error.Message)
			return false
		case "content_block_delta":
			var delta anthropicDeltaEvent
			if json.Unmarshal([]byte(data), &delta) == nil && delta.Delta.Type == "text_delta" {
				text.WriteString(delta.Delta.Text)
			}
		}
		return true
	})
	if streamErr != nil {
		return "", streamErr
	}
	if err != nil {
		return "", fmt.Errorf("read anthropic stream: %w", err)
	}
	return text.String(), nil
}

// readSSE calls fn for each server-sent event until fn returns false or the
// body ends. Multi-line data fields are joined with newlines.
func readSSE(body io.Reader, fn func(event, data string) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var event string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 && !fn(event, strings.Join(data, "\n")) {
				return nil
			}
			event, data = "", data[:0]
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if len(data) > 0 {
		fn(event, strings.Join(data, "\n"))
	}
	return scanner.Err()
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicDeltaEvent struct {
	Delta anthropicDelta `json:"delta"`
}

type anthropicDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
