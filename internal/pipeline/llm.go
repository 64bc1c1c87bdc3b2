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
	"time"

	"github.com/hubenschmidt/voice-gateway/internal/metrics"
)

// Turn is one completed user/assistant exchange.
type Turn struct {
	User      string
	Assistant string
}

// Prompt is the generation input for one utterance.
type Prompt struct {
	System  string
	History []Turn
	User    string
}

// Flatten renders history and the current message as one transcript, for
// backends that take a single input string.
func (p Prompt) Flatten() string {
	if len(p.History) == 0 {
		return p.User
	}
	var b strings.Builder
	for _, t := range p.History {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", t.User, t.Assistant)
	}
	fmt.Fprintf(&b, "User: %s", p.User)
	return b.String()
}

// Responder produces the assistant's reply text.
type Responder interface {
	Generate(ctx context.Context, prompt Prompt) (string, error)
}

// ResponderRouter dispatches to the configured generation backend.
type ResponderRouter struct {
	*Router[Responder]
	engine string
}

func NewResponderRouter(backends map[string]Responder, engine, fallback string) *ResponderRouter {
	return &ResponderRouter{Router: NewRouter(backends, fallback), engine: engine}
}

func (r *ResponderRouter) Generate(ctx context.Context, prompt Prompt) (string, error) {
	backend, err := r.Route(r.engine)
	if err != nil {
		return "", err
	}
	start := time.Now()
	text, err := backend.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	metrics.StageDuration.WithLabelValues("llm").Observe(time.Since(start).Seconds())
	return text, nil
}

// --- Ollama backend ---

// OllamaLLMClient streams chat completions from Ollama.
type OllamaLLMClient struct {
	url       string
	model     string
	maxTokens int
	client    *http.Client
}

func NewOllamaLLMClient(url, model string, maxTokens int, pool HTTPPool) *OllamaLLMClient {
	return &OllamaLLMClient{
		url:       url,
		model:     model,
		maxTokens: maxTokens,
		client:    NewStageClient("llm", pool),
	}
}

// Generate sends the conversation to /api/chat and joins the streamed content.
// Thinking tokens are dropped.
func (c *OllamaLLMClient) Generate(ctx context.Context, prompt Prompt) (string, error) {
	resp, err := c.postChatRequest(ctx, prompt)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("llm", "status").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ollama status %d: %s", resp.StatusCode, body)
	}
	return consumeOllamaStream(resp.Body)
}

func (c *OllamaLLMClient) postChatRequest(ctx context.Context, prompt Prompt) (*http.Response, error) {
	messages := []ollamaMessage{{Role: "system", Content: prompt.System}}
	for _, t := range prompt.History {
		messages = append(messages,
			ollamaMessage{Role: "user", Content: t.User},
			ollamaMessage{Role: "assistant", Content: t.Assistant},
		)
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: prompt.User})

	bodyBytes, err := json.Marshal(ollamaRequest{
		Model:    c.model,
		Stream:   true,
		Options:  ollamaOptions{NumPredict: c.maxTokens},
		Messages: messages,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/api/chat", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "http").Inc()
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	return resp, nil
}

func consumeOllamaStream(body io.Reader) (string, error) {
	var text strings.Builder
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		var chunk ollamaStreamChunk
		if json.Unmarshal(scanner.Bytes(), &chunk) != nil {
			continue
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("ollama: %s", chunk.Error)
		}
		text.WriteString(chunk.Message.Content)
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read ollama stream: %w", err)
	}
	return text.String(), nil
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []ollamaMessage `json:"messages"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict"`
}

type ollamaStreamChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}
