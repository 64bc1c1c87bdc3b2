// Package models manages the Ollama models behind the local responder.
package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"
)

// Loaded describes a model currently resident in Ollama memory.
type Loaded struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Ollama talks to the Ollama model management endpoints.
type Ollama struct {
	url          string
	client       *http.Client
	pollInterval time.Duration
	unloadWait   time.Duration
}

func NewOllama(url string) *Ollama {
	return &Ollama{
		url:          strings.TrimRight(url, "/"),
		client:       &http.Client{Timeout: 10 * time.Minute},
		pollInterval: 500 * time.Millisecond,
		unloadWait:   10 * time.Second,
	}
}

// Installed returns the names of installed chat models. Embedding models are skipped.
func (o *Ollama) Installed(ctx context.Context) ([]string, error) {
	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := o.getJSON(ctx, "/api/tags", &result); err != nil {
		return nil, fmt.Errorf("ollama tags: %w", err)
	}
	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		if !strings.Contains(m.Name, "embed") {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

// Loaded returns the models currently loaded via /api/ps.
func (o *Ollama) Loaded(ctx context.Context) ([]Loaded, error) {
	var result struct {
		Models []Loaded `json:"models"`
	}
	if err := o.getJSON(ctx, "/api/ps", &result); err != nil {
		return nil, fmt.Errorf("ollama ps: %w", err)
	}
	return result.Models, nil
}

// Preload loads model and pins it in memory so the first turn of a call
// does not pay the load time.
func (o *Ollama) Preload(ctx context.Context, model string) error {
	return o.generate(ctx, map[string]any{"model": model, "keep_alive": -1})
}

// Unload evicts model and waits until /api/ps no longer lists it.
func (o *Ollama) Unload(ctx context.Context, model string) error {
	if err := o.generate(ctx, map[string]any{"model": model, "keep_alive": 0, "stream": false}); err != nil {
		return err
	}

	deadline := time.Now().Add(o.unloadWait)
	for time.Now().Before(deadline) {
		loaded, err := o.Loaded(ctx)
		if err != nil {
			return nil // best-effort
		}
		if !slices.ContainsFunc(loaded, func(m Loaded) bool { return m.Name == model }) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.pollInterval):
		}
	}
	return fmt.Errorf("model %s still loaded after %s", model, o.unloadWait)
}

// UnloadAll evicts every loaded model.
func (o *Ollama) UnloadAll(ctx context.Context) error {
	loaded, err := o.Loaded(ctx)
	if err != nil {
		return err
	}
	for _, m := range loaded {
		if err := o.Unload(ctx, m.Name); err != nil {
			return fmt.Errorf("unload %s: %w", m.Name, err)
		}
	}
	return nil
}

func (o *Ollama) generate(ctx context.Context, body map[string]any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", o.url+"/api/generate", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama generate status %d", resp.StatusCode)
	}
	return nil
}

func (o *Ollama) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", o.url+path, nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
