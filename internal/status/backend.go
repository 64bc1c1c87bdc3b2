package status

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// Backend is a capability server the gateway depends on.
type Backend struct {
	Name     string `json:"name"`
	Category string `json:"category"` // "asr", "llm" or "tts"
	// HealthURL is probed for readiness. Hosted APIs leave it empty and are
	// assumed reachable.
	HealthURL string `json:"-"`
}

// Registry is the set of backends configured for this process.
type Registry struct {
	backends map[string]Backend
}

func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		r.backends[b.Name] = b
	}
	return r
}

// Lookup returns metadata for a backend, or false if it is not configured.
func (r *Registry) Lookup(name string) (Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// Backends returns every configured backend sorted by name.
func (r *Registry) Backends() []Backend {
	out := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HTTPProber checks a backend by GETting its health URL.
type HTTPProber struct {
	httpClient *http.Client
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{httpClient: &http.Client{Timeout: timeout}}
}

// Probe reports whether b answers 2xx. Backends without a health URL pass.
func (p *HTTPProber) Probe(ctx context.Context, b Backend) error {
	if b.HealthURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, "GET", b.HealthURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// StatusError is a non-2xx health response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("health status %d", e.Code)
}
