// Package status tracks gateway readiness from backend health probes.
package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hubenschmidt/voice-gateway/internal/metrics"
)

// State is the lifecycle state reported by the status query.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateError        State = "error"
)

// Prober checks one backend.
type Prober interface {
	Probe(ctx context.Context, b Backend) error
}

// BackendHealth is the last probe result for one backend.
type BackendHealth struct {
	Backend
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Report is the body of the status query.
type Report struct {
	Status    State           `json:"status"`
	Ready     bool            `json:"ready"`
	CheckedAt time.Time       `json:"checked_at,omitzero"`
	Backends  []BackendHealth `json:"backends,omitempty"`
}

// Tracker holds the current readiness. It starts initializing and moves to
// running or error after each Check.
type Tracker struct {
	registry *Registry
	prober   Prober
	log      *slog.Logger

	mu     sync.RWMutex
	report Report
}

func NewTracker(registry *Registry, prober Prober, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		registry: registry,
		prober:   prober,
		log:      logger,
		report:   Report{Status: StateInitializing},
	}
}

// Report returns a copy of the current readiness.
func (t *Tracker) Report() Report {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r := t.report
	r.Backends = append([]BackendHealth(nil), r.Backends...)
	return r
}

// Check probes every backend concurrently and updates the state.
func (t *Tracker) Check(ctx context.Context) Report {
	backends := t.registry.Backends()
	results := make([]BackendHealth, len(backends))

	var wg sync.WaitGroup
	for i, b := range backends {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := BackendHealth{Backend: b, Healthy: true}
			if err := t.prober.Probe(ctx, b); err != nil {
				h.Healthy = false
				h.Error = err.Error()
			}
			results[i] = h
		}()
	}
	wg.Wait()

	state := StateRunning
	for _, h := range results {
		if !h.Healthy {
			state = StateError
			metrics.Errors.WithLabelValues("status", "backend_unhealthy").Inc()
			t.log.Warn("backend unhealthy", "backend", h.Name, "category", h.Category, "error", h.Error)
		}
	}

	t.mu.Lock()
	prev := t.report.Status
	t.report = Report{Status: state, Ready: state == StateRunning, CheckedAt: time.Now(), Backends: results}
	t.mu.Unlock()

	if prev != state {
		t.log.Info("gateway status", "from", prev, "to", state)
	}
	return t.Report()
}

// Run checks immediately and then every interval until ctx ends.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	t.Check(ctx)
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Check(ctx)
		}
	}
}
