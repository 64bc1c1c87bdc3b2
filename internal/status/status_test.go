package status

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type proberFunc func(ctx context.Context, b Backend) error

func (f proberFunc) Probe(ctx context.Context, b Backend) error { return f(ctx, b) }

func TestTrackerStartsInitializing(t *testing.T) {
	tr := NewTracker(NewRegistry(), NewHTTPProber(0), nil)
	r := tr.Report()
	assert.Equal(t, StateInitializing, r.Status)
	assert.False(t, r.Ready)
}

func TestTrackerRunningWhenAllHealthy(t *testing.T) {
	reg := NewRegistry(
		Backend{Name: "whisper", Category: "asr", HealthURL: "x"},
		Backend{Name: "ollama", Category: "llm", HealthURL: "y"},
	)
	tr := NewTracker(reg, proberFunc(func(context.Context, Backend) error { return nil }), nil)

	r := tr.Check(context.Background())
	assert.Equal(t, StateRunning, r.Status)
	assert.True(t, r.Ready)
	require.Len(t, r.Backends, 2)
	assert.Equal(t, "ollama", r.Backends[0].Name)
	assert.False(t, r.CheckedAt.IsZero())
}

func TestTrackerErrorWhenAnyUnhealthy(t *testing.T) {
	reg := NewRegistry(
		Backend{Name: "whisper", Category: "asr"},
		Backend{Name: "piper", Category: "tts"},
	)
	tr := NewTracker(reg, proberFunc(func(_ context.Context, b Backend) error {
		if b.Name == "piper" {
			return errors.New("connection refused")
		}
		return nil
	}), nil)

	r := tr.Check(context.Background())
	assert.Equal(t, StateError, r.Status)
	assert.False(t, r.Ready)
	assert.Equal(t, "connection refused", r.Backends[0].Error)
	assert.True(t, r.Backends[1].Healthy)
}

func TestTrackerRecovers(t *testing.T) {
	healthy := false
	tr := NewTracker(NewRegistry(Backend{Name: "a"}), proberFunc(func(context.Context, Backend) error {
		if !healthy {
			return errors.New("down")
		}
		return nil
	}), nil)

	assert.Equal(t, StateError, tr.Check(context.Background()).Status)
	healthy = true
	assert.Equal(t, StateRunning, tr.Check(context.Background()).Status)
}

func TestTrackerRunStopsWithContext(t *testing.T) {
	tr := NewTracker(NewRegistry(), NewHTTPProber(0), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx, time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return tr.Report().Ready }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProber(time.Second)
	ctx := context.Background()
	assert.NoError(t, p.Probe(ctx, Backend{HealthURL: srv.URL + "/health"}))
	assert.NoError(t, p.Probe(ctx, Backend{Name: "hosted"}))

	err := p.Probe(ctx, Backend{HealthURL: srv.URL + "/other"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(Backend{Name: "whisper", Category: "asr"})
	b, ok := reg.Lookup("whisper")
	require.True(t, ok)
	assert.Equal(t, "asr", b.Category)
	_, ok = reg.Lookup("melotts")
	assert.False(t, ok)
}
