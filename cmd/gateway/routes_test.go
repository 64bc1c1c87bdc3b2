package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voice-gateway/internal/models"
	"github.com/hubenschmidt/voice-gateway/internal/pipeline"
	"github.com/hubenschmidt/voice-gateway/internal/session"
	"github.com/hubenschmidt/voice-gateway/internal/status"
	"github.com/hubenschmidt/voice-gateway/internal/transport"
)

func newTestMux(t *testing.T) (*http.ServeMux, *status.Tracker) {
	t.Helper()
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"llama3.2:3b"}]}`))
		case "/api/ps":
			_, _ = w.Write([]byte(`{"models":[]}`))
		}
	}))
	t.Cleanup(ollama.Close)

	cfg := config{
		iceServers:  []transport.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}},
		transcriber: "whisper",
		responder:   "ollama",
		synthesizer: "piper",
		ollamaModel: "llama3.2:3b",
	}
	tracker := status.NewTracker(status.NewRegistry(status.Backend{Name: "whisper", Category: "asr"}), status.NewHTTPProber(0), nil)

	mux := http.NewServeMux()
	registerRoutes(mux, routeDeps{
		cfg: cfg,
		backends: backends{
			transcriber: pipeline.NewTranscriberRouter(map[string]pipeline.Transcriber{}, "whisper", "whisper"),
			responder:   pipeline.NewResponderRouter(map[string]pipeline.Responder{}, "ollama", "ollama"),
			synthesizer: pipeline.NewSynthesizerRouter(map[string]pipeline.Synthesizer{}, "piper", "piper"),
		},
		ollama:    models.NewOllama(ollama.URL),
		tracker:   tracker,
		registry:  session.NewRegistry(),
		wsHandler: http.NotFoundHandler(),
	})
	return mux, tracker
}

func get(t *testing.T, mux http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	var body map[string]any
	if rec.Code == http.StatusOK && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestVoiceStatusReflectsReadiness(t *testing.T) {
	mux, tracker := newTestMux(t)

	_, body := get(t, mux, "/api/voice/status")
	assert.Equal(t, "initializing", body["status"])
	assert.Equal(t, false, body["ready"])

	tracker.Check(context.Background())
	_, body = get(t, mux, "/api/voice/status")
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, float64(0), body["connections"])
	assert.Equal(t, float64(0), body["sessions"])
	assert.Equal(t, float64(0), body["tentative"])
	assert.Equal(t, float64(0), body["capturedBytes"])
	assert.Equal(t, "disabled", body["tracing"])
}

func TestVoiceConnectionUnknownID(t *testing.T) {
	mux, _ := newTestMux(t)
	rec, _ := get(t, mux, "/api/voice/connections/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVoiceConfigListsICEServers(t *testing.T) {
	mux, _ := newTestMux(t)
	_, body := get(t, mux, "/api/voice/config")

	servers, ok := body["iceServers"].([]any)
	require.True(t, ok)
	require.Len(t, servers, 1)
	first := servers[0].(map[string]any)
	assert.Equal(t, []any{"stun:stun.example.org:3478"}, first["urls"])
}

func TestModelsListing(t *testing.T) {
	mux, _ := newTestMux(t)
	_, body := get(t, mux, "/api/models")
	llm := body["llm"].(map[string]any)
	assert.Equal(t, []any{"llama3.2:3b"}, llm["models"])
}

func TestTraceRoutesDisabled(t *testing.T) {
	mux, _ := newTestMux(t)
	rec, _ := get(t, mux, "/api/traces/connections")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPreloadRejectsEmptyModel(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/models/preload", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
