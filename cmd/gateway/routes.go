package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/voice-gateway/internal/models"
	"github.com/hubenschmidt/voice-gateway/internal/session"
	"github.com/hubenschmidt/voice-gateway/internal/status"
	"github.com/hubenschmidt/voice-gateway/internal/trace"
	"github.com/hubenschmidt/voice-gateway/internal/transport"
)

// defaultTraceConnectionLimit is how many traced connections are returned
// when the caller omits the ?limit= query parameter.
const defaultTraceConnectionLimit = 20

type routeDeps struct {
	cfg        config
	backends   backends
	ollama     *models.Ollama
	tracker    *status.Tracker
	registry   *session.Registry
	wsHandler  http.Handler
	traceStore *trace.Store
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d routeDeps) {
	mux.Handle("/ws", d.wsHandler)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/voice/status", d.handleVoiceStatus)
	mux.HandleFunc("GET /api/voice/config", d.handleVoiceConfig)
	mux.HandleFunc("GET /api/voice/connections/{id}", d.handleVoiceConnection)
	mux.HandleFunc("GET /api/models", d.handleModels)
	mux.HandleFunc("POST /api/models/preload", d.handlePreload)
	mux.HandleFunc("POST /api/models/unload", d.handleUnload)
	registerTraceRoutes(mux, d.traceStore)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

type voiceStatus struct {
	status.Report
	session.Stats
	Tracing string `json:"tracing"`
}

func (d routeDeps) handleVoiceStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, voiceStatus{
		Report:  d.tracker.Report(),
		Stats:   d.registry.Stats(),
		Tracing: d.tracingState(r.Context()),
	})
}

func (d routeDeps) handleVoiceConnection(w http.ResponseWriter, r *http.Request) {
	c, ok := d.registry.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, c.Info())
}

// tracingState is "disabled", "ok", or the database error.
func (d routeDeps) tracingState(ctx context.Context) string {
	if d.traceStore == nil {
		return "disabled"
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := d.traceStore.Ping(ctx); err != nil {
		return err.Error()
	}
	return "ok"
}

func (d routeDeps) handleVoiceConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		ICEServers []transport.ICEServer `json:"iceServers"`
	}{d.cfg.iceServers})
}

func (d routeDeps) handleModels(w http.ResponseWriter, r *http.Request) {
	installed, err := d.ollama.Installed(r.Context())
	if err != nil {
		slog.Error("list llm models", "error", err)
		installed = []string{d.cfg.ollamaModel}
	}
	loaded, _ := d.ollama.Loaded(r.Context())
	loadedNames := make([]string, 0, len(loaded))
	for _, m := range loaded {
		loadedNames = append(loadedNames, m.Name)
	}
	writeJSON(w, map[string]any{
		"asr": map[string]any{
			"active":  d.cfg.transcriber,
			"engines": d.backends.transcriber.Engines(),
		},
		"llm": map[string]any{
			"active":  d.cfg.responder,
			"model":   d.cfg.ollamaModel,
			"models":  installed,
			"loaded":  loadedNames,
			"engines": d.backends.responder.Engines(),
		},
		"tts": map[string]any{
			"active":  d.cfg.synthesizer,
			"engines": d.backends.synthesizer.Engines(),
		},
	})
}

type modelRequest struct {
	Model string `json:"model"`
}

func (d routeDeps) handlePreload(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	slog.Info("preloading llm model", "model", req.Model)
	if err := d.ollama.Preload(r.Context(), req.Model); err != nil {
		slog.Error("preload model", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("model preloaded", "model", req.Model)
	writeJSON(w, map[string]string{"status": "ok"})
}

func (d routeDeps) handleUnload(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var err error
	if req.Model == "" {
		slog.Info("unloading all llm models")
		err = d.ollama.UnloadAll(r.Context())
	} else {
		slog.Info("unloading llm model", "model", req.Model)
		err = d.ollama.Unload(r.Context(), req.Model)
	}
	if err != nil {
		slog.Error("unload model", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func registerTraceRoutes(mux *http.ServeMux, store *trace.Store) {
	mux.HandleFunc("GET /api/traces/connections", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		limit := queryInt(r, "limit", defaultTraceConnectionLimit)
		offset := queryInt(r, "offset", 0)
		conns, total, err := store.ListConnections(r.Context(), limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"connections": conns, "total": total})
	})

	mux.HandleFunc("GET /api/traces/connections/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		conn, runs, err := store.GetConnection(r.Context(), r.PathValue("id"))
		if err != nil {
			traceError(w, err)
			return
		}
		writeJSON(w, map[string]any{"connection": conn, "runs": runs})
	})

	mux.HandleFunc("GET /api/traces/connections/{id}/runs/{runId}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		run, spans, err := store.GetRun(r.Context(), r.PathValue("id"), r.PathValue("runId"))
		if err != nil {
			traceError(w, err)
			return
		}
		writeJSON(w, map[string]any{"run": run, "spans": spans})
	})
}

func traceError(w http.ResponseWriter, err error) {
	if errors.Is(err, trace.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	slog.Error("trace query", "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
