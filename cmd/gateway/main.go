package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hubenschmidt/voice-gateway/internal/models"
	"github.com/hubenschmidt/voice-gateway/internal/outbound"
	"github.com/hubenschmidt/voice-gateway/internal/pipeline"
	"github.com/hubenschmidt/voice-gateway/internal/session"
	"github.com/hubenschmidt/voice-gateway/internal/status"
	"github.com/hubenschmidt/voice-gateway/internal/trace"
	"github.com/hubenschmidt/voice-gateway/internal/transport"
	"github.com/hubenschmidt/voice-gateway/internal/ws"
)

func main() {
	cfg := loadConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel})))

	// connCtx parents every connection and background loop; cancelling it
	// is the shutdown signal.
	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()

	var traceStore *trace.Store
	var traceWriter trace.Writer
	if cfg.traceDatabaseURL != "" {
		openCtx, cancel := context.WithTimeout(connCtx, 10*time.Second)
		store, err := trace.Open(openCtx, cfg.traceDatabaseURL)
		cancel()
		if err != nil {
			slog.Warn("tracing disabled", "error", err)
		} else {
			traceStore, traceWriter = store, store
			slog.Info("tracing enabled")
		}
	}

	b := buildBackends(connCtx, cfg)
	ollama := models.NewOllama(cfg.ollamaURL)
	go warmBackends(connCtx, cfg, b, ollama)

	tracker := status.NewTracker(b.health, status.NewHTTPProber(5*time.Second), slog.Default())
	go tracker.Run(connCtx, cfg.statusInterval)

	newPeer, err := transport.NewPionFactory(cfg.iceServers, cfg.disconnectGrace, slog.Default())
	if err != nil {
		slog.Error("webrtc setup failed", "error", err)
		os.Exit(1)
	}

	registry := session.NewRegistry()
	deps := pipeline.Deps{
		Transcriber:       b.transcriber,
		Responder:         b.responder,
		Synthesizer:       b.synthesizer,
		StreamSynthesizer: b.synthesizer,
	}
	handler := ws.NewHandler(ws.HandlerConfig{
		MaxConcurrent: cfg.maxConcurrentCalls,
		Connection:    cfg.connection,
		Registry:      registry,
		NewPeer:       newPeer,
		NewProcessor: func(st *outbound.Streamer, tr *trace.Tracer, log *slog.Logger) session.Processor {
			return pipeline.New(cfg.pipeline, deps, st, tr, log)
		},
		Trace:       traceWriter,
		BaseContext: connCtx,
	})

	go reapIdle(connCtx, registry, cfg.idleTimeout)

	mux := http.NewServeMux()
	registerRoutes(mux, routeDeps{
		cfg:        cfg,
		backends:   b,
		ollama:     ollama,
		tracker:    tracker,
		registry:   registry,
		wsHandler:  handler,
		traceStore: traceStore,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
		defer cancel()

		// Shutdown does not track hijacked websockets, so connections are
		// closed through the registry.
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		cancelConns()
		closed := registry.CancelAll()
		if !registry.Wait(ctx) {
			slog.Warn("connections still open at shutdown deadline", "remaining", registry.Count())
		}
		slog.Info("connections closed", "count", closed)

		if cfg.ollamaPreload && cfg.responder == "ollama" {
			slog.Info("unloading ollama models")
			if err := ollama.UnloadAll(ctx); err != nil {
				slog.Warn("ollama unload", "error", err)
			}
		}
	}()

	slog.Info("gateway starting", "addr", addr, "max_concurrent", cfg.maxConcurrentCalls, "ice_servers", len(cfg.iceServers))

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	<-stopped
	if traceStore != nil {
		traceStore.Close()
	}
	slog.Info("gateway stopped")
}

// warmBackends preloads the local LLM and primes whisper so the first call
// does not pay model load time. Failures only log; readiness probes report
// unreachable backends.
func warmBackends(ctx context.Context, cfg config, b backends, ollama *models.Ollama) {
	if cfg.ollamaPreload && cfg.responder == "ollama" {
		slog.Info("preloading llm model", "model", cfg.ollamaModel)
		if err := ollama.Preload(ctx, cfg.ollamaModel); err != nil {
			slog.Warn("preload model", "model", cfg.ollamaModel, "error", err)
		}
	}
	for _, warm := range b.warmup {
		wctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := warm(wctx); err != nil {
			slog.Warn("asr warmup", "error", err)
		}
		cancel()
	}
}

func reapIdle(ctx context.Context, registry *session.Registry, idle time.Duration) {
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := registry.ReapIdle(idle); n > 0 {
				slog.Info("reaped idle connections", "count", n)
			}
		}
	}
}
