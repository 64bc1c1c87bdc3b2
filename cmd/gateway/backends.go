package main

import (
	"context"
	"log/slog"

	"github.com/hubenschmidt/voice-gateway/internal/pipeline"
	"github.com/hubenschmidt/voice-gateway/internal/status"
)

type backends struct {
	transcriber *pipeline.TranscriberRouter
	responder   *pipeline.ResponderRouter
	synthesizer *pipeline.SynthesizerRouter
	// health lists the selected backend per category for readiness probes.
	health *status.Registry
	warmup []func(context.Context) error
}

func buildBackends(ctx context.Context, cfg config) backends {
	var warmup []func(context.Context) error
	asr := map[string]pipeline.Transcriber{}
	asrHealth := map[string]string{}
	if cfg.whisperServerURL != "" {
		c := pipeline.NewWhisperClient(cfg.whisperServerURL, cfg.asrPool)
		asr["whisper"] = c
		asrHealth["whisper"] = cfg.whisperServerURL
		warmup = append(warmup, c.Warmup)
	}
	if cfg.rocmWhisperURL != "" {
		c := pipeline.NewROCmWhisperClient(cfg.rocmWhisperURL, cfg.asrPool)
		asr["rocm-whisper"] = c
		asrHealth["rocm-whisper"] = cfg.rocmWhisperURL + "/health"
		warmup = append(warmup, c.Warmup)
	}
	if cfg.openaiAPIKey != "" {
		asr["openai"] = pipeline.NewOpenAITranscriber(cfg.openaiAPIKey, cfg.openaiBaseURL, cfg.openaiTranscribeModel)
	}

	llm := map[string]pipeline.Responder{}
	llmHealth := map[string]string{}
	if cfg.ollamaURL != "" {
		llm["ollama"] = pipeline.NewOllamaLLMClient(cfg.ollamaURL, cfg.ollamaModel, cfg.llmMaxTokens, cfg.llmPool)
		llmHealth["ollama"] = cfg.ollamaURL + "/api/tags"
	}
	if cfg.openaiAPIKey != "" || cfg.openaiBaseURL != "" {
		provider := pipeline.NewOpenAIProvider(cfg.openaiAPIKey, cfg.openaiBaseURL)
		llm["openai"] = pipeline.NewAgentLLM(provider, cfg.openaiModel, cfg.llmMaxTokens)
	}
	if cfg.geminiAPIKey != "" {
		gemini, err := pipeline.NewGeminiLLM(ctx, cfg.geminiAPIKey, cfg.geminiModel, cfg.llmMaxTokens)
		if err != nil {
			slog.Warn("gemini responder disabled", "error", err)
		} else {
			llm["gemini"] = gemini
		}
	}
	if cfg.anthropicKey != "" {
		llm["anthropic"] = pipeline.NewAnthropicLLMClient(cfg.anthropicKey, cfg.anthropicURL, cfg.anthropicModel, cfg.llmMaxTokens, cfg.llmPool)
	}

	ttsHTTP := pipeline.NewStageClient("tts", cfg.ttsPool)
	tts := map[string]pipeline.Synthesizer{}
	ttsHealth := map[string]string{}
	if cfg.piperURL != "" {
		tts["piper"] = pipeline.NewPiperSynthesizer(cfg.piperURL, cfg.piperVoice, ttsHTTP, cfg.ttsChunkBytes)
		ttsHealth["piper"] = cfg.piperURL + "/health"
	}
	if cfg.kokoroURL != "" {
		tts["kokoro"] = pipeline.NewOpenAISynthesizer(cfg.kokoroURL, "kokoro", "af_heart", ttsHTTP, cfg.ttsChunkBytes)
		ttsHealth["kokoro"] = cfg.kokoroURL + "/health"
	}
	if cfg.melottsURL != "" {
		tts["melotts"] = pipeline.NewMeloSynthesizer(cfg.melottsURL, ttsHTTP)
		ttsHealth["melotts"] = cfg.melottsURL + "/health"
	}
	if cfg.elevenlabsAPIKey != "" {
		tts["elevenlabs"] = pipeline.NewElevenLabsSynthesizer(cfg.elevenlabsAPIKey, cfg.elevenlabsVoiceID, cfg.elevenlabsModelID, ttsHTTP, cfg.ttsChunkBytes)
	}

	b := backends{
		transcriber: pipeline.NewTranscriberRouter(asr, cfg.transcriber, "whisper"),
		responder:   pipeline.NewResponderRouter(llm, cfg.responder, "ollama"),
		synthesizer: pipeline.NewSynthesizerRouter(tts, cfg.synthesizer, "piper"),
		warmup:      warmup,
	}
	b.health = status.NewRegistry(
		selected("asr", cfg.transcriber, "whisper", asr, asrHealth),
		selected("llm", cfg.responder, "ollama", llm, llmHealth),
		selected("tts", cfg.synthesizer, "piper", tts, ttsHealth),
	)

	slog.Info("backends configured",
		"transcriber", cfg.transcriber, "asr_engines", b.transcriber.Engines(),
		"responder", cfg.responder, "llm_engines", b.responder.Engines(),
		"synthesizer", cfg.synthesizer, "tts_engines", b.synthesizer.Engines())
	return b
}

// selected describes the backend a router will actually use. A missing
// engine is reported with an unreachable health URL so readiness shows it.
func selected[T any](category, engine, fallback string, configured map[string]T, health map[string]string) status.Backend {
	name := engine
	if _, ok := configured[name]; !ok {
		name = fallback
	}
	b := status.Backend{Name: name, Category: category, HealthURL: health[name]}
	if _, ok := configured[name]; !ok {
		b.HealthURL = "http://unconfigured.invalid/" + name
	}
	return b
}
