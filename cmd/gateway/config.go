package main

import (
	"log/slog"
	"strings"
	"time"

	"github.com/hubenschmidt/voice-gateway/internal/audio"
	"github.com/hubenschmidt/voice-gateway/internal/env"
	"github.com/hubenschmidt/voice-gateway/internal/pipeline"
	"github.com/hubenschmidt/voice-gateway/internal/prompts"
	"github.com/hubenschmidt/voice-gateway/internal/session"
	"github.com/hubenschmidt/voice-gateway/internal/transport"
)

type config struct {
	port               string
	logLevel           slog.Level
	maxConcurrentCalls int
	idleTimeout        time.Duration
	shutdownTimeout    time.Duration
	statusInterval     time.Duration

	iceServers      []transport.ICEServer
	disconnectGrace time.Duration
	connection      session.ConnectionConfig
	pipeline        pipeline.Config

	transcriber           string
	whisperServerURL      string
	rocmWhisperURL        string
	openaiTranscribeModel string

	responder      string
	ollamaURL      string
	ollamaModel    string
	ollamaPreload  bool
	openaiAPIKey   string
	openaiBaseURL  string
	openaiModel    string
	geminiAPIKey   string
	geminiModel    string
	anthropicKey   string
	anthropicURL   string
	anthropicModel string
	llmMaxTokens   int

	synthesizer       string
	ttsChunkBytes     int
	piperURL          string
	piperVoice        string
	kokoroURL         string
	melottsURL        string
	elevenlabsAPIKey  string
	elevenlabsVoiceID string
	elevenlabsModelID string

	asrPool pipeline.HTTPPool
	llmPool pipeline.HTTPPool
	ttsPool pipeline.HTTPPool

	traceDatabaseURL string
}

func loadConfig() config {
	conn := session.DefaultConnectionConfig()
	conn.Transport.NegotiationTimeout = env.Duration("NEGOTIATION_TIMEOUT", conn.Transport.NegotiationTimeout)
	conn.Transport.ConfirmDelay = env.Duration("CONFIRM_DELAY", conn.Transport.ConfirmDelay)
	conn.ListenRetryDelay = env.Duration("LISTEN_RETRY_DELAY", conn.ListenRetryDelay)
	conn.Session.Gate.MinChunkBytes = env.Int("MIN_AUDIO_CHUNK_BYTES", conn.Session.Gate.MinChunkBytes)
	conn.Session.Gate.MaxBytes = env.Int("MAX_CAPTURE_BYTES", conn.Session.Gate.MaxBytes)
	conn.Session.QueueDepth = env.Int("PIPELINE_QUEUE_DEPTH", conn.Session.QueueDepth)
	conn.Session.AutoFlush = env.Bool("AUTO_FLUSH_ON_SILENCE", false)
	conn.Session.VAD.SpeechThresholdDB = env.Float("VAD_SPEECH_THRESHOLD_DB", conn.Session.VAD.SpeechThresholdDB)
	conn.InboundCodec = audio.Codec(env.Str("AUDIO_CODEC", string(audio.CodecPCM)))
	conn.InboundSampleRate = env.Int("AUDIO_SAMPLE_RATE", audio.ASRSampleRate)
	conn.OutboundChunk = env.Int("TTS_CHUNK_BYTES", 16384)
	idleTimeout := env.Duration("IDLE_TIMEOUT", 5*time.Minute)
	conn.IdleTimeout = idleTimeout

	pipe := pipeline.DefaultConfig()
	pipe.SystemPrompt = env.Str("LLM_SYSTEM_PROMPT", prompts.DefaultSystem)
	pipe.StageTimeout = env.Duration("STAGE_TIMEOUT", pipe.StageTimeout)
	pipe.Stream = env.Bool("TTS_STREAM", pipe.Stream)
	pipe.MaxHistory = env.Int("CONVERSATION_HISTORY_TURNS", pipe.MaxHistory)

	return config{
		port:               env.Str("GATEWAY_PORT", "8000"),
		logLevel:           parseLevel(env.Str("LOG_LEVEL", "info")),
		maxConcurrentCalls: env.Int("MAX_CONCURRENT_CALLS", 100),
		idleTimeout:        idleTimeout,
		shutdownTimeout:    env.Duration("SHUTDOWN_TIMEOUT", 30*time.Second),
		statusInterval:     env.Duration("STATUS_PROBE_INTERVAL", 30*time.Second),

		iceServers:      loadICEServers(),
		disconnectGrace: env.Duration("DISCONNECT_GRACE", 5*time.Second),
		connection:      conn,
		pipeline:        pipe,

		transcriber:           env.Str("TRANSCRIBER", "whisper"),
		whisperServerURL:      env.Str("WHISPER_SERVER_URL", "http://localhost:8178"),
		rocmWhisperURL:        env.Str("ROCM_WHISPER_URL", ""),
		openaiTranscribeModel: env.Str("OPENAI_TRANSCRIBE_MODEL", "whisper-1"),

		responder:      env.Str("RESPONDER", "ollama"),
		ollamaURL:      env.Str("OLLAMA_URL", "http://localhost:11434"),
		ollamaModel:    env.Str("OLLAMA_MODEL", "llama3.2:3b"),
		ollamaPreload:  env.Bool("OLLAMA_PRELOAD", true),
		openaiAPIKey:   env.Str("OPENAI_API_KEY", ""),
		openaiBaseURL:  env.Str("OPENAI_BASE_URL", ""),
		openaiModel:    env.Str("OPENAI_MODEL", "gpt-4o-mini"),
		geminiAPIKey:   env.Str("GEMINI_API_KEY", ""),
		geminiModel:    env.Str("GEMINI_MODEL", "gemini-2.0-flash"),
		anthropicKey:   env.Str("ANTHROPIC_API_KEY", ""),
		anthropicURL:   env.Str("ANTHROPIC_URL", "https://api.anthropic.com"),
		anthropicModel: env.Str("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		llmMaxTokens:   env.Int("LLM_MAX_TOKENS", 150),

		synthesizer:       env.Str("SYNTHESIZER", "piper"),
		ttsChunkBytes:     conn.OutboundChunk,
		piperURL:          env.Str("PIPER_URL", "http://localhost:5100"),
		piperVoice:        env.Str("PIPER_VOICE", "en_US-lessac-medium"),
		kokoroURL:         env.Str("KOKORO_URL", ""),
		melottsURL:        env.Str("MELOTTS_URL", ""),
		elevenlabsAPIKey:  env.Str("ELEVENLABS_API_KEY", ""),
		elevenlabsVoiceID: env.Str("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		elevenlabsModelID: env.Str("ELEVENLABS_MODEL_ID", "eleven_turbo_v2_5"),

		asrPool: httpPool("ASR", 60*time.Second),
		llmPool: httpPool("LLM", 120*time.Second),
		ttsPool: httpPool("TTS", 30*time.Second),

		traceDatabaseURL: env.Str("TRACE_DATABASE_URL", ""),
	}
}

// httpPool reads <prefix>_POOL_SIZE and <prefix>_HTTP_TIMEOUT.
func httpPool(prefix string, timeout time.Duration) pipeline.HTTPPool {
	return pipeline.HTTPPool{
		Size:    env.Int(prefix+"_POOL_SIZE", 50),
		Timeout: env.Duration(prefix+"_HTTP_TIMEOUT", timeout),
	}
}

// loadICEServers returns the STUN servers plus one TURN entry when TURN_URLS is set.
func loadICEServers() []transport.ICEServer {
	servers := []transport.ICEServer{{URLs: env.List("ICE_SERVERS", []string{"stun:stun.l.google.com:19302"})}}
	if turn := env.List("TURN_URLS", nil); len(turn) > 0 {
		servers = append(servers, transport.ICEServer{
			URLs:       turn,
			Username:   env.Str("TURN_USERNAME", ""),
			Credential: env.Str("TURN_CREDENTIAL", ""),
		})
	}
	return servers
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
