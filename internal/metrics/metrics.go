package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_connections_active",
		Help: "Currently open signaling connections",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_connections_total",
		Help: "Total signaling connections accepted",
	})

	ConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_connections_rejected_total",
		Help: "Connections refused at admission",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_sessions_active",
		Help: "Sessions attached to a usable transport",
	})

	TransportTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_transport_transitions_total",
		Help: "Transport state machine transitions by target state",
	}, []string{"state"})

	NegotiationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_negotiation_duration_seconds",
		Help:    "Offer received to confirmed connected",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 3.0, 5.0, 10.0},
	})

	CaptureChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_chunks_total",
		Help: "Inbound audio chunks by disposition",
	}, []string{"result"})

	CaptureBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_capture_bytes_total",
		Help: "Audio bytes appended to capture buffers",
	})

	SpeechSegments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vad_speech_segments_total",
		Help: "Capture windows closed by end-of-speech detection",
	})

	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_runs_total",
		Help: "Pipeline runs by outcome",
	}, []string{"outcome"})

	PipelineQueueRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_queue_rejected_total",
		Help: "Flushes rejected because the session queue was full",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	}, []string{"stage"})

	E2EDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_e2e_duration_seconds",
		Help:    "End-to-end latency from flush to first outbound audio",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
	})

	CannedResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_canned_responses_total",
		Help: "Substitute replies by reason",
	}, []string{"reason"})

	OutboundBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbound_audio_bytes_total",
		Help: "Synthesized audio bytes written to clients",
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	ASRNoiseFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_noise_filtered_total",
		Help: "Transcripts dropped by the noise filter",
	})

	TraceDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trace_writes_dropped_total",
		Help: "Trace writes dropped because the tracer buffer was full",
	})
)
