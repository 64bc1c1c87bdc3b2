package trace

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/voice-gateway/internal/metrics"
)

const (
	maxIOLen  = 500
	queueSize = 64
)

// Writer is the persistence side of a Tracer. *Store implements it.
type Writer interface {
	CreateConnection(id, remoteAddr string) error
	EndConnection(id string) error
	CreateRun(id, connectionID string) error
	UpdateRun(id string, durationMs float64, transcript, response, status string) error
	CreateSpan(sp Span) error
}

type traceMsg struct {
	kind string // "conn_end", "run_create", "run_update", "span"
	// run fields
	runID      string
	durationMs float64
	transcript string
	response   string
	status     string
	// span fields
	span Span
}

// Tracer writes trace data for one connection asynchronously. Writes never
// block the caller; when the buffer is full they are dropped and counted.
// All methods are nil-safe (no-op on nil receiver).
type Tracer struct {
	w            Writer
	connectionID string
	log          *slog.Logger

	mu     sync.Mutex
	closed bool
	ch     chan traceMsg
	done   chan struct{}
}

// NewTracer records the connection and starts the writer goroutine. Must
// call Close when the connection ends.
func NewTracer(w Writer, connectionID, remoteAddr string, logger *slog.Logger) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracer{
		w:            w,
		connectionID: connectionID,
		log:          logger,
		ch:           make(chan traceMsg, queueSize),
		done:         make(chan struct{}),
	}
	go t.drain(remoteAddr)
	return t
}

func (t *Tracer) drain(remoteAddr string) {
	defer close(t.done)
	if err := t.w.CreateConnection(t.connectionID, remoteAddr); err != nil {
		t.log.Warn("trace write failed", "kind", "conn_create", "error", err)
	}
	for msg := range t.ch {
		t.handle(msg)
	}
}

func (t *Tracer) handle(m traceMsg) {
	handlers := map[string]func() error{
		"conn_end":   func() error { return t.w.EndConnection(t.connectionID) },
		"run_create": func() error { return t.w.CreateRun(m.runID, t.connectionID) },
		"run_update": func() error { return t.w.UpdateRun(m.runID, m.durationMs, m.transcript, m.response, m.status) },
		"span":       func() error { return t.w.CreateSpan(m.span) },
	}
	fn, ok := handlers[m.kind]
	if !ok {
		return
	}
	if err := fn(); err != nil {
		t.log.Warn("trace write failed", "kind", m.kind, "error", err)
	}
}

func (t *Tracer) enqueue(m traceMsg) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.ch <- m:
	default:
		metrics.TraceDropped.Inc()
	}
}

// StartRun begins a run identified by requestID.
func (t *Tracer) StartRun(requestID string) {
	if t == nil {
		return
	}
	t.enqueue(traceMsg{kind: "run_create", runID: requestID})
}

// EndRun finalizes a run.
func (t *Tracer) EndRun(runID string, duration time.Duration, transcript, response, status string) {
	if t == nil {
		return
	}
	t.enqueue(traceMsg{
		kind:       "run_update",
		runID:      runID,
		durationMs: float64(duration.Milliseconds()),
		transcript: truncate(transcript, maxIOLen),
		response:   truncate(response, maxIOLen),
		status:     status,
	})
}

// RecordSpan records a completed stage. A non-nil stageErr marks it failed.
func (t *Tracer) RecordSpan(runID, name string, startedAt time.Time, input, output string, stageErr error) {
	if t == nil {
		return
	}
	status, errMsg := "ok", ""
	if stageErr != nil {
		status, errMsg = "error", stageErr.Error()
	}
	t.enqueue(traceMsg{
		kind: "span",
		span: Span{
			ID:         uuid.NewString(),
			RunID:      runID,
			Name:       name,
			StartedAt:  startedAt,
			DurationMs: float64(time.Since(startedAt).Milliseconds()),
			Input:      truncate(input, maxIOLen),
			Output:     truncate(output, maxIOLen),
			Status:     status,
			Error:      errMsg,
		},
	})
}

// Close marks the connection ended, drains pending writes and stops the
// writer goroutine. Safe to call more than once.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		<-t.done
		return
	}
	select {
	case t.ch <- traceMsg{kind: "conn_end"}:
	default:
		metrics.TraceDropped.Inc()
	}
	t.closed = true
	close(t.ch)
	t.mu.Unlock()
	<-t.done
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
