package trace

import "time"

// Connection is one signaling connection.
type Connection struct {
	ID         string     `json:"id" db:"id"`
	RemoteAddr string     `json:"remote_addr" db:"remote_addr"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	RunCount   int        `json:"run_count,omitempty" db:"run_count"`
}

// Run is one pipeline execution; its ID is the requestId framed to the client.
type Run struct {
	ID           string    `json:"id" db:"id"`
	ConnectionID string    `json:"connection_id" db:"connection_id"`
	StartedAt    time.Time `json:"started_at" db:"started_at"`
	DurationMs   float64   `json:"duration_ms,omitempty" db:"duration_ms"`
	Transcript   string    `json:"transcript,omitempty" db:"transcript"`
	Response     string    `json:"response,omitempty" db:"response"`
	Status       string    `json:"status" db:"status"`
	SpanCount    int       `json:"span_count,omitempty" db:"span_count"`
}

// Span is one stage of a run (transcribe, generate, synthesize, stream).
type Span struct {
	ID         string    `json:"id" db:"id"`
	RunID      string    `json:"run_id" db:"run_id"`
	Name       string    `json:"name" db:"name"`
	StartedAt  time.Time `json:"started_at" db:"started_at"`
	DurationMs float64   `json:"duration_ms" db:"duration_ms"`
	Input      string    `json:"input,omitempty" db:"input"`
	Output     string    `json:"output,omitempty" db:"output"`
	Status     string    `json:"status" db:"status"`
	Error      string    `json:"error,omitempty" db:"error_msg"`
}
