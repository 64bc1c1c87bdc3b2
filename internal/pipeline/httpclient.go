package pipeline

import (
	"net/http"
	"time"

	"github.com/hubenschmidt/voice-gateway/internal/metrics"
)

// HTTPPool sizes and bounds the shared client of one pipeline stage.
type HTTPPool struct {
	Size    int
	Timeout time.Duration
}

const maxHeaderWait = 30 * time.Second

// NewStageClient returns a pooled client whose transport failures are
// counted under stage. A zero Timeout leaves requests bounded only by their
// context.
func NewStageClient(stage string, pool HTTPPool) *http.Client {
	headerWait := maxHeaderWait
	if pool.Timeout > 0 && pool.Timeout < headerWait {
		headerWait = pool.Timeout
	}
	return &http.Client{
		Timeout: pool.Timeout,
		Transport: stageTransport{stage: stage, next: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          pool.Size,
			MaxIdleConnsPerHost:   pool.Size,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: headerWait,
			ForceAttemptHTTP2:     true,
		}},
	}
}

type stageTransport struct {
	stage string
	next  http.RoundTripper
}

func (t stageTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	// cancellations are the caller's doing, not the backend's
	if err != nil && req.Context().Err() == nil {
		metrics.Errors.WithLabelValues(t.stage, "transport").Inc()
	}
	return resp, err
}
