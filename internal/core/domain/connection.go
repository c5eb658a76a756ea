package domain

import (
	"net/http"
	"time"
)

// RequestKind selects the timeout budget of an outgoing request
type RequestKind string

const (
	RequestSegment  RequestKind = "segment"
	RequestManifest RequestKind = "manifest"
	RequestGeneric  RequestKind = "generic"
)

type RequestOptions struct {
	Method  string
	Header  http.Header
	Body    []byte
	Kind    RequestKind // empty means detect from the URL
	NoBatch bool
}

type Response struct {
	StatusCode int           `json:"status_code"`
	Header     http.Header   `json:"-"`
	Body       []byte        `json:"-"`
	Endpoint   string        `json:"endpoint"`
	URL        string        `json:"url"`
	Attempts   int           `json:"attempts"`
	Batched    bool          `json:"batched"`
	Latency    time.Duration `json:"latency"`
}

type EndpointMetrics struct {
	Endpoint           string    `json:"endpoint"`
	Latency            float64   `json:"latency"`      // EWMA milliseconds
	SuccessRate        float64   `json:"success_rate"` // 0..1
	TotalRequests      int       `json:"total_requests"`
	SuccessfulRequests int       `json:"successful_requests"`
	LastUsed           time.Time `json:"last_used"`
	Failed             bool      `json:"failed"`
	Current            bool      `json:"current"`
}

// FailoverScore ranks an endpoint for selection; higher is better
func (m EndpointMetrics) FailoverScore() float64 {
	return m.SuccessRate * 1000 / (m.Latency + 100)
}

type OptimizerMetrics struct {
	TotalRequests      int     `json:"total_requests"`
	SuccessfulRequests int     `json:"successful_requests"`
	FailedRequests     int     `json:"failed_requests"`
	BatchedRequests    int     `json:"batched_requests"`
	CDNFailovers       int     `json:"cdn_failovers"`
	AverageLatency     float64 `json:"average_latency"` // milliseconds
	LatencyP95         float64 `json:"latency_p95"`     // milliseconds
	ConnectionReuses   int     `json:"connection_reuses"`
	CurrentEndpoint    string  `json:"current_endpoint"`
}
