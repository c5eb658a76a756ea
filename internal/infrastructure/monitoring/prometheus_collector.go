package monitoring

import (
	"strconv"
	"sync"

	"streamperf/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Session scores
	overallScore       prometheus.Gauge
	bufferHealthScore  prometheus.Gauge
	bufferLevel        prometheus.Gauge
	bufferStalls       prometheus.Gauge
	adaptationScore    prometheus.Gauge
	currentQuality     prometheus.Gauge
	segmentSuccessRate prometheus.Gauge
	segmentLoadTime    prometheus.Gauge

	// Network
	networkBandwidth  prometheus.Gauge
	networkLatency    prometheus.Gauge
	networkPacketLoss prometheus.Gauge

	// Memory
	heapUsed       prometheus.Gauge
	memoryPressure prometheus.Gauge
	blobURLs       prometheus.Gauge
	eventListeners prometheus.Gauge

	// Requests and events
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	eventsTotal     *prometheus.CounterVec

	// Per-endpoint health
	endpointSuccessRate *prometheus.GaugeVec
	endpointLatency     *prometheus.GaugeVec
	endpointFailed      *prometheus.GaugeVec

	mu        sync.Mutex
	endpoints map[string]struct{}
}

// NewPrometheusCollector registers the controller metrics with reg; nil
// means the default registerer
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		overallScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamperf_overall_score",
			Help: "Blended playback performance score (0-100)",
		}),
		bufferHealthScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamperf_buffer_health_score",
			Help: "Buffer health score (0, 30, 70 or 100)",
		}),
		bufferLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamperf_buffer_level_seconds",
			Help: "Seconds of media buffered ahead of the playhead",
		}),
		bufferStalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamperf_buffer_stalls",
			Help: "Number of playback stalls in the session",
		}),
		adaptationScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamperf_quality_adaptation_score",
			Help: "Quality adaptation score (0-100), lower means more oscillation",
		}),
		currentQuality: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamperf_quality_current_height",
			Help: "Current rendition height in pixels",
		}),
		segmentSuccessRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamperf_segment_success_rate_percent",
			Help: "Percentage of segment loads that succeeded",
		}),
		segmentLoadTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamperf_segment_load_time_avg_ms",
			Help: "Average segment load time over the recent window",
		}),

		networkBandwidth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamperf_network_bandwidth_bps",
			Help: "Last measured bandwidth in bits per second",
		}),
		networkLatency: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamperf_network_latency_ms",
			Help: "Last measured round-trip latency",
		}),
		networkPacketLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamperf_network_packet_loss_ratio",
			Help: "Last measured packet loss ratio",
		}),

		heapUsed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamperf_memory_heap_used_bytes",
			Help: "Heap bytes in use at the last memory refresh",
		}),
		memoryPressure: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamperf_memory_pressure_level",
			Help: "Memory pressure (0 low, 1 medium, 2 high, 3 critical)",
		}),
		blobURLs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamperf_blob_urls",
			Help: "Registered blob URLs",
		}),
		eventListeners: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamperf_event_listeners",
			Help: "Registered event listeners",
		}),

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamperf_requests_total",
			Help: "Optimized requests by kind and result",
		}, []string{"kind", "result"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamperf_request_duration_seconds",
			Help:    "Duration of optimized requests including retries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}, []string{"kind"}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamperf_events_total",
			Help: "Controller events by type",
		}, []string{"type"}),

		endpointSuccessRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamperf_endpoint_success_rate",
			Help: "Cumulative success rate of a CDN endpoint (0-1)",
		}, []string{"endpoint"}),
		endpointLatency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamperf_endpoint_latency_ms",
			Help: "Smoothed latency of a CDN endpoint",
		}, []string{"endpoint"}),
		endpointFailed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamperf_endpoint_failed",
			Help: "1 when the endpoint is in the failed set",
		}, []string{"endpoint", "current"}),

		endpoints: make(map[string]struct{}),
	}
}

func (p *PrometheusCollector) RecordSummary(s domain.PerformanceSummary) {
	p.overallScore.Set(s.Overall.Score)

	p.bufferHealthScore.Set(float64(s.Buffer.HealthScore))
	p.bufferLevel.Set(s.Buffer.CurrentLevel)
	p.bufferStalls.Set(float64(s.Buffer.Stalls))

	p.adaptationScore.Set(s.Quality.AdaptationScore)
	p.currentQuality.Set(float64(s.Quality.CurrentQuality))
	p.segmentSuccessRate.Set(s.Segments.SuccessRate)
	p.segmentLoadTime.Set(s.Segments.AverageLoadTime)

	p.networkBandwidth.Set(s.Network.Bandwidth)
	p.networkLatency.Set(s.Network.Latency)
	p.networkPacketLoss.Set(s.Network.PacketLoss)

	p.heapUsed.Set(float64(s.Memory.HeapUsed))
	p.memoryPressure.Set(float64(s.Memory.MemoryPressure.Rank()))
	p.blobURLs.Set(float64(s.Memory.TotalBlobURLs))
	p.eventListeners.Set(float64(s.Memory.TotalEventListeners))
}

// RecordEndpoints replaces the per-endpoint series; endpoints that
// disappeared since the last call are deleted
func (p *PrometheusCollector) RecordEndpoints(endpoints []domain.EndpointMetrics) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]struct{}, len(endpoints))
	for _, ep := range endpoints {
		seen[ep.Endpoint] = struct{}{}

		p.endpointSuccessRate.WithLabelValues(ep.Endpoint).Set(ep.SuccessRate)
		p.endpointLatency.WithLabelValues(ep.Endpoint).Set(ep.Latency)

		failed := 0.0
		if ep.Failed {
			failed = 1
		}
		p.endpointFailed.DeletePartialMatch(prometheus.Labels{"endpoint": ep.Endpoint})
		p.endpointFailed.WithLabelValues(ep.Endpoint, strconv.FormatBool(ep.Current)).Set(failed)
	}

	for ep := range p.endpoints {
		if _, ok := seen[ep]; ok {
			continue
		}
		p.endpointSuccessRate.DeleteLabelValues(ep)
		p.endpointLatency.DeleteLabelValues(ep)
		p.endpointFailed.DeletePartialMatch(prometheus.Labels{"endpoint": ep})
	}
	p.endpoints = seen
}

func (p *PrometheusCollector) RecordEvent(eventType domain.EventType) {
	p.eventsTotal.WithLabelValues(string(eventType)).Inc()
}

func (p *PrometheusCollector) RecordRequest(kind domain.RequestKind, success bool, latencySeconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	p.requestsTotal.WithLabelValues(string(kind), result).Inc()
	p.requestDuration.WithLabelValues(string(kind)).Observe(latencySeconds)
}
