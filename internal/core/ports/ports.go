package ports

import (
	"context"
	"net/http"

	"streamperf/internal/core/domain"
)

// HTTPDoer is the host HTTP client; *http.Client satisfies it
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NetworkProber performs the three timed measurements of a probe round
type NetworkProber interface {
	// ProbeBandwidth returns bits per second
	ProbeBandwidth(ctx context.Context) (float64, error)
	// ProbeLatency returns the mean round-trip in milliseconds
	ProbeLatency(ctx context.Context) (float64, error)
	// ProbePacketLoss returns the ratio of failed parallel requests
	ProbePacketLoss(ctx context.Context) (float64, error)
}

// ConnectionNotifier delivers passive platform connection-change notifications.
// The returned func stops delivery.
type ConnectionNotifier interface {
	Subscribe(fn func(domain.ConnectionInfo)) (unsubscribe func())
}

// MemoryStatsSource reads the current heap usage
type MemoryStatsSource interface {
	ReadMemoryStats() (domain.MemoryStats, bool)
}

// ForcedCollector is optionally implemented by a MemoryStatsSource
type ForcedCollector interface {
	ForceCollect()
}

// ResourceReleaser releases the host-side handle behind a registry entry
type ResourceReleaser interface {
	Release(kind domain.ResourceKind, id string) error
}

// ElementInspector answers whether a registered element left the document
type ElementInspector interface {
	IsDetached(elementID string) bool
}

// LifecycleNotifier delivers page/process lifecycle signals such as
// "hidden" or "low-memory"
type LifecycleNotifier interface {
	Subscribe(fn func(signal string)) (unsubscribe func())
}

// EventEmitter is the in-process event bus as seen by the components
type EventEmitter interface {
	Publish(event domain.Event)
}

// EventBus is the subscribable bus owned by an orchestrator
type EventBus interface {
	EventEmitter
	Subscribe(eventType domain.EventType, handler func(domain.Event)) (unsubscribe func())
	SubscribeAll(handler func(domain.Event)) (unsubscribe func())
	Close()
}

// EventPublisher receives every event the orchestrator emits
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// MetricsRecorder exports periodic component snapshots
type MetricsRecorder interface {
	RecordSummary(summary domain.PerformanceSummary)
	RecordEndpoints(endpoints []domain.EndpointMetrics)
	RecordEvent(eventType domain.EventType)
	RecordRequest(kind domain.RequestKind, success bool, latencySeconds float64)
}
