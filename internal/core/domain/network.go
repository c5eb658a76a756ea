package domain

import "time"

type Stability string

const (
	StabilityStable      Stability = "stable"
	StabilityFluctuating Stability = "fluctuating"
	StabilityUnstable    Stability = "unstable"
)

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDegrading Trend = "degrading"
	TrendStable    Trend = "stable"
)

// NetworkClass orders from best to worst; Rank grows as the class worsens
type NetworkClass string

const (
	NetworkExcellent NetworkClass = "excellent"
	NetworkGood      NetworkClass = "good"
	NetworkFair      NetworkClass = "fair"
	NetworkPoor      NetworkClass = "poor"
)

func (c NetworkClass) Rank() int {
	switch c {
	case NetworkExcellent:
		return 0
	case NetworkGood:
		return 1
	case NetworkFair:
		return 2
	default:
		return 3
	}
}

// WorstClass returns the worst of the given classes
func WorstClass(classes ...NetworkClass) NetworkClass {
	worst := NetworkExcellent
	for _, c := range classes {
		if c.Rank() > worst.Rank() {
			worst = c
		}
	}
	return worst
}

type AdaptationSpeed string

const (
	AdaptationSlow   AdaptationSpeed = "slow"
	AdaptationNormal AdaptationSpeed = "normal"
	AdaptationFast   AdaptationSpeed = "fast"
)

// Sample is one timestamped measurement
type Sample struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

type NetworkConditions struct {
	Bandwidth      float64      `json:"bandwidth"`   // bits per second
	Latency        float64      `json:"latency"`     // milliseconds
	PacketLoss     float64      `json:"packet_loss"` // ratio 0..1
	Stability      Stability    `json:"stability"`
	Trend          Trend        `json:"trend"`
	Class          NetworkClass `json:"class"`
	ConnectionType string       `json:"connection_type"`
	EffectiveType  string       `json:"effective_type"`
	Samples        int          `json:"samples"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// HasBandwidth reports whether any bandwidth measurement has been taken
func (n NetworkConditions) HasBandwidth() bool {
	return n.Samples > 0 && n.Bandwidth > 0
}

// ConnectionInfo is a platform connection-change notification
type ConnectionInfo struct {
	Type          string  `json:"type"`
	EffectiveType string  `json:"effective_type"`
	DownlinkMbps  float64 `json:"downlink_mbps"` // 0 when unknown
	RTTMillis     float64 `json:"rtt_ms"`        // 0 when unknown
}

type StreamingRecommendations struct {
	BufferSize       float64         `json:"buffer_size"`       // seconds
	MaxBufferLength  float64         `json:"max_buffer_length"` // seconds
	SegmentRetries   int             `json:"segment_retries"`
	QualityLevels    []int           `json:"quality_levels"`
	AdaptationSpeed  AdaptationSpeed `json:"adaptation_speed"`
	PrefetchSegments int             `json:"prefetch_segments"`
}
