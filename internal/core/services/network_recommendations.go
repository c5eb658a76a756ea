package services

import (
	"streamperf/internal/core/domain"
	"streamperf/pkg/stats"
)

// ClassThresholds are the lower (bandwidth) or upper (latency, loss)
// bounds of the excellent, good and fair classes
type ClassThresholds struct {
	BandwidthMbps [3]float64 // >= excellent, good, fair
	LatencyMs     [3]float64 // <= excellent, good, fair
	PacketLoss    [3]float64 // <= excellent, good, fair
}

func DefaultClassThresholds() ClassThresholds {
	return ClassThresholds{
		BandwidthMbps: [3]float64{10, 5, 1.5},
		LatencyMs:     [3]float64{50, 100, 300},
		PacketLoss:    [3]float64{0.005, 0.02, 0.05},
	}
}

var classOrder = [3]domain.NetworkClass{domain.NetworkExcellent, domain.NetworkGood, domain.NetworkFair}

func classifyAtLeast(value float64, bounds [3]float64) domain.NetworkClass {
	for i, b := range bounds {
		if value >= b {
			return classOrder[i]
		}
	}
	return domain.NetworkPoor
}

func classifyAtMost(value float64, bounds [3]float64) domain.NetworkClass {
	for i, b := range bounds {
		if value <= b {
			return classOrder[i]
		}
	}
	return domain.NetworkPoor
}

// ClassifyNetwork rates bandwidth (bps), latency (ms) and loss (ratio)
// independently and returns the worst of the three
func ClassifyNetwork(t ClassThresholds, bandwidth, latency, loss float64) domain.NetworkClass {
	return domain.WorstClass(
		classifyAtLeast(bandwidth/1e6, t.BandwidthMbps),
		classifyAtMost(latency, t.LatencyMs),
		classifyAtMost(loss, t.PacketLoss),
	)
}

// StabilityThresholds bound the coefficient of variation
type StabilityThresholds struct {
	Unstable    float64
	Fluctuating float64
}

func classifyStability(t StabilityThresholds, bandwidth, latency []float64) domain.Stability {
	cv := 0.0
	if len(bandwidth) > 1 {
		cv = stats.CoefficientOfVariation(bandwidth)
	}
	if len(latency) > 1 {
		if lcv := stats.CoefficientOfVariation(latency); lcv > cv {
			cv = lcv
		}
	}

	switch {
	case cv > t.Unstable:
		return domain.StabilityUnstable
	case cv > t.Fluctuating:
		return domain.StabilityFluctuating
	default:
		return domain.StabilityStable
	}
}

// TrendSettings configure bandwidth trend detection
type TrendSettings struct {
	MinSamples int
	Window     int
	Threshold  float64 // relative change, 0.2 = 20%
}

func classifyTrend(t TrendSettings, bandwidth []float64) domain.Trend {
	n := len(bandwidth)
	if n < t.MinSamples || t.Window < 1 || n <= t.Window {
		return domain.TrendStable
	}

	recent := bandwidth[n-t.Window:]
	start := n - 2*t.Window
	if start < 0 {
		start = 0
	}
	prior := bandwidth[start : n-t.Window]

	change := stats.RelativeChange(stats.Mean(prior), stats.Mean(recent))
	switch {
	case change > t.Threshold:
		return domain.TrendImproving
	case change < -t.Threshold:
		return domain.TrendDegrading
	default:
		return domain.TrendStable
	}
}

// qualityTier maps a minimum bandwidth to the renditions it can sustain
type qualityTier struct {
	minMbps float64
	levels  []int
}

var qualityTiers = []qualityTier{
	{25, []int{2160, 1440, 1080, 720, 480}},
	{10, []int{1080, 720, 480, 360}},
	{5, []int{720, 480, 360}},
	{2, []int{480, 360, 240}},
	{0, []int{360, 240}},
}

func qualityLevelsFor(bandwidth float64) []int {
	mbps := bandwidth / 1e6
	for _, tier := range qualityTiers {
		if mbps >= tier.minMbps {
			return append([]int(nil), tier.levels...)
		}
	}
	return []int{360, 240}
}

func segmentRetriesFor(loss float64) int {
	switch {
	case loss < 0.01:
		return 1
	case loss < 0.02:
		return 2
	case loss < 0.05:
		return 3
	case loss < 0.10:
		return 4
	default:
		return 5
	}
}

func bufferSizeFor(c domain.NetworkConditions) float64 {
	if c.Class == domain.NetworkExcellent && c.Stability == domain.StabilityStable {
		return 20
	}

	size := 30.0
	switch c.Stability {
	case domain.StabilityUnstable:
		size = 60
	case domain.StabilityFluctuating:
		size = 45
	}
	if c.PacketLoss > 0.05 {
		size += 15
	}
	return size
}

func adaptationSpeedFor(c domain.NetworkConditions) domain.AdaptationSpeed {
	switch {
	case c.Stability == domain.StabilityUnstable:
		return domain.AdaptationSlow
	case c.Stability == domain.StabilityStable &&
		(c.Class == domain.NetworkExcellent || c.Class == domain.NetworkGood):
		return domain.AdaptationFast
	default:
		return domain.AdaptationNormal
	}
}

func prefetchFor(c domain.NetworkConditions) int {
	n := 1
	switch c.Class {
	case domain.NetworkExcellent:
		n = 5
	case domain.NetworkGood:
		n = 4
	case domain.NetworkFair:
		n = 2
	}
	if c.Stability == domain.StabilityUnstable && n > 2 {
		n = 2
	}
	return stats.ClampInt(n, 1, 5)
}

// baselineRecommendations apply before any measurement exists
func baselineRecommendations() domain.StreamingRecommendations {
	return domain.StreamingRecommendations{
		BufferSize:       30,
		MaxBufferLength:  60,
		SegmentRetries:   3,
		QualityLevels:    []int{720, 480, 360},
		AdaptationSpeed:  domain.AdaptationNormal,
		PrefetchSegments: 2,
	}
}

// GenerateRecommendations derives player parameters from network conditions
func GenerateRecommendations(c domain.NetworkConditions) domain.StreamingRecommendations {
	if c.Samples == 0 {
		return baselineRecommendations()
	}

	size := bufferSizeFor(c)
	return domain.StreamingRecommendations{
		BufferSize:       size,
		MaxBufferLength:  size * 2,
		SegmentRetries:   segmentRetriesFor(c.PacketLoss),
		QualityLevels:    qualityLevelsFor(c.Bandwidth),
		AdaptationSpeed:  adaptationSpeedFor(c),
		PrefetchSegments: prefetchFor(c),
	}
}
