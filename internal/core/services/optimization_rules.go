package services

import (
	"fmt"

	"streamperf/internal/core/domain"
	"streamperf/pkg/stats"
)

// ScoreWeights blends the component scores into the overall score
type ScoreWeights struct {
	Buffer   float64
	Segments float64
	Quality  float64
	Network  float64
}

func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Buffer: 0.3, Segments: 0.25, Quality: 0.25, Network: 0.2}
}

// NetworkTiers maps bandwidth (bps) to the network factor of the score
type NetworkTiers struct {
	FastBps   float64
	MediumBps float64
}

func DefaultNetworkTiers() NetworkTiers {
	return NetworkTiers{FastBps: 5_000_000, MediumBps: 1_500_000}
}

func (t NetworkTiers) Score(bps float64) float64 {
	switch {
	case bps >= t.FastBps:
		return 100
	case bps >= t.MediumBps:
		return 70
	default:
		return 30
	}
}

// RuleThresholds trigger the advisory optimization rules
type RuleThresholds struct {
	MinBufferHealth    int
	MinBandwidth       float64 // bps
	MaxSegmentLoadMs   float64
	MinAdaptationScore float64
}

func DefaultRuleThresholds() RuleThresholds {
	return RuleThresholds{
		MinBufferHealth:    50,
		MinBandwidth:       1_500_000,
		MaxSegmentLoadMs:   3000,
		MinAdaptationScore: 60,
	}
}

// Rule names carried in optimizationApplied events
const (
	RuleIncreaseBuffer   = "increase_buffer"
	RuleReduceQuality    = "reduce_quality"
	RuleSwitchCDN        = "switch_cdn"
	RuleStabilizeQuality = "stabilize_quality"
)

// ScoreInputs is one consistent read of every component
type ScoreInputs struct {
	Buffer          domain.BufferHealthState
	Segments        domain.SegmentMetrics
	Quality         domain.QualityMetrics
	Network         domain.NetworkConditions
	Recommendations domain.StreamingRecommendations
}

// ComputeOverallScore blends the factors that have data. Factors without
// data drop out of both numerator and denominator; with no data at all the
// score is 0.
func ComputeOverallScore(w ScoreWeights, tiers NetworkTiers, in ScoreInputs) domain.OverallScore {
	var sum, weight float64
	var factors []string

	add := func(name string, value, wt float64) {
		if wt <= 0 {
			return
		}
		sum += value * wt
		weight += wt
		factors = append(factors, name)
	}

	if in.Buffer.Reported {
		add("buffer", float64(in.Buffer.HealthScore), w.Buffer)
	}
	if in.Segments.TotalSegments > 0 {
		add("segments", in.Segments.SuccessRate, w.Segments)
	}
	if in.Quality.Switches > 0 {
		add("quality", in.Quality.AdaptationScore, w.Quality)
	}
	if in.Network.HasBandwidth() {
		add("network", tiers.Score(in.Network.Bandwidth), w.Network)
	}

	score := 0.0
	if weight > 0 {
		score = stats.Clamp(sum/weight, 0, 100)
	}

	return domain.OverallScore{
		Score:   score,
		Status:  domain.StatusForScore(score),
		Factors: factors,
	}
}

// EvaluateRules returns the advice for every rule whose condition holds.
// Rules only consider components that have reported data.
func EvaluateRules(t RuleThresholds, in ScoreInputs) []domain.OptimizationAdvice {
	var advice []domain.OptimizationAdvice

	if in.Buffer.Reported && in.Buffer.HealthScore < t.MinBufferHealth {
		advice = append(advice, domain.OptimizationAdvice{
			Rule:   RuleIncreaseBuffer,
			Action: "increase buffer target",
			Reason: fmt.Sprintf("buffer health %d below %d", in.Buffer.HealthScore, t.MinBufferHealth),
			Value:  float64(in.Buffer.HealthScore),
			Target: in.Recommendations.BufferSize,
		})
	}

	if in.Network.HasBandwidth() && in.Network.Bandwidth < t.MinBandwidth {
		target := 0.0
		if len(in.Recommendations.QualityLevels) > 0 {
			target = float64(in.Recommendations.QualityLevels[0])
		}
		advice = append(advice, domain.OptimizationAdvice{
			Rule:   RuleReduceQuality,
			Action: "cap rendition quality",
			Reason: fmt.Sprintf("bandwidth %.0f bps below %.0f bps", in.Network.Bandwidth, t.MinBandwidth),
			Value:  in.Network.Bandwidth,
			Target: target,
		})
	}

	if in.Segments.TotalSegments > 0 && in.Segments.AverageLoadTime > t.MaxSegmentLoadMs {
		advice = append(advice, domain.OptimizationAdvice{
			Rule:   RuleSwitchCDN,
			Action: "try an alternate CDN endpoint",
			Reason: fmt.Sprintf("average segment load %.0fms above %.0fms", in.Segments.AverageLoadTime, t.MaxSegmentLoadMs),
			Value:  in.Segments.AverageLoadTime,
			Target: t.MaxSegmentLoadMs,
		})
	}

	if in.Quality.Switches > 0 && in.Quality.AdaptationScore < t.MinAdaptationScore {
		advice = append(advice, domain.OptimizationAdvice{
			Rule:   RuleStabilizeQuality,
			Action: "slow down quality adaptation",
			Reason: fmt.Sprintf("%d oscillations in recent switches", in.Quality.Oscillations),
			Value:  in.Quality.AdaptationScore,
			Target: t.MinAdaptationScore,
		})
	}

	return advice
}
