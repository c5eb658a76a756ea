package domain

import "time"

type HealthStatus string

const (
	StatusExcellent HealthStatus = "excellent"
	StatusGood      HealthStatus = "good"
	StatusFair      HealthStatus = "fair"
	StatusPoor      HealthStatus = "poor"
)

// StatusForScore maps an overall score to its status band
func StatusForScore(score float64) HealthStatus {
	switch {
	case score >= 80:
		return StatusExcellent
	case score >= 60:
		return StatusGood
	case score >= 40:
		return StatusFair
	default:
		return StatusPoor
	}
}

type OverallScore struct {
	Score   float64      `json:"score"`
	Status  HealthStatus `json:"status"`
	Factors []string     `json:"factors"`
}

type PerformanceSummary struct {
	Overall    OverallScore      `json:"overall"`
	Buffer     BufferHealthState `json:"buffer"`
	Network    NetworkConditions `json:"network"`
	Segments   SegmentMetrics    `json:"segments"`
	Quality    QualityMetrics    `json:"quality"`
	Memory     MemoryMetrics     `json:"memory"`
	Connection OptimizerMetrics  `json:"connection"`
	Monitoring bool              `json:"monitoring"`
	At         time.Time         `json:"at"`
}
