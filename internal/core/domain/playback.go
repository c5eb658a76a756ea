package domain

import "time"

type SegmentMetrics struct {
	LoadTimes       []float64 `json:"load_times"` // milliseconds, oldest first
	AverageLoadTime float64   `json:"average_load_time"`
	FailedSegments  int       `json:"failed_segments"`
	TotalSegments   int       `json:"total_segments"`
	SuccessRate     float64   `json:"success_rate"` // percent 0..100
}

type QualityEntry struct {
	Quality   int       `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

type QualityMetrics struct {
	Switches        int            `json:"switches"`
	Upgrades        int            `json:"upgrades"`
	Downgrades      int            `json:"downgrades"`
	CurrentQuality  int            `json:"current_quality"`
	QualityHistory  []QualityEntry `json:"quality_history"`
	AdaptationScore float64        `json:"adaptation_score"`
	Oscillations    int            `json:"oscillations"`
}
