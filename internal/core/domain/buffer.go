package domain

import "time"

// Buffer health scores. Only these four values are ever produced.
const (
	BufferScoreCritical = 0
	BufferScoreWarning  = 30
	BufferScoreGood     = 70
	BufferScoreOptimal  = 100
)

// BufferThresholds are the level boundaries in seconds of media ahead of the playhead
type BufferThresholds struct {
	Critical float64 `json:"critical"`
	Warning  float64 `json:"warning"`
	Optimal  float64 `json:"optimal"`
}

// DefaultBufferThresholds returns the 5s/15s/30s boundaries
func DefaultBufferThresholds() BufferThresholds {
	return BufferThresholds{Critical: 5, Warning: 15, Optimal: 30}
}

// Score maps a buffer level to its health score
func (t BufferThresholds) Score(level float64) int {
	switch {
	case level < t.Critical:
		return BufferScoreCritical
	case level < t.Warning:
		return BufferScoreWarning
	case level < t.Optimal:
		return BufferScoreGood
	default:
		return BufferScoreOptimal
	}
}

type BufferHealthState struct {
	CurrentLevel       float64       `json:"current_level"` // seconds
	TargetLevel        float64       `json:"target_level"`
	Stalls             int           `json:"stalls"`
	StallDurationTotal time.Duration `json:"stall_duration_total"`
	LastStallTimestamp time.Time     `json:"last_stall_timestamp"`
	GapJumps           int           `json:"gap_jumps"`
	HealthScore        int           `json:"health_score"`
	// Reported is false until the first buffer level arrives
	Reported bool `json:"reported"`
}
