package services

import (
	"math"
	"sync"
	"time"

	"streamperf/internal/core/domain"
	"streamperf/internal/core/ports"

	"go.uber.org/zap"
)

// BufferHealthConfig controls buffer scoring and change notification
type BufferHealthConfig struct {
	Thresholds domain.BufferThresholds
	// ChangeThreshold is the score delta that must be exceeded before
	// bufferHealthChange is published again
	ChangeThreshold int
}

// DefaultBufferHealthConfig returns default buffer scoring settings
func DefaultBufferHealthConfig() BufferHealthConfig {
	return BufferHealthConfig{
		Thresholds:      domain.DefaultBufferThresholds(),
		ChangeThreshold: 20,
	}
}

// BufferHealthService scores how much playable media is buffered ahead of
// the playhead
type BufferHealthService struct {
	mu           sync.RWMutex
	config       BufferHealthConfig
	state        domain.BufferHealthState
	lastNotified int

	events ports.EventEmitter
	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewBufferHealthService(config BufferHealthConfig, events ports.EventEmitter, logger *zap.SugaredLogger) *BufferHealthService {
	s := &BufferHealthService{
		config: config,
		events: events,
		now:    time.Now,
		logger: logger,
	}
	s.resetLocked()
	return s
}

func (s *BufferHealthService) resetLocked() {
	s.state = domain.BufferHealthState{
		TargetLevel: s.config.Thresholds.Optimal,
		HealthScore: domain.BufferScoreOptimal,
	}
	s.lastNotified = domain.BufferScoreOptimal
}

// UpdateBufferLevel sets the seconds of media buffered ahead of the playhead
func (s *BufferHealthService) UpdateBufferLevel(seconds float64) {
	if math.IsNaN(seconds) || seconds < 0 {
		seconds = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.CurrentLevel = seconds
	s.state.Reported = true
	s.state.HealthScore = s.config.Thresholds.Score(seconds)
}

// RecordBufferStall counts one playback stall of the given duration
func (s *BufferHealthService) RecordBufferStall(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Stalls++
	s.state.StallDurationTotal += duration
	s.state.LastStallTimestamp = s.now()

	s.logger.Debugw("buffer stall recorded",
		"duration_ms", duration.Milliseconds(),
		"stalls", s.state.Stalls,
		"level", s.state.CurrentLevel,
	)
}

// RecordGapJump counts one skip over a hole in the buffered ranges
func (s *BufferHealthService) RecordGapJump() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.GapJumps++
}

// Tick recomputes the health score and publishes bufferHealthChange when it
// moved more than ChangeThreshold points since the last notification
func (s *BufferHealthService) Tick() {
	s.mu.Lock()
	score := s.config.Thresholds.Score(s.state.CurrentLevel)
	if !s.state.Reported {
		score = domain.BufferScoreOptimal
	}
	s.state.HealthScore = score

	previous := s.lastNotified
	delta := score - previous
	if delta < 0 {
		delta = -delta
	}
	if delta <= s.config.ChangeThreshold {
		s.mu.Unlock()
		return
	}
	s.lastNotified = score
	level := s.state.CurrentLevel
	s.mu.Unlock()

	s.logger.Infow("buffer health changed",
		"previous", previous,
		"current", score,
		"level", level,
	)

	if s.events != nil {
		s.events.Publish(domain.NewEvent(domain.EventBufferHealthChange, domain.BufferHealthChange{
			Previous: previous,
			Current:  score,
			Level:    level,
		}, s.now()))
	}
}

// State returns a snapshot of the buffer state
func (s *BufferHealthService) State() domain.BufferHealthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Reset discards all buffer observations
func (s *BufferHealthService) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}
