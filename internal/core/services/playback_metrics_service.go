package services

import (
	"math"
	"strings"
	"sync"
	"time"

	"streamperf/internal/core/domain"
	"streamperf/pkg/ringbuffer"
	"streamperf/pkg/stats"

	"go.uber.org/zap"
)

// PlaybackConfig bounds the segment and quality histories
type PlaybackConfig struct {
	LoadTimeHistory    int
	QualityHistory     int
	OscillationWindow  int
	OscillationPenalty float64
}

func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		LoadTimeHistory:    20,
		QualityHistory:     50,
		OscillationWindow:  10,
		OscillationPenalty: 20,
	}
}

// PlaybackMetricsService tracks segment load outcomes and quality switches
type PlaybackMetricsService struct {
	mu        sync.RWMutex
	config    PlaybackConfig
	loadTimes *ringbuffer.Ring[float64]
	history   *ringbuffer.Ring[domain.QualityEntry]
	segments  domain.SegmentMetrics
	quality   domain.QualityMetrics

	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewPlaybackMetricsService(config PlaybackConfig, logger *zap.SugaredLogger) *PlaybackMetricsService {
	s := &PlaybackMetricsService{
		config: config,
		now:    time.Now,
		logger: logger,
	}
	s.resetLocked()
	return s
}

func (s *PlaybackMetricsService) resetLocked() {
	s.loadTimes = ringbuffer.New[float64](s.config.LoadTimeHistory)
	s.history = ringbuffer.New[domain.QualityEntry](s.config.QualityHistory)
	s.segments = domain.SegmentMetrics{SuccessRate: 100}
	s.quality = domain.QualityMetrics{AdaptationScore: 100}
}

// RecordSegmentLoad records one segment fetch and its duration
func (s *PlaybackMetricsService) RecordSegmentLoad(duration time.Duration, success bool) {
	ms := float64(duration) / float64(time.Millisecond)
	if ms < 0 || math.IsNaN(ms) {
		ms = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.segments.TotalSegments++
	if !success {
		s.segments.FailedSegments++
	}
	s.loadTimes.Push(ms)
	s.recomputeSegmentsLocked()
}

// RecordQualitySwitch records a rendition change. The first switch seeds
// the history with the starting quality.
func (s *PlaybackMetricsService) RecordQualitySwitch(from, to int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	reason = strings.TrimSpace(reason)

	if s.history.Len() == 0 {
		s.history.Push(domain.QualityEntry{Quality: from, Timestamp: now, Reason: "initial"})
	}
	s.history.Push(domain.QualityEntry{Quality: to, Timestamp: now, Reason: reason})

	s.quality.Switches++
	switch {
	case to > from:
		s.quality.Upgrades++
	case to < from:
		s.quality.Downgrades++
	}
	s.quality.CurrentQuality = to
	s.recomputeQualityLocked()

	s.logger.Debugw("quality switch recorded",
		"from", from,
		"to", to,
		"reason", reason,
		"adaptation_score", s.quality.AdaptationScore,
	)
}

// Refresh recomputes derived segment and quality metrics
func (s *PlaybackMetricsService) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputeSegmentsLocked()
	s.recomputeQualityLocked()
}

func (s *PlaybackMetricsService) recomputeSegmentsLocked() {
	s.segments.LoadTimes = s.loadTimes.Values()
	s.segments.AverageLoadTime = stats.Mean(s.segments.LoadTimes)
	if s.segments.TotalSegments > 0 {
		ok := s.segments.TotalSegments - s.segments.FailedSegments
		s.segments.SuccessRate = float64(ok) / float64(s.segments.TotalSegments) * 100
	}
}

func (s *PlaybackMetricsService) recomputeQualityLocked() {
	recent := s.history.Recent(s.config.OscillationWindow)
	values := make([]int, len(recent))
	for i, e := range recent {
		values[i] = e.Quality
	}

	s.quality.Oscillations = CountOscillations(values)
	s.quality.AdaptationScore = math.Max(0, 100-s.config.OscillationPenalty*float64(s.quality.Oscillations))
	s.quality.QualityHistory = s.history.Values()
}

// CountOscillations counts interior local maxima and minima
func CountOscillations(values []int) int {
	count := 0
	for i := 1; i < len(values)-1; i++ {
		prev, cur, next := values[i-1], values[i], values[i+1]
		if (cur > prev && cur > next) || (cur < prev && cur < next) {
			count++
		}
	}
	return count
}

// Segments returns a snapshot of segment metrics
func (s *PlaybackMetricsService) Segments() domain.SegmentMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.segments
	m.LoadTimes = append([]float64(nil), s.segments.LoadTimes...)
	return m
}

// Quality returns a snapshot of quality metrics
func (s *PlaybackMetricsService) Quality() domain.QualityMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.quality
	m.QualityHistory = append([]domain.QualityEntry(nil), s.quality.QualityHistory...)
	return m
}

// Reset discards all playback observations
func (s *PlaybackMetricsService) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}
