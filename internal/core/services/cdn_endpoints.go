package services

import (
	"time"

	"streamperf/internal/core/domain"
)

// endpointSet holds per-endpoint health in configuration order (primaries
// first). It is not safe for concurrent use; the optimizer guards it.
type endpointSet struct {
	order   []string
	metrics map[string]*domain.EndpointMetrics
	failed  map[string]bool
	current string
}

func newEndpointSet(primary, fallback []string) *endpointSet {
	s := &endpointSet{
		metrics: make(map[string]*domain.EndpointMetrics),
		failed:  make(map[string]bool),
	}
	for _, ep := range append(append([]string(nil), primary...), fallback...) {
		if ep == "" {
			continue
		}
		if _, dup := s.metrics[ep]; dup {
			continue
		}
		s.order = append(s.order, ep)
		s.metrics[ep] = freshEndpoint(ep)
	}
	if len(s.order) > 0 {
		s.current = s.order[0]
	}
	return s
}

func freshEndpoint(ep string) *domain.EndpointMetrics {
	return &domain.EndpointMetrics{Endpoint: ep, SuccessRate: 1}
}

func (s *endpointSet) known(host string) bool {
	_, ok := s.metrics[host]
	return ok
}

// record folds one attempt into the endpoint's stats. It reports whether
// the endpoint just crossed into the failed set.
func (s *endpointSet) record(ep string, success bool, latencyMs, alpha float64, minRequests int, minRate float64, at time.Time) bool {
	m, ok := s.metrics[ep]
	if !ok {
		return false
	}

	m.TotalRequests++
	if success {
		m.SuccessfulRequests++
	}
	m.SuccessRate = float64(m.SuccessfulRequests) / float64(m.TotalRequests)
	if m.TotalRequests == 1 {
		m.Latency = latencyMs
	} else {
		m.Latency = alpha*latencyMs + (1-alpha)*m.Latency
	}
	m.LastUsed = at

	if s.failed[ep] || m.TotalRequests < minRequests || m.SuccessRate >= minRate {
		return false
	}
	s.failed[ep] = true
	m.Failed = true
	return true
}

// best returns the highest scoring healthy endpoint other than exclude
func (s *endpointSet) best(exclude string) string {
	best, bestScore := "", -1.0
	for _, ep := range s.order {
		if ep == exclude || s.failed[ep] {
			continue
		}
		if score := s.metrics[ep].FailoverScore(); score > bestScore {
			best, bestScore = ep, score
		}
	}
	return best
}

// failover moves current off a failed endpoint. When nothing healthy is
// left the failed set and those endpoints' stats are reset first.
func (s *endpointSet) failover() (from, to, reason string) {
	from = s.current
	reason = "endpoint below reliability threshold"

	to = s.best(from)
	if to == "" {
		for ep := range s.failed {
			s.metrics[ep] = freshEndpoint(ep)
		}
		s.failed = make(map[string]bool)
		reason = "all endpoints failed"

		to = s.best(from)
		if to == "" {
			to = from
		}
	}

	s.current = to
	return from, to, reason
}

func (s *endpointSet) snapshot() []domain.EndpointMetrics {
	out := make([]domain.EndpointMetrics, 0, len(s.order))
	for _, ep := range s.order {
		m := *s.metrics[ep]
		m.Failed = s.failed[ep]
		m.Current = ep == s.current
		out = append(out, m)
	}
	return out
}
