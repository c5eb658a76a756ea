package services

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"streamperf/internal/core/domain"
	"streamperf/internal/core/ports"
	"streamperf/pkg/circuitbreaker"
	apperrors "streamperf/pkg/errors"
	"streamperf/pkg/ringbuffer"

	"go.uber.org/zap"
)

// NetworkConfig controls probing cadence and classification
type NetworkConfig struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration // budget for one whole probe round
	HistorySize   int
	Classes       ClassThresholds
	Stability     StabilityThresholds
	Trend         TrendSettings
	Breaker       circuitbreaker.Config
}

// DefaultNetworkConfig returns default network detector settings
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ProbeInterval: 10 * time.Second,
		ProbeTimeout:  8 * time.Second,
		HistorySize:   20,
		Classes:       DefaultClassThresholds(),
		Stability:     StabilityThresholds{Unstable: 0.3, Fluctuating: 0.15},
		Trend:         TrendSettings{MinSamples: 5, Window: 3, Threshold: 0.2},
		Breaker: circuitbreaker.Config{
			FailureThreshold:    3,
			SuccessThreshold:    1,
			Timeout:             30 * time.Second,
			MaxRequestsHalfOpen: 1,
		},
	}
}

// NetworkConditionService probes the link and classifies its quality,
// stability and trend from bounded measurement histories
type NetworkConditionService struct {
	mu         sync.RWMutex
	config     NetworkConfig
	bandwidth  *ringbuffer.Ring[domain.Sample]
	latency    *ringbuffer.Ring[domain.Sample]
	packetLoss *ringbuffer.Ring[domain.Sample]
	conditions domain.NetworkConditions
	lastProbe  time.Time

	prober   ports.NetworkProber
	breaker  *circuitbreaker.CircuitBreaker
	inFlight atomic.Bool
	probeWG  sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	unwatch  func()

	events ports.EventEmitter
	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewNetworkConditionService(
	config NetworkConfig,
	prober ports.NetworkProber,
	events ports.EventEmitter,
	logger *zap.SugaredLogger,
) *NetworkConditionService {
	if config.HistorySize < 1 {
		config.HistorySize = 20
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &NetworkConditionService{
		config:     config,
		bandwidth:  ringbuffer.New[domain.Sample](config.HistorySize),
		latency:    ringbuffer.New[domain.Sample](config.HistorySize),
		packetLoss: ringbuffer.New[domain.Sample](config.HistorySize),
		prober:     prober,
		breaker:    circuitbreaker.New(config.Breaker),
		ctx:        ctx,
		cancel:     cancel,
		events:     events,
		now:        time.Now,
		logger:     logger,
	}
	s.conditions = domain.NetworkConditions{
		Stability:      domain.StabilityStable,
		Trend:          domain.TrendStable,
		ConnectionType: "unknown",
		EffectiveType:  "unknown",
	}

	s.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("network probe breaker state changed", "from", from.String(), "to", to.String())
	})

	return s
}

// UpdateConditions appends one measurement and recomputes derived state.
// bandwidth is in bits per second, latency in milliseconds, loss a ratio.
func (s *NetworkConditionService) UpdateConditions(bandwidth, latency, loss float64) {
	s.apply(measurement{
		bandwidth: bandwidth,
		latency:   latency,
		loss:      loss,
		ok:        [3]bool{true, true, true},
	})
}

// measurement holds the metrics one source actually observed. Metrics
// without ok keep their previous value and get no history sample.
type measurement struct {
	bandwidth, latency, loss float64
	ok                       [3]bool
}

func (s *NetworkConditionService) apply(m measurement) {
	if !m.ok[0] && !m.ok[1] && !m.ok[2] {
		return
	}

	s.mu.Lock()
	now := s.now()
	previous := s.conditions
	if m.ok[0] {
		v := sanitize(m.bandwidth)
		s.bandwidth.Push(domain.Sample{Value: v, Timestamp: now})
		s.conditions.Bandwidth = v
	}
	if m.ok[1] {
		v := sanitize(m.latency)
		s.latency.Push(domain.Sample{Value: v, Timestamp: now})
		s.conditions.Latency = v
	}
	if m.ok[2] {
		v := math.Min(sanitize(m.loss), 1)
		s.packetLoss.Push(domain.Sample{Value: v, Timestamp: now})
		s.conditions.PacketLoss = v
	}
	s.conditions.Samples++
	s.conditions.UpdatedAt = now
	s.recomputeLocked()
	current := s.conditions
	s.mu.Unlock()

	s.notifyChange(previous, current)
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

func sampleValues(r *ringbuffer.Ring[domain.Sample]) []float64 {
	samples := r.Values()
	values := make([]float64, len(samples))
	for i, sm := range samples {
		values[i] = sm.Value
	}
	return values
}

func (s *NetworkConditionService) recomputeLocked() {
	bw := sampleValues(s.bandwidth)
	lat := sampleValues(s.latency)

	s.conditions.Stability = classifyStability(s.config.Stability, bw, lat)
	s.conditions.Trend = classifyTrend(s.config.Trend, bw)
	bandwidth := s.conditions.Bandwidth
	if s.bandwidth.Len() == 0 {
		// not measured yet: rate on latency and loss alone
		bandwidth = math.Inf(1)
	}
	s.conditions.Class = ClassifyNetwork(s.config.Classes, bandwidth, s.conditions.Latency, s.conditions.PacketLoss)
}

func (s *NetworkConditionService) notifyChange(previous, current domain.NetworkConditions) {
	var changed []string
	if previous.Class != current.Class {
		changed = append(changed, "class")
	}
	if previous.Stability != current.Stability {
		changed = append(changed, "stability")
	}
	if previous.Trend != current.Trend {
		changed = append(changed, "trend")
	}
	if len(changed) == 0 {
		return
	}

	s.logger.Infow("network conditions changed",
		"changed", changed,
		"class", current.Class,
		"stability", current.Stability,
		"trend", current.Trend,
		"bandwidth_mbps", current.Bandwidth/1e6,
		"latency_ms", current.Latency,
	)

	if s.events != nil {
		s.events.Publish(domain.NewEvent(domain.EventNetworkConditionChange, domain.NetworkConditionChange{
			Conditions: current,
			Previous:   previous.Class,
			Changed:    changed,
		}, s.now()))
	}
}

// Refresh starts a probe round in the background when the probe interval
// has elapsed. It never blocks and is a no-op while a round is in flight.
func (s *NetworkConditionService) Refresh() {
	if s.prober == nil || s.ctx.Err() != nil {
		return
	}

	s.mu.RLock()
	due := s.lastProbe.IsZero() || s.now().Sub(s.lastProbe) >= s.config.ProbeInterval
	s.mu.RUnlock()
	if !due {
		return
	}

	if !s.inFlight.CompareAndSwap(false, true) {
		return
	}
	s.probeWG.Add(1)
	go func() {
		defer s.probeWG.Done()
		defer s.inFlight.Store(false)
		_ = s.probeRound(s.ctx)
	}()
}

// Probe runs one probe round synchronously
func (s *NetworkConditionService) Probe(ctx context.Context) error {
	if s.prober == nil {
		return nil
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return domain.ErrProbeInFlight
	}
	defer s.inFlight.Store(false)
	return s.probeRound(ctx)
}

func (s *NetworkConditionService) probeRound(ctx context.Context) error {
	if s.config.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ProbeTimeout)
		defer cancel()
	}

	s.mu.Lock()
	s.lastProbe = s.now()
	s.mu.Unlock()

	res, err := circuitbreaker.ExecuteWithResult(ctx, s.breaker, func(ctx context.Context) (measurement, error) {
		var r measurement
		var lastErr error

		if v, err := s.prober.ProbeBandwidth(ctx); err == nil {
			r.bandwidth, r.ok[0] = v, true
		} else {
			lastErr = apperrors.NewProbeFailure("bandwidth", err)
		}
		if v, err := s.prober.ProbeLatency(ctx); err == nil {
			r.latency, r.ok[1] = v, true
		} else {
			lastErr = apperrors.NewProbeFailure("latency", err)
		}
		if v, err := s.prober.ProbePacketLoss(ctx); err == nil {
			r.loss, r.ok[2] = v, true
		} else {
			lastErr = apperrors.NewProbeFailure("packet_loss", err)
		}

		if !r.ok[0] && !r.ok[1] && !r.ok[2] {
			return r, lastErr
		}
		if lastErr != nil {
			s.logger.Debugw("partial probe failure", "error", lastErr)
		}
		return r, nil
	})
	if err != nil {
		// prior values stay in place
		s.logger.Debugw("probe round failed", "error", err, "breaker", s.breaker.GetState().String())
		return err
	}
	if ctx.Err() != nil || s.ctx.Err() != nil {
		return nil
	}

	s.apply(res)
	return nil
}

// Watch subscribes to passive connection-change notifications
func (s *NetworkConditionService) Watch(notifier ports.ConnectionNotifier) {
	if notifier == nil {
		return
	}
	unsubscribe := notifier.Subscribe(s.HandleConnectionChange)

	s.mu.Lock()
	previous := s.unwatch
	s.unwatch = unsubscribe
	s.mu.Unlock()

	if previous != nil {
		previous()
	}
}

// HandleConnectionChange applies a connection-change notification without
// waiting for the next probe round
func (s *NetworkConditionService) HandleConnectionChange(info domain.ConnectionInfo) {
	s.mu.Lock()
	if info.Type != "" {
		s.conditions.ConnectionType = info.Type
	}
	if info.EffectiveType != "" {
		s.conditions.EffectiveType = info.EffectiveType
	}
	s.mu.Unlock()

	s.logger.Debugw("connection change notification",
		"type", info.Type,
		"effective_type", info.EffectiveType,
		"downlink_mbps", info.DownlinkMbps,
		"rtt_ms", info.RTTMillis,
	)

	s.apply(measurement{
		bandwidth: info.DownlinkMbps * 1e6,
		latency:   info.RTTMillis,
		ok:        [3]bool{info.DownlinkMbps > 0, info.RTTMillis > 0, false},
	})
}

// Conditions returns the latest classified conditions
func (s *NetworkConditionService) Conditions() domain.NetworkConditions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conditions
}

// Recommendations derives streaming parameters from the latest conditions
func (s *NetworkConditionService) Recommendations() domain.StreamingRecommendations {
	return GenerateRecommendations(s.Conditions())
}

// BandwidthHistory returns bandwidth samples, oldest first
func (s *NetworkConditionService) BandwidthHistory() []domain.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bandwidth.Values()
}

// ProbeInFlight reports whether a background probe round is running
func (s *NetworkConditionService) ProbeInFlight() bool {
	return s.inFlight.Load()
}

// Close stops watching connection changes and waits for an in-flight probe
func (s *NetworkConditionService) Close() {
	s.cancel()

	s.mu.Lock()
	unwatch := s.unwatch
	s.unwatch = nil
	s.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	s.probeWG.Wait()
}
