package services

import (
	"context"
	"net/http"
	"sync"
	"time"

	"streamperf/internal/core/domain"
	"streamperf/internal/core/ports"

	"go.uber.org/zap"
)

// OrchestratorConfig holds the scheduler cadences, scoring and rule
// settings, and the configuration of every component
type OrchestratorConfig struct {
	FastInterval    time.Duration
	NetworkInterval time.Duration
	MemoryInterval  time.Duration
	PublishTimeout  time.Duration

	Weights ScoreWeights
	Tiers   NetworkTiers
	Rules   RuleThresholds

	Buffer     BufferHealthConfig
	Network    NetworkConfig
	Playback   PlaybackConfig
	Resources  ResourceConfig
	Connection ConnectionConfig
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		FastInterval:    time.Second,
		NetworkInterval: 5 * time.Second,
		MemoryInterval:  10 * time.Second,
		PublishTimeout:  2 * time.Second,
		Weights:         DefaultScoreWeights(),
		Tiers:           DefaultNetworkTiers(),
		Rules:           DefaultRuleThresholds(),
		Buffer:          DefaultBufferHealthConfig(),
		Network:         DefaultNetworkConfig(),
		Playback:        DefaultPlaybackConfig(),
		Resources:       DefaultResourceConfig(),
		Connection:      DefaultConnectionConfig(),
	}
}

// OrchestratorDeps are the host integrations; all of them are optional
type OrchestratorDeps struct {
	Prober     ports.NetworkProber
	HTTPClient ports.HTTPDoer
	Connection ports.ConnectionNotifier
	Lifecycle  ports.LifecycleNotifier
	Resources  ResourceHooks
	Recorder   ports.MetricsRecorder
	Publisher  ports.EventPublisher
}

// PerformanceOrchestrator owns the components of one playback session,
// drives their refresh cadences and exposes the combined API
type PerformanceOrchestrator struct {
	mu         sync.RWMutex
	config     OrchestratorConfig
	monitoring bool
	destroyed  bool
	cancel     context.CancelFunc
	done       chan struct{}

	bus        ports.EventBus
	buffer     *BufferHealthService
	network    *NetworkConditionService
	playback   *PlaybackMetricsService
	resources  *ResourceLifecycleService
	connection *ConnectionOptimizerService

	recorder     ports.MetricsRecorder
	publisher    ports.EventPublisher
	unsubscribes []func()

	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewPerformanceOrchestrator(
	config OrchestratorConfig,
	bus ports.EventBus,
	deps OrchestratorDeps,
	logger *zap.SugaredLogger,
) *PerformanceOrchestrator {
	client := deps.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	defaults := DefaultOrchestratorConfig()
	if config.FastInterval <= 0 {
		config.FastInterval = defaults.FastInterval
	}
	if config.NetworkInterval <= 0 {
		config.NetworkInterval = defaults.NetworkInterval
	}
	if config.MemoryInterval <= 0 {
		config.MemoryInterval = defaults.MemoryInterval
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}

	o := &PerformanceOrchestrator{
		config:     config,
		bus:        bus,
		buffer:     NewBufferHealthService(config.Buffer, bus, logger.Named("buffer")),
		network:    NewNetworkConditionService(config.Network, deps.Prober, bus, logger.Named("network")),
		playback:   NewPlaybackMetricsService(config.Playback, logger.Named("playback")),
		resources:  NewResourceLifecycleService(config.Resources, deps.Resources, bus, logger.Named("resources")),
		connection: NewConnectionOptimizerService(config.Connection, client, bus, logger.Named("connection")),
		recorder:   deps.Recorder,
		publisher:  deps.Publisher,
		now:        time.Now,
		logger:     logger,
	}

	o.network.Watch(deps.Connection)
	o.resources.Watch(deps.Lifecycle)
	if deps.Recorder != nil {
		o.connection.SetMetricsRecorder(deps.Recorder)
	}
	if deps.Recorder != nil || deps.Publisher != nil {
		o.unsubscribes = append(o.unsubscribes, bus.SubscribeAll(o.forward))
	}

	return o
}

// forward hands every bus event to the metrics recorder and external sink
func (o *PerformanceOrchestrator) forward(event domain.Event) {
	if o.recorder != nil {
		o.recorder.RecordEvent(event.Type)
	}
	if o.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.config.PublishTimeout)
	defer cancel()
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.Warnw("failed to forward event", "event_id", event.ID, "type", event.Type, "error", err)
	}
}

// StartMonitoring starts the scheduler goroutine. It stops when ctx is
// cancelled, on StopMonitoring, or on Destroy.
func (o *PerformanceOrchestrator) StartMonitoring(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.destroyed {
		return domain.ErrOrchestratorGone
	}
	if o.monitoring {
		return domain.ErrAlreadyMonitoring
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	o.monitoring = true

	go o.run(ctx, o.done)

	o.logger.Infow("performance monitoring started",
		"fast_interval", o.config.FastInterval,
		"network_interval", o.config.NetworkInterval,
		"memory_interval", o.config.MemoryInterval,
	)
	return nil
}

// run serializes all ticks. A tick that overruns causes later ticker fires
// to be dropped, never a second concurrent tick.
func (o *PerformanceOrchestrator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer o.schedulerExited(done)

	fast := time.NewTicker(o.config.FastInterval)
	defer fast.Stop()
	network := time.NewTicker(o.config.NetworkInterval)
	defer network.Stop()
	memory := time.NewTicker(o.config.MemoryInterval)
	defer memory.Stop()

	o.network.Refresh()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fast.C:
			o.fastTick()
		case <-network.C:
			o.networkTick()
		case <-memory.C:
			o.resources.Refresh()
		}
	}
}

// schedulerExited clears the monitoring state when run returns on its own,
// for example because the StartMonitoring context was cancelled. After
// StopMonitoring the state already belongs to nobody and is left alone.
func (o *PerformanceOrchestrator) schedulerExited(done chan struct{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done != done {
		return
	}
	o.cancel()
	o.monitoring = false
	o.cancel, o.done = nil, nil
	o.logger.Infow("performance monitoring ended with its context")
}

func (o *PerformanceOrchestrator) fastTick() {
	o.buffer.Tick()
	o.playback.Refresh()
	o.CheckOptimizationOpportunities()
}

func (o *PerformanceOrchestrator) networkTick() {
	o.network.Refresh()
	if o.recorder != nil {
		o.recorder.RecordSummary(o.GetPerformanceSummary())
		o.recorder.RecordEndpoints(o.connection.Endpoints())
	}
}

// StopMonitoring stops the scheduler and flushes queued request batches
func (o *PerformanceOrchestrator) StopMonitoring() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	wasMonitoring := o.monitoring
	o.monitoring = false
	o.cancel, o.done = nil, nil
	o.mu.Unlock()

	if wasMonitoring {
		cancel()
		<-done
		o.logger.Infow("performance monitoring stopped")
	}
	o.connection.Flush()
}

// Destroy stops monitoring, closes the optimizer, sweeps every resource
// registry and closes the event bus. Later calls are no-ops.
func (o *PerformanceOrchestrator) Destroy() {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.destroyed = true
	o.mu.Unlock()

	o.StopMonitoring()
	o.connection.Close()
	o.network.Close()
	report := o.resources.Destroy()

	for _, unsubscribe := range o.unsubscribes {
		unsubscribe()
	}
	o.bus.Close()

	o.logger.Infow("performance orchestrator destroyed", "released", report.Total())
}

func (o *PerformanceOrchestrator) isDestroyed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.destroyed
}

// IsMonitoring reports whether the scheduler is running
func (o *PerformanceOrchestrator) IsMonitoring() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.monitoring
}

func (o *PerformanceOrchestrator) RecordSegmentLoad(loadTime time.Duration, success bool) {
	if o.isDestroyed() {
		return
	}
	o.playback.RecordSegmentLoad(loadTime, success)
}

func (o *PerformanceOrchestrator) RecordQualitySwitch(from, to int, reason string) {
	if o.isDestroyed() {
		return
	}
	o.playback.RecordQualitySwitch(from, to, reason)
}

func (o *PerformanceOrchestrator) RecordBufferStall(duration time.Duration) {
	if o.isDestroyed() {
		return
	}
	o.buffer.RecordBufferStall(duration)
}

func (o *PerformanceOrchestrator) RecordGapJump() {
	if o.isDestroyed() {
		return
	}
	o.buffer.RecordGapJump()
}

func (o *PerformanceOrchestrator) UpdateBufferLevel(seconds float64) {
	if o.isDestroyed() {
		return
	}
	o.buffer.UpdateBufferLevel(seconds)
}

// UpdateNetworkConditions feeds an externally measured sample
func (o *PerformanceOrchestrator) UpdateNetworkConditions(bandwidth, latency, loss float64) {
	if o.isDestroyed() {
		return
	}
	o.network.UpdateConditions(bandwidth, latency, loss)
}

// ProbeNetwork runs one probe round synchronously
func (o *PerformanceOrchestrator) ProbeNetwork(ctx context.Context) error {
	if o.isDestroyed() {
		return domain.ErrOrchestratorGone
	}
	return o.network.Probe(ctx)
}

func (o *PerformanceOrchestrator) inputs() ScoreInputs {
	return ScoreInputs{
		Buffer:          o.buffer.State(),
		Segments:        o.playback.Segments(),
		Quality:         o.playback.Quality(),
		Network:         o.network.Conditions(),
		Recommendations: o.network.Recommendations(),
	}
}

// ComputeOverallScore blends the component scores
func (o *PerformanceOrchestrator) ComputeOverallScore() domain.OverallScore {
	return ComputeOverallScore(o.config.Weights, o.config.Tiers, o.inputs())
}

// CheckOptimizationOpportunities evaluates the advisory rules and publishes
// one optimizationApplied event per triggered rule. Playback is never
// changed here.
func (o *PerformanceOrchestrator) CheckOptimizationOpportunities() []domain.OptimizationAdvice {
	if o.isDestroyed() {
		return nil
	}

	advice := EvaluateRules(o.config.Rules, o.inputs())
	at := o.now()
	for _, a := range advice {
		o.logger.Debugw("optimization opportunity", "rule", a.Rule, "reason", a.Reason)
		o.bus.Publish(domain.NewEvent(domain.EventOptimizationApplied, a, at))
	}
	return advice
}

// On subscribes handler to one event type
func (o *PerformanceOrchestrator) On(eventType domain.EventType, handler func(domain.Event)) func() {
	return o.bus.Subscribe(eventType, handler)
}

// OnAll subscribes handler to every event type
func (o *PerformanceOrchestrator) OnAll(handler func(domain.Event)) func() {
	return o.bus.SubscribeAll(handler)
}

// GetPerformanceSummary returns a snapshot of every component
func (o *PerformanceOrchestrator) GetPerformanceSummary() domain.PerformanceSummary {
	in := o.inputs()
	return domain.PerformanceSummary{
		Overall:    ComputeOverallScore(o.config.Weights, o.config.Tiers, in),
		Buffer:     in.Buffer,
		Network:    in.Network,
		Segments:   in.Segments,
		Quality:    in.Quality,
		Memory:     o.resources.Metrics(),
		Connection: o.connection.Metrics(),
		Monitoring: o.IsMonitoring(),
		At:         o.now(),
	}
}

// GetStreamingParameters returns the player tuning derived from the network
func (o *PerformanceOrchestrator) GetStreamingParameters() domain.StreamingRecommendations {
	return o.network.Recommendations()
}

func (o *PerformanceOrchestrator) OptimizeRequest(ctx context.Context, url string, opts domain.RequestOptions) (*domain.Response, error) {
	if o.isDestroyed() {
		return nil, domain.ErrOrchestratorGone
	}
	return o.connection.OptimizeRequest(ctx, url, opts)
}

func (o *PerformanceOrchestrator) ValidateEndpoint(ctx context.Context, endpoint string) (bool, error) {
	if o.isDestroyed() {
		return false, domain.ErrOrchestratorGone
	}
	return o.connection.ValidateEndpoint(ctx, endpoint)
}

func (o *PerformanceOrchestrator) Endpoints() []domain.EndpointMetrics {
	return o.connection.Endpoints()
}

func (o *PerformanceOrchestrator) RegisterBlobURL(entry domain.BlobURLEntry) error {
	if o.isDestroyed() {
		return nil
	}
	return o.resources.RegisterBlobURL(entry)
}

func (o *PerformanceOrchestrator) UnregisterBlobURL(url string) bool {
	return o.resources.UnregisterBlobURL(url)
}

func (o *PerformanceOrchestrator) TouchBlobURL(url string) bool {
	return o.resources.TouchBlobURL(url)
}

func (o *PerformanceOrchestrator) RegisterVideoElement(id string) {
	o.resources.RegisterVideoElement(id)
}

func (o *PerformanceOrchestrator) UnregisterVideoElement(id string) bool {
	return o.resources.UnregisterVideoElement(id)
}

func (o *PerformanceOrchestrator) RegisterHLSInstance(id string) {
	o.resources.RegisterHLSInstance(id)
}

func (o *PerformanceOrchestrator) UnregisterHLSInstance(id string) bool {
	return o.resources.UnregisterHLSInstance(id)
}

func (o *PerformanceOrchestrator) RegisterEventListeners(elementID string, listeners []domain.ListenerRecord) {
	o.resources.RegisterEventListeners(elementID, listeners)
}

func (o *PerformanceOrchestrator) UnregisterEventListeners(elementID string) int {
	return o.resources.UnregisterEventListeners(elementID)
}

func (o *PerformanceOrchestrator) SetSubtitleCache(lang string, data []byte) {
	o.resources.SetSubtitleCache(lang, data)
}

func (o *PerformanceOrchestrator) SubtitleCache(lang string) ([]byte, bool) {
	return o.resources.SubtitleCache(lang)
}

func (o *PerformanceOrchestrator) ClearSubtitleCache(lang string) bool {
	return o.resources.ClearSubtitleCache(lang)
}

// PendingTimers counts armed timers: the three scheduler tickers while
// monitoring plus every armed batch-flush timer
func (o *PerformanceOrchestrator) PendingTimers() int {
	n := o.connection.PendingTimers()
	if o.IsMonitoring() {
		n += 3
	}
	return n
}
