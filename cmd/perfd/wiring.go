package main

import (
	"fmt"

	"streamperf/internal/core/domain"
	"streamperf/internal/core/services"
	"streamperf/internal/handlers/ws"
	"streamperf/internal/infrastructure/distributed"
	"streamperf/internal/infrastructure/probe"
	"streamperf/pkg/config"
	"streamperf/pkg/retry"
	"streamperf/pkg/tracing"
)

// orchestratorConfig layers the YAML values over the service defaults
func orchestratorConfig(cfg *config.Config) (services.OrchestratorConfig, error) {
	oc := services.DefaultOrchestratorConfig()

	oc.FastInterval = cfg.Monitoring.FastInterval
	oc.NetworkInterval = cfg.Monitoring.NetworkInterval
	oc.MemoryInterval = cfg.Monitoring.MemoryInterval
	oc.PublishTimeout = cfg.Monitoring.PublishTimeout

	oc.Rules = services.RuleThresholds{
		MinBufferHealth:    cfg.Orchestrator.MinBufferHealth,
		MinBandwidth:       cfg.Orchestrator.MinBandwidth,
		MaxSegmentLoadMs:   cfg.Orchestrator.MaxSegmentLoadMs,
		MinAdaptationScore: cfg.Orchestrator.MinAdaptationScore,
	}

	oc.Buffer.Thresholds = domain.BufferThresholds{
		Critical: cfg.Buffer.Critical,
		Warning:  cfg.Buffer.Warning,
		Optimal:  cfg.Buffer.Optimal,
	}
	oc.Buffer.ChangeThreshold = cfg.Buffer.ChangeThreshold

	// the 5s network tick only checks whether the 10s probe is due
	oc.Network.ProbeInterval = cfg.Network.ProbeInterval
	oc.Network.ProbeTimeout = cfg.Network.ProbeTimeout
	oc.Network.HistorySize = cfg.Network.HistorySize
	oc.Network.Stability = services.StabilityThresholds{
		Unstable:    cfg.Network.UnstableCV,
		Fluctuating: cfg.Network.FluctuatingCV,
	}
	oc.Network.Trend = services.TrendSettings{
		MinSamples: cfg.Network.TrendMinSamples,
		Window:     cfg.Network.TrendWindow,
		Threshold:  cfg.Network.TrendThreshold,
	}

	oc.Playback = services.PlaybackConfig{
		LoadTimeHistory:    cfg.Quality.LoadTimeHistory,
		QualityHistory:     cfg.Quality.QualityHistory,
		OscillationWindow:  cfg.Quality.OscillationWindow,
		OscillationPenalty: cfg.Quality.OscillationPenalty,
	}

	oc.Resources.MaxBlobURLs = cfg.Resources.MaxBlobURLs
	oc.Resources.BlobURLMaxIdle = cfg.Resources.BlobURLMaxIdle
	oc.Resources.SubtitleCacheTTL = cfg.Resources.SubtitleCacheTTL
	oc.Resources.CleanupInterval = cfg.Resources.CleanupInterval
	oc.Resources.MaxEventListeners = cfg.Resources.MaxEventListeners

	cc := &oc.Connection
	cc.PrimaryEndpoints = cfg.Connection.PrimaryEndpoints
	cc.FallbackEndpoints = cfg.Connection.FallbackEndpoints
	cc.EndpointScheme = cfg.Connection.EndpointScheme
	cc.BatchingEnabled = cfg.Connection.BatchingEnabled
	cc.BatchSize = cfg.Connection.BatchSize
	cc.BatchTimeout = cfg.Connection.BatchTimeout
	cc.SegmentTimeout = cfg.Connection.SegmentTimeout
	cc.ManifestTimeout = cfg.Connection.ManifestTimeout
	cc.GenericTimeout = cfg.Connection.GenericTimeout
	cc.ValidationTTL = cfg.Connection.ValidationTTL

	strategy, err := retry.ParseStrategy(cfg.Connection.Retry.Strategy)
	if err != nil {
		return oc, fmt.Errorf("connection.retry.strategy: %w", err)
	}
	cc.Retry.Enabled = cfg.Connection.Retry.Enabled
	cc.Retry.MaxAttempts = cfg.Connection.Retry.MaxAttempts
	cc.Retry.InitialDelay = cfg.Connection.Retry.InitialDelay
	cc.Retry.MaxDelay = cfg.Connection.Retry.MaxDelay
	cc.Retry.Multiplier = cfg.Connection.Retry.Multiplier
	cc.Retry.Strategy = strategy

	return oc, nil
}

// proberConfig returns false when no probe URLs are configured; the
// detector then relies on reported conditions only
func proberConfig(cfg *config.Config) (probe.Config, bool) {
	pc := probe.DefaultConfig()
	if cfg.Network.BandwidthURL == "" {
		return pc, false
	}
	pc.BandwidthURL = cfg.Network.BandwidthURL
	pc.LatencyURL = cfg.Network.LatencyURL
	pc.LatencySamples = cfg.Network.LatencySamples
	pc.LossRequests = cfg.Network.LossRequests
	pc.LossTimeout = cfg.Network.LossTimeout
	pc.RequestsPerSecond = cfg.Network.RequestsPerSecond
	pc.Workers = cfg.Network.Workers
	return pc, true
}

func sinkConfig(cfg *config.Config, instanceID string) distributed.SinkConfig {
	sc := distributed.DefaultSinkConfig()
	sc.Channel = cfg.Redis.Channel
	sc.InstanceID = instanceID
	if cfg.Redis.QueueSize > 0 {
		sc.QueueSize = cfg.Redis.QueueSize
	}
	sc.MaxRetries = cfg.Redis.MaxRetries
	return sc
}

func tracingConfig(cfg *config.Config) tracing.Config {
	tc := tracing.DefaultConfig()
	tc.Enabled = cfg.Tracing.Enabled
	tc.ServiceName = cfg.Tracing.ServiceName
	tc.JaegerURL = cfg.Tracing.JaegerEndpoint
	tc.SampleRate = cfg.Tracing.SampleRate
	return tc
}

func streamConfig(cfg *config.Config) ws.Config {
	sc := ws.DefaultConfig()
	sc.AllowedOrigins = cfg.Server.AllowedOrigins
	return sc
}
