package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Monitoring struct {
		FastInterval      time.Duration `yaml:"fast_interval"`
		NetworkInterval   time.Duration `yaml:"network_interval"`
		MemoryInterval    time.Duration `yaml:"memory_interval"`
		PublishTimeout    time.Duration `yaml:"publish_timeout"`
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		HealthTimeout     time.Duration `yaml:"health_timeout"`
	} `yaml:"monitoring"`

	Buffer struct {
		Critical        float64 `yaml:"critical_seconds"`
		Warning         float64 `yaml:"warning_seconds"`
		Optimal         float64 `yaml:"optimal_seconds"`
		ChangeThreshold int     `yaml:"change_threshold"`
	} `yaml:"buffer"`

	Network struct {
		BandwidthURL      string        `yaml:"bandwidth_url"`
		LatencyURL        string        `yaml:"latency_url"`
		ProbeInterval     time.Duration `yaml:"probe_interval"`
		ProbeTimeout      time.Duration `yaml:"probe_timeout"`
		HistorySize       int           `yaml:"history_size"`
		LatencySamples    int           `yaml:"latency_samples"`
		LossRequests      int           `yaml:"loss_requests"`
		LossTimeout       time.Duration `yaml:"loss_timeout"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Workers           int           `yaml:"workers"`

		// coefficient of variation above which the link is unstable / fluctuating
		UnstableCV    float64 `yaml:"unstable_cv"`
		FluctuatingCV float64 `yaml:"fluctuating_cv"`

		TrendMinSamples int     `yaml:"trend_min_samples"`
		TrendWindow     int     `yaml:"trend_window"`
		TrendThreshold  float64 `yaml:"trend_threshold"`
	} `yaml:"network"`

	Quality struct {
		LoadTimeHistory    int     `yaml:"load_time_history"`
		QualityHistory     int     `yaml:"quality_history"`
		OscillationWindow  int     `yaml:"oscillation_window"`
		OscillationPenalty float64 `yaml:"oscillation_penalty"`
	} `yaml:"quality"`

	Resources struct {
		MaxBlobURLs       int           `yaml:"max_blob_urls"`
		BlobURLMaxIdle    time.Duration `yaml:"blob_url_max_idle"`
		SubtitleCacheTTL  time.Duration `yaml:"subtitle_cache_ttl"`
		CleanupInterval   time.Duration `yaml:"cleanup_interval"`
		MaxEventListeners int           `yaml:"max_event_listeners"`
		HeapLimitBytes    uint64        `yaml:"heap_limit_bytes"`
	} `yaml:"resources"`

	Connection struct {
		PrimaryEndpoints  []string      `yaml:"primary_endpoints"`
		FallbackEndpoints []string      `yaml:"fallback_endpoints"`
		EndpointScheme    string        `yaml:"endpoint_scheme"`
		BatchingEnabled   bool          `yaml:"batching_enabled"`
		BatchSize         int           `yaml:"batch_size"`
		BatchTimeout      time.Duration `yaml:"batch_timeout"`
		SegmentTimeout    time.Duration `yaml:"segment_timeout"`
		ManifestTimeout   time.Duration `yaml:"manifest_timeout"`
		GenericTimeout    time.Duration `yaml:"generic_timeout"`
		ValidationTTL     time.Duration `yaml:"validation_ttl"`

		Retry struct {
			Enabled      bool          `yaml:"enabled"`
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
			Multiplier   float64       `yaml:"multiplier"`
			Strategy     string        `yaml:"strategy"`
		} `yaml:"retry"`
	} `yaml:"connection"`

	Orchestrator struct {
		MinBufferHealth    int     `yaml:"min_buffer_health"`
		MinBandwidth       float64 `yaml:"min_bandwidth_bps"`
		MaxSegmentLoadMs   float64 `yaml:"max_segment_load_ms"`
		MinAdaptationScore float64 `yaml:"min_adaptation_score"`
	} `yaml:"orchestrator"`

	Redis struct {
		Enabled    bool   `yaml:"enabled"`
		Address    string `yaml:"address"`
		Password   string `yaml:"password"`
		DB         int    `yaml:"db"`
		PoolSize   int    `yaml:"pool_size"`
		Channel    string `yaml:"channel"`
		QueueSize  int    `yaml:"queue_size"`
		MaxRetries int    `yaml:"max_retries"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		ServiceName    string  `yaml:"service_name"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting RateLimitConfig `yaml:"rate_limiting"`
}

// RateLimitConfig throttles the ingest API
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Monitoring
	if c.Monitoring.FastInterval <= 0 || c.Monitoring.NetworkInterval <= 0 || c.Monitoring.MemoryInterval <= 0 {
		return fmt.Errorf("monitoring intervals must be > 0")
	}

	// Buffer
	b := c.Buffer
	if b.Critical <= 0 || b.Critical >= b.Warning || b.Warning >= b.Optimal {
		return fmt.Errorf("buffer thresholds must satisfy 0 < critical < warning < optimal")
	}
	if b.ChangeThreshold < 0 {
		return fmt.Errorf("buffer.change_threshold must be >= 0")
	}

	// Network
	if (c.Network.BandwidthURL == "") != (c.Network.LatencyURL == "") {
		return fmt.Errorf("network.bandwidth_url and latency_url must both be set when one is set")
	}
	if c.Network.HistorySize <= 0 {
		return fmt.Errorf("network.history_size must be > 0")
	}
	if c.Network.ProbeInterval <= 0 {
		return fmt.Errorf("network.probe_interval must be > 0")
	}
	if c.Network.FluctuatingCV <= 0 || c.Network.UnstableCV <= c.Network.FluctuatingCV {
		return fmt.Errorf("network CV thresholds must satisfy 0 < fluctuating_cv < unstable_cv")
	}
	if c.Network.TrendWindow < 1 || c.Network.TrendMinSamples <= c.Network.TrendWindow {
		return fmt.Errorf("network.trend_min_samples must exceed trend_window (>= 1)")
	}
	if c.Network.TrendThreshold <= 0 {
		return fmt.Errorf("network.trend_threshold must be > 0")
	}
	if c.Network.LossRequests < 0 {
		return fmt.Errorf("network.loss_requests must be >= 0")
	}

	// Quality
	if c.Quality.LoadTimeHistory <= 0 || c.Quality.QualityHistory <= 0 {
		return fmt.Errorf("quality history sizes must be > 0")
	}

	// Resources
	if c.Resources.MaxBlobURLs <= 0 {
		return fmt.Errorf("resources.max_blob_urls must be > 0")
	}
	if c.Resources.MaxEventListeners <= 0 {
		return fmt.Errorf("resources.max_event_listeners must be > 0")
	}
	if c.Resources.CleanupInterval <= 0 {
		return fmt.Errorf("resources.cleanup_interval must be > 0")
	}

	// Connection
	if c.Connection.BatchingEnabled && (c.Connection.BatchSize <= 0 || c.Connection.BatchTimeout <= 0) {
		return fmt.Errorf("connection.batch_size and batch_timeout must be > 0 when batching is enabled")
	}
	if c.Connection.EndpointScheme != "http" && c.Connection.EndpointScheme != "https" {
		return fmt.Errorf("connection.endpoint_scheme must be http or https")
	}
	if c.Connection.Retry.Enabled && c.Connection.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("connection.retry.max_attempts must be > 0 when retry is enabled")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerEndpoint == "" {
		return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.max_concurrent must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// fall back to defaults
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = "127.0.0.1:8090"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Server.AllowedOrigins = []string{"*"}

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Monitoring.FastInterval = time.Second
	cfg.Monitoring.NetworkInterval = 5 * time.Second
	cfg.Monitoring.MemoryInterval = 10 * time.Second
	cfg.Monitoring.PublishTimeout = 2 * time.Second
	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthTimeout = 2 * time.Second

	cfg.Buffer.Critical = 5
	cfg.Buffer.Warning = 15
	cfg.Buffer.Optimal = 30
	cfg.Buffer.ChangeThreshold = 20

	cfg.Network.ProbeInterval = 10 * time.Second
	cfg.Network.ProbeTimeout = 8 * time.Second
	cfg.Network.HistorySize = 20
	cfg.Network.LatencySamples = 3
	cfg.Network.LossRequests = 10
	cfg.Network.LossTimeout = 2 * time.Second
	cfg.Network.RequestsPerSecond = 20
	cfg.Network.Workers = 10
	cfg.Network.UnstableCV = 0.3
	cfg.Network.FluctuatingCV = 0.15
	cfg.Network.TrendMinSamples = 5
	cfg.Network.TrendWindow = 3
	cfg.Network.TrendThreshold = 0.2

	cfg.Quality.LoadTimeHistory = 20
	cfg.Quality.QualityHistory = 50
	cfg.Quality.OscillationWindow = 10
	cfg.Quality.OscillationPenalty = 20

	cfg.Resources.MaxBlobURLs = 50
	cfg.Resources.BlobURLMaxIdle = 5 * time.Minute
	cfg.Resources.SubtitleCacheTTL = 10 * time.Minute
	cfg.Resources.CleanupInterval = 30 * time.Second
	cfg.Resources.MaxEventListeners = 500

	cfg.Connection.EndpointScheme = "https"
	cfg.Connection.BatchingEnabled = true
	cfg.Connection.BatchSize = 5
	cfg.Connection.BatchTimeout = 100 * time.Millisecond
	cfg.Connection.SegmentTimeout = 8 * time.Second
	cfg.Connection.ManifestTimeout = 12 * time.Second
	cfg.Connection.GenericTimeout = 20 * time.Second
	cfg.Connection.ValidationTTL = 30 * time.Second
	cfg.Connection.Retry.Enabled = true
	cfg.Connection.Retry.MaxAttempts = 3
	cfg.Connection.Retry.InitialDelay = 250 * time.Millisecond
	cfg.Connection.Retry.MaxDelay = 5 * time.Second
	cfg.Connection.Retry.Multiplier = 2
	cfg.Connection.Retry.Strategy = "exponential"

	cfg.Orchestrator.MinBufferHealth = 50
	cfg.Orchestrator.MinBandwidth = 1.5e6
	cfg.Orchestrator.MaxSegmentLoadMs = 3000
	cfg.Orchestrator.MinAdaptationScore = 60

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "streamperf:events"
	cfg.Redis.QueueSize = 256
	cfg.Redis.MaxRetries = 3

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "streamperf"
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 0.1

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 200
	cfg.RateLimiting.Burst = 400
	cfg.RateLimiting.MaxConcurrent = 0

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("STREAMPERF_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("STREAMPERF_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("STREAMPERF_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if pw := os.Getenv("STREAMPERF_REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if ep := os.Getenv("STREAMPERF_JAEGER_ENDPOINT"); ep != "" {
		c.Tracing.JaegerEndpoint = ep
		c.Tracing.Enabled = true
	}
	if v := os.Getenv("STREAMPERF_MAX_BLOB_URLS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STREAMPERF_MAX_BLOB_URLS: %w", err)
		}
		c.Resources.MaxBlobURLs = n
	}
	return nil
}
