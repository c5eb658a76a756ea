package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"streamperf/internal/core/ports"
	"streamperf/internal/core/services"
	httphandlers "streamperf/internal/handlers/http"
	"streamperf/internal/handlers/ws"
	"streamperf/internal/infrastructure/distributed"
	"streamperf/internal/infrastructure/eventbus"
	"streamperf/internal/infrastructure/middleware"
	"streamperf/internal/infrastructure/monitoring"
	"streamperf/internal/infrastructure/probe"
	"streamperf/internal/infrastructure/runtimestats"
	lifecycle "streamperf/internal/infrastructure/signal"
	"streamperf/pkg/config"
	"streamperf/pkg/logger"
	"streamperf/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		os.Getenv("STREAMPERF_CONFIG"),
		"configs/perfd.yaml",
		"/etc/streamperf/perfd.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		if path == "" {
			continue
		}
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("config not loaded, using defaults", "error", err)
	}

	instanceID := uuid.NewString()
	log = log.With("instance_id", instanceID)

	tp, err := tracing.Init(tracingConfig(cfg))
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	orchConfig, err := orchestratorConfig(cfg)
	if err != nil {
		log.Fatalw("invalid orchestrator configuration", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := monitoring.NewPrometheusCollector(registry)
	health := monitoring.NewHealthChecker()

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}

	var prober ports.NetworkProber
	var httpProber *probe.HTTPProber
	if pc, ok := proberConfig(cfg); ok {
		httpProber, err = probe.NewHTTPProber(pc, httpClient, log.Named("probe"))
		if err != nil {
			log.Fatalw("failed to create network prober", "error", err)
		}
		prober = httpProber
	} else {
		log.Info("no probe URLs configured; network conditions come from the player only")
	}

	var publisher ports.EventPublisher
	var sink *distributed.RedisEventSink
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		sink = distributed.NewRedisEventSink(redisClient, sinkConfig(cfg, instanceID), log.Named("sink"))
		publisher = sink
		health.AddRedisCheck(redisClient, cfg.Monitoring.HealthTimeout)
		log.Infow("redis event sink enabled", "address", cfg.Redis.Address, "channel", cfg.Redis.Channel)
	}

	notifier := lifecycle.NewLifecycleNotifier(lifecycle.DefaultMapping(), log.Named("lifecycle"))
	notifier.Start()

	bus := eventbus.New(log.Named("bus"))
	orchestrator := services.NewPerformanceOrchestrator(orchConfig, bus, services.OrchestratorDeps{
		Prober:     prober,
		HTTPClient: httpClient,
		Lifecycle:  notifier,
		Resources: services.ResourceHooks{
			Stats: runtimestats.NewSource(cfg.Resources.HeapLimitBytes),
		},
		Recorder:  collector,
		Publisher: publisher,
	}, log.Named("orchestrator"))

	stream := ws.NewEventStream(streamConfig(cfg), log.Named("events"))
	orchestrator.OnAll(stream.Publish)
	health.AddMonitoringCheck(orchestrator.IsMonitoring)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.AccessLogMiddleware(log.Named("access")),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
	)

	var metricsHandler http.Handler
	if cfg.Monitoring.PrometheusEnabled {
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
		log.Info("Prometheus metrics enabled")
	}
	handler := httphandlers.NewPerfHandler(orchestrator, health, metricsHandler, log.Named("http"))
	handler.SetupRoutes(router, middleware.NewHTTPRateLimitMiddleware(cfg.RateLimiting))
	router.GET("/api/v1/events", stream.Handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orchestrator.StartMonitoring(ctx); err != nil {
		log.Fatalw("failed to start monitoring", "error", err)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting perfd", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	stream.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	notifier.Stop()
	orchestrator.Destroy()

	if sink != nil {
		if err := sink.Close(); err != nil {
			log.Warnw("event sink did not drain", "error", err)
		}
		stats := sink.Stats()
		log.Infow("event sink closed", "published", stats.Published, "failed", stats.Failed, "dropped", stats.Dropped)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if httpProber != nil {
		httpProber.Close()
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("tracer shutdown failed", "error", err)
	}

	log.Info("perfd stopped")
}
