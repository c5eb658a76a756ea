package services

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"streamperf/internal/core/domain"
	"streamperf/internal/core/ports"
	"streamperf/pkg/batch"
	"streamperf/pkg/cache"
	apperrors "streamperf/pkg/errors"
	"streamperf/pkg/retry"
	"streamperf/pkg/tracing"
	"streamperf/pkg/validation"

	"github.com/influxdata/tdigest"
	"go.uber.org/zap"
)

// ConnectionConfig configures request batching, CDN failover and retry
type ConnectionConfig struct {
	PrimaryEndpoints  []string
	FallbackEndpoints []string
	// EndpointScheme is used for HEAD validation probes
	EndpointScheme string

	BatchingEnabled bool
	BatchSize       int
	BatchTimeout    time.Duration

	SegmentTimeout  time.Duration
	ManifestTimeout time.Duration
	GenericTimeout  time.Duration

	ValidateTimeout time.Duration
	ValidationTTL   time.Duration

	Retry retry.Config

	LatencyAlpha       float64
	FailureMinRequests int
	FailureRate        float64
	MaxBodyBytes       int64
}

// DefaultConnectionConfig returns default optimizer settings
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		EndpointScheme:     "https",
		BatchingEnabled:    true,
		BatchSize:          5,
		BatchTimeout:       100 * time.Millisecond,
		SegmentTimeout:     8 * time.Second,
		ManifestTimeout:    12 * time.Second,
		GenericTimeout:     20 * time.Second,
		ValidateTimeout:    5 * time.Second,
		ValidationTTL:      30 * time.Second,
		Retry:              retry.DefaultConfig(),
		LatencyAlpha:       0.3,
		FailureMinRequests: 5,
		FailureRate:        0.5,
		MaxBodyBytes:       64 << 20,
	}
}

type requestResult struct {
	resp *domain.Response
	err  error
}

type pendingRequest struct {
	url    *url.URL
	opts   domain.RequestOptions
	kind   domain.RequestKind
	result chan requestResult
}

func (p *pendingRequest) resolve(resp *domain.Response, err error) {
	select {
	case p.result <- requestResult{resp: resp, err: err}:
	default:
	}
}

// ConnectionOptimizerService issues streaming HTTP requests with batching,
// endpoint failover and retry
type ConnectionOptimizerService struct {
	mu        sync.RWMutex
	config    ConnectionConfig
	endpoints *endpointSet
	metrics   domain.OptimizerMetrics
	latency   *tdigest.TDigest
	latencyMs float64
	closed    bool

	client      ports.HTTPDoer
	batcher     *batch.Batcher[*pendingRequest]
	validations *cache.Cache[bool]
	recorder    ports.MetricsRecorder
	events      ports.EventEmitter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewConnectionOptimizerService(
	config ConnectionConfig,
	client ports.HTTPDoer,
	events ports.EventEmitter,
	logger *zap.SugaredLogger,
) *ConnectionOptimizerService {
	if client == nil {
		client = http.DefaultClient
	}
	if config.EndpointScheme == "" {
		config.EndpointScheme = "https"
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &ConnectionOptimizerService{
		config:      config,
		endpoints:   newEndpointSet(config.PrimaryEndpoints, config.FallbackEndpoints),
		latency:     tdigest.NewWithCompression(100),
		client:      client,
		validations: cache.New[bool](config.ValidationTTL),
		events:      events,
		ctx:         ctx,
		cancel:      cancel,
		now:         time.Now,
		logger:      logger,
	}
	s.batcher = batch.NewBatcher(config.BatchSize, config.BatchTimeout, s.flushBatch)
	s.metrics.CurrentEndpoint = s.endpoints.current
	return s
}

// SetMetricsRecorder attaches a per-request metrics sink
func (s *ConnectionOptimizerService) SetMetricsRecorder(recorder ports.MetricsRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = recorder
}

// DetectRequestKind classifies a URL by its path extension
func DetectRequestKind(u *url.URL) domain.RequestKind {
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".ts", ".m4s", ".mp4", ".aac", ".m4a", ".cmfv", ".cmfa":
		return domain.RequestSegment
	case ".m3u8", ".mpd":
		return domain.RequestManifest
	default:
		return domain.RequestGeneric
	}
}

// OptimizeRequest fetches rawURL. Eligible GETs are batched; everything
// else is sent directly through the current endpoint with retry.
func (s *ConnectionOptimizerService) OptimizeRequest(ctx context.Context, rawURL string, opts domain.RequestOptions) (*domain.Response, error) {
	if err := validation.ValidateURL(rawURL); err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid request URL", http.StatusBadRequest)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperrors.NewInvalidInputError("invalid URL")
	}

	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	opts.Method = strings.ToUpper(opts.Method)
	kind := opts.Kind
	if kind == "" {
		kind = DetectRequestKind(u)
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, domain.ErrOptimizerClosed
	}

	if !s.batchable(opts, kind) {
		return s.execute(ctx, u, opts, kind, false)
	}

	pr := &pendingRequest{url: u, opts: opts, kind: kind, result: make(chan requestResult, 1)}
	if err := s.batcher.Add(batchKey(opts.Method, u), pr); err != nil {
		if errors.Is(err, batch.ErrClosed) {
			return nil, domain.ErrOptimizerClosed
		}
		return nil, err
	}

	select {
	case res := <-pr.result:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ConnectionOptimizerService) batchable(opts domain.RequestOptions, kind domain.RequestKind) bool {
	return s.config.BatchingEnabled &&
		!opts.NoBatch &&
		opts.Method == http.MethodGet &&
		len(opts.Body) == 0 &&
		kind != domain.RequestSegment
}

func batchKey(method string, u *url.URL) string {
	return method + " " + u.Scheme + "://" + u.Host + u.Path
}

// flushBatch hands a drained batch to a worker goroutine
func (s *ConnectionOptimizerService) flushBatch(key string, items []*pendingRequest) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		for _, pr := range items {
			pr.resolve(nil, domain.ErrOptimizerClosed)
		}
		return
	}
	s.metrics.BatchedRequests += len(items)
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Debugw("flushing request batch", "key", key, "size", len(items))

	go func() {
		defer s.wg.Done()
		s.runBatch(items)
	}()
}

// runBatch fetches each distinct URL once and resolves every waiter
// independently
func (s *ConnectionOptimizerService) runBatch(items []*pendingRequest) {
	groups := make(map[string][]*pendingRequest)
	var order []string
	for _, pr := range items {
		k := pr.url.String()
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], pr)
	}

	var wg sync.WaitGroup
	for _, k := range order {
		waiters := groups[k]
		wg.Add(1)
		go func() {
			defer wg.Done()
			first := waiters[0]
			resp, err := s.execute(s.ctx, first.url, first.opts, first.kind, true)
			for _, pr := range waiters {
				if err != nil {
					pr.resolve(nil, err)
					continue
				}
				r := *resp
				r.Header = resp.Header.Clone()
				r.Body = bytes.Clone(resp.Body)
				r.Batched = true
				pr.resolve(&r, nil)
			}
		}()
	}
	wg.Wait()
}

func (s *ConnectionOptimizerService) execute(ctx context.Context, u *url.URL, opts domain.RequestOptions, kind domain.RequestKind, batched bool) (*domain.Response, error) {
	ctx, span := tracing.TraceOutboundRequest(ctx, opts.Method, u.Host, string(kind))
	defer span.End()
	span.SetAttributes(tracing.BatchedKey.Bool(batched))

	cfg := s.config.Retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.Debugw("retrying request",
			"url", u.String(),
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	start := s.now()
	attempts := 0
	resp, err := retry.RetryWithResult(ctx, cfg, func() (*domain.Response, error) {
		attempts++
		endpoint, target := s.resolveTarget(u)
		return s.attempt(ctx, target, endpoint, opts, kind)
	})
	elapsed := s.now().Sub(start)

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, domain.ErrOptimizerClosed
	}

	s.finishRequest(kind, err == nil, elapsed)
	tracing.AddSpanAttributes(ctx, tracing.AttemptsKey.Int(attempts))

	if err != nil {
		reqErr := apperrors.NewRequestFailure(u.String(), attempts, err)
		tracing.RecordError(ctx, reqErr)
		s.logger.Warnw("request failed", "url", u.String(), "attempts", attempts, "error", err)
		return nil, reqErr
	}

	resp.Attempts = attempts
	resp.Latency = elapsed
	tracing.AddSpanAttributes(ctx,
		tracing.StatusCodeKey.Int(resp.StatusCode),
		tracing.EndpointKey.String(resp.Endpoint),
	)
	return resp, nil
}

// resolveTarget rewrites the host onto the current endpoint unless it is
// already a healthy known endpoint. It runs per attempt so a failover
// between attempts takes effect immediately.
func (s *ConnectionOptimizerService) resolveTarget(u *url.URL) (string, *url.URL) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.endpoints.current
	if current == "" {
		return "", u
	}
	if s.endpoints.known(u.Host) && !s.endpoints.failed[u.Host] {
		return u.Host, u
	}
	rewritten := *u
	rewritten.Host = current
	return current, &rewritten
}

func (s *ConnectionOptimizerService) timeoutFor(kind domain.RequestKind) time.Duration {
	switch kind {
	case domain.RequestSegment:
		return s.config.SegmentTimeout
	case domain.RequestManifest:
		return s.config.ManifestTimeout
	default:
		return s.config.GenericTimeout
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.code, http.StatusText(e.code))
}

func (s *ConnectionOptimizerService) attempt(
	ctx context.Context,
	target *url.URL,
	endpoint string,
	opts domain.RequestOptions,
	kind domain.RequestKind,
) (*domain.Response, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, s.timeoutFor(kind))
	defer cancel()

	// An abort by the caller says nothing about the endpoint; only the
	// per-attempt timeout and upstream failures count against it.
	record := func(success bool, elapsed time.Duration, reused bool) {
		if parent.Err() != nil {
			return
		}
		s.recordAttempt(endpoint, success, elapsed, reused)
	}

	var reused bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) { reused = info.Reused },
	})

	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, opts.Method, target.String(), body)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	for k, v := range opts.Header {
		req.Header[k] = append([]string(nil), v...)
	}
	setDefaultHeaders(req.Header, kind)

	start := s.now()
	res, err := s.client.Do(req)
	if err != nil {
		record(false, s.now().Sub(start), false)
		if parent.Err() != nil {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	defer res.Body.Close()

	data, err := s.readBody(res)
	elapsed := s.now().Sub(start)
	if err != nil {
		record(false, elapsed, reused)
		return nil, err
	}

	switch code := res.StatusCode; {
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		record(false, elapsed, reused)
		return nil, retry.WithClass(&statusError{code}, retry.ClassThrottled)
	case code >= 500:
		record(false, elapsed, reused)
		return nil, retry.WithClass(&statusError{code}, retry.ClassServer)
	case code >= 400:
		// the endpoint answered; the request itself is bad
		record(true, elapsed, reused)
		return nil, retry.Permanent(&statusError{code})
	}

	record(true, elapsed, reused)
	return &domain.Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       data,
		Endpoint:   endpoint,
		URL:        target.String(),
	}, nil
}

func setDefaultHeaders(h http.Header, kind domain.RequestKind) {
	if h.Get("Accept-Encoding") == "" {
		h.Set("Accept-Encoding", "gzip")
	}
	if h.Get("Connection") == "" {
		h.Set("Connection", "keep-alive")
	}
	if h.Get("Cache-Control") != "" {
		return
	}
	switch kind {
	case domain.RequestManifest:
		h.Set("Cache-Control", "no-cache")
	case domain.RequestSegment:
		h.Set("Cache-Control", "max-age=3600")
	}
}

// readBody reads at most MaxBodyBytes, decoding gzip since the transport
// does not when Accept-Encoding is set explicitly
func (s *ConnectionOptimizerService) readBody(res *http.Response) ([]byte, error) {
	var r io.Reader = res.Body
	if strings.EqualFold(res.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(res.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer gz.Close()
		r = gz
		res.Header.Del("Content-Encoding")
		res.Header.Del("Content-Length")
	}
	if s.config.MaxBodyBytes > 0 {
		r = io.LimitReader(r, s.config.MaxBodyBytes)
	}
	return io.ReadAll(r)
}

func (s *ConnectionOptimizerService) recordAttempt(endpoint string, success bool, elapsed time.Duration, reused bool) {
	latencyMs := float64(elapsed) / float64(time.Millisecond)

	s.mu.Lock()
	if reused {
		s.metrics.ConnectionReuses++
	}
	if endpoint == "" || s.closed {
		s.mu.Unlock()
		return
	}

	crossed := s.endpoints.record(endpoint, success, latencyMs,
		s.config.LatencyAlpha, s.config.FailureMinRequests, s.config.FailureRate, s.now())
	var failover *domain.CDNFailover
	if crossed {
		m := s.endpoints.metrics[endpoint]
		s.logger.Warnw("endpoint marked failed",
			"endpoint", endpoint,
			"error", apperrors.NewEndpointFailure(endpoint, m.SuccessRate),
		)
		if endpoint == s.endpoints.current {
			from, to, reason := s.endpoints.failover()
			s.metrics.CDNFailovers++
			s.metrics.CurrentEndpoint = to
			failover = &domain.CDNFailover{From: from, To: to, Reason: reason}
		}
	}
	s.mu.Unlock()

	if failover != nil {
		s.logger.Infow("CDN failover", "from", failover.From, "to", failover.To, "reason", failover.Reason)
		if s.events != nil {
			s.events.Publish(domain.NewEvent(domain.EventCDNFailover, *failover, s.now()))
		}
	}
}

func (s *ConnectionOptimizerService) finishRequest(kind domain.RequestKind, success bool, elapsed time.Duration) {
	ms := float64(elapsed) / float64(time.Millisecond)

	s.mu.Lock()
	s.metrics.TotalRequests++
	if success {
		s.metrics.SuccessfulRequests++
	} else {
		s.metrics.FailedRequests++
	}
	s.latencyMs += ms
	s.metrics.AverageLatency = s.latencyMs / float64(s.metrics.TotalRequests)
	s.latency.Add(ms, 1)
	s.metrics.LatencyP95 = s.latency.Quantile(0.95)
	recorder := s.recorder
	s.mu.Unlock()

	if recorder != nil {
		recorder.RecordRequest(kind, success, elapsed.Seconds())
	}
}

// ValidateEndpoint sends a HEAD probe to an endpoint. Results, including
// unreachable ones, are cached for ValidationTTL.
func (s *ConnectionOptimizerService) ValidateEndpoint(ctx context.Context, endpoint string) (bool, error) {
	if err := validation.ValidateEndpoint(endpoint); err != nil {
		return false, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid endpoint", http.StatusBadRequest)
	}

	return s.validations.GetOrSet(ctx, endpoint, func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, s.config.ValidateTimeout)
		defer cancel()

		ctx, span := tracing.TraceOutboundRequest(ctx, http.MethodHead, endpoint, "validation")
		defer span.End()

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.config.EndpointScheme+"://"+endpoint+"/", nil)
		if err != nil {
			return false, err
		}
		res, err := s.client.Do(req)
		if err != nil {
			s.logger.Debugw("endpoint validation failed", "endpoint", endpoint, "error", err)
			return false, nil
		}
		res.Body.Close()
		tracing.AddSpanAttributes(ctx, tracing.StatusCodeKey.Int(res.StatusCode))
		return res.StatusCode < http.StatusBadRequest, nil
	})
}

// Flush sends every queued batch now
func (s *ConnectionOptimizerService) Flush() {
	s.batcher.FlushAll()
}

// PendingTimers returns the number of armed batch-flush timers
func (s *ConnectionOptimizerService) PendingTimers() int {
	return s.batcher.PendingBatches()
}

// Close rejects queued requests, cancels in-flight batch fetches and waits
// for batch workers to exit
func (s *ConnectionOptimizerService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	rejected := 0
	for _, items := range s.batcher.Close() {
		for _, pr := range items {
			pr.resolve(nil, domain.ErrOptimizerClosed)
			rejected++
		}
	}
	s.cancel()
	s.validations.Stop()
	s.wg.Wait()

	s.logger.Infow("connection optimizer closed", "rejected", rejected)
}

// Metrics returns aggregate request counters
func (s *ConnectionOptimizerService) Metrics() domain.OptimizerMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.metrics
	m.CurrentEndpoint = s.endpoints.current
	return m
}

// Endpoints returns per-endpoint health in configuration order
func (s *ConnectionOptimizerService) Endpoints() []domain.EndpointMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoints.snapshot()
}

func (s *ConnectionOptimizerService) CurrentEndpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoints.current
}
