// Package probe measures bandwidth, latency and packet loss with timed HTTP
// requests against a probe endpoint.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"streamperf/internal/core/ports"
	apperrors "streamperf/pkg/errors"
	"streamperf/pkg/optimize"
	"streamperf/pkg/tracing"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Config struct {
	// BandwidthURL serves a payload large enough to time; a cache-busting
	// query parameter is added to every request
	BandwidthURL string
	// LatencyURL answers HEAD requests with an empty body
	LatencyURL string

	LatencySamples    int
	LossRequests      int
	LossTimeout       time.Duration
	RequestsPerSecond float64
	Burst             int
	Workers           int
	BufferSize        int
}

func DefaultConfig() Config {
	return Config{
		LatencySamples:    3,
		LossRequests:      10,
		LossTimeout:       2 * time.Second,
		RequestsPerSecond: 20,
		Burst:             10,
		Workers:           10,
		BufferSize:        32 * 1024,
	}
}

// HTTPProber implements ports.NetworkProber
type HTTPProber struct {
	config  Config
	client  ports.HTTPDoer
	limiter *rate.Limiter
	pool    *ants.Pool
	buffers *optimize.BytePool
	seq     atomic.Uint64
	now     func() time.Time
	logger  *zap.SugaredLogger
}

func NewHTTPProber(config Config, client ports.HTTPDoer, logger *zap.SugaredLogger) (*HTTPProber, error) {
	if config.BandwidthURL == "" || config.LatencyURL == "" {
		return nil, errors.New("probe URLs are required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.LatencySamples < 1 {
		config.LatencySamples = 1
	}
	if config.Burst < 1 {
		config.Burst = 1
	}

	pool, err := ants.NewPool(config.Workers, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("failed to create probe worker pool: %w", err)
	}

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}

	return &HTTPProber{
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(limit, config.Burst),
		pool:    pool,
		buffers: optimize.NewBytePool(config.BufferSize),
		now:     time.Now,
		logger:  logger,
	}, nil
}

// bust appends a unique query parameter so caches never answer a probe
func (p *HTTPProber) bust(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("_probe", strconv.FormatUint(p.seq.Add(1), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *HTTPProber) do(ctx context.Context, method, raw string) (*http.Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	target, err := p.bust(raw)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-store")
	return p.client.Do(req)
}

// ProbeBandwidth times one payload download and returns bits per second
func (p *HTTPProber) ProbeBandwidth(ctx context.Context) (float64, error) {
	ctx, span := tracing.TraceProbe(ctx, "bandwidth")
	defer span.End()

	start := p.now()
	resp, err := p.do(ctx, http.MethodGet, p.config.BandwidthURL)
	if err != nil {
		return 0, p.fail(ctx, "bandwidth", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return 0, p.fail(ctx, "bandwidth", fmt.Errorf("status %d", resp.StatusCode))
	}

	n, err := p.buffers.Drain(resp.Body)
	if err != nil {
		return 0, p.fail(ctx, "bandwidth", err)
	}
	elapsed := p.now().Sub(start)
	if n == 0 || elapsed <= 0 {
		return 0, p.fail(ctx, "bandwidth", errors.New("empty payload"))
	}

	bps := float64(n*8) / elapsed.Seconds()
	tracing.MeasureDuration(ctx, start)
	p.logger.Debugw("bandwidth probe", "bytes", n, "elapsed", elapsed, "bps", bps)
	return bps, nil
}

// ProbeLatency returns the mean round-trip of LatencySamples HEAD requests
func (p *HTTPProber) ProbeLatency(ctx context.Context) (float64, error) {
	ctx, span := tracing.TraceProbe(ctx, "latency")
	defer span.End()

	var total time.Duration
	for i := 0; i < p.config.LatencySamples; i++ {
		start := p.now()
		resp, err := p.do(ctx, http.MethodHead, p.config.LatencyURL)
		if err != nil {
			return 0, p.fail(ctx, "latency", err)
		}
		resp.Body.Close()
		total += p.now().Sub(start)
	}

	ms := float64(total) / float64(time.Millisecond) / float64(p.config.LatencySamples)
	tracing.AddSpanAttributes(ctx, tracing.DurationKey.Float64(ms))
	return ms, nil
}

// ProbePacketLoss fires LossRequests parallel HEAD requests and returns the
// ratio that failed or timed out
func (p *HTTPProber) ProbePacketLoss(ctx context.Context) (float64, error) {
	ctx, span := tracing.TraceProbe(ctx, "packet_loss")
	defer span.End()

	n := p.config.LossRequests
	if n < 1 {
		return 0, nil
	}

	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()

			reqCtx, cancel := context.WithTimeout(ctx, p.config.LossTimeout)
			defer cancel()

			resp, err := p.do(reqCtx, http.MethodHead, p.config.LatencyURL)
			if err != nil {
				failed.Add(1)
				return
			}
			resp.Body.Close()
			if resp.StatusCode >= http.StatusInternalServerError {
				failed.Add(1)
			}
		})
		if err != nil {
			wg.Done()
			failed.Add(1)
		}
	}
	wg.Wait()

	if ctx.Err() != nil {
		return 0, p.fail(ctx, "packet_loss", ctx.Err())
	}
	return float64(failed.Load()) / float64(n), nil
}

func (p *HTTPProber) fail(ctx context.Context, probe string, err error) error {
	probeErr := apperrors.NewProbeFailure(probe, err)
	tracing.RecordError(ctx, probeErr)
	return probeErr
}

// Close releases the worker pool
func (p *HTTPProber) Close() {
	p.pool.Release()
}
