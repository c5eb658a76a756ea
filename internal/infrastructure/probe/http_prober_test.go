package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	apperrors "streamperf/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func probeServer(t *testing.T, failEvery int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var heads atomic.Int32
	payload := strings.Repeat("x", 256*1024)

	mux := http.NewServeMux()
	mux.HandleFunc("/payload", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload))
	})
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		n := heads.Add(1)
		if failEvery > 0 && n%failEvery == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &heads
}

func newTestProber(t *testing.T, srv *httptest.Server, mutate func(*Config)) *HTTPProber {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BandwidthURL = srv.URL + "/payload"
	cfg.LatencyURL = srv.URL + "/ping"
	cfg.RequestsPerSecond = 0
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewHTTPProber(cfg, srv.Client(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestNewHTTPProber_RequiresURLs(t *testing.T) {
	_, err := NewHTTPProber(DefaultConfig(), nil, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestProbeBandwidth(t *testing.T) {
	srv, _ := probeServer(t, 0)
	p := newTestProber(t, srv, nil)

	bps, err := p.ProbeBandwidth(context.Background())
	require.NoError(t, err)
	assert.Greater(t, bps, 0.0)
}

func TestProbeBandwidth_ErrorStatus(t *testing.T) {
	srv, _ := probeServer(t, 0)
	p := newTestProber(t, srv, func(c *Config) { c.BandwidthURL = srv.URL + "/missing" })

	_, err := p.ProbeBandwidth(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeProbeFailure))
}

func TestProbeLatency_Samples(t *testing.T) {
	srv, heads := probeServer(t, 0)
	p := newTestProber(t, srv, func(c *Config) { c.LatencySamples = 4 })

	ms, err := p.ProbeLatency(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ms, 0.0)
	assert.Equal(t, int32(4), heads.Load())
}

func TestProbePacketLoss_Ratio(t *testing.T) {
	srv, heads := probeServer(t, 5)
	p := newTestProber(t, srv, func(c *Config) { c.LossRequests = 10 })

	loss, err := p.ProbePacketLoss(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.2, loss, 1e-9)
	assert.Equal(t, int32(10), heads.Load())
}

func TestProbePacketLoss_Unreachable(t *testing.T) {
	srv, _ := probeServer(t, 0)
	p := newTestProber(t, srv, func(c *Config) {
		c.LatencyURL = "http://127.0.0.1:1/ping"
		c.LossTimeout = 200 * time.Millisecond
		c.LossRequests = 4
	})

	loss, err := p.ProbePacketLoss(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, loss)
}

func TestProbe_CacheBusting(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.URL.Query().Get("_probe"))
		assert.Equal(t, "no-store", r.Header.Get("Cache-Control"))
	}))
	t.Cleanup(srv.Close)
	p := newTestProber(t, srv, func(c *Config) { c.LatencySamples = 2 })

	_, err := p.ProbeLatency(context.Background())
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.NotEqual(t, seen[0], seen[1])
}
