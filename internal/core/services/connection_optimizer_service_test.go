package services

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streamperf/internal/core/domain"
	apperrors "streamperf/pkg/errors"
	"streamperf/pkg/retry"
	"streamperf/pkg/tracing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

func fastRetry() retry.Config {
	return retry.Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		Strategy:     retry.StrategyExponential,
	}
}

func newTestOptimizer(t *testing.T, mutate func(*ConnectionConfig)) (*ConnectionOptimizerService, *eventRecorder) {
	t.Helper()
	cfg := DefaultConnectionConfig()
	cfg.EndpointScheme = "http"
	cfg.Retry = fastRetry()
	if mutate != nil {
		mutate(&cfg)
	}
	rec := &eventRecorder{}
	svc := NewConnectionOptimizerService(cfg, http.DefaultClient, rec, zaptest.NewLogger(t).Sugar())
	t.Cleanup(svc.Close)
	return svc, rec
}

func hostOf(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host
}

func countingServer(t *testing.T, hits *atomic.Int32, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if handler != nil {
			handler(w, r)
			return
		}
		fmt.Fprintf(w, "ok %s", r.URL.RawQuery)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDetectRequestKind(t *testing.T) {
	tests := []struct {
		url  string
		want domain.RequestKind
	}{
		{"https://cdn.example.com/live/seg-001.ts", domain.RequestSegment},
		{"https://cdn.example.com/vod/chunk.M4S", domain.RequestSegment},
		{"https://cdn.example.com/vod/audio.aac?token=x", domain.RequestSegment},
		{"https://cdn.example.com/live/index.m3u8", domain.RequestManifest},
		{"https://cdn.example.com/vod/stream.mpd", domain.RequestManifest},
		{"https://api.example.com/v1/session", domain.RequestGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			u, err := url.Parse(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, DetectRequestKind(u))
		})
	}
}

func TestConnectionOptimizer_FiveGETsFormOneBatch(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, nil)

	svc, _ := newTestOptimizer(t, func(c *ConnectionConfig) {
		c.PrimaryEndpoints = []string{hostOf(t, srv)}
		// only the size trigger can flush within the test
		c.BatchTimeout = time.Minute
	})

	var wg sync.WaitGroup
	responses := make([]*domain.Response, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = svc.OptimizeRequest(context.Background(),
				fmt.Sprintf("%s/live/index.m3u8?n=%d", srv.URL, i), domain.RequestOptions{})
		}(i)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		require.NoError(t, errs[i])
		assert.True(t, responses[i].Batched)
		assert.Equal(t, fmt.Sprintf("ok n=%d", i), string(responses[i].Body))
	}
	assert.Equal(t, 5, svc.Metrics().BatchedRequests)
	assert.Equal(t, int32(5), hits.Load())
	assert.Zero(t, svc.PendingTimers())
}

func TestConnectionOptimizer_IdenticalURLsShareFetch(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, nil)

	svc, _ := newTestOptimizer(t, func(c *ConnectionConfig) {
		c.PrimaryEndpoints = []string{hostOf(t, srv)}
		c.BatchTimeout = time.Minute
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.OptimizeRequest(context.Background(), srv.URL+"/live/index.m3u8", domain.RequestOptions{})
			assert.NoError(t, err)
			if resp != nil {
				assert.True(t, resp.Batched)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
}

func TestConnectionOptimizer_BatchTimerFlushes(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, nil)
	svc, _ := newTestOptimizer(t, func(c *ConnectionConfig) {
		c.PrimaryEndpoints = []string{hostOf(t, srv)}
	})

	resp, err := svc.OptimizeRequest(context.Background(), srv.URL+"/api/config", domain.RequestOptions{})
	require.NoError(t, err)
	assert.True(t, resp.Batched)
	assert.Equal(t, 1, svc.Metrics().BatchedRequests)
	assert.Zero(t, svc.PendingTimers())
}

func TestConnectionOptimizer_SegmentsBypassBatching(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))
		assert.Equal(t, "max-age=3600", r.Header.Get("Cache-Control"))
		w.Write([]byte("segment"))
	})
	svc, _ := newTestOptimizer(t, func(c *ConnectionConfig) {
		c.PrimaryEndpoints = []string{hostOf(t, srv)}
	})

	resp, err := svc.OptimizeRequest(context.Background(), srv.URL+"/live/seg-1.ts", domain.RequestOptions{})
	require.NoError(t, err)
	assert.False(t, resp.Batched)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, []byte("segment"), resp.Body)
	assert.Zero(t, svc.Metrics().BatchedRequests)
	assert.Greater(t, svc.Metrics().LatencyP95, 0.0)
}

func TestConnectionOptimizer_ManifestHeaders(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "no-cache", r.Header.Get("Cache-Control"))
		assert.Equal(t, "abc", r.Header.Get("X-Session"))
		w.Write([]byte("#EXTM3U"))
	})
	svc, _ := newTestOptimizer(t, func(c *ConnectionConfig) {
		c.PrimaryEndpoints = []string{hostOf(t, srv)}
	})

	_, err := svc.OptimizeRequest(context.Background(), srv.URL+"/index.m3u8", domain.RequestOptions{
		Header:  http.Header{"X-Session": []string{"abc"}},
		NoBatch: true,
	})
	require.NoError(t, err)
}

func TestConnectionOptimizer_DecodesGzip(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		gz.Write([]byte("#EXTM3U\n#EXT-X-VERSION:3\n"))
		gz.Close()
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(buf.Bytes())
	})
	svc, _ := newTestOptimizer(t, func(c *ConnectionConfig) {
		c.PrimaryEndpoints = []string{hostOf(t, srv)}
	})

	resp, err := svc.OptimizeRequest(context.Background(), srv.URL+"/index.m3u8", domain.RequestOptions{NoBatch: true})
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n#EXT-X-VERSION:3\n", string(resp.Body))
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
}

func TestConnectionOptimizer_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		if hits.Load() < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	svc, _ := newTestOptimizer(t, func(c *ConnectionConfig) {
		c.PrimaryEndpoints = []string{hostOf(t, srv)}
	})

	resp, err := svc.OptimizeRequest(context.Background(), srv.URL+"/seg.ts", domain.RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConnectionOptimizer_RetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	svc, _ := newTestOptimizer(t, func(c *ConnectionConfig) {
		c.PrimaryEndpoints = []string{hostOf(t, srv)}
	})

	_, err := svc.OptimizeRequest(context.Background(), srv.URL+"/seg.ts", domain.RequestOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRequestFailure))
	assert.Equal(t, 3, apperrors.GetAppError(err).Context["attempts"])
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 1, svc.Metrics().FailedRequests)
}

func TestConnectionOptimizer_ClientErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	svc, _ := newTestOptimizer(t, func(c *ConnectionConfig) {
		c.PrimaryEndpoints = []string{hostOf(t, srv)}
	})

	_, err := svc.OptimizeRequest(context.Background(), srv.URL+"/missing.ts", domain.RequestOptions{})
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, apperrors.GetAppError(err).Context["attempts"])

	// a 404 says nothing about endpoint health
	eps := svc.Endpoints()
	require.Len(t, eps, 1)
	assert.Equal(t, 1.0, eps[0].SuccessRate)
}

func TestConnectionOptimizer_ThrottlingIsRetried(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		if hits.Load() == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	})
	svc, _ := newTestOptimizer(t, func(c *ConnectionConfig) {
		c.PrimaryEndpoints = []string{hostOf(t, srv)}
	})

	resp, err := svc.OptimizeRequest(context.Background(), srv.URL+"/seg.ts", domain.RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
}

func TestConnectionOptimizer_RewritesUnknownHost(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	})
	svc, _ := newTestOptimizer(t, func(c *ConnectionConfig) {
		c.PrimaryEndpoints = []string{hostOf(t, srv)}
	})

	resp, err := svc.OptimizeRequest(context.Background(), "http://origin.invalid/vod/seg-9.ts", domain.RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, hostOf(t, srv), resp.Endpoint)
	assert.Equal(t, "/vod/seg-9.ts", string(resp.Body))
}

func TestConnectionOptimizer_FailoverAfterThreeOfFive(t *testing.T) {
	var primaryHits atomic.Int32
	primary := countingServer(t, &primaryHits, func(w http.ResponseWriter, r *http.Request) {
		if primaryHits.Load() <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("primary"))
	})
	var fallbackHits atomic.Int32
	fallback := countingServer(t, &fallbackHits, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fallback"))
	})

	svc, rec := newTestOptimizer(t, func(c *ConnectionConfig) {
		c.PrimaryEndpoints = []string{hostOf(t, primary)}
		c.FallbackEndpoints = []string{hostOf(t, fallback)}
		c.Retry = retry.Config{Enabled: false}
	})

	for i := 0; i < 5; i++ {
		_, _ = svc.OptimizeRequest(context.Background(), primary.URL+"/seg.ts", domain.RequestOptions{})
	}

	require.Equal(t, 1, rec.count(domain.EventCDNFailover))
	event := rec.ofType(domain.EventCDNFailover)[0].Payload.(domain.CDNFailover)
	assert.Equal(t, hostOf(t, primary), event.From)
	assert.Equal(t, hostOf(t, fallback), event.To)
	assert.Equal(t, hostOf(t, fallback), svc.CurrentEndpoint())
	assert.Equal(t, 1, svc.Metrics().CDNFailovers)

	eps := svc.Endpoints()
	require.Len(t, eps, 2)
	assert.True(t, eps[0].Failed)
	assert.InDelta(t, 0.4, eps[0].SuccessRate, 1e-9)
	assert.True(t, eps[1].Current)

	// the failed host is rewritten onto the new endpoint
	resp, err := svc.OptimizeRequest(context.Background(), primary.URL+"/seg.ts", domain.RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", string(resp.Body))
}

func TestConnectionOptimizer_CallerAbortsDoNotFailEndpoint(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	primary := countingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	t.Cleanup(func() { close(release) })
	fallback := countingServer(t, new(atomic.Int32), nil)

	svc, rec := newTestOptimizer(t, func(c *ConnectionConfig) {
		c.PrimaryEndpoints = []string{hostOf(t, primary)}
		c.FallbackEndpoints = []string{hostOf(t, fallback)}
	})

	// a seek aborts every in-flight segment fetch
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			_, err := svc.OptimizeRequest(ctx, fmt.Sprintf("%s/seg%d.ts", primary.URL, i), domain.RequestOptions{})
			assert.Error(t, err)
		}(i)
	}
	wg.Wait()

	assert.Zero(t, rec.count(domain.EventCDNFailover))
	assert.Equal(t, hostOf(t, primary), svc.CurrentEndpoint())
	assert.Equal(t, int32(5), hits.Load(), "aborted fetches are not retried")
	for _, ep := range svc.Endpoints() {
		assert.False(t, ep.Failed, ep.Endpoint)
		assert.Zero(t, ep.TotalRequests, ep.Endpoint)
	}
}

func TestConnectionOptimizer_AttemptTimeoutsCountAgainstEndpoint(t *testing.T) {
	release := make(chan struct{})
	primary := countingServer(t, new(atomic.Int32), func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	t.Cleanup(func() { close(release) })
	fallback := countingServer(t, new(atomic.Int32), nil)

	svc, rec := newTestOptimizer(t, func(c *ConnectionConfig) {
		c.PrimaryEndpoints = []string{hostOf(t, primary)}
		c.FallbackEndpoints = []string{hostOf(t, fallback)}
		c.SegmentTimeout = 20 * time.Millisecond
		c.Retry = retry.Config{Enabled: false}
	})

	for i := 0; i < 5; i++ {
		_, err := svc.OptimizeRequest(context.Background(), primary.URL+"/seg.ts", domain.RequestOptions{})
		require.Error(t, err)
	}

	assert.Equal(t, 1, rec.count(domain.EventCDNFailover))
	assert.Equal(t, hostOf(t, fallback), svc.CurrentEndpoint())
}

func TestConnectionOptimizer_DedupedResponsesAreIndependent(t *testing.T) {
	srv := countingServer(t, new(atomic.Int32), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Edge", "pop-1")
		w.Write([]byte("#EXTM3U"))
	})
	svc, _ := newTestOptimizer(t, func(c *ConnectionConfig) {
		c.PrimaryEndpoints = []string{hostOf(t, srv)}
		c.BatchTimeout = time.Minute
	})

	var (
		mu    sync.Mutex
		resps []*domain.Response
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.OptimizeRequest(context.Background(), srv.URL+"/live/index.m3u8", domain.RequestOptions{})
			if assert.NoError(t, err) {
				mu.Lock()
				resps = append(resps, resp)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, resps, 5)

	resps[0].Body[0] = 'X'
	resps[0].Header.Set("X-Edge", "mutated")
	for _, r := range resps[1:] {
		assert.Equal(t, "#EXTM3U", string(r.Body))
		assert.Equal(t, "pop-1", r.Header.Get("X-Edge"))
	}
}

func TestConnectionOptimizer_SpansMarkBatchedRequests(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	srv := countingServer(t, new(atomic.Int32), func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	svc, _ := newTestOptimizer(t, func(c *ConnectionConfig) {
		c.PrimaryEndpoints = []string{hostOf(t, srv)}
		c.BatchTimeout = 5 * time.Millisecond
	})

	_, err := svc.OptimizeRequest(context.Background(), srv.URL+"/live/index.m3u8", domain.RequestOptions{})
	require.NoError(t, err)
	_, err = svc.OptimizeRequest(context.Background(), srv.URL+"/live/seg1.ts", domain.RequestOptions{})
	require.NoError(t, err)

	batched := map[string]bool{}
	for _, span := range rec.Ended() {
		if span.Name() != "optimizer.request" {
			continue
		}
		var kind string
		var isBatched, found bool
		for _, kv := range span.Attributes() {
			switch kv.Key {
			case tracing.RequestKindKey:
				kind = kv.Value.AsString()
			case tracing.BatchedKey:
				isBatched, found = kv.Value.AsBool(), true
			}
		}
		if kind == "validation" {
			continue
		}
		require.True(t, found, "span for %s lacks the batched attribute", kind)
		batched[kind] = isBatched
	}
	assert.Equal(t, map[string]bool{
		string(domain.RequestManifest): true,
		string(domain.RequestSegment):  false,
	}, batched)
}

func TestEndpointSet_AllFailedResets(t *testing.T) {
	set := newEndpointSet([]string{"a.example.com"}, []string{"b.example.com"})
	at := time.Now()

	for i := 0; i < 5; i++ {
		set.record("b.example.com", false, 50, 0.3, 5, 0.5, at)
	}
	require.True(t, set.failed["b.example.com"])

	crossed := false
	for i := 0; i < 5; i++ {
		crossed = set.record("a.example.com", false, 50, 0.3, 5, 0.5, at) || crossed
	}
	require.True(t, crossed)

	from, to, reason := set.failover()
	assert.Equal(t, "a.example.com", from)
	assert.Equal(t, "b.example.com", to)
	assert.Equal(t, "all endpoints failed", reason)
	assert.Empty(t, set.failed)
	assert.Equal(t, 1.0, set.metrics["a.example.com"].SuccessRate)
	assert.Zero(t, set.metrics["b.example.com"].TotalRequests)
}

func TestEndpointSet_PrefersBestScore(t *testing.T) {
	set := newEndpointSet([]string{"a"}, []string{"b", "c", "b"})
	require.Equal(t, []string{"a", "b", "c"}, set.order)

	at := time.Now()
	set.record("b", true, 400, 0.3, 5, 0.5, at)
	set.record("c", true, 40, 0.3, 5, 0.5, at)

	assert.Equal(t, "c", set.best("a"))
	assert.Equal(t, "a", set.current)
}

func TestEndpointSet_EWMALatency(t *testing.T) {
	set := newEndpointSet([]string{"a"}, nil)
	at := time.Now()

	set.record("a", true, 100, 0.3, 5, 0.5, at)
	set.record("a", true, 200, 0.3, 5, 0.5, at)

	assert.InDelta(t, 130, set.metrics["a"].Latency, 1e-9)
}

func TestConnectionOptimizer_ValidateEndpointCached(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusOK)
	})
	svc, _ := newTestOptimizer(t, nil)

	ok, err := svc.ValidateEndpoint(context.Background(), hostOf(t, srv))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.ValidateEndpoint(context.Background(), hostOf(t, srv))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), hits.Load())

	_, err = svc.ValidateEndpoint(context.Background(), "https://not-a-host")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
}

func TestConnectionOptimizer_ValidateUnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host := hostOf(t, srv)
	srv.Close()

	svc, _ := newTestOptimizer(t, func(c *ConnectionConfig) {
		c.ValidateTimeout = time.Second
	})

	ok, err := svc.ValidateEndpoint(context.Background(), host)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConnectionOptimizer_CloseRejectsQueued(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, nil)
	svc, _ := newTestOptimizer(t, func(c *ConnectionConfig) {
		c.PrimaryEndpoints = []string{hostOf(t, srv)}
		c.BatchTimeout = time.Minute
	})

	done := make(chan error, 1)
	go func() {
		_, err := svc.OptimizeRequest(context.Background(), srv.URL+"/index.m3u8", domain.RequestOptions{})
		done <- err
	}()

	require.Eventually(t, func() bool { return svc.PendingTimers() == 1 }, time.Second, 5*time.Millisecond)
	svc.Close()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, domain.ErrOptimizerClosed))
	case <-time.After(time.Second):
		t.Fatal("queued request was not rejected")
	}
	assert.Zero(t, svc.PendingTimers())
	assert.Zero(t, hits.Load())

	_, err := svc.OptimizeRequest(context.Background(), srv.URL+"/seg.ts", domain.RequestOptions{})
	assert.ErrorIs(t, err, domain.ErrOptimizerClosed)
}

func TestConnectionOptimizer_FlushSendsQueued(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, nil)
	svc, _ := newTestOptimizer(t, func(c *ConnectionConfig) {
		c.PrimaryEndpoints = []string{hostOf(t, srv)}
		c.BatchTimeout = time.Minute
	})

	done := make(chan error, 1)
	go func() {
		_, err := svc.OptimizeRequest(context.Background(), srv.URL+"/index.m3u8", domain.RequestOptions{})
		done <- err
	}()
	require.Eventually(t, func() bool { return svc.PendingTimers() == 1 }, time.Second, 5*time.Millisecond)

	svc.Flush()
	require.NoError(t, <-done)
	assert.Zero(t, svc.PendingTimers())
}

func TestConnectionOptimizer_InvalidURL(t *testing.T) {
	svc, _ := newTestOptimizer(t, nil)

	_, err := svc.OptimizeRequest(context.Background(), "ftp://cdn.example.com/a.ts", domain.RequestOptions{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	_, err = svc.OptimizeRequest(context.Background(), "", domain.RequestOptions{})
	assert.True(t, strings.Contains(err.Error(), "URL is required"))
}
