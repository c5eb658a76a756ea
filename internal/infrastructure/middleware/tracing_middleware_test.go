package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"streamperf/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRouteClass(t *testing.T) {
	tests := []struct {
		method, route, want string
	}{
		{http.MethodGet, "", "unmatched"},
		{http.MethodPost, "/api/v1/buffer", "ingest"},
		{http.MethodPost, "/api/v1/segments", "ingest"},
		{http.MethodGet, "/api/v1/summary", "query"},
		{http.MethodGet, "/api/v1/endpoints", "query"},
		{http.MethodPost, "/api/v1/endpoints/:endpoint/validate", "query"},
		{http.MethodPost, "/api/v1/requests", "requests"},
		{http.MethodDelete, "/api/v1/resources/hls-instances/:id", "resources"},
		{http.MethodGet, "/api/v1/events", "events"},
		{http.MethodGet, "/metrics", "ops"},
		{http.MethodGet, "/health", "ops"},
	}
	for _, tt := range tests {
		if got := RouteClass(tt.method, tt.route); got != tt.want {
			t.Errorf("RouteClass(%s %q) = %q, want %q", tt.method, tt.route, got, tt.want)
		}
	}
}

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func spanAttr(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracingMiddleware_TagsSessionAndRouteClass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := recordSpans(t)

	router := gin.New()
	router.Use(RequestIDMiddleware(), TracingMiddleware())
	router.POST("/api/v1/buffer", func(c *gin.Context) { c.Status(http.StatusAccepted) })
	router.GET("/api/v1/summary", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/buffer", nil)
	req.Header.Set(RequestIDHeader, "req-7")
	req.Header.Set(SessionIDHeader, "sess-42")
	router.ServeHTTP(httptest.NewRecorder(), req)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/summary", nil))

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}

	ingest := spans[0].Attributes()
	if v, ok := spanAttr(ingest, RouteClassKey); !ok || v.AsString() != "ingest" {
		t.Errorf("route class = %v, want ingest", v.AsString())
	}
	if v, ok := spanAttr(ingest, tracing.SessionIDKey); !ok || v.AsString() != "sess-42" {
		t.Errorf("session id = %v, want sess-42", v.AsString())
	}
	if v, ok := spanAttr(ingest, attribute.Key("perfd.request_id")); !ok || v.AsString() != "req-7" {
		t.Errorf("request id = %v, want req-7", v.AsString())
	}
	if v, _ := spanAttr(ingest, tracing.StatusCodeKey); v.AsInt64() != http.StatusAccepted {
		t.Errorf("status = %d, want 202", v.AsInt64())
	}
	if spans[0].Status().Code == codes.Error {
		t.Error("2xx span must not be marked as error")
	}

	query := spans[1].Attributes()
	if v, _ := spanAttr(query, RouteClassKey); v.AsString() != "query" {
		t.Errorf("route class = %v, want query", v.AsString())
	}
	if _, ok := spanAttr(query, tracing.SessionIDKey); ok {
		t.Error("session id must be absent without the header")
	}
	if spans[1].Status().Code != codes.Error {
		t.Error("5xx span should carry an error status")
	}
}
