package middleware

import (
	"strings"

	"streamperf/pkg/logger"
	"streamperf/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RouteClassKey groups API spans by what the player was doing
var RouteClassKey = attribute.Key("perfd.route_class")

// RouteClass buckets a registered gin route: ingest (player measurements),
// resources, requests (optimizer fetches), events, query, or ops.
func RouteClass(method, route string) string {
	switch {
	case route == "":
		return "unmatched"
	case strings.HasPrefix(route, "/api/v1/resources/"):
		return "resources"
	case strings.HasPrefix(route, "/api/v1/requests"):
		return "requests"
	case route == "/api/v1/events":
		return "events"
	case strings.HasPrefix(route, "/api/v1/endpoints"):
		return "query"
	case strings.HasPrefix(route, "/api/v1/") && method != "GET":
		return "ingest"
	case strings.HasPrefix(route, "/api/v1/"):
		return "query"
	default:
		return "ops"
	}
}

// TracingMiddleware opens a server span per API call, tagged with the player
// session and the route class. Runs after RequestIDMiddleware.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		span.SetAttributes(RouteClassKey.String(RouteClass(c.Request.Method, route)))
		if session := logger.SessionID(ctx); session != "" {
			span.SetAttributes(tracing.SessionIDKey.String(session))
		}
		if id := c.Writer.Header().Get(RequestIDHeader); id != "" {
			span.SetAttributes(attribute.String("perfd.request_id", id))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(tracing.StatusCodeKey.Int(status))
		if status >= 500 {
			span.SetStatus(codes.Error, c.Errors.String())
		}
	}
}
