// Package middleware provides the gin middleware shared by all routes:
// admin authentication, CORS, request tracing and request telemetry.
package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	"github.com/irfndi/celebrum-paper-trader/internal/metrics"
	"github.com/irfndi/celebrum-paper-trader/internal/telemetry"
)

// quietPaths are scraped constantly; they are counted but only logged at trace level.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// TracingMiddleware opens a server span per request and continues any trace
// propagated in the request headers. Scrape endpoints are not traced.
func TracingMiddleware() gin.HandlerFunc {
	return otelgin.Middleware(telemetry.ServiceName,
		otelgin.WithFilter(func(r *http.Request) bool {
			return !quietPaths[r.URL.Path]
		}),
	)
}

// TelemetryMiddleware logs each request and records its status and latency.
// Requests carrying a sampled span are logged with its trace id.
// collector may be nil.
func TelemetryMiddleware(collector *metrics.Collector, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		collector.ObserveHTTPRequest(c.Request.Method, route, status, elapsed.Seconds())

		entry := logger.WithFields(logrus.Fields{
			"component":   "http",
			"method":      c.Request.Method,
			"route":       route,
			"path":        c.Request.URL.Path,
			"status":      status,
			"duration_ms": elapsed.Milliseconds(),
			"client_ip":   c.ClientIP(),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", c.Errors.String())
		}
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.IsValid() {
			entry = entry.WithField("trace_id", sc.TraceID().String())
		}

		switch {
		case status >= 500:
			entry.Error("Request failed")
		case quietPaths[c.Request.URL.Path]:
			entry.Trace("Request served")
		case status >= 400:
			entry.Warn("Request rejected")
		default:
			entry.Info("Request served")
		}
	}
}
