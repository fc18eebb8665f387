package observability

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/maplemarket/api/internal/platform/observability")

// MetricsMiddleware records a request counter and a latency histogram per route.
func MetricsMiddleware() func(http.Handler) http.Handler {
	requestCount, countErr := meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Number of HTTP requests processed"),
	)
	requestDuration, durationErr := meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("ms"),
	)

	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		if countErr != nil || durationErr != nil {
			// Instrument creation only fails on malformed names; serve untracked.
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := newResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)

			attrs := metric.WithAttributes(
				attribute.String("http.request.method", SanitizeMethod(r.Method)),
				attribute.String("http.route", SanitizeRoute(routePattern(r))),
				attribute.Int("http.response.status_code", recorder.Status()),
			)
			requestCount.Add(r.Context(), 1, attrs)
			requestDuration.Record(r.Context(), float64(time.Since(start).Milliseconds()), attrs)
		})
	}
}
