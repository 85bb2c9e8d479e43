package http

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/fyrsmithlabs/dealflow/internal/http"

// unmatchedRoute labels requests no route matched, so arbitrary paths never
// become label values.
const unmatchedRoute = "unmatched"

// apiMetrics holds the request instruments. Any instrument may be nil if
// the meter refused it.
type apiMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	size     metric.Int64Histogram
	inFlight metric.Int64UpDownCounter
}

// newAPIMetrics creates the instruments on meter, or on the global provider
// when meter is nil. Failures are joined; the returned value is always
// usable.
func newAPIMetrics(meter metric.Meter) (*apiMetrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	var (
		m    apiMetrics
		errs [4]error
	)
	m.requests, errs[0] = meter.Int64Counter("dealflow.http.requests_total",
		metric.WithDescription("API requests by method, route and status"),
		metric.WithUnit("{request}"))
	// Synchronous event handling waits on the oracle, hence the long tail.
	m.latency, errs[1] = meter.Float64Histogram("dealflow.http.request_duration_seconds",
		metric.WithDescription("API request latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60))
	m.size, errs[2] = meter.Int64Histogram("dealflow.http.response_size_bytes",
		metric.WithDescription("API response body size"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(256, 1024, 4096, 16384, 65536, 262144))
	m.inFlight, errs[3] = meter.Int64UpDownCounter("dealflow.http.in_flight_requests",
		metric.WithDescription("API requests being served"),
		metric.WithUnit("{request}"))
	return &m, errors.Join(errs[:]...)
}

func (m *apiMetrics) record(ctx context.Context, c echo.Context, elapsed time.Duration) {
	route := c.Path()
	if route == "" {
		route = unmatchedRoute
	}
	attrs := metric.WithAttributes(
		attribute.String("method", c.Request().Method),
		attribute.String("route", route),
		attribute.Int("status", c.Response().Status),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, elapsed.Seconds(), attrs)
	}
	if m.size != nil {
		m.size.Record(ctx, c.Response().Size, attrs)
	}
}

// middleware records every request. Handler errors are rendered here so the
// final status is known when the request is counted.
func (m *apiMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}
			if err := next(c); err != nil {
				c.Error(err)
			}
			m.record(ctx, c, time.Since(start))
			return nil
		}
	}
}
