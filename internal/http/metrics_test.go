package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/dealflow/internal/telemetry"
)

func TestAPIMetrics(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	tel.Install(t)

	m, err := newAPIMetrics(nil)
	require.NoError(t, err)

	e := echo.New()
	e.Use(m.middleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/v1/threads/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "thread not found")
	})

	for _, path := range []string{"/health", "/api/v1/threads/th-1", "/api/v1/threads/th-2", "/nope"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	ctx := context.Background()
	assert.Equal(t, int64(4), tel.Count(ctx, "dealflow.http.requests_total"))
	assert.Equal(t, int64(1), tel.Count(ctx, "dealflow.http.requests_total",
		attribute.String("route", "/health"), attribute.Int("status", 200)))
	assert.Equal(t, int64(2), tel.Count(ctx, "dealflow.http.requests_total",
		attribute.String("route", "/api/v1/threads/:id"), attribute.Int("status", 404)),
		"ids stay out of the route label")

	latency, ok := tel.Metric(ctx, "dealflow.http.request_duration_seconds")
	require.True(t, ok)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var n uint64
	for _, dp := range hist.DataPoints {
		n += dp.Count
	}
	assert.Equal(t, uint64(4), n)

	_, ok = tel.Metric(ctx, "dealflow.http.response_size_bytes")
	assert.True(t, ok)
	assert.Equal(t, int64(0), tel.Count(ctx, "dealflow.http.in_flight_requests"))
}
