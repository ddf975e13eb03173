package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/patternd/internal/store"
)

func TestRequestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := newRequestMetrics(mp.Meter(meterName), nil)

	e := echo.New()
	e.HTTPErrorHandler = errorHandler(e, nil)
	e.Use(m.middleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/v1/patterns/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return store.ErrNotFound
		}
		return c.JSON(http.StatusOK, map[string]string{"id": c.Param("id")})
	})

	for _, path := range []string{"/health", "/api/v1/patterns/0b6f4d2e", "/api/v1/patterns/missing", "/nope"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	var durations uint64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch md.Name {
			case "patternd.http.requests":
				sum, ok := md.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					route, _ := dp.Attributes.Value("route")
					status, _ := dp.Attributes.Value("status")
					counts[route.AsString()+" "+status.Emit()] += dp.Value
				}
			case "patternd.http.request.duration":
				hist, ok := md.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				for _, dp := range hist.DataPoints {
					durations += dp.Count
				}
			}
		}
	}

	assert.Equal(t, map[string]int64{
		"/health 200":               1,
		"/api/v1/patterns/:id 200": 1,
		"/api/v1/patterns/:id 404": 1,
		"unmatched 404":            1,
	}, counts)
	assert.Equal(t, uint64(4), durations)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, unmatchedRoute, routeLabel(""))
	assert.Equal(t, unmatchedRoute, routeLabel("/*"))
	assert.Equal(t, "/api/v1/patterns/:id", routeLabel("/api/v1/patterns/:id"))
}
