package http

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/fyrsmithlabs/patternd/internal/http"

// unmatchedRoute labels requests that hit no registered route.
const unmatchedRoute = "unmatched"

// requestMetrics records API traffic on the OTEL meter provider:
//
//   - patternd.http.requests{method,route,status}
//   - patternd.http.request.duration{method,route,status} in seconds
//   - patternd.http.requests.in_flight
type requestMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

func newRequestMetrics(meter metric.Meter, logger *zap.Logger) *requestMetrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &requestMetrics{}

	var err error
	m.requests, err = meter.Int64Counter("patternd.http.requests",
		metric.WithDescription("API requests by method, route template and status"),
		metric.WithUnit("{request}"))
	if err != nil {
		logger.Warn("http request counter unavailable", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram("patternd.http.request.duration",
		metric.WithDescription("API request latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5))
	if err != nil {
		logger.Warn("http duration histogram unavailable", zap.Error(err))
	}

	m.inFlight, err = meter.Int64UpDownCounter("patternd.http.requests.in_flight",
		metric.WithDescription("API requests currently being served"),
		metric.WithUnit("{request}"))
	if err != nil {
		logger.Warn("http in-flight gauge unavailable", zap.Error(err))
	}
	return m
}

// middleware records one measurement per request. The status comes from the
// returned error when there is one, since the error handler has not yet
// written the response at this point.
func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			start := time.Now()
			err := next(c)

			route := routeLabel(c.Path())
			if errors.Is(err, echo.ErrNotFound) || errors.Is(err, echo.ErrMethodNotAllowed) {
				route = unmatchedRoute
			}
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route),
				attribute.Int("status", responseStatus(c, err)),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

// routeLabel uses the registered route template so ids never become labels.
func routeLabel(path string) string {
	if path == "" || path == "/*" {
		return unmatchedRoute
	}
	return path
}

func responseStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return statusFor(err)
}
