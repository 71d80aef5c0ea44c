package http

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/triagegate/internal/http"

// apiMetrics records request traffic and the triage outcomes the API hands
// back. Nil instruments are skipped.
type apiMetrics struct {
	logger    *zap.Logger
	requests  metric.Int64Counter
	latency   metric.Float64Histogram
	inFlight  metric.Int64UpDownCounter
	decisions metric.Int64Counter
	signals   metric.Int64Counter
}

func newAPIMetrics(meter metric.Meter, logger *zap.Logger) *apiMetrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &apiMetrics{logger: logger}

	var err error
	m.requests, err = meter.Int64Counter(
		"triagegate.http.requests_total",
		metric.WithDescription("API requests by method, route template and status"),
		metric.WithUnit("{request}"),
	)
	m.warn("requests counter", err)

	// Runs call the agent, so the upper buckets reach two minutes.
	m.latency, err = meter.Float64Histogram(
		"triagegate.http.request_duration_seconds",
		metric.WithDescription("API request latency by route template"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30, 60, 120),
	)
	m.warn("latency histogram", err)

	m.inFlight, err = meter.Int64UpDownCounter(
		"triagegate.http.in_flight_requests",
		metric.WithDescription("API requests currently being served"),
		metric.WithUnit("{request}"),
	)
	m.warn("in-flight gauge", err)

	m.decisions, err = meter.Int64Counter(
		"triagegate.http.gate_decisions_total",
		metric.WithDescription("Gate decisions returned by the API, by route and decision"),
		metric.WithUnit("{decision}"),
	)
	m.warn("decision counter", err)

	m.signals, err = meter.Int64Counter(
		"triagegate.http.signals_total",
		metric.WithDescription("Operator signals applied through the API, by intent and outcome"),
		metric.WithUnit("{signal}"),
	)
	m.warn("signal counter", err)
	return m
}

func (m *apiMetrics) warn(what string, err error) {
	if err != nil {
		m.logger.Warn("failed to create "+what, zap.Error(err))
	}
}

// middleware records one request. Routes are labelled by their template
// (/api/v1/incidents/:id/signal) so incident IDs never become labels.
func (m *apiMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)
			if err != nil {
				// Let echo write the error so the recorded status is final.
				c.Error(err)
				err = nil
			}

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", routeLabel(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

func (m *apiMetrics) decision(ctx context.Context, route, decision string) {
	if m.decisions != nil {
		m.decisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("decision", decision),
		))
	}
}

func (m *apiMetrics) signal(ctx context.Context, intent, outcome string) {
	if m.signals != nil {
		m.signals.Add(ctx, 1, metric.WithAttributes(
			attribute.String("intent", intent),
			attribute.String("outcome", outcome),
		))
	}
}

// routeLabel maps unmatched requests to one label.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
