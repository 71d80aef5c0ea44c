package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

const instrumentationName = "github.com/fyrsmithlabs/triagegate/internal/mcp"

var (
	errMisalignedEvidence = errors.New("claim evidence is not aligned with key claims")
	errNoAuditDir         = errors.New("audit directory not configured")
	errEmptyQuery         = errors.New("query is required")
)

// toolMetrics counts tool calls and the gate decisions they return.
type toolMetrics struct {
	logger    *zap.Logger
	calls     metric.Int64Counter
	latency   metric.Float64Histogram
	failures  metric.Int64Counter
	inFlight  metric.Int64UpDownCounter
	decisions metric.Int64Counter
}

func newToolMetrics(meter metric.Meter, logger *zap.Logger) *toolMetrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &toolMetrics{logger: logger}

	var err error
	m.calls, err = meter.Int64Counter(
		"triagegate.mcp.tool.calls_total",
		metric.WithDescription("MCP tool calls by tool"),
		metric.WithUnit("{call}"),
	)
	m.warn("calls counter", err)

	m.latency, err = meter.Float64Histogram(
		"triagegate.mcp.tool.duration_seconds",
		metric.WithDescription("MCP tool call latency; triage_run includes agent round trips"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120),
	)
	m.warn("latency histogram", err)

	m.failures, err = meter.Int64Counter(
		"triagegate.mcp.tool.failures_total",
		metric.WithDescription("Failed MCP tool calls by tool and reason"),
		metric.WithUnit("{call}"),
	)
	m.warn("failures counter", err)

	m.inFlight, err = meter.Int64UpDownCounter(
		"triagegate.mcp.tool.in_flight",
		metric.WithDescription("MCP tool calls currently running"),
		metric.WithUnit("{call}"),
	)
	m.warn("in-flight gauge", err)

	m.decisions, err = meter.Int64Counter(
		"triagegate.mcp.gate_decisions_total",
		metric.WithDescription("Gate decisions returned by MCP tools"),
		metric.WithUnit("{decision}"),
	)
	m.warn("decisions counter", err)
	return m
}

func (m *toolMetrics) warn(what string, err error) {
	if err != nil {
		m.logger.Warn("failed to create "+what, zap.Error(err))
	}
}

// start marks a call in flight and returns the function that records it.
func (m *toolMetrics) start(ctx context.Context, tool string) func(error) {
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	if m.inFlight != nil {
		m.inFlight.Add(ctx, 1, attrs)
	}
	begin := time.Now()
	return func(err error) {
		if m.inFlight != nil {
			m.inFlight.Add(ctx, -1, attrs)
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, attrs)
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(begin).Seconds(), attrs)
		}
		if err != nil && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("reason", failureReason(err)),
			))
		}
	}
}

func (m *toolMetrics) decision(ctx context.Context, tool string, d incident.Decision) {
	if m.decisions != nil {
		m.decisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("decision", string(d)),
		))
	}
}

// failureReason buckets a tool error for the failures counter.
func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, incident.ErrInvalidIncident):
		return "invalid_incident"
	case errors.Is(err, errMisalignedEvidence):
		return "misaligned_evidence"
	case errors.Is(err, errEmptyQuery):
		return "invalid_input"
	case errors.Is(err, errNoAuditDir):
		return "not_configured"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "pipeline_error"
	}
}
