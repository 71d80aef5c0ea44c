package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triagegate/internal/incident"
	"github.com/fyrsmithlabs/triagegate/internal/reliability"
)

// sumsBy totals int64 sums per metric name and attribute value.
func sumsBy(t *testing.T, reader *sdkmetric.ManualReader, key attribute.Key) map[string]map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			if out[md.Name] == nil {
				out[md.Name] = map[string]int64{}
			}
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(key)
				out[md.Name][v.Emit()] += dp.Value
			}
		}
	}
	return out
}

func TestToolMetrics_ThroughTools(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	runner := &mockRunner{}
	rec := incident.RunRecord{RunID: "run-9", IncidentID: "INC-4001"}
	rec.Gate.Decision = incident.DecisionBlockAndEscalate
	runner.On("Run", mock.Anything, mock.Anything).Return(rec, nil)

	cfg := DefaultConfig()
	cfg.Logger = zap.NewNop()
	cfg.Meter = mp.Meter(instrumentationName)
	s, err := NewServer(cfg, runner, reliability.Neutral("m-1"))
	require.NoError(t, err)
	session := connectInMemory(t, s)

	_, isErr := callTool(t, session, "triage_run", map[string]any{"incident": sampleIncident()})
	require.False(t, isErr)
	_, isErr = callTool(t, session, "metrics_summary", map[string]any{})
	require.True(t, isErr)
	_, isErr = callTool(t, session, "tool_search", map[string]any{"query": ""})
	require.True(t, isErr)

	byTool := sumsBy(t, reader, "tool")
	assert.Equal(t, map[string]int64{"triage_run": 1, "metrics_summary": 1, "tool_search": 1},
		byTool["triagegate.mcp.tool.calls_total"])
	for tool, n := range byTool["triagegate.mcp.tool.in_flight"] {
		assert.Zero(t, n, tool)
	}

	byReason := sumsBy(t, reader, "reason")
	assert.Equal(t, map[string]int64{"not_configured": 1, "invalid_input": 1},
		byReason["triagegate.mcp.tool.failures_total"])

	byDecision := sumsBy(t, reader, "decision")
	assert.Equal(t, map[string]int64{string(incident.DecisionBlockAndEscalate): 1},
		byDecision["triagegate.mcp.gate_decisions_total"])
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("%w: id is required", incident.ErrInvalidIncident), "invalid_incident"},
		{fmt.Errorf("%w: claim_evidence has 0 entries for 1 key claims", errMisalignedEvidence), "misaligned_evidence"},
		{errEmptyQuery, "invalid_input"},
		{errNoAuditDir, "not_configured"},
		{fmt.Errorf("triage run for INC-1: %w", context.DeadlineExceeded), "timeout"},
		{context.Canceled, "canceled"},
		{errors.New("agent returned 502"), "pipeline_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, failureReason(tt.err), "error %v", tt.err)
	}
}
