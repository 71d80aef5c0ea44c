package workflows

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/triagegate/internal/workflows"

// Metrics for the incident workflow. Workflow code must stay
// deterministic, so only activities record them.
var (
	metricsOnce          sync.Once
	activityDuration     metric.Float64Histogram
	activityErrorCounter metric.Int64Counter
	refusalCounter       metric.Int64Counter
)

// initMetrics initializes OpenTelemetry metrics for workflows.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	activityDuration, err = meter.Float64Histogram(
		"triagegate.workflows.activity.duration",
		metric.WithDescription("Duration of workflow activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity duration: %v", err))
	}

	activityErrorCounter, err = meter.Int64Counter(
		"triagegate.workflows.activity.errors",
		metric.WithDescription("Number of activity execution errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity error counter: %v", err))
	}

	refusalCounter, err = meter.Int64Counter(
		"triagegate.workflows.refusals",
		metric.WithDescription("Number of approvals refused inside incident workflows"),
		metric.WithUnit("{refusal}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create refusal counter: %v", err))
	}
}

func recordActivity(ctx context.Context, name string, seconds float64, err error) {
	metricsOnce.Do(initMetrics)
	attrs := metric.WithAttributes(attribute.String("activity", name))
	activityDuration.Record(ctx, seconds, attrs)
	if err != nil {
		activityErrorCounter.Add(ctx, 1, attrs)
	}
}

func recordRefusal(ctx context.Context) {
	metricsOnce.Do(initMetrics)
	refusalCounter.Add(ctx, 1)
}
