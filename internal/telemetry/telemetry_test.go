package telemetry

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/triagegate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

func TestConfig_Validate(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate(), "disabled config is always valid")

	cfg.Enabled = true
	require.NoError(t, cfg.Validate())

	cfg.SampleRate = 2
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Enabled = true
	cfg.Protocol = "carrier"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = ""
	assert.Error(t, cfg.Validate())
}

func TestConfigFromObservability(t *testing.T) {
	cfg := ConfigFromObservability(config.ObservabilityConfig{
		EnableTelemetry: true,
		ServiceName:     "triage",
		Endpoint:        "https://otel.example.com",
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.False(t, cfg.Insecure)
	assert.Equal(t, "triage", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, "otel.example.com", stripScheme(cfg.Endpoint))
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)
	assert.False(t, tel.Enabled())
	assert.NoError(t, tel.Degraded())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTestTelemetry_RecordsGlobals(t *testing.T) {
	tt := NewTestTelemetry(t)

	_, span := otel.Tracer("triagegate.test").Start(context.Background(), "gate")
	span.SetAttributes(attribute.String("decision", "execute"))
	span.End()

	counter, err := otel.Meter("triagegate.test").Int64Counter("triagegate.test.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)
	counter.Add(context.Background(), 3)

	tt.AssertSpanExists(t, "gate")
	tt.AssertSpanAttribute(t, "gate", "decision", "execute")
	assert.Equal(t, int64(5), tt.CounterValue(t, "triagegate.test.count"))
}
