package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "http://localhost:8001", cfg.Reliability.CDCTURL)
	assert.Equal(t, "http://localhost:8002", cfg.Reliability.DDFTURL)
	assert.Equal(t, "http://localhost:8003", cfg.Reliability.EECTURL)
	assert.Equal(t, "api", cfg.Reliability.Source)
	assert.Equal(t, "SRE", cfg.Jira.ProjectKey)
	assert.Equal(t, 5.0, cfg.Lifecycle.RefusalThreshold)
	assert.Equal(t, 2, cfg.Lifecycle.MaxActive)
	assert.Equal(t, 1500*time.Millisecond, cfg.Lifecycle.TailInterval.Duration())
	assert.Equal(t, 150*time.Millisecond, cfg.Lifecycle.AgentInterval.Duration())
	assert.Equal(t, "outputs", cfg.Audit.Dir)
	assert.Equal(t, "elastic", cfg.Evidence.Backend)
	assert.Equal(t, "runbooks", cfg.Elastic.Indices["runbooks"])
}

func TestLoad_WellKnownEnv(t *testing.T) {
	t.Setenv("ELASTIC_URL", "https://es.example.com/")
	t.Setenv("ELASTIC_API_KEY", "es-key")
	t.Setenv("KIBANA_URL", "https://kb.example.com")
	t.Setenv("AGENT_ID", "sre-agent")
	t.Setenv("MODEL_NAME", "gpt-4o")
	t.Setenv("RELIABILITY_PROFILE_SOURCE", "AGENT_BUILDER_MCP")
	t.Setenv("RELIABILITY_PROFILE_MCP_STRICT", "yes")
	t.Setenv("USE_MOCK_ELASTIC", "1")
	t.Setenv("REFUSAL_THRESHOLD", "6.5")

	cfg := Load()

	assert.Equal(t, "https://es.example.com", cfg.Elastic.URL)
	assert.Equal(t, "es-key", cfg.Elastic.APIKey.Value())
	assert.Equal(t, "es-key", cfg.Agent.APIKey.Value(), "kibana key falls back to the elastic key")
	assert.Equal(t, "agent_builder_mcp", cfg.Reliability.Source)
	assert.True(t, cfg.Reliability.MCPStrict)
	assert.Equal(t, "mock", cfg.Evidence.Backend)
	assert.Equal(t, 6.5, cfg.Lifecycle.RefusalThreshold)
	require.NoError(t, cfg.RequireAgent())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "mock backend without elastic url",
			mutate: func(c *Config) { c.Evidence.Backend = "mock" },
		},
		{
			name:    "elastic backend without url",
			mutate:  func(c *Config) {},
			wantErr: "ELASTIC_URL is required",
		},
		{
			name: "bad port",
			mutate: func(c *Config) {
				c.Evidence.Backend = "mock"
				c.Server.Port = 70000
			},
			wantErr: "invalid server port",
		},
		{
			name: "unknown backend",
			mutate: func(c *Config) {
				c.Evidence.Backend = "postgres"
			},
			wantErr: "unknown evidence backend",
		},
		{
			name: "refusal threshold out of range",
			mutate: func(c *Config) {
				c.Evidence.Backend = "mock"
				c.Lifecycle.RefusalThreshold = 11
			},
			wantErr: "refusal threshold",
		},
		{
			name: "zero poll interval",
			mutate: func(c *Config) {
				c.Evidence.Backend = "chromem"
				c.Lifecycle.PollInterval = 0
			},
			wantErr: "poll_interval must be positive",
		},
		{
			name: "unknown profile source",
			mutate: func(c *Config) {
				c.Evidence.Backend = "mock"
				c.Reliability.Source = "carrier-pigeon"
			},
			wantErr: "unknown reliability profile source",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRequireAgent_Missing(t *testing.T) {
	cfg := Load()
	err := cfg.RequireAgent()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "triagegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadWithFile_YAMLAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
evidence:
  backend: mock
lifecycle:
  refusal_threshold: 4
  poll_interval: 500ms
elastic:
  indices:
    runbooks: sre-runbooks
jira:
  api_token: jira-secret
`, 0o600)
	t.Setenv("TRIAGEGATE_AUDIT_DIR", "/tmp/audit")
	t.Setenv("TRIAGEGATE_SERVER_HTTP_PORT", "8088")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "mock", cfg.Evidence.Backend)
	assert.Equal(t, 4.0, cfg.Lifecycle.RefusalThreshold)
	assert.Equal(t, 500*time.Millisecond, cfg.Lifecycle.PollInterval.Duration())
	assert.Equal(t, "sre-runbooks", cfg.Elastic.Indices["runbooks"])
	assert.Equal(t, "policies", cfg.Elastic.Indices["policies"], "unmapped indices keep defaults")
	assert.Equal(t, "jira-secret", cfg.Jira.APIToken.Value())
	assert.Equal(t, "/tmp/audit", cfg.Audit.Dir)
	assert.Equal(t, 8088, cfg.Server.Port)
}

func TestLoadWithFile_Rejections(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadWithFile(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("world writable", func(t *testing.T) {
		path := writeConfig(t, "evidence:\n  backend: mock\n", 0o666)
		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "world-writable")
	})

	t.Run("invalid after merge", func(t *testing.T) {
		path := writeConfig(t, "evidence:\n  backend: mock\nlifecycle:\n  refusal_threshold: 20\n", 0o600)
		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "elastic.url", envKey("TRIAGEGATE_ELASTIC_URL"))
	assert.Equal(t, "lifecycle.refusal_threshold", envKey("TRIAGEGATE_LIFECYCLE_REFUSAL_THRESHOLD"))
	assert.Equal(t, "debug", envKey("TRIAGEGATE_DEBUG"))
}

func TestSecret_NeverLeaks(t *testing.T) {
	s := Secret("xoxb-123")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "xoxb-123", s.Value())
	assert.Equal(t, "ApiKey xoxb-123", s.APIKeyHeader())

	data, err := json.Marshal(struct {
		Token Secret `json:"token"`
	}{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"[REDACTED]"}`, string(data))

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("250ms")))
	assert.Equal(t, 250*time.Millisecond, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("-2")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	var secs Duration
	require.NoError(t, secs.UnmarshalText([]byte("1.5")))
	assert.Equal(t, 1500*time.Millisecond, secs.Duration())

	out, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"250ms"`, string(out))
}
