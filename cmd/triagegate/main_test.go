package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/triagegate/internal/audit"
	"github.com/fyrsmithlabs/triagegate/internal/config"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

func TestParseIncidents(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantIDs []string
		wantErr bool
	}{
		{
			name:    "single yaml",
			data:    "id: INC-1\nservice: payment-service\nseverity: HIGH\nsummary: 503s\n",
			wantIDs: []string{"INC-1"},
		},
		{
			name:    "json list",
			data:    `[{"id":"INC-1","severity":"low"},{"id":"INC-2","severity":"critical"}]`,
			wantIDs: []string{"INC-1", "INC-2"},
		},
		{name: "empty", data: "  \n", wantErr: true},
		{name: "scalar", data: "just text", wantErr: true},
		{name: "unknown severity", data: "id: INC-1\nseverity: sev0\n", wantErr: true},
		{name: "missing id", data: "severity: low\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			incs, err := parseIncidents([]byte(tt.data))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			var ids []string
			for _, inc := range incs {
				ids = append(ids, inc.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}

	incs, err := parseIncidents([]byte("id: INC-1\nseverity: HIGH\n"))
	require.NoError(t, err)
	assert.Equal(t, incident.SeverityHigh, incs[0].Severity)
}

func TestCommandsRegistered(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "baseline", "live", "controller", "serve", "mcp", "dashboard", "summary", "profile", "workflow"} {
		assert.Contains(t, names, want)
	}
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	offline = false
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRun_MissingAgentConfig(t *testing.T) {
	t.Setenv("KIBANA_URL", "")
	t.Setenv("EVIDENCE_BACKEND", "mock")
	t.Setenv("AUDIT_DIR", t.TempDir())

	path := filepath.Join(t.TempDir(), "incident.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: INC-1\nseverity: low\n"), 0o600))

	_, err := execute(t, "run", "--incident", path)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRun_OfflineThenSummary(t *testing.T) {
	auditDir := t.TempDir()
	t.Setenv("EVIDENCE_BACKEND", "mock")
	t.Setenv("AUDIT_DIR", auditDir)
	t.Setenv("MODEL_NAME", "")
	t.Setenv("NATS_URL", "")
	t.Setenv("SLACK_WEBHOOK_URL", "")
	t.Setenv("ESCALATION_WEBHOOK_URL", "")

	path := filepath.Join(t.TempDir(), "incident.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`id: INC-3001
service: payment-service
severity: high
summary: checkout returning 503
symptoms: connection pool exhausted on payment-db
`), 0o600))

	out, err := execute(t, "run", "--offline", "--incident", path)
	require.NoError(t, err)

	var rec incident.RunRecord
	require.NoError(t, json.NewDecoder(bytes.NewBufferString(out)).Decode(&rec))
	assert.Equal(t, "INC-3001", rec.IncidentID)
	assert.NotEmpty(t, rec.RunID)
	assert.NotEmpty(t, rec.Gate.Decision)

	out, err = execute(t, "summary")
	require.NoError(t, err)
	var sum audit.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, 1, sum.Runs)
}
