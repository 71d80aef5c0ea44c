package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triagegate/internal/audit"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
	"github.com/fyrsmithlabs/triagegate/internal/lifecycle"
)

type mockRunner struct{ mock.Mock }

func (m *mockRunner) Run(ctx context.Context, inc incident.Incident) (incident.RunRecord, error) {
	args := m.Called(ctx, inc)
	return args.Get(0).(incident.RunRecord), args.Error(1)
}

type mockController struct{ mock.Mock }

func (m *mockController) Snapshot() lifecycle.Snapshot {
	return m.Called().Get(0).(lifecycle.Snapshot)
}

func (m *mockController) Submit(ctx context.Context, inc incident.Incident) (lifecycle.Item, error) {
	args := m.Called(ctx, inc)
	return args.Get(0).(lifecycle.Item), args.Error(1)
}

func (m *mockController) Signal(ctx context.Context, id string, intent lifecycle.Intent) (lifecycle.Outcome, error) {
	args := m.Called(ctx, id, intent)
	return args.Get(0).(lifecycle.Outcome), args.Error(1)
}

func sampleIncident() incident.Incident {
	return incident.Incident{
		ID:       "INC-3001",
		Service:  "payment-service",
		Severity: incident.SeverityMedium,
		Summary:  "p99 latency above SLO",
		Symptoms: "timeouts on /pay",
	}
}

func setupTestServer(t *testing.T, runner *mockRunner, ctrl Controller, auditDir string) *Server {
	t.Helper()
	if runner == nil {
		runner = &mockRunner{}
	}
	s, err := NewServer(Options{
		Runner:     runner,
		Controller: ctrl,
		AuditDir:   auditDir,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		s := setupTestServer(t, nil, nil, "")
		assert.Equal(t, "localhost", s.config.Host)
		assert.Equal(t, 9090, s.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(Options{Runner: &mockRunner{}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when runner is nil", func(t *testing.T) {
		_, err := NewServer(Options{Logger: zap.NewNop()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "runner cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(t, nil, nil, "")
	rec := doJSON(t, s, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleMetrics(t *testing.T) {
	s := setupTestServer(t, nil, nil, "")
	rec := doJSON(t, s, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHandleRun(t *testing.T) {
	t.Run("returns the run record", func(t *testing.T) {
		runner := &mockRunner{}
		runner.On("Run", mock.Anything, sampleIncident()).Return(incident.RunRecord{
			RunID:         "run-1",
			IncidentID:    "INC-3001",
			Executed:      true,
			ExecutionMode: "restart_service",
		}, nil)
		s := setupTestServer(t, runner, nil, "")

		rec := doJSON(t, s, http.MethodPost, "/api/v1/runs", sampleIncident())

		require.Equal(t, http.StatusOK, rec.Code)
		var got incident.RunRecord
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "run-1", got.RunID)
		assert.True(t, got.Executed)
		runner.AssertExpectations(t)
	})

	t.Run("rejects an invalid incident", func(t *testing.T) {
		s := setupTestServer(t, nil, nil, "")
		inc := sampleIncident()
		inc.ID = ""

		rec := doJSON(t, s, http.MethodPost, "/api/v1/runs", inc)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("maps pipeline failure to bad gateway", func(t *testing.T) {
		runner := &mockRunner{}
		runner.On("Run", mock.Anything, mock.Anything).Return(incident.RunRecord{}, errors.New("evidence store down"))
		s := setupTestServer(t, runner, nil, "")

		rec := doJSON(t, s, http.MethodPost, "/api/v1/runs", sampleIncident())
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.NotContains(t, rec.Body.String(), "evidence store down")
	})
}

func TestHandleGate(t *testing.T) {
	plan := incident.Plan{
		IncidentID:        "INC-3001",
		ProposedAction:    "restart_service",
		KeyClaims:         []string{"pods leak memory"},
		ConfidenceInitial: 8,
	}
	stress := incident.StressResult{
		IncidentID: "INC-3001",
		ClaimEvidence: []incident.ClaimEvidence{
			{Claim: "pods leak memory", SupportDocs: []string{"rb-7"}, ContradictionDocs: []string{}},
		},
		PolicyConflicts:             []string{},
		FabricatedAuthorityRejected: true,
		ConfidencePostStress:        8,
		PositionAfterStress:         "restart_service",
		IntegrationQuality:          1,
	}

	t.Run("rules on supplied stage outputs", func(t *testing.T) {
		s := setupTestServer(t, nil, nil, "")
		rec := doJSON(t, s, http.MethodPost, "/api/v1/gate", GateRequest{
			Incident: sampleIncident(),
			Plan:     plan,
			Stress:   stress,
		})

		require.Equal(t, http.StatusOK, rec.Code)
		var got GateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, incident.ContextCompressed, got.Compress.ContextMode)
		assert.Equal(t, incident.DecisionExecute, got.Gate.Decision)
	})

	t.Run("rejects misaligned claim evidence", func(t *testing.T) {
		s := setupTestServer(t, nil, nil, "")
		bad := stress
		bad.ClaimEvidence = nil

		rec := doJSON(t, s, http.MethodPost, "/api/v1/gate", GateRequest{
			Incident: sampleIncident(),
			Plan:     plan,
			Stress:   bad,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "0 entries for 1 key claims")
	})
}

func TestHandleSummary(t *testing.T) {
	t.Run("summarizes recorded runs", func(t *testing.T) {
		dir := t.TempDir()
		r, err := audit.Open(dir, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, r.RecordRun(context.Background(),
			incident.RunRecord{RunID: "run-1", IncidentID: "INC-3001"},
			incident.MetricsRow{RunID: "run-1", Decision: incident.DecisionExecute, ModelName: "m"}))

		s := setupTestServer(t, nil, nil, dir)
		rec := doJSON(t, s, http.MethodGet, "/api/v1/metrics/summary", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		var sum audit.Summary
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
		assert.Equal(t, 1, sum.Runs)
		assert.Equal(t, 1.0, sum.AutoExecuteRate)
	})

	t.Run("unavailable without an audit directory", func(t *testing.T) {
		s := setupTestServer(t, nil, nil, "")
		rec := doJSON(t, s, http.MethodGet, "/api/v1/metrics/summary", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHandleIncidents(t *testing.T) {
	ctrl := &mockController{}
	ctrl.On("Snapshot").Return(lifecycle.Snapshot{
		Items:  []lifecycle.Item{{ID: "INC-1001", State: lifecycle.StatePendingSlack}},
		Counts: map[lifecycle.State]int{lifecycle.StatePendingSlack: 1},
		Status: "Watching",
	})
	s := setupTestServer(t, nil, ctrl, "")

	rec := doJSON(t, s, http.MethodGet, "/api/v1/incidents", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap lifecycle.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Items, 1)
	assert.Equal(t, lifecycle.StatePendingSlack, snap.Items[0].State)
	assert.Equal(t, 1, snap.Counts[lifecycle.StatePendingSlack])
}

func TestHandleSubmit(t *testing.T) {
	t.Run("queues the incident", func(t *testing.T) {
		ctrl := &mockController{}
		ctrl.On("Submit", mock.Anything, sampleIncident()).Return(lifecycle.Item{ID: "INC-3001", State: lifecycle.StateDetected}, nil)
		s := setupTestServer(t, nil, ctrl, "")

		rec := doJSON(t, s, http.MethodPost, "/api/v1/incidents", sampleIncident())
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("conflicts on duplicate id", func(t *testing.T) {
		ctrl := &mockController{}
		ctrl.On("Submit", mock.Anything, mock.Anything).Return(lifecycle.Item{}, lifecycle.ErrDuplicate)
		s := setupTestServer(t, nil, ctrl, "")

		rec := doJSON(t, s, http.MethodPost, "/api/v1/incidents", sampleIncident())
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unavailable without a controller", func(t *testing.T) {
		s := setupTestServer(t, nil, nil, "")
		rec := doJSON(t, s, http.MethodPost, "/api/v1/incidents", sampleIncident())
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHandleSignal(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		intent   lifecycle.Intent
		outcome  lifecycle.Outcome
		err      error
		wantCode int
	}{
		{name: "approval", text: "approved, go ahead", intent: lifecycle.IntentApprove, outcome: lifecycle.OutcomeApproved, wantCode: http.StatusOK},
		{name: "override", text: "FORCE_OVERRIDE", intent: lifecycle.IntentOverride, outcome: lifecycle.OutcomeApproved, wantCode: http.StatusOK},
		{name: "refused", text: "yes", intent: lifecycle.IntentApprove, outcome: lifecycle.OutcomeRefused, wantCode: http.StatusOK},
		{name: "unknown incident", text: "ok", intent: lifecycle.IntentApprove, err: lifecycle.ErrNotFound, wantCode: http.StatusNotFound},
		{name: "not pending", text: "ok", intent: lifecycle.IntentApprove, err: lifecycle.ErrNotPending, wantCode: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &mockController{}
			ctrl.On("Signal", mock.Anything, "INC-1001", tt.intent).Return(tt.outcome, tt.err)
			s := setupTestServer(t, nil, ctrl, "")

			rec := doJSON(t, s, http.MethodPost, "/api/v1/incidents/INC-1001/signal", SignalRequest{Text: tt.text})

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusOK {
				var resp SignalResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, string(tt.outcome), resp.Outcome)
				assert.Equal(t, tt.intent.String(), resp.Intent)
			}
			ctrl.AssertExpectations(t)
		})
	}

	t.Run("text without a command is rejected", func(t *testing.T) {
		ctrl := &mockController{}
		s := setupTestServer(t, nil, ctrl, "")

		rec := doJSON(t, s, http.MethodPost, "/api/v1/incidents/INC-1001/signal", SignalRequest{Text: "looking into it"})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.True(t, strings.Contains(rec.Body.String(), "no approval or override"))
		ctrl.AssertNotCalled(t, "Signal", mock.Anything, mock.Anything, mock.Anything)
	})
}
