package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/triagegate/internal/config"
	"github.com/fyrsmithlabs/triagegate/internal/evidence"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
	"github.com/fyrsmithlabs/triagegate/internal/notify"
)

type fakePublisher struct {
	runIDs []string
	err    error
}

func (f *fakePublisher) PublishDecision(runID string, _ incident.DecisionPayload) error {
	f.runIDs = append(f.runIDs, runID)
	return f.err
}

func server(t *testing.T, status int, hits *atomic.Int32, check func(*http.Request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if check != nil {
			check(r)
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func blocked() (incident.Incident, incident.GateDecision, incident.StressResult) {
	inc := incident.Incident{ID: "INC-9", Service: "payment-service", Severity: incident.SeverityHigh}
	gate := incident.GateDecision{
		IncidentID:        inc.ID,
		InitialPosition:   "restart_service",
		FinalPosition:     "pause_and_request_dba_approval",
		Decision:          incident.DecisionBlockAndEscalate,
		Reasons:           []string{"Contradictions found in evidence"},
		ArbiterResolution: incident.ArbiterEscalateToHuman,
	}
	stress := incident.StressResult{
		ClaimEvidence:   []incident.ClaimEvidence{{Claim: "c", SupportDocs: []string{"rb-1"}, ContradictionDocs: []string{"inc-1", "inc-2"}}},
		PolicyConflicts: []string{},
	}
	return inc, gate, stress
}

func executed() (incident.Incident, incident.GateDecision, incident.StressResult) {
	inc, gate, stress := blocked()
	gate.Decision = incident.DecisionExecute
	gate.FinalPosition = gate.InitialPosition
	stress.ClaimEvidence[0].ContradictionDocs = []string{}
	return inc, gate, stress
}

func TestDispatch_NothingConfigured(t *testing.T) {
	d := New(Options{})
	inc, gate, stress := executed()
	trace := incident.NewTrace()

	out := d.Dispatch(context.Background(), "run-1", inc, gate, stress, "restart_service", trace)
	assert.Equal(t, incident.StatusSkipped, out.Status)
	assert.Equal(t, ChannelNone, out.Channel)
	assert.Equal(t, "No WORKFLOW_ID or WORKFLOW_WEBHOOK_URL configured", out.Reason)
	assert.Nil(t, out.ExternalEscalation)
	assert.False(t, out.EventPublished)

	calls := trace.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "trigger", calls[0].Operation)
}

func TestDispatch_KibanaWorkflow(t *testing.T) {
	var got incident.DecisionPayload
	url := server(t, http.StatusOK, nil, func(r *http.Request) {
		assert.Equal(t, "/api/workflows/wf-1/_execute", r.URL.Path)
		assert.Equal(t, "ApiKey k", r.Header.Get("Authorization"))
		assert.Equal(t, "true", r.Header.Get("kbn-xsrf"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	})
	d := New(Options{KibanaURL: url + "/", APIKey: config.Secret("k"), WorkflowID: "wf-1"})
	inc, gate, stress := executed()

	out := d.Dispatch(context.Background(), "run-1", inc, gate, stress, "restart_service", incident.NewTrace())
	assert.Equal(t, incident.StatusTriggered, out.Status)
	assert.Equal(t, ChannelKibanaWorkflow, out.Channel)
	assert.Equal(t, "INC-9", got.IncidentID)
	assert.Empty(t, got.UnsafeActionRejected)
}

func TestDispatch_WorkflowFallsBackToWebhook(t *testing.T) {
	kibana := server(t, http.StatusBadRequest, nil, nil)
	var hooks atomic.Int32
	webhook := server(t, http.StatusOK, &hooks, nil)

	d := New(Options{
		KibanaURL:  kibana,
		WorkflowID: "wf-1",
		Notifier:   notify.New(config.SlackConfig{WebhookURL: webhook}, "", nil),
	})
	inc, gate, stress := executed()
	out := d.Dispatch(context.Background(), "run-1", inc, gate, stress, "restart_service", incident.NewTrace())

	assert.Equal(t, incident.StatusTriggered, out.Status)
	assert.Equal(t, ChannelWebhookFallback, out.Channel)
	assert.Contains(t, out.Warning, "Kibana workflow failed: HTTP 400")
	assert.Equal(t, int32(1), hooks.Load())
	assert.Nil(t, out.AdminDelivery)
}

func TestDispatch_WorkflowAndWebhookFail(t *testing.T) {
	kibana := server(t, http.StatusBadRequest, nil, nil)
	webhook := server(t, http.StatusForbidden, nil, nil)
	d := New(Options{
		KibanaURL:  kibana,
		WorkflowID: "wf-1",
		Notifier:   notify.New(config.SlackConfig{WebhookURL: webhook}, "", nil),
	})
	inc, gate, stress := executed()
	out := d.Dispatch(context.Background(), "run-1", inc, gate, stress, "restart_service", incident.NewTrace())
	assert.Equal(t, incident.StatusFailed, out.Status)
	assert.Equal(t, ChannelNone, out.Channel)
	assert.Contains(t, out.Error, "; webhook: HTTP 403")
}

func TestDispatch_WorkflowFailsWithoutWebhook(t *testing.T) {
	d := New(Options{WorkflowID: "wf-1"})
	inc, gate, stress := executed()
	out := d.Dispatch(context.Background(), "run-1", inc, gate, stress, "restart_service", incident.NewTrace())
	assert.Equal(t, incident.StatusFailed, out.Status)
	assert.Equal(t, ChannelKibanaWorkflow, out.Channel)
}

func TestDispatch_WebhookWithAdminSummary(t *testing.T) {
	var hooks atomic.Int32
	webhook := server(t, http.StatusOK, &hooks, nil)
	d := New(Options{Notifier: notify.New(config.SlackConfig{WebhookURL: webhook, UrgentDM: true}, "", nil)})
	inc, gate, stress := blocked()

	out := d.Dispatch(context.Background(), "run-1", inc, gate, stress, incident.ExecutionModeEscalate, incident.NewTrace())
	assert.Equal(t, notify.ChannelWebhook, out.Channel)
	require.NotNil(t, out.AdminDelivery)
	assert.Equal(t, incident.StatusTriggered, out.AdminDelivery.Status)
	require.NotNil(t, out.UrgentDM)
	assert.Equal(t, incident.StatusSkipped, out.UrgentDM.Status)
	assert.Equal(t, int32(2), hooks.Load())
}

func TestDispatch_IndexesDashboardDocuments(t *testing.T) {
	mock := evidence.NewMock(evidence.Documents{}, "")
	d := New(Options{Indexer: mock})
	inc, gate, stress := blocked()
	trace := incident.NewTrace()

	d.Dispatch(context.Background(), "run-1", inc, gate, stress, incident.ExecutionModeEscalate, trace)
	assert.Equal(t, 1, mock.Count(evidence.IndexWorkflowEvents))
	assert.Equal(t, 1, mock.Count(evidence.IndexActionExecutions))

	var ops []string
	for _, c := range trace.Calls() {
		ops = append(ops, c.Operation)
	}
	assert.Equal(t, []string{"trigger", "index_workflow_event", "index_action_execution"}, ops)
	action := trace.Calls()[2].Details
	assert.Equal(t, "escalation_ticket", action["action_type"])
	assert.Equal(t, "ok", action["status"])
}

func TestDispatch_Escalation(t *testing.T) {
	var got map[string]any
	url := server(t, http.StatusAccepted, nil, func(r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	})
	d := New(Options{EscalationURL: url})
	d.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	inc, gate, stress := blocked()
	trace := incident.NewTrace()

	out := d.Dispatch(context.Background(), "run-1", inc, gate, stress, incident.ExecutionModeEscalate, trace)
	require.NotNil(t, out.ExternalEscalation)
	assert.Equal(t, incident.StatusTriggered, out.ExternalEscalation.Status)
	assert.Equal(t, http.StatusAccepted, out.ExternalEscalation.HTTPStatus)
	assert.Equal(t, `{"ok":true}`, out.ExternalEscalation.Response)
	assert.Equal(t, "2026-01-02T03:04:05Z", got["requested_at"])
	assert.Equal(t, "escalate_for_human_approval", got["arbiter_resolution"])

	last := trace.Calls()[len(trace.Calls())-1]
	assert.Equal(t, "external_escalation_webhook", last.Operation)
}

func TestDispatch_EscalationSkippedAndFailed(t *testing.T) {
	inc, gate, stress := blocked()

	out := New(Options{}).Dispatch(context.Background(), "run-1", inc, gate, stress, incident.ExecutionModeEscalate, incident.NewTrace())
	require.NotNil(t, out.ExternalEscalation)
	assert.Equal(t, "ESCALATION_WEBHOOK_URL not configured", out.ExternalEscalation.Reason)

	url := server(t, http.StatusUnauthorized, nil, nil)
	out = New(Options{EscalationURL: url}).Dispatch(context.Background(), "run-1", inc, gate, stress, incident.ExecutionModeEscalate, incident.NewTrace())
	assert.Equal(t, incident.StatusFailed, out.ExternalEscalation.Status)
	assert.Equal(t, http.StatusUnauthorized, out.ExternalEscalation.HTTPStatus)
}

func TestDispatch_PublishesEvent(t *testing.T) {
	pub := &fakePublisher{}
	inc, gate, stress := executed()
	out := New(Options{Publisher: pub}).Dispatch(context.Background(), "run-7", inc, gate, stress, "restart_service", incident.NewTrace())
	assert.True(t, out.EventPublished)
	assert.Equal(t, []string{"run-7"}, pub.runIDs)

	pub.err = errors.New("nats down")
	out = New(Options{Publisher: pub}).Dispatch(context.Background(), "run-8", inc, gate, stress, "restart_service", incident.NewTrace())
	assert.False(t, out.EventPublished)
}
