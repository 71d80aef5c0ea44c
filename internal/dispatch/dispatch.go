// Package dispatch delivers gate decisions once the pipeline has ruled.
//
// A decision goes to a Kibana workflow when one is configured, falling
// back to the chat-ops webhook. Every decision is also indexed as a
// workflow event and an action execution for dashboards, blocked
// decisions page the external escalation webhook, and all of them are
// published on the event bus.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triagegate/internal/config"
	"github.com/fyrsmithlabs/triagegate/internal/evidence"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
	"github.com/fyrsmithlabs/triagegate/internal/notify"
)

// Delivery channel labels.
const (
	ChannelKibanaWorkflow  = "kibana_workflow"
	ChannelWebhookFallback = "webhook_fallback"
	ChannelNone            = "none"
)

const (
	actionExecute    = "execute_action"
	actionEscalation = "escalation_ticket"
)

// Notifier is the chat-ops side of delivery.
type Notifier interface {
	HasWebhook() bool
	PostDecision(ctx context.Context, p incident.DecisionPayload) (incident.Delivery, error)
	SendAdminSummary(ctx context.Context, p incident.DecisionPayload) *incident.Delivery
	SendUrgentDM(ctx context.Context, p incident.DecisionPayload) *incident.Delivery
}

// Indexer stores dashboard documents.
type Indexer interface {
	IndexDocument(ctx context.Context, index string, doc map[string]any, id string) (string, error)
}

// Publisher announces decisions on the event bus.
type Publisher interface {
	PublishDecision(runID string, p incident.DecisionPayload) error
}

// Options configures a Dispatcher. Every collaborator is optional.
type Options struct {
	KibanaURL     string
	APIKey        config.Secret
	WorkflowID    string
	EscalationURL string
	Notifier      Notifier
	Indexer       Indexer
	Publisher     Publisher
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// Dispatcher implements pipeline.Dispatcher.
type Dispatcher struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	opts.KibanaURL = strings.TrimRight(opts.KibanaURL, "/")
	return &Dispatcher{opts: opts, logger: logger, now: time.Now}
}

// Dispatch delivers one decision. Failures are reported in the outcome
// and the trace.
func (d *Dispatcher) Dispatch(ctx context.Context, runID string, inc incident.Incident, gate incident.GateDecision,
	stress incident.StressResult, executionMode string, trace *incident.Trace) incident.WorkflowOutcome {
	payload := incident.NewDecisionPayload(inc, gate, stress, executionMode)

	out := d.trigger(ctx, payload)
	trace.Record("workflow", "trigger", map[string]any{"status": out.Status, "channel": out.Channel})
	if out.Status == incident.StatusFailed {
		d.logger.Warn("decision delivery failed",
			zap.String("incident_id", inc.ID), zap.String("channel", out.Channel), zap.String("error", out.Error))
	}

	if d.opts.Indexer != nil {
		d.index(ctx, payload, trace)
	}
	if !gate.Executes() {
		out.ExternalEscalation = d.escalate(ctx, payload, trace)
	}
	if d.opts.Publisher != nil {
		if err := d.opts.Publisher.PublishDecision(runID, payload); err != nil {
			d.logger.Warn("decision event not published", zap.String("run_id", runID), zap.Error(err))
			trace.Record("events", "publish_decision", map[string]any{"status": "error", "error": err.Error()})
		} else {
			out.EventPublished = true
			trace.Record("events", "publish_decision", map[string]any{"status": "ok"})
		}
	}
	return out
}

// Notify delivers p to the configured workflow or webhook without
// indexing or escalating. The lifecycle controller uses it for decisions
// overridden by a human.
func (d *Dispatcher) Notify(ctx context.Context, p incident.DecisionPayload) incident.WorkflowOutcome {
	return d.trigger(ctx, p)
}

func (d *Dispatcher) trigger(ctx context.Context, p incident.DecisionPayload) incident.WorkflowOutcome {
	hasWebhook := d.opts.Notifier != nil && d.opts.Notifier.HasWebhook()

	if d.opts.WorkflowID != "" {
		resp, err := d.executeWorkflow(ctx, p)
		if err == nil {
			return incident.WorkflowOutcome{Delivery: incident.Delivery{
				Status: incident.StatusTriggered, Channel: ChannelKibanaWorkflow, Response: resp,
			}}
		}
		if !hasWebhook {
			return incident.WorkflowOutcome{Delivery: incident.Delivery{
				Status: incident.StatusFailed, Channel: ChannelKibanaWorkflow, Error: err.Error(),
			}}
		}
		del, werr := d.opts.Notifier.PostDecision(ctx, p)
		if werr != nil {
			return incident.WorkflowOutcome{Delivery: incident.Delivery{
				Status: incident.StatusFailed, Channel: ChannelNone, Error: fmt.Sprintf("%v; webhook: %v", err, werr),
			}}
		}
		del.Channel = ChannelWebhookFallback
		del.Warning = "Kibana workflow failed: " + err.Error()
		return incident.WorkflowOutcome{Delivery: del}
	}

	if hasWebhook {
		del, err := d.opts.Notifier.PostDecision(ctx, p)
		if err != nil {
			return incident.WorkflowOutcome{Delivery: incident.Delivery{
				Status: incident.StatusFailed, Channel: notify.ChannelWebhook, Error: err.Error(),
			}}
		}
		return incident.WorkflowOutcome{
			Delivery:      del,
			AdminDelivery: d.opts.Notifier.SendAdminSummary(ctx, p),
			UrgentDM:      d.opts.Notifier.SendUrgentDM(ctx, p),
		}
	}

	return incident.WorkflowOutcome{Delivery: incident.Delivery{
		Status: incident.StatusSkipped, Channel: ChannelNone, Reason: "No WORKFLOW_ID or WORKFLOW_WEBHOOK_URL configured",
	}}
}

func (d *Dispatcher) executeWorkflow(ctx context.Context, p incident.DecisionPayload) (string, error) {
	if d.opts.KibanaURL == "" {
		return "", fmt.Errorf("KIBANA_URL is not configured")
	}
	url := fmt.Sprintf("%s/api/workflows/%s/_execute", d.opts.KibanaURL, d.opts.WorkflowID)
	header := http.Header{
		"Authorization": {d.opts.APIKey.APIKeyHeader()},
		"Kbn-Xsrf":      {"true"},
	}
	_, resp, err := notify.PostJSON(ctx, d.opts.HTTPClient, url, p, header)
	return resp, err
}

func (d *Dispatcher) index(ctx context.Context, p incident.DecisionPayload, trace *incident.Trace) {
	if _, err := d.opts.Indexer.IndexDocument(ctx, evidence.IndexWorkflowEvents, p.Map(), ""); err != nil {
		trace.Record("search", "index_workflow_event", map[string]any{"status": "error", "error": err.Error()})
	} else {
		trace.Record("search", "index_workflow_event", map[string]any{"status": "ok"})
	}

	actionType := actionEscalation
	if p.Decision == incident.DecisionExecute {
		actionType = actionExecute
	}
	doc := map[string]any{
		"incident_id":           p.IncidentID,
		"service":               p.Service,
		"severity":              string(p.Severity),
		"decision":              string(p.Decision),
		"execution_mode":        p.ExecutionMode,
		"reasons":               p.Map()["reasons"],
		"confidence_delta":      p.ConfidenceDelta,
		"disagreement_detected": p.DisagreementDetected,
		"arbiter_resolution":    string(p.ArbiterResolution),
		"action_type":           actionType,
	}
	id, err := d.opts.Indexer.IndexDocument(ctx, evidence.IndexActionExecutions, doc, "")
	if err != nil {
		trace.Record("action", "index_action_execution", map[string]any{"status": "error", "error": err.Error()})
		return
	}
	trace.Record("action", "index_action_execution", map[string]any{"status": "ok", "action_type": actionType, "id": id})
}

type escalationRequest struct {
	IncidentID        string                     `json:"incident_id"`
	Service           string                     `json:"service"`
	Severity          incident.Severity          `json:"severity"`
	Decision          incident.Decision          `json:"decision"`
	ExecutionMode     string                     `json:"execution_mode"`
	Reasons           []string                   `json:"reasons"`
	ArbiterResolution incident.ArbiterResolution `json:"arbiter_resolution"`
	RequestedAt       time.Time                  `json:"requested_at"`
}

func (d *Dispatcher) escalate(ctx context.Context, p incident.DecisionPayload, trace *incident.Trace) *incident.Delivery {
	if d.opts.EscalationURL == "" {
		return &incident.Delivery{Status: incident.StatusSkipped, Reason: "ESCALATION_WEBHOOK_URL not configured"}
	}
	req := escalationRequest{
		IncidentID:        p.IncidentID,
		Service:           p.Service,
		Severity:          p.Severity,
		Decision:          p.Decision,
		ExecutionMode:     p.ExecutionMode,
		Reasons:           p.Reasons,
		ArbiterResolution: p.ArbiterResolution,
		RequestedAt:       d.now().UTC(),
	}
	status, resp, err := notify.PostJSON(ctx, d.opts.HTTPClient, d.opts.EscalationURL, req, nil)
	if err != nil {
		details := map[string]any{"status": "error", "error": err.Error()}
		if status != 0 {
			details["code"] = status
		}
		trace.Record("action", "external_escalation_webhook", details)
		return &incident.Delivery{Status: incident.StatusFailed, HTTPStatus: status, Error: err.Error()}
	}
	trace.Record("action", "external_escalation_webhook", map[string]any{"status": "ok", "http_status": status})
	return &incident.Delivery{Status: incident.StatusTriggered, HTTPStatus: status, Response: resp}
}
