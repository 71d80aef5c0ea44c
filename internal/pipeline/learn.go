package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triagegate/internal/agent"
	"github.com/fyrsmithlabs/triagegate/internal/evidence"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

// Learning statuses.
const (
	LearnLearned = "learned"
	LearnSkipped = "skipped"
)

// SourceAgentLearning marks runbooks written by Learn.
const SourceAgentLearning = "agent_learning"

// LearnResult reports whether a resolution became a runbook entry.
type LearnResult struct {
	Status string         `json:"status"`
	ID     string         `json:"id,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Entry  map[string]any `json:"entry,omitempty"`
}

const learnPrompt = `Role: Senior SRE.
Task: Create a reusable runbook entry from this successful resolution.
Incident: %s
Resolution: %s

Return STRICT JSON with these keys:
{
  "title": "Short descriptive title",
  "service": "%s",
  "recommended_action": "The exact action taken",
  "body": "Detailed technical explanation of why this works.",
  "source": "agent_learning"
}`

// Learn turns a successful resolution into a runbook entry and indexes it
// so later plans can retrieve it. action is the remediation that resolved
// the incident; it is used directly when no agent is configured.
func (p *Pipeline) Learn(ctx context.Context, inc incident.Incident, action, resolution string, trace *incident.Trace) (LearnResult, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.learn")
	defer span.End()

	service := inc.Service
	if service == "" {
		service = "unknown"
	}

	var entry map[string]any
	if p.Offline() {
		entry = map[string]any{
			"title":              fmt.Sprintf("%s: %s", service, inc.Summary),
			"service":            service,
			"recommended_action": action,
			"body":               resolution,
			"source":             SourceAgentLearning,
		}
	} else {
		payload, _ := json.Marshal(inc)
		entry = agent.ParseJSON(p.converse(ctx, fmt.Sprintf(learnPrompt, payload, resolution, service), trace))
	}

	if agent.AsString(entry["title"]) == "" || agent.AsString(entry["recommended_action"]) == "" {
		return LearnResult{Status: LearnSkipped, Reason: "invalid_entry"}, nil
	}
	if _, ok := entry["source"]; !ok {
		entry["source"] = SourceAgentLearning
	}

	id, err := p.evidence.IndexDocument(ctx, evidence.IndexRunbooks, entry, "")
	if err != nil {
		trace.Record("learning", "index_runbook", map[string]any{"status": "error", "error": err.Error()})
		span.RecordError(err)
		return LearnResult{Status: LearnSkipped, Reason: "index_failed"}, fmt.Errorf("index learned runbook: %w", err)
	}
	trace.Record("learning", "index_runbook", map[string]any{"status": "ok", "id": id})
	p.logger.Info("learned runbook from resolution",
		zap.String("incident_id", inc.ID), zap.String("runbook_id", id))
	return LearnResult{Status: LearnLearned, ID: id, Entry: entry}, nil
}

const refusalPrompt = `Role: Safety Governor AI.
Task: Refuse a human operator's request to execute a dangerous action.
Incident: %s - %s
Risk Factors: %s

Write a concise, professional Slack response (max 2 sentences) explaining why you are blocking this action to prevent a system outage. Be firm but helpful.`

// RefusalExplanation explains why an approval is being refused. It falls
// back to a fixed explanation when the agent is unavailable or silent.
func (p *Pipeline) RefusalExplanation(ctx context.Context, inc incident.Incident, reasons []string, trace *incident.Trace) string {
	risks := strings.Join(reasons, ", ")
	if !p.Offline() {
		msg := strings.TrimSpace(p.converse(ctx, fmt.Sprintf(refusalPrompt, inc.ID, inc.Summary, risks), trace))
		if msg != "" {
			return msg
		}
	}
	if risks == "" {
		risks = "confidence is below the safety threshold"
	}
	return fmt.Sprintf("Blocking remediation for %s to prevent an outage. Risk factors: %s.", inc.ID, risks)
}
