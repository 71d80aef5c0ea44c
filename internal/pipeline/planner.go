package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triagegate/internal/agent"
	"github.com/fyrsmithlabs/triagegate/internal/evidence"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

// plannerTopK is how many runbooks the offline planner ranks.
const plannerTopK = 3

const planPrompt = `Role: SRE Agent. You have tools available to search runbooks and evidence.
Incident: %s

Task: Use the search_runbooks tool to find relevant runbooks for service '%s'
with problem '%s'. Then propose a remediation plan.

Return STRICT JSON only:
{"proposed_action": "...", "rationale": "...", "key_claims": [...], "confidence_initial": <1-10>}`

// Plan proposes a remediation for inc. The model's ECS, when known, is
// blended into the initial confidence.
func (p *Pipeline) Plan(ctx context.Context, inc incident.Incident, trace *incident.Trace) (incident.Plan, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.plan")
	defer span.End()
	span.SetAttributes(attribute.String("incident.id", inc.ID))

	var (
		proposal agent.ParsedProposal
		ids      []string
		err      error
	)
	if p.Offline() {
		proposal, ids, err = p.planOffline(ctx, inc, trace)
		if err != nil {
			return incident.Plan{}, err
		}
	} else {
		proposal = p.planWithAgent(ctx, inc, trace)
	}
	span.SetAttributes(attribute.String("proposal.kind", proposal.Kind.String()))

	confidence := proposal.Confidence
	if ecs := p.profile.ECS; ecs > 0 {
		confidence = (confidence + ecs/10*8) / 2
	}
	if ids == nil {
		ids = []string{}
	}
	return incident.Plan{
		IncidentID:          inc.ID,
		ProposedAction:      proposal.Action,
		Rationale:           proposal.Rationale,
		KeyClaims:           proposal.KeyClaims,
		ConfidenceInitial:   round(confidence, 2),
		RetrievedContextIDs: ids,
	}, nil
}

func (p *Pipeline) planWithAgent(ctx context.Context, inc incident.Incident, trace *incident.Trace) agent.ParsedProposal {
	payload, _ := json.Marshal(inc)
	raw := p.converse(ctx, fmt.Sprintf(planPrompt, payload, inc.Service, inc.Summary), trace)
	proposal := agent.ParseProposal(raw)
	trace.Record("agent_builder", "agentic_plan", map[string]any{
		"service": inc.Service,
		"parsed":  proposal.Kind == agent.KindParsed,
	})
	return proposal
}

// planOffline proposes the top-ranked runbook's action. Every retrieved
// runbook title becomes a key claim for the verifier to check. A failed
// search yields the fallback proposal; only cancellation is an error.
func (p *Pipeline) planOffline(ctx context.Context, inc incident.Incident, trace *incident.Trace) (agent.ParsedProposal, []string, error) {
	query := strings.TrimSpace(inc.Summary + " " + inc.Symptoms)
	hits, err := p.evidence.Search(ctx, evidence.IndexRunbooks, query, plannerTopK, serviceFilter(inc.Service))
	if err != nil {
		trace.Record("search", "search_runbooks", map[string]any{"status": "error", "error": err.Error()})
		if ctx.Err() != nil {
			return agent.ParsedProposal{}, nil, fmt.Errorf("search runbooks: %w", ctx.Err())
		}
		p.logger.Warn("runbook search failed, using fallback plan", zap.String("incident_id", inc.ID), zap.Error(err))
		return agent.FallbackProposal(), nil, nil
	}
	trace.Record("search", "search_runbooks", map[string]any{"status": "ok", "hits": len(hits)})

	top := -1
	for i, h := range hits {
		if agent.AsString(h.Source["recommended_action"]) != "" {
			top = i
			break
		}
	}
	if top < 0 {
		return agent.FallbackProposal(), nil, nil
	}

	proposal := agent.ParsedProposal{
		Kind:       agent.KindParsed,
		Action:     agent.AsString(hits[top].Source["recommended_action"]),
		Rationale:  agent.AsString(hits[top].Source["title"]),
		Confidence: math.Min(9, 5+4*hits[top].Score),
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
		claim := agent.AsString(h.Source["title"])
		if claim == "" {
			claim = h.ID
		}
		proposal.KeyClaims = append(proposal.KeyClaims, claim)
	}
	return proposal, ids, nil
}

// serviceFilter matches documents for service or for every service.
func serviceFilter(service string) map[string]any {
	if service == "" {
		return nil
	}
	return map[string]any{"service": []string{service, "*"}}
}
