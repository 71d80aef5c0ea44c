package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triagegate/internal/agent"
	"github.com/fyrsmithlabs/triagegate/internal/evidence"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

// PausePosition replaces the plan when the verifier finds hard evidence
// against it.
const PausePosition = "pause_and_request_dba_approval"

const (
	verifierTopK = 3
	// contradictionPenalty is the confidence cost of one verified
	// contradiction before CI scaling.
	contradictionPenalty = 0.9
	// pausePenalty is the extra confidence cost of pausing the plan.
	pausePenalty  = 1.5
	minConfidence = 1.0
)

// PolicyCheckUnavailable stands in for the policy conflicts of a run whose
// policy check failed, so the plan is never executed unchecked.
const PolicyCheckUnavailable = "policy_check_unavailable"

const stressPrompt = `Role: SRE Verifier. You have tools to search evidence and check policy conflicts.
Incident: %s
Proposed plan:
  Action: %s
  Key claims: %s
Live telemetry: %s

Task: For each claim, use search_evidence to find supporting and contradicting docs.
Also use check_policy_conflicts to check action '%s' for service '%s'.
Also use query_live_logs to get current error telemetry as ground truth.

Return STRICT JSON only:
{
  "claim_results": [{"claim": "...", "support_count": N, "contradiction_count": N, "verified_contradiction": true|false}],
  "policy_conflicts": ["..."],
  "fabricated_authority_rejected": true|false,
  "confidence_post_stress": <float>,
  "position_after_stress": "..."
}`

// findings is what either verifier mode gathered before scoring.
type findings struct {
	evidence           []incident.ClaimEvidence
	contradictions     int
	policyConflicts    []string
	fabricatedRejected bool
	hasConfidence      bool
	confidence         float64
	position           string
}

// Stress challenges plan with evidence. The result carries exactly one
// ClaimEvidence per key claim, in order.
func (p *Pipeline) Stress(ctx context.Context, inc incident.Incident, plan incident.Plan, trace *incident.Trace) (incident.StressResult, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.stress")
	defer span.End()
	span.SetAttributes(attribute.String("incident.id", inc.ID))

	var (
		f   findings
		err error
	)
	if p.Offline() {
		f, err = p.stressOffline(ctx, inc, plan, trace)
		if err != nil {
			return incident.StressResult{}, err
		}
	} else {
		f = p.stressWithAgent(ctx, inc, plan, trace)
	}
	res := p.score(inc, plan, f)
	span.SetAttributes(
		attribute.Int("contradictions", res.ContradictionCount),
		attribute.Int("policy_conflicts", len(res.PolicyConflicts)),
	)
	return res, nil
}

// score turns findings into a StressResult. Each verified contradiction
// costs confidence, scaled up for models with low consistency.
func (p *Pipeline) score(inc incident.Incident, plan incident.Plan, f findings) incident.StressResult {
	ciFactor := 1.0
	if ci := p.profile.CI; ci > 0 {
		ciFactor = 2 - ci
	}
	penalty := contradictionPenalty * float64(f.contradictions) * ciFactor

	base := plan.ConfidenceInitial
	if f.hasConfidence {
		base = f.confidence
	}
	post := math.Max(minConfidence, base-penalty)

	position := f.position
	if position == "" {
		position = plan.ProposedAction
	}
	if len(f.policyConflicts) > 0 || f.contradictions >= HardContradictionCount {
		position = PausePosition
		post = math.Max(minConfidence, post-pausePenalty)
	}

	integrated := 0
	for _, ev := range f.evidence {
		if ev.HasEvidence() {
			integrated++
		}
	}
	iq := math.Min(1, float64(integrated)/float64(max(len(plan.KeyClaims), 1)))

	conflicts := f.policyConflicts
	if conflicts == nil {
		conflicts = []string{}
	}
	return incident.StressResult{
		IncidentID:                  inc.ID,
		ClaimEvidence:               f.evidence,
		ContradictionCount:          f.contradictions,
		PolicyConflicts:             conflicts,
		FabricatedAuthorityRejected: f.fabricatedRejected,
		ConfidencePostStress:        round(post, 2),
		PositionAfterStress:         position,
		IntegrationQuality:          iq,
	}
}

func (p *Pipeline) stressWithAgent(ctx context.Context, inc incident.Incident, plan incident.Plan, trace *incident.Trace) findings {
	payload, _ := json.Marshal(inc)
	claims, _ := json.Marshal(plan.KeyClaims)
	prompt := fmt.Sprintf(stressPrompt, payload, plan.ProposedAction, claims,
		p.liveLogs(ctx, trace), plan.ProposedAction, inc.Service)

	report := agent.ParseVerifierReport(p.converse(ctx, prompt, trace))
	trace.Record("agent_builder", "agentic_stress", map[string]any{
		"service": inc.Service,
		"parsed":  report.Kind == agent.KindParsed,
	})

	f := findings{
		evidence:           make([]incident.ClaimEvidence, len(plan.KeyClaims)),
		policyConflicts:    report.PolicyConflicts,
		fabricatedRejected: report.FabricatedAuthorityRejected,
		hasConfidence:      report.HasConfidence,
		confidence:         report.Confidence,
		position:           report.Position,
	}
	for i, claim := range plan.KeyClaims {
		cr := report.ClaimResult(i)
		ev := incident.ClaimEvidence{Claim: claim, SupportDocs: []string{}, ContradictionDocs: []string{}}
		for j := 0; j < cr.SupportCount; j++ {
			ev.SupportDocs = append(ev.SupportDocs, fmt.Sprintf("agent:support_%d", j))
		}
		if cr.VerifiedContradiction {
			for j := 0; j < cr.ContradictionCount; j++ {
				ev.ContradictionDocs = append(ev.ContradictionDocs, fmt.Sprintf("agent:contra_%d", j))
			}
			f.contradictions++
		}
		f.evidence[i] = ev
	}

	// Policy matches found directly are authoritative even when the agent
	// missed them.
	direct, err := p.evidence.PolicyConflicts(ctx, inc.Service, plan.ProposedAction, string(inc.Severity))
	if err != nil {
		p.logger.Warn("direct policy check failed", zap.String("incident_id", inc.ID), zap.Error(err))
		trace.Record("search", "check_policy_conflicts", map[string]any{"status": "error", "error": err.Error()})
		return f
	}
	trace.Record("search", "check_policy_conflicts", map[string]any{"status": "ok", "conflicts": len(direct)})
	f.policyConflicts = union(f.policyConflicts, direct)
	return f
}

// stressOffline checks every claim against runbooks and request logs for
// support, and against past incidents where the proposed action failed for
// contradictions. A claim with any contradicting incident counts as one
// verified contradiction. A failed search leaves that claim's lists empty
// and a failed policy check blocks the plan; only cancellation is an error.
func (p *Pipeline) stressOffline(ctx context.Context, inc incident.Incident, plan incident.Plan, trace *incident.Trace) (findings, error) {
	f := findings{
		evidence:           make([]incident.ClaimEvidence, len(plan.KeyClaims)),
		fabricatedRejected: true,
	}
	contraFilter := map[string]any{"failed_action": plan.ProposedAction}
	if inc.Service != "" {
		contraFilter["service"] = inc.Service
	}

	for i, claim := range plan.KeyClaims {
		ev := incident.ClaimEvidence{Claim: claim, SupportDocs: []string{}, ContradictionDocs: []string{}}

		support, err := p.evidence.Search(ctx, evidence.IndexRunbooks, claim, verifierTopK, serviceFilter(inc.Service))
		if err != nil {
			if ctx.Err() != nil {
				return findings{}, fmt.Errorf("search support for claim %d: %w", i, ctx.Err())
			}
			p.claimSearchFailed(inc, "search_support", i, err, trace)
		}
		for _, h := range support {
			ev.SupportDocs = append(ev.SupportDocs, h.ID)
		}
		if p.logs != nil {
			refs, err := p.logs.LogSignalDocs(ctx, claim, verifierTopK)
			if err != nil {
				p.logger.Warn("log signal search failed", zap.String("incident_id", inc.ID), zap.Error(err))
			}
			ev.SupportDocs = append(ev.SupportDocs, refs...)
		}

		contra, err := p.evidence.Search(ctx, evidence.IndexIncidents, claim, verifierTopK, contraFilter)
		if err != nil {
			if ctx.Err() != nil {
				return findings{}, fmt.Errorf("search contradictions for claim %d: %w", i, ctx.Err())
			}
			p.claimSearchFailed(inc, "search_contradictions", i, err, trace)
		}
		for _, h := range contra {
			ev.ContradictionDocs = append(ev.ContradictionDocs, h.ID)
		}
		if len(ev.ContradictionDocs) > 0 {
			f.contradictions++
		}
		f.evidence[i] = ev
	}
	trace.Record("search", "search_evidence", map[string]any{
		"status": "ok", "claims": len(plan.KeyClaims), "contradictions": f.contradictions,
	})

	conflicts, err := p.evidence.PolicyConflicts(ctx, inc.Service, plan.ProposedAction, string(inc.Severity))
	if err != nil {
		if ctx.Err() != nil {
			return findings{}, fmt.Errorf("check policy conflicts: %w", ctx.Err())
		}
		p.logger.Warn("policy check failed, escalating", zap.String("incident_id", inc.ID), zap.Error(err))
		trace.Record("search", "check_policy_conflicts", map[string]any{"status": "error", "error": err.Error()})
		f.policyConflicts = []string{PolicyCheckUnavailable}
		return f, nil
	}
	trace.Record("search", "check_policy_conflicts", map[string]any{"status": "ok", "conflicts": len(conflicts)})
	f.policyConflicts = conflicts
	return f, nil
}

// claimSearchFailed records a retrieval failure for one claim. The claim
// keeps whatever evidence the other searches found.
func (p *Pipeline) claimSearchFailed(inc incident.Incident, op string, claim int, err error, trace *incident.Trace) {
	p.logger.Warn("claim evidence search failed",
		zap.String("incident_id", inc.ID), zap.String("operation", op), zap.Int("claim", claim), zap.Error(err))
	trace.Record("search", op, map[string]any{"status": "error", "claim": claim, "error": err.Error()})
}

// liveLogs summarizes current request errors for the verifier prompt.
func (p *Pipeline) liveLogs(ctx context.Context, trace *incident.Trace) string {
	if p.logs == nil {
		return "LOG_DATA: Unavailable (no log source)"
	}
	stats, err := p.logs.LogStats(ctx)
	if err != nil {
		trace.Record("search", "query_live_logs", map[string]any{"status": "error", "error": err.Error()})
		return fmt.Sprintf("LOG_DATA: Unavailable (%v)", err)
	}
	trace.Record("search", "query_live_logs", map[string]any{"status": "ok"})
	return fmt.Sprintf("LOG_DATA: Total 4xx/5xx errors: %d, Avg bytes: %g", stats.ErrorCount, round(stats.AvgBytes, 2))
}

// union appends the elements of b missing from a, keeping order.
func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, s := range b {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
