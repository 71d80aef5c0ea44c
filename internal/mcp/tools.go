package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triagegate/internal/audit"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
	"github.com/fyrsmithlabs/triagegate/internal/pipeline"
	"github.com/fyrsmithlabs/triagegate/internal/reliability"
)

var toolCatalog = []*ToolMetadata{
	{
		Name:        "triage_run",
		Description: "Run an incident through planning, adversarial verification, context selection and the safety gate",
		Category:    CategoryTriage,
		Keywords:    []string{"incident", "plan", "remediate", "verify"},
	},
	{
		Name:        "gate_evaluate",
		Description: "Rule on an existing plan and verifier result without calling the agent",
		Category:    CategoryGate,
		Keywords:    []string{"decision", "escalate", "execute", "replay"},
	},
	{
		Name:        "reliability_profile",
		Description: "Show the model reliability profile the pipeline was started with",
		Category:    CategoryReliability,
		Keywords:    []string{"cdct", "ddft", "eect", "model"},
	},
	{
		Name:        "metrics_summary",
		Description: "Aggregate recorded runs into escalation and auto-execute rates",
		Category:    CategoryMetrics,
		Keywords:    []string{"audit", "rates", "summary"},
	},
	{
		Name:        "tool_search",
		Description: "Search the available tools by name, description or keyword",
		Category:    CategorySearch,
		Keywords:    []string{"discover", "find"},
	},
}

func (s *Server) registerTools() error {
	for _, tool := range toolCatalog {
		if err := s.toolRegistry.Register(tool); err != nil {
			return err
		}
	}
	s.registerTriageTools()
	s.registerInfoTools()
	s.registerSearchTools()
	return nil
}

func (s *Server) describe(name string) string {
	if tool, ok := s.toolRegistry.Get(name); ok {
		return tool.Description
	}
	return ""
}

// instrument wraps a typed tool handler with invocation metrics.
func instrument[In, Out any](s *Server, name string, fn func(context.Context, In) (Out, error)) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		done := s.metrics.start(ctx, name)
		out, err := fn(ctx, args)
		done(err)
		if err != nil {
			s.logger.Warn("tool failed", zap.String("tool", name), zap.Error(err))
		}
		return nil, out, err
	}
}

// ===== TRIAGE TOOLS =====

type triageRunInput struct {
	Incident incident.Incident `json:"incident" jsonschema:"Incident to triage: id, service, severity (low, medium, high, critical), summary, symptoms"`
}

type triageRunOutput struct {
	RunID           string                     `json:"run_id" jsonschema:"Run identifier recorded in the audit log"`
	IncidentID      string                     `json:"incident_id"`
	ProposedAction  string                     `json:"proposed_action" jsonschema:"Planner's action"`
	Decision        incident.Decision          `json:"decision" jsonschema:"execute or block_and_escalate"`
	ExecutionMode   string                     `json:"execution_mode" jsonschema:"Action executed, or escalate_to_human"`
	ConfidenceFinal float64                    `json:"confidence_final"`
	Reasons         []string                   `json:"reasons" jsonschema:"Why the gate ruled as it did"`
	ContextMode     incident.ContextMode       `json:"context_mode"`
	Workflow        string                     `json:"workflow_status" jsonschema:"Status of the downstream workflow trigger"`
	Arbiter         incident.ArbiterResolution `json:"arbiter_resolution"`
}

type gateEvaluateInput struct {
	Incident incident.Incident     `json:"incident"`
	Plan     incident.Plan         `json:"plan" jsonschema:"Planner output with key claims"`
	Stress   incident.StressResult `json:"stress" jsonschema:"Verifier output; claim_evidence is index-aligned with plan.key_claims"`
	// Nil uses the server's reliability profile.
	UCurveMagnitude *float64 `json:"u_curve_magnitude,omitempty" jsonschema:"Compression sensitivity; defaults to the loaded profile"`
}

type gateEvaluateOutput struct {
	Compress incident.ContextDecision `json:"compress"`
	Gate     incident.GateDecision    `json:"gate"`
}

func (s *Server) registerTriageTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "triage_run",
		Description: s.describe("triage_run"),
	}, instrument(s, "triage_run", func(ctx context.Context, args triageRunInput) (triageRunOutput, error) {
		if err := args.Incident.Validate(); err != nil {
			return triageRunOutput{}, err
		}
		rec, err := s.runner.Run(ctx, args.Incident)
		if err != nil {
			return triageRunOutput{}, fmt.Errorf("triage run for %s: %w", args.Incident.ID, err)
		}
		s.metrics.decision(ctx, "triage_run", rec.Gate.Decision)
		return triageRunOutput{
			RunID:           rec.RunID,
			IncidentID:      rec.IncidentID,
			ProposedAction:  rec.Plan.ProposedAction,
			Decision:        rec.Gate.Decision,
			ExecutionMode:   rec.ExecutionMode,
			ConfidenceFinal: rec.Gate.ConfidenceFinal,
			Reasons:         rec.Gate.Reasons,
			ContextMode:     rec.Compress.ContextMode,
			Workflow:        rec.Workflow.Status,
			Arbiter:         rec.Gate.ArbiterResolution,
		}, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "gate_evaluate",
		Description: s.describe("gate_evaluate"),
	}, instrument(s, "gate_evaluate", func(ctx context.Context, args gateEvaluateInput) (gateEvaluateOutput, error) {
		if n, m := len(args.Stress.ClaimEvidence), len(args.Plan.KeyClaims); n != m {
			return gateEvaluateOutput{}, fmt.Errorf("%w: claim_evidence has %d entries for %d key claims", errMisalignedEvidence, n, m)
		}
		uCurve := s.profile.UCurveMagnitude
		if args.UCurveMagnitude != nil {
			uCurve = *args.UCurveMagnitude
		}
		cd := pipeline.Compress(args.Incident, args.Plan, args.Stress, uCurve)
		gate := pipeline.Gate(args.Plan, args.Stress, cd)
		s.metrics.decision(ctx, "gate_evaluate", gate.Decision)
		return gateEvaluateOutput{Compress: cd, Gate: gate}, nil
	}))
}

// ===== INFO TOOLS =====

type emptyInput struct{}

func (s *Server) registerInfoTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "reliability_profile",
		Description: s.describe("reliability_profile"),
	}, instrument(s, "reliability_profile", func(context.Context, emptyInput) (reliability.Profile, error) {
		return s.profile, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "metrics_summary",
		Description: s.describe("metrics_summary"),
	}, instrument(s, "metrics_summary", func(context.Context, emptyInput) (audit.Summary, error) {
		if s.auditDir == "" {
			return audit.Summary{}, errNoAuditDir
		}
		return audit.SummarizeDir(s.auditDir)
	}))
}

// ===== TOOL SEARCH =====

type toolSearchInput struct {
	Query string `json:"query" jsonschema:"Substring or regular expression matched against tool names, descriptions and keywords"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 5)"`
}

type toolSearchOutput struct {
	Query      string          `json:"query"`
	Results    []*SearchResult `json:"results"`
	TotalTools int             `json:"total_tools"`
}

func (s *Server) registerSearchTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "tool_search",
		Description: s.describe("tool_search"),
	}, instrument(s, "tool_search", func(_ context.Context, args toolSearchInput) (toolSearchOutput, error) {
		if args.Query == "" {
			return toolSearchOutput{}, errEmptyQuery
		}
		limit := args.Limit
		if limit <= 0 {
			limit = 5
		}
		results := s.toolRegistry.Search(args.Query)
		if len(results) > limit {
			results = results[:limit]
		}
		if results == nil {
			results = []*SearchResult{}
		}
		return toolSearchOutput{Query: args.Query, Results: results, TotalTools: s.toolRegistry.Count()}, nil
	}))
}
