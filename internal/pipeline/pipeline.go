// Package pipeline runs one incident through the four triage stages:
// planning, adversarial verification, context selection and the safety
// gate. It also produces planner-only baseline runs, refusal explanations
// and runbook entries learned from successful resolutions.
//
// With an agent configured every reasoning step is delegated to it. Without
// one the pipeline runs offline: the planner ranks runbooks and the
// verifier cross-checks each claim against past incidents, policies and
// request logs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triagegate/internal/agent"
	"github.com/fyrsmithlabs/triagegate/internal/evidence"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
	"github.com/fyrsmithlabs/triagegate/internal/logging"
	"github.com/fyrsmithlabs/triagegate/internal/reliability"
	"github.com/fyrsmithlabs/triagegate/internal/secrets"
)

const instrumentationName = "github.com/fyrsmithlabs/triagegate/internal/pipeline"

const unknownModel = "unknown"

// ErrNoEvidence is returned by New when no evidence backend is supplied.
var ErrNoEvidence = errors.New("evidence backend is required")

// Recorder persists run outputs.
type Recorder interface {
	RecordRun(ctx context.Context, rec incident.RunRecord, row incident.MetricsRow) error
	RecordBaseline(ctx context.Context, rec incident.BaselineRecord) error
}

// Dispatcher delivers the decision to downstream channels once the gate
// has ruled. Delivery failures are reported in the outcome, never returned.
type Dispatcher interface {
	Dispatch(ctx context.Context, runID string, inc incident.Incident, gate incident.GateDecision,
		stress incident.StressResult, executionMode string, trace *incident.Trace) incident.WorkflowOutcome
}

// Options configures a Pipeline.
type Options struct {
	// Agent is the reasoning backend. Nil runs the pipeline offline.
	Agent agent.Converser
	// Evidence is required.
	Evidence evidence.Backend
	// Logs defaults to Evidence's LogSource when it has one.
	Logs evidence.LogSource
	// Profile is resolved once by the caller and never refetched.
	Profile    reliability.Profile
	Dispatcher Dispatcher
	Recorder   Recorder
	AgentID    string
	// ModelName is reported until the agent reports the model it used.
	ModelName string
	// Scrubber redacts credentials from every agent prompt.
	Scrubber *secrets.Scrubber
	Logger   *zap.Logger
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	agent      agent.Converser
	evidence   evidence.Backend
	logs       evidence.LogSource
	profile    reliability.Profile
	dispatcher Dispatcher
	recorder   Recorder
	agentID    string
	modelName  string
	logger     *zap.Logger

	mu               sync.RWMutex
	runtimeModel     string
	runtimeConnector string

	tracer          trace.Tracer
	meter           metric.Meter
	runCounter      metric.Int64Counter
	decisionCounter metric.Int64Counter
}

// New creates a pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Evidence == nil {
		return nil, ErrNoEvidence
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Logs == nil {
		opts.Logs, _ = evidence.Logs(opts.Evidence)
	}

	p := &Pipeline{
		agent:            withScrubber(opts.Agent, opts.Scrubber, opts.Logger),
		evidence:         opts.Evidence,
		logs:             opts.Logs,
		profile:          opts.Profile,
		dispatcher:       opts.Dispatcher,
		recorder:         opts.Recorder,
		agentID:          opts.AgentID,
		modelName:        opts.ModelName,
		logger:           opts.Logger,
		runtimeModel:     unknownModel,
		runtimeConnector: unknownModel,
		tracer:           otel.Tracer(instrumentationName),
		meter:            otel.Meter(instrumentationName),
	}
	p.initMetrics()
	return p, nil
}

func (p *Pipeline) initMetrics() {
	var err error

	p.runCounter, err = p.meter.Int64Counter(
		"triagegate.pipeline.runs_total",
		metric.WithDescription("Total number of pipeline runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		p.logger.Warn("failed to create run counter", zap.Error(err))
	}

	p.decisionCounter, err = p.meter.Int64Counter(
		"triagegate.gate.decisions_total",
		metric.WithDescription("Total number of gate decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		p.logger.Warn("failed to create decision counter", zap.Error(err))
	}
}

// Offline reports whether the pipeline runs without an agent.
func (p *Pipeline) Offline() bool { return p.agent == nil }

// Profile returns the reliability profile the pipeline was built with.
func (p *Pipeline) Profile() reliability.Profile { return p.profile }

// EffectiveModelName is the model the agent last reported, else the
// configured model name, else "unknown".
func (p *Pipeline) EffectiveModelName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.runtimeModel != "" && p.runtimeModel != unknownModel {
		return p.runtimeModel
	}
	if p.modelName != "" {
		return p.modelName
	}
	return unknownModel
}

// ModelConnector is the connector the agent last reported.
func (p *Pipeline) ModelConnector() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.runtimeConnector
}

// converse sends prompt to the agent and returns the reply text. Failures
// are recorded in trace and yield "".
func (p *Pipeline) converse(ctx context.Context, prompt string, trace *incident.Trace) string {
	if p.agent == nil {
		return ""
	}
	reply, err := p.agent.Converse(ctx, prompt)
	if err != nil {
		trace.Record("agent_builder", "converse", map[string]any{"status": "error", "error": err.Error()})
		p.logger.Warn("agent call failed", zap.Error(err))
		return ""
	}
	status := reply.Status
	if status == "" {
		status = "unknown"
	}
	trace.Record("agent_builder", "converse", map[string]any{"status": status})

	p.mu.Lock()
	if reply.ModelUsage.Model != "" {
		p.runtimeModel = reply.ModelUsage.Model
	}
	if reply.ModelUsage.ConnectorID != "" {
		p.runtimeConnector = reply.ModelUsage.ConnectorID
	}
	p.mu.Unlock()
	return reply.Message()
}

// Run executes plan, stress, compress and gate for inc, dispatches the
// decision and records the run. The returned record is complete even when
// recording fails; the error reports the failure.
func (p *Pipeline) Run(ctx context.Context, inc incident.Incident) (incident.RunRecord, error) {
	if err := inc.Validate(); err != nil {
		return incident.RunRecord{}, err
	}
	ctx, span := p.tracer.Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("incident.id", inc.ID),
		attribute.String("incident.severity", string(inc.Severity)),
		attribute.Bool("offline", p.Offline()),
	)

	runID := uuid.NewString()
	ctx = logging.WithRunID(logging.WithIncidentID(ctx, inc.ID), runID)
	trace := incident.NewTrace()

	plan, err := p.Plan(ctx, inc, trace)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "plan failed")
		return incident.RunRecord{}, fmt.Errorf("plan %s: %w", inc.ID, err)
	}
	stress, err := p.Stress(ctx, inc, plan, trace)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stress failed")
		return incident.RunRecord{}, fmt.Errorf("stress %s: %w", inc.ID, err)
	}
	cd := Compress(inc, plan, stress, p.profile.UCurveMagnitude)
	gate := Gate(plan, stress, cd)

	executed := gate.Executes()
	mode := incident.ExecutionModeEscalate
	if executed {
		mode = gate.FinalPosition
	}
	span.SetAttributes(attribute.String("decision", string(gate.Decision)))

	var outcome incident.WorkflowOutcome
	if p.dispatcher != nil {
		outcome = p.dispatcher.Dispatch(ctx, runID, inc, gate, stress, mode, trace)
	} else {
		outcome.Delivery = incident.Delivery{Status: incident.StatusSkipped, Reason: "no dispatcher configured"}
	}

	rec := incident.RunRecord{
		RunID:         runID,
		IncidentID:    inc.ID,
		TaskType:      incident.TaskType,
		Plan:          plan,
		Stress:        stress,
		Compress:      cd,
		Gate:          gate,
		Executed:      executed,
		ExecutionMode: mode,
		ToolTrace:     trace.Calls(),
		Workflow:      outcome,
	}

	if p.runCounter != nil {
		p.runCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", p.mode())))
	}
	if p.decisionCounter != nil {
		p.decisionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(gate.Decision))))
	}
	p.logger.Info("gate decision",
		zap.String("run_id", runID),
		zap.String("incident_id", inc.ID),
		zap.String("decision", string(gate.Decision)),
		zap.String("execution_mode", mode),
		zap.Float64("confidence_initial", gate.ConfidenceInitial),
		zap.Float64("confidence_final", gate.ConfidenceFinal),
		zap.Strings("reasons", gate.Reasons),
	)

	if p.recorder != nil {
		if err := p.recorder.RecordRun(ctx, rec, p.metricsRow(rec)); err != nil {
			span.RecordError(err)
			return rec, fmt.Errorf("record run %s: %w", runID, err)
		}
	}
	return rec, nil
}

func (p *Pipeline) mode() string {
	if p.Offline() {
		return "offline"
	}
	return "agent"
}

func (p *Pipeline) metricsRow(rec incident.RunRecord) incident.MetricsRow {
	return incident.MetricsRow{
		RunID:                  rec.RunID,
		IncidentID:             rec.IncidentID,
		TaskType:               incident.TaskType,
		ModelName:              p.EffectiveModelName(),
		ModelConnector:         p.ModelConnector(),
		AgentID:                p.agentID,
		Act:                    rec.Gate.Act,
		AdaptabilityScore:      round(rec.Gate.AdaptabilityScore, 4),
		Decision:               rec.Gate.Decision,
		Escalated:              rec.Gate.Decision == incident.DecisionBlockAndEscalate,
		ContextMode:            rec.Compress.ContextMode,
		ConfidenceDelta:        round(rec.Gate.ConfidenceDelta, 3),
		CDCTUCurve:             round(p.profile.UCurveMagnitude, 6),
		CDCTMetricSource:       p.profile.CDCTMetricSource,
		DisagreementDetected:   rec.Gate.DisagreementDetected,
		ArbiterResolution:      rec.Gate.ArbiterResolution,
		IntegrationQuality:     round(rec.Stress.IntegrationQuality, 4),
		SupportDocsCount:       rec.Stress.TotalSupportDocs(),
		ContradictionDocsCount: rec.Stress.TotalContradictionDocs(),
	}
}

// RunBaseline runs the planner alone and records an unconditional execute.
func (p *Pipeline) RunBaseline(ctx context.Context, inc incident.Incident) (incident.BaselineRecord, error) {
	if err := inc.Validate(); err != nil {
		return incident.BaselineRecord{}, err
	}
	ctx, span := p.tracer.Start(ctx, "pipeline.baseline")
	defer span.End()
	span.SetAttributes(attribute.String("incident.id", inc.ID))

	plan, err := p.Plan(ctx, inc, incident.NewTrace())
	if err != nil {
		return incident.BaselineRecord{}, fmt.Errorf("plan %s: %w", inc.ID, err)
	}
	rec := incident.BaselineRecord{
		RunID:          uuid.NewString(),
		IncidentID:     inc.ID,
		TaskType:       incident.TaskType,
		ModelName:      p.EffectiveModelName(),
		ModelConnector: p.ModelConnector(),
		ProposedAction: plan.ProposedAction,
		Confidence:     plan.ConfidenceInitial,
		Decision:       incident.DecisionExecute,
	}
	if p.recorder != nil {
		if err := p.recorder.RecordBaseline(ctx, rec); err != nil {
			return rec, fmt.Errorf("record baseline %s: %w", rec.RunID, err)
		}
	}
	return rec, nil
}
