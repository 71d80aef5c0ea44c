package workflows

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triagegate/internal/incident"
	"github.com/fyrsmithlabs/triagegate/internal/pipeline"
	"github.com/fyrsmithlabs/triagegate/internal/reliability"
)

// Stages is the part of the pipeline the activities run.
type Stages interface {
	Plan(ctx context.Context, inc incident.Incident, trace *incident.Trace) (incident.Plan, error)
	Stress(ctx context.Context, inc incident.Incident, plan incident.Plan, trace *incident.Trace) (incident.StressResult, error)
	Learn(ctx context.Context, inc incident.Incident, action, resolution string, trace *incident.Trace) (pipeline.LearnResult, error)
	RefusalExplanation(ctx context.Context, inc incident.Incident, reasons []string, trace *incident.Trace) string
	Profile() reliability.Profile
}

// Activities hosts the incident workflow activities. Register a pointer
// with the worker; workflows reference the methods through a nil
// *Activities.
type Activities struct {
	Stages Stages
	Logger *zap.Logger
}

// StressInput is the input of StressActivity.
type StressInput struct {
	Incident incident.Incident
	Plan     incident.Plan
}

// GateInput is the input of GateActivity.
type GateInput struct {
	Incident incident.Incident
	Plan     incident.Plan
	Stress   incident.StressResult
}

// GateOutput carries the context decision and the gate ruling.
type GateOutput struct {
	Compress incident.ContextDecision
	Gate     incident.GateDecision
}

// RefusalInput is the input of RefusalActivity.
type RefusalInput struct {
	Incident incident.Incident
	Reasons  []string
}

// LearnInput is the input of LearnActivity.
type LearnInput struct {
	Incident   incident.Incident
	Action     string
	Resolution string
}

var errNoStages = errors.New("activities have no pipeline stages")

func (a *Activities) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

// PlanActivity proposes a remediation.
func (a *Activities) PlanActivity(ctx context.Context, inc incident.Incident) (incident.Plan, error) {
	if a.Stages == nil {
		return incident.Plan{}, errNoStages
	}
	start := time.Now()
	plan, err := a.Stages.Plan(ctx, inc, incident.NewTrace())
	recordActivity(ctx, "plan", time.Since(start).Seconds(), err)
	return plan, err
}

// StressActivity cross-checks the plan's claims.
func (a *Activities) StressActivity(ctx context.Context, in StressInput) (incident.StressResult, error) {
	if a.Stages == nil {
		return incident.StressResult{}, errNoStages
	}
	start := time.Now()
	stress, err := a.Stages.Stress(ctx, in.Incident, in.Plan, incident.NewTrace())
	recordActivity(ctx, "stress", time.Since(start).Seconds(), err)
	return stress, err
}

// GateActivity selects the context mode and rules on the plan. It uses
// the profile the worker was started with.
func (a *Activities) GateActivity(ctx context.Context, in GateInput) (GateOutput, error) {
	if a.Stages == nil {
		return GateOutput{}, errNoStages
	}
	start := time.Now()
	cd := pipeline.Compress(in.Incident, in.Plan, in.Stress, a.Stages.Profile().UCurveMagnitude)
	gate := pipeline.Gate(in.Plan, in.Stress, cd)
	recordActivity(ctx, "gate", time.Since(start).Seconds(), nil)
	a.logger().Info("gate ruled",
		zap.String("incident_id", in.Incident.ID),
		zap.String("decision", string(gate.Decision)),
		zap.Float64("confidence_final", gate.ConfidenceFinal))
	return GateOutput{Compress: cd, Gate: gate}, nil
}

// RefusalActivity explains why an approval was refused.
func (a *Activities) RefusalActivity(ctx context.Context, in RefusalInput) (string, error) {
	if a.Stages == nil {
		return "", errNoStages
	}
	recordRefusal(ctx)
	return a.Stages.RefusalExplanation(ctx, in.Incident, in.Reasons, incident.NewTrace()), nil
}

// LearnActivity records the resolution as a runbook entry.
func (a *Activities) LearnActivity(ctx context.Context, in LearnInput) (pipeline.LearnResult, error) {
	if a.Stages == nil {
		return pipeline.LearnResult{}, errNoStages
	}
	start := time.Now()
	res, err := a.Stages.Learn(ctx, in.Incident, in.Action, in.Resolution, incident.NewTrace())
	recordActivity(ctx, "learn", time.Since(start).Seconds(), err)
	return res, err
}
