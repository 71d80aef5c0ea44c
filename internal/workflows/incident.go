// Package workflows provides the durable Temporal rendition of incident
// triage: the pipeline stages run as activities and a blocked decision
// waits for a human signal that survives worker restarts.
package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/triagegate/internal/incident"
	"github.com/fyrsmithlabs/triagegate/internal/pipeline"
)

// Signal and query names.
const (
	SignalApprove  = "approve"
	SignalOverride = "override"
	QueryStatus    = "status"
)

// Workflow statuses reported by QueryStatus.
const (
	StatusAnalyzing        = "analyzing"
	StatusAwaitingApproval = "awaiting_approval"
	StatusExecuting        = "executing"
	StatusCompleted        = "completed"
	StatusTimedOut         = "timed_out"
)

// Defaults for IncidentWorkflowInput.
const (
	DefaultRefusalThreshold = 5.0
	DefaultApprovalTimeout  = 24 * time.Hour
)

// IncidentWorkflowInput starts one incident workflow.
type IncidentWorkflowInput struct {
	Incident         incident.Incident
	RefusalThreshold float64
	ApprovalTimeout  time.Duration
}

// ApprovalSignal is the payload of SignalApprove and SignalOverride.
type ApprovalSignal struct {
	User string
}

// IncidentWorkflowResult describes how the incident ended.
type IncidentWorkflowResult struct {
	IncidentID    string
	Plan          incident.Plan
	Stress        incident.StressResult
	Compress      incident.ContextDecision
	Gate          incident.GateDecision
	Executed      bool
	ExecutionMode string
	ApprovedBy    string
	Overridden    bool
	Refusals      []string
	TimedOut      bool
	Learned       bool
	Errors        []string
}

// IncidentWorkflow plans, verifies and gates one incident. An executing
// decision proceeds straight to learning. A blocked one waits for a
// signal: approvals are refused while the final confidence is below the
// refusal threshold, an override always proceeds, and the workflow gives
// up after ApprovalTimeout without executing.
func IncidentWorkflow(ctx workflow.Context, input IncidentWorkflowInput) (*IncidentWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	inc := input.Incident
	logger.Info("Starting incident workflow", "incident", inc.ID, "severity", inc.Severity)

	if input.RefusalThreshold <= 0 {
		input.RefusalThreshold = DefaultRefusalThreshold
	}
	if input.ApprovalTimeout <= 0 {
		input.ApprovalTimeout = DefaultApprovalTimeout
	}

	status := StatusAnalyzing
	if err := workflow.SetQueryHandler(ctx, QueryStatus, func() (string, error) {
		return status, nil
	}); err != nil {
		return nil, err
	}

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *Activities
	result := &IncidentWorkflowResult{IncidentID: inc.ID, ExecutionMode: incident.ExecutionModeEscalate}

	if err := workflow.ExecuteActivity(ctx, a.PlanActivity, inc).Get(ctx, &result.Plan); err != nil {
		return result, result.note(StepPlan, err)
	}
	if err := workflow.ExecuteActivity(ctx, a.StressActivity, StressInput{Incident: inc, Plan: result.Plan}).Get(ctx, &result.Stress); err != nil {
		return result, result.note(StepStress, err)
	}
	var gated GateOutput
	if err := workflow.ExecuteActivity(ctx, a.GateActivity, GateInput{Incident: inc, Plan: result.Plan, Stress: result.Stress}).Get(ctx, &gated); err != nil {
		return result, result.note(StepGate, err)
	}
	result.Compress, result.Gate = gated.Compress, gated.Gate

	logger.Info("Gate ruled", "decision", result.Gate.Decision, "confidence_final", result.Gate.ConfidenceFinal)

	if !result.Gate.Executes() {
		status = StatusAwaitingApproval
		if !awaitApproval(ctx, input, result) {
			status = StatusTimedOut
			result.TimedOut = true
			logger.Info("Approval window closed without execution", "incident", inc.ID)
			return result, nil
		}
	}

	status = StatusExecuting
	result.Executed = true
	result.ExecutionMode = result.Gate.FinalPosition
	if result.Overridden {
		result.ExecutionMode = result.Plan.ProposedAction
	}

	var learned pipeline.LearnResult
	err := workflow.ExecuteActivity(ctx, a.LearnActivity, LearnInput{
		Incident:   inc,
		Action:     result.ExecutionMode,
		Resolution: fmt.Sprintf("Executed %s. Resolved.", result.ExecutionMode),
	}).Get(ctx, &learned)
	if err != nil {
		logger.Error("Learning failed", "error", err)
		_ = result.note(StepLearn, err)
	} else {
		result.Learned = learned.Status == pipeline.LearnLearned
	}

	status = StatusCompleted
	logger.Info("Incident workflow complete", "incident", inc.ID, "executed", result.Executed, "overridden", result.Overridden)
	return result, nil
}

// awaitApproval blocks until an accepted approval or override arrives, or
// the approval window closes. It reports whether execution may proceed.
func awaitApproval(ctx workflow.Context, input IncidentWorkflowInput, result *IncidentWorkflowResult) bool {
	logger := workflow.GetLogger(ctx)
	approveCh := workflow.GetSignalChannel(ctx, SignalApprove)
	overrideCh := workflow.GetSignalChannel(ctx, SignalOverride)

	timerCtx, cancelTimer := workflow.WithCancel(ctx)
	defer cancelTimer()
	timer := workflow.NewTimer(timerCtx, input.ApprovalTimeout)

	critical := result.Gate.ConfidenceFinal < input.RefusalThreshold
	refused := false
	var a *Activities

	for {
		var (
			sig      ApprovalSignal
			override bool
			expired  bool
		)
		selector := workflow.NewSelector(ctx)
		selector.AddReceive(overrideCh, func(c workflow.ReceiveChannel, _ bool) {
			c.Receive(ctx, &sig)
			override = true
		})
		selector.AddReceive(approveCh, func(c workflow.ReceiveChannel, _ bool) {
			c.Receive(ctx, &sig)
		})
		selector.AddFuture(timer, func(workflow.Future) {
			expired = true
		})
		selector.Select(ctx)

		switch {
		case expired:
			return false
		case override:
			logger.Info("Override received", "user", sig.User)
			result.Overridden = true
			result.ApprovedBy = sig.User
			return true
		case !critical:
			logger.Info("Approval received", "user", sig.User)
			result.ApprovedBy = sig.User
			return true
		case refused:
			logger.Info("Approval ignored after refusal", "user", sig.User)
		default:
			refused = true
			var expl string
			err := workflow.ExecuteActivity(ctx, a.RefusalActivity, RefusalInput{
				Incident: input.Incident,
				Reasons:  result.Gate.Reasons,
			}).Get(ctx, &expl)
			if err != nil {
				_ = result.note(StepRefusal, err)
			}
			result.Refusals = append(result.Refusals, expl)
			logger.Info("Approval refused below threshold", "user", sig.User, "confidence_final", result.Gate.ConfidenceFinal)
		}
	}
}
