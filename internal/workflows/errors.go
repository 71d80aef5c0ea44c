package workflows

import (
	"errors"
	"fmt"
)

// Step names an activity of the incident workflow.
type Step string

const (
	StepPlan    Step = "plan"
	StepStress  Step = "stress"
	StepGate    Step = "gate"
	StepRefusal Step = "refusal"
	StepLearn   Step = "learn"
)

// Blocking reports whether a failure at s ends the workflow. The gate
// never rules on partial evidence, so plan, stress and gate failures are
// fatal; refusal explanations and learning are not.
func (s Step) Blocking() bool {
	switch s {
	case StepPlan, StepStress, StepGate:
		return true
	default:
		return false
	}
}

func (s Step) describe() string {
	switch s {
	case StepPlan:
		return "failed to plan"
	case StepStress:
		return "failed to verify plan"
	case StepGate:
		return "failed to gate plan"
	case StepRefusal:
		return "failed to explain refusal"
	case StepLearn:
		return "failed to learn from resolution"
	default:
		return "failed to " + string(s)
	}
}

// StepError wraps an activity failure with the step it happened in.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// FailedStep returns the step recorded in err, if any.
func FailedStep(err error) (Step, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step, true
	}
	return "", false
}

// note appends a readable line for a failed step to the result and returns
// a StepError when the step is blocking.
func (r *IncidentWorkflowResult) note(step Step, err error) error {
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", step.describe(), err))
	if step.Blocking() {
		return &StepError{Step: step, Err: err}
	}
	return nil
}
