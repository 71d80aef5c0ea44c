// Package reliability fetches the model reliability profile that tunes the
// triage pipeline: a consistency index that scales contradiction penalties,
// an action-gating score blended into planner confidence, and a compression
// sensitivity signal that selects the context mode.
//
// A Profile is resolved once when a pipeline or controller is constructed
// and passed by value afterwards.
package reliability

import "errors"

// Metric sources for Profile.CDCTMetricSource.
const (
	SourceUCurve = "u_curve_magnitude"
	SourceProxy  = "proxy_sf_cri_sas_far"
	SourceNone   = "none"
)

// ErrEmptyProfile is returned in strict agent mode when the agent reports an
// all-zero profile.
var ErrEmptyProfile = errors.New("reliability profile is empty")

// Profile holds the reliability signals for one model. Zero values are the
// neutral defaults: they leave every pipeline formula unchanged.
type Profile struct {
	ModelName string `json:"model_name"`

	// Epistemic robustness.
	HOC float64 `json:"hoc"`
	CI  float64 `json:"ci"`

	// Compression robustness.
	UCurveMagnitude               float64 `json:"u_curve_magnitude"`
	CDCTMetricSource              string  `json:"cdct_metric_source"`
	InstructionAmbiguityThreshold float64 `json:"instruction_ambiguity_threshold"`

	// Action gating.
	ASScore float64 `json:"as_score"`
	ACTRate float64 `json:"act_rate"`
	ECS     float64 `json:"ecs"`
}

// Neutral returns the default profile for model.
func Neutral(model string) Profile {
	return Profile{
		ModelName:                     model,
		CDCTMetricSource:              SourceNone,
		InstructionAmbiguityThreshold: 0.5,
	}
}

// Empty reports whether no signal carries information.
func (p Profile) Empty() bool {
	return p.HOC == 0 && p.CI == 0 && p.UCurveMagnitude == 0 && p.ASScore == 0 && p.ECS == 0
}
