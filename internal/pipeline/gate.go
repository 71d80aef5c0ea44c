package pipeline

import (
	"fmt"
	"math"
	"strings"

	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

// Gate thresholds.
const (
	// ActDeltaThreshold is the confidence drop that counts as an act of
	// adaptation even without a position change.
	ActDeltaThreshold = 2.0
	// DisagreementDeltaThreshold is the confidence drop that counts as
	// planner/verifier disagreement.
	DisagreementDeltaThreshold = 1.0
	// MinEvidenceCoverage is the integration quality below which a plan
	// without supporting documents is blocked.
	MinEvidenceCoverage = 0.34
	// HardContradictionCount is the number of verified contradictions that
	// blocks execution outright.
	HardContradictionCount = 2
)

// Gate reasons.
const (
	ReasonPolicyConflictPrefix  = "Policy conflict: "
	ReasonContradictions        = "Multiple technical contradictions"
	ReasonInsufficientEvidence  = "Insufficient evidence coverage for safe auto-remediation"
	ReasonFabricationNotRefused = "Fabrication trap not rejected; confidence penalized"
	ReasonNoHardEvidence        = "No hard evidence to block action"
	ReasonDisagreementExecute   = "Planner/Verifier disagreement detected; executing with guardrails"
	ReasonDisagreementEscalate  = "Planner/Verifier disagreement detected; escalated to human"
	ReasonPassed                = "Validated against runbooks and live telemetry; safety threshold passed."
)

// Gate combines planner and verifier output into an execute or
// block-and-escalate decision. It performs no I/O and the same inputs
// always produce the same decision.
//
// Gate panics if stress does not carry exactly one ClaimEvidence per plan
// key claim.
func Gate(plan incident.Plan, stress incident.StressResult, cd incident.ContextDecision) incident.GateDecision {
	if len(stress.ClaimEvidence) != len(plan.KeyClaims) {
		panic(fmt.Sprintf("pipeline: %d claim evidence entries for %d key claims",
			len(stress.ClaimEvidence), len(plan.KeyClaims)))
	}

	delta := plan.ConfidenceInitial - stress.ConfidencePostStress
	positionChanged := plan.ProposedAction != stress.PositionAfterStress

	act := 0
	if positionChanged || delta >= ActDeltaThreshold {
		act = 1
	}
	iq := stress.IntegrationQuality
	ri := 0.7
	if positionChanged {
		ri = 0
	}
	per := 0.6
	if cd.OutputContractValid {
		per = 0.2
	}
	adaptability := float64(act) * iq * (1 - ri) * (1 - per)

	hardEvidence := len(stress.PolicyConflicts) > 0 || stress.ContradictionCount >= HardContradictionCount
	totalSupport := stress.TotalSupportDocs()

	decision := incident.DecisionExecute
	reasons := []string{}

	if len(stress.PolicyConflicts) > 0 {
		decision = incident.DecisionBlockAndEscalate
		reasons = append(reasons, ReasonPolicyConflictPrefix+strings.Join(stress.PolicyConflicts, ", "))
	}
	if stress.ContradictionCount >= HardContradictionCount {
		decision = incident.DecisionBlockAndEscalate
		reasons = append(reasons, ReasonContradictions)
	}
	if iq < MinEvidenceCoverage && totalSupport == 0 {
		decision = incident.DecisionBlockAndEscalate
		reasons = append(reasons, ReasonInsufficientEvidence)
	}
	if !stress.FabricatedAuthorityRejected {
		reasons = append(reasons, ReasonFabricationNotRefused)
	}

	// Only a soft block can be reversed, and only when coverage is adequate.
	// Unreachable while the coverage rule is the only soft blocker.
	if decision == incident.DecisionBlockAndEscalate && !hardEvidence &&
		(iq >= MinEvidenceCoverage || totalSupport > 0) {
		decision = incident.DecisionExecute
		reasons = append(reasons, ReasonNoHardEvidence)
	}

	disagreement := positionChanged || delta >= DisagreementDeltaThreshold
	arbiter := incident.ArbiterAcceptPlanner
	switch {
	case disagreement && decision == incident.DecisionExecute:
		arbiter = incident.ArbiterExecuteWithGuardrail
		reasons = append(reasons, ReasonDisagreementExecute)
	case disagreement:
		arbiter = incident.ArbiterEscalateToHuman
		reasons = append(reasons, ReasonDisagreementEscalate)
	case decision != incident.DecisionExecute:
		arbiter = incident.ArbiterEscalateToHuman
	}

	if decision == incident.DecisionExecute && len(reasons) == 0 {
		reasons = append(reasons, ReasonPassed)
	}

	return incident.GateDecision{
		IncidentID:           plan.IncidentID,
		InitialPosition:      plan.ProposedAction,
		FinalPosition:        stress.PositionAfterStress,
		ConfidenceInitial:    plan.ConfidenceInitial,
		ConfidenceFinal:      stress.ConfidencePostStress,
		ConfidenceDelta:      round(delta, 2),
		Act:                  act,
		IntegrationQuality:   iq,
		ReliabilityIndex:     ri,
		ProcessErrorRate:     per,
		AdaptabilityScore:    round(adaptability, 4),
		Decision:             decision,
		Reasons:              reasons,
		DisagreementDetected: disagreement,
		ArbiterResolution:    arbiter,
	}
}

// Compress selects the context mode and validates the plan's output
// contract. uCurve is the model's compression sensitivity.
func Compress(inc incident.Incident, plan incident.Plan, stress incident.StressResult, uCurve float64) incident.ContextDecision {
	mode := incident.ContextCompressed
	if inc.Severity == incident.SeverityHigh || stress.ContradictionCount > 0 || uCurve > 0.4 {
		mode = incident.ContextFull
	}
	return incident.ContextDecision{
		IncidentID:            inc.ID,
		ContextMode:           mode,
		OutputContractValid:   plan.ProposedAction != "" && plan.ConfidenceInitial >= 0,
		RequiredFieldsPresent: []string{"incident_id", "proposed_action", "confidence_initial"},
	}
}

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
