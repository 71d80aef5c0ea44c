package pipeline

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

func supported(claims ...string) []incident.ClaimEvidence {
	out := make([]incident.ClaimEvidence, len(claims))
	for i, c := range claims {
		out[i] = incident.ClaimEvidence{Claim: c, SupportDocs: []string{"rb-" + c}, ContradictionDocs: []string{}}
	}
	return out
}

func basePlan() incident.Plan {
	return incident.Plan{
		IncidentID:        "inc-1",
		ProposedAction:    "restart_service",
		KeyClaims:         []string{"a"},
		ConfidenceInitial: 8,
	}
}

func baseStress() incident.StressResult {
	return incident.StressResult{
		IncidentID:                  "inc-1",
		ClaimEvidence:               supported("a"),
		PolicyConflicts:             []string{},
		FabricatedAuthorityRejected: true,
		ConfidencePostStress:        8,
		PositionAfterStress:         "restart_service",
		IntegrationQuality:          1,
	}
}

var validContract = incident.ContextDecision{IncidentID: "inc-1", OutputContractValid: true}

func TestGate(t *testing.T) {
	tests := []struct {
		name         string
		mutate       func(*incident.Plan, *incident.StressResult)
		decision     incident.Decision
		arbiter      incident.ArbiterResolution
		reasons      []string
		act          int
		adaptability float64
	}{
		{
			name:     "clean plan executes",
			mutate:   func(*incident.Plan, *incident.StressResult) {},
			decision: incident.DecisionExecute,
			arbiter:  incident.ArbiterAcceptPlanner,
			reasons:  []string{ReasonPassed},
		},
		{
			name: "policy conflict blocks",
			mutate: func(_ *incident.Plan, s *incident.StressResult) {
				s.PolicyConflicts = []string{"pol-a", "pol-b"}
				s.PositionAfterStress = PausePosition
				s.ConfidencePostStress = 6.5
			},
			decision:     incident.DecisionBlockAndEscalate,
			arbiter:      incident.ArbiterEscalateToHuman,
			reasons:      []string{"Policy conflict: pol-a, pol-b", ReasonDisagreementEscalate},
			act:          1,
			adaptability: 0.8,
		},
		{
			name: "two contradictions block",
			mutate: func(p *incident.Plan, s *incident.StressResult) {
				p.KeyClaims = []string{"a", "b"}
				s.ClaimEvidence = supported("a", "b")
				s.ClaimEvidence[0].ContradictionDocs = []string{"inc-9"}
				s.ClaimEvidence[1].ContradictionDocs = []string{"inc-9"}
				s.ContradictionCount = 2
			},
			decision: incident.DecisionBlockAndEscalate,
			arbiter:  incident.ArbiterEscalateToHuman,
			reasons:  []string{ReasonContradictions},
		},
		{
			name: "no evidence stays blocked",
			mutate: func(_ *incident.Plan, s *incident.StressResult) {
				s.ClaimEvidence = []incident.ClaimEvidence{{Claim: "a"}}
				s.IntegrationQuality = 0
			},
			decision: incident.DecisionBlockAndEscalate,
			arbiter:  incident.ArbiterEscalateToHuman,
			reasons:  []string{ReasonInsufficientEvidence},
		},
		{
			name: "one support doc with zero coverage executes",
			mutate: func(_ *incident.Plan, s *incident.StressResult) {
				s.IntegrationQuality = 0
			},
			decision: incident.DecisionExecute,
			arbiter:  incident.ArbiterAcceptPlanner,
			reasons:  []string{ReasonPassed},
		},
		{
			name: "fabrication warning does not block",
			mutate: func(_ *incident.Plan, s *incident.StressResult) {
				s.FabricatedAuthorityRejected = false
			},
			decision: incident.DecisionExecute,
			arbiter:  incident.ArbiterAcceptPlanner,
			reasons:  []string{ReasonFabricationNotRefused},
		},
		{
			name: "small drop executes with guardrails",
			mutate: func(_ *incident.Plan, s *incident.StressResult) {
				s.ConfidencePostStress = 6.5
			},
			decision: incident.DecisionExecute,
			arbiter:  incident.ArbiterExecuteWithGuardrail,
			reasons:  []string{ReasonDisagreementExecute},
		},
		{
			name: "large drop counts as adaptation",
			mutate: func(_ *incident.Plan, s *incident.StressResult) {
				s.ConfidencePostStress = 5
				s.IntegrationQuality = 0.5
			},
			decision:     incident.DecisionExecute,
			arbiter:      incident.ArbiterExecuteWithGuardrail,
			reasons:      []string{ReasonDisagreementExecute},
			act:          1,
			adaptability: 0.12,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, stress := basePlan(), baseStress()
			tt.mutate(&plan, &stress)

			g := Gate(plan, stress, validContract)
			assert.Equal(t, tt.decision, g.Decision)
			assert.Equal(t, tt.arbiter, g.ArbiterResolution)
			assert.Equal(t, tt.reasons, g.Reasons)
			assert.Equal(t, tt.act, g.Act)
			assert.InDelta(t, tt.adaptability, g.AdaptabilityScore, 1e-9)
			assert.Equal(t, plan.ProposedAction, g.InitialPosition)
			assert.Equal(t, stress.PositionAfterStress, g.FinalPosition)
			assert.NotEmpty(t, g.Reasons)
		})
	}
}

func TestGate_InvalidContractRaisesErrorRate(t *testing.T) {
	plan, stress := basePlan(), baseStress()
	stress.PositionAfterStress = "rollback_deployment"

	g := Gate(plan, stress, incident.ContextDecision{OutputContractValid: false})
	assert.Equal(t, 0.6, g.ProcessErrorRate)
	assert.Equal(t, 0.0, g.ReliabilityIndex)
	assert.InDelta(t, 0.4, g.AdaptabilityScore, 1e-9)
}

func TestGate_Deterministic(t *testing.T) {
	plan, stress := basePlan(), baseStress()
	stress.PolicyConflicts = []string{"pol-a"}
	stress.ConfidencePostStress = 3.3

	first := Gate(plan, stress, validContract)
	for i := 0; i < 5; i++ {
		if diff := cmp.Diff(first, Gate(plan, stress, validContract)); diff != "" {
			t.Fatalf("gate output changed (-first +again):\n%s", diff)
		}
	}
}

func TestGate_HardEvidenceNeverExecutes(t *testing.T) {
	for _, iq := range []float64{0, 0.2, 0.34, 1} {
		for _, conflicts := range [][]string{{"pol-a"}, nil} {
			plan, stress := basePlan(), baseStress()
			plan.KeyClaims = []string{"a", "b"}
			stress.ClaimEvidence = supported("a", "b")
			stress.IntegrationQuality = iq
			stress.PolicyConflicts = conflicts
			if conflicts == nil {
				stress.ContradictionCount = HardContradictionCount
			}
			g := Gate(plan, stress, validContract)
			assert.Equal(t, incident.DecisionBlockAndEscalate, g.Decision, "iq=%v conflicts=%v", iq, conflicts)
		}
	}
}

func TestGate_CoverageBlockIsNeverReversed(t *testing.T) {
	for _, iq := range []float64{0, 0.2, MinEvidenceCoverage, 1} {
		for _, support := range []bool{false, true} {
			for _, contradictions := range []int{0, 1, HardContradictionCount} {
				for _, conflict := range []bool{false, true} {
					plan, stress := basePlan(), baseStress()
					stress.IntegrationQuality = iq
					stress.ContradictionCount = contradictions
					if !support {
						stress.ClaimEvidence = []incident.ClaimEvidence{{Claim: "a"}}
					}
					if conflict {
						stress.PolicyConflicts = []string{"pol-a"}
					}

					g := Gate(plan, stress, validContract)
					assert.NotContains(t, g.Reasons, ReasonNoHardEvidence, "iq=%v support=%v", iq, support)
					if iq < MinEvidenceCoverage && !support {
						assert.Equal(t, incident.DecisionBlockAndEscalate, g.Decision)
						assert.Contains(t, g.Reasons, ReasonInsufficientEvidence)
					}
				}
			}
		}
	}
}

func TestGate_MismatchedEvidencePanics(t *testing.T) {
	plan, stress := basePlan(), baseStress()
	plan.KeyClaims = []string{"a", "b"}
	assert.Panics(t, func() { Gate(plan, stress, validContract) })
}

func TestCompress(t *testing.T) {
	plan, stress := basePlan(), baseStress()
	medium := incident.Incident{ID: "inc-1", Severity: incident.SeverityMedium}
	high := incident.Incident{ID: "inc-1", Severity: incident.SeverityHigh}

	cd := Compress(medium, plan, stress, 0.1)
	assert.Equal(t, incident.ContextCompressed, cd.ContextMode)
	assert.True(t, cd.OutputContractValid)
	assert.Equal(t, []string{"incident_id", "proposed_action", "confidence_initial"}, cd.RequiredFieldsPresent)

	assert.Equal(t, incident.ContextFull, Compress(high, plan, stress, 0).ContextMode)
	assert.Equal(t, incident.ContextFull, Compress(medium, plan, stress, 0.41).ContextMode)

	contradicted := stress
	contradicted.ContradictionCount = 1
	assert.Equal(t, incident.ContextFull, Compress(medium, plan, contradicted, 0).ContextMode)

	plan.ProposedAction = ""
	assert.False(t, Compress(medium, plan, stress, 0).OutputContractValid)
}
