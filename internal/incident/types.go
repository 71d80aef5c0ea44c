// Package incident defines the data model shared by the triage pipeline,
// the lifecycle controller and the audit recorder.
//
// Every stage output is a value type. Once a stage returns, its output is
// not mutated; later stages build new values from it.
package incident

import (
	"errors"
	"fmt"
	"strings"
)

// TaskType labels every audit row written for a pipeline run.
const TaskType = "incident_remediation"

// ErrInvalidIncident is returned when an ingested incident is unusable.
var ErrInvalidIncident = errors.New("invalid incident")

// Severity of an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalizes a severity string.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, nil
	default:
		return "", fmt.Errorf("%w: unknown severity %q", ErrInvalidIncident, s)
	}
}

// Incident is created by a detector and consumed read-only by the pipeline.
type Incident struct {
	ID       string   `json:"id" yaml:"id"`
	Service  string   `json:"service" yaml:"service"`
	Severity Severity `json:"severity" yaml:"severity"`
	Summary  string   `json:"summary" yaml:"summary"`
	Symptoms string   `json:"symptoms" yaml:"symptoms"`
}

// Validate checks the fields the pipeline relies on.
func (i Incident) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidIncident)
	}
	if _, err := ParseSeverity(string(i.Severity)); err != nil {
		return err
	}
	return nil
}

// Plan is the Planner's candidate remediation.
type Plan struct {
	IncidentID          string   `json:"incident_id"`
	ProposedAction      string   `json:"proposed_action"`
	Rationale           string   `json:"rationale"`
	KeyClaims           []string `json:"key_claims"`
	ConfidenceInitial   float64  `json:"confidence_initial"`
	RetrievedContextIDs []string `json:"retrieved_context_ids"`
}

// ClaimEvidence holds the documents gathered for one key claim. The slice
// in StressResult is index-aligned with Plan.KeyClaims.
type ClaimEvidence struct {
	Claim             string   `json:"claim"`
	SupportDocs       []string `json:"support_docs"`
	ContradictionDocs []string `json:"contradiction_docs"`
}

// HasEvidence reports whether any document was found for the claim.
func (c ClaimEvidence) HasEvidence() bool {
	return len(c.SupportDocs) > 0 || len(c.ContradictionDocs) > 0
}

// StressResult is the Adversarial Verifier's output.
type StressResult struct {
	IncidentID                  string          `json:"incident_id"`
	ClaimEvidence               []ClaimEvidence `json:"claim_evidence"`
	ContradictionCount          int             `json:"contradiction_count"`
	PolicyConflicts             []string        `json:"policy_conflicts"`
	FabricatedAuthorityRejected bool            `json:"fabricated_authority_rejected"`
	ConfidencePostStress        float64         `json:"confidence_post_stress"`
	PositionAfterStress         string          `json:"position_after_stress"`
	IntegrationQuality          float64         `json:"integration_quality"`
}

// TotalSupportDocs sums supporting documents across claims.
func (s StressResult) TotalSupportDocs() int {
	n := 0
	for _, ev := range s.ClaimEvidence {
		n += len(ev.SupportDocs)
	}
	return n
}

// TotalContradictionDocs sums contradicting documents across claims.
func (s StressResult) TotalContradictionDocs() int {
	n := 0
	for _, ev := range s.ClaimEvidence {
		n += len(ev.ContradictionDocs)
	}
	return n
}

// ContextMode is how much evidence a downstream consumer receives.
type ContextMode string

const (
	ContextCompressed ContextMode = "compressed_context"
	ContextFull       ContextMode = "full_context"
)

// ContextDecision is the Context Selector's output.
type ContextDecision struct {
	IncidentID            string      `json:"incident_id"`
	ContextMode           ContextMode `json:"context_mode"`
	OutputContractValid   bool        `json:"output_contract_valid"`
	RequiredFieldsPresent []string    `json:"required_fields_present"`
}

// Decision is the gate's binary outcome.
type Decision string

const (
	DecisionExecute          Decision = "execute"
	DecisionBlockAndEscalate Decision = "block_and_escalate"
)

// ArbiterResolution labels how planner/verifier disagreement was settled.
type ArbiterResolution string

const (
	ArbiterAcceptPlanner        ArbiterResolution = "accept_planner_action"
	ArbiterExecuteWithGuardrail ArbiterResolution = "execute_with_guardrails"
	ArbiterEscalateToHuman      ArbiterResolution = "escalate_for_human_approval"
)

// GateDecision is the terminal artifact of one pipeline pass.
type GateDecision struct {
	IncidentID           string            `json:"incident_id"`
	InitialPosition      string            `json:"initial_position"`
	FinalPosition        string            `json:"final_position"`
	ConfidenceInitial    float64           `json:"confidence_initial"`
	ConfidenceFinal      float64           `json:"confidence_final"`
	ConfidenceDelta      float64           `json:"confidence_delta"`
	Act                  int               `json:"act"`
	IntegrationQuality   float64           `json:"integration_quality"`
	ReliabilityIndex     float64           `json:"reliability_index"`
	ProcessErrorRate     float64           `json:"process_error_rate"`
	AdaptabilityScore    float64           `json:"adaptability_score"`
	Decision             Decision          `json:"decision"`
	Reasons              []string          `json:"reasons"`
	DisagreementDetected bool              `json:"disagreement_detected"`
	ArbiterResolution    ArbiterResolution `json:"arbiter_resolution"`
}

// Executes reports whether the gate allowed auto-execution.
func (g GateDecision) Executes() bool {
	return g.Decision == DecisionExecute
}

// ExecutionModeEscalate is the execution mode recorded for blocked runs.
const ExecutionModeEscalate = "escalate_to_human"

// RunRecord aggregates one pipeline invocation. It is written to the audit
// sink exactly once per RunID.
type RunRecord struct {
	RunID         string          `json:"run_id"`
	IncidentID    string          `json:"incident_id"`
	TaskType      string          `json:"task_type"`
	Plan          Plan            `json:"plan"`
	Stress        StressResult    `json:"stress"`
	Compress      ContextDecision `json:"compress"`
	Gate          GateDecision    `json:"gate"`
	Executed      bool            `json:"executed"`
	ExecutionMode string          `json:"execution_mode"`
	ToolTrace     []ToolCall      `json:"tool_trace"`
	Workflow      WorkflowOutcome `json:"workflow"`
}
