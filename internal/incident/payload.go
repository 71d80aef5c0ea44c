package incident

// DecisionPayload is the flattened decision delivered to workflows,
// webhooks, chat-ops and the event bus.
type DecisionPayload struct {
	IncidentID              string            `json:"incident_id"`
	Service                 string            `json:"service"`
	Severity                Severity          `json:"severity"`
	Decision                Decision          `json:"decision"`
	ExecutionMode           string            `json:"execution_mode"`
	Reasons                 []string          `json:"reasons"`
	ConfidenceInitial       float64           `json:"confidence_initial"`
	ConfidenceFinal         float64           `json:"confidence_final"`
	ConfidenceDelta         float64           `json:"confidence_delta"`
	DisagreementDetected    bool              `json:"disagreement_detected"`
	ArbiterResolution       ArbiterResolution `json:"arbiter_resolution"`
	IntegrationQuality      float64           `json:"integration_quality"`
	SupportDocsCount        int               `json:"support_docs_count"`
	ContradictionDocsCount  int               `json:"contradiction_docs_count"`
	PolicyConflictsCount    int               `json:"policy_conflicts_count"`
	FabricationTrapRejected bool              `json:"fabrication_trap_rejected"`
	// UnsafeActionRejected is the planner's action when the gate blocked it.
	UnsafeActionRejected string `json:"unsafe_action_rejected"`
	// CriticalHazard flags incidents a human tried to force through below
	// the refusal threshold.
	CriticalHazard bool `json:"is_critical_hazard,omitempty"`
}

// NewDecisionPayload flattens one gated run.
func NewDecisionPayload(inc Incident, gate GateDecision, stress StressResult, executionMode string) DecisionPayload {
	p := DecisionPayload{
		IncidentID:              inc.ID,
		Service:                 inc.Service,
		Severity:                inc.Severity,
		Decision:                gate.Decision,
		ExecutionMode:           executionMode,
		Reasons:                 gate.Reasons,
		ConfidenceInitial:       gate.ConfidenceInitial,
		ConfidenceFinal:         gate.ConfidenceFinal,
		ConfidenceDelta:         gate.ConfidenceDelta,
		DisagreementDetected:    gate.DisagreementDetected,
		ArbiterResolution:       gate.ArbiterResolution,
		IntegrationQuality:      stress.IntegrationQuality,
		SupportDocsCount:        stress.TotalSupportDocs(),
		ContradictionDocsCount:  stress.TotalContradictionDocs(),
		PolicyConflictsCount:    len(stress.PolicyConflicts),
		FabricationTrapRejected: stress.FabricatedAuthorityRejected,
	}
	if !gate.Executes() {
		p.UnsafeActionRejected = gate.InitialPosition
	}
	return p
}

// Map returns the payload as a document for indexing.
func (p DecisionPayload) Map() map[string]any {
	reasons := make([]any, len(p.Reasons))
	for i, r := range p.Reasons {
		reasons[i] = r
	}
	return map[string]any{
		"incident_id":               p.IncidentID,
		"service":                   p.Service,
		"severity":                  string(p.Severity),
		"decision":                  string(p.Decision),
		"execution_mode":            p.ExecutionMode,
		"reasons":                   reasons,
		"confidence_initial":        p.ConfidenceInitial,
		"confidence_final":          p.ConfidenceFinal,
		"confidence_delta":          p.ConfidenceDelta,
		"disagreement_detected":     p.DisagreementDetected,
		"arbiter_resolution":        string(p.ArbiterResolution),
		"integration_quality":       p.IntegrationQuality,
		"support_docs_count":        p.SupportDocsCount,
		"contradiction_docs_count":  p.ContradictionDocsCount,
		"policy_conflicts_count":    p.PolicyConflictsCount,
		"fabrication_trap_rejected": p.FabricationTrapRejected,
		"unsafe_action_rejected":    p.UnsafeActionRejected,
	}
}
