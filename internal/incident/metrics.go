package incident

// MetricsRow is the per-run reliability snapshot appended next to every
// RunRecord and aggregated by the metrics summary.
type MetricsRow struct {
	RunID                  string            `json:"run_id"`
	IncidentID             string            `json:"incident_id"`
	TaskType               string            `json:"task_type"`
	ModelName              string            `json:"model_name"`
	ModelConnector         string            `json:"model_connector"`
	AgentID                string            `json:"agent_id"`
	Act                    int               `json:"act"`
	AdaptabilityScore      float64           `json:"adaptability_score"`
	Decision               Decision          `json:"decision"`
	Escalated              bool              `json:"escalated"`
	ContextMode            ContextMode       `json:"context_mode"`
	ConfidenceDelta        float64           `json:"confidence_delta"`
	CDCTUCurve             float64           `json:"cdct_u_curve"`
	CDCTMetricSource       string            `json:"cdct_metric_source"`
	DisagreementDetected   bool              `json:"disagreement_detected"`
	ArbiterResolution      ArbiterResolution `json:"arbiter_resolution"`
	IntegrationQuality     float64           `json:"integration_quality"`
	SupportDocsCount       int               `json:"support_docs_count"`
	ContradictionDocsCount int               `json:"contradiction_docs_count"`
}

// BaselineRecord is a planner-only run with no verification, kept for
// comparison against gated runs.
type BaselineRecord struct {
	RunID          string   `json:"run_id"`
	IncidentID     string   `json:"incident_id"`
	TaskType       string   `json:"task_type"`
	ModelName      string   `json:"model_name"`
	ModelConnector string   `json:"model_connector"`
	ProposedAction string   `json:"proposed_action"`
	Confidence     float64  `json:"confidence"`
	Decision       Decision `json:"decision"`
}
