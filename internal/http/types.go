package http

import "github.com/fyrsmithlabs/triagegate/internal/incident"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// GateRequest is the request body for POST /api/v1/gate.
type GateRequest struct {
	Incident        incident.Incident     `json:"incident"`
	Plan            incident.Plan         `json:"plan"`
	Stress          incident.StressResult `json:"stress"`
	UCurveMagnitude float64               `json:"u_curve_magnitude"`
}

// GateResponse is the response body for POST /api/v1/gate.
type GateResponse struct {
	Compress incident.ContextDecision `json:"compress"`
	Gate     incident.GateDecision    `json:"gate"`
}

// SignalRequest is the request body for POST /api/v1/incidents/:id/signal.
type SignalRequest struct {
	Text string `json:"text"`
}

// SignalResponse reports what the controller did with a signal.
type SignalResponse struct {
	ID      string `json:"id"`
	Intent  string `json:"intent"`
	Outcome string `json:"outcome"`
}
