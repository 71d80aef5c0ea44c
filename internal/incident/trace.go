package incident

import (
	"sync"
	"time"
)

// ToolCall is one external call made during a run.
type ToolCall struct {
	Timestamp time.Time      `json:"ts"`
	Tool      string         `json:"tool"`
	Operation string         `json:"operation"`
	Details   map[string]any `json:"details"`
}

// Trace is the ordered log of external calls for a single run. It is safe
// for concurrent use; collaborators record into it as they go.
type Trace struct {
	mu    sync.Mutex
	calls []ToolCall
	now   func() time.Time
}

// NewTrace returns an empty trace stamped with the wall clock in UTC.
func NewTrace() *Trace {
	return &Trace{now: func() time.Time { return time.Now().UTC() }}
}

// Record appends a call. A nil Trace discards it.
func (t *Trace) Record(tool, operation string, details map[string]any) {
	if t == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	t.mu.Lock()
	t.calls = append(t.calls, ToolCall{
		Timestamp: t.now(),
		Tool:      tool,
		Operation: operation,
		Details:   details,
	})
	t.mu.Unlock()
}

// Calls returns a copy of the recorded calls in order.
func (t *Trace) Calls() []ToolCall {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ToolCall, len(t.calls))
	copy(out, t.calls)
	return out
}

// Delivery statuses used by notification and escalation outcomes.
const (
	StatusTriggered = "triggered"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// Delivery describes the result of one outbound notification.
type Delivery struct {
	Status     string `json:"status"`
	Channel    string `json:"channel,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Response   string `json:"response,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Warning    string `json:"warning,omitempty"`
	Error      string `json:"error,omitempty"`
}

// WorkflowOutcome is the result of dispatching a gate decision.
type WorkflowOutcome struct {
	Delivery
	AdminDelivery      *Delivery `json:"admin_delivery,omitempty"`
	UrgentDM           *Delivery `json:"urgent_dm,omitempty"`
	ExternalEscalation *Delivery `json:"external_escalation,omitempty"`
	EventPublished     bool      `json:"event_published"`
}
