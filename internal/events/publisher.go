// Package events publishes gate decisions and lifecycle transitions on
// NATS so other systems can follow incidents without polling the audit
// log.
//
// Subjects:
//
//	{prefix}.decisions.{decision}
//	{prefix}.lifecycle.{state}
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

// DefaultPrefix is used when no subject prefix is configured.
const DefaultPrefix = "triagegate"

// DecisionEvent is published once per gated run.
type DecisionEvent struct {
	RunID     string                   `json:"run_id"`
	Timestamp time.Time                `json:"ts"`
	Payload   incident.DecisionPayload `json:"payload"`
}

// TransitionEvent is published when a lifecycle item changes state.
type TransitionEvent struct {
	IncidentID string    `json:"incident_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	JiraKey    string    `json:"jira_key,omitempty"`
	Timestamp  time.Time `json:"ts"`
}

// Publisher writes events to a NATS connection.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// Connect dials url with reconnects enabled.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("triagegate"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	if logger != nil {
		logger.Info("connected to NATS", zap.String("url", url))
	}
	return nc, nil
}

// NewPublisher wraps nc. An empty prefix uses DefaultPrefix.
func NewPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}
}

// DecisionSubject returns the subject a decision is published on.
func (p *Publisher) DecisionSubject(d incident.Decision) string {
	return fmt.Sprintf("%s.decisions.%s", p.prefix, token(string(d)))
}

// TransitionSubject returns the subject a transition into state is
// published on.
func (p *Publisher) TransitionSubject(state string) string {
	return fmt.Sprintf("%s.lifecycle.%s", p.prefix, token(state))
}

// PublishDecision publishes one gated run.
func (p *Publisher) PublishDecision(runID string, payload incident.DecisionPayload) error {
	return p.publish(p.DecisionSubject(payload.Decision), DecisionEvent{
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

// PublishTransition publishes one lifecycle state change.
func (p *Publisher) PublishTransition(ev TransitionEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return p.publish(p.TransitionSubject(ev.To), ev)
}

func (p *Publisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("event published", zap.String("subject", subject))
	return nil
}

// token makes s safe as a single subject token.
func token(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}
