package notify

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

func blockedPayload() incident.DecisionPayload {
	return incident.DecisionPayload{
		IncidentID:             "INC-0001",
		Service:                "payment-service",
		Severity:               incident.SeverityCritical,
		Decision:               incident.DecisionBlockAndEscalate,
		ExecutionMode:          incident.ExecutionModeEscalate,
		Reasons:                []string{"Contradictions found in evidence"},
		ConfidenceInitial:      8,
		ConfidenceFinal:        4.7,
		ConfidenceDelta:        3.3,
		DisagreementDetected:   true,
		IntegrationQuality:     1,
		SupportDocsCount:       2,
		ContradictionDocsCount: 2,
		PolicyConflictsCount:   1,
		UnsafeActionRejected:   "restart_service",
	}
}

func TestDecisionLabel(t *testing.T) {
	tests := map[string]string{
		"EXECUTE":            "Auto-remediation Approved",
		"execute":            "Auto-remediation Approved",
		"BLOCK_AND_ESCALATE": "Human Escalation Required",
		"REVIEW":             "Human Escalation Required",
		"BLOCK":              "Action Blocked by Safety Gate",
		"":                   "Decision: UNKNOWN",
		"defer":              "Decision: DEFER",
	}
	for in, want := range tests {
		assert.Equal(t, want, DecisionLabel(in), in)
	}
}

func TestRiskLevel(t *testing.T) {
	p := blockedPayload()
	assert.Equal(t, "High", RiskLevel(p))

	p.Decision = incident.DecisionExecute
	assert.Equal(t, "Medium", RiskLevel(p))

	p.ContradictionDocsCount, p.ConfidenceDelta = 0, 0.5
	assert.Equal(t, "Controlled", RiskLevel(p))

	p.SupportDocsCount = 0
	assert.Equal(t, "Medium", RiskLevel(p))

	p.Severity = incident.SeverityLow
	assert.Equal(t, "Controlled", RiskLevel(p))
}

func TestExtractSteps(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "  ", nil},
		{"single", "restart_service", []string{"restart_service"}},
		{"numbered", "1. drain pool 2. restart pods 3. verify 4. close", []string{"drain pool", "restart pods", "verify"}},
		{"semicolons", "scale out; warm cache", []string{"scale out", "warm cache"}},
		{"literal newlines", `check db\nrotate creds`, []string{"check db", "rotate creds"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractSteps(tt.in, maxSteps))
		})
	}

	long := strings.Repeat("x", 400)
	steps := ExtractSteps(long, maxSteps)
	require.Len(t, steps, 1)
	assert.Len(t, steps[0], stepLimit)
	assert.True(t, strings.HasSuffix(steps[0], "..."))
}

func TestWhyNot(t *testing.T) {
	assert.Equal(t,
		"• Rejected broad action: restart_service\n• Contradictions detected: 2\n• Policy conflicts detected: 1",
		WhyNot(blockedPayload()))
	assert.Equal(t, "• No risky alternatives were considered.", WhyNot(incident.DecisionPayload{}))
}

func TestMentionToken(t *testing.T) {
	assert.Equal(t, "<@U123>", MentionToken("<@U123>"))
	assert.Equal(t, "<@U123>", MentionToken("U123"))
	assert.Equal(t, "@sre-lead", MentionToken("@sre-lead"))
	assert.Equal(t, "@sre-lead", MentionToken("sre-lead"))
	assert.Equal(t, "@oncall", MentionToken(""))
}

func TestAdminUserID(t *testing.T) {
	assert.Equal(t, "U1", AdminUserID("U1", "<@U2>"))
	assert.Equal(t, "U2", AdminUserID("", "<@U2>"))
	assert.Equal(t, "U3", AdminUserID("not an id", "U3"))
	assert.Equal(t, "", AdminUserID("", "@lead"))
}

func TestFormatter_Decision(t *testing.T) {
	f := Formatter{KibanaURL: "https://kb.example/", AdminMention: "U42", ChannelLabel: "#sre"}
	p := blockedPayload()
	p.CriticalHazard = true
	msg := f.Decision(p)

	assert.Equal(t, "#sre", msg.Channel)
	assert.Equal(t, 1, msg.LinkNames)
	require.NotNil(t, msg.UnfurlLinks)
	assert.False(t, *msg.UnfurlLinks)
	assert.Contains(t, msg.Text, "Incident Update - payment-service (CRITICAL)")
	assert.Contains(t, msg.Text, "Confidence Before/After: 8.0 -> 4.7 (delta 3.3)")
	assert.Contains(t, msg.Text, "Risk: High")

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "⛔ 🚨 [CRITICAL HAZARD] Incident Update - payment-service (CRITICAL)")
	assert.Contains(t, body, "Human Escalation Required")
	assert.Contains(t, body, "Critical contradictions detected (2)")
	assert.Contains(t, body, "Planner/Verifier disagreement detected")
	assert.Contains(t, body, "*Actions Recommended*")
	assert.Contains(t, body, "Rejected broad action: restart_service")
	assert.Contains(t, body, "https://kb.example/app/discover")
	assert.Contains(t, body, "Admin: \\u003c@U42\\u003e")
	assert.Len(t, msg.Blocks.BlockSet, 9)
}

func TestFormatter_DecisionExecute(t *testing.T) {
	f := Formatter{}
	p := incident.DecisionPayload{
		IncidentID: "INC-2", Service: "api", Severity: incident.SeverityLow,
		Decision: incident.DecisionExecute, ExecutionMode: "scale_out",
		ConfidenceInitial: 8, ConfidenceFinal: 8,
	}
	raw, err := json.Marshal(f.Decision(p))
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "✅ Incident Update - api (LOW)")
	assert.Contains(t, body, "*Actions Executing*\\n• scale_out")
	assert.Contains(t, body, "No critical contradictions detected")
	assert.Contains(t, body, "Channel: #reliability")
	assert.NotContains(t, body, "CRITICAL HAZARD")
}

func TestFormatter_AdminSummary(t *testing.T) {
	f := Formatter{AdminMention: "@lead"}
	msg := f.AdminSummary(blockedPayload())
	assert.Equal(t,
		"@lead Human Escalation Required for incident `INC-0001` on `payment-service` (CRITICAL). Confidence: 8.0 -> 4.7 (delta 3.3).",
		msg.Text)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "1. escalate_to_human")
}

func TestFormatter_UrgentText(t *testing.T) {
	text := Formatter{}.UrgentText(blockedPayload())
	assert.True(t, strings.HasPrefix(text, "⛔ Human Escalation Required\n"))
	assert.Contains(t, text, "Confidence: 8.0 → 4.7 (delta 3.3)")
	assert.Contains(t, text, "Immediate next steps:\n1. escalate_to_human\n")
}
