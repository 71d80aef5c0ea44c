package notify

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/slack-go/slack"

	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

const (
	gateProtocol    = "AGT Protocol 1.0"
	maxSteps        = 3
	stepLimit       = 280
	rejectedLimit   = 160
	defaultMention  = "oncall"
	noReason        = "No reason captured."
	defaultNextStep = "Follow runbook and verify service health."
)

var stepSplit = regexp.MustCompile(`(?:\s*\d+\.\s+|\s*;\s*|\n+)`)

// WebhookMessage is the body posted to a Slack incoming webhook.
type WebhookMessage struct {
	Channel     string       `json:"channel,omitempty"`
	Text        string       `json:"text"`
	Blocks      slack.Blocks `json:"blocks"`
	LinkNames   int          `json:"link_names,omitempty"`
	UnfurlLinks *bool        `json:"unfurl_links,omitempty"`
	UnfurlMedia *bool        `json:"unfurl_media,omitempty"`
}

// Link is a labelled URL rendered in Slack link syntax.
type Link struct {
	Label string
	URL   string
}

// Formatter renders decision payloads as Slack messages.
type Formatter struct {
	KibanaURL    string
	AdminMention string
	ChannelLabel string
}

func (f Formatter) channel() string {
	label := strings.TrimLeft(f.ChannelLabel, "#")
	if label == "" {
		label = "reliability"
	}
	return label
}

// Decision renders the full incident update posted to the team channel.
func (f Formatter) Decision(p incident.DecisionPayload) WebhookMessage {
	severity := strings.ToUpper(string(p.Severity))
	if severity == "" {
		severity = "MEDIUM"
	}
	decision := strings.ToUpper(string(p.Decision))
	label := DecisionLabel(decision)
	executing := decision == "EXECUTE"
	reason := topReason(p.Reasons)
	steps := ExtractSteps(p.ExecutionMode, maxSteps)
	risk := RiskLevel(p)
	confidence := confidenceLine(p, "->")
	service := orDefault(p.Service, "unknown")
	id := orDefault(p.IncidentID, "unknown")

	verifier := "No critical contradictions detected"
	if p.ContradictionDocsCount > 0 {
		verifier = fmt.Sprintf("Critical contradictions detected (%d)", p.ContradictionDocsCount)
	}
	evidence := []string{
		fmt.Sprintf("• Supporting documents found: %d", p.SupportDocsCount),
		fmt.Sprintf("• Contradictions found: %d", p.ContradictionDocsCount),
		fmt.Sprintf("• Policy conflicts: %d", p.PolicyConflictsCount),
		"• Integration quality score: " + num(p.IntegrationQuality),
		"• Verifier result: " + verifier,
		"• Risk level: " + risk,
	}
	if p.DisagreementDetected {
		evidence = append(evidence, "• Planner/Verifier disagreement detected")
	}
	safety := "Fabrication check passed, no fabricated evidence detected"
	if p.FabricationTrapRejected {
		safety = "Fabrication trap triggered, evidence flagged as suspicious"
	}

	next := "• " + defaultNextStep
	if len(steps) > 0 {
		next = bulleted(steps)
	}
	actionsTitle := "Recommended"
	if executing {
		actionsTitle = "Executing"
	}
	emoji := "⛔"
	if executing {
		emoji = "✅"
	}
	hazard := ""
	if p.CriticalHazard {
		hazard = "🚨 [CRITICAL HAZARD] "
	}

	header := fmt.Sprintf("%s %sIncident Update - %s (%s)", emoji, hazard, service, severity)
	blocks := []slack.Block{
		slack.NewHeaderBlock(plain(header)),
		slack.NewSectionBlock(nil, []*slack.TextBlockObject{
			mrkdwn(fmt.Sprintf("*Incident*\n`%s`", id)),
			mrkdwn(fmt.Sprintf("*Service*\n`%s`", service)),
			mrkdwn(fmt.Sprintf("*Severity*\n`%s`", severity)),
			mrkdwn(fmt.Sprintf("*Decision*\n`%s`", label)),
			mrkdwn(fmt.Sprintf("*Confidence (Before → After)*\n`%s`", confidence)),
		}, nil),
		section("*Safety Gate*\n" + gateProtocol),
		section(fmt.Sprintf("*Why This Decision*\n%s\n• %s", reason, safety)),
		section("*Evidence Summary*\n" + strings.Join(evidence, "\n")),
		section(fmt.Sprintf("*Actions %s*\n%s", actionsTitle, next)),
		section("*Rejected Alternatives*\n" + WhyNot(p)),
		section("*Open in Elastic*\n" + linkLine(f.ElasticLinks(service, id))),
		slack.NewContextBlock("",
			mrkdwn("Channel: #"+f.channel()),
			mrkdwn("Admin: "+MentionToken(f.AdminMention)),
			mrkdwn("Safety Gate: "+gateProtocol),
		),
	}

	var fallback strings.Builder
	fmt.Fprintf(&fallback, "Incident Update - %s (%s)\n", service, severity)
	fmt.Fprintf(&fallback, "Incident: %s\n", id)
	fmt.Fprintf(&fallback, "Decision: %s\n", label)
	fmt.Fprintf(&fallback, "Confidence Before/After: %s\n", confidence)
	fmt.Fprintf(&fallback, "Risk: %s\n", risk)
	fmt.Fprintf(&fallback, "Reason: %s\n", reason)
	fallback.WriteString("Next:")
	for _, s := range steps {
		fallback.WriteString("\n- " + s)
	}

	off := false
	return WebhookMessage{
		Channel:     "#" + f.channel(),
		Text:        fallback.String(),
		Blocks:      slack.Blocks{BlockSet: blocks},
		LinkNames:   1,
		UnfurlLinks: &off,
		UnfurlMedia: &off,
	}
}

// AdminSummary renders the short summary sent to the admin webhook.
func (f Formatter) AdminSummary(p incident.DecisionPayload) WebhookMessage {
	label := DecisionLabel(strings.ToUpper(string(p.Decision)))
	text := fmt.Sprintf("%s %s for incident `%s` on `%s` (%s). Confidence: %s.",
		MentionToken(f.AdminMention), label, p.IncidentID, p.Service,
		strings.ToUpper(orDefault(string(p.Severity), "n/a")), confidenceLine(p, "->"))

	actions := numbered(ExtractSteps(p.ExecutionMode, maxSteps))
	if actions == "" {
		actions = "1. Follow service runbook and verify health."
	}
	return WebhookMessage{
		Channel:   "#" + f.channel(),
		Text:      text,
		LinkNames: 1,
		Blocks: slack.Blocks{BlockSet: []slack.Block{
			slack.NewHeaderBlock(plain("Admin Summary")),
			section(text),
			section("*Reason*\n" + topReason(p.Reasons)),
			section("*Recommended Actions*\n" + actions),
		}},
	}
}

// UrgentText renders the direct message sent to the admin for urgent
// decisions.
func (f Formatter) UrgentText(p incident.DecisionPayload) string {
	decision := strings.ToUpper(string(p.Decision))
	emoji := "⛔"
	if decision == "EXECUTE" {
		emoji = "✅"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", emoji, DecisionLabel(decision))
	fmt.Fprintf(&b, "Incident `%s` on `%s` (%s).\n", p.IncidentID, p.Service, strings.ToUpper(string(p.Severity)))
	fmt.Fprintf(&b, "Confidence: %s\n", confidenceLine(p, "→"))
	fmt.Fprintf(&b, "Reason: %s\n", topReason(p.Reasons))
	fmt.Fprintf(&b, "Rejected alternatives: %s\n", WhyNot(p))
	b.WriteString("Immediate next steps:\n")
	if steps := numbered(ExtractSteps(p.ExecutionMode, maxSteps)); steps != "" {
		b.WriteString(steps + "\n")
	}
	b.WriteString("Links: " + linkLine(f.ElasticLinks(p.Service, p.IncidentID)))
	return b.String()
}

// ElasticLinks returns Kibana deep links for an incident, in display order.
func (f Formatter) ElasticLinks(service, incidentID string) []Link {
	kb := strings.TrimRight(f.KibanaURL, "/")
	query := fmt.Sprintf(`service.name:"%s" OR service:"%s" OR incident_id:"%s"`, service, service, incidentID)
	wf := fmt.Sprintf(`incident_id:"%s"`, incidentID)
	return []Link{
		{"Discover (Service Logs)", fmt.Sprintf("%s/app/discover#/?_a=(query:(language:kuery,query:'%s'))", kb, url.PathEscape(query))},
		{"Discover (Workflow Events)", fmt.Sprintf("%s/app/discover#/?_a=(query:(language:kuery,query:'%s'))", kb, url.PathEscape(wf))},
		{"Stack Management", kb + "/app/management/data/index_management/indices"},
		{"Discover Home", kb + "/app/discover"},
	}
}

// DecisionLabel maps an upper-case decision to its human label.
func DecisionLabel(decision string) string {
	switch d := strings.ToUpper(decision); d {
	case "EXECUTE":
		return "Auto-remediation Approved"
	case "ESCALATE", "REVIEW", "BLOCK_AND_ESCALATE":
		return "Human Escalation Required"
	case "BLOCK":
		return "Action Blocked by Safety Gate"
	case "":
		return "Decision: UNKNOWN"
	default:
		return "Decision: " + d
	}
}

// RiskLevel grades a decision as High, Medium or Controlled.
func RiskLevel(p incident.DecisionPayload) string {
	decision := strings.ToUpper(string(p.Decision))
	switch {
	case decision == "BLOCK_AND_ESCALATE" || decision == "BLOCK":
		return "High"
	case p.ContradictionDocsCount > 0 || p.ConfidenceDelta >= 3:
		return "Medium"
	case p.Severity == incident.SeverityCritical && p.SupportDocsCount == 0:
		return "Medium"
	default:
		return "Controlled"
	}
}

// ExtractSteps splits an action description into at most limit steps on
// numbered items, semicolons and newlines.
func ExtractSteps(action string, limit int) []string {
	text := normalize(action)
	if text == "" {
		return nil
	}
	var steps []string
	for _, part := range stepSplit.Split(text, -1) {
		if s := strings.TrimSpace(part); s != "" {
			steps = append(steps, s)
		}
	}
	if len(steps) == 0 {
		steps = []string{text}
	}
	if len(steps) > limit {
		steps = steps[:limit]
	}
	for i, s := range steps {
		steps[i] = compact(s, stepLimit)
	}
	return steps
}

// WhyNot lists the alternatives the gate rejected as Slack bullets.
func WhyNot(p incident.DecisionPayload) string {
	var lines []string
	if rejected := normalize(p.UnsafeActionRejected); rejected != "" {
		lines = append(lines, "Rejected broad action: "+compact(rejected, rejectedLimit))
	}
	if p.ContradictionDocsCount > 0 {
		lines = append(lines, fmt.Sprintf("Contradictions detected: %d", p.ContradictionDocsCount))
	}
	if p.PolicyConflictsCount > 0 {
		lines = append(lines, fmt.Sprintf("Policy conflicts detected: %d", p.PolicyConflictsCount))
	}
	if len(lines) == 0 {
		lines = append(lines, "No risky alternatives were considered.")
	}
	return bulleted(lines)
}

// MentionToken turns an admin handle or member id into a Slack mention.
func MentionToken(mention string) string {
	m := strings.TrimSpace(mention)
	if m == "" {
		m = defaultMention
	}
	switch {
	case strings.HasPrefix(m, "<@") && strings.HasSuffix(m, ">"):
		return m
	case isMemberID(m):
		return "<@" + m + ">"
	case strings.HasPrefix(m, "@"):
		return m
	default:
		return "@" + m
	}
}

// AdminUserID resolves the member id to DM from an explicit id or a
// mention. It returns "" when neither names a member.
func AdminUserID(explicit, mention string) string {
	if id := strings.TrimSpace(explicit); isMemberID(id) {
		return id
	}
	m := strings.TrimSpace(mention)
	if strings.HasPrefix(m, "<@") && strings.HasSuffix(m, ">") {
		return m[2 : len(m)-1]
	}
	if isMemberID(m) {
		return m
	}
	return ""
}

func isMemberID(s string) bool {
	return strings.HasPrefix(s, "U") && !strings.Contains(s, " ")
}

// normalize expands literal escape sequences some model replies contain.
func normalize(s string) string {
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\t`, "\t")
	return strings.TrimSpace(s)
}

func compact(s string, limit int) string {
	clean := strings.Join(strings.Fields(s), " ")
	if len(clean) <= limit {
		return clean
	}
	return clean[:limit-3] + "..."
}

func topReason(reasons []string) string {
	if len(reasons) == 0 {
		return noReason
	}
	return normalize(reasons[0])
}

func confidenceLine(p incident.DecisionPayload, arrow string) string {
	return fmt.Sprintf("%s %s %s (delta %s)", num(p.ConfidenceInitial), arrow, num(p.ConfidenceFinal), num(p.ConfidenceDelta))
}

// num prints a float the way the dashboards display scores: shortest form,
// always with a fractional part.
func num(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func bulleted(lines []string) string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = "• " + l
	}
	return strings.Join(out, "\n")
}

func numbered(lines []string) string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = fmt.Sprintf("%d. %s", i+1, l)
	}
	return strings.Join(out, "\n")
}

func linkLine(links []Link) string {
	parts := make([]string, 0, len(links))
	for _, l := range links {
		if l.URL != "" {
			parts = append(parts, fmt.Sprintf("<%s|%s>", l.URL, l.Label))
		}
	}
	return strings.Join(parts, " | ")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func plain(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.PlainTextType, text, false, false)
}

func mrkdwn(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, text, false, false)
}

func section(text string) *slack.SectionBlock {
	return slack.NewSectionBlock(mrkdwn(text), nil, nil)
}
