package agent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParseJSON extracts a JSON object from free text. It looks for a ```json
// fence, then a bare fence, then the whole text, then the widest {...}
// span. Anything else yields an empty map, never nil.
func ParseJSON(raw string) map[string]any {
	text := strings.TrimSpace(raw)
	if _, after, ok := strings.Cut(text, "```json"); ok {
		inner, _, _ := strings.Cut(after, "```")
		text = strings.TrimSpace(inner)
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimSpace(strings.Trim(text, "`"))
	}
	if text == "" {
		return map[string]any{}
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err == nil && out != nil {
		return out
	}
	if out := firstObject(text); out != nil {
		return out
	}
	return map[string]any{}
}

// firstObject decodes the first JSON object that starts at some '{' in
// text, ignoring whatever follows it.
func firstObject(text string) map[string]any {
	for i := strings.IndexByte(text, '{'); i >= 0; {
		var out map[string]any
		if err := json.NewDecoder(strings.NewReader(text[i:])).Decode(&out); err == nil && out != nil {
			return out
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return nil
}

// Kind tags whether a value came from the backend or from a fallback.
type Kind int

const (
	KindParsed Kind = iota
	KindFallback
)

func (k Kind) String() string {
	if k == KindFallback {
		return "fallback"
	}
	return "parsed"
}

// Planner fallback values.
const (
	FallbackAction     = "investigate_and_escalate"
	FallbackRationale  = "Plan parsing failed."
	FallbackClaim      = "Retrieved context integration incomplete."
	FallbackConfidence = 5.0
)

// ParsedProposal is the planner's reply with every field resolved.
type ParsedProposal struct {
	Kind       Kind
	Action     string
	Rationale  string
	KeyClaims  []string
	Confidence float64
}

// FallbackProposal is used when the reply carries no JSON object at all.
func FallbackProposal() ParsedProposal {
	return ParsedProposal{
		Kind:       KindFallback,
		Action:     FallbackAction,
		Rationale:  FallbackRationale,
		KeyClaims:  []string{FallbackClaim},
		Confidence: FallbackConfidence,
	}
}

// ParseProposal resolves a planner reply. Missing fields take their
// individual fallback values; a list action is joined with " ; ".
func ParseProposal(raw string) ParsedProposal {
	res := ParseJSON(raw)
	if len(res) == 0 {
		return FallbackProposal()
	}
	p := FallbackProposal()
	p.Kind = KindParsed

	switch v := res["proposed_action"].(type) {
	case nil:
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = AsString(item)
		}
		p.Action = strings.Join(parts, " ; ")
	default:
		p.Action = AsString(v)
	}

	if v, ok := res["rationale"]; ok && v != nil {
		p.Rationale = AsString(v)
	}

	switch v := res["key_claims"].(type) {
	case []any:
		claims := make([]string, len(v))
		for i, item := range v {
			claims[i] = AsString(item)
		}
		p.KeyClaims = claims
	case string:
		p.KeyClaims = []string{v}
	}

	if f, ok := AsFloat(res["confidence_initial"]); ok {
		p.Confidence = f
	}
	return p
}

// ClaimResult is the verifier's finding for one claim, by position.
type ClaimResult struct {
	SupportCount          int
	ContradictionCount    int
	VerifiedContradiction bool
}

// VerifierReport is the verifier's reply with every field resolved.
type VerifierReport struct {
	Kind                        Kind
	ClaimResults                []ClaimResult
	PolicyConflicts             []string
	FabricatedAuthorityRejected bool
	// HasConfidence is false when the reply omitted confidence_post_stress.
	HasConfidence bool
	Confidence    float64
	Position      string
}

// FallbackVerifierReport reports no findings.
func FallbackVerifierReport() VerifierReport {
	return VerifierReport{Kind: KindFallback, FabricatedAuthorityRejected: true}
}

// ClaimResult returns the result at index i, or a zero result.
func (r VerifierReport) ClaimResult(i int) ClaimResult {
	if i < 0 || i >= len(r.ClaimResults) {
		return ClaimResult{}
	}
	return r.ClaimResults[i]
}

// ParseVerifierReport resolves a verifier reply.
func ParseVerifierReport(raw string) VerifierReport {
	res := ParseJSON(raw)
	if len(res) == 0 {
		return FallbackVerifierReport()
	}
	r := FallbackVerifierReport()
	r.Kind = KindParsed

	if list, ok := res["claim_results"].([]any); ok {
		for _, item := range list {
			m, _ := item.(map[string]any)
			sup, _ := AsInt(m["support_count"])
			con, _ := AsInt(m["contradiction_count"])
			verified, _ := AsBool(m["verified_contradiction"])
			r.ClaimResults = append(r.ClaimResults, ClaimResult{
				SupportCount:          max(sup, 0),
				ContradictionCount:    max(con, 0),
				VerifiedContradiction: verified,
			})
		}
	}

	if list, ok := res["policy_conflicts"].([]any); ok {
		for _, item := range list {
			if s := AsString(item); item != nil && s != "" {
				r.PolicyConflicts = append(r.PolicyConflicts, s)
			}
		}
	}

	if b, ok := AsBool(res["fabricated_authority_rejected"]); ok {
		r.FabricatedAuthorityRejected = b
	}
	if f, ok := AsFloat(res["confidence_post_stress"]); ok {
		r.HasConfidence = true
		r.Confidence = f
	}
	if v, ok := res["position_after_stress"]; ok && v != nil {
		r.Position = AsString(v)
	}
	return r
}

// AsString renders a decoded JSON value as text.
func AsString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprint(s)
		}
		return string(data)
	}
}

// AsFloat converts a decoded JSON number or numeric string.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// AsInt truncates a decoded JSON number toward zero.
func AsInt(v any) (int, bool) {
	f, ok := AsFloat(v)
	return int(f), ok
}

// AsBool converts a decoded JSON bool or "true"/"false" string.
func AsBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return parsed, err == nil
	default:
		return false, false
	}
}
