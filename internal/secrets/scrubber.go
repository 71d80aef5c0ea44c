package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/triagegate/internal/config"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

// Redaction replaces every detected credential.
const Redaction = "[REDACTED]"

type compiledRule struct {
	Rule
	pattern *regexp.Regexp
}

// Scrubber redacts credentials using a fixed rule set. It is safe for
// concurrent use.
type Scrubber struct {
	rules []compiledRule
	allow []*regexp.Regexp
}

// New builds a Scrubber with DefaultRules. A disabled config yields a
// Scrubber that passes content through.
func New(cfg config.ScrubConfig) (*Scrubber, error) {
	if !cfg.Enabled {
		return &Scrubber{}, nil
	}
	return Compile(DefaultRules(), cfg.AllowList)
}

// Compile builds a Scrubber from explicit rules and allow-list patterns.
func Compile(rules []Rule, allowList []string) (*Scrubber, error) {
	s := &Scrubber{}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: scrub rule %s: %v", config.ErrInvalidConfig, r.ID, err)
		}
		s.rules = append(s.rules, compiledRule{Rule: r, pattern: re})
	}
	for _, p := range allowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: scrub allow list %q: %v", config.ErrInvalidConfig, p, err)
		}
		s.allow = append(s.allow, re)
	}
	return s, nil
}

// Enabled reports whether any rule is active.
func (s *Scrubber) Enabled() bool { return s != nil && len(s.rules) > 0 }

type span struct{ start, end int }

// Scrub redacts every credential in content.
func (s *Scrubber) Scrub(content string) Result {
	res := Result{Scrubbed: content}
	if !s.Enabled() || content == "" {
		return res
	}

	lower := strings.ToLower(content)
	var spans []span
	for _, r := range s.rules {
		if !hasKeyword(lower, r.Keywords) {
			continue
		}
		for _, m := range r.pattern.FindAllStringIndex(content, -1) {
			if s.allowed(content[m[0]:m[1]]) {
				continue
			}
			res.Findings = append(res.Findings, Finding{
				RuleID:      r.ID,
				Description: r.Description,
				Start:       m[0],
				End:         m[1],
			})
			if res.ByRule == nil {
				res.ByRule = make(map[string]int)
			}
			res.ByRule[r.ID]++
			spans = append(spans, span{m[0], m[1]})
		}
	}
	if len(spans) == 0 {
		return res
	}

	var b strings.Builder
	last := 0
	for _, sp := range merge(spans) {
		b.WriteString(content[last:sp.start])
		b.WriteString(Redaction)
		last = sp.end
	}
	b.WriteString(content[last:])
	res.Scrubbed = b.String()
	return res
}

// String returns content with credentials redacted.
func (s *Scrubber) String(content string) string {
	return s.Scrub(content).Scrubbed
}

// Incident redacts the free-text fields of inc.
func (s *Scrubber) Incident(inc incident.Incident) incident.Incident {
	inc.Summary = s.String(inc.Summary)
	inc.Symptoms = s.String(inc.Symptoms)
	return inc
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func hasKeyword(lower string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// merge sorts spans and folds overlapping or adjacent ones together.
func merge(spans []span) []span {
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	out := []span{spans[0]}
	for _, sp := range spans[1:] {
		last := &out[len(out)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		out = append(out, sp)
	}
	return out
}
