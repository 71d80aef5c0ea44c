package reliability

import (
	"math"

	"github.com/fyrsmithlabs/triagegate/internal/agent"
)

// extractDDFT accepts {HOC, CI}, {AS, ER} and {details: {HOC, CI}}.
func extractDDFT(payload any) (hoc, ci float64) {
	m, ok := payload.(map[string]any)
	if !ok {
		return 0, 0
	}
	details, _ := m["details"].(map[string]any)
	hoc = firstFloat(m["HOC"], m["AS"], details["HOC"])
	ci = firstFloat(m["CI"], m["ER"], details["CI"])
	return hoc, ci
}

// extractEECT accepts {AS, "ACT Rate", ECS} and {as_score, ecs, stability_index}.
func extractEECT(payload any) (as, act, ecs float64) {
	m, ok := payload.(map[string]any)
	if !ok {
		return 0, 0, 0
	}
	as = firstFloat(m["AS"], m["as_score"])
	ecs = firstFloat(m["ECS"], m["ecs"])
	act = firstFloat(m["ACT Rate"], m["act_rate"], m["stability_index"])
	return as, act, ecs
}

// extractCDCT reads u_curve_magnitude from an object or the first list row
// carrying it. List rows without it are reduced to a proxy built from the
// concept-level SF, CRI, SAS_prime and FAR_prime fields.
func extractCDCT(payload any) (float64, string) {
	switch p := payload.(type) {
	case map[string]any:
		f, _ := agent.AsFloat(p["u_curve_magnitude"])
		return f, SourceUCurve
	case []any:
		rows := make([]map[string]any, 0, len(p))
		for _, item := range p {
			row, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if v, ok := row["u_curve_magnitude"]; ok {
				f, _ := agent.AsFloat(v)
				return f, SourceUCurve
			}
			rows = append(rows, row)
		}
		return cdctProxy(rows)
	default:
		return 0, SourceNone
	}
}

func cdctProxy(rows []map[string]any) (float64, string) {
	values := func(key string) []float64 {
		var out []float64
		for _, r := range rows {
			if f, ok := agent.AsFloat(r[key]); ok {
				out = append(out, f)
			}
		}
		return out
	}
	sf := values("SF")
	for i := range sf {
		sf[i] = math.Abs(sf[i])
	}
	cri := values("CRI")
	sas := values("SAS_prime")
	far := values("FAR_prime")
	if len(sf) == 0 && len(cri) == 0 && len(sas) == 0 && len(far) == 0 {
		return 0, SourceNone
	}

	proxy := 0.50*mean(sf, 0) +
		0.25*(1-mean(cri, 1)) +
		0.20*(1-mean(sas, 1)) +
		0.05*mean(far, 0)
	return clamp01(round(proxy, 6)), SourceProxy
}

func firstFloat(values ...any) float64 {
	for _, v := range values {
		if v == nil {
			continue
		}
		f, _ := agent.AsFloat(v)
		return f
	}
	return 0
}

func mean(xs []float64, empty float64) float64 {
	if len(xs) == 0 {
		return empty
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
