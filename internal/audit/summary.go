package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

// Estimated operator minutes saved per run.
const (
	minutesSavedExecuted  = 12.0
	minutesSavedEscalated = 4.0
)

// GroupSummary aggregates the rows of one model or context mode.
type GroupSummary struct {
	Count          int     `json:"count"`
	AvgAS          float64 `json:"avg_as"`
	EscalationRate float64 `json:"escalation_rate"`
}

// Summary aggregates every recorded metrics row.
type Summary struct {
	Runs                  int                     `json:"runs"`
	AvgAS                 float64                 `json:"avg_as"`
	EscalationRate        float64                 `json:"escalation_rate"`
	AutoExecuteRate       float64                 `json:"auto_execute_rate"`
	AvgConfidenceDelta    float64                 `json:"avg_confidence_delta"`
	AvgIntegrationQuality float64                 `json:"avg_integration_quality"`
	AvgSupportDocs        float64                 `json:"avg_support_docs"`
	DisagreementRate      float64                 `json:"disagreement_rate"`
	MinutesSavedPerRun    float64                 `json:"estimated_minutes_saved_per_run"`
	ByModel               map[string]GroupSummary `json:"by_model"`
	ByContextMode         map[string]GroupSummary `json:"by_context_mode"`
}

// ReadMetrics loads the metrics rows recorded in dir. A missing file
// yields no rows.
func ReadMetrics(dir string) ([]incident.MetricsRow, error) {
	f, err := os.Open(filepath.Join(dir, MetricsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening metrics: %w", err)
	}
	defer f.Close()

	var rows []incident.MetricsRow
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for n := 1; scanner.Scan(); n++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var row incident.MetricsRow
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			return nil, fmt.Errorf("metrics line %d: %w", n, err)
		}
		rows = append(rows, row)
	}
	return rows, scanner.Err()
}

// SummarizeDir summarizes the metrics recorded in dir.
func SummarizeDir(dir string) (Summary, error) {
	rows, err := ReadMetrics(dir)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(rows), nil
}

// Summarize computes rates and means over rows. An empty input yields a
// zero summary with empty groups.
func Summarize(rows []incident.MetricsRow) Summary {
	s := Summary{
		Runs:          len(rows),
		ByModel:       map[string]GroupSummary{},
		ByContextMode: map[string]GroupSummary{},
	}
	if len(rows) == 0 {
		return s
	}

	var as, delta, iq, support, minutes float64
	var escalated, disagreed int
	byModel := map[string][]incident.MetricsRow{}
	byMode := map[string][]incident.MetricsRow{}
	for _, r := range rows {
		as += r.AdaptabilityScore
		delta += r.ConfidenceDelta
		iq += r.IntegrationQuality
		support += float64(r.SupportDocsCount)
		if r.Escalated {
			escalated++
			minutes += minutesSavedEscalated
		} else {
			minutes += minutesSavedExecuted
		}
		if r.DisagreementDetected {
			disagreed++
		}
		model := r.ModelName
		if model == "" {
			model = "unknown"
		}
		byModel[model] = append(byModel[model], r)
		byMode[string(r.ContextMode)] = append(byMode[string(r.ContextMode)], r)
	}

	n := float64(len(rows))
	s.AvgAS = round(as/n, 4)
	s.EscalationRate = round(float64(escalated)/n, 4)
	s.AutoExecuteRate = round(float64(len(rows)-escalated)/n, 4)
	s.AvgConfidenceDelta = round(delta/n, 4)
	s.AvgIntegrationQuality = round(iq/n, 4)
	s.AvgSupportDocs = round(support/n, 2)
	s.DisagreementRate = round(float64(disagreed)/n, 4)
	s.MinutesSavedPerRun = round(minutes/n, 2)
	for k, v := range byModel {
		s.ByModel[k] = group(v)
	}
	for k, v := range byMode {
		s.ByContextMode[k] = group(v)
	}
	return s
}

func group(rows []incident.MetricsRow) GroupSummary {
	var as float64
	var escalated int
	for _, r := range rows {
		as += r.AdaptabilityScore
		if r.Escalated {
			escalated++
		}
	}
	n := float64(len(rows))
	return GroupSummary{
		Count:          len(rows),
		AvgAS:          round(as/n, 4),
		EscalationRate: round(float64(escalated)/n, 4),
	}
}

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
