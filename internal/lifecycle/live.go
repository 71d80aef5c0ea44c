package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/triagegate/internal/evidence"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

// DefaultLiveService is reported for live incidents when no service is
// given.
const DefaultLiveService = "elastic-downloads"

// Spike totals at or above these grade a live incident.
const (
	criticalSpike = 200
	highSpike     = 50
)

// LiveIncident builds an incident from the server errors logged in the
// trailing window.
func LiveIncident(ctx context.Context, logs evidence.LogSource, service string, window time.Duration, now time.Time) (incident.Incident, error) {
	spike, err := logs.ErrorSpike(ctx, window)
	if err != nil {
		return incident.Incident{}, fmt.Errorf("query error spike: %w", err)
	}
	if service == "" {
		service = DefaultLiveService
	}
	minutes := int(window.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	return incident.Incident{
		ID:       "inc-live-auto-" + now.UTC().Format("20060102150405"),
		Service:  service,
		Severity: SpikeSeverity(spike.Total),
		Summary:  fmt.Sprintf("Live %s error spike in last %dm (count=%d)", spike.TopResponse, minutes, spike.Total),
		Symptoms: fmt.Sprintf("Top failing URL: %s; observed %d server errors", spike.TopURL, spike.Total),
	}, nil
}

// SpikeSeverity grades a server error count.
func SpikeSeverity(total int) incident.Severity {
	switch {
	case total >= criticalSpike:
		return incident.SeverityCritical
	case total >= highSpike:
		return incident.SeverityHigh
	default:
		return incident.SeverityMedium
	}
}
