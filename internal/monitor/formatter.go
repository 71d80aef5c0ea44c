package monitor

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/triagegate/internal/incident"
	"github.com/fyrsmithlabs/triagegate/internal/lifecycle"
)

// FormatRate formats a per-minute rate as "X.X/min".
func FormatRate(rate float64) string {
	return fmt.Sprintf("%.1f/min", rate)
}

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatConfidence renders a gate confidence, or "-" before the gate ruled.
func FormatConfidence(gate *incident.GateDecision) string {
	if gate == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", gate.ConfidenceFinal)
}

// FormatDecision abbreviates the gate ruling for the item table.
func FormatDecision(gate *incident.GateDecision) string {
	switch {
	case gate == nil:
		return "pending"
	case gate.Executes():
		return "execute"
	default:
		return "escalate"
	}
}

// FormatAge formats how long ago t was as "Xs", "Xm" or "Xh Ym".
func FormatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return FormatDuration(int64(d.Seconds()))
}

// FormatDuration formats duration in seconds to "Xh Ym" or "Xm"
func FormatDuration(seconds int64) string {
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// ShortState is the column label for a lifecycle state.
func ShortState(s lifecycle.State) string {
	switch s {
	case lifecycle.StateDetected:
		return "DETECT"
	case lifecycle.StateAnalyzing:
		return "ANALYZE"
	case lifecycle.StatePendingSlack:
		return "PENDING"
	case lifecycle.StateReadyToExecute:
		return "READY"
	case lifecycle.StateLearning:
		return "LEARN"
	case lifecycle.StateResolved:
		return "DONE"
	default:
		return string(s)
	}
}
