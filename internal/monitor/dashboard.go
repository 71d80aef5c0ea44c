// Package monitor renders the lifecycle controller as a terminal dashboard.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/triagegate/internal/lifecycle"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	maxRows         = 8
	maxNotes        = 6
	maxLogLines     = 4
)

// Model is the BubbleTea dashboard model.
type Model struct {
	source     Source
	interval   time.Duration
	lastUpdate time.Time
	snap       lifecycle.Snapshot
	err        error
	quitting   bool
	now        func() time.Time

	errorHistory   []float64
	logRateHistory []float64
	lastProcessed  int64

	queueProgress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard that polls source every interval.
func NewModel(source Source, interval time.Duration) Model {
	return Model{
		source:   source,
		interval: interval,
		now:      time.Now,
		queueProgress: progress.New(
			progress.WithGradient("#00ff00", "#ff0000"),
			progress.WithWidth(40),
		),
		errorHistory:   make([]float64, 0, historySize),
		logRateHistory: make([]float64, 0, historySize),
	}
}

// stateBadge colors a state label: pending approval warns, resolved is
// healthy and errored items are red.
func stateBadge(it lifecycle.Item) string {
	label := ShortState(it.State)
	switch {
	case it.Error != "":
		return errorStyle.Render(label)
	case it.State == lifecycle.StatePendingSlack:
		return warningStyle.Render(label)
	case it.State == lifecycle.StateResolved:
		return healthyStyle.Render(label)
	default:
		return valueStyle.Render(label)
	}
}

func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

type tickMsg time.Time
type snapshotMsg lifecycle.Snapshot
type errMsg error

// Init starts auto-refresh and fetches the first snapshot.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchSnapshot(m.source),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchSnapshot(source Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := source.Snapshot(ctx)
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg(snap)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.source)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchSnapshot(m.source),
		)

	case snapshotMsg:
		snap := lifecycle.Snapshot(msg)
		now := m.now()
		m.errorHistory = appendToHistory(m.errorHistory, float64(snap.ActiveErrors))
		if !m.lastUpdate.IsZero() {
			if mins := now.Sub(m.lastUpdate).Minutes(); mins > 0 {
				delta := snap.ProcessedLogs - m.lastProcessed
				if delta < 0 {
					delta = 0
				}
				m.logRateHistory = appendToHistory(m.logRateHistory, float64(delta)/mins)
			}
		}
		m.lastProcessed = snap.ProcessedLogs
		m.snap = snap
		m.lastUpdate = now
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	header := headerStyle.Render("triagegate Incident Dashboard")

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(errorStyle.Render("⚠ Cannot read controller snapshot") + "\n\n")
	b.WriteString(dimStyle.Render("Source: ") + valueStyle.Render(m.source.Describe()) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(dimStyle.Render("Start the controller with `triagegate serve --controller`.") + "\n\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry") + "\n")

	return containerStyle.Render(header + "\n" + b.String())
}

func (m Model) renderDashboard() string {
	var b strings.Builder
	snap := m.snap
	now := m.now()

	lastUpdate := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("3:04:05 PM")
	}
	status := snap.Status
	if status == "" {
		status = "Idle"
	}
	b.WriteString(headerStyle.Render(" triagegate Monitor ") + "\n")
	b.WriteString(fmt.Sprintf("%s   %s   %s\n",
		valueStyle.Render(status),
		dimStyle.Render(m.source.Describe()),
		dimStyle.Render(lastUpdate)))

	// Telemetry
	b.WriteString("\n" + sectionStyle.Render("┃ Telemetry") + "\n")
	b.WriteString(labelStyle.Render("  Active errors: ") +
		valueStyle.Render(fmt.Sprintf("%d", snap.ActiveErrors)) +
		"   " + createSparkline(m.errorHistory) + "\n")
	rate := 0.0
	if n := len(m.logRateHistory); n > 0 {
		rate = m.logRateHistory[n-1]
	}
	b.WriteString(labelStyle.Render("  Logs processed: ") +
		valueStyle.Render(fmt.Sprintf("%d", snap.ProcessedLogs)) +
		dimStyle.Render(" ("+FormatRate(rate)+")") +
		"   " + createSparkline(m.logRateHistory) + "\n")
	for _, line := range tail(snap.LogLines, maxLogLines) {
		b.WriteString(dimStyle.Render("  "+line) + "\n")
	}

	// Queue
	total, open := 0, 0
	for _, s := range lifecycle.States {
		total += snap.Counts[s]
		if s != lifecycle.StateResolved {
			open += snap.Counts[s]
		}
	}
	b.WriteString("\n" + sectionStyle.Render("┃ Queue") + "\n")
	var counts []string
	for _, s := range lifecycle.States {
		counts = append(counts, dimStyle.Render(ShortState(s)+"=")+valueStyle.Render(fmt.Sprintf("%d", snap.Counts[s])))
	}
	b.WriteString("  " + strings.Join(counts, "  ") + "\n")
	openRatio := 0.0
	if total > 0 {
		openRatio = float64(open) / float64(total)
	}
	b.WriteString(labelStyle.Render("  Open: ") + m.queueProgress.ViewAs(openRatio) +
		" " + dimStyle.Render(FormatPercentage(openRatio)) + "\n")
	b.WriteString(labelStyle.Render("  Refusals: ") + valueStyle.Render(fmt.Sprintf("%d", snap.Refused)) +
		labelStyle.Render("  KB updates: ") + valueStyle.Render(fmt.Sprintf("%d", snap.KBUpdates)) + "\n")

	// Incidents
	b.WriteString("\n" + sectionStyle.Render("┃ Incidents") + "\n")
	if len(snap.Items) == 0 {
		b.WriteString(dimStyle.Render("  no incidents") + "\n")
	}
	items := snap.Items
	if len(items) > maxRows {
		items = items[len(items)-maxRows:]
	}
	for _, it := range items {
		flag := ""
		switch {
		case it.Overridden:
			flag = warningStyle.Render(" override")
		case it.Refused:
			flag = errorStyle.Render(" refused")
		}
		b.WriteString(fmt.Sprintf("  %-10s %s  %s %s  %s%s\n",
			it.DisplayID(),
			stateBadge(it),
			dimStyle.Render("conf"),
			valueStyle.Render(FormatConfidence(it.Gate)),
			dimStyle.Render(FormatDecision(it.Gate)+" · "+FormatAge(it.UpdatedAt, now)),
			flag))
	}

	// Reasoning
	if len(snap.Notes) > 0 {
		b.WriteString("\n" + sectionStyle.Render("┃ Reasoning") + "\n")
		for _, n := range tail(snap.Notes, maxNotes) {
			b.WriteString(dimStyle.Render("  "+n.Time.Format("15:04:05")+" ") +
				labelStyle.Render(n.Source+": ") + n.Text + "\n")
		}
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}

func tail[T any](xs []T, n int) []T {
	if len(xs) > n {
		return xs[len(xs)-n:]
	}
	return xs
}
