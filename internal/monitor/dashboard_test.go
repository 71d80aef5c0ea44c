package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/triagegate/internal/incident"
	"github.com/fyrsmithlabs/triagegate/internal/lifecycle"
)

type fakeSource struct {
	snap lifecycle.Snapshot
	err  error
}

func (f *fakeSource) Snapshot(context.Context) (lifecycle.Snapshot, error) { return f.snap, f.err }
func (f *fakeSource) Describe() string                                     { return "fake" }

func sampleSnapshot() lifecycle.Snapshot {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return lifecycle.Snapshot{
		Status:        "Waiting for approval",
		ActiveErrors:  3,
		ProcessedLogs: 120,
		Refused:       1,
		KBUpdates:     2,
		Counts: map[lifecycle.State]int{
			lifecycle.StatePendingSlack: 1,
			lifecycle.StateResolved:     1,
		},
		Items: []lifecycle.Item{
			{
				ID:        "INC-1",
				JiraKey:   "OPS-42",
				State:     lifecycle.StatePendingSlack,
				Refused:   true,
				Gate:      &incident.GateDecision{Decision: incident.DecisionBlockAndEscalate, ConfidenceFinal: 3.25},
				UpdatedAt: now.Add(-90 * time.Second),
			},
			{
				ID:        "INC-2",
				State:     lifecycle.StateResolved,
				Gate:      &incident.GateDecision{Decision: incident.DecisionExecute, ConfidenceFinal: 8.5},
				UpdatedAt: now.Add(-10 * time.Second),
			},
		},
		Notes:    []lifecycle.Note{{Time: now, Source: "gate", Text: "blocked rollback_payment_service"}},
		LogLines: []string{"ERROR pool exhausted"},
	}
}

func newTestModel(src Source) Model {
	m := NewModel(src, 5*time.Second)
	m.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return m
}

func TestNewModel(t *testing.T) {
	src := &fakeSource{}
	model := NewModel(src, 5*time.Second)
	assert.Equal(t, src, model.source)
	assert.Equal(t, 5*time.Second, model.interval)
	assert.False(t, model.quitting)
	assert.NotNil(t, model.Init())
}

func TestModel_Update_Keys(t *testing.T) {
	model := newTestModel(&fakeSource{})

	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	assert.True(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, updated.(Model).View())

	updated, cmd = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	assert.False(t, updated.(Model).quitting)
	require.NotNil(t, cmd)
	_, ok := cmd().(snapshotMsg)
	assert.True(t, ok)
}

func TestModel_Update_TickFetches(t *testing.T) {
	model := newTestModel(&fakeSource{})
	_, cmd := model.Update(tickMsg(time.Now()))
	assert.NotNil(t, cmd)
}

func TestFetchSnapshot(t *testing.T) {
	msg := fetchSnapshot(&fakeSource{snap: sampleSnapshot()})()
	snap, ok := msg.(snapshotMsg)
	require.True(t, ok)
	assert.Len(t, snap.Items, 2)

	msg = fetchSnapshot(&fakeSource{err: errors.New("connection refused")})()
	err, ok := msg.(errMsg)
	require.True(t, ok)
	assert.EqualError(t, err, "connection refused")
}

func TestModel_Update_SnapshotHistory(t *testing.T) {
	model := newTestModel(&fakeSource{})
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	model.now = func() time.Time { return clock }

	first := sampleSnapshot()
	updated, _ := model.Update(snapshotMsg(first))
	m := updated.(Model)
	assert.Equal(t, []float64{3}, m.errorHistory)
	assert.Empty(t, m.logRateHistory, "rate needs two samples")

	clock = clock.Add(30 * time.Second)
	second := sampleSnapshot()
	second.ActiveErrors = 5
	second.ProcessedLogs = 150
	updated, _ = m.Update(snapshotMsg(second))
	m = updated.(Model)
	assert.Equal(t, []float64{3, 5}, m.errorHistory)
	assert.Equal(t, []float64{60}, m.logRateHistory)
	assert.Equal(t, clock, m.lastUpdate)
}

func TestModel_Update_ErrorThenRecover(t *testing.T) {
	model := newTestModel(&fakeSource{})
	updated, _ := model.Update(errMsg(errors.New("dial tcp: refused")))
	m := updated.(Model)
	view := m.View()
	assert.Contains(t, view, "Cannot read controller snapshot")
	assert.Contains(t, view, "dial tcp: refused")
	assert.Contains(t, view, "fake")

	updated, _ = m.Update(snapshotMsg(sampleSnapshot()))
	assert.NoError(t, updated.(Model).err)
}

func TestModel_View_Dashboard(t *testing.T) {
	model := newTestModel(&fakeSource{})
	updated, _ := model.Update(snapshotMsg(sampleSnapshot()))
	view := updated.(Model).View()

	for _, want := range []string{
		"Waiting for approval",
		"OPS-42",
		"PENDING",
		"3.25",
		"escalate",
		"1m",
		"refused",
		"INC-2",
		"DONE",
		"8.50",
		"blocked rollback_payment_service",
		"ERROR pool exhausted",
		"50.0%",
	} {
		assert.Contains(t, view, want)
	}
}

func TestModel_View_Empty(t *testing.T) {
	model := newTestModel(&fakeSource{})
	view := model.View()
	assert.Contains(t, view, "Idle")
	assert.Contains(t, view, "no incidents")
	assert.Contains(t, view, "Never")
}

func TestAppendToHistory(t *testing.T) {
	var h []float64
	for i := 0; i < historySize+5; i++ {
		h = appendToHistory(h, float64(i))
	}
	assert.Len(t, h, historySize)
	assert.Equal(t, float64(5), h[0])
	assert.Equal(t, float64(historySize+4), h[len(h)-1])
}
