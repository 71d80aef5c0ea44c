package incident

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeverity(t *testing.T) {
	sev, err := ParseSeverity(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, sev)

	_, err = ParseSeverity("sev1")
	assert.ErrorIs(t, err, ErrInvalidIncident)
}

func TestIncident_Validate(t *testing.T) {
	assert.NoError(t, Incident{ID: "inc-1", Severity: SeverityLow}.Validate())
	assert.ErrorIs(t, Incident{Severity: SeverityLow}.Validate(), ErrInvalidIncident)
	assert.ErrorIs(t, Incident{ID: "inc-1", Severity: "urgent"}.Validate(), ErrInvalidIncident)
}

func TestStressResult_Totals(t *testing.T) {
	s := StressResult{ClaimEvidence: []ClaimEvidence{
		{Claim: "a", SupportDocs: []string{"r1", "r2"}},
		{Claim: "b", ContradictionDocs: []string{"c1"}},
		{Claim: "c"},
	}}
	assert.Equal(t, 2, s.TotalSupportDocs())
	assert.Equal(t, 1, s.TotalContradictionDocs())
	assert.True(t, s.ClaimEvidence[0].HasEvidence())
	assert.True(t, s.ClaimEvidence[1].HasEvidence())
	assert.False(t, s.ClaimEvidence[2].HasEvidence())
}

func TestTrace_ConcurrentRecord(t *testing.T) {
	tr := NewTrace()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record("search", "hybrid_search", nil)
		}()
	}
	wg.Wait()

	calls := tr.Calls()
	require.Len(t, calls, 20)
	assert.NotNil(t, calls[0].Details)
	assert.False(t, calls[0].Timestamp.IsZero())

	var nilTrace *Trace
	nilTrace.Record("x", "y", nil)
	assert.Nil(t, nilTrace.Calls())
}

func TestWorkflowOutcome_FlattensDelivery(t *testing.T) {
	out := WorkflowOutcome{
		Delivery: Delivery{Status: StatusTriggered, Channel: "webhook"},
		ExternalEscalation: &Delivery{
			Status: StatusSkipped,
			Reason: "ESCALATION_WEBHOOK_URL not configured",
		},
	}
	data, err := json.Marshal(out)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "triggered", m["status"])
	assert.Equal(t, "webhook", m["channel"])
	assert.Equal(t, "skipped", m["external_escalation"].(map[string]any)["status"])
}
