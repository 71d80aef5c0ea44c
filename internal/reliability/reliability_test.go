package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/triagegate/internal/agent"
	"github.com/fyrsmithlabs/triagegate/internal/config"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestExtractDDFT(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		hoc, ci float64
	}{
		{"hoc ci", `{"HOC":0.8,"CI":0.6}`, 0.8, 0.6},
		{"as er", `{"AS":0.7,"ER":0.2}`, 0.7, 0.2},
		{"details", `{"details":{"HOC":0.5,"CI":0.4}}`, 0.5, 0.4},
		{"top level wins", `{"HOC":0.9,"details":{"HOC":0.1,"CI":0.3}}`, 0.9, 0.3},
		{"not an object", `[1,2]`, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hoc, ci := extractDDFT(decode(t, tt.payload))
			assert.Equal(t, tt.hoc, hoc)
			assert.Equal(t, tt.ci, ci)
		})
	}
}

func TestExtractEECT(t *testing.T) {
	as, act, ecs := extractEECT(decode(t, `{"AS":0.4,"ACT Rate":0.3,"ECS":7}`))
	assert.Equal(t, []float64{0.4, 0.3, 7}, []float64{as, act, ecs})

	as, act, ecs = extractEECT(decode(t, `{"as_score":0.5,"ecs":"6","stability_index":0.9}`))
	assert.Equal(t, []float64{0.5, 0.9, 6}, []float64{as, act, ecs})
}

func TestExtractCDCT(t *testing.T) {
	u, src := extractCDCT(decode(t, `{"u_curve_magnitude":0.45}`))
	assert.Equal(t, 0.45, u)
	assert.Equal(t, SourceUCurve, src)

	u, src = extractCDCT(decode(t, `[{"concept":"a"},{"u_curve_magnitude":0.2}]`))
	assert.Equal(t, 0.2, u)
	assert.Equal(t, SourceUCurve, src)

	// 0.5*avg|SF| + 0.25*(1-CRI) + 0.2*(1-SAS') + 0.05*FAR'
	u, src = extractCDCT(decode(t, `[{"SF":-0.4,"CRI":0.8,"SAS_prime":0.5,"FAR_prime":0.2},{"SF":0.2,"CRI":0.6,"SAS_prime":0.7,"FAR_prime":0.4}]`))
	assert.Equal(t, SourceProxy, src)
	assert.InDelta(t, 0.5*0.3+0.25*0.3+0.2*0.4+0.05*0.3, u, 1e-9)

	u, src = extractCDCT(decode(t, `[{"concept":"a"}]`))
	assert.Equal(t, 0.0, u)
	assert.Equal(t, SourceNone, src)

	_, src = extractCDCT(decode(t, `"weird"`))
	assert.Equal(t, SourceNone, src)
}

func TestCDCTProxy_Clamped(t *testing.T) {
	u, _ := cdctProxy([]map[string]any{{"SF": 5.0}})
	assert.Equal(t, 1.0, u)
}

func newSignalServer(t *testing.T, routes map[string]string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestClient_Fetch(t *testing.T) {
	cdct := newSignalServer(t, map[string]string{"/score/gpt-x": `{"u_curve_magnitude":0.5}`})
	ddft := newSignalServer(t, map[string]string{"/score/gpt-x": `{"HOC":0.8,"CI":0.6}`})
	eect := newSignalServer(t, map[string]string{"/score/gpt-x": `{"AS":0.4,"act_rate":0.3,"ECS":7}`})

	c := NewClient(config.ReliabilityConfig{CDCTURL: cdct, DDFTURL: ddft, EECTURL: eect}, nil)
	p, err := c.Fetch(context.Background(), "gpt-x")
	require.NoError(t, err)
	assert.Equal(t, Profile{
		ModelName:                     "gpt-x",
		HOC:                           0.8,
		CI:                            0.6,
		UCurveMagnitude:               0.5,
		CDCTMetricSource:              SourceUCurve,
		InstructionAmbiguityThreshold: 0.5,
		ASScore:                       0.4,
		ACTRate:                       0.3,
		ECS:                           7,
	}, p)
}

func TestClient_FetchDegradesPerEndpoint(t *testing.T) {
	ddft := newSignalServer(t, map[string]string{"/score/m": `{"CI":0.6}`})
	missing := newSignalServer(t, nil)

	c := NewClient(config.ReliabilityConfig{CDCTURL: missing, DDFTURL: ddft}, nil)
	p, err := c.Fetch(context.Background(), "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cdct")
	assert.Contains(t, err.Error(), "eect")
	assert.Equal(t, 0.6, p.CI)
	assert.Equal(t, SourceNone, p.CDCTMetricSource)
	assert.Equal(t, 0.0, p.ECS)
}

func TestClient_TriggerExperiment(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/run_experiment", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	c := NewClient(config.ReliabilityConfig{EECTURL: srv.URL}, nil)
	require.NoError(t, c.TriggerExperiment(context.Background(), SignalEECT, "m", []string{"c1"}))
	assert.Equal(t, "m", got["model_name"])

	err := c.TriggerExperiment(context.Background(), Signal("xyz"), "m", nil)
	assert.ErrorIs(t, err, ErrUnknownSignal)
}

type stubAgent struct {
	reply agent.Reply
	err   error
	calls int
}

func (s *stubAgent) Converse(context.Context, string) (agent.Reply, error) {
	s.calls++
	return s.reply, s.err
}

func replyWith(msg string) agent.Reply {
	var r agent.Reply
	r.Response.Message = msg
	return r
}

func TestResolver_NoModel(t *testing.T) {
	r := NewResolver(NewClient(config.ReliabilityConfig{}, nil), nil, SourceAPI, false, nil)
	trace := incident.NewTrace()
	p, err := r.Resolve(context.Background(), "", trace)
	require.NoError(t, err)
	assert.Equal(t, Neutral("unknown"), p)
	assert.Empty(t, trace.Calls())
}

func TestResolver_API(t *testing.T) {
	ddft := newSignalServer(t, map[string]string{"/score/m": `{"CI":0.6}`})
	r := NewResolver(NewClient(config.ReliabilityConfig{DDFTURL: ddft}, nil), nil, SourceAPI, false, nil)
	trace := incident.NewTrace()

	p, err := r.Resolve(context.Background(), "m", trace)
	require.NoError(t, err)
	assert.Equal(t, 0.6, p.CI)

	calls := trace.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "ddft_score", calls[0].Operation)
	assert.Equal(t, ddft, calls[0].Details["endpoint"])
}

func TestResolver_Agent(t *testing.T) {
	stub := &stubAgent{reply: replyWith("```json\n{\"hoc\":0.7,\"ci\":0.5,\"ecs\":6,\"u_curve_magnitude\":0.3}\n```")}
	r := NewResolver(NewClient(config.ReliabilityConfig{}, nil), stub, SourceAgent, true, nil)
	trace := incident.NewTrace()

	p, err := r.Resolve(context.Background(), "m", trace)
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.CI)
	assert.Equal(t, 6.0, p.ECS)
	assert.Equal(t, SourceUCurve, p.CDCTMetricSource)
	require.Len(t, trace.Calls(), 1)
	assert.Equal(t, "ok", trace.Calls()[0].Details["status"])
}

func TestResolver_AgentEmptyStrict(t *testing.T) {
	stub := &stubAgent{reply: replyWith("sorry, no tools")}
	r := NewResolver(NewClient(config.ReliabilityConfig{}, nil), stub, SourceAgent, true, nil)

	_, err := r.Resolve(context.Background(), "m", incident.NewTrace())
	assert.ErrorIs(t, err, ErrEmptyProfile)
}

func TestResolver_AgentEmptyFallsBackToAPI(t *testing.T) {
	eect := newSignalServer(t, map[string]string{"/score/m": `{"ECS":8}`})
	stub := &stubAgent{err: errors.New("agent down")}
	r := NewResolver(NewClient(config.ReliabilityConfig{EECTURL: eect}, nil), stub, SourceAgent, false, nil)
	trace := incident.NewTrace()

	p, err := r.Resolve(context.Background(), "m", trace)
	require.NoError(t, err)
	assert.Equal(t, 8.0, p.ECS)

	ops := []string{}
	for _, c := range trace.Calls() {
		ops = append(ops, c.Operation)
	}
	assert.Equal(t, []string{"mcp_profile_fetch", "profile_fallback_direct_api", "ddft_score", "cdct_score", "eect_score"}, ops)
}
