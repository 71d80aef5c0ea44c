package reliability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/triagegate/internal/agent"
	"github.com/fyrsmithlabs/triagegate/internal/config"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

// ErrUnknownSignal is returned by TriggerExperiment for an unknown kind.
var ErrUnknownSignal = errors.New("unknown reliability signal")

// Signal names one of the three scoring services.
type Signal string

const (
	SignalCDCT Signal = "cdct"
	SignalDDFT Signal = "ddft"
	SignalEECT Signal = "eect"
)

// Client reads scores from the three signal endpoints.
type Client struct {
	urls       map[Signal]string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a client for the configured endpoints.
func NewClient(cfg config.ReliabilityConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		urls: map[Signal]string{
			SignalCDCT: strings.TrimRight(cfg.CDCTURL, "/"),
			SignalDDFT: strings.TrimRight(cfg.DDFTURL, "/"),
			SignalEECT: strings.TrimRight(cfg.EECTURL, "/"),
		},
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// URL returns the base URL for a signal.
func (c *Client) URL(s Signal) string { return c.urls[s] }

// Fetch queries all three endpoints concurrently. A failing endpoint leaves
// its fields neutral; the returned error joins every endpoint failure and
// the profile is usable either way.
func (c *Client) Fetch(ctx context.Context, model string) (Profile, error) {
	profile := Neutral(model)

	var (
		mu   sync.Mutex
		errs []error
	)
	fail := func(s Signal, err error) {
		c.logger.Warn("could not fetch reliability signal",
			zap.String("signal", string(s)), zap.String("model", model), zap.Error(err))
		mu.Lock()
		errs = append(errs, fmt.Errorf("%s: %w", s, err))
		mu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		data, err := c.score(ctx, SignalDDFT, model)
		if err != nil {
			fail(SignalDDFT, err)
			return nil
		}
		hoc, ci := extractDDFT(data)
		mu.Lock()
		profile.HOC, profile.CI = hoc, ci
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		data, err := c.score(ctx, SignalCDCT, model)
		if err != nil {
			fail(SignalCDCT, err)
			return nil
		}
		u, src := extractCDCT(data)
		mu.Lock()
		profile.UCurveMagnitude, profile.CDCTMetricSource = u, src
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		data, err := c.score(ctx, SignalEECT, model)
		if err != nil {
			fail(SignalEECT, err)
			return nil
		}
		as, act, ecs := extractEECT(data)
		mu.Lock()
		profile.ASScore, profile.ACTRate, profile.ECS = as, act, ecs
		mu.Unlock()
		return nil
	})
	_ = g.Wait()

	c.logger.Info("reliability profile fetched",
		zap.String("model", model),
		zap.Float64("hoc", profile.HOC),
		zap.Float64("ci", profile.CI),
		zap.Float64("u_curve", profile.UCurveMagnitude),
		zap.String("cdct_source", profile.CDCTMetricSource),
		zap.Float64("as", profile.ASScore),
		zap.Float64("ecs", profile.ECS),
	)
	return profile, errors.Join(errs...)
}

// score GETs {base}/score/{model}. Only a 200 response is used.
func (c *Client) score(ctx context.Context, s Signal, model string) (any, error) {
	base := c.urls[s]
	if base == "" {
		return nil, fmt.Errorf("no endpoint configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/score/"+url.PathEscape(model), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var data any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode score: %w", err)
	}
	return data, nil
}

// TriggerExperiment asks a scoring service to run a diagnostic experiment.
func (c *Client) TriggerExperiment(ctx context.Context, s Signal, model string, concepts []string) error {
	base, ok := c.urls[s]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSignal, s)
	}
	body, err := json.Marshal(map[string]any{"model_name": model, "concepts": concepts})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/run_experiment", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("trigger %s experiment: %w", s, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("trigger %s experiment: status %d", s, resp.StatusCode)
	}
	return nil
}

// Source selects where a Resolver reads the profile from.
type Source string

const (
	SourceAPI   Source = "api"
	SourceAgent Source = "agent_builder_mcp"
)

// Resolver produces the profile for a model from the configured source.
type Resolver struct {
	client *Client
	agent  agent.Converser
	source Source
	strict bool
	logger *zap.Logger
}

// NewResolver creates a resolver. conv may be nil when source is SourceAPI.
func NewResolver(client *Client, conv agent.Converser, source Source, strict bool, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if source == "" {
		source = SourceAPI
	}
	return &Resolver{client: client, agent: conv, source: source, strict: strict, logger: logger}
}

const agentProfilePrompt = `Use MCP tools to fetch reliability profile for model %q.
Required tools:
- ddft_score(model)
- cdct_score(model)
- eect_score(model)
Return STRICT JSON only with keys:
{"hoc": <float>, "ci": <float>, "u_curve_magnitude": <float>, "as_score": <float>, "act_rate": <float>, "ecs": <float>, "tool_calls_used": ["ddft_score","cdct_score","eect_score"]}`

// Resolve returns the profile for model, recording each backend call in
// trace. An empty model name yields the neutral "unknown" profile without
// any calls. Endpoint failures are logged and degrade to neutral fields;
// the only error returned is ErrEmptyProfile in strict agent mode.
func (r *Resolver) Resolve(ctx context.Context, model string, trace *incident.Trace) (Profile, error) {
	if model == "" {
		r.logger.Info("skipping reliability profile fetch, no model name configured")
		return Neutral("unknown"), nil
	}

	if r.source == SourceAgent && r.agent != nil {
		p := r.fromAgent(ctx, model, trace)
		if !p.Empty() {
			return p, nil
		}
		if r.strict {
			return p, fmt.Errorf("%w: agent returned no signals for %s", ErrEmptyProfile, model)
		}
		r.logger.Warn("agent profile was empty, falling back to direct endpoints", zap.String("model", model))
		trace.Record("reliability_api", "profile_fallback_direct_api", map[string]any{
			"model": model, "reason": "mcp_empty_profile",
		})
	}
	return r.fromAPI(ctx, model, trace), nil
}

func (r *Resolver) fromAPI(ctx context.Context, model string, trace *incident.Trace) Profile {
	for _, s := range []Signal{SignalDDFT, SignalCDCT, SignalEECT} {
		trace.Record("reliability_api", string(s)+"_score", map[string]any{
			"endpoint": r.client.URL(s), "model": model,
		})
	}
	p, err := r.client.Fetch(ctx, model)
	if err != nil {
		r.logger.Warn("reliability profile partially unavailable", zap.Error(err))
	}
	return p
}

func (r *Resolver) fromAgent(ctx context.Context, model string, trace *incident.Trace) Profile {
	p := Neutral(model)
	reply, err := r.agent.Converse(ctx, fmt.Sprintf(agentProfilePrompt, model))
	if err != nil {
		trace.Record("agent_builder", "mcp_profile_fetch", map[string]any{
			"status": "error", "source": string(SourceAgent), "error": err.Error(),
		})
		return p
	}
	parsed := agent.ParseJSON(reply.Message())
	status := "ok"
	if len(parsed) == 0 {
		status = "empty"
	}
	trace.Record("agent_builder", "mcp_profile_fetch", map[string]any{
		"status": status, "source": string(SourceAgent),
	})

	p.HOC, _ = agent.AsFloat(parsed["hoc"])
	p.CI, _ = agent.AsFloat(parsed["ci"])
	p.UCurveMagnitude, _ = agent.AsFloat(parsed["u_curve_magnitude"])
	p.ASScore, _ = agent.AsFloat(parsed["as_score"])
	p.ACTRate, _ = agent.AsFloat(parsed["act_rate"])
	p.ECS, _ = agent.AsFloat(parsed["ecs"])
	if p.UCurveMagnitude != 0 {
		p.CDCTMetricSource = SourceUCurve
	}
	return p
}
