// Package evidence retrieves ranked documents, policy matches and request
// log aggregates for the triage pipeline.
//
// Three backends implement Backend: an Elasticsearch REST client, an
// in-memory Mock seeded from a YAML/JSON document map, and a chromem-go
// semantic store for running fully offline. Only the Elasticsearch client
// and the Mock also implement LogSource.
package evidence

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/triagegate/internal/config"
)

// Logical index names used by the pipeline.
const (
	IndexRunbooks         = "runbooks"
	IndexIncidents        = "incidents"
	IndexPolicies         = "policies"
	IndexWorkflowEvents   = "workflow_events"
	IndexActionExecutions = "action_executions"
)

var (
	// ErrUnknownBackend is returned by New for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown evidence backend")

	// ErrNoLogSource is returned when request log aggregates are requested
	// from a backend that has none.
	ErrNoLogSource = errors.New("backend has no request log source")
)

// Hit is one ranked search result.
type Hit struct {
	ID     string         `json:"id"`
	Score  float64        `json:"score"`
	Source map[string]any `json:"source"`
}

// Backend is the document search contract the pipeline depends on.
type Backend interface {
	// Search returns at most topK hits ordered by descending score. Scalar
	// filter values must match exactly; slice values match any element.
	Search(ctx context.Context, index, query string, topK int, filters map[string]any) ([]Hit, error)

	// PolicyConflicts returns the ids of policies that block action for
	// the given service and severity.
	PolicyConflicts(ctx context.Context, service, action, severity string) ([]string, error)

	// IndexDocument stores doc and returns its id. An empty id lets the
	// backend assign one.
	IndexDocument(ctx context.Context, index string, doc map[string]any, id string) (string, error)
}

// LogStats summarizes request logs.
type LogStats struct {
	ErrorCount int     `json:"error_count"`
	AvgBytes   float64 `json:"avg_bytes"`
}

// Bucket is one term aggregation bucket.
type Bucket struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Spike describes server errors observed within a time window.
type Spike struct {
	Total       int    `json:"total"`
	TopURL      string `json:"top_url"`
	TopResponse string `json:"top_response"`
}

// LogSource aggregates request logs for ground truth and incident detection.
type LogSource interface {
	// LogStats counts 4xx/5xx responses and averages response size.
	LogStats(ctx context.Context) (LogStats, error)

	// LogSignalDocs returns "log:<id>" references for server errors
	// matching query.
	LogSignalDocs(ctx context.Context, query string, topK int) ([]string, error)

	// ErrorSpike aggregates 5xx responses in the trailing window.
	ErrorSpike(ctx context.Context, window time.Duration) (Spike, error)

	// TopFailingRequests groups failing requests by request path.
	TopFailingRequests(ctx context.Context, size int) ([]Bucket, error)
}

// Logs returns b's LogSource if it has one.
func Logs(b Backend) (LogSource, bool) {
	ls, ok := b.(LogSource)
	return ls, ok
}

// New builds the backend selected by cfg.Evidence.Backend.
func New(cfg *config.Config, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Evidence.Backend {
	case "elastic":
		return NewElasticClient(cfg.Elastic, logger)
	case "mock":
		docs, err := seedDocuments(cfg.Evidence.SeedFile)
		if err != nil {
			return nil, err
		}
		return NewMock(docs, cfg.Elastic.LogIndex), nil
	case "chromem":
		docs, err := seedDocuments(cfg.Evidence.SeedFile)
		if err != nil {
			return nil, err
		}
		store, err := NewChromemStore(cfg.Evidence.ChromemDir, logger)
		if err != nil {
			return nil, err
		}
		if err := store.Seed(context.Background(), docs); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Evidence.Backend)
	}
}

//go:embed seed.yaml
var defaultSeed []byte

// Documents maps a logical index name to its documents.
type Documents map[string][]map[string]any

// DefaultSeed returns the built-in demo corpus.
func DefaultSeed() (Documents, error) {
	return ParseSeed(defaultSeed)
}

// LoadSeed reads a YAML or JSON document map from path.
func LoadSeed(path string) (Documents, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a YAML or JSON document map.
func ParseSeed(data []byte) (Documents, error) {
	var docs Documents
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("parsing seed documents: %w", err)
	}
	if docs == nil {
		docs = Documents{}
	}
	return docs, nil
}

func seedDocuments(path string) (Documents, error) {
	if path == "" {
		return DefaultSeed()
	}
	return LoadSeed(path)
}

// policyApplies reports whether a policy document blocks action.
func policyApplies(policy map[string]any, service, action, severity string) bool {
	svc := fmt.Sprint(policy["service"])
	if svc != "*" && svc != service {
		return false
	}
	return containsString(policy["blocked_actions"], strings.ToLower(action)) &&
		containsString(policy["severities"], strings.ToLower(severity))
}

func containsString(v any, want string) bool {
	switch list := v.(type) {
	case []any:
		for _, item := range list {
			if fmt.Sprint(item) == want {
				return true
			}
		}
	case []string:
		for _, item := range list {
			if item == want {
				return true
			}
		}
	}
	return false
}

// matchesFilters applies exact-match and any-of filters to a document.
func matchesFilters(doc map[string]any, filters map[string]any) bool {
	for key, expected := range filters {
		value, ok := doc[key]
		if !ok {
			return false
		}
		switch want := expected.(type) {
		case []any:
			if !containsString(want, fmt.Sprint(value)) {
				return false
			}
		case []string:
			if !containsString(want, fmt.Sprint(value)) {
				return false
			}
		default:
			if fmt.Sprint(value) != fmt.Sprint(want) {
				return false
			}
		}
	}
	return true
}

// tokenize lowercases whitespace-separated words with surrounding
// punctuation removed.
func tokenize(text string) []string {
	fields := strings.Fields(text)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		t := strings.ToLower(strings.Trim(f, ".,:;!?()[]{}\"'"))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f
	default:
		return 0
	}
}
