package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triagegate/internal/config"
)

// ErrMissingURL is returned when the Elasticsearch URL is not configured.
var ErrMissingURL = errors.New("elasticsearch url is required")

const maxAttempts = 3

// TransportError is a network-level failure. Only these are retried.
type TransportError struct {
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("elasticsearch network error on %s: %v", e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response from Elasticsearch.
type StatusError struct {
	Code int
	Path string
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("elasticsearch HTTP %d on %s: %s", e.Code, e.Path, e.Body)
}

// ElasticClient talks to Elasticsearch through the official client.
type ElasticClient struct {
	es       *elasticsearch.Client
	indices  map[string]string
	logIndex string

	timeout      time.Duration
	logger       *zap.Logger
	tracer       trace.Tracer
	initialRetry time.Duration
}

// NewElasticClient creates a client from configuration.
func NewElasticClient(cfg config.ElasticConfig, logger *zap.Logger) (*ElasticClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrMissingURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logIndex := cfg.LogIndex
	if logIndex == "" {
		logIndex = "kibana_sample_data_logs"
	}
	// doJSON owns retries.
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{strings.TrimRight(cfg.URL, "/")},
		APIKey:       cfg.APIKey.Value(),
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}
	return &ElasticClient{
		es:           es,
		indices:      cfg.Indices,
		logIndex:     logIndex,
		timeout:      timeout,
		logger:       logger,
		tracer:       otel.Tracer("triagegate.evidence"),
		initialRetry: time.Second,
	}, nil
}

func (c *ElasticClient) resolveIndex(logical string) string {
	if physical, ok := c.indices[logical]; ok && physical != "" {
		return physical
	}
	return logical
}

type searchResponse struct {
	Hits struct {
		Total json.RawMessage `json:"total"`
		Hits  []struct {
			ID     string         `json:"_id"`
			Score  *float64       `json:"_score"`
			Source map[string]any `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]json.RawMessage `json:"aggregations"`
}

// total handles both the {value: n} and bare-number forms of hits.total.
func (r searchResponse) total() int {
	if len(r.Hits.Total) == 0 {
		return 0
	}
	var obj struct {
		Value int `json:"value"`
	}
	if err := json.Unmarshal(r.Hits.Total, &obj); err == nil {
		return obj.Value
	}
	var n int
	_ = json.Unmarshal(r.Hits.Total, &n)
	return n
}

func (r searchResponse) buckets(name string) []Bucket {
	raw, ok := r.Aggregations[name]
	if !ok {
		return nil
	}
	var agg struct {
		Buckets []struct {
			Key      any `json:"key"`
			DocCount int `json:"doc_count"`
		} `json:"buckets"`
	}
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil
	}
	out := make([]Bucket, 0, len(agg.Buckets))
	for _, b := range agg.Buckets {
		key := fmt.Sprint(b.Key)
		if f, ok := b.Key.(float64); ok {
			key = fmt.Sprintf("%g", f)
		}
		out = append(out, Bucket{Key: key, Count: b.DocCount})
	}
	return out
}

// Search implements Backend with a best-fields multi_match query.
func (c *ElasticClient) Search(ctx context.Context, index, query string, topK int, filters map[string]any) ([]Hit, error) {
	ctx, span := c.tracer.Start(ctx, "ElasticClient.Search")
	defer span.End()
	span.SetAttributes(attribute.String("index", index), attribute.Int("top_k", topK))

	payload := map[string]any{
		"size": topK,
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{
						"multi_match": map[string]any{
							"query":  query,
							"fields": []string{"title^2", "body", "text", "summary", "symptoms", "rule"},
							"type":   "best_fields",
						},
					},
				},
				"filter": filterClauses(filters),
			},
		},
	}

	var resp searchResponse
	if err := c.search(ctx, c.resolveIndex(index), payload, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	hits := make([]Hit, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		var score float64
		if h.Score != nil {
			score = *h.Score
		}
		hits = append(hits, Hit{ID: h.ID, Score: score, Source: h.Source})
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

func filterClauses(filters map[string]any) []any {
	clauses := make([]any, 0, len(filters))
	for key, value := range filters {
		switch value.(type) {
		case []any, []string:
			clauses = append(clauses, map[string]any{"terms": map[string]any{key: value}})
		default:
			clauses = append(clauses, map[string]any{"term": map[string]any{key: value}})
		}
	}
	return clauses
}

// PolicyConflicts implements Backend. It tries an ES|QL query first and
// falls back to a bool term query when ES|QL is unavailable.
func (c *ElasticClient) PolicyConflicts(ctx context.Context, service, action, severity string) ([]string, error) {
	ctx, span := c.tracer.Start(ctx, "ElasticClient.PolicyConflicts")
	defer span.End()

	index := c.resolveIndex(IndexPolicies)
	actionStr := strings.ToLower(action)
	severityStr := strings.ToLower(severity)

	esql := fmt.Sprintf(
		`FROM %s | WHERE (service == "*" OR service == "%s") AND severities LIKE "*%s*" AND blocked_actions LIKE "*%s*" | KEEP id`,
		index, esqlEscape(service), esqlEscape(severityStr), esqlEscape(actionStr),
	)
	var esqlResp struct {
		Values [][]any `json:"values"`
	}
	err := c.doJSON(ctx, "/_query", map[string]any{"query": esql}, func(ctx context.Context, body io.Reader) (*esapi.Response, error) {
		return c.es.EsqlQuery(body, c.es.EsqlQuery.WithContext(ctx))
	}, &esqlResp)
	if err == nil {
		ids := make([]string, 0, len(esqlResp.Values))
		for _, row := range esqlResp.Values {
			if len(row) > 0 {
				ids = append(ids, fmt.Sprint(row[0]))
			}
		}
		return ids, nil
	}
	c.logger.Debug("esql policy query failed, using term query", zap.Error(err))

	payload := map[string]any{
		"size": 20,
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{
						"bool": map[string]any{
							"should": []any{
								map[string]any{"term": map[string]any{"service": "*"}},
								map[string]any{"term": map[string]any{"service": service}},
							},
							"minimum_should_match": 1,
						},
					},
					map[string]any{"term": map[string]any{"severities": severityStr}},
					map[string]any{"term": map[string]any{"blocked_actions": actionStr}},
				},
			},
		},
	}
	var resp searchResponse
	if err := c.search(ctx, index, payload, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	ids := make([]string, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		if id, ok := h.Source["id"]; ok {
			ids = append(ids, fmt.Sprint(id))
		} else if h.ID != "" {
			ids = append(ids, h.ID)
		} else {
			ids = append(ids, "unknown")
		}
	}
	return ids, nil
}

func esqlEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// IndexDocument implements Backend.
func (c *ElasticClient) IndexDocument(ctx context.Context, index string, doc map[string]any, id string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "ElasticClient.IndexDocument")
	defer span.End()
	span.SetAttributes(attribute.String("index", index))

	physical := c.resolveIndex(index)
	var resp struct {
		ID string `json:"_id"`
	}
	err := c.doJSON(ctx, "/"+physical+"/_doc", doc, func(ctx context.Context, body io.Reader) (*esapi.Response, error) {
		opts := []func(*esapi.IndexRequest){c.es.Index.WithContext(ctx)}
		if id != "" {
			opts = append(opts, c.es.Index.WithDocumentID(id))
		}
		return c.es.Index(physical, body, opts...)
	}, &resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if resp.ID == "" {
		resp.ID = id
	}
	return resp.ID, nil
}

// LogStats implements LogSource.
func (c *ElasticClient) LogStats(ctx context.Context) (LogStats, error) {
	payload := map[string]any{
		"size": 0,
		"aggs": map[string]any{
			"error_count":       map[string]any{"filter": map[string]any{"range": map[string]any{"response": map[string]any{"gte": 400}}}},
			"avg_response_size": map[string]any{"avg": map[string]any{"field": "bytes"}},
		},
	}
	var resp searchResponse
	if err := c.search(ctx, c.logIndex, payload, &resp); err != nil {
		return LogStats{}, err
	}
	var stats LogStats
	if raw, ok := resp.Aggregations["error_count"]; ok {
		var agg struct {
			DocCount int `json:"doc_count"`
		}
		_ = json.Unmarshal(raw, &agg)
		stats.ErrorCount = agg.DocCount
	}
	if raw, ok := resp.Aggregations["avg_response_size"]; ok {
		var agg struct {
			Value *float64 `json:"value"`
		}
		_ = json.Unmarshal(raw, &agg)
		if agg.Value != nil {
			stats.AvgBytes = *agg.Value
		}
	}
	return stats, nil
}

// LogSignalDocs implements LogSource. simple_query_string tolerates raw
// punctuation from incident text.
func (c *ElasticClient) LogSignalDocs(ctx context.Context, query string, topK int) ([]string, error) {
	if strings.TrimSpace(query) == "" {
		query = "*"
	}
	payload := map[string]any{
		"size": topK,
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{
						"simple_query_string": map[string]any{
							"query":            query,
							"fields":           []string{"message", "url", "agent", "geo.dest"},
							"default_operator": "OR",
						},
					},
				},
				"filter": []any{
					map[string]any{"range": map[string]any{"response": map[string]any{"gte": 500}}},
				},
			},
		},
	}
	var resp searchResponse
	if err := c.search(ctx, c.logIndex, payload, &resp); err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		if h.ID != "" {
			refs = append(refs, "log:"+h.ID)
		}
	}
	return refs, nil
}

// ErrorSpike implements LogSource.
func (c *ElasticClient) ErrorSpike(ctx context.Context, window time.Duration) (Spike, error) {
	minutes := int(window.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	payload := map[string]any{
		"size": 0,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{
					map[string]any{"range": map[string]any{"@timestamp": map[string]any{"gte": fmt.Sprintf("now-%dm", minutes), "lte": "now"}}},
					map[string]any{"range": map[string]any{"response": map[string]any{"gte": 500}}},
				},
			},
		},
		"aggs": map[string]any{
			"top_urls":      map[string]any{"terms": map[string]any{"field": "url.keyword", "size": 3}},
			"top_responses": map[string]any{"terms": map[string]any{"field": "response", "size": 5}},
		},
	}
	var resp searchResponse
	if err := c.search(ctx, c.logIndex, payload, &resp); err != nil {
		return Spike{}, err
	}
	spike := Spike{Total: resp.total(), TopURL: "unknown_url", TopResponse: "500"}
	if b := resp.buckets("top_urls"); len(b) > 0 {
		spike.TopURL = b[0].Key
	}
	if b := resp.buckets("top_responses"); len(b) > 0 {
		spike.TopResponse = b[0].Key
	}
	return spike, nil
}

// TopFailingRequests implements LogSource.
func (c *ElasticClient) TopFailingRequests(ctx context.Context, size int) ([]Bucket, error) {
	payload := map[string]any{
		"size":  0,
		"query": map[string]any{"range": map[string]any{"response.keyword": map[string]any{"gte": "400"}}},
		"aggs":  map[string]any{"p": map[string]any{"terms": map[string]any{"field": "request.keyword", "size": size}}},
	}
	var resp searchResponse
	if err := c.search(ctx, c.logIndex, payload, &resp); err != nil {
		return nil, err
	}
	return resp.buckets("p"), nil
}

func (c *ElasticClient) search(ctx context.Context, index string, payload, out any) error {
	return c.doJSON(ctx, "/"+index+"/_search", payload, func(ctx context.Context, body io.Reader) (*esapi.Response, error) {
		return c.es.Search(
			c.es.Search.WithContext(ctx),
			c.es.Search.WithIndex(index),
			c.es.Search.WithBody(body),
		)
	}, out)
}

// doJSON encodes payload, hands it to call and decodes the reply into out.
// Network errors are retried with exponential backoff; HTTP errors are
// returned as-is. path only labels errors.
func (c *ElasticClient) doJSON(ctx context.Context, path string, payload any, call func(context.Context, io.Reader) (*esapi.Response, error), out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request for %s: %w", path, err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialRetry
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx)

	var raw []byte
	err = backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		res, err := call(attemptCtx, bytes.NewReader(body))
		if err != nil {
			c.logger.Debug("elasticsearch request failed", zap.String("path", path), zap.Error(err))
			return &TransportError{Path: path, Err: err}
		}
		defer res.Body.Close()

		data, err := io.ReadAll(res.Body)
		if err != nil {
			return &TransportError{Path: path, Err: err}
		}
		if res.IsError() {
			return backoff.Permanent(&StatusError{Code: res.StatusCode, Path: path, Body: string(data)})
		}
		raw = data
		return nil
	}, policy)
	if err != nil {
		return err
	}

	if len(bytes.TrimSpace(raw)) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return nil
}

var (
	_ Backend   = (*ElasticClient)(nil)
	_ LogSource = (*ElasticClient)(nil)
)
