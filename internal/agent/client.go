// Package agent talks to the reasoning backend and turns its untrusted
// free-text replies into typed values.
//
// The backend is the Kibana Agent Builder converse API. Replies are parsed
// defensively: anything that is not recognizable JSON produces an explicit
// fallback value rather than an error.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/triagegate/internal/config"
)

const (
	conversePath      = "/api/agent_builder/converse"
	defaultMaxRetries = 2
	defaultBaseDelay  = 500 * time.Millisecond
)

// ErrNotConfigured is returned when no Kibana URL is set.
var ErrNotConfigured = errors.New("agent backend is not configured")

// Converser sends one message to the reasoning backend.
type Converser interface {
	Converse(ctx context.Context, message string) (Reply, error)
}

// ModelUsage reports which model served a reply.
type ModelUsage struct {
	Model       string `json:"model"`
	ConnectorID string `json:"connector_id"`
}

// Reply is a converse response.
type Reply struct {
	Status         string `json:"status"`
	ConversationID string `json:"conversation_id"`
	Response       struct {
		Message string `json:"message"`
	} `json:"response"`
	ModelUsage ModelUsage `json:"model_usage"`
}

// Message returns the reply text.
func (r Reply) Message() string { return r.Response.Message }

// Client is a Converser backed by the Agent Builder REST API.
type Client struct {
	baseURL    string
	apiKey     config.Secret
	agentID    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	tracer     trace.Tracer
}

// NewClient creates a client. A zero RateLimit disables rate limiting.
func NewClient(cfg config.AgentConfig) (*Client, error) {
	if strings.TrimSpace(cfg.KibanaURL) == "" {
		return nil, ErrNotConfigured
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.KibanaURL, "/"),
		apiKey:     cfg.APIKey,
		agentID:    cfg.AgentID,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		tracer:     otel.Tracer("triagegate.agent"),
	}, nil
}

// AgentID returns the agent this client converses with.
func (c *Client) AgentID() string { return c.agentID }

type converseRequest struct {
	Input          string `json:"input"`
	AgentID        string `json:"agent_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Converse starts a new conversation with message.
func (c *Client) Converse(ctx context.Context, message string) (Reply, error) {
	return c.converse(ctx, converseRequest{Input: message, AgentID: c.agentID})
}

// Continue sends message within an existing conversation.
func (c *Client) Continue(ctx context.Context, conversationID, message string) (Reply, error) {
	return c.converse(ctx, converseRequest{Input: message, AgentID: c.agentID, ConversationID: conversationID})
}

func (c *Client) converse(ctx context.Context, req converseRequest) (Reply, error) {
	ctx, span := c.tracer.Start(ctx, "agent.Converse")
	defer span.End()
	span.SetAttributes(attribute.String("agent.id", c.agentID))

	if err := c.limiter.Wait(ctx); err != nil {
		return Reply{}, fmt.Errorf("rate limiter: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Reply{}, ctx.Err()
			}
		}

		reply, err := c.doRequest(ctx, req)
		if err == nil {
			span.SetAttributes(attribute.String("model", reply.ModelUsage.Model))
			return reply, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return Reply{}, lastErr
}

func (c *Client) doRequest(ctx context.Context, req converseRequest) (Reply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal converse request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+conversePath, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("create converse request: %w", err)
	}
	httpReq.Header.Set("Authorization", c.apiKey.APIKeyHeader())
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("kbn-xsrf", "true")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Reply{}, &retryableError{err: fmt.Errorf("converse request failed: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reply{}, &retryableError{err: fmt.Errorf("read converse response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Reply{}, &retryableError{err: fmt.Errorf("rate limited (429)")}
	case resp.StatusCode >= 500:
		return Reply{}, &retryableError{err: fmt.Errorf("kibana server error (%d): %s", resp.StatusCode, truncate(string(data), 300))}
	case resp.StatusCode != http.StatusOK:
		return Reply{}, fmt.Errorf("kibana API error (%d): %s", resp.StatusCode, truncate(string(data), 300))
	}

	var reply Reply
	if len(bytes.TrimSpace(data)) == 0 {
		return reply, nil
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return Reply{}, fmt.Errorf("decode converse response: %w", err)
	}
	return reply, nil
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ Converser = (*Client)(nil)
