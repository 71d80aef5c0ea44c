// Package ticket mirrors lifecycle incidents into Jira issues.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	jira "github.com/andygrunwald/go-jira"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triagegate/internal/config"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

// ErrKey stands in for an issue key when creation failed. Operations on it
// are no-ops.
const ErrKey = "JIRA-ERR"

const requestTimeout = 10 * time.Second

var (
	// ErrNotConfigured is returned when Jira credentials are missing.
	ErrNotConfigured = errors.New("jira credentials missing")

	// ErrNoDoneTransition is returned when an issue has no closing
	// transition available.
	ErrNoDoneTransition = errors.New("could not find a done transition")
)

var doneTransitions = []string{"done", "resolved", "closed", "complete"}

// Issue is a search hit.
type Issue struct {
	Key     string
	Summary string
}

// Client wraps go-jira with retries for the handful of issue operations the
// lifecycle needs.
type Client struct {
	api     *jira.Client
	project string
	logger  *zap.Logger
}

// New creates a client. Calls fail with ErrNotConfigured unless URL,
// email and token are all set.
func New(cfg config.JiraConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	project := cfg.ProjectKey
	if project == "" {
		project = "SRE"
	}
	c := &Client{project: project, logger: logger}
	if cfg.URL == "" || cfg.Email == "" || cfg.APIToken.Value() == "" {
		return c
	}

	tp := jira.BasicAuthTransport{Username: cfg.Email, Password: cfg.APIToken.Value()}
	httpClient := tp.Client()
	httpClient.Timeout = requestTimeout
	api, err := jira.NewClient(httpClient, cfg.URL)
	if err != nil {
		logger.Warn("jira disabled: bad base url", zap.String("url", cfg.URL), zap.Error(err))
		return c
	}
	c.api = api
	return c
}

// Configured reports whether requests can be made.
func (c *Client) Configured() bool {
	return c.api != nil
}

// CreateIncident opens a Task for inc and returns its key, or ErrKey when
// Jira rejected it.
func (c *Client) CreateIncident(ctx context.Context, inc incident.Incident, pattern, action string) (string, error) {
	summary := inc.Summary
	if summary == "" {
		summary = "System Anomaly"
	}
	if pattern == "" {
		pattern = "N/A"
	}
	desc := fmt.Sprintf("Cluster: %s\nService: %s\nProposed Action: %s\n\nAnalyzing logs and reliability scores.",
		pattern, inc.Service, action)
	key, err := c.Create(ctx, "Agentic SRE: "+summary, desc, "Task")
	if err != nil {
		return ErrKey, err
	}
	return key, nil
}

// ResolveIncident comments on and closes key. Empty and placeholder keys
// are skipped.
func (c *Client) ResolveIncident(ctx context.Context, key, resolutionType string) error {
	if key == "" || key == ErrKey {
		return nil
	}
	if err := c.Comment(ctx, key, fmt.Sprintf("Remediation successful via %s. Automated closure.", resolutionType)); err != nil {
		return err
	}
	return c.Resolve(ctx, key)
}

// Create opens an issue and returns its key.
func (c *Client) Create(ctx context.Context, summary, description, issueType string) (string, error) {
	issue := &jira.Issue{Fields: &jira.IssueFields{
		Project:     jira.Project{Key: c.project},
		Summary:     summary,
		Description: description,
		Type:        jira.IssueType{Name: issueType},
	}}
	var created *jira.Issue
	err := c.retry(ctx, func() (*jira.Response, error) {
		var (
			resp *jira.Response
			err  error
		)
		created, resp, err = c.api.Issue.CreateWithContext(ctx, issue)
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("create issue: %w", err)
	}
	if created == nil || created.Key == "" {
		return "", errors.New("create issue: response has no key")
	}
	c.logger.Info("jira issue created", zap.String("key", created.Key))
	return created.Key, nil
}

// Comment adds a plain-text comment to key.
func (c *Client) Comment(ctx context.Context, key, text string) error {
	if key == "" || key == ErrKey {
		return nil
	}
	err := c.retry(ctx, func() (*jira.Response, error) {
		_, resp, err := c.api.Issue.AddCommentWithContext(ctx, key, &jira.Comment{Body: text})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("comment on %s: %w", key, err)
	}
	return nil
}

// Resolve moves key through its first done-like transition.
func (c *Client) Resolve(ctx context.Context, key string) error {
	var transitions []jira.Transition
	err := c.retry(ctx, func() (*jira.Response, error) {
		var (
			resp *jira.Response
			err  error
		)
		transitions, resp, err = c.api.Issue.GetTransitionsWithContext(ctx, key)
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("list transitions for %s: %w", key, err)
	}
	for _, t := range transitions {
		if !slices.Contains(doneTransitions, strings.ToLower(t.Name)) {
			continue
		}
		err := c.retry(ctx, func() (*jira.Response, error) {
			return c.api.Issue.DoTransitionWithContext(ctx, key, t.ID)
		})
		if err != nil {
			return fmt.Errorf("transition %s: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("%w for %s", ErrNoDoneTransition, key)
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	err := c.retry(ctx, func() (*jira.Response, error) {
		return c.api.Issue.DeleteWithContext(ctx, key)
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Search runs a JQL query.
func (c *Client) Search(ctx context.Context, jql string, maxResults int) ([]Issue, error) {
	opts := &jira.SearchOptions{MaxResults: maxResults, Fields: []string{"key", "summary"}}
	var found []jira.Issue
	err := c.retry(ctx, func() (*jira.Response, error) {
		var (
			resp *jira.Response
			err  error
		)
		found, resp, err = c.api.Issue.SearchWithContext(ctx, jql, opts)
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	issues := make([]Issue, 0, len(found))
	for _, i := range found {
		is := Issue{Key: i.Key}
		if i.Fields != nil {
			is.Summary = i.Fields.Summary
		}
		issues = append(issues, is)
	}
	return issues, nil
}

// StatusError is a non-2xx reply from Jira.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string { return fmt.Sprintf("HTTP %d: %v", e.Code, e.Err) }

func (e *StatusError) Unwrap() error { return e.Err }

// retry runs call with bounded exponential backoff. Network failures, 429
// and 5xx replies are retried; any other status is returned at once.
func (c *Client) retry(ctx context.Context, call func() (*jira.Response, error)) error {
	if c.api == nil {
		return ErrNotConfigured
	}
	op := func() error {
		resp, err := call()
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err == nil {
			return nil
		}
		if resp == nil {
			return err
		}
		serr := &StatusError{Code: resp.StatusCode, Err: err}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return serr
		}
		return backoff.Permanent(serr)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))
}
