package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/triagegate/internal/lifecycle"
)

// Source yields controller snapshots for the dashboard.
type Source interface {
	Snapshot(ctx context.Context) (lifecycle.Snapshot, error)
	// Describe names the source in the dashboard header and error view.
	Describe() string
}

// Snapshotter is satisfied by *lifecycle.Controller.
type Snapshotter interface {
	Snapshot() lifecycle.Snapshot
}

// LocalSource reads an in-process controller.
type LocalSource struct {
	Controller Snapshotter
}

// Snapshot returns the controller's current snapshot.
func (s LocalSource) Snapshot(context.Context) (lifecycle.Snapshot, error) {
	return s.Controller.Snapshot(), nil
}

// Describe implements Source.
func (LocalSource) Describe() string { return "in-process controller" }

// APIClient reads snapshots from a triagegate HTTP server.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a client for the server at baseURL.
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// Describe implements Source.
func (c *APIClient) Describe() string { return c.baseURL }

// Snapshot fetches GET /api/v1/incidents.
func (c *APIClient) Snapshot(ctx context.Context) (lifecycle.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/incidents", nil)
	if err != nil {
		return lifecycle.Snapshot{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return lifecycle.Snapshot{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return lifecycle.Snapshot{}, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var snap lifecycle.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return lifecycle.Snapshot{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return snap, nil
}
