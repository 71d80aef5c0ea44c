package workflows

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/fyrsmithlabs/triagegate/internal/config"
)

// DefaultTaskQueue is used when the configuration leaves it empty.
const DefaultTaskQueue = "triagegate-incidents"

// Dial connects to the Temporal frontend named in cfg.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	if cfg.HostPort == "" {
		return nil, fmt.Errorf("%w: temporal host_port not set", config.ErrInvalidConfig)
	}
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return c, nil
}

// NewWorker returns a worker with the incident workflow and its
// activities registered on taskQueue.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(IncidentWorkflow)
	w.RegisterActivity(acts)
	return w
}

// WorkflowID is the workflow id used for an incident, so a second start
// for the same incident is rejected by the server.
func WorkflowID(incidentID string) string {
	return "incident-" + incidentID
}

// StartIncident starts IncidentWorkflow for input on taskQueue.
func StartIncident(ctx context.Context, c client.Client, taskQueue string, input IncidentWorkflowInput) (client.WorkflowRun, error) {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(input.Incident.ID),
		TaskQueue: taskQueue,
	}, IncidentWorkflow, input)
	if err != nil {
		return nil, fmt.Errorf("failed to start workflow for %s: %w", input.Incident.ID, err)
	}
	return run, nil
}
