package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/triagegate/internal/workflows"
)

var (
	workflowWait    bool
	approvalTimeout time.Duration
	signalUser      string
)

func init() {
	workflowStartCmd.Flags().StringVarP(&incidentPath, "incident", "i", "", "incident file (YAML or JSON)")
	_ = workflowStartCmd.MarkFlagRequired("incident")
	workflowStartCmd.Flags().BoolVar(&workflowWait, "wait", false, "block until the workflow completes and print its result")
	workflowStartCmd.Flags().DurationVar(&approvalTimeout, "approval-timeout", workflows.DefaultApprovalTimeout, "how long an escalated incident waits for a human")
	workflowSignalCmd.Flags().StringVar(&signalUser, "user", "", "who is approving or overriding")

	workflowCmd.AddCommand(workflowStartCmd)
	workflowCmd.AddCommand(workflowSignalCmd)
	workflowCmd.AddCommand(workflowStatusCmd)
	rootCmd.AddCommand(workflowCmd)
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Drive durable incident workflows on Temporal",
	Long: `Start incident workflows, approve or override escalated ones and query
their status. A worker must be running ("triagegate serve --temporal").

Examples:
  triagegate workflow start --incident incident.yaml
  triagegate workflow signal INC-2001 approve --user alice
  triagegate workflow status INC-2001`,
}

var workflowStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start one workflow per incident in the file",
	RunE:  runWorkflowStart,
}

var workflowSignalCmd = &cobra.Command{
	Use:       "signal <incident-id> <approve|override>",
	Short:     "Approve or override an escalated incident",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{workflows.SignalApprove, workflows.SignalOverride},
	RunE:      runWorkflowSignal,
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status <incident-id>",
	Short: "Query where an incident workflow is",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowStatus,
}

func runWorkflowStart(cmd *cobra.Command, _ []string) error {
	incs, err := loadIncidents(incidentPath)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := workflows.Dial(cfg.Temporal)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, inc := range incs {
		run, err := workflows.StartIncident(cmd.Context(), c, cfg.Temporal.TaskQueue, workflows.IncidentWorkflowInput{
			Incident:         inc,
			RefusalThreshold: cfg.Lifecycle.RefusalThreshold,
			ApprovalTimeout:  approvalTimeout,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "started %s (run %s)\n", run.GetID(), run.GetRunID())
		if !workflowWait {
			continue
		}
		var result workflows.IncidentWorkflowResult
		if err := run.Get(cmd.Context(), &result); err != nil {
			return fmt.Errorf("workflow %s failed: %w", run.GetID(), err)
		}
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
	}
	return nil
}

func runWorkflowSignal(cmd *cobra.Command, args []string) error {
	name := args[1]
	if name != workflows.SignalApprove && name != workflows.SignalOverride {
		return fmt.Errorf("unknown signal %q (want %s or %s)", name, workflows.SignalApprove, workflows.SignalOverride)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := workflows.Dial(cfg.Temporal)
	if err != nil {
		return err
	}
	defer c.Close()

	id := workflows.WorkflowID(args[0])
	if err := c.SignalWorkflow(cmd.Context(), id, "", name, workflows.ApprovalSignal{User: signalUser}); err != nil {
		return fmt.Errorf("failed to signal %s: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", name, id)
	return nil
}

func runWorkflowStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := workflows.Dial(cfg.Temporal)
	if err != nil {
		return err
	}
	defer c.Close()

	id := workflows.WorkflowID(args[0])
	val, err := c.QueryWorkflow(cmd.Context(), id, "", workflows.QueryStatus)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", id, err)
	}
	var status string
	if err := val.Get(&status); err != nil {
		return fmt.Errorf("failed to decode status: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", id, status)
	return nil
}
