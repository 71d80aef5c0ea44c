package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/triagegate/internal/audit"
	"github.com/fyrsmithlabs/triagegate/internal/mcp"
	"github.com/fyrsmithlabs/triagegate/internal/monitor"
)

var (
	serverURL         string
	dashboardInterval time.Duration
	dashboardLocal    bool
)

func init() {
	dashboardCmd.Flags().StringVar(&serverURL, "server", "http://localhost:9090", "triagegate server URL")
	dashboardCmd.Flags().DurationVar(&dashboardInterval, "interval", 2*time.Second, "refresh interval")
	dashboardCmd.Flags().BoolVar(&dashboardLocal, "local", false, "run the lifecycle controller in-process instead of polling a server")

	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(dashboardCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(profileCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve triage tools over MCP on stdio",
	Long: `Start an MCP server on stdin/stdout exposing triage_run, gate_evaluate,
reliability_profile, metrics_summary and tool_search. Logs go to stderr.

Examples:
  triagegate mcp --offline`,
	RunE: runMCP,
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Watch the incident lifecycle in the terminal",
	Long: `Show queue depth, approvals, refusals and controller reasoning. By default
the dashboard polls a server started with "triagegate serve --controller".

Examples:
  # Watch a server
  triagegate dashboard --server http://localhost:9090

  # Run the controller in this process
  triagegate dashboard --local --offline`,
	RunE: runDashboard,
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize recorded runs",
	Long: `Aggregate metrics.jsonl in the audit directory into escalation and
auto-execute rates, grouped by model and context mode.

Examples:
  AUDIT_DIR=outputs triagegate summary`,
	RunE: runSummary,
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Resolve and print the model reliability profile",
	Long: `Fetch the reliability profile for MODEL_NAME from the configured source
and print it. This is the profile every run in a process uses.

Examples:
  MODEL_NAME=gpt-4o triagegate profile --offline`,
	RunE: runProfile,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := mcp.NewServer(&mcp.Config{
		Name:     "triagegate",
		Version:  version,
		Logger:   a.logger.Underlying().Named("mcp"),
		AuditDir: a.cfg.Audit.Dir,
	}, a.pipeline, a.profile)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	return srv.Run(cmd.Context())
}

func runDashboard(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	var source monitor.Source = monitor.NewAPIClient(serverURL)

	if dashboardLocal {
		quietLogs = true
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		ctrl, err := newController(a)
		if err != nil {
			return err
		}
		go func() { _ = ctrl.Run(ctx) }()
		defer cancel()
		source = monitor.LocalSource{Controller: ctrl}
	}

	p := tea.NewProgram(monitor.NewModel(source, dashboardInterval), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func runSummary(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sum, err := audit.SummarizeDir(cfg.Audit.Dir)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), sum)
}

func runProfile(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	return printJSON(cmd.OutOrStdout(), a.profile)
}
