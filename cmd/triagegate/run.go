package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/triagegate/internal/evidence"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
	"github.com/fyrsmithlabs/triagegate/internal/lifecycle"
)

var (
	incidentPath string
	liveWindow   time.Duration
	liveService  string
)

func init() {
	for _, c := range []*cobra.Command{runCmd, baselineCmd} {
		c.Flags().StringVarP(&incidentPath, "incident", "i", "", "incident file (YAML or JSON, one incident or a list; - reads stdin)")
		_ = c.MarkFlagRequired("incident")
	}
	liveCmd.Flags().DurationVar(&liveWindow, "window", 15*time.Minute, "trailing window for the server error query")
	liveCmd.Flags().StringVar(&liveService, "service", lifecycle.DefaultLiveService, "service the live incident is attributed to")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(baselineCmd)
	rootCmd.AddCommand(liveCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Triage incidents through the full pipeline",
	Long: `Run each incident through planning, adversarial verification, context
selection and the safety gate, dispatch the decision and append it to the
audit log.

Examples:
  # Triage one incident
  triagegate run --incident incident.yaml

  # Triage a list without the agent
  triagegate run --offline --incident incidents.json`,
	RunE: runRun,
}

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Record the planner's unguarded proposal for comparison",
	Long: `Run only the planner and record its proposal as if it were executed,
without verification or gating. Baseline rows land in baseline.jsonl.

Examples:
  triagegate baseline --incident incident.yaml`,
	RunE: runBaseline,
}

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Triage the current server error spike",
	Long: `Build an incident from server errors in the live request logs and run it
through the pipeline. The evidence backend must expose request logs.

Examples:
  triagegate live --window 30m`,
	RunE: runLive,
}

// loadIncidents reads one incident or a list from a YAML or JSON file.
func loadIncidents(path string) ([]incident.Incident, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read incident file: %w", err)
	}
	return parseIncidents(data)
}

func parseIncidents(data []byte) ([]incident.Incident, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: incident file is empty", incident.ErrInvalidIncident)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to parse incident file: %w", err)
	}
	root := &node
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}

	var incs []incident.Incident
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&incs); err != nil {
			return nil, fmt.Errorf("failed to decode incidents: %w", err)
		}
	case yaml.MappingNode:
		var inc incident.Incident
		if err := root.Decode(&inc); err != nil {
			return nil, fmt.Errorf("failed to decode incident: %w", err)
		}
		incs = append(incs, inc)
	default:
		return nil, fmt.Errorf("%w: expected an incident or a list of incidents", incident.ErrInvalidIncident)
	}

	for i := range incs {
		sev, err := incident.ParseSeverity(string(incs[i].Severity))
		if err != nil {
			return nil, fmt.Errorf("incident %d (%s): %w", i, incs[i].ID, err)
		}
		incs[i].Severity = sev
		if err := incs[i].Validate(); err != nil {
			return nil, fmt.Errorf("incident %d: %w", i, err)
		}
	}
	return incs, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runRun(cmd *cobra.Command, _ []string) error {
	incs, err := loadIncidents(incidentPath)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	for _, inc := range incs {
		rec, err := a.pipeline.Run(cmd.Context(), inc)
		if err != nil {
			return fmt.Errorf("run %s: %w", inc.ID, err)
		}
		if err := printJSON(cmd.OutOrStdout(), rec); err != nil {
			return err
		}
	}
	a.logger.Info(cmd.Context(), "runs complete",
		zap.Int("incidents", len(incs)), zap.String("audit_dir", a.recorder.Dir()))
	return nil
}

func runBaseline(cmd *cobra.Command, _ []string) error {
	incs, err := loadIncidents(incidentPath)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	for _, inc := range incs {
		rec, err := a.pipeline.RunBaseline(cmd.Context(), inc)
		if err != nil {
			return fmt.Errorf("baseline %s: %w", inc.ID, err)
		}
		if err := printJSON(cmd.OutOrStdout(), rec); err != nil {
			return err
		}
	}
	return nil
}

func runLive(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	logs, ok := evidence.Logs(a.evidence)
	if !ok {
		return fmt.Errorf("evidence backend %q has no live logs", a.cfg.Evidence.Backend)
	}
	inc, err := lifecycle.LiveIncident(cmd.Context(), logs, liveService, liveWindow, time.Now())
	if err != nil {
		return fmt.Errorf("failed to build live incident: %w", err)
	}
	inc = a.scrubber.Incident(inc)
	a.logger.Info(cmd.Context(), "live incident",
		zap.String("incident_id", inc.ID), zap.String("severity", string(inc.Severity)), zap.String("summary", inc.Summary))

	rec, err := a.pipeline.Run(cmd.Context(), inc)
	if err != nil {
		return fmt.Errorf("run %s: %w", inc.ID, err)
	}
	return printJSON(cmd.OutOrStdout(), rec)
}
