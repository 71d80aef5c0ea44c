// Triagegate triages production incidents with an LLM planner, an
// adversarial verifier and a deterministic safety gate.
//
// Configuration is loaded from environment variables, optionally layered
// under a YAML file passed with --config. See internal/config for details.
//
// Usage:
//
//	# Triage one incident file
//	triagegate run --incident incident.yaml
//
//	# Run the lifecycle controller with the REST API and metrics
//	triagegate serve --controller
//
//	# Watch a running server
//	triagegate dashboard --server http://localhost:9090
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/triagegate/internal/config"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	offline    bool
)

var rootCmd = &cobra.Command{
	Use:   "triagegate",
	Short: "Incident triage with an adversarial safety gate",
	Long: `triagegate proposes remediations for production incidents, stress-tests
them against runbooks, past incidents, policies and live logs, and only
executes when the safety gate is confident. Everything else is escalated
to a human.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("triagegate %s (commit %s, built %s)\n", version, gitCommit, buildDate))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (environment variables override it)")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "run without the reasoning agent using evidence heuristics only")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, config.ErrInvalidConfig) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}
