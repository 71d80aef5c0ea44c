package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/triagegate/internal/evidence"
	httpserver "github.com/fyrsmithlabs/triagegate/internal/http"
	"github.com/fyrsmithlabs/triagegate/internal/lifecycle"
	"github.com/fyrsmithlabs/triagegate/internal/workflows"
)

var (
	serveHost       string
	serveController bool
	serveTemporal   bool
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "localhost", "address to bind the HTTP server to")
	serveCmd.Flags().BoolVar(&serveController, "controller", false, "run the lifecycle controller and expose /api/v1/incidents")
	serveCmd.Flags().BoolVar(&serveTemporal, "temporal", false, "run a Temporal worker for the incident workflow")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(controllerCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST API and Prometheus metrics",
	Long: `Start the HTTP server. With --controller the lifecycle controller runs in
the same process and its queue is available over the API. With --temporal
a worker for the durable incident workflow is started as well.

Examples:
  # API only
  triagegate serve

  # API, controller and workflow worker
  TEMPORAL_HOST_PORT=localhost:7233 triagegate serve --controller --temporal`,
	RunE: runServe,
}

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the incident lifecycle controller",
	Long: `Tail live logs, queue new error patterns, triage them, post decisions to
chat for approval and learn from resolved incidents. Runs until interrupted.

Examples:
  SLACK_BOT_TOKEN=xoxb-... SLACK_CHANNEL_ID=C123 triagegate controller`,
	RunE: runController,
}

// newController wires a lifecycle controller to the app's collaborators.
// Chat, tickets and transitions are attached only when configured.
func newController(a *app) (*lifecycle.Controller, error) {
	opts := lifecycle.Options{
		Config:   a.cfg.Lifecycle,
		Analyzer: a.pipeline,
		Scrubber: a.scrubber,
		Logger:   a.logger.Named("lifecycle"),
	}
	if logs, ok := evidence.Logs(a.evidence); ok {
		opts.Logs = logs
	}
	if a.slack.HasBot() {
		opts.Chat = a.slack
		opts.Channel = a.cfg.Slack.ChannelID
		if opts.Channel == "" {
			opts.Channel = a.cfg.Slack.ChannelLabel
		}
	}
	if a.jira.Configured() {
		opts.Tickets = a.jira
	}
	if a.publisher != nil {
		opts.Transitions = a.publisher
	}
	return lifecycle.New(opts)
}

func runController(cmd *cobra.Command, _ []string) error {
	logToStderr = false
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ctrl, err := newController(a)
	if err != nil {
		return err
	}
	a.logger.Info(cmd.Context(), "lifecycle controller started",
		zap.Float64("refusal_threshold", a.cfg.Lifecycle.RefusalThreshold))
	if err := ctrl.Run(cmd.Context()); err != nil && cmd.Context().Err() == nil {
		return err
	}
	a.logger.Info(context.Background(), "lifecycle controller stopped")
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logToStderr = false
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := httpserver.Options{
		Runner:   a.pipeline,
		AuditDir: a.cfg.Audit.Dir,
		Logger:   a.logger.Underlying().Named("http"),
		Config:   &httpserver.Config{Host: serveHost, Port: a.cfg.Server.Port},
	}

	var ctrl *lifecycle.Controller
	if serveController {
		ctrl, err = newController(a)
		if err != nil {
			return err
		}
		opts.Controller = ctrl
	}

	srv, err := httpserver.NewServer(opts)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	if serveTemporal {
		c, err := workflows.Dial(a.cfg.Temporal)
		if err != nil {
			return err
		}
		defer c.Close()
		w := workflows.NewWorker(c, a.cfg.Temporal.TaskQueue, &workflows.Activities{
			Stages: a.pipeline,
			Logger: a.logger.Underlying().Named("workflows"),
		})
		if err := w.Start(); err != nil {
			return fmt.Errorf("failed to start temporal worker: %w", err)
		}
		defer w.Stop()
		a.logger.Info(ctx, "temporal worker started",
			zap.String("host_port", a.cfg.Temporal.HostPort), zap.String("task_queue", a.cfg.Temporal.TaskQueue))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if ctrl != nil {
		g.Go(func() error {
			if err := ctrl.Run(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("lifecycle controller: %w", err)
			}
			return nil
		})
	}
	a.logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", serveHost, a.cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
		zap.Bool("controller", ctrl != nil))

	return g.Wait()
}
