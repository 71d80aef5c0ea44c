package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triagegate/internal/agent"
	"github.com/fyrsmithlabs/triagegate/internal/audit"
	"github.com/fyrsmithlabs/triagegate/internal/config"
	"github.com/fyrsmithlabs/triagegate/internal/dispatch"
	"github.com/fyrsmithlabs/triagegate/internal/events"
	"github.com/fyrsmithlabs/triagegate/internal/evidence"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
	"github.com/fyrsmithlabs/triagegate/internal/logging"
	"github.com/fyrsmithlabs/triagegate/internal/notify"
	"github.com/fyrsmithlabs/triagegate/internal/pipeline"
	"github.com/fyrsmithlabs/triagegate/internal/reliability"
	"github.com/fyrsmithlabs/triagegate/internal/secrets"
	"github.com/fyrsmithlabs/triagegate/internal/telemetry"
	"github.com/fyrsmithlabs/triagegate/internal/ticket"
)

// app holds everything a command needs. Build it with newApp and release
// it with Close.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry

	evidence  evidence.Backend
	agent     *agent.Client
	profile   reliability.Profile
	recorder  *audit.Recorder
	slack     *notify.Client
	jira      *ticket.Client
	natsConn  *nats.Conn
	publisher *events.Publisher
	scrubber  *secrets.Scrubber
	pipeline  *pipeline.Pipeline
}

// loadConfig reads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	// logToStderr keeps stdout for command results and protocol traffic.
	// Long-running services clear it.
	logToStderr = true
	// quietLogs discards logs while a full-screen dashboard owns the terminal.
	quietLogs bool
)

// initLogger builds the structured logger from the observability section.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	if quietLogs {
		return logging.NewNop(), nil
	}
	logCfg, err := logging.ConfigFromObservability(cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	logCfg.Stderr = logToStderr
	return logging.NewLogger(logCfg, global.GetLoggerProvider())
}

// newApp initializes dependencies in order:
//  1. Loads and validates configuration
//  2. Initializes telemetry and the logger
//  3. Builds the evidence backend and the agent client
//  4. Resolves the reliability profile once
//  5. Opens the audit recorder and downstream channels
//  6. Wires the pipeline
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !offline {
		if err := cfg.RequireAgent(); err != nil {
			return nil, fmt.Errorf("%w (pass --offline to run without the agent)", err)
		}
	}

	tel, err := telemetry.New(ctx, telemetry.ConfigFromObservability(cfg.Observability, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger, err := initLogger(cfg)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := tel.Degraded(); err != nil {
		logger.Warn(ctx, "telemetry exporters unavailable", zap.Error(err))
	}

	a := &app{cfg: cfg, logger: logger, telemetry: tel}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	zl := a.logger.Underlying()

	backend, err := evidence.New(cfg, zl.Named("evidence"))
	if err != nil {
		return fmt.Errorf("failed to create evidence backend: %w", err)
	}
	a.evidence = backend

	var conv agent.Converser
	if !offline {
		a.agent, err = agent.NewClient(cfg.Agent)
		if err != nil {
			return fmt.Errorf("failed to create agent client: %w", err)
		}
		conv = a.agent
	}

	resolver := reliability.NewResolver(
		reliability.NewClient(cfg.Reliability, zl.Named("reliability")),
		conv,
		reliability.Source(cfg.Reliability.Source),
		cfg.Reliability.MCPStrict,
		zl.Named("reliability"),
	)
	a.profile, err = resolver.Resolve(ctx, cfg.Agent.ModelName, incident.NewTrace())
	if err != nil {
		return fmt.Errorf("failed to resolve reliability profile: %w", err)
	}

	a.recorder, err = audit.Open(cfg.Audit.Dir, zl.Named("audit"))
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	a.scrubber, err = secrets.New(cfg.Scrub)
	if err != nil {
		return err
	}

	a.slack = notify.New(cfg.Slack, cfg.Agent.KibanaURL, zl.Named("slack"))
	a.jira = ticket.New(cfg.Jira, zl.Named("jira"))

	dispatchOpts := dispatch.Options{
		KibanaURL:     cfg.Agent.KibanaURL,
		APIKey:        cfg.Agent.APIKey,
		WorkflowID:    cfg.Slack.WorkflowID,
		EscalationURL: cfg.Escalation.WebhookURL,
		Notifier:      a.slack,
		Indexer:       backend,
		Logger:        zl.Named("dispatch"),
	}
	if cfg.NATS.URL != "" {
		a.natsConn, err = events.Connect(cfg.NATS.URL, zl)
		if err != nil {
			return err
		}
		a.publisher = events.NewPublisher(a.natsConn, cfg.NATS.SubjectPrefix, zl.Named("events"))
		dispatchOpts.Publisher = a.publisher
	}

	a.pipeline, err = pipeline.New(pipeline.Options{
		Agent:      conv,
		Evidence:   backend,
		Profile:    a.profile,
		Dispatcher: dispatch.New(dispatchOpts),
		Recorder:   a.recorder,
		AgentID:    cfg.Agent.AgentID,
		ModelName:  cfg.Agent.ModelName,
		Scrubber:   a.scrubber,
		Logger:     zl.Named("pipeline"),
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	a.logger.Info(ctx, "triagegate initialized",
		zap.String("evidence_backend", cfg.Evidence.Backend),
		zap.Bool("offline", offline),
		zap.String("model", a.profile.ModelName),
		zap.Bool("nats", a.publisher != nil),
		zap.Bool("slack_bot", a.slack.HasBot()),
		zap.Bool("jira", a.jira.Configured()),
		zap.Bool("scrub", a.scrubber.Enabled()))
	return nil
}

// Close releases connections and flushes telemetry.
func (a *app) Close() {
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if a.telemetry != nil {
		_ = a.telemetry.Shutdown(context.Background())
	}
	if a.logger != nil {
		_ = a.logger.Sync() // Best-effort sync on shutdown
	}
}
