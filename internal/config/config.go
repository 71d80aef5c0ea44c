// Package config provides configuration loading for triagegate.
//
// Configuration is loaded from environment variables with sensible defaults,
// optionally layered under a YAML file (see LoadWithFile). The well-known
// variable names used by existing deployments (ELASTIC_URL, KIBANA_URL,
// SLACK_BOT_TOKEN, ...) are honored directly.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete triagegate configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Elastic       ElasticConfig       `koanf:"elastic"`
	Agent         AgentConfig         `koanf:"agent"`
	Reliability   ReliabilityConfig   `koanf:"reliability"`
	Slack         SlackConfig         `koanf:"slack"`
	Jira          JiraConfig          `koanf:"jira"`
	Escalation    EscalationConfig    `koanf:"escalation"`
	Lifecycle     LifecycleConfig     `koanf:"lifecycle"`
	Audit         AuditConfig         `koanf:"audit"`
	NATS          NATSConfig          `koanf:"nats"`
	Temporal      TemporalConfig      `koanf:"temporal"`
	Evidence      EvidenceConfig      `koanf:"evidence"`
	Scrub         ScrubConfig         `koanf:"scrub"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ElasticConfig points at the search cluster holding runbooks, incidents,
// policies and live request logs.
type ElasticConfig struct {
	URL     string `koanf:"url"`
	APIKey  Secret `koanf:"api_key"`
	UseMock bool   `koanf:"use_mock"`
	// Indices maps logical index names (runbooks, incidents, policies, ...)
	// to physical ones.
	Indices  map[string]string `koanf:"indices"`
	LogIndex string            `koanf:"log_index"`
	Timeout  time.Duration     `koanf:"timeout"`
}

// AgentConfig configures the reasoning backend reached through Kibana.
type AgentConfig struct {
	KibanaURL string        `koanf:"kibana_url"`
	APIKey    Secret        `koanf:"api_key"`
	AgentID   string        `koanf:"agent_id"`
	ModelName string        `koanf:"model_name"`
	Timeout   time.Duration `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit"`
}

// ReliabilityConfig configures the model reliability signal endpoints.
type ReliabilityConfig struct {
	CDCTURL string `koanf:"cdct_url"`
	DDFTURL string `koanf:"ddft_url"`
	EECTURL string `koanf:"eect_url"`
	// Source is "api" (direct endpoints) or "agent_builder_mcp".
	Source    string        `koanf:"source"`
	MCPStrict bool          `koanf:"mcp_strict"`
	Timeout   time.Duration `koanf:"timeout"`
}

// SlackConfig configures chat-ops notification and approval capture.
type SlackConfig struct {
	BotToken    Secret `koanf:"bot_token"`
	ChannelID   string `koanf:"channel_id"`
	WebhookURL  string `koanf:"webhook_url"`
	AdminUserID string `koanf:"admin_user_id"`
	// WorkflowID selects a Kibana workflow to execute before falling back
	// to the webhook.
	WorkflowID      string  `koanf:"workflow_id"`
	AdminWebhookURL string  `koanf:"admin_webhook_url"`
	AdminMention    string  `koanf:"admin_mention"`
	ChannelLabel    string  `koanf:"channel_label"`
	UrgentDM        bool    `koanf:"urgent_dm"`
	APIBase         string  `koanf:"api_base"`
	RateLimit       float64 `koanf:"rate_limit"`
}

// JiraConfig configures the issue tracker.
type JiraConfig struct {
	URL        string `koanf:"url"`
	Email      string `koanf:"email"`
	APIToken   Secret `koanf:"api_token"`
	ProjectKey string `koanf:"project_key"`
}

// EscalationConfig configures the out-of-band escalation webhook.
type EscalationConfig struct {
	WebhookURL string `koanf:"webhook_url"`
}

// LifecycleConfig configures the incident lifecycle controller.
type LifecycleConfig struct {
	RefusalThreshold float64  `koanf:"refusal_threshold"`
	MaxActive        int      `koanf:"max_active"`
	TailInterval     Duration `koanf:"tail_interval"`
	ScanInterval     Duration `koanf:"scan_interval"`
	AgentInterval    Duration `koanf:"agent_interval"`
	PollInterval     Duration `koanf:"poll_interval"`
	LiveWindow       Duration `koanf:"live_window"`
}

// AuditConfig configures the JSONL audit sink.
type AuditConfig struct {
	Dir string `koanf:"dir"`
}

// NATSConfig configures the decision event publisher.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// TemporalConfig configures the durable incident workflow worker.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// EvidenceConfig configures the local semantic evidence store.
type EvidenceConfig struct {
	// Backend is "elastic", "mock" or "chromem".
	Backend    string `koanf:"backend"`
	ChromemDir string `koanf:"chromem_dir"`
	SeedFile   string `koanf:"seed_file"`
}

// ScrubConfig controls credential redaction for text leaving the process.
type ScrubConfig struct {
	Enabled bool `koanf:"enabled"`
	// AllowList holds regexps for matches that are never redacted.
	AllowList []string `koanf:"allow_list"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
}

// DefaultIndices returns the logical to physical index mapping.
func DefaultIndices() map[string]string {
	return map[string]string{
		"runbooks":          "runbooks",
		"incidents":         "incidents",
		"policies":          "policies",
		"workflow_events":   "workflow_events",
		"action_executions": "action_executions",
	}
}

// Load loads configuration from environment variables with defaults.
//
// Environment variables:
//   - ELASTIC_URL, ELASTIC_API_KEY, USE_MOCK_ELASTIC
//   - KIBANA_URL, AGENT_ID, MODEL_NAME
//   - CDCT_API_URL, DDFT_API_URL, EECT_API_URL (default localhost:8001-8003)
//   - RELIABILITY_PROFILE_SOURCE, RELIABILITY_PROFILE_MCP_STRICT
//   - SLACK_BOT_TOKEN, SLACK_CHANNEL_ID, SLACK_WEBHOOK_URL, SLACK_ADMIN_USER_ID
//   - KIBANA_WORKFLOW_ID
//   - JIRA_URL, JIRA_EMAIL, JIRA_API_TOKEN, JIRA_PROJECT_KEY (default SRE)
//   - ESCALATION_WEBHOOK_URL
//   - REFUSAL_THRESHOLD (default 5.0)
//   - AUDIT_DIR (default outputs)
//   - NATS_URL, TEMPORAL_HOST_PORT
//   - SCRUB_ENABLED (default true)
//   - SERVER_PORT (default 9090)
func Load() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvInt("SERVER_PORT", 9090),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Elastic: ElasticConfig{
			URL:      strings.TrimRight(getEnvString("ELASTIC_URL", ""), "/"),
			APIKey:   Secret(getEnvString("ELASTIC_API_KEY", "")),
			UseMock:  getEnvBool("USE_MOCK_ELASTIC", false),
			Indices:  DefaultIndices(),
			LogIndex: getEnvString("ELASTIC_LOG_INDEX", "kibana_sample_data_logs"),
			Timeout:  getEnvDuration("ELASTIC_TIMEOUT", 30*time.Second),
		},
		Agent: AgentConfig{
			KibanaURL: strings.TrimRight(getEnvString("KIBANA_URL", ""), "/"),
			APIKey:    Secret(getEnvString("KIBANA_API_KEY", getEnvString("ELASTIC_API_KEY", ""))),
			AgentID:   getEnvString("AGENT_ID", ""),
			ModelName: getEnvString("MODEL_NAME", ""),
			Timeout:   getEnvDuration("AGENT_TIMEOUT", 120*time.Second),
			RateLimit: getEnvFloat("AGENT_RATE_LIMIT", 2),
		},
		Reliability: ReliabilityConfig{
			CDCTURL:   getEnvString("CDCT_API_URL", "http://localhost:8001"),
			DDFTURL:   getEnvString("DDFT_API_URL", "http://localhost:8002"),
			EECTURL:   getEnvString("EECT_API_URL", "http://localhost:8003"),
			Source:    strings.ToLower(getEnvString("RELIABILITY_PROFILE_SOURCE", "api")),
			MCPStrict: getEnvBool("RELIABILITY_PROFILE_MCP_STRICT", false),
			Timeout:   getEnvDuration("RELIABILITY_TIMEOUT", 10*time.Second),
		},
		Slack: SlackConfig{
			BotToken:        Secret(getEnvString("SLACK_BOT_TOKEN", "")),
			ChannelID:       getEnvString("SLACK_CHANNEL_ID", ""),
			WebhookURL:      getEnvString("SLACK_WEBHOOK_URL", ""),
			AdminUserID:     getEnvString("SLACK_ADMIN_USER_ID", ""),
			WorkflowID:      getEnvString("KIBANA_WORKFLOW_ID", ""),
			AdminWebhookURL: getEnvString("SLACK_ADMIN_WEBHOOK_URL", ""),
			AdminMention:    getEnvString("SLACK_ADMIN_MENTION", ""),
			ChannelLabel:    getEnvString("SLACK_CHANNEL_LABEL", "reliability"),
			UrgentDM:        getEnvBool("SLACK_URGENT_DM", true),
			APIBase:         strings.TrimRight(getEnvString("SLACK_API_BASE", "https://slack.com/api"), "/"),
			RateLimit:       getEnvFloat("SLACK_RATE_LIMIT", 5),
		},
		Jira: JiraConfig{
			URL:        strings.TrimRight(getEnvString("JIRA_URL", ""), "/"),
			Email:      getEnvString("JIRA_EMAIL", ""),
			APIToken:   Secret(getEnvString("JIRA_API_TOKEN", "")),
			ProjectKey: getEnvString("JIRA_PROJECT_KEY", "SRE"),
		},
		Escalation: EscalationConfig{
			WebhookURL: getEnvString("ESCALATION_WEBHOOK_URL", ""),
		},
		Lifecycle: LifecycleConfig{
			RefusalThreshold: getEnvFloat("REFUSAL_THRESHOLD", 5.0),
			MaxActive:        getEnvInt("LIFECYCLE_MAX_ACTIVE", 2),
			TailInterval:     Duration(getEnvDuration("LIFECYCLE_TAIL_INTERVAL", 1500*time.Millisecond)),
			ScanInterval:     Duration(getEnvDuration("LIFECYCLE_SCAN_INTERVAL", 2*time.Second)),
			AgentInterval:    Duration(getEnvDuration("LIFECYCLE_AGENT_INTERVAL", 150*time.Millisecond)),
			PollInterval:     Duration(getEnvDuration("LIFECYCLE_POLL_INTERVAL", 200*time.Millisecond)),
			LiveWindow:       Duration(getEnvDuration("LIFECYCLE_LIVE_WINDOW", 15*time.Minute)),
		},
		Audit: AuditConfig{
			Dir: getEnvString("AUDIT_DIR", "outputs"),
		},
		NATS: NATSConfig{
			URL:           getEnvString("NATS_URL", ""),
			SubjectPrefix: getEnvString("NATS_SUBJECT_PREFIX", "triagegate"),
		},
		Temporal: TemporalConfig{
			HostPort:  getEnvString("TEMPORAL_HOST_PORT", ""),
			Namespace: getEnvString("TEMPORAL_NAMESPACE", "default"),
			TaskQueue: getEnvString("TEMPORAL_TASK_QUEUE", "triagegate-incidents"),
		},
		Evidence: EvidenceConfig{
			Backend:    getEnvString("EVIDENCE_BACKEND", ""),
			ChromemDir: getEnvString("EVIDENCE_CHROMEM_DIR", ""),
			SeedFile:   getEnvString("EVIDENCE_SEED_FILE", ""),
		},
		Scrub: ScrubConfig{
			Enabled: getEnvBool("SCRUB_ENABLED", true),
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: getEnvBool("OTEL_ENABLE", false),
			ServiceName:     getEnvString("OTEL_SERVICE_NAME", "triagegate"),
			Endpoint:        getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			LogLevel:        getEnvString("LOG_LEVEL", "info"),
			LogFormat:       getEnvString("LOG_FORMAT", "json"),
		},
	}

	if cfg.Evidence.Backend == "" {
		cfg.Evidence.Backend = "elastic"
		if cfg.Elastic.UseMock {
			cfg.Evidence.Backend = "mock"
		}
	}

	return cfg
}

// Validate validates the configuration.
//
// Missing required endpoints are configuration errors: the CLI reports them
// and exits non-zero instead of retrying.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid server port: %d (must be 1-65535)", ErrInvalidConfig, c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown timeout must be positive", ErrInvalidConfig)
	}

	switch c.Evidence.Backend {
	case "elastic":
		if c.Elastic.URL == "" {
			return fmt.Errorf("%w: ELASTIC_URL is required for the elastic evidence backend", ErrInvalidConfig)
		}
	case "mock", "chromem":
	default:
		return fmt.Errorf("%w: unknown evidence backend %q", ErrInvalidConfig, c.Evidence.Backend)
	}

	switch c.Reliability.Source {
	case "api", "agent_builder_mcp":
	default:
		return fmt.Errorf("%w: unknown reliability profile source %q", ErrInvalidConfig, c.Reliability.Source)
	}

	if c.Lifecycle.RefusalThreshold <= 0 || c.Lifecycle.RefusalThreshold > 10 {
		return fmt.Errorf("%w: refusal threshold must be in (0, 10], got %v", ErrInvalidConfig, c.Lifecycle.RefusalThreshold)
	}
	if c.Lifecycle.MaxActive < 1 {
		return fmt.Errorf("%w: lifecycle max_active must be at least 1", ErrInvalidConfig)
	}
	for name, d := range map[string]Duration{
		"tail_interval":  c.Lifecycle.TailInterval,
		"scan_interval":  c.Lifecycle.ScanInterval,
		"agent_interval": c.Lifecycle.AgentInterval,
		"poll_interval":  c.Lifecycle.PollInterval,
	} {
		if d.Duration() <= 0 {
			return fmt.Errorf("%w: lifecycle %s must be positive", ErrInvalidConfig, name)
		}
	}

	if c.Audit.Dir == "" {
		return fmt.Errorf("%w: audit dir is required", ErrInvalidConfig)
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return fmt.Errorf("%w: service name required when telemetry is enabled", ErrInvalidConfig)
	}

	return nil
}

// RequireAgent reports a configuration error when the reasoning backend is
// not configured. Commands that cannot run without it call this before
// starting.
func (c *Config) RequireAgent() error {
	if c.Agent.KibanaURL == "" {
		return fmt.Errorf("%w: KIBANA_URL is required", ErrInvalidConfig)
	}
	if !c.Agent.APIKey.IsSet() {
		return fmt.Errorf("%w: KIBANA_API_KEY or ELASTIC_API_KEY is required", ErrInvalidConfig)
	}
	if c.Agent.AgentID == "" {
		return fmt.Errorf("%w: AGENT_ID is required", ErrInvalidConfig)
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
