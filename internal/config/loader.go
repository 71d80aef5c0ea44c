package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix marks environment variables that map onto config keys.
	EnvPrefix = "TRIAGEGATE_"
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// prefixed environment variables.
//
// Configuration precedence (highest to lowest):
//  1. TRIAGEGATE_* environment variables (TRIAGEGATE_ELASTIC_URL -> elastic.url)
//  2. YAML config file
//  3. Well-known environment variables and defaults (see Load)
//
// An empty configPath skips the file layer. A missing file is an error
// because the caller asked for it explicitly.
//
// The file must not be world-writable and must be smaller than 1MB.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		// Open once and validate the descriptor to avoid a TOCTOU race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Load()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps TRIAGEGATE_SECTION_FIELD_NAME to section.field_name.
// Only the first underscore after the prefix separates the section.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// validateConfigFileProperties checks file permissions and size.
// Takes FileInfo from an already-opened file descriptor.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("config path is a directory")
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o002 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be world-writable)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults fills values a YAML file may have zeroed out.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if len(cfg.Elastic.Indices) == 0 {
		cfg.Elastic.Indices = DefaultIndices()
	} else {
		for logical, physical := range DefaultIndices() {
			if _, ok := cfg.Elastic.Indices[logical]; !ok {
				cfg.Elastic.Indices[logical] = physical
			}
		}
	}
	cfg.Elastic.URL = strings.TrimRight(cfg.Elastic.URL, "/")
	cfg.Agent.KibanaURL = strings.TrimRight(cfg.Agent.KibanaURL, "/")
	cfg.Jira.URL = strings.TrimRight(cfg.Jira.URL, "/")
	cfg.Reliability.Source = strings.ToLower(cfg.Reliability.Source)
	if cfg.Jira.ProjectKey == "" {
		cfg.Jira.ProjectKey = "SRE"
	}
	if cfg.Slack.APIBase == "" {
		cfg.Slack.APIBase = "https://slack.com/api"
	}
	cfg.Slack.APIBase = strings.TrimRight(cfg.Slack.APIBase, "/")
	if cfg.Slack.ChannelLabel == "" {
		cfg.Slack.ChannelLabel = "reliability"
	}
	if cfg.Lifecycle.MaxActive == 0 {
		cfg.Lifecycle.MaxActive = 2
	}
	if cfg.Evidence.Backend == "" {
		cfg.Evidence.Backend = "elastic"
		if cfg.Elastic.UseMock {
			cfg.Evidence.Backend = "mock"
		}
	}
}
