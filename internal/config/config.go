// Package config loads the control plane's configuration. Defaults come
// from environment variables; an optional YAML file (QUALISYS_CONFIG, or
// ./qualisys.yaml when present) overlays them for settings that are awkward
// as env vars, like the injection denylist.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the QUALISYS control plane.
type Config struct {
	Port       int              `yaml:"port"`
	Version    string           `yaml:"version"`
	Database   DatabaseConfig   `yaml:"database"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Auth       AuthConfig       `yaml:"auth"`
	Audit      AuditConfig      `yaml:"audit"`
	Guard      GuardConfig      `yaml:"guard"`
	Validation ValidationConfig `yaml:"validation"`
	Providers  ProvidersConfig  `yaml:"providers"`
}

type DatabaseConfig struct {
	// URL empty means the in-memory store with snapshot persistence.
	URL            string `yaml:"url"`
	MaxConnections int    `yaml:"max_connections"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type AuthConfig struct {
	// APIKeys is a comma-separated list; empty disables auth.
	APIKeys string `yaml:"api_keys"`
}

type AuditConfig struct {
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type GuardConfig struct {
	// DailyBudgetMultiplier scales an agent's per-invocation MaxTokens into
	// the daily token limit per tenant. Zero selects the built-in default.
	DailyBudgetMultiplier int `yaml:"daily_budget_multiplier"`
}

type ValidationConfig struct {
	// ExtraDenyPatterns extends the built-in injection denylist.
	ExtraDenyPatterns []string `yaml:"extra_deny_patterns"`
	// ReplaceMinTier is the minimum tenant tier for replace-mode prompts.
	ReplaceMinTier string `yaml:"replace_min_tier"`
}

type ProvidersConfig struct {
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
}

// Load reads configuration from the environment, then overlays the YAML
// file if one is configured or present.
func Load() (*Config, error) {
	cfg := &Config{
		Port:    envInt("QUALISYS_PORT", 8080),
		Version: envStr("QUALISYS_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "qualisys-control-plane"),
		},
		Auth: AuthConfig{
			APIKeys: envStr("QUALISYS_API_KEYS", ""),
		},
		Audit: AuditConfig{
			WebhookURL:    envStr("QUALISYS_AUDIT_WEBHOOK_URL", ""),
			WebhookSecret: envStr("QUALISYS_AUDIT_WEBHOOK_SECRET", ""),
		},
		Guard: GuardConfig{
			DailyBudgetMultiplier: envInt("QUALISYS_DAILY_BUDGET_MULTIPLIER", 0),
		},
		Validation: ValidationConfig{
			ReplaceMinTier: envStr("QUALISYS_REPLACE_MIN_TIER", "enterprise"),
		},
		Providers: ProvidersConfig{
			OpenAIAPIKey:    envStr("OPENAI_API_KEY", ""),
			OpenAIBaseURL:   envStr("OPENAI_BASE_URL", ""),
			AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		},
	}

	path := os.Getenv("QUALISYS_CONFIG")
	if path == "" {
		if _, err := os.Stat("qualisys.yaml"); err == nil {
			path = "qualisys.yaml"
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
