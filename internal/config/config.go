package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level turnguard configuration structure, loaded from a
// YAML file (optionally split across files via $include) with ${VAR}
// environment expansion.
type Config struct {
	Version      int                `yaml:"version"`
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Verification VerificationConfig `yaml:"verification"`
	Session      SessionConfig      `yaml:"session"`
	LLM          LLMConfig          `yaml:"llm"`
	Tools        ToolsConfig        `yaml:"tools"`
	Catalog      CatalogConfig      `yaml:"catalog"`
}

// ServerConfig controls the /healthz and /metrics listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig is the Postgres pool backing sessions, turn state, session
// locks, and the identity directory. An empty URL means run with in-memory
// stores (single-process, local development, tests).
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AuthConfig lists API keys permitted to reach operator-facing endpoints
// (e.g. /metrics, when exposed outside a trusted network).
type AuthConfig struct {
	APIKeys []APIKeyConfig `yaml:"api_keys"`
}

type APIKeyConfig struct {
	Key   string `yaml:"key"`
	Label string `yaml:"label"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig feeds observability.NewTracer. An empty Endpoint yields the
// package's no-op tracer.
type TracingConfig struct {
	ServiceName    string  `yaml:"service_name"`
	Endpoint       string  `yaml:"endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	EnableInsecure bool    `yaml:"enable_insecure"`
}

// RateLimitConfig feeds ratelimit.Config (the per-session turn throttle).
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// VerificationConfig controls the enumeration tracker guarding repeated
// failed verification attempts on a session.
type VerificationConfig struct {
	EnumerationThreshold int `yaml:"enumeration_threshold"`
}

// SessionConfig controls turn-state retention.
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// LLMConfig selects which configured LLMProvider backs the tool loop, and
// the per-provider connection details.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	Region    string `yaml:"region"`
}

// ToolsConfig controls the Tool Executor's default timeout/retry policy.
type ToolsConfig struct {
	Execution ToolExecutionConfig `yaml:"execution"`
}

type ToolExecutionConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// CatalogConfig points at the message catalog file (see internal/catalog);
// relative to the config file's own $include resolution.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

var knownProviders = map[string]bool{"anthropic": true, "openai": true, "bedrock": true}

// Load reads, expands, validates, and defaults a turnguard config file.
// Unknown fields are rejected so a typo in a deployment's YAML fails fast
// rather than silently loading defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns an all-defaults Config, as if loaded from an empty file —
// the zero-config path for local development and tests.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8090"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "turnguard"
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 10.0
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 20
	}
	if cfg.Verification.EnumerationThreshold == 0 {
		cfg.Verification.EnumerationThreshold = 3
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = 24 * time.Hour
	}
	if cfg.Tools.Execution.Timeout == 0 {
		cfg.Tools.Execution.Timeout = 15 * time.Second
	}
	if cfg.Tools.Execution.MaxAttempts == 0 {
		cfg.Tools.Execution.MaxAttempts = 2
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TURNGUARD_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TURNGUARD_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("TURNGUARD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("TURNGUARD_OTEL_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
}

// ConfigValidationError collects every problem found with a config file, so
// an operator fixes them all in one pass instead of one-error-at-a-time.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s", strings.Join(e.Issues, "; "))
}

func validateConfig(cfg *Config) error {
	var issues []string

	if err := ValidateVersion(cfg.Version); err != nil {
		issues = append(issues, err.Error())
	}

	if cfg.LLM.DefaultProvider != "" {
		if !knownProviders[cfg.LLM.DefaultProvider] {
			issues = append(issues, fmt.Sprintf("llm.default_provider %q is not a known provider", cfg.LLM.DefaultProvider))
		} else if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
			issues = append(issues, fmt.Sprintf("llm.default_provider %q has no matching entry under llm.providers", cfg.LLM.DefaultProvider))
		}
	}
	for name := range cfg.LLM.Providers {
		if !knownProviders[name] {
			issues = append(issues, fmt.Sprintf("llm.providers.%s is not a known provider", name))
		}
	}

	for i, key := range cfg.Auth.APIKeys {
		if strings.TrimSpace(key.Key) == "" {
			issues = append(issues, fmt.Sprintf("auth.api_keys[%d].key must not be empty", i))
		}
	}

	if cfg.RateLimit.RequestsPerSecond < 0 {
		issues = append(issues, "rate_limit.requests_per_second must be >= 0")
	}
	if cfg.RateLimit.BurstSize < 0 {
		issues = append(issues, "rate_limit.burst_size must be >= 0")
	}
	if cfg.Verification.EnumerationThreshold < 0 {
		issues = append(issues, "verification.enumeration_threshold must be >= 0")
	}
	if cfg.Tools.Execution.MaxAttempts < 0 {
		issues = append(issues, "tools.execution.max_attempts must be >= 0")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
