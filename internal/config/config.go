// Package config loads and validates the YAML/JSON5 configuration consumed
// by the agent facade builder. Loading is host-driven: Load reads a file path
// the caller supplies and never reaches into the process environment itself,
// beyond the $include/${VAR} expansion already present in a config file's own
// text (see loader.go). Translating environment variables into config values
// is the embedding host's job, not the core's.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for an agent facade: which LLM providers
// are available, how the tool executor behaves, how the context budget
// prunes a growing conversation, how the core logs, and how it exports spans.
type Config struct {
	LLM           LLMConfig           `yaml:"llm"`
	Tools         ToolsConfig         `yaml:"tools"`
	Session       SessionConfig       `yaml:"session"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Load reads a configuration file (YAML or JSON5, with $include support),
// applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	applyLLMDefaults(&cfg.LLM)
	applyToolsDefaults(&cfg.Tools)
	applySessionDefaults(&cfg.Session)
	applyLoggingDefaults(&cfg.Logging)
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "anthropic"
	}
}

func applyToolsDefaults(cfg *ToolsConfig) {
	if cfg.Execution.Timeout == 0 {
		cfg.Execution.Timeout = 30 * time.Second
	}
	if cfg.Execution.Parallelism == 0 {
		cfg.Execution.Parallelism = 4
	}
	if cfg.Execution.MaxAttempts == 0 {
		cfg.Execution.MaxAttempts = 1
	}
	if cfg.Jobs.Retention == 0 {
		cfg.Jobs.Retention = 24 * time.Hour
	}
	if cfg.Jobs.PruneInterval == 0 {
		cfg.Jobs.PruneInterval = 1 * time.Hour
	}
}

func applySessionDefaults(cfg *SessionConfig) {
	if cfg.SafetyRatio == 0 {
		cfg.SafetyRatio = 0.85
	}
	if cfg.CharsPerToken == 0 {
		cfg.CharsPerToken = 4.0
	}
	if cfg.EnablePriorityRetention == nil {
		enabled := true
		cfg.EnablePriorityRetention = &enabled
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

// ConfigValidationError aggregates every validation issue found in a config
// file so a caller sees all of them in one pass instead of fixing one and
// re-running to discover the next.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "invalid configuration"
	}
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Issues, "; "))
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	defaultProvider := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	if defaultProvider != "" {
		if _, ok := cfg.LLM.Providers[defaultProvider]; !ok {
			if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
				issues = append(issues, fmt.Sprintf("llm.providers missing entry for default_provider %q", cfg.LLM.DefaultProvider))
			}
		}
	}

	if cfg.Tools.Execution.MaxIterations < 0 {
		issues = append(issues, "tools.execution.max_iterations must be >= 0")
	}
	if cfg.Tools.Execution.Parallelism < 0 {
		issues = append(issues, "tools.execution.parallelism must be >= 0")
	}
	if cfg.Tools.Execution.Timeout < 0 {
		issues = append(issues, "tools.execution.timeout must be >= 0")
	}
	if cfg.Tools.Execution.MaxAttempts < 0 {
		issues = append(issues, "tools.execution.max_attempts must be >= 0")
	}
	if cfg.Tools.Execution.RetryBackoff < 0 {
		issues = append(issues, "tools.execution.retry_backoff must be >= 0")
	}
	if cfg.Tools.Execution.MaxToolCalls < 0 {
		issues = append(issues, "tools.execution.max_tool_calls must be >= 0")
	}
	if profile := strings.ToLower(strings.TrimSpace(cfg.Tools.Execution.Approval.Profile)); profile != "" {
		switch profile {
		case "coding", "messaging", "readonly", "full", "minimal":
		default:
			issues = append(issues, "tools.execution.approval.profile must be \"coding\", \"messaging\", \"readonly\", \"full\", or \"minimal\"")
		}
	}
	if decision := strings.ToLower(strings.TrimSpace(cfg.Tools.Execution.Approval.DefaultDecision)); decision != "" {
		switch decision {
		case "allowed", "denied", "pending":
		default:
			issues = append(issues, "tools.execution.approval.default_decision must be \"allowed\", \"denied\", or \"pending\"")
		}
	}

	if cfg.Session.TokenLimit < 0 {
		issues = append(issues, "session.token_limit must be >= 0")
	}
	if ratio := cfg.Session.SafetyRatio; ratio < 0 || ratio > 1 {
		issues = append(issues, "session.safety_ratio must be between 0 and 1")
	}
	if cfg.Session.CharsPerToken < 0 {
		issues = append(issues, "session.chars_per_token must be >= 0")
	}

	if level := strings.ToLower(strings.TrimSpace(cfg.Logging.Level)); level != "" {
		switch level {
		case "debug", "info", "warn", "error":
		default:
			issues = append(issues, "logging.level must be \"debug\", \"info\", \"warn\", or \"error\"")
		}
	}
	if format := strings.ToLower(strings.TrimSpace(cfg.Logging.Format)); format != "" {
		switch format {
		case "json", "text":
		default:
			issues = append(issues, "logging.format must be \"json\" or \"text\"")
		}
	}

	if cfg.Observability.Tracing.Enabled && strings.TrimSpace(cfg.Observability.Tracing.ServiceName) == "" {
		issues = append(issues, "observability.tracing.service_name is required when tracing is enabled")
	}
	if cfg.Observability.Tracing.SamplingRate < 0 || cfg.Observability.Tracing.SamplingRate > 1 {
		issues = append(issues, "observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}

	return nil
}
