package agent

import (
	"log/slog"
	"strings"

	"github.com/haasonsaas/agentloop/internal/config"
	"github.com/haasonsaas/agentloop/internal/observability"
)

// NewAgentBuilderFromConfig seeds an AgentBuilder from a loaded config.Config
// (see config.Load), applying its tools/logging/observability sections
// before any With* overrides the caller chains afterward. provider is always
// the caller's — resolving a provider name to an LLMProvider instance is the
// embedding host's job, not this package's (the host owns provider
// construction and credentials) — but model falls back to the config's
// default_model for cfg.LLM.DefaultProvider when modelOverride is empty.
//
// Config fields outside this core's scope (LLM.Bedrock discovery,
// LLM.Routing, LLM.AutoDiscover, Tools.Elevated, Tools.Jobs, Tools.Policies)
// are gateway/host concerns layered above the embeddable core;
// NewAgentBuilderFromConfig reads through them without acting on them, so a
// host's existing config file still parses and round-trips even though this
// core only consumes the subset below.
func NewAgentBuilderFromConfig(cfg *config.Config, provider LLMProvider, modelOverride string) *AgentBuilder {
	b := NewAgentBuilder().WithProvider(provider)
	if cfg == nil {
		return b.WithModel(modelOverride)
	}
	b.WithModel(resolveProviderModel(cfg, cfg.LLM.DefaultProvider, modelOverride))

	exec := cfg.Tools.Execution
	if exec.Parallelism > 0 {
		b.WithMaxParallelTools(exec.Parallelism)
	}
	if exec.MaxIterations > 0 {
		b.WithMaxToolIterations(exec.MaxIterations)
	}

	execConfig := DefaultToolExecConfig()
	if exec.Timeout > 0 {
		execConfig.PerInvocationTimeout = exec.Timeout
	}
	if exec.MaxAttempts > 0 {
		execConfig.MaxAttempts = exec.MaxAttempts
	}
	execConfig.RetryBackoff = exec.RetryBackoff
	execConfig.Guard = ToolResultGuard{
		Enabled:         exec.ResultGuard.Enabled,
		MaxChars:        exec.ResultGuard.MaxChars,
		Denylist:        exec.ResultGuard.Denylist,
		RedactPatterns:  exec.ResultGuard.RedactPatterns,
		RedactionText:   exec.ResultGuard.RedactionText,
		TruncateSuffix:  exec.ResultGuard.TruncateSuffix,
		SanitizeSecrets: exec.ResultGuard.SanitizeSecrets,
	}
	b.WithExecutionConfig(execConfig)

	b.WithContextBudget(ContextBudgetConfig{
		TokenLimit:              cfg.Session.TokenLimit,
		SafetyRatio:             cfg.Session.SafetyRatio,
		CharsPerToken:           cfg.Session.CharsPerToken,
		EnablePriorityRetention: cfg.Session.EnablePriorityRetention == nil || *cfg.Session.EnablePriorityRetention,
	})

	if level, ok := parseLogLevel(cfg.Logging.Level); ok {
		b.WithLogLevel(level)
	}

	if cfg.Observability.Tracing.Enabled {
		b.WithTelemetry(observability.TraceConfig{
			ServiceName:    cfg.Observability.Tracing.ServiceName,
			ServiceVersion: cfg.Observability.Tracing.ServiceVersion,
			Environment:    cfg.Observability.Tracing.Environment,
			Endpoint:       cfg.Observability.Tracing.Endpoint,
			SamplingRate:   cfg.Observability.Tracing.SamplingRate,
			Attributes:     cfg.Observability.Tracing.Attributes,
			EnableInsecure: cfg.Observability.Tracing.Insecure,
		})
	}

	return b
}

func parseLogLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}

// resolveProviderModel picks the model a config.Config names for provider,
// falling back to the caller's override when the config doesn't name one.
// Exposed so a host building from config can ask "what model would this
// provider use" without duplicating the lookup.
func resolveProviderModel(cfg *config.Config, providerName, override string) string {
	if override != "" {
		return override
	}
	if cfg == nil {
		return ""
	}
	name := strings.ToLower(strings.TrimSpace(providerName))
	if pc, ok := cfg.LLM.Providers[name]; ok && pc.DefaultModel != "" {
		return pc.DefaultModel
	}
	if pc, ok := cfg.LLM.Providers[providerName]; ok && pc.DefaultModel != "" {
		return pc.DefaultModel
	}
	return ""
}
