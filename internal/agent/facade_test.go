package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/agentloop/internal/config"
)

func TestAgentBuilder_Build_RequiresProvider(t *testing.T) {
	_, err := NewAgentBuilder().WithModel("claude-test").Build()
	if err == nil {
		t.Fatal("Build() with no provider should fail")
	}
	agentErr, ok := GetAgentError(err)
	if !ok || agentErr.Kind != KindInvalidInput {
		t.Errorf("Build() error = %v, want KindInvalidInput AgentError", err)
	}
}

func TestAgentBuilder_Build_RequiresModel(t *testing.T) {
	_, err := NewAgentBuilder().WithProvider(&successProvider{name: "p"}).Build()
	if err == nil {
		t.Fatal("Build() with no model should fail")
	}
}

func TestAgentBuilder_Build_AccumulatesValidationErrors(t *testing.T) {
	_, err := NewAgentBuilder().
		WithTemperature(5).
		WithMaxTokens(-1).
		Build()
	if err == nil {
		t.Fatal("Build() with invalid temperature and max_tokens should fail")
	}
	agentErr, ok := GetAgentError(err)
	if !ok || agentErr.Kind != KindInvalidInput {
		t.Fatalf("Build() error = %v, want KindInvalidInput AgentError", err)
	}
	for _, want := range []string{"temperature", "max_tokens", "provider", "model"} {
		if !strings.Contains(agentErr.Message, want) {
			t.Errorf("Build() error message %q should mention %q", agentErr.Message, want)
		}
	}
}

func TestAgentBuilder_Build_Defaults(t *testing.T) {
	a, err := NewAgentBuilder().
		WithProvider(&successProvider{name: "p"}).
		WithModel("claude-test").
		Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if a.loopConfig.MaxCycles != 25 {
		t.Errorf("default MaxCycles = %d, want 25", a.loopConfig.MaxCycles)
	}
	if a.loopConfig.MaxToolIterations != 50 {
		t.Errorf("default MaxToolIterations = %d, want 50", a.loopConfig.MaxToolIterations)
	}
	if a.dispatcher == nil {
		t.Error("Build() should supply a default CallbackDispatcher")
	}
	if _, ok := a.eval.(NoneStrategy); !ok {
		t.Errorf("default EvaluationStrategy = %T, want NoneStrategy", a.eval)
	}
	if a.tracer != nil {
		t.Error("Agent built without WithTelemetry should have a nil tracer")
	}
}

func TestAgentBuilder_Build_MaxParallelToolsOverridesExecutionConfig(t *testing.T) {
	a, err := NewAgentBuilder().
		WithProvider(&successProvider{name: "p"}).
		WithModel("claude-test").
		WithExecutionConfig(ToolExecConfig{MaxParallel: 2, PerInvocationTimeout: time.Second}).
		WithMaxParallelTools(8).
		Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if a.execConfig.MaxParallel != 8 {
		t.Errorf("execConfig.MaxParallel = %d, want 8 (WithMaxParallelTools should win)", a.execConfig.MaxParallel)
	}
}

func TestAgent_Execute_ReturnsOutcomeAndMatchingErr(t *testing.T) {
	a, err := NewAgentBuilder().
		WithProvider(&successProvider{name: "p"}).
		WithModel("claude-test").
		Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	outcome, err := a.Execute(context.Background(), "hello")
	if err != outcome.Err {
		t.Errorf("Execute() returned err %v but outcome.Err %v; they must match", err, outcome.Err)
	}
	if outcome.Text != "success" {
		t.Errorf("outcome.Text = %q, want %q", outcome.Text, "success")
	}
}

func TestAgent_Close_NoopWithoutTelemetry(t *testing.T) {
	a, err := NewAgentBuilder().
		WithProvider(&successProvider{name: "p"}).
		WithModel("claude-test").
		Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if err := a.Close(context.Background()); err != nil {
		t.Errorf("Close() on an Agent without telemetry should be a no-op, got %v", err)
	}
}

func TestNewAgentBuilderFromConfig_WiresToolExecutionAndLogging(t *testing.T) {
	cfg := &config.Config{
		LLM: config.LLMConfig{
			DefaultProvider: "anthropic",
			Providers: map[string]config.LLMProviderConfig{
				"anthropic": {DefaultModel: "claude-sonnet-4"},
			},
		},
		Tools: config.ToolsConfig{
			Execution: config.ToolExecutionConfig{
				Parallelism:   4,
				MaxIterations: 30,
				Timeout:       10 * time.Second,
				MaxAttempts:   2,
				ResultGuard: config.ToolResultGuardConfig{
					Enabled:  true,
					MaxChars: 2048,
				},
			},
		},
		Session: config.SessionConfig{TokenLimit: 100000, SafetyRatio: 0.9, CharsPerToken: 3.5},
		Logging: config.LoggingConfig{Level: "debug"},
	}

	a, err := NewAgentBuilderFromConfig(cfg, &successProvider{name: "p"}, "").Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if a.model != "claude-sonnet-4" {
		t.Errorf("model = %q, want config's default_model for the default provider", a.model)
	}
	if a.loopConfig.MaxToolIterations != 30 {
		t.Errorf("MaxToolIterations = %d, want 30", a.loopConfig.MaxToolIterations)
	}
	if a.execConfig.MaxParallel != 4 {
		t.Errorf("MaxParallel = %d, want 4", a.execConfig.MaxParallel)
	}
	if a.execConfig.PerInvocationTimeout != 10*time.Second {
		t.Errorf("PerInvocationTimeout = %v, want 10s", a.execConfig.PerInvocationTimeout)
	}
	if !a.execConfig.Guard.Enabled || a.execConfig.Guard.MaxChars != 2048 {
		t.Errorf("Guard = %+v, want Enabled=true MaxChars=2048", a.execConfig.Guard)
	}
	if a.logLevel.String() != "DEBUG" {
		t.Errorf("logLevel = %v, want DEBUG", a.logLevel)
	}
	if a.budget.config.TokenLimit != 100000 || a.budget.config.SafetyRatio != 0.9 {
		t.Errorf("budget.config = %+v, want TokenLimit=100000 SafetyRatio=0.9", a.budget.config)
	}
}

func TestNewAgentBuilderFromConfig_ModelOverrideWins(t *testing.T) {
	cfg := &config.Config{
		LLM: config.LLMConfig{
			DefaultProvider: "anthropic",
			Providers: map[string]config.LLMProviderConfig{
				"anthropic": {DefaultModel: "claude-sonnet-4"},
			},
		},
	}
	a, err := NewAgentBuilderFromConfig(cfg, &successProvider{name: "p"}, "claude-opus-4").Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if a.model != "claude-opus-4" {
		t.Errorf("model = %q, want explicit override to win over config default_model", a.model)
	}
}

func TestNewAgentBuilderFromConfig_NilConfigFallsBackToOverride(t *testing.T) {
	a, err := NewAgentBuilderFromConfig(nil, &successProvider{name: "p"}, "claude-test").Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if a.model != "claude-test" {
		t.Errorf("model = %q, want %q", a.model, "claude-test")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]bool{
		"debug": true, "info": true, "warn": true, "warning": true,
		"error": true, "": false, "trace": false,
	}
	for level, wantOK := range cases {
		if _, ok := parseLogLevel(level); ok != wantOK {
			t.Errorf("parseLogLevel(%q) ok = %v, want %v", level, ok, wantOK)
		}
	}
}
