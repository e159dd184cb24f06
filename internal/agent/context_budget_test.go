package agent

import (
	"strings"
	"testing"

	"github.com/haasonsaas/agentloop/pkg/models"
)

func TestContextBudget_Assess_Basic(t *testing.T) {
	b := NewContextBudget(DefaultContextBudgetConfig(1000))
	messages := []models.Message{
		{Role: models.RoleUser, Content: strings.Repeat("a", 400)},
	}
	report := b.Assess(messages)

	if report.EstimatedTokens != 100 {
		t.Errorf("EstimatedTokens = %d, want 100 (400 chars / 4.0)", report.EstimatedTokens)
	}
	if report.ExceedsSafeLimit {
		t.Error("100/1000 tokens should not exceed the safe limit")
	}
}

func TestContextBudget_Assess_ExceedsSafeLimit(t *testing.T) {
	b := NewContextBudget(DefaultContextBudgetConfig(1000))
	messages := []models.Message{
		{Role: models.RoleUser, Content: strings.Repeat("a", 3800)},
	}
	report := b.Assess(messages)

	if !report.ExceedsSafeLimit {
		t.Errorf("950/1000 tokens (95%%) should exceed the 85%% safe limit, got usage_fraction=%.2f", report.UsageFraction)
	}
	if !report.ApproachingLimit {
		t.Error("exceeding the safe limit implies approaching it")
	}
}

func TestContextBudget_PriorityFunc_Tiers(t *testing.T) {
	b := NewContextBudget(DefaultContextBudgetConfig(100000))
	priority := b.PriorityFunc()

	messages := []models.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: "first ask"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "t1", Name: "add"}}},
		{Role: models.RoleUser, ToolResults: []models.ToolResult{{ToolCallID: "t1", Content: "46"}}},
		{Role: models.RoleAssistant, Content: "plain reply"},
		{Role: models.RoleUser, Content: "latest ask"},
	}
	total := len(messages)

	if got := priority(0, messages[0], total); got != int(TierCritical) {
		t.Errorf("system message priority = %d, want Critical", got)
	}
	if got := priority(1, messages[1], total); got != int(TierCritical) {
		t.Errorf("initial user message priority = %d, want Critical", got)
	}
	if got := priority(5, messages[5], total); got != int(TierHigh) {
		t.Errorf("last-20%% message priority = %d, want High", got)
	}
}

func TestContextBudget_Assess_NoTokenLimitConfigured(t *testing.T) {
	b := NewContextBudget(ContextBudgetConfig{})
	report := b.Assess([]models.Message{{Role: models.RoleUser, Content: "hi"}})

	if report.UsageFraction != 0 {
		t.Errorf("UsageFraction = %v, want 0 when TokenLimit is unset", report.UsageFraction)
	}
	if report.ExceedsSafeLimit {
		t.Error("ExceedsSafeLimit should be false when TokenLimit is unset")
	}
}
