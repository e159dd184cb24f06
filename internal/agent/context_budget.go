package agent

import (
	"github.com/haasonsaas/agentloop/pkg/models"
)

// DefaultCharsPerToken is the fallback chars-per-token estimate used when a
// model's tokenizer isn't available locally — the same ratio the teacher's
// context packer assumes implicitly by estimating on character counts.
const DefaultCharsPerToken = 4.0

// DefaultSafetyRatio is the fraction of a model's token limit ContextBudget
// treats as "safe" before recommending a trim.
const DefaultSafetyRatio = 0.85

// ContextBudgetConfig configures a ContextBudget's token estimation.
type ContextBudgetConfig struct {
	// TokenLimit is the model's context window size.
	TokenLimit int

	// SafetyRatio is the fraction of TokenLimit considered "safe" (default 0.85).
	SafetyRatio float64

	// CharsPerToken estimates tokens from character counts (default 4.0).
	CharsPerToken float64

	// EnablePriorityRetention turns on the tiered reduction plan; when false,
	// ContextBudget still reports usage but Trim falls back to the plain
	// oldest-first window.
	EnablePriorityRetention bool
}

// DefaultContextBudgetConfig returns spec.md §4.5's defaults for a given
// model token limit.
func DefaultContextBudgetConfig(tokenLimit int) ContextBudgetConfig {
	return ContextBudgetConfig{
		TokenLimit:              tokenLimit,
		SafetyRatio:             DefaultSafetyRatio,
		CharsPerToken:           DefaultCharsPerToken,
		EnablePriorityRetention: true,
	}
}

func (c ContextBudgetConfig) resolved() ContextBudgetConfig {
	if c.SafetyRatio <= 0 {
		c.SafetyRatio = DefaultSafetyRatio
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = DefaultCharsPerToken
	}
	return c
}

// TokenBreakdown splits the estimated token count by content kind.
type TokenBreakdown struct {
	Text       int
	ToolUse    int
	ToolResult int
	Thinking   int
}

// BudgetReport is ContextBudget's assessment of a message list's size
// relative to the model's token limit, per spec.md §4.5.
type BudgetReport struct {
	EstimatedTokens  int
	UsageFraction    float64
	ApproachingLimit bool
	ExceedsSafeLimit bool
	Breakdown        TokenBreakdown
}

// ContextBudget estimates token usage for a conversation and assigns
// retention priority tiers for ConversationStore.Trim's reduction plan.
type ContextBudget struct {
	config ContextBudgetConfig
}

// NewContextBudget creates a ContextBudget with the given config.
func NewContextBudget(config ContextBudgetConfig) *ContextBudget {
	return &ContextBudget{config: config.resolved()}
}

// Assess estimates token usage for messages and reports whether the
// conversation is approaching or has exceeded its safe limit.
func (b *ContextBudget) Assess(messages []models.Message) BudgetReport {
	breakdown := TokenBreakdown{}
	for _, m := range messages {
		breakdown.Text += charsToTokens(len(m.Content), b.config.CharsPerToken)
		for _, tc := range m.ToolCalls {
			breakdown.ToolUse += charsToTokens(len(tc.Name)+len(tc.Input), b.config.CharsPerToken)
		}
		for _, tr := range m.ToolResults {
			breakdown.ToolResult += charsToTokens(len(tr.Content), b.config.CharsPerToken)
		}
		if thinking, ok := m.Metadata["thinking"].(string); ok {
			breakdown.Thinking += charsToTokens(len(thinking), b.config.CharsPerToken)
		}
	}

	total := breakdown.Text + breakdown.ToolUse + breakdown.ToolResult + breakdown.Thinking

	report := BudgetReport{
		EstimatedTokens: total,
		Breakdown:       breakdown,
	}
	if b.config.TokenLimit > 0 {
		report.UsageFraction = float64(total) / float64(b.config.TokenLimit)
		safeLimit := float64(b.config.TokenLimit) * b.config.SafetyRatio
		report.ApproachingLimit = float64(total) >= safeLimit*0.9
		report.ExceedsSafeLimit = float64(total) > safeLimit
	}
	return report
}

func charsToTokens(chars int, charsPerToken float64) int {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return int(float64(chars) / charsPerToken)
}

// RetentionTier is the priority tier ContextBudget assigns a message for
// ConversationStore.Trim's reduction plan. Higher survives longer.
type RetentionTier int

const (
	TierLow      RetentionTier = 0
	TierNormal   RetentionTier = 1
	TierMedium   RetentionTier = 2
	TierHigh     RetentionTier = 3
	TierCritical RetentionTier = 4
)

// PriorityFunc implements spec.md §4.5's tiered reduction plan as a
// ConversationStore.PriorityFunc: System/initial-user messages are Critical;
// messages within the last 20% of the log (and any tool pair crossing that
// boundary) are High; ToolUse/ToolResult pairs elsewhere are Medium; plain
// conversational messages are Normal; everything else is Low.
func (b *ContextBudget) PriorityFunc() PriorityFunc {
	return func(index int, msg models.Message, total int) int {
		return int(classifyTier(index, msg, total))
	}
}

func classifyTier(index int, msg models.Message, total int) RetentionTier {
	if msg.Role == models.RoleSystem {
		return TierCritical
	}
	// The initial user prompt is index 0, or index 1 immediately following a
	// leading System message — PriorityFunc only sees one message at a time,
	// so this is the closest approximation to "first user turn" available.
	if msg.Role == models.RoleUser && (index == 0 || index == 1) {
		return TierCritical
	}

	recentThreshold := total - total/5 // last 20%
	if index >= recentThreshold {
		return TierHigh
	}

	if len(msg.ToolCalls) > 0 || len(msg.ToolResults) > 0 {
		return TierMedium
	}

	if msg.Content != "" {
		return TierNormal
	}

	return TierLow
}
