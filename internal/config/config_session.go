package config

// SessionConfig controls the context budget (C4): how a growing conversation
// is estimated against a model's token window and trimmed before a request
// is sent to the provider. See agent.ContextBudgetConfig, which this maps
// onto field-for-field.
type SessionConfig struct {
	// TokenLimit is the model's context window size. 0 means "use the
	// provider's own default for the model in use" — ContextBudget reports
	// usage as 0 and never recommends a trim in that case.
	TokenLimit int `yaml:"token_limit"`

	// SafetyRatio is the fraction of TokenLimit treated as "safe" before
	// ContextBudget flags ExceedsSafeLimit. Default: 0.85.
	SafetyRatio float64 `yaml:"safety_ratio"`

	// CharsPerToken estimates tokens from character counts. Default: 4.0.
	CharsPerToken float64 `yaml:"chars_per_token"`

	// EnablePriorityRetention turns on the tiered reduction plan (spec.md
	// §4.5's Critical/High/Medium/Normal/Low tiers); when false, trimming
	// falls back to a plain oldest-first window. Default: true.
	EnablePriorityRetention *bool `yaml:"enable_priority_retention"`
}
