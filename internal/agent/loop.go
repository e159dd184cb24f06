package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/haasonsaas/agentloop/pkg/models"
)

// TokenTotals accumulates input/output token usage across every cycle of a run.
type TokenTotals struct {
	InputTokens  int
	OutputTokens int
}

// Outcome is EventLoop.Run's result: final text, cycle/tool-call counts,
// token totals, wall time, and success/error status.
type Outcome struct {
	Text        string
	Cycles      int
	ToolCalls   int
	Tokens      TokenTotals
	Duration    time.Duration
	Success     bool
	Err         error
	StopReason  StopReason
	Diagnostics []string
}

// FinalText returns the Outcome's final assistant text. AgentBased evaluation
// reads this to judge whether an evaluator agent's run is "DONE".
func (o Outcome) FinalText() string { return o.Text }

// RetryConfig governs the Reasoning phase's provider-call retry/backoff,
// applied only to errors the Kind taxonomy in errors.go marks retryable.
type RetryConfig struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig returns a modest exponential backoff: 3 attempts,
// starting at 250ms, capped at 5s, with full jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseBackoff: 250 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

func (c RetryConfig) backoff(attempt int) time.Duration {
	base := c.BaseBackoff
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	cap := c.MaxBackoff
	if cap <= 0 {
		cap = 5 * time.Second
	}
	d := base * time.Duration(uint(1)<<uint(attempt))
	if d > cap || d <= 0 {
		d = cap
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// EventLoopConfig bounds a single Run call's cycle/tool/time budget.
type EventLoopConfig struct {
	MaxCycles         int
	MaxToolIterations int
	Deadline          time.Duration // 0 = no deadline
	MaxParallelTools  int
	PerToolTimeout    time.Duration
	TrimTargetCount   int
	ProviderRetry     RetryConfig
}

// DefaultEventLoopConfig returns the event loop's default budget: 25 cycles,
// 50 tool iterations, no wall-clock deadline, auto tool parallelism.
func DefaultEventLoopConfig() EventLoopConfig {
	return EventLoopConfig{
		MaxCycles:         25,
		MaxToolIterations: 50,
		MaxParallelTools:  0,
		PerToolTimeout:    30 * time.Second,
		TrimTargetCount:   DefaultConversationWindow,
		ProviderRetry:     DefaultRetryConfig(),
	}
}

// EventLoopParams wires an EventLoop to the resources an AgentFacade keeps
// for the life of the process, plus a run-scoped RunID for event attribution.
type EventLoopParams struct {
	Provider     LLMProvider
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	TopP         float64

	EnableThinking       bool
	ThinkingBudgetTokens int

	Store      *ConversationStore
	Registry   *ToolRegistry
	Executor   *ToolExecutor
	Middleware *MiddlewareChain
	Budget     *ContextBudget
	Eval       EvaluationStrategy
	Dispatcher *CallbackDispatcher

	RunID  string
	Config EventLoopConfig
}

// EventLoop drives one agentic run's Reasoning → ToolSelection →
// ToolExecution → Reflection → ResponseFinalize cycle machine. It is created
// fresh per Run call and discarded on return; the ConversationStore,
// ToolRegistry, and provider it is handed are owned by the caller
// (AgentFacade) for the process's lifetime.
type EventLoop struct {
	provider LLMProvider
	model    string
	system   string
	maxTok   int
	temp     float64
	topP     float64

	enableThinking bool
	thinkingBudget int

	store      *ConversationStore
	registry   *ToolRegistry
	executor   *ToolExecutor
	middleware *MiddlewareChain
	budget     *ContextBudget
	eval       EvaluationStrategy
	dispatcher *CallbackDispatcher

	emitter *EventEmitter
	config  EventLoopConfig

	totalToolIterations int
}

// NewEventLoop builds an EventLoop for a single Run call.
func NewEventLoop(p EventLoopParams) *EventLoop {
	cfg := p.Config
	defaults := DefaultEventLoopConfig()
	if cfg.MaxCycles <= 0 {
		cfg.MaxCycles = defaults.MaxCycles
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = defaults.MaxToolIterations
	}
	if cfg.TrimTargetCount <= 0 {
		cfg.TrimTargetCount = DefaultConversationWindow
	}
	eval := p.Eval
	if eval == nil {
		eval = NoneStrategy{}
	}

	exec := p.Executor
	if exec == nil && p.Registry != nil {
		execConfig := DefaultToolExecConfig()
		if cfg.MaxParallelTools != 0 {
			execConfig.MaxParallel = cfg.MaxParallelTools
		}
		if cfg.PerToolTimeout > 0 {
			execConfig.PerInvocationTimeout = cfg.PerToolTimeout
		}
		exec = NewToolExecutor(p.Registry, execConfig)
	}

	return &EventLoop{
		provider:       p.Provider,
		model:          p.Model,
		system:         p.SystemPrompt,
		maxTok:         p.MaxTokens,
		temp:           p.Temperature,
		topP:           p.TopP,
		enableThinking: p.EnableThinking,
		thinkingBudget: p.ThinkingBudgetTokens,
		store:          p.Store,
		registry:       p.Registry,
		executor:       exec,
		middleware:     p.Middleware,
		budget:         p.Budget,
		eval:           eval,
		dispatcher:     p.Dispatcher,
		emitter:        NewEventEmitterWithDispatcher(p.RunID, p.Dispatcher),
		config:         cfg,
	}
}

// cycleDraft accumulates one cycle's in-progress Assistant message while the
// Reasoning phase consumes StreamEvents.
type cycleDraft struct {
	text       strings.Builder
	thinking   strings.Builder
	toolCalls  []models.ToolCall
	inputToks  int
	outputToks int
	stopReason StopReason
}

// Run executes the full cycle machine for prompt and returns the Outcome.
// ctx governs cancellation; if config.Deadline > 0 a derived context enforces
// the loop's wall-clock bound.
func (l *EventLoop) Run(ctx context.Context, prompt string) Outcome {
	start := time.Now()

	if l.config.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.Deadline)
		defer cancel()
	}

	l.emitter.RunStarted(ctx)

	if strings.TrimSpace(prompt) != "" {
		l.store.Append(models.Message{Role: models.RoleUser, Content: prompt, CreatedAt: time.Now()})
	}

	var lastDraftText string
	var diagnostics []string
	cycle := 0

	for {
		if err := ctx.Err(); err != nil {
			return l.cancelledOutcome(start, cycle, lastDraftText, diagnostics, err)
		}
		if cycle >= l.config.MaxCycles {
			diagnostics = append(diagnostics, "cycle-limit reached")
			return l.finalize(ctx, start, cycle, lastDraftText, StopMaxTokens, true, nil, diagnostics)
		}
		if l.totalToolIterations >= l.config.MaxToolIterations {
			diagnostics = append(diagnostics, "cycle-limit reached")
			return l.finalize(ctx, start, cycle, lastDraftText, StopMaxTokens, true, nil, diagnostics)
		}

		l.emitter.SetIter(cycle)
		l.emitter.IterStarted(ctx)

		draft, err := l.reasoningPhase(ctx, cycle)
		if err != nil {
			if ae, ok := GetAgentError(err); ok && ae.Kind == KindCancelled {
				return l.cancelledOutcome(start, cycle, lastDraftText, diagnostics, err)
			}
			l.emitter.RunError(ctx, err, false)
			return Outcome{Cycles: cycle, Duration: time.Since(start), Success: false, Err: err, Diagnostics: diagnostics}
		}
		lastDraftText = draft.text.String()

		if draft.stopReason.impliesNoToolUse() && len(draft.toolCalls) == 0 {
			return l.finalize(ctx, start, cycle+1, lastDraftText, draft.stopReason, true, nil, diagnostics)
		}

		cancelled := l.toolExecutionPhase(ctx, cycle, draft)
		l.totalToolIterations += len(draft.toolCalls)
		if cancelled {
			return l.cancelledOutcome(start, cycle+1, lastDraftText, diagnostics, ErrContextCancelled)
		}

		decision := l.reflectionPhase(ctx, cycle)
		l.emitter.IterFinished(ctx)
		cycle++

		if decision.Decision == EvalTerminate {
			return l.finalize(ctx, start, cycle, lastDraftText, draft.stopReason, true, nil, diagnostics)
		}

		l.maybeTrim()
	}
}

// reasoningPhase builds a ChatRequest from the current conversation view plus
// registered tools, calls the provider, and decodes the stream into a draft
// Assistant message, emitting ContentDelta/ThinkingDelta callbacks as it goes.
func (l *EventLoop) reasoningPhase(ctx context.Context, cycle int) (*cycleDraft, error) {
	if l.provider == nil {
		return nil, NewAgentError(KindConfigurationError, ErrNoProvider)
	}

	req := l.buildRequest()

	var chunks <-chan *CompletionChunk
	var err error
	maxAttempts := l.config.ProviderRetry.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, NewAgentError(KindCancelled, ctx.Err())
		}
		l.emitter.ModelStarted(ctx, l.provider.Name(), l.model)
		chunks, err = l.provider.Complete(ctx, req)
		if err == nil {
			break
		}
		ae := classifyProviderError(err)
		if !ae.Retryable() || attempt == maxAttempts-1 {
			return nil, &PhaseError{Phase: PhaseReasoning, Cycle: cycle, Cause: ae}
		}
		select {
		case <-time.After(l.config.ProviderRetry.backoff(attempt)):
		case <-ctx.Done():
			return nil, NewAgentError(KindCancelled, ctx.Err())
		}
	}

	decoder := NewStreamDecoder()
	draft := &cycleDraft{}
	receivedBytes := false

	for ev := range decoder.DecodeChunks(chunks) {
		if ctx.Err() != nil {
			return draft, NewAgentError(KindCancelled, ctx.Err())
		}
		switch ev.Kind {
		case StreamTextDelta:
			draft.text.WriteString(ev.Delta)
			receivedBytes = true
			l.emitter.ModelDelta(ctx, ev.Delta)
		case StreamThinkingDelta:
			draft.thinking.WriteString(ev.Delta)
			receivedBytes = true
			l.emitter.ThinkingDelta(ctx, ev.Delta)
		case StreamToolUseDelta:
			if ev.ToolCall != nil {
				draft.toolCalls = append(draft.toolCalls, *ev.ToolCall)
				receivedBytes = true
			}
		case StreamUsageUpdate:
			draft.inputToks += ev.InputTokens
			draft.outputToks += ev.OutputTokens
		case StreamError:
			ae := NewAgentError(KindModelError, ev.Err)
			if receivedBytes {
				ae = ae.WithPartialStream()
			}
			return draft, &PhaseError{Phase: PhaseReasoning, Cycle: cycle, Cause: ae}
		case StreamDone:
			draft.stopReason = ev.StopReason
		}
	}

	l.emitter.ModelCompleted(ctx, l.provider.Name(), l.model, draft.inputToks, draft.outputToks)
	return draft, nil
}

// buildRequest converts the current conversation snapshot into a
// CompletionRequest, mirroring how the teacher's Runtime assembled requests
// from stored message history.
func (l *EventLoop) buildRequest() *CompletionRequest {
	history := l.store.SnapshotForProvider()
	messages := make([]CompletionMessage, 0, len(history))
	for _, m := range history {
		if m.Role == models.RoleSystem {
			continue
		}
		cm := CompletionMessage{Role: string(m.Role)}
		if m.Content != "" {
			cm.Content = m.Content
		}
		if len(m.Attachments) > 0 {
			cm.Attachments = m.Attachments
		}
		if len(m.ToolCalls) > 0 {
			cm.ToolCalls = m.ToolCalls
		}
		if len(m.ToolResults) > 0 {
			cm.ToolResults = m.ToolResults
		}
		messages = append(messages, cm)
	}

	var tools []Tool
	if l.registry != nil {
		tools = l.registry.AsLLMTools()
	}

	return &CompletionRequest{
		Model:                l.model,
		System:               l.system,
		Messages:             messages,
		Tools:                tools,
		MaxTokens:            l.maxTok,
		Temperature:          l.temp,
		TopP:                 l.topP,
		EnableThinking:       l.enableThinking,
		ThinkingBudgetTokens: l.thinkingBudget,
	}
}

// toolExecutionPhase appends the draft Assistant message, runs every ToolUse
// through the middleware-wrapped ToolExecutor, and appends a single paired
// User message with every ToolResult (plus any InjectContext text). The bool
// return reports whether cancellation was observed mid-batch.
func (l *EventLoop) toolExecutionPhase(ctx context.Context, cycle int, draft *cycleDraft) bool {
	assistantMsg := models.Message{
		Role:      models.RoleAssistant,
		Content:   draft.text.String(),
		ToolCalls: draft.toolCalls,
		CreatedAt: time.Now(),
	}
	if draft.thinking.Len() > 0 {
		assistantMsg.Metadata = map[string]any{"thinking": draft.thinking.String()}
	}
	l.store.Append(assistantMsg)

	invocations := make([]ToolInvocation, len(draft.toolCalls))
	for i, tc := range draft.toolCalls {
		invocations[i] = ToolInvocation{ToolCallID: tc.ID, ToolName: tc.Name, Input: json.RawMessage(tc.Input), CycleNumber: cycle}
		l.emitter.ToolStarted(ctx, tc.ID, tc.Name, tc.Input)
	}

	if l.executor == nil || len(invocations) == 0 {
		return false
	}

	batchStart := time.Now()
	l.emitter.ParallelStarted(ctx, len(invocations))
	results := l.executor.ExecuteBatch(ctx, invocations, l.middleware)
	l.emitter.ParallelComplete(ctx, len(invocations), time.Since(batchStart))

	var toolResults []models.ToolResult
	var injectedTexts []string
	for _, r := range results {
		if r.TimedOut {
			l.emitter.ToolTimedOut(ctx, r.ToolCallID, r.ToolName, l.executor.config.PerInvocationTimeout)
		}
		var content string
		var isErr bool
		if r.Result != nil {
			content, isErr = r.Result.Content, r.Result.IsError
		}
		l.emitter.ToolFinished(ctx, r.ToolCallID, r.ToolName, !isErr, []byte(content), r.Duration)
		toolResults = append(toolResults, models.ToolResult{ToolCallID: r.ToolCallID, Content: content, IsError: isErr})
		injectedTexts = append(injectedTexts, r.Injected...)
	}

	pairedMsg := models.Message{
		Role:        models.RoleUser,
		ToolResults: toolResults,
		CreatedAt:   time.Now(),
	}
	if len(injectedTexts) > 0 {
		pairedMsg.Content = strings.Join(injectedTexts, "\n")
	}
	l.store.Append(pairedMsg)

	return ctx.Err() != nil
}

// reflectionPhase consults the configured EvaluationStrategy. Its verdict
// overrides the model's own stop_reason: EvalContinue forces another cycle,
// EvalTerminate forces ResponseFinalize. A failing strategy is treated as
// EvalContinue with a warning rather than aborting the run.
func (l *EventLoop) reflectionPhase(ctx context.Context, cycle int) EvalResult {
	l.emitter.EvaluationStarted(ctx)
	start := time.Now()
	result, err := l.eval.Evaluate(ctx, l.store.SnapshotForProvider(), cycle)
	if err != nil {
		result = EvalResult{Decision: EvalContinue, Reasoning: fmt.Sprintf("evaluation failed, continuing: %v", err)}
	}
	l.emitter.EvaluationCompleted(ctx, result.Decision.String(), result.Reasoning, time.Since(start))
	return result
}

// maybeTrim runs ConversationStore.Trim when ContextBudget reports the
// conversation has reached its safe-usage threshold, between cycles.
func (l *EventLoop) maybeTrim() {
	if l.budget == nil {
		return
	}
	report := l.budget.Assess(l.store.SnapshotForProvider())
	if !report.ApproachingLimit {
		return
	}
	l.store.Trim(l.config.TrimTargetCount, l.budget.PriorityFunc())
}

// finalize extracts the final Text from the last Assistant turn and computes
// the Outcome.
func (l *EventLoop) finalize(ctx context.Context, start time.Time, cycles int, text string, stop StopReason, success bool, err error, diagnostics []string) Outcome {
	duration := time.Since(start)
	l.emitter.RunFinished(ctx, &models.RunStats{Iters: cycles})
	return Outcome{
		Text:        text,
		Cycles:      cycles,
		ToolCalls:   l.totalToolIterations,
		Duration:    duration,
		Success:     success,
		Err:         err,
		StopReason:  stop,
		Diagnostics: diagnostics,
	}
}

// cancelledOutcome synthesizes an Aborted ToolResult for every emitted
// ToolUse block with no paired result yet, preserving invariant I1, before
// reporting the run as cancelled.
func (l *EventLoop) cancelledOutcome(start time.Time, cycles int, text string, diagnostics []string, cause error) Outcome {
	l.synthesizeAbortedResults()
	l.emitter.RunCancelled(context.Background())
	return Outcome{
		Text:        text,
		Cycles:      cycles,
		ToolCalls:   l.totalToolIterations,
		Duration:    time.Since(start),
		Success:     false,
		Err:         NewAgentError(KindCancelled, cause),
		StopReason:  StopError,
		Diagnostics: diagnostics,
	}
}

// synthesizeAbortedResults appends a ToolResult(error) for every ToolUse
// block in the most recent Assistant message that has no paired ToolResult
// yet, so invariant I1 holds even when cancellation interrupts a batch.
func (l *EventLoop) synthesizeAbortedResults() {
	history := l.store.SnapshotForProvider()
	if len(history) == 0 {
		return
	}
	last := history[len(history)-1]
	if last.Role != models.RoleAssistant || len(last.ToolCalls) == 0 {
		return
	}
	pending := models.PendingToolUseIDs(last, nil)
	if len(pending) == 0 {
		return
	}
	results := make([]models.ToolResult, len(pending))
	for i, id := range pending {
		results[i] = models.ToolResult{ToolCallID: id, Content: "cancelled before completion", IsError: true}
	}
	l.store.Append(models.Message{Role: models.RoleUser, ToolResults: results, CreatedAt: time.Now()})
}

// classifyProviderError maps a raw provider error into the Kind taxonomy the
// Reasoning phase retries against, following the same substring
// classification approach as the failover orchestrator's own error mapping.
func classifyProviderError(err error) *AgentError {
	if err == nil {
		return NewAgentError(KindModelError, nil)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "throttl"):
		return NewAgentError(KindThrottling, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return NewAgentError(KindTimeout, err)
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "dns") || strings.Contains(msg, "refused"):
		return NewAgentError(KindNetwork, err)
	case strings.Contains(msg, "503") || strings.Contains(msg, "502") || strings.Contains(msg, "unavailable"):
		return NewAgentError(KindServiceUnavailable, err)
	case strings.Contains(msg, "quota") || strings.Contains(msg, "context length") || strings.Contains(msg, "too many tokens"):
		return NewAgentError(KindQuotaExceeded, err)
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "validation"):
		return NewAgentError(KindInvalidInput, err)
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "auth"):
		return NewAgentError(KindConfigurationError, err)
	default:
		return NewAgentError(KindModelError, err)
	}
}
