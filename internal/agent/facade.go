package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/agentloop/internal/observability"
)

// Agent is the immutable, builder-constructed facade an embedding host talks
// to. It owns the ConversationStore, ToolRegistry, and provider for as long
// as it is held; every Execute call constructs a fresh EventLoop against
// that shared state and discards it on return.
//
// An Agent is safe for sequential use. Concurrent Execute calls against the
// same Agent race on the shared ConversationStore and are not supported —
// run one Agent per in-flight conversation, or serialize Execute calls at
// the host's session boundary.
type Agent struct {
	name string
	id   string

	provider     LLMProvider
	model        string
	temperature  float64
	maxTokens    int
	systemPrompt string

	store      *ConversationStore
	registry   *ToolRegistry
	middleware *MiddlewareChain
	budget     *ContextBudget
	eval       EvaluationStrategy
	dispatcher *CallbackDispatcher

	execConfig ToolExecConfig
	loopConfig EventLoopConfig
	streaming  bool
	cancelable bool
	logLevel   slog.Level

	tracer       *observability.Tracer
	tracerCloser func(context.Context) error
}

// Close releases resources the Agent's telemetry acquired (flushing any
// configured OTel exporter). Safe to call on an Agent built without
// WithTelemetry — it is then a no-op.
func (a *Agent) Close(ctx context.Context) error {
	if a.tracerCloser == nil {
		return nil
	}
	return a.tracerCloser(ctx)
}

// Name returns the Agent's configured name, or "" if none was set.
func (a *Agent) Name() string { return a.name }

// ID returns the Agent's configured id, or a generated one if none was set.
func (a *Agent) ID() string { return a.id }

// Execute runs one full agentic turn: prompt is appended to the shared
// ConversationStore, and the EventLoop's Reasoning → ToolSelection →
// ToolExecution → Reflection → ResponseFinalize cycle machine runs until one
// of its termination conditions is reached. The returned error is
// outcome.Err — Execute never returns a nil Outcome with a non-nil error or
// vice versa, so callers may inspect either.
func (a *Agent) Execute(ctx context.Context, prompt string) (Outcome, error) {
	runID := newRunID()

	if a.tracer != nil {
		spanCtx, end := a.startSpan(ctx, runID)
		ctx = spanCtx
		defer end()
	}

	loop := NewEventLoop(EventLoopParams{
		Provider:     a.provider,
		Model:        a.model,
		SystemPrompt: a.systemPrompt,
		MaxTokens:    a.maxTokens,
		Temperature:  a.temperature,
		Store:        a.store,
		Registry:     a.registry,
		Executor:     NewToolExecutor(a.registry, a.execConfig),
		Middleware:   a.middleware,
		Budget:       a.budget,
		Eval:         a.eval,
		Dispatcher:   a.dispatcher,
		RunID:        runID,
		Config:       a.loopConfig,
	})

	outcome := loop.Run(ctx, prompt)
	return outcome, outcome.Err
}

// startSpan opens a span for one Execute call when a Tracer was configured
// via AgentBuilder.WithTelemetry, returning the span-carrying context and a
// func to close it.
func (a *Agent) startSpan(ctx context.Context, runID string) (context.Context, func()) {
	spanCtx, span := a.tracer.Start(ctx, "agent.execute")
	a.tracer.SetAttributes(span, "run_id", runID, "model", a.model)
	return spanCtx, func() { span.End() }
}

func newRunID() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return "run_" + hex.EncodeToString(buf[:])
}

// AgentBuilder constructs an Agent via spec.md §4.9's enumerated option
// list. Every With* method returns the builder so calls chain; Build
// validates the accumulated fields and returns an immutable Agent.
type AgentBuilder struct {
	name string
	id   string

	provider     LLMProvider
	model        string
	temperature  float64
	maxTokens    int
	systemPrompt string

	tools      []Tool
	middleware []Middleware
	eval       EvaluationStrategy
	dispatcher *CallbackDispatcher

	maxParallelTools  int
	retryConfig       RetryConfig
	execConfig        ToolExecConfig
	budgetConfig      *ContextBudgetConfig
	maxCycles         int
	maxToolIterations int
	deadline          time.Duration
	streaming         bool
	cancelable        bool
	logLevel          slog.Level

	traceConfig *observability.TraceConfig

	errs []error
}

// NewAgentBuilder starts a builder with spec.md's defaults: 25 max_cycles,
// 50 max_tool_iterations, auto tool parallelism, 3-attempt provider retry,
// cancellation enabled, slog.LevelInfo.
func NewAgentBuilder() *AgentBuilder {
	return &AgentBuilder{
		temperature:       1.0,
		maxTokens:         4096,
		maxParallelTools:  0,
		retryConfig:       DefaultRetryConfig(),
		execConfig:        DefaultToolExecConfig(),
		maxCycles:         25,
		maxToolIterations: 50,
		cancelable:        true,
		logLevel:          slog.LevelInfo,
	}
}

func (b *AgentBuilder) WithName(name string) *AgentBuilder { b.name = name; return b }

func (b *AgentBuilder) WithID(id string) *AgentBuilder { b.id = id; return b }

// WithProvider sets the LLMProvider the Agent sends completions through.
// Required — Build fails without one.
func (b *AgentBuilder) WithProvider(p LLMProvider) *AgentBuilder { b.provider = p; return b }

func (b *AgentBuilder) WithModel(model string) *AgentBuilder { b.model = model; return b }

func (b *AgentBuilder) WithTemperature(t float64) *AgentBuilder {
	if t < 0 || t > 2 {
		b.errs = append(b.errs, fmt.Errorf("agent: temperature %.2f out of range [0,2]", t))
		return b
	}
	b.temperature = t
	return b
}

func (b *AgentBuilder) WithMaxTokens(n int) *AgentBuilder {
	if n <= 0 {
		b.errs = append(b.errs, fmt.Errorf("agent: max_tokens must be positive, got %d", n))
		return b
	}
	b.maxTokens = n
	return b
}

func (b *AgentBuilder) WithSystemPrompt(prompt string) *AgentBuilder {
	b.systemPrompt = prompt
	return b
}

// WithTools registers the tools available to the model. Each tool's schema
// is compiled immediately so a malformed schema surfaces at Build time
// rather than on the first tool call.
func (b *AgentBuilder) WithTools(tools ...Tool) *AgentBuilder {
	b.tools = append(b.tools, tools...)
	return b
}

func (b *AgentBuilder) WithMaxParallelTools(n int) *AgentBuilder { b.maxParallelTools = n; return b }

// WithMiddleware appends middleware to the chain every tool invocation runs
// through, in the order supplied.
func (b *AgentBuilder) WithMiddleware(mw ...Middleware) *AgentBuilder {
	b.middleware = append(b.middleware, mw...)
	return b
}

func (b *AgentBuilder) WithEvaluationStrategy(s EvaluationStrategy) *AgentBuilder {
	b.eval = s
	return b
}

func (b *AgentBuilder) WithRetryConfig(c RetryConfig) *AgentBuilder { b.retryConfig = c; return b }

// WithExecutionConfig sets the ToolExecutor's concurrency, timeout, and
// result-guard settings. MaxParallel here is overridden by
// WithMaxParallelTools if that is also called with a non-zero value.
func (b *AgentBuilder) WithExecutionConfig(c ToolExecConfig) *AgentBuilder {
	b.execConfig = c
	return b
}

// WithTelemetry enables C11 tracing for every Execute call: a span named
// "agent.execute" wraps the run, tagged with the run id and model.
func (b *AgentBuilder) WithTelemetry(c observability.TraceConfig) *AgentBuilder {
	b.traceConfig = &c
	return b
}

// WithContextBudget configures the C4 ContextBudget's token estimation and
// tiered-reduction behavior. Unset, Build defaults to
// DefaultContextBudgetConfig(0) — a zero token limit, meaning ContextBudget
// reports usage but never recommends a trim.
func (b *AgentBuilder) WithContextBudget(c ContextBudgetConfig) *AgentBuilder {
	b.budgetConfig = &c
	return b
}

func (b *AgentBuilder) WithStreaming(enabled bool) *AgentBuilder { b.streaming = enabled; return b }

func (b *AgentBuilder) WithTimeout(d time.Duration) *AgentBuilder { b.deadline = d; return b }

func (b *AgentBuilder) WithCancellation(enabled bool) *AgentBuilder {
	b.cancelable = enabled
	return b
}

func (b *AgentBuilder) WithMaxCycles(n int) *AgentBuilder {
	if n <= 0 {
		b.errs = append(b.errs, fmt.Errorf("agent: max_cycles must be positive, got %d", n))
		return b
	}
	b.maxCycles = n
	return b
}

func (b *AgentBuilder) WithMaxToolIterations(n int) *AgentBuilder {
	if n <= 0 {
		b.errs = append(b.errs, fmt.Errorf("agent: max_tool_iterations must be positive, got %d", n))
		return b
	}
	b.maxToolIterations = n
	return b
}

func (b *AgentBuilder) WithCallbackDispatcher(d *CallbackDispatcher) *AgentBuilder {
	b.dispatcher = d
	return b
}

func (b *AgentBuilder) WithLogLevel(level slog.Level) *AgentBuilder { b.logLevel = level; return b }

// Build validates the accumulated configuration and constructs the
// immutable Agent. Validation errors accumulated by With* setters (e.g. an
// out-of-range temperature) are joined with any structural checks performed
// here (missing provider, empty model) into a single KindInvalidInput
// AgentError.
func (b *AgentBuilder) Build() (*Agent, error) {
	var errs []error
	errs = append(errs, b.errs...)

	if b.provider == nil {
		errs = append(errs, fmt.Errorf("agent: a provider is required (WithProvider)"))
	}
	if strings.TrimSpace(b.model) == "" {
		errs = append(errs, fmt.Errorf("agent: a model is required (WithModel)"))
	}

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, NewAgentError(KindInvalidInput, fmt.Errorf("%s", strings.Join(msgs, "; ")))
	}

	registry := NewToolRegistry()
	for _, t := range b.tools {
		registry.Register(t)
	}

	execConfig := b.execConfig
	if b.maxParallelTools != 0 {
		execConfig.MaxParallel = b.maxParallelTools
	}

	eval := b.eval
	if eval == nil {
		eval = NoneStrategy{}
	}

	dispatcher := b.dispatcher
	if dispatcher == nil {
		dispatcher = NewCallbackDispatcher()
	}

	budgetConfig := DefaultContextBudgetConfig(0)
	if b.budgetConfig != nil {
		budgetConfig = *b.budgetConfig
	}
	budget := NewContextBudget(budgetConfig)

	var tracer *observability.Tracer
	var tracerCloser func(context.Context) error
	if b.traceConfig != nil {
		tracer, tracerCloser = observability.NewTracer(*b.traceConfig)
	}

	id := b.id
	if id == "" {
		id = newRunID()
	}

	return &Agent{
		name:         b.name,
		id:           id,
		provider:     b.provider,
		model:        b.model,
		temperature:  b.temperature,
		maxTokens:    b.maxTokens,
		systemPrompt: b.systemPrompt,
		store:        NewConversationStore(),
		registry:     registry,
		middleware:   NewMiddlewareChain(b.middleware...),
		budget:       budget,
		eval:         eval,
		dispatcher:   dispatcher,
		execConfig:   execConfig,
		loopConfig: EventLoopConfig{
			MaxCycles:         b.maxCycles,
			MaxToolIterations: b.maxToolIterations,
			Deadline:          b.deadline,
			MaxParallelTools:  execConfig.MaxParallel,
			PerToolTimeout:    execConfig.PerInvocationTimeout,
			TrimTargetCount:   DefaultConversationWindow,
			ProviderRetry:     b.retryConfig,
		},
		streaming:    b.streaming,
		cancelable:   b.cancelable,
		logLevel:     b.logLevel,
		tracer:       tracer,
		tracerCloser: tracerCloser,
	}, nil
}
