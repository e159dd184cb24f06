package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/agentloop/internal/observability"
	"github.com/haasonsaas/agentloop/pkg/models"
)

// ToolInvocation is one ToolUse block the EventLoop submits to the
// ToolExecutor as part of a batch. ToolCallID is the tool_use_id a
// ToolInvocationResult is keyed by.
type ToolInvocation struct {
	ToolCallID  string
	ToolName    string
	Input       json.RawMessage
	CycleNumber int
}

// ToolInvocationResult is one entry of execute_batch's output, keyed by
// ToolCallID so the caller can materialize results in request order
// regardless of completion order.
type ToolInvocationResult struct {
	ToolCallID string
	ToolName   string
	Result     *ToolResult
	Err        error
	Duration   time.Duration
	TimedOut   bool

	// Injected carries any AfterInjectContext strings middleware attached to
	// this invocation, for the caller to fold into the paired tool_result
	// message as extra text blocks without altering the tool's own output.
	Injected []string
}

// ToolExecConfig configures concurrency, timeouts, and retry settings for a
// ToolExecutor's execute_batch.
type ToolExecConfig struct {
	// MaxParallel caps concurrent invocations within a batch. 0 means "auto"
	// (runtime.NumCPU()); 1 forces strict sequential execution, preserving
	// submission order for tools with external side effects.
	MaxParallel int

	// PerInvocationTimeout bounds a single invocation; on expiry the
	// executor returns Error("timeout") without waiting past the deadline,
	// regardless of whether the tool itself honors cancellation.
	PerInvocationTimeout time.Duration

	// MaxAttempts is the number of attempts per invocation (default 1).
	// Per spec.md §4.1, tool-invocation errors are never retried
	// automatically; the EventLoop always uses MaxAttempts=1. A higher
	// value is for callers constructing a ToolExecutor directly for a
	// narrower use case (e.g. flaky sandbox tools).
	MaxAttempts int

	// RetryBackoff waits between retries when MaxAttempts > 1.
	RetryBackoff time.Duration

	// Guard redacts/truncates tool results before they are handed back to
	// the caller (and, from there, persisted to the ConversationStore).
	Guard ToolResultGuard
}

// DefaultToolExecConfig returns the execute_batch defaults: auto concurrency,
// a 30s per-invocation timeout, and no retries.
func DefaultToolExecConfig() ToolExecConfig {
	return ToolExecConfig{
		MaxParallel:          0,
		PerInvocationTimeout: 30 * time.Second,
		MaxAttempts:          1,
		RetryBackoff:         0,
	}
}

// ToolExecutor runs ToolInvocations the ToolRegistry has already resolved.
// It is the sole place batches of tool calls are parallelized, timed out,
// and isolated from each other's panics — the C2 "executor" half of
// ToolRegistry+ToolExecutor.
type ToolExecutor struct {
	registry *ToolRegistry
	config   ToolExecConfig
}

// NewToolExecutor creates a ToolExecutor bound to registry. Zero-value
// config fields fall back to DefaultToolExecConfig's timeout/attempts.
func NewToolExecutor(registry *ToolRegistry, config ToolExecConfig) *ToolExecutor {
	if config.PerInvocationTimeout <= 0 {
		config.PerInvocationTimeout = 30 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &ToolExecutor{registry: registry, config: config}
}

// resolvedParallelism turns the configured MaxParallel into a concrete
// worker count: 0 → NumCPU, negative → strictly sequential, n → n.
func (e *ToolExecutor) resolvedParallelism() int {
	if e.config.MaxParallel < 0 {
		return 1
	}
	if e.config.MaxParallel == 0 {
		return runtime.NumCPU()
	}
	return e.config.MaxParallel
}

// ExecuteBatch runs invocations under the configured concurrency limit,
// middleware chain, and per-invocation timeout. Results are returned in the
// same order as the input regardless of completion order, each keyed by its
// own ToolCallID so callers needing request-order materialization can rely
// on index alignment directly. A nil mw runs every invocation without
// before/after hooks.
func (e *ToolExecutor) ExecuteBatch(ctx context.Context, invocations []ToolInvocation, mw *MiddlewareChain) []ToolInvocationResult {
	results := make([]ToolInvocationResult, len(invocations))
	if len(invocations) == 0 {
		return results
	}

	parallel := e.resolvedParallelism()
	if parallel <= 1 {
		for i, inv := range invocations {
			results[i] = e.runOne(ctx, inv, mw)
		}
		return results
	}

	sem := make(chan struct{}, parallel)
	var wg sync.WaitGroup
	for i, inv := range invocations {
		wg.Add(1)
		go func(idx int, invocation ToolInvocation) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = ToolInvocationResult{
					ToolCallID: invocation.ToolCallID,
					ToolName:   invocation.ToolName,
					Result:     &ToolResult{Content: "context canceled", IsError: true},
					Err:        ctx.Err(),
				}
				return
			}
			results[idx] = e.runOne(ctx, invocation, mw)
		}(i, inv)
	}
	wg.Wait()
	return results
}

// runOne executes a single invocation through before-hooks, schema
// validation, the timed/panic-isolated dispatch, and after-hooks.
func (e *ToolExecutor) runOne(ctx context.Context, inv ToolInvocation, mw *MiddlewareChain) ToolInvocationResult {
	start := time.Now()
	tc := &ToolContext{ToolCallID: inv.ToolCallID, CycleNumber: inv.CycleNumber}
	params := inv.Input

	if mw != nil {
		decision, modified := mw.RunBefore(ctx, inv.ToolName, params, tc)
		params = modified
		switch decision.Kind {
		case BeforeAbort:
			result := decision.Result
			if result == nil {
				result = &ToolResult{Content: "aborted by middleware", IsError: true}
			}
			final, injected := mw.RunAfter(ctx, inv.ToolName, result, tc)
			return ToolInvocationResult{ToolCallID: inv.ToolCallID, ToolName: inv.ToolName, Result: final, Duration: time.Since(start), Injected: injected}
		case BeforeSkip:
			result := &ToolResult{Content: "skipped by middleware"}
			final, injected := mw.RunAfter(ctx, inv.ToolName, result, tc)
			return ToolInvocationResult{ToolCallID: inv.ToolCallID, ToolName: inv.ToolName, Result: final, Duration: time.Since(start), Injected: injected}
		}
	}

	var lastResult *ToolResult
	var lastErr error
	var timedOut bool
	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		lastResult, lastErr, timedOut = e.dispatch(ctx, inv.ToolName, inv.ToolCallID, params)
		if lastErr == nil && !lastResult.IsError {
			break
		}
		if attempt < e.config.MaxAttempts && e.config.RetryBackoff > 0 {
			select {
			case <-time.After(e.config.RetryBackoff):
			case <-ctx.Done():
				timedOut = false
				lastResult = &ToolResult{Content: "context canceled", IsError: true}
				lastErr = ctx.Err()
			}
		}
	}

	if e.config.Guard.active() && lastResult != nil {
		guarded := guardToolResult(e.config.Guard, inv.ToolName, models.ToolResult{
			ToolCallID: inv.ToolCallID,
			Content:    lastResult.Content,
			IsError:    lastResult.IsError,
		}, nil)
		lastResult = &ToolResult{Content: guarded.Content, IsError: guarded.IsError, Artifacts: lastResult.Artifacts}
	}

	var injected []string
	if mw != nil {
		lastResult, injected = mw.RunAfter(ctx, inv.ToolName, lastResult, tc)
	}

	return ToolInvocationResult{
		ToolCallID: inv.ToolCallID,
		ToolName:   inv.ToolName,
		Result:     lastResult,
		Err:        lastErr,
		Duration:   time.Since(start),
		TimedOut:   timedOut,
		Injected:   injected,
	}
}

// dispatch validates params against the registered tool's schema, then runs
// the tool body under a per-invocation deadline with panic isolation: a
// panicking tool becomes an error result, never a crashed goroutine that
// takes down the batch.
func (e *ToolExecutor) dispatch(ctx context.Context, name, toolCallID string, params json.RawMessage) (*ToolResult, error, bool) {
	if err := e.registry.Validate(name, params); err != nil {
		return &ToolResult{Content: fmt.Sprintf("invalid tool input: %v", err), IsError: true}, nil, false
	}

	toolCtx, cancel := context.WithTimeout(ctx, e.config.PerInvocationTimeout)
	defer cancel()
	toolCtx = observability.AddToolCallID(toolCtx, toolCallID)

	type execOutcome struct {
		result *ToolResult
		err    error
	}
	done := make(chan execOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				select {
				case done <- execOutcome{result: &ToolResult{
					Content: fmt.Sprintf("tool panicked: %v", r),
					IsError: true,
				}, err: fmt.Errorf("panic in tool %q: %v\n%s", name, r, stack)}:
				default:
				}
			}
		}()
		result, err := e.registry.Execute(toolCtx, name, params)
		select {
		case done <- execOutcome{result: result, err: err}:
		default:
		}
	}()

	select {
	case <-toolCtx.Done():
		if ctx.Err() != nil {
			return &ToolResult{Content: "tool execution canceled", IsError: true}, ctx.Err(), false
		}
		return &ToolResult{Content: "timeout", IsError: true}, nil, true
	case out := <-done:
		if out.err != nil {
			return &ToolResult{Content: out.err.Error(), IsError: true}, nil, false
		}
		if out.result == nil {
			return &ToolResult{Content: "tool returned no result", IsError: true}, nil, false
		}
		return out.result, nil, false
	}
}
