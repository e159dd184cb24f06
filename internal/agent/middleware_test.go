package agent

import (
	"context"
	"testing"
)

type recordingMiddleware struct {
	name   string
	before BeforeDecision
	after  AfterDecision
	calls  *[]string
}

func (m *recordingMiddleware) Name() string { return m.name }

func (m *recordingMiddleware) BeforeTool(ctx context.Context, toolName string, params []byte, tc *ToolContext) BeforeDecision {
	*m.calls = append(*m.calls, "before:"+m.name)
	return m.before
}

func (m *recordingMiddleware) AfterTool(ctx context.Context, toolName string, result *ToolResult, tc *ToolContext) AfterDecision {
	*m.calls = append(*m.calls, "after:"+m.name)
	return m.after
}

func TestMiddlewareChain_RunBefore_Cumulative(t *testing.T) {
	var calls []string
	a := &recordingMiddleware{name: "a", before: Continue(), calls: &calls}
	b := &recordingMiddleware{name: "b", before: Continue(), calls: &calls}
	chain := NewMiddlewareChain(a, b)

	decision, _ := chain.RunBefore(context.Background(), "search", []byte(`{}`), &ToolContext{})

	if decision.Kind != BeforeContinue {
		t.Fatalf("decision.Kind = %v, want BeforeContinue", decision.Kind)
	}
	if len(calls) != 2 || calls[0] != "before:a" || calls[1] != "before:b" {
		t.Errorf("calls = %v, want [before:a before:b]", calls)
	}
}

func TestMiddlewareChain_RunBefore_AbortShortCircuits(t *testing.T) {
	var calls []string
	abortResult := &ToolResult{Content: "blocked by policy", IsError: true}
	a := &recordingMiddleware{name: "a", before: Abort(abortResult), calls: &calls}
	b := &recordingMiddleware{name: "b", before: Continue(), calls: &calls}
	chain := NewMiddlewareChain(a, b)

	decision, _ := chain.RunBefore(context.Background(), "search", []byte(`{}`), &ToolContext{})

	if decision.Kind != BeforeAbort {
		t.Fatalf("decision.Kind = %v, want BeforeAbort", decision.Kind)
	}
	if decision.Result != abortResult {
		t.Errorf("decision.Result = %v, want %v", decision.Result, abortResult)
	}
	if len(calls) != 1 || calls[0] != "before:a" {
		t.Errorf("calls = %v, want [before:a] (b must not run after abort)", calls)
	}
}

func TestMiddlewareChain_RunBefore_ModifyParamsThreads(t *testing.T) {
	var calls []string
	a := &recordingMiddleware{name: "a", before: ModifyParams([]byte(`{"q":"redacted"}`)), calls: &calls}
	var seenParams []byte
	b := &recordingMiddlewareFunc{
		name: "b",
		before: func(ctx context.Context, toolName string, params []byte, tc *ToolContext) BeforeDecision {
			seenParams = params
			return Continue()
		},
	}
	chain := NewMiddlewareChain(a, b)

	chain.RunBefore(context.Background(), "search", []byte(`{"q":"secret"}`), &ToolContext{})

	if string(seenParams) != `{"q":"redacted"}` {
		t.Errorf("second middleware saw params %q, want the first middleware's rewrite", seenParams)
	}
}

func TestMiddlewareChain_RunAfter_ReverseOrder(t *testing.T) {
	var calls []string
	a := &recordingMiddleware{name: "a", after: PassThrough(), calls: &calls}
	b := &recordingMiddleware{name: "b", after: PassThrough(), calls: &calls}
	chain := NewMiddlewareChain(a, b)

	chain.RunAfter(context.Background(), "search", &ToolResult{Content: "ok"}, &ToolContext{})

	if len(calls) != 2 || calls[0] != "after:b" || calls[1] != "after:a" {
		t.Errorf("calls = %v, want [after:b after:a]", calls)
	}
}

func TestMiddlewareChain_RunAfter_InjectContextAccumulates(t *testing.T) {
	a := &recordingMiddleware{name: "a", after: InjectContext("truncated to 4KB"), calls: &[]string{}}
	b := &recordingMiddleware{name: "b", after: InjectContext("rate limit at 80%"), calls: &[]string{}}
	chain := NewMiddlewareChain(a, b)

	result, injected := chain.RunAfter(context.Background(), "search", &ToolResult{Content: "ok"}, &ToolContext{})

	if result.Content != "ok" {
		t.Errorf("result should be unmodified by InjectContext, got %q", result.Content)
	}
	if len(injected) != 2 {
		t.Fatalf("injected = %v, want 2 entries", injected)
	}
}

func TestMiddlewareChain_RunAfter_ModifyResult(t *testing.T) {
	replaced := &ToolResult{Content: "redacted"}
	a := &recordingMiddleware{name: "a", after: ModifyResult(replaced), calls: &[]string{}}
	chain := NewMiddlewareChain(a)

	result, _ := chain.RunAfter(context.Background(), "search", &ToolResult{Content: "secret data"}, &ToolContext{})

	if result != replaced {
		t.Errorf("result = %v, want the replaced result", result)
	}
}

func TestToolContext_SetGet(t *testing.T) {
	tc := &ToolContext{}
	if _, ok := tc.Get("missing"); ok {
		t.Error("Get on empty context should report not-found")
	}
	tc.Set("attempt", 2)
	v, ok := tc.Get("attempt")
	if !ok || v.(int) != 2 {
		t.Errorf("Get(attempt) = %v, %v; want 2, true", v, ok)
	}
}

// recordingMiddlewareFunc adapts a function to Middleware for table-driven
// before-hook assertions without a full recordingMiddleware.
type recordingMiddlewareFunc struct {
	name   string
	before func(ctx context.Context, toolName string, params []byte, tc *ToolContext) BeforeDecision
}

func (m *recordingMiddlewareFunc) Name() string { return m.name }

func (m *recordingMiddlewareFunc) BeforeTool(ctx context.Context, toolName string, params []byte, tc *ToolContext) BeforeDecision {
	return m.before(ctx, toolName, params, tc)
}

func (m *recordingMiddlewareFunc) AfterTool(ctx context.Context, toolName string, result *ToolResult, tc *ToolContext) AfterDecision {
	return PassThrough()
}
