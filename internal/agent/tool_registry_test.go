package agent

import (
	"context"
	"encoding/json"
	"testing"
)

type echoTool struct {
	schema json.RawMessage
}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "echoes its input" }
func (t *echoTool) Schema() json.RawMessage {
	if t.schema != nil {
		return t.schema
	}
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}
func (t *echoTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return &ToolResult{Content: string(params)}, nil
}

func TestToolRegistry_RegisterAndExecute(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&echoTool{})

	tool, ok := r.Get("echo")
	if !ok || tool.Name() != "echo" {
		t.Fatalf("Get(echo) = %v, %v", tool, ok)
	}

	result, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	if err != nil || result.IsError {
		t.Fatalf("Execute failed: result=%+v err=%v", result, err)
	}
}

func TestToolRegistry_Execute_NotFound(t *testing.T) {
	r := NewToolRegistry()
	result, err := r.Execute(context.Background(), "missing", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Errorf("result.IsError = false, want true for missing tool")
	}
}

func TestToolRegistry_Validate_RejectsMissingRequired(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&echoTool{})

	if err := r.Validate("echo", json.RawMessage(`{}`)); err == nil {
		t.Error("Validate should reject input missing the required \"text\" field")
	}
	if err := r.Validate("echo", json.RawMessage(`{"text":"hi"}`)); err != nil {
		t.Errorf("Validate rejected valid input: %v", err)
	}
}

func TestToolRegistry_Validate_NoSchemaIsPermissive(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&echoTool{schema: json.RawMessage(``)})

	if err := r.Validate("echo", json.RawMessage(`{"anything":true}`)); err != nil {
		t.Errorf("Validate with no declared schema should be permissive, got %v", err)
	}
}

func TestToolRegistry_Validate_MalformedSchemaIsPermissive(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&echoTool{schema: json.RawMessage(`not json`)})

	if err := r.Validate("echo", json.RawMessage(`{"anything":true}`)); err != nil {
		t.Errorf("Validate with an uncompilable schema should fall back to permissive, got %v", err)
	}
}

func TestToolRegistry_Unregister(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&echoTool{})
	r.Unregister("echo")

	if _, ok := r.Get("echo"); ok {
		t.Error("tool should be gone after Unregister")
	}
}

func TestMatchesToolPatterns(t *testing.T) {
	if !matchesToolPatterns([]string{"browser.*"}, "browser.click", nil) {
		t.Error("namespace wildcard pattern should match a tool in that namespace")
	}
	if matchesToolPatterns([]string{"browser.*"}, "aws.s3_get", nil) {
		t.Error("wildcard pattern should not match an unrelated namespace")
	}
	if !matchesToolPatterns([]string{"mcp:*"}, "mcp:server1:search", nil) {
		t.Error("mcp:* should match any mcp-prefixed tool")
	}
	if !matchesToolPatterns([]string{"exact"}, "exact", nil) {
		t.Error("exact pattern should match itself")
	}
}
