package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for agent operations
var (
	// ErrMaxCycles indicates the event loop exceeded its configured cycle budget
	ErrMaxCycles = errors.New("max cycles exceeded")

	// ErrMaxToolIterations indicates the cumulative tool-invocation budget was exhausted
	ErrMaxToolIterations = errors.New("max tool iterations exceeded")

	// ErrContextCancelled indicates the run's cancellation token fired
	ErrContextCancelled = errors.New("context cancelled")

	// ErrNoProvider indicates no LLM provider is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool doesn't exist
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution
	ErrToolPanic = errors.New("tool panicked")

	// ErrBackpressure indicates the system is overloaded
	ErrBackpressure = errors.New("backpressure: system overloaded")
)

// Kind classifies an error for retry/backoff decisions at the event loop level.
// It is the taxonomy the EventLoop consults when deciding whether a failed
// provider call, tool invocation, or middleware step should be retried,
// folded into a degraded Outcome, or surfaced as a fatal error.
type Kind string

const (
	// KindInvalidInput marks a caller mistake (bad prompt, bad params). Not retryable.
	KindInvalidInput Kind = "invalid_input"
	// KindConfigurationError marks a misconfigured Agent (missing provider, bad model id). Not retryable.
	KindConfigurationError Kind = "configuration_error"
	// KindModelError marks an opaque provider-side failure. Not retryable unless
	// sub-classified as Throttling/ServiceUnavailable/Timeout/Network.
	KindModelError Kind = "model_error"
	// KindThrottling marks a rate-limit response. Retryable with backoff.
	KindThrottling Kind = "throttling"
	// KindServiceUnavailable marks a 5xx or transport-level provider outage. Retryable.
	KindServiceUnavailable Kind = "service_unavailable"
	// KindTimeout marks a pre-first-byte timeout. Retryable; a timeout after
	// partial stream bytes have been received is NOT retryable (see IsRetryableAfterPartialStream).
	KindTimeout Kind = "timeout"
	// KindNetwork marks a transient network/DNS/connection-refused failure. Retryable.
	KindNetwork Kind = "network"
	// KindQuotaExceeded marks a context-window/token-quota overrun. Retryable only
	// if the conversation can be reduced further; otherwise fatal.
	KindQuotaExceeded Kind = "quota_exceeded"
	// KindToolError marks a tool execution failure. Never aborts the loop; it is
	// converted into an error-flagged ToolResult and the loop continues.
	KindToolError Kind = "tool_error"
	// KindValidationError marks a tool-input schema failure. Converted into a
	// KindToolError ToolResult without invoking the tool.
	KindValidationError Kind = "validation_error"
	// KindCancelled marks cooperative cancellation. Terminal; Outcome.Success=false.
	KindCancelled Kind = "cancelled"
	// KindInternal marks an invariant violation (orphaned tool pair, decoder
	// desync). Fatal; carries a diagnostic payload.
	KindInternal Kind = "internal"
)

// Retryable reports whether an error of this Kind should be retried with
// backoff by the EventLoop's Reasoning phase, absent other context.
func (k Kind) Retryable() bool {
	switch k {
	case KindThrottling, KindServiceUnavailable, KindTimeout, KindNetwork, KindQuotaExceeded:
		return true
	default:
		return false
	}
}

// AgentError is a classified error surfaced by the event loop, a provider
// adapter, or middleware. Kind drives retry/backoff; Cause preserves the
// original error for errors.Is/errors.As chains.
type AgentError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *AgentError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("[%s]", e.Kind)
}

func (e *AgentError) Unwrap() error { return e.Cause }

// Retryable reports whether this specific error should be retried. A
// KindTimeout that fired after partial stream bytes arrived is treated as
// non-retryable even though the Kind itself defaults to retryable.
func (e *AgentError) Retryable() bool {
	if e.Kind == KindTimeout && e.Cause != nil && errors.Is(e.Cause, errPartialStreamTimeout) {
		return false
	}
	return e.Kind.Retryable()
}

// errPartialStreamTimeout tags a Timeout AgentError as having occurred after
// bytes were already streamed, overriding the Kind's default retryability.
var errPartialStreamTimeout = errors.New("timeout after partial stream")

// NewAgentError wraps cause as an AgentError of the given Kind.
func NewAgentError(kind Kind, cause error) *AgentError {
	err := &AgentError{Kind: kind, Cause: cause}
	if cause != nil {
		err.Message = cause.Error()
	}
	return err
}

// WithPartialStream marks a KindTimeout error as having occurred after the
// stream had already delivered bytes, making it non-retryable per spec.
func (e *AgentError) WithPartialStream() *AgentError {
	if e.Kind == KindTimeout {
		e.Cause = fmt.Errorf("%w: %v", errPartialStreamTimeout, e.Cause)
	}
	return e
}

// IsAgentError reports whether err is or wraps an *AgentError.
func IsAgentError(err error) bool {
	var ae *AgentError
	return errors.As(err, &ae)
}

// GetAgentError extracts an *AgentError from err's chain.
func GetAgentError(err error) (*AgentError, bool) {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// ToolErrorType categorizes tool execution errors for retry logic and error handling.
type ToolErrorType string

const (
	// ToolErrorNotFound indicates the tool doesn't exist
	ToolErrorNotFound ToolErrorType = "not_found"

	// ToolErrorInvalidInput indicates invalid parameters were passed
	ToolErrorInvalidInput ToolErrorType = "invalid_input"

	// ToolErrorTimeout indicates the tool timed out
	ToolErrorTimeout ToolErrorType = "timeout"

	// ToolErrorNetwork indicates a network error
	ToolErrorNetwork ToolErrorType = "network"

	// ToolErrorPermission indicates a permission error
	ToolErrorPermission ToolErrorType = "permission"

	// ToolErrorRateLimit indicates the tool was rate limited
	ToolErrorRateLimit ToolErrorType = "rate_limit"

	// ToolErrorExecution indicates a runtime error during execution
	ToolErrorExecution ToolErrorType = "execution"

	// ToolErrorPanic indicates the tool panicked
	ToolErrorPanic ToolErrorType = "panic"

	// ToolErrorUnknown indicates an unclassified error
	ToolErrorUnknown ToolErrorType = "unknown"
)

// IsRetryable returns true if this error type suggests retrying the operation may succeed.
// Timeout, network, and rate limit errors are considered retryable.
//
// Per spec, tool errors are never auto-retried by the EventLoop itself (a
// ToolError always becomes a ToolResult and the loop proceeds) — this flag is
// consulted only by the ToolExecutor's own internal per-invocation retry loop
// when MaxAttempts > 1.
func (t ToolErrorType) IsRetryable() bool {
	switch t {
	case ToolErrorTimeout, ToolErrorNetwork, ToolErrorRateLimit:
		return true
	default:
		return false
	}
}

// Kind maps a ToolErrorType onto the event-loop-level Kind taxonomy, so a
// failed tool invocation and a failed provider call can be reasoned about
// uniformly wherever both flow through the same Reflection-phase logic.
func (t ToolErrorType) Kind() Kind {
	switch t {
	case ToolErrorInvalidInput:
		return KindValidationError
	case ToolErrorTimeout:
		return KindTimeout
	case ToolErrorNetwork:
		return KindNetwork
	case ToolErrorRateLimit:
		return KindThrottling
	default:
		return KindToolError
	}
}

// ToolError represents a structured error from tool execution with categorization
// for retry logic and detailed context about the failure.
type ToolError struct {
	// Type categorizes the error for retry logic
	Type ToolErrorType

	// ToolName is the name of the tool that failed
	ToolName string

	// ToolCallID is the ID of the tool call that failed
	ToolCallID string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error

	// Retryable indicates if this error should be retried
	Retryable bool

	// Attempts is the number of attempts made
	Attempts int
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))

	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	if e.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("(attempts=%d)", e.Attempts))
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a new ToolError with automatic error classification.
// The error type is inferred from the cause's error message.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{
		ToolName: toolName,
		Cause:    cause,
		Type:     ToolErrorUnknown,
		Attempts: 1,
	}

	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyToolError(cause)
		err.Retryable = err.Type.IsRetryable()
	}

	return err
}

// WithType sets the error type and updates retryable status accordingly.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	e.Retryable = t.IsRetryable()
	return e
}

// WithToolCallID sets the tool call ID for correlating errors with specific calls.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithMessage sets a custom human-readable error message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// WithAttempts sets the number of execution attempts that were made.
func (e *ToolError) WithAttempts(n int) *ToolError {
	e.Attempts = n
	return e
}

// classifyToolError determines the error type from the error content.
func classifyToolError(err error) ToolErrorType {
	if err == nil {
		return ToolErrorUnknown
	}

	// Check for sentinel errors
	if errors.Is(err, ErrToolNotFound) {
		return ToolErrorNotFound
	}
	if errors.Is(err, ErrToolTimeout) {
		return ToolErrorTimeout
	}
	if errors.Is(err, ErrToolPanic) {
		return ToolErrorPanic
	}

	errStr := strings.ToLower(err.Error())

	// Timeout patterns
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") {
		return ToolErrorTimeout
	}

	// Network patterns
	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "unreachable") {
		return ToolErrorNetwork
	}

	// Rate limit patterns
	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return ToolErrorRateLimit
	}

	// Permission patterns
	if strings.Contains(errStr, "permission") ||
		strings.Contains(errStr, "forbidden") ||
		strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "access denied") {
		return ToolErrorPermission
	}

	// Invalid input patterns
	if strings.Contains(errStr, "invalid") ||
		strings.Contains(errStr, "validation") ||
		strings.Contains(errStr, "required") ||
		strings.Contains(errStr, "missing") {
		return ToolErrorInvalidInput
	}

	return ToolErrorExecution
}

// IsToolError checks if an error is or wraps a ToolError.
func IsToolError(err error) bool {
	var toolErr *ToolError
	return errors.As(err, &toolErr)
}

// GetToolError extracts a ToolError from an error chain using errors.As.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// IsToolRetryable checks if a tool error should be retried based on its type.
func IsToolRetryable(err error) bool {
	if toolErr, ok := GetToolError(err); ok {
		return toolErr.Retryable
	}
	return classifyToolError(err).IsRetryable()
}

// Phase names a state in the EventLoop's five-phase cycle.
type Phase string

const (
	// PhaseReasoning is the provider call + stream-decode phase.
	PhaseReasoning Phase = "reasoning"
	// PhaseToolSelection is where ToolUse blocks are gathered from the
	// decoded response and validated against the ToolRegistry.
	PhaseToolSelection Phase = "tool_selection"
	// PhaseToolExecution is the (possibly parallel) ToolExecutor batch run.
	PhaseToolExecution Phase = "tool_execution"
	// PhaseReflection is the EvaluationStrategy + ContextBudget check between cycles.
	PhaseReflection Phase = "reflection"
	// PhaseResponseFinalize is reached when the model produces a final
	// assistant message with no pending tool calls.
	PhaseResponseFinalize Phase = "response_finalize"
)

// PhaseError reports an error that occurred during a specific EventLoop
// phase and cycle, for diagnostics and KindInternal fatal reporting.
type PhaseError struct {
	// Phase is the loop phase where the error occurred
	Phase Phase

	// Cycle is the 0-based cycle number where the error occurred
	Cycle int

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *PhaseError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (cycle %d): %s", e.Phase, e.Cycle, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s (cycle %d): %v", e.Phase, e.Cycle, e.Cause)
	}
	return fmt.Sprintf("%s (cycle %d)", e.Phase, e.Cycle)
}

// Unwrap returns the underlying error.
func (e *PhaseError) Unwrap() error {
	return e.Cause
}
