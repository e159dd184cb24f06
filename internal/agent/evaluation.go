package agent

import (
	"context"
	"fmt"

	"github.com/haasonsaas/agentloop/pkg/models"
)

// EvalDecision is the verdict an EvaluationStrategy returns at the end of a
// cycle's Reflection phase.
type EvalDecision int

const (
	// EvalContinue lets the EventLoop start another cycle.
	EvalContinue EvalDecision = iota
	// EvalTerminate ends the run and produces the final Outcome.
	EvalTerminate
)

func (d EvalDecision) String() string {
	if d == EvalTerminate {
		return "terminate"
	}
	return "continue"
}

// EvalResult is what an EvaluationStrategy returns from Evaluate.
type EvalResult struct {
	Decision  EvalDecision
	Reasoning string
	// Score is populated by scoring strategies (MultiPerspective); other
	// strategies may leave it at zero.
	Score float64
}

// EvaluationStrategy decides, at the end of each EventLoop cycle, whether the
// run should continue or terminate. It is consulted during the Reflection
// phase after ToolExecution (or immediately after Reasoning if no tools were
// called) and before the next cycle's ContextBudget check.
type EvaluationStrategy interface {
	// Evaluate inspects the conversation so far and returns a decision.
	Evaluate(ctx context.Context, history []models.Message, cycle int) (EvalResult, error)
}

// NoneStrategy always continues — the EventLoop's own termination conditions
// (ResponseFinalize reached, max_cycles, deadline, cancellation,
// max_tool_iterations) are the only things that end the run. This is the
// default EvaluationStrategy.
type NoneStrategy struct{}

// Evaluate always returns EvalContinue.
func (NoneStrategy) Evaluate(ctx context.Context, history []models.Message, cycle int) (EvalResult, error) {
	return EvalResult{Decision: EvalContinue, Reasoning: "no evaluation strategy configured"}, nil
}

// TaskEvaluationFunc asks a caller-supplied judge (usually a prompt sent back
// through the same provider) whether the task described by Prompt has been
// satisfied by the conversation so far. It counts against its own
// max_iterations budget, independent of the EventLoop's max_cycles.
type TaskEvaluationFunc func(ctx context.Context, history []models.Message, prompt string) (EvalResult, error)

// TaskEvaluation wraps a single evaluator prompt and iteration budget.
type TaskEvaluation struct {
	Prompt        string
	MaxIterations int
	Judge         TaskEvaluationFunc

	iterations int
}

// Evaluate invokes Judge with Prompt, enforcing MaxIterations independently
// of the EventLoop's cycle budget per spec.md §9's resolved open question.
func (t *TaskEvaluation) Evaluate(ctx context.Context, history []models.Message, cycle int) (EvalResult, error) {
	if t.MaxIterations > 0 && t.iterations >= t.MaxIterations {
		return EvalResult{Decision: EvalTerminate, Reasoning: "task evaluation iteration budget exhausted"}, nil
	}
	t.iterations++
	if t.Judge == nil {
		return EvalResult{}, fmt.Errorf("agent: TaskEvaluation configured without a Judge function")
	}
	return t.Judge(ctx, history, t.Prompt)
}

// Perspective is one weighted voice in a MultiPerspective evaluation.
type Perspective struct {
	Name   string
	Prompt string
	Weight float64
	Judge  TaskEvaluationFunc
}

// MultiPerspective combines several independently-scored perspectives into a
// single decision. Each perspective's judge returns a Score in [0,1]; scores
// are combined by weighted average, and EvalTerminate is returned when the
// combined score exceeds 0.5 (majority agreement that the task is done).
type MultiPerspective struct {
	Perspectives []Perspective
}

// Evaluate runs every perspective and combines the results.
func (m *MultiPerspective) Evaluate(ctx context.Context, history []models.Message, cycle int) (EvalResult, error) {
	if len(m.Perspectives) == 0 {
		return EvalResult{Decision: EvalContinue, Reasoning: "no perspectives configured"}, nil
	}

	var weightedSum, weightTotal float64
	var reasons []string
	for _, p := range m.Perspectives {
		if p.Judge == nil {
			continue
		}
		result, err := p.Judge(ctx, history, p.Prompt)
		if err != nil {
			return EvalResult{}, fmt.Errorf("agent: perspective %q failed: %w", p.Name, err)
		}
		weight := p.Weight
		if weight <= 0 {
			weight = 1
		}
		weightedSum += result.Score * weight
		weightTotal += weight
		reasons = append(reasons, fmt.Sprintf("%s=%.2f", p.Name, result.Score))
	}

	var combined float64
	if weightTotal > 0 {
		combined = weightedSum / weightTotal
	}

	decision := EvalContinue
	if combined > 0.5 {
		decision = EvalTerminate
	}

	return EvalResult{
		Decision:  decision,
		Score:     combined,
		Reasoning: fmt.Sprintf("combined score %.2f from %v", combined, reasons),
	}, nil
}

// AgentBased delegates the evaluation decision to a separate AgentFacade
// instance (the "evaluator agent"), which is independently owned by this
// strategy, not the parent Agent — there is no recursion into the parent's
// own EventLoop.
type AgentBased struct {
	Evaluator *Agent
	Prompt    string
}

// Evaluate sends Prompt plus a rendering of history to the evaluator agent
// and interprets a leading "DONE"/"CONTINUE" token in its reply as the
// decision.
func (a *AgentBased) Evaluate(ctx context.Context, history []models.Message, cycle int) (EvalResult, error) {
	if a.Evaluator == nil {
		return EvalResult{}, fmt.Errorf("agent: AgentBased evaluation configured without an Evaluator")
	}

	outcome, err := a.Evaluator.Execute(ctx, renderEvaluationPrompt(a.Prompt, history))
	if err != nil {
		return EvalResult{}, fmt.Errorf("agent: evaluator agent failed: %w", err)
	}

	decision := EvalContinue
	text := outcome.FinalText()
	if len(text) >= 4 && text[:4] == "DONE" {
		decision = EvalTerminate
	}

	return EvalResult{Decision: decision, Reasoning: text}, nil
}

func renderEvaluationPrompt(prompt string, history []models.Message) string {
	var transcript string
	for _, m := range history {
		transcript += fmt.Sprintf("%s: %s\n", m.Role, m.Content)
	}
	return fmt.Sprintf("%s\n\nConversation so far:\n%s\nReply with DONE or CONTINUE followed by your reasoning.", prompt, transcript)
}
