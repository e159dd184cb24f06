package models

import "encoding/json"

// BlockKind tags the variant of a ContentBlock.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
	BlockThinking   BlockKind = "thinking"
)

// ContentBlock is a tagged sum over a message's content: Text, ToolUse,
// ToolResult, or Thinking. Messages carry an ordered sequence of these
// instead of a single opaque string, so a ToolUse and its ToolResult can be
// correlated by ID across message boundaries.
//
// A Message's Content/ToolCalls/ToolResults fields remain the wire-level
// storage (unchanged from the teacher's flatter representation); Blocks
// projects them into this ordered sequence and back. Exactly one of the
// Text/ToolUse/ToolResult/Thinking fields is populated per block, selected
// by Kind.
type ContentBlock struct {
	Kind BlockKind

	Text string

	ToolUseID    string
	ToolName     string
	ToolInput    json.RawMessage

	ToolResultID string
	ToolContent  string
	IsError      bool

	ThinkingText      string
	ThinkingSignature string
	Redacted          bool
}

// NewTextBlock builds a Text content block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Kind: BlockText, Text: text}
}

// NewToolUseBlock builds a ToolUse content block.
func NewToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Kind: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

// NewToolResultBlock builds a ToolResult content block.
func NewToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Kind: BlockToolResult, ToolResultID: toolUseID, ToolContent: content, IsError: isError}
}

// NewThinkingBlock builds a Thinking content block.
func NewThinkingBlock(text, signature string, redacted bool) ContentBlock {
	return ContentBlock{Kind: BlockThinking, ThinkingText: text, ThinkingSignature: signature, Redacted: redacted}
}

// Blocks projects a Message's flat Content/ToolCalls/ToolResults fields into
// an ordered ContentBlock sequence: plain text first (if any), then one
// ToolUse block per ToolCall, then one ToolResult block per ToolResult. This
// ordering matches how the teacher's providers already construct a draft
// Assistant message (text deltas, followed by tool-use blocks) and how a
// paired User message is built (one message, all ToolResults together).
func (m Message) Blocks() []ContentBlock {
	var blocks []ContentBlock
	if m.Content != "" {
		blocks = append(blocks, NewTextBlock(m.Content))
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, NewToolUseBlock(tc.ID, tc.Name, tc.Input))
	}
	for _, tr := range m.ToolResults {
		blocks = append(blocks, NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
	}
	return blocks
}

// MessageFromBlocks builds a Message from an ordered ContentBlock sequence,
// the inverse of Blocks. Thinking blocks are folded into Content as plain
// text since the flat wire representation has no dedicated field for them;
// callers that need to preserve thinking signatures should keep the
// ContentBlock sequence itself rather than round-tripping through Message.
func MessageFromBlocks(base Message, blocks []ContentBlock) Message {
	msg := base
	msg.Content = ""
	msg.ToolCalls = nil
	msg.ToolResults = nil
	for _, b := range blocks {
		switch b.Kind {
		case BlockText:
			msg.Content += b.Text
		case BlockThinking:
			msg.Content += b.ThinkingText
		case BlockToolUse:
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: b.ToolUseID, Name: b.ToolName, Input: b.ToolInput})
		case BlockToolResult:
			msg.ToolResults = append(msg.ToolResults, ToolResult{ToolCallID: b.ToolResultID, Content: b.ToolContent, IsError: b.IsError})
		}
	}
	return msg
}

// PendingToolUseIDs returns the ToolUse IDs in an Assistant message that have
// no matching ToolResult anywhere in the remaining messages. Used to
// synthesize aborted/cancelled ToolResults so invariant I1 holds when a loop
// is cancelled mid-tool-execution.
func PendingToolUseIDs(assistant Message, rest []Message) []string {
	resolved := make(map[string]bool)
	for _, m := range rest {
		for _, tr := range m.ToolResults {
			resolved[tr.ToolCallID] = true
		}
	}

	var pending []string
	for _, tc := range assistant.ToolCalls {
		if !resolved[tc.ID] {
			pending = append(pending, tc.ID)
		}
	}
	return pending
}

// CheckToolPairing validates invariant I1 over a full message sequence: every
// ToolUse in an Assistant message must have exactly one matching ToolResult
// in the very next message, with no other Assistant message intervening, and
// conversely every ToolResult must have its matching ToolUse in the
// immediately preceding message. It returns the IDs of any ToolUse or
// ToolResult blocks left unpaired in either direction — a trimmed history
// that dropped a ToolUse but retained its ToolResult (or vice versa) is just
// as invalid a provider request as the reverse.
func CheckToolPairing(messages []Message) (unpaired []string) {
	for i, m := range messages {
		if m.Role == RoleAssistant && len(m.ToolCalls) > 0 {
			resultsByID := make(map[string]bool)
			if i+1 < len(messages) {
				for _, tr := range messages[i+1].ToolResults {
					resultsByID[tr.ToolCallID] = true
				}
			}
			for _, tc := range m.ToolCalls {
				if !resultsByID[tc.ID] {
					unpaired = append(unpaired, tc.ID)
				}
			}
		}
		if len(m.ToolResults) > 0 {
			callsByID := make(map[string]bool)
			if i > 0 {
				for _, tc := range messages[i-1].ToolCalls {
					callsByID[tc.ID] = true
				}
			}
			for _, tr := range m.ToolResults {
				if !callsByID[tr.ToolCallID] {
					unpaired = append(unpaired, tr.ToolCallID)
				}
			}
		}
	}
	return unpaired
}

// SafeTrimIndex finds the largest prefix length k such that no ToolUse in
// messages[0:k] has its matching ToolResult only in messages[k:] — i.e. the
// largest trim boundary that does not split a tool_use/tool_result pair.
// This backs ConversationStore.trim's invariant I3 (no orphans after
// trimming).
func SafeTrimIndex(messages []Message, want int) int {
	if want >= len(messages) {
		return len(messages)
	}
	if want < 0 {
		want = 0
	}

	for k := want; k >= 0; k-- {
		if trimBoundaryIsSafe(messages, k) {
			return k
		}
	}
	return 0
}

func trimBoundaryIsSafe(messages []Message, k int) bool {
	pendingIDs := make(map[string]bool)
	for _, m := range messages[:k] {
		if m.Role != RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			pendingIDs[tc.ID] = true
		}
	}
	if len(pendingIDs) == 0 {
		return true
	}
	for _, m := range messages[:k] {
		for _, tr := range m.ToolResults {
			delete(pendingIDs, tr.ToolCallID)
		}
	}
	return len(pendingIDs) == 0
}
