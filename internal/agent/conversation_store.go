package agent

import (
	"sort"
	"sync"

	"github.com/haasonsaas/agentloop/pkg/models"
)

// DefaultConversationWindow is the default message-count trim target used by
// ConversationStore.Trim when a caller does not specify one.
const DefaultConversationWindow = 40

// PriorityFunc assigns a retention priority to a message for Trim's reduction
// plan. Higher values are kept longer. ContextBudget's tiered priority
// scheme (Critical/High/Medium/Normal/Low) is the canonical PriorityFunc;
// callers may supply their own for testing or bespoke retention policies.
type PriorityFunc func(index int, msg models.Message, total int) int

// ConversationStore holds a single run's message log in memory. Per spec.md
// §6 ("Persisted state: None in the core"), durability is the embedding
// host's responsibility — this type never touches disk or a database. It is
// the sole mutation point for a run's history; the EventLoop is the only
// caller and never mutates concurrently with itself (spec.md §5: no
// concurrent execute() on the same Agent), but the mutex is kept because
// read accessors (History(), SnapshotForProvider()) may be called from a
// concurrently-running CallbackHandler.
type ConversationStore struct {
	mu       sync.RWMutex
	messages []models.Message
}

// NewConversationStore creates an empty store, optionally seeded with a
// system prompt message.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{messages: make([]models.Message, 0, 16)}
}

// Append adds a message to the end of the log.
func (s *ConversationStore) Append(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, cloneMessage(msg))
}

// AppendAll adds several messages atomically, in order. Used to append a full
// cycle's tool_use/tool_result pair in one mutation so a concurrent reader
// never observes a half-appended pair.
func (s *ConversationStore) AppendAll(msgs ...models.Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.messages = append(s.messages, cloneMessage(m))
	}
}

// SnapshotForProvider returns a defensive copy of the full log in the shape a
// ProviderAdapter expects: chronological order, as currently retained.
func (s *ConversationStore) SnapshotForProvider() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = cloneMessage(m)
	}
	return out
}

// Len returns the current number of messages.
func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Trim reduces the log to at most targetCount messages (or, if priority is
// given, applies its tiered reduction plan) without ever violating invariant
// I3 — no ToolUse block in the retained prefix may be left without its
// matching ToolResult. The System prompt, when present at index 0, is
// removed only as a last resort, after every other message has already been
// dropped.
func (s *ConversationStore) Trim(targetCount int, priority PriorityFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) <= targetCount {
		return
	}

	if priority == nil {
		s.trimByWindow(targetCount)
		return
	}
	s.trimByPriority(targetCount, priority)
}

// trimByWindow keeps the most recent targetCount messages, expanded backward
// to the nearest safe boundary so no tool pair is split.
func (s *ConversationStore) trimByWindow(targetCount int) {
	total := len(s.messages)
	dropFrom := total - targetCount
	if dropFrom <= 0 {
		return
	}

	hasSystem := total > 0 && s.messages[0].Role == models.RoleSystem
	systemMsg := models.Message{}
	if hasSystem {
		systemMsg = s.messages[0]
	}

	kept := s.safeSuffixFrom(dropFrom)
	result := make([]models.Message, 0, len(kept)+1)
	if hasSystem {
		result = append(result, systemMsg)
	}
	result = append(result, kept...)
	s.messages = result
}

// safeSuffixFrom returns messages[from:] expanded backward, if necessary, so
// that no retained ToolUse block loses its ToolResult (I3). It never expands
// past index 0 of the non-system portion.
func (s *ConversationStore) safeSuffixFrom(from int) []models.Message {
	floor := 0
	if len(s.messages) > 0 && s.messages[0].Role == models.RoleSystem {
		floor = 1
	}
	if from < floor {
		from = floor
	}

	for from > floor {
		candidate := s.messages[from:]
		if len(models.CheckToolPairing(candidate)) == 0 {
			break
		}
		from--
	}
	out := make([]models.Message, len(s.messages)-from)
	copy(out, s.messages[from:])
	return out
}

// trimByPriority removes whole messages in ascending priority order (lowest
// tier first, oldest-first among ties) until at most targetCount remain,
// re-checking I3 after every removal and skipping any removal that would
// orphan a ToolUse — such a message is promoted to survive alongside its
// pair, per spec.md §4.5's "companion-message promotion."
func (s *ConversationStore) trimByPriority(targetCount int, priority PriorityFunc) {
	total := len(s.messages)
	type scored struct {
		idx  int
		tier int
	}
	scores := make([]scored, total)
	for i, m := range s.messages {
		scores[i] = scored{idx: i, tier: priority(i, m, total)}
	}

	keep := make(map[int]bool, total)
	for i := range s.messages {
		keep[i] = true
	}

	// Sort candidate removal order: ascending tier, then oldest-first.
	order := make([]int, total)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if scores[a].tier != scores[b].tier {
			return scores[a].tier < scores[b].tier
		}
		return a < b
	})

	remaining := total
	for _, idx := range order {
		if remaining <= targetCount {
			break
		}
		if !keep[idx] {
			continue
		}
		keep[idx] = false
		filtered := s.filteredMessages(keep)
		if len(models.CheckToolPairing(filtered)) != 0 {
			// Removing this message orphans a ToolUse; keep it (promotion).
			keep[idx] = true
			continue
		}
		remaining--
	}

	s.messages = s.filteredMessages(keep)
}

func (s *ConversationStore) filteredMessages(keep map[int]bool) []models.Message {
	out := make([]models.Message, 0, len(s.messages))
	for i, m := range s.messages {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}

// cloneMessage performs a shallow-but-safe copy: slices and maps are
// re-sliced/re-keyed so later mutation of the caller's copy cannot alias
// into the store, matching the deep-clone-on-write discipline of the
// store's in-memory predecessor.
func cloneMessage(m models.Message) models.Message {
	clone := m
	if m.Attachments != nil {
		clone.Attachments = append([]models.Attachment(nil), m.Attachments...)
	}
	if m.ToolCalls != nil {
		clone.ToolCalls = append([]models.ToolCall(nil), m.ToolCalls...)
	}
	if m.ToolResults != nil {
		clone.ToolResults = append([]models.ToolResult(nil), m.ToolResults...)
	}
	if m.Metadata != nil {
		md := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		clone.Metadata = md
	}
	return clone
}
