package agent

import (
	"github.com/haasonsaas/agentloop/pkg/models"
)

// StreamEventKind discriminates a normalized StreamEvent, per spec.md §4.6's
// `MessageStart | BlockStart | TextDelta | ThinkingDelta | ToolUseStart |
// ToolUseDelta | BlockStop | UsageUpdate | Error | Done` alphabet.
type StreamEventKind string

const (
	StreamMessageStart  StreamEventKind = "message_start"
	StreamBlockStart    StreamEventKind = "block_start"
	StreamTextDelta     StreamEventKind = "text_delta"
	StreamThinkingDelta StreamEventKind = "thinking_delta"
	StreamToolUseStart  StreamEventKind = "tool_use_start"
	StreamToolUseDelta  StreamEventKind = "tool_use_delta"
	StreamBlockStop     StreamEventKind = "block_stop"
	StreamUsageUpdate   StreamEventKind = "usage_update"
	StreamError         StreamEventKind = "error"
	StreamDone          StreamEventKind = "done"
)

// BlockKind identifies the ContentBlock type a BlockStart/BlockStop refers to.
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockThinking BlockKind = "thinking"
	BlockToolUse  BlockKind = "tool_use"
)

// StreamEvent is one normalized event out of DecodeChunks, addressed to a
// content-block Index within the in-progress Assistant message draft.
type StreamEvent struct {
	Kind  StreamEventKind
	Index int

	// TextDelta / ThinkingDelta
	Delta string

	// BlockStart
	BlockKind BlockKind

	// ToolUseStart
	ToolCallID string
	ToolName   string

	// ToolUseDelta carries the complete tool call once decoded — the
	// provider adapters in this codebase hand back a fully-formed ToolCall
	// per chunk rather than incremental JSON fragments, so ToolUseStart and
	// ToolUseDelta for a given block fire back-to-back and BlockStop follows
	// immediately, instead of spanning many chunks the way a raw
	// provider-wire decoder would see them.
	ToolCall *models.ToolCall

	// UsageUpdate
	InputTokens  int
	OutputTokens int

	// Error / Done
	Err        error
	StopReason StopReason
}

// StopReason classifies why the provider stopped generating, per spec.md
// §4.1's ToolSelection transition ("stop_reason ∈ {EndTurn, StopSequence,
// MaxTokens, ContentFiltered}").
type StopReason string

const (
	StopEndTurn        StopReason = "end_turn"
	StopToolUse        StopReason = "tool_use"
	StopStopSequence   StopReason = "stop_sequence"
	StopMaxTokens      StopReason = "max_tokens"
	StopContentFilter  StopReason = "content_filtered"
	StopError          StopReason = "error"
)

// HasToolUse reports whether a terminal stop_reason still allows the
// EventLoop to treat the cycle as having produced tool calls.
func (s StopReason) impliesNoToolUse() bool {
	switch s {
	case StopEndTurn, StopStopSequence, StopMaxTokens, StopContentFilter:
		return true
	default:
		return false
	}
}

// StreamDecoder consumes a provider's CompletionChunk stream and emits the
// normalized StreamEvent sequence the Reasoning phase forwards to the
// CallbackDispatcher, tracking per-index block state so BlockStart/BlockStop
// bracket every emitted block exactly once (spec.md §4.6 guarantee (a)).
type StreamDecoder struct {
	nextIndex     int
	textIndex     int
	textOpen      bool
	thinkingIndex int
	thinkingOpen  bool
	toolIndex     map[string]int // tool_use_id -> assigned block index
	done          bool
	sawToolUse    bool
}

// NewStreamDecoder creates a decoder with fresh block-tracking state.
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{toolIndex: make(map[string]int)}
}

// DecodeChunks reads chunks until the channel closes or a chunk carries
// Done/Error, translating each into zero or more StreamEvents. The returned
// channel is closed after a Done or Error event is emitted, or when chunks
// closes without either (synthesizing a Done{EndTurn} so callers always see
// a terminal event).
func (d *StreamDecoder) DecodeChunks(chunks <-chan *CompletionChunk) <-chan StreamEvent {
	out := make(chan StreamEvent, 8)
	go func() {
		defer close(out)
		emittedMessageStart := false
		for chunk := range chunks {
			if !emittedMessageStart {
				out <- StreamEvent{Kind: StreamMessageStart}
				emittedMessageStart = true
			}
			if d.done {
				continue
			}
			for _, ev := range d.translate(chunk) {
				out <- ev
				if ev.Kind == StreamError || ev.Kind == StreamDone {
					d.done = true
				}
			}
		}
		if !d.done {
			for _, ev := range d.closeOpenBlocks() {
				out <- ev
			}
			out <- StreamEvent{Kind: StreamDone, StopReason: d.resolveStopReason()}
		}
	}()
	return out
}

func (d *StreamDecoder) resolveStopReason() StopReason {
	if d.sawToolUse {
		return StopToolUse
	}
	return StopEndTurn
}

// translate converts a single CompletionChunk into the StreamEvents it implies.
func (d *StreamDecoder) translate(chunk *CompletionChunk) []StreamEvent {
	var events []StreamEvent

	if chunk.Error != nil {
		events = append(events, d.closeOpenBlocks()...)
		events = append(events, StreamEvent{Kind: StreamError, Err: chunk.Error, StopReason: StopError})
		return events
	}

	if chunk.ThinkingStart && !d.thinkingOpen {
		d.thinkingIndex = d.allocBlock()
		d.thinkingOpen = true
		events = append(events, StreamEvent{Kind: StreamBlockStart, Index: d.thinkingIndex, BlockKind: BlockThinking})
	}
	if chunk.Thinking != "" {
		if !d.thinkingOpen {
			d.thinkingIndex = d.allocBlock()
			d.thinkingOpen = true
			events = append(events, StreamEvent{Kind: StreamBlockStart, Index: d.thinkingIndex, BlockKind: BlockThinking})
		}
		events = append(events, StreamEvent{Kind: StreamThinkingDelta, Index: d.thinkingIndex, Delta: chunk.Thinking})
	}
	if chunk.ThinkingEnd && d.thinkingOpen {
		events = append(events, StreamEvent{Kind: StreamBlockStop, Index: d.thinkingIndex})
		d.thinkingOpen = false
	}

	if chunk.Text != "" {
		if !d.textOpen {
			d.textIndex = d.allocBlock()
			d.textOpen = true
			events = append(events, StreamEvent{Kind: StreamBlockStart, Index: d.textIndex, BlockKind: BlockText})
		}
		events = append(events, StreamEvent{Kind: StreamTextDelta, Index: d.textIndex, Delta: chunk.Text})
	}

	if chunk.ToolCall != nil {
		d.sawToolUse = true
		idx := d.allocBlock()
		d.toolIndex[chunk.ToolCall.ID] = idx
		events = append(events,
			StreamEvent{Kind: StreamBlockStart, Index: idx, BlockKind: BlockToolUse},
			StreamEvent{Kind: StreamToolUseStart, Index: idx, ToolCallID: chunk.ToolCall.ID, ToolName: chunk.ToolCall.Name},
			StreamEvent{Kind: StreamToolUseDelta, Index: idx, ToolCall: chunk.ToolCall},
			StreamEvent{Kind: StreamBlockStop, Index: idx},
		)
	}

	if chunk.InputTokens > 0 || chunk.OutputTokens > 0 {
		events = append(events, StreamEvent{Kind: StreamUsageUpdate, InputTokens: chunk.InputTokens, OutputTokens: chunk.OutputTokens})
	}

	if chunk.Done {
		events = append(events, d.closeOpenBlocks()...)
		events = append(events, StreamEvent{Kind: StreamDone, StopReason: d.resolveStopReason()})
	}

	return events
}

// allocBlock returns the next unused block index.
func (d *StreamDecoder) allocBlock() int {
	idx := d.nextIndex
	d.nextIndex++
	return idx
}

// closeOpenBlocks returns BlockStop events for any block left open when the
// stream ends, satisfying guarantee (a) even on an abrupt Done/Error.
func (d *StreamDecoder) closeOpenBlocks() []StreamEvent {
	var events []StreamEvent
	if d.textOpen {
		events = append(events, StreamEvent{Kind: StreamBlockStop, Index: d.textIndex})
		d.textOpen = false
	}
	if d.thinkingOpen {
		events = append(events, StreamEvent{Kind: StreamBlockStop, Index: d.thinkingIndex})
		d.thinkingOpen = false
	}
	return events
}
