package streaming

import (
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// jsonDeltaCoalesceWindow bounds how long tool argument fragments are
// buffered before an input_json_delta is emitted.
const jsonDeltaCoalesceWindow = time.Second

// ChatToAnthropic converts an OpenAI chat completion stream into Anthropic
// message events. Text and each tool call get their own content block;
// message_stop is emitted exactly once.
type ChatToAnthropic struct {
	now func() time.Time

	started bool
	stopped bool

	messageID string
	model     string

	nextBlock int
	textBlock int // anthropic block index, -1 when closed
	tools     map[int]*toolBlockState

	finishReason string
	usage        *types.Usage
}

type toolBlockState struct {
	blockIndex int
	open       bool
	pending    []byte
	lastFlush  time.Time
}

// NewChatToAnthropic creates the converter.
func NewChatToAnthropic() *ChatToAnthropic {
	return &ChatToAnthropic{
		now:       time.Now,
		textBlock: -1,
		tools:     make(map[int]*toolBlockState),
	}
}

// Convert implements Converter.
func (c *ChatToAnthropic) Convert(ev Event) ([]Event, error) {
	if ev.IsDone() {
		return c.terminal(), nil
	}

	var chunk types.StreamChunk
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return nil, proxyerrors.NewProtocolDriftError("chat_stream_parse",
			"upstream stream chunk is not valid JSON: "+err.Error())
	}

	var out []Event

	if !c.started {
		c.started = true
		c.messageID = chunk.ID
		if c.messageID == "" {
			c.messageID = "msg_" + uuid.NewString()
		}
		c.model = chunk.Model
		out = append(out, anthropicEvent(types.AnthropicEventMessageStart, &types.AnthropicStreamEvent{
			Type: types.AnthropicEventMessageStart,
			Message: &types.MessagesResponse{
				ID:      c.messageID,
				Type:    "message",
				Role:    "assistant",
				Model:   c.model,
				Content: []types.ContentBlock{},
				Usage:   &types.AnthropicUsage{},
			},
		}))
	}

	if chunk.Usage != nil {
		c.usage = chunk.Usage
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			out = append(out, c.textDelta(choice.Delta.Content)...)
		}
		for _, call := range choice.Delta.ToolCalls {
			out = append(out, c.toolDelta(call)...)
		}
		if choice.FinishReason != "" {
			c.finishReason = choice.FinishReason
		}
	}

	return out, nil
}

// Fail implements Converter. The error event ends the message stream, so no
// message_stop follows it.
func (c *ChatToAnthropic) Fail(perr *proxyerrors.ProxyError) []Event {
	if c.stopped {
		return nil
	}
	c.stopped = true
	return []Event{anthropicErrorEvent(perr)}
}

// Finish implements Converter.
func (c *ChatToAnthropic) Finish() []Event {
	return c.terminal()
}

func (c *ChatToAnthropic) textDelta(text string) []Event {
	var out []Event
	if c.textBlock < 0 {
		c.textBlock = c.nextBlock
		c.nextBlock++
		out = append(out, anthropicEvent(types.AnthropicEventContentBlockStart, &types.AnthropicStreamEvent{
			Type:         types.AnthropicEventContentBlockStart,
			Index:        c.textBlock,
			ContentBlock: &types.ContentBlock{Type: "text"},
		}))
	}
	out = append(out, anthropicEvent(types.AnthropicEventContentBlockDelta, &types.AnthropicStreamEvent{
		Type:  types.AnthropicEventContentBlockDelta,
		Index: c.textBlock,
		Delta: &types.AnthropicEventDelta{Type: "text_delta", Text: text},
	}))
	return out
}

func (c *ChatToAnthropic) toolDelta(call types.ToolCall) []Event {
	key := 0
	if call.Index != nil {
		key = *call.Index
	}

	var out []Event
	state, ok := c.tools[key]
	if !ok {
		// A tool call closes the running text block.
		out = append(out, c.closeTextBlock()...)

		state = &toolBlockState{
			blockIndex: c.nextBlock,
			open:       true,
			lastFlush:  c.now(),
		}
		c.nextBlock++
		c.tools[key] = state

		id := call.ID
		if id == "" {
			id = "toolu_" + uuid.NewString()
		}
		out = append(out, anthropicEvent(types.AnthropicEventContentBlockStart, &types.AnthropicStreamEvent{
			Type:  types.AnthropicEventContentBlockStart,
			Index: state.blockIndex,
			ContentBlock: &types.ContentBlock{
				Type:  "tool_use",
				ID:    id,
				Name:  call.Function.Name,
				Input: json.RawMessage(`{}`),
			},
		}))
	}

	if call.Function.Arguments != "" {
		state.pending = append(state.pending, call.Function.Arguments...)
	}
	if len(state.pending) > 0 && c.now().Sub(state.lastFlush) >= jsonDeltaCoalesceWindow {
		out = append(out, c.flushTool(state)...)
	}
	return out
}

func (c *ChatToAnthropic) flushTool(state *toolBlockState) []Event {
	if len(state.pending) == 0 {
		return nil
	}
	ev := anthropicEvent(types.AnthropicEventContentBlockDelta, &types.AnthropicStreamEvent{
		Type:  types.AnthropicEventContentBlockDelta,
		Index: state.blockIndex,
		Delta: &types.AnthropicEventDelta{Type: "input_json_delta", PartialJSON: string(state.pending)},
	})
	state.pending = nil
	state.lastFlush = c.now()
	return []Event{ev}
}

func (c *ChatToAnthropic) closeTextBlock() []Event {
	if c.textBlock < 0 {
		return nil
	}
	ev := anthropicEvent(types.AnthropicEventContentBlockStop, &types.AnthropicStreamEvent{
		Type:  types.AnthropicEventContentBlockStop,
		Index: c.textBlock,
	})
	c.textBlock = -1
	return []Event{ev}
}

// terminal closes all open blocks and emits message_delta plus message_stop.
// Calling it again is a no-op.
func (c *ChatToAnthropic) terminal() []Event {
	if c.stopped {
		return nil
	}
	c.stopped = true

	var out []Event
	if !c.started {
		// Nothing arrived; still produce a shaped, empty message.
		c.messageID = "msg_" + uuid.NewString()
		out = append(out, anthropicEvent(types.AnthropicEventMessageStart, &types.AnthropicStreamEvent{
			Type: types.AnthropicEventMessageStart,
			Message: &types.MessagesResponse{
				ID:      c.messageID,
				Type:    "message",
				Role:    "assistant",
				Content: []types.ContentBlock{},
				Usage:   &types.AnthropicUsage{},
			},
		}))
	}

	out = append(out, c.closeTextBlock()...)

	keys := make([]int, 0, len(c.tools))
	for k := range c.tools {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		state := c.tools[k]
		out = append(out, c.flushTool(state)...)
		if state.open {
			state.open = false
			out = append(out, anthropicEvent(types.AnthropicEventContentBlockStop, &types.AnthropicStreamEvent{
				Type:  types.AnthropicEventContentBlockStop,
				Index: state.blockIndex,
			}))
		}
	}

	usage := &types.AnthropicUsage{}
	if c.usage != nil {
		usage.InputTokens = c.usage.PromptTokens
		usage.OutputTokens = c.usage.CompletionTokens
	}
	out = append(out, anthropicEvent(types.AnthropicEventMessageDelta, &types.AnthropicStreamEvent{
		Type: types.AnthropicEventMessageDelta,
		Delta: &types.AnthropicEventDelta{
			StopReason: types.MapFinishToStopReason(c.finishReason),
		},
		Usage: usage,
	}))
	out = append(out, anthropicEvent(types.AnthropicEventMessageStop, &types.AnthropicStreamEvent{
		Type: types.AnthropicEventMessageStop,
	}))
	return out
}

func anthropicEvent(name string, payload *types.AnthropicStreamEvent) Event {
	data, _ := json.Marshal(payload)
	return Event{Name: name, Data: data}
}
