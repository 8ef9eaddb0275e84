package streaming

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// AnthropicToChat converts an Anthropic message event stream into OpenAI
// chat completion chunks.
type AnthropicToChat struct {
	provider string

	id      string
	model   string
	created int64

	// blockTools maps an Anthropic content block index to the chat
	// tool_calls index it occupies.
	blockTools map[int]int

	finishSent bool
	doneSent   bool
	failSent   bool

	finishReason string
	usage        *types.Usage
}

// NewAnthropicToChat creates the converter. The model names the chunks when
// the upstream omits it.
func NewAnthropicToChat(provider, model string) *AnthropicToChat {
	return &AnthropicToChat{
		provider:   provider,
		id:         "chatcmpl-" + uuid.NewString(),
		model:      model,
		created:    time.Now().Unix(),
		blockTools: make(map[int]int),
	}
}

// Convert implements Converter.
func (c *AnthropicToChat) Convert(ev Event) ([]Event, error) {
	var event types.AnthropicStreamEvent
	if err := json.Unmarshal(ev.Data, &event); err != nil {
		return nil, proxyerrors.NewProtocolDriftError("anthropic_stream_parse",
			"upstream message event is not valid JSON: "+err.Error())
	}
	if event.Type == "" {
		event.Type = ev.Name
	}

	switch event.Type {
	case types.AnthropicEventPing:
		return nil, nil

	case types.AnthropicEventError:
		message := "upstream stream error"
		if event.Error != nil {
			message = event.Error.Message
		}
		return nil, proxyerrors.NewStreamAbortError(c.provider, c.model, message)

	case types.AnthropicEventMessageStart:
		if event.Message != nil {
			if event.Message.ID != "" {
				c.id = event.Message.ID
			}
			if event.Message.Model != "" {
				c.model = event.Message.Model
			}
			if event.Message.Usage != nil {
				c.usage = &types.Usage{PromptTokens: event.Message.Usage.InputTokens}
			}
		}
		return []Event{c.chunk(types.StreamDelta{Role: "assistant"}, "")}, nil

	case types.AnthropicEventContentBlockStart:
		if event.ContentBlock == nil || event.ContentBlock.Type != "tool_use" {
			return nil, nil
		}
		callIndex := len(c.blockTools)
		c.blockTools[event.Index] = callIndex
		return []Event{c.chunk(types.StreamDelta{
			ToolCalls: []types.ToolCall{{
				ID:    event.ContentBlock.ID,
				Type:  "function",
				Index: &callIndex,
				Function: types.ToolCallFunction{
					Name: event.ContentBlock.Name,
				},
			}},
		}, "")}, nil

	case types.AnthropicEventContentBlockDelta:
		if event.Delta == nil {
			return nil, nil
		}
		switch event.Delta.Type {
		case "text_delta":
			return []Event{c.chunk(types.StreamDelta{Content: event.Delta.Text}, "")}, nil
		case "input_json_delta":
			callIndex, ok := c.blockTools[event.Index]
			if !ok {
				return nil, nil
			}
			return []Event{c.chunk(types.StreamDelta{
				ToolCalls: []types.ToolCall{{
					Type:  "function",
					Index: &callIndex,
					Function: types.ToolCallFunction{
						Arguments: event.Delta.PartialJSON,
					},
				}},
			}, "")}, nil
		}
		return nil, nil

	case types.AnthropicEventMessageDelta:
		if event.Delta != nil && event.Delta.StopReason != "" {
			c.finishReason = types.MapStopToFinishReason(event.Delta.StopReason)
		}
		if event.Usage != nil {
			if c.usage == nil {
				c.usage = &types.Usage{}
			}
			c.usage.CompletionTokens = event.Usage.OutputTokens
			c.usage.TotalTokens = c.usage.PromptTokens + c.usage.CompletionTokens
		}
		return nil, nil

	case types.AnthropicEventMessageStop:
		return c.terminal(), nil
	}

	return nil, nil
}

// Fail implements Converter.
func (c *AnthropicToChat) Fail(perr *proxyerrors.ProxyError) []Event {
	if c.failSent {
		return nil
	}
	c.failSent = true
	return []Event{chatErrorEvent(perr)}
}

// Finish implements Converter.
func (c *AnthropicToChat) Finish() []Event {
	return c.terminal()
}

func (c *AnthropicToChat) terminal() []Event {
	var out []Event
	if !c.finishSent {
		c.finishSent = true
		finish := c.finishReason
		if finish == "" {
			finish = "stop"
		}
		out = append(out, c.finishChunk(finish))
	}
	if !c.doneSent {
		c.doneSent = true
		out = append(out, DoneEvent())
	}
	return out
}

func (c *AnthropicToChat) chunk(delta types.StreamDelta, finish string) Event {
	return marshalChunk(&types.StreamChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []types.StreamChoice{{Delta: delta, FinishReason: finish}},
	})
}

func (c *AnthropicToChat) finishChunk(finish string) Event {
	return marshalChunk(&types.StreamChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []types.StreamChoice{{FinishReason: finish}},
		Usage:   c.usage,
	})
}

func marshalChunk(chunk *types.StreamChunk) Event {
	data, _ := json.Marshal(chunk)
	return Event{Data: data}
}
