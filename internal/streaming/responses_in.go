package streaming

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// ResponsesToChat converts an OpenAI Responses event stream into chat
// completion chunks.
type ResponsesToChat struct {
	provider string

	id      string
	model   string
	created int64

	roleSent bool
	// itemCalls maps a function_call item id to its chat tool_calls index.
	itemCalls map[string]int

	finishSent bool
	doneSent   bool
	failSent   bool
	usage      *types.Usage
}

// NewResponsesToChat creates the converter.
func NewResponsesToChat(provider, model string) *ResponsesToChat {
	return &ResponsesToChat{
		provider:  provider,
		id:        "chatcmpl-" + uuid.NewString(),
		model:     model,
		created:   time.Now().Unix(),
		itemCalls: make(map[string]int),
	}
}

// Convert implements Converter.
func (c *ResponsesToChat) Convert(ev Event) ([]Event, error) {
	var event types.ResponsesStreamEvent
	if err := json.Unmarshal(ev.Data, &event); err != nil {
		return nil, proxyerrors.NewProtocolDriftError("responses_stream_parse",
			"upstream responses event is not valid JSON: "+err.Error())
	}
	if event.Type == "" {
		event.Type = ev.Name
	}

	switch event.Type {
	case types.ResponsesEventCreated:
		if event.Response != nil && event.Response.Model != "" {
			c.model = event.Response.Model
		}
		return c.role(), nil

	case types.ResponsesEventOutputItem:
		if event.Item == nil || event.Item.Type != "function_call" {
			return nil, nil
		}
		callIndex := len(c.itemCalls)
		c.itemCalls[event.Item.ID] = callIndex

		callID := event.Item.CallID
		if callID == "" {
			callID = event.Item.ID
		}
		out := c.role()
		out = append(out, c.chunk(types.StreamDelta{
			ToolCalls: []types.ToolCall{{
				ID:    callID,
				Type:  "function",
				Index: &callIndex,
				Function: types.ToolCallFunction{
					Name:      event.Item.Name,
					Arguments: event.Item.Arguments,
				},
			}},
		}))
		return out, nil

	case types.ResponsesEventOutputText:
		out := c.role()
		out = append(out, c.chunk(types.StreamDelta{Content: event.Delta}))
		return out, nil

	case types.ResponsesEventFunctionArgs:
		callIndex, ok := c.itemCalls[event.ItemID]
		if !ok {
			return nil, nil
		}
		return []Event{c.chunk(types.StreamDelta{
			ToolCalls: []types.ToolCall{{
				Type:  "function",
				Index: &callIndex,
				Function: types.ToolCallFunction{
					Arguments: event.Delta,
				},
			}},
		})}, nil

	case types.ResponsesEventCompleted:
		if event.Response != nil && event.Response.Usage != nil {
			c.usage = &types.Usage{
				PromptTokens:     event.Response.Usage.InputTokens,
				CompletionTokens: event.Response.Usage.OutputTokens,
				TotalTokens:      event.Response.Usage.TotalTokens,
			}
			if c.usage.TotalTokens == 0 {
				c.usage.TotalTokens = c.usage.PromptTokens + c.usage.CompletionTokens
			}
		}
		return c.terminal(), nil

	case types.ResponsesEventFailed:
		return nil, proxyerrors.NewStreamAbortError(c.provider, c.model, "upstream response failed")
	}

	return nil, nil
}

// Fail implements Converter.
func (c *ResponsesToChat) Fail(perr *proxyerrors.ProxyError) []Event {
	if c.failSent {
		return nil
	}
	c.failSent = true
	return []Event{chatErrorEvent(perr)}
}

// Finish implements Converter.
func (c *ResponsesToChat) Finish() []Event {
	return c.terminal()
}

func (c *ResponsesToChat) role() []Event {
	if c.roleSent {
		return nil
	}
	c.roleSent = true
	return []Event{c.chunk(types.StreamDelta{Role: "assistant"})}
}

func (c *ResponsesToChat) terminal() []Event {
	var out []Event
	if !c.finishSent {
		c.finishSent = true
		finish := "stop"
		if len(c.itemCalls) > 0 {
			finish = "tool_calls"
		}
		out = append(out, marshalChunk(&types.StreamChunk{
			ID:      c.id,
			Object:  "chat.completion.chunk",
			Created: c.created,
			Model:   c.model,
			Choices: []types.StreamChoice{{FinishReason: finish}},
			Usage:   c.usage,
		}))
	}
	if !c.doneSent {
		c.doneSent = true
		out = append(out, DoneEvent())
	}
	return out
}

func (c *ResponsesToChat) chunk(delta types.StreamDelta) Event {
	return marshalChunk(&types.StreamChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []types.StreamChoice{{Delta: delta}},
	})
}
