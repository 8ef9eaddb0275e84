package streaming

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// ChatToResponses converts an OpenAI chat completion stream into Responses
// API events. The full output is accumulated so response.completed carries
// the assembled items.
type ChatToResponses struct {
	responseID string
	model      string
	created    int64

	started  bool
	finished bool

	messageItemID string
	messageOpen   bool
	text          strings.Builder

	// order preserves tool call emission order by chat tool_calls index.
	order []int
	calls map[int]*responsesCallState

	finishReason string
	usage        *types.Usage
}

type responsesCallState struct {
	itemID string
	callID string
	name   string
	args   strings.Builder
}

// NewChatToResponses creates the converter.
func NewChatToResponses(model string) *ChatToResponses {
	return &ChatToResponses{
		responseID: "resp_" + uuid.NewString(),
		model:      model,
		created:    time.Now().Unix(),
		calls:      make(map[int]*responsesCallState),
	}
}

// Convert implements Converter.
func (c *ChatToResponses) Convert(ev Event) ([]Event, error) {
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
		if chunk.Model != "" {
			c.model = chunk.Model
		}
		out = append(out, responsesEvent(types.ResponsesEventCreated, &types.ResponsesStreamEvent{
			Type:     types.ResponsesEventCreated,
			Response: c.response("in_progress", nil),
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
			out = append(out, c.callDelta(call)...)
		}
		if choice.FinishReason != "" {
			c.finishReason = choice.FinishReason
		}
	}

	return out, nil
}

// Fail implements Converter. response.failed is terminal, so Finish emits
// nothing afterwards.
func (c *ChatToResponses) Fail(perr *proxyerrors.ProxyError) []Event {
	if c.finished {
		return nil
	}
	c.finished = true
	resp := c.response("failed", nil)
	resp.Output = c.outputItems("incomplete")
	return []Event{responsesEvent(types.ResponsesEventFailed, &types.ResponsesStreamEvent{
		Type:     types.ResponsesEventFailed,
		Response: resp,
	})}
}

// Finish implements Converter.
func (c *ChatToResponses) Finish() []Event {
	return c.terminal()
}

func (c *ChatToResponses) textDelta(text string) []Event {
	var out []Event
	if !c.messageOpen {
		c.messageOpen = true
		c.messageItemID = "msg_" + uuid.NewString()
		out = append(out, responsesEvent(types.ResponsesEventOutputItem, &types.ResponsesStreamEvent{
			Type: types.ResponsesEventOutputItem,
			Item: &types.ResponsesItem{
				Type:   "message",
				ID:     c.messageItemID,
				Role:   "assistant",
				Status: "in_progress",
			},
		}))
	}
	c.text.WriteString(text)
	out = append(out, responsesEvent(types.ResponsesEventOutputText, &types.ResponsesStreamEvent{
		Type:   types.ResponsesEventOutputText,
		ItemID: c.messageItemID,
		Delta:  text,
	}))
	return out
}

func (c *ChatToResponses) callDelta(call types.ToolCall) []Event {
	key := 0
	if call.Index != nil {
		key = *call.Index
	}

	var out []Event
	state, ok := c.calls[key]
	if !ok {
		callID := call.ID
		if callID == "" {
			callID = "call_" + uuid.NewString()
		}
		state = &responsesCallState{
			itemID: "fc_" + uuid.NewString(),
			callID: callID,
			name:   call.Function.Name,
		}
		c.calls[key] = state
		c.order = append(c.order, key)

		out = append(out, responsesEvent(types.ResponsesEventOutputItem, &types.ResponsesStreamEvent{
			Type: types.ResponsesEventOutputItem,
			Item: &types.ResponsesItem{
				Type:   "function_call",
				ID:     state.itemID,
				CallID: state.callID,
				Name:   state.name,
				Status: "in_progress",
			},
		}))
	}
	if state.name == "" && call.Function.Name != "" {
		state.name = call.Function.Name
	}

	if call.Function.Arguments != "" {
		state.args.WriteString(call.Function.Arguments)
		out = append(out, responsesEvent(types.ResponsesEventFunctionArgs, &types.ResponsesStreamEvent{
			Type:   types.ResponsesEventFunctionArgs,
			ItemID: state.itemID,
			Delta:  call.Function.Arguments,
		}))
	}
	return out
}

func (c *ChatToResponses) terminal() []Event {
	if c.finished {
		return nil
	}
	c.finished = true

	var out []Event
	for _, item := range c.outputItems("completed") {
		item := item
		out = append(out, responsesEvent(types.ResponsesEventOutputItemEnd, &types.ResponsesStreamEvent{
			Type: types.ResponsesEventOutputItemEnd,
			Item: &item,
		}))
	}

	status := "completed"
	if c.finishReason == "length" {
		status = "incomplete"
	}
	var usage *types.ResponsesUsage
	if c.usage != nil {
		usage = &types.ResponsesUsage{
			InputTokens:  c.usage.PromptTokens,
			OutputTokens: c.usage.CompletionTokens,
			TotalTokens:  c.usage.TotalTokens,
		}
	}
	resp := c.response(status, usage)
	resp.Output = c.outputItems("completed")
	out = append(out, responsesEvent(types.ResponsesEventCompleted, &types.ResponsesStreamEvent{
		Type:     types.ResponsesEventCompleted,
		Response: resp,
	}))
	return out
}

func (c *ChatToResponses) response(status string, usage *types.ResponsesUsage) *types.ResponsesResponse {
	return &types.ResponsesResponse{
		ID:        c.responseID,
		Object:    "response",
		CreatedAt: c.created,
		Status:    status,
		Model:     c.model,
		Usage:     usage,
	}
}

func (c *ChatToResponses) outputItems(status string) []types.ResponsesItem {
	var items []types.ResponsesItem
	if c.messageOpen {
		content, _ := json.Marshal([]map[string]string{{
			"type": "output_text",
			"text": c.text.String(),
		}})
		items = append(items, types.ResponsesItem{
			Type:    "message",
			ID:      c.messageItemID,
			Role:    "assistant",
			Status:  status,
			Content: content,
		})
	}
	for _, key := range c.order {
		state := c.calls[key]
		items = append(items, types.ResponsesItem{
			Type:      "function_call",
			ID:        state.itemID,
			CallID:    state.callID,
			Name:      state.name,
			Arguments: state.args.String(),
			Status:    status,
		})
	}
	return items
}

func responsesEvent(name string, payload *types.ResponsesStreamEvent) Event {
	data, _ := json.Marshal(payload)
	return Event{Name: name, Data: data}
}
