package types

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// ResponsesRequest is an OpenAI Responses API request.
type ResponsesRequest struct {
	Model           string          `json:"model"`
	Input           ResponsesInput  `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	User            string          `json:"user,omitempty"`
	Tools           []ResponsesTool `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// ResponsesInput accepts a string or an array of input items.
type ResponsesInput struct {
	Text  *string
	Items []ResponsesItem
}

// UnmarshalJSON implements custom JSON unmarshaling.
func (i *ResponsesInput) UnmarshalJSON(data []byte) error {
	i.Text = nil
	i.Items = nil

	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return fmt.Errorf("input cannot be null")
	}

	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		i.Text = &text
		return nil
	}

	var items []ResponsesItem
	if err := json.Unmarshal(data, &items); err == nil {
		i.Items = items
		return nil
	}

	return fmt.Errorf("input must be string or []item")
}

// MarshalJSON implements custom JSON marshaling.
func (i ResponsesInput) MarshalJSON() ([]byte, error) {
	if i.Text != nil {
		return json.Marshal(*i.Text)
	}
	return json.Marshal(i.Items)
}

// ResponsesItem is one element of the Responses input or output array.
// Depending on Type it is a message, a function call, or a call output.
type ResponsesItem struct {
	Type    string          `json:"type,omitempty"`
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role,omitempty"`
	Status  string          `json:"status,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`

	// function_call items.
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// function_call_output items.
	Output string `json:"output,omitempty"`
}

// ResponsesTool declares a tool in the Responses flat schema.
type ResponsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      *bool           `json:"strict,omitempty"`
}

// ResponsesResponse is an OpenAI Responses API response.
type ResponsesResponse struct {
	ID        string          `json:"id"`
	Object    string          `json:"object"`
	CreatedAt int64           `json:"created_at"`
	Status    string          `json:"status"`
	Model     string          `json:"model"`
	Output    []ResponsesItem `json:"output"`
	Usage     *ResponsesUsage `json:"usage,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// ResponsesUsage carries Responses-style token accounting.
type ResponsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Responses SSE event type names used by the stream converters.
const (
	ResponsesEventCreated       = "response.created"
	ResponsesEventOutputText    = "response.output_text.delta"
	ResponsesEventFunctionArgs  = "response.function_call_arguments.delta"
	ResponsesEventOutputItem    = "response.output_item.added"
	ResponsesEventCompleted     = "response.completed"
	ResponsesEventFailed        = "response.failed"
	ResponsesEventOutputItemEnd = "response.output_item.done"
)

// ResponsesStreamEvent is a single typed SSE event in a Responses stream.
type ResponsesStreamEvent struct {
	Type        string             `json:"type"`
	Delta       string             `json:"delta,omitempty"`
	ItemID      string             `json:"item_id,omitempty"`
	OutputIndex int                `json:"output_index,omitempty"`
	Item        *ResponsesItem     `json:"item,omitempty"`
	Response    *ResponsesResponse `json:"response,omitempty"`
}
