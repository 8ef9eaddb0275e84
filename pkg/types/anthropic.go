package types

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// MessagesRequest is an Anthropic Messages API request.
type MessagesRequest struct {
	Model         string             `json:"model"`
	Messages      []AnthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	System        SystemPrompt       `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice    json.RawMessage    `json:"tool_choice,omitempty"`
	Metadata      json.RawMessage    `json:"metadata,omitempty"`
	Thinking      *ThinkingConfig    `json:"thinking,omitempty"`
}

// ThinkingConfig enables extended thinking on Anthropic requests.
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// SystemPrompt accepts either a string or an array of text blocks.
type SystemPrompt struct {
	Text   string
	Blocks []ContentBlock
}

// UnmarshalJSON implements custom JSON unmarshaling.
func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	s.Text = ""
	s.Blocks = nil

	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.Text = text
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		s.Blocks = blocks
		return nil
	}

	return fmt.Errorf("system must be string or []block")
}

// MarshalJSON implements custom JSON marshaling.
func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if len(s.Blocks) > 0 {
		return json.Marshal(s.Blocks)
	}
	if s.Text == "" {
		return []byte("null"), nil
	}
	return json.Marshal(s.Text)
}

// IsEmpty reports whether no system prompt is set.
func (s SystemPrompt) IsEmpty() bool {
	return s.Text == "" && len(s.Blocks) == 0
}

// AsText flattens the system prompt into a single string.
func (s SystemPrompt) AsText() string {
	if s.Text != "" {
		return s.Text
	}
	var b bytes.Buffer
	for i, block := range s.Blocks {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(block.Text)
	}
	return b.String()
}

// AnthropicMessage is a single turn; content is either a string or blocks.
type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentBlocks decodes the message content into typed blocks. A plain
// string becomes a single text block.
func (m AnthropicMessage) ContentBlocks() ([]ContentBlock, error) {
	if len(m.Content) == 0 || bytes.Equal(m.Content, []byte("null")) {
		return nil, nil
	}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return []ContentBlock{{Type: "text", Text: text}}, nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("content must be string or []block: %w", err)
	}
	return blocks, nil
}

// ContentBlock is one element of Anthropic block-structured content.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Source    json.RawMessage `json:"source,omitempty"`
}

// AnthropicTool declares a tool in Anthropic's schema.
type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Type        string          `json:"type,omitempty"`
}

// MessagesResponse is an Anthropic Messages API response.
type MessagesResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Model        string          `json:"model"`
	Content      []ContentBlock  `json:"content"`
	StopReason   string          `json:"stop_reason,omitempty"`
	StopSequence string          `json:"stop_sequence,omitempty"`
	Usage        *AnthropicUsage `json:"usage,omitempty"`
}

// AnthropicUsage carries Anthropic-style token accounting.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Anthropic SSE event type names.
const (
	AnthropicEventMessageStart      = "message_start"
	AnthropicEventMessageDelta      = "message_delta"
	AnthropicEventMessageStop       = "message_stop"
	AnthropicEventContentBlockStart = "content_block_start"
	AnthropicEventContentBlockDelta = "content_block_delta"
	AnthropicEventContentBlockStop  = "content_block_stop"
	AnthropicEventPing              = "ping"
	AnthropicEventError             = "error"
)

// AnthropicStreamEvent is a single typed SSE event in an Anthropic stream.
type AnthropicStreamEvent struct {
	Type         string               `json:"type"`
	Index        int                  `json:"index,omitempty"`
	Message      *MessagesResponse    `json:"message,omitempty"`
	ContentBlock *ContentBlock        `json:"content_block,omitempty"`
	Delta        *AnthropicEventDelta `json:"delta,omitempty"`
	Usage        *AnthropicUsage      `json:"usage,omitempty"`
	Error        *AnthropicError      `json:"error,omitempty"`
}

// AnthropicEventDelta is the delta payload within stream events.
type AnthropicEventDelta struct {
	Type         string `json:"type,omitempty"`
	Text         string `json:"text,omitempty"`
	PartialJSON  string `json:"partial_json,omitempty"`
	Thinking     string `json:"thinking,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

// AnthropicError is the error payload of an error event or response.
type AnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// MapFinishToStopReason converts an OpenAI finish_reason to Anthropic's
// stop_reason vocabulary.
func MapFinishToStopReason(finish string) string {
	switch finish {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "content_filter":
		return "end_turn"
	default:
		return finish
	}
}

// MapStopToFinishReason converts an Anthropic stop_reason to OpenAI's
// finish_reason vocabulary.
func MapStopToFinishReason(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence", "":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return stop
	}
}
