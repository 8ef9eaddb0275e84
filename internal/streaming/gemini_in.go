package streaming

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// GeminiToChat converts a Gemini streamGenerateContent event stream into
// chat completion chunks. Gemini frames bare data events, each holding a
// partial GenerateContentResponse.
type GeminiToChat struct {
	id      string
	model   string
	created int64

	roleSent  bool
	toolCalls int

	finishSent bool
	doneSent   bool
	failSent   bool

	finishReason string
	usage        *types.Usage
}

// NewGeminiToChat creates the converter.
func NewGeminiToChat(model string) *GeminiToChat {
	return &GeminiToChat{
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: time.Now().Unix(),
	}
}

// Convert implements Converter.
func (c *GeminiToChat) Convert(ev Event) ([]Event, error) {
	var resp types.GeminiResponse
	if err := json.Unmarshal(ev.Data, &resp); err != nil {
		return nil, proxyerrors.NewProtocolDriftError("gemini_stream_parse",
			"upstream gemini event is not valid JSON: "+err.Error())
	}

	var out []Event
	if !c.roleSent {
		c.roleSent = true
		out = append(out, c.chunk(types.StreamDelta{Role: "assistant"}))
	}

	if resp.UsageMetadata != nil {
		c.usage = &types.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}

	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				out = append(out, c.chunk(types.StreamDelta{Content: part.Text}))
			}
			if part.FunctionCall != nil {
				args := part.FunctionCall.Args
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				callIndex := c.toolCalls
				c.toolCalls++
				out = append(out, c.chunk(types.StreamDelta{
					ToolCalls: []types.ToolCall{{
						ID:    "call_" + uuid.NewString(),
						Type:  "function",
						Index: &callIndex,
						Function: types.ToolCallFunction{
							Name:      part.FunctionCall.Name,
							Arguments: string(args),
						},
					}},
				}))
			}
		}
		if cand.FinishReason != "" {
			c.finishReason = types.MapGeminiFinishReason(cand.FinishReason)
		}
	}

	return out, nil
}

// Fail implements Converter.
func (c *GeminiToChat) Fail(perr *proxyerrors.ProxyError) []Event {
	if c.failSent {
		return nil
	}
	c.failSent = true
	return []Event{chatErrorEvent(perr)}
}

// Finish implements Converter.
func (c *GeminiToChat) Finish() []Event {
	var out []Event
	if !c.finishSent {
		c.finishSent = true
		finish := c.finishReason
		if c.toolCalls > 0 {
			finish = "tool_calls"
		}
		if finish == "" {
			finish = "stop"
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

func (c *GeminiToChat) chunk(delta types.StreamDelta) Event {
	return marshalChunk(&types.StreamChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []types.StreamChoice{{Delta: delta}},
	})
}
