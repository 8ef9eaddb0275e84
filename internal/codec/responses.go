package codec

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// ResponsesCodec converts between OpenAI Responses payloads and the pivot.
type ResponsesCodec struct{}

// NewResponsesCodec creates the Responses API codec.
func NewResponsesCodec() *ResponsesCodec {
	return &ResponsesCodec{}
}

// Protocol implements Codec.
func (c *ResponsesCodec) Protocol() types.Protocol {
	return types.ProtocolOpenAIResponses
}

// DecodeRequest converts a Responses request into the pivot shape.
// Instructions become a system message; function_call and
// function_call_output items become tool_calls and tool-role messages.
func (c *ResponsesCodec) DecodeRequest(data []byte) (*types.ChatRequest, error) {
	var in types.ResponsesRequest
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, proxyerrors.NewValidationError("invalid request body: " + err.Error())
	}
	if in.Model == "" {
		return nil, proxyerrors.NewValidationError("model is required")
	}

	out := &types.ChatRequest{
		Model:       in.Model,
		Stream:      in.Stream,
		MaxTokens:   in.MaxOutputTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		User:        in.User,
		ToolChoice:  in.ToolChoice,
	}

	if in.Instructions != "" {
		out.Messages = append(out.Messages, types.ChatMessage{
			Role:    "system",
			Content: types.StringContent(in.Instructions),
		})
	}

	if in.Input.Text != nil {
		out.Messages = append(out.Messages, types.ChatMessage{
			Role:    "user",
			Content: types.StringContent(*in.Input.Text),
		})
	}

	for _, item := range in.Input.Items {
		msg, ok := responsesItemToMessage(item)
		if !ok {
			continue
		}
		out.Messages = append(out.Messages, msg)
	}

	if len(out.Messages) == 0 {
		return nil, proxyerrors.NewValidationError("input must not be empty")
	}

	for _, tool := range in.Tools {
		if tool.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, types.Tool{
			Type: "function",
			Function: types.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
				Strict:      tool.Strict,
			},
		})
	}

	return out, nil
}

func responsesItemToMessage(item types.ResponsesItem) (types.ChatMessage, bool) {
	switch item.Type {
	case "", "message":
		role := item.Role
		if role == "" {
			role = "user"
		}
		return types.ChatMessage{
			Role:    role,
			Content: types.StringContent(responsesContentText(item.Content)),
		}, true

	case "function_call":
		return types.ChatMessage{
			Role: "assistant",
			ToolCalls: []types.ToolCall{{
				ID:   item.CallID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			}},
		}, true

	case "function_call_output":
		return types.ChatMessage{
			Role:       "tool",
			ToolCallID: item.CallID,
			Content:    types.StringContent(item.Output),
		}, true
	}

	return types.ChatMessage{}, false
}

// responsesContentText flattens item content, which is a string or an array
// of typed text parts (input_text, output_text).
func responsesContentText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return text
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &parts); err == nil {
		var b strings.Builder
		for _, part := range parts {
			b.WriteString(part.Text)
		}
		return b.String()
	}

	return ""
}

// EncodeRequest renders a pivot request as a Responses request for a
// responses-family upstream.
func (c *ResponsesCodec) EncodeRequest(req *types.ChatRequest) ([]byte, error) {
	out := types.ResponsesRequest{
		Model:           req.Model,
		Stream:          req.Stream,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		User:            req.User,
		ToolChoice:      req.ToolChoice,
	}

	var instructions []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			instructions = append(instructions, types.TextOfContent(msg.Content))

		case "assistant":
			if len(msg.ToolCalls) > 0 {
				for _, call := range msg.ToolCalls {
					out.Input.Items = append(out.Input.Items, types.ResponsesItem{
						Type:      "function_call",
						CallID:    call.ID,
						Name:      call.Function.Name,
						Arguments: call.Function.Arguments,
					})
				}
			}
			if text := types.TextOfContent(msg.Content); text != "" {
				out.Input.Items = append(out.Input.Items, types.ResponsesItem{
					Type:    "message",
					Role:    "assistant",
					Content: types.StringContent(text),
				})
			}

		case "tool":
			out.Input.Items = append(out.Input.Items, types.ResponsesItem{
				Type:   "function_call_output",
				CallID: msg.ToolCallID,
				Output: types.TextOfContent(msg.Content),
			})

		default:
			out.Input.Items = append(out.Input.Items, types.ResponsesItem{
				Type:    "message",
				Role:    msg.Role,
				Content: types.StringContent(types.TextOfContent(msg.Content)),
			})
		}
	}
	out.Instructions = strings.Join(instructions, "\n")

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, types.ResponsesTool{
			Type:        "function",
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
			Strict:      tool.Function.Strict,
		})
	}

	return json.Marshal(out)
}

// DecodeResponse converts a Responses response into the pivot shape.
func (c *ResponsesCodec) DecodeResponse(data []byte, model string) (*types.ChatResponse, error) {
	var in types.ResponsesResponse
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, proxyerrors.NewProtocolDriftError("responses_response_parse",
			"upstream responses payload is not valid JSON: "+err.Error())
	}

	msg := types.ChatMessage{Role: "assistant"}
	var text strings.Builder
	for _, item := range in.Output {
		switch item.Type {
		case "message":
			text.WriteString(responsesContentText(item.Content))
		case "function_call":
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:   item.CallID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			})
		}
	}
	msg.Content = types.StringContent(text.String())

	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	if in.Status == "incomplete" {
		finish = "length"
	}

	out := &types.ChatResponse{
		ID:      in.ID,
		Object:  "chat.completion",
		Created: in.CreatedAt,
		Model:   firstNonEmpty(in.Model, model),
		Choices: []types.Choice{{Message: msg, FinishReason: finish}},
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	if in.Usage != nil {
		out.Usage = &types.Usage{
			PromptTokens:     in.Usage.InputTokens,
			CompletionTokens: in.Usage.OutputTokens,
			TotalTokens:      in.Usage.TotalTokens,
		}
	}
	return out, nil
}

// EncodeResponse renders a pivot response as a Responses response for
// clients that entered through /v1/responses.
func (c *ResponsesCodec) EncodeResponse(resp *types.ChatResponse) ([]byte, error) {
	out := types.ResponsesResponse{
		ID:        firstNonEmpty(resp.ID, "resp_"+uuid.NewString()),
		Object:    "response",
		CreatedAt: resp.Created,
		Status:    "completed",
		Model:     resp.Model,
		Output:    []types.ResponsesItem{},
	}
	if out.CreatedAt == 0 {
		out.CreatedAt = time.Now().Unix()
	}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if text := types.TextOfContent(choice.Message.Content); text != "" {
			content, _ := json.Marshal([]map[string]string{
				{"type": "output_text", "text": text},
			})
			out.Output = append(out.Output, types.ResponsesItem{
				Type:    "message",
				ID:      "msg_" + uuid.NewString(),
				Role:    "assistant",
				Status:  "completed",
				Content: content,
			})
		}
		for _, call := range choice.Message.ToolCalls {
			out.Output = append(out.Output, types.ResponsesItem{
				Type:      "function_call",
				ID:        "fc_" + uuid.NewString(),
				Status:    "completed",
				CallID:    call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}
	}

	if resp.Usage != nil {
		out.Usage = &types.ResponsesUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}

	return json.Marshal(out)
}
