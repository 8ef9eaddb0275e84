package codec

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// anthropicDefaultMaxTokens is applied when the pivot request carries no
// limit; the Messages API rejects requests without max_tokens.
const anthropicDefaultMaxTokens = 4096

// AnthropicCodec converts between Anthropic Messages payloads and the pivot.
type AnthropicCodec struct{}

// NewAnthropicCodec creates the Messages API codec.
func NewAnthropicCodec() *AnthropicCodec {
	return &AnthropicCodec{}
}

// Protocol implements Codec.
func (c *AnthropicCodec) Protocol() types.Protocol {
	return types.ProtocolAnthropic
}

// DecodeRequest converts a Messages request into the pivot shape. Tool use
// and tool result blocks become tool_calls and tool-role messages; text and
// image blocks become content parts.
func (c *AnthropicCodec) DecodeRequest(data []byte) (*types.ChatRequest, error) {
	var in types.MessagesRequest
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, proxyerrors.NewValidationError("invalid request body: " + err.Error())
	}
	if in.Model == "" {
		return nil, proxyerrors.NewValidationError("model is required")
	}
	if len(in.Messages) == 0 {
		return nil, proxyerrors.NewValidationError("messages must not be empty")
	}

	out := &types.ChatRequest{
		Model:       in.Model,
		Stream:      in.Stream,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stop:        in.StopSequences,
	}

	if !in.System.IsEmpty() {
		out.Messages = append(out.Messages, types.ChatMessage{
			Role:    "system",
			Content: types.StringContent(in.System.AsText()),
		})
	}

	for i, msg := range in.Messages {
		blocks, err := msg.ContentBlocks()
		if err != nil {
			return nil, proxyerrors.NewValidationError(
				fmt.Sprintf("messages[%d]: %v", i, err))
		}
		converted, err := anthropicBlocksToMessages(msg.Role, blocks)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, converted...)
	}

	for _, tool := range in.Tools {
		out.Tools = append(out.Tools, types.Tool{
			Type: "function",
			Function: types.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	if len(in.ToolChoice) > 0 {
		out.ToolChoice = anthropicToolChoiceToOpenAI(in.ToolChoice)
	}

	if in.Thinking != nil {
		encoded, err := json.Marshal(in.Thinking)
		if err == nil {
			out.Extra = map[string]json.RawMessage{"thinking": encoded}
		}
	}

	return out, nil
}

// anthropicBlocksToMessages flattens one Anthropic turn into pivot messages.
// A turn mixing text and tool activity can expand into several messages.
func anthropicBlocksToMessages(role string, blocks []types.ContentBlock) ([]types.ChatMessage, error) {
	var out []types.ChatMessage
	var textParts []types.ContentPart
	var toolCalls []types.ToolCall

	flushContent := func() {
		if len(textParts) == 0 {
			return
		}
		msg := types.ChatMessage{Role: role}
		if len(textParts) == 1 && textParts[0].Type == "text" {
			msg.Content = types.StringContent(textParts[0].Text)
		} else {
			encoded, _ := json.Marshal(textParts)
			msg.Content = encoded
		}
		out = append(out, msg)
		textParts = nil
	}

	for _, block := range blocks {
		switch block.Type {
		case "text":
			textParts = append(textParts, types.ContentPart{Type: "text", Text: block.Text})

		case "image":
			url, err := imageSourceToDataURL(block.Source)
			if err != nil {
				return nil, err
			}
			imageURL, _ := json.Marshal(map[string]string{"url": url})
			textParts = append(textParts, types.ContentPart{Type: "image_url", ImageURL: imageURL})

		case "tool_use":
			args := "{}"
			if len(block.Input) > 0 {
				args = string(block.Input)
			}
			toolCalls = append(toolCalls, types.ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: types.ToolCallFunction{Name: block.Name, Arguments: args},
			})

		case "tool_result":
			flushContent()
			out = append(out, types.ChatMessage{
				Role:       "tool",
				ToolCallID: block.ToolUseID,
				Content:    types.StringContent(toolResultText(block)),
			})

		case "thinking":
			// Thinking blocks do not round-trip through the pivot.

		default:
			// Unknown block types are dropped rather than rejected.
		}
	}

	flushContent()

	if len(toolCalls) > 0 {
		out = append(out, types.ChatMessage{
			Role:      "assistant",
			ToolCalls: toolCalls,
		})
	}

	return out, nil
}

// toolResultText flattens a tool_result payload. Content may be a string, a
// block array, or arbitrary JSON.
func toolResultText(block types.ContentBlock) string {
	if len(block.Content) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(block.Content, &text); err == nil {
		return text
	}
	var blocks []types.ContentBlock
	if err := json.Unmarshal(block.Content, &blocks); err == nil {
		var b strings.Builder
		for _, inner := range blocks {
			if inner.Type == "text" {
				b.WriteString(inner.Text)
			}
		}
		return b.String()
	}
	return string(block.Content)
}

func imageSourceToDataURL(source json.RawMessage) (string, error) {
	var src struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
		URL       string `json:"url"`
	}
	if err := json.Unmarshal(source, &src); err != nil {
		return "", proxyerrors.NewValidationError("invalid image source: " + err.Error())
	}
	switch src.Type {
	case "base64":
		return "data:" + src.MediaType + ";base64," + src.Data, nil
	case "url":
		return src.URL, nil
	}
	return "", proxyerrors.NewValidationError("unsupported image source type " + src.Type)
}

func anthropicToolChoiceToOpenAI(choice json.RawMessage) json.RawMessage {
	var tc struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(choice, &tc); err != nil {
		return nil
	}
	switch tc.Type {
	case "auto":
		return json.RawMessage(`"auto"`)
	case "any":
		return json.RawMessage(`"required"`)
	case "tool":
		encoded, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": tc.Name},
		})
		return encoded
	}
	return nil
}

// EncodeRequest renders a pivot request as a Messages request for an
// Anthropic-family upstream. Consecutive same-role turns merge because the
// Messages API requires strict alternation.
func (c *AnthropicCodec) EncodeRequest(req *types.ChatRequest) ([]byte, error) {
	out := types.MessagesRequest{
		Model:         req.Model,
		Stream:        req.Stream,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = anthropicDefaultMaxTokens
	}

	var systemParts []string
	var pending []anthropicTurn

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			systemParts = append(systemParts, types.TextOfContent(msg.Content))

		case "assistant":
			blocks := assistantBlocks(msg)
			pending = appendTurn(pending, "assistant", blocks)

		case "tool":
			block := types.ContentBlock{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   types.StringContent(types.TextOfContent(msg.Content)),
			}
			pending = appendTurn(pending, "user", []types.ContentBlock{block})

		default: // user and anything unrecognized
			blocks, err := userBlocks(msg)
			if err != nil {
				return nil, err
			}
			pending = appendTurn(pending, "user", blocks)
		}
	}

	if len(systemParts) > 0 {
		out.System = types.SystemPrompt{Text: strings.Join(systemParts, "\n")}
	}

	for _, turn := range pending {
		encoded, err := json.Marshal(turn.blocks)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, types.AnthropicMessage{
			Role:    turn.role,
			Content: encoded,
		})
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, types.AnthropicTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: tool.Function.Parameters,
		})
	}

	if len(req.ToolChoice) > 0 {
		out.ToolChoice = openAIToolChoiceToAnthropic(req.ToolChoice)
	}

	if raw, ok := req.Extra["thinking"]; ok {
		var thinking types.ThinkingConfig
		if err := json.Unmarshal(raw, &thinking); err == nil && thinking.Type != "" {
			out.Thinking = &thinking
		}
	}

	return json.Marshal(out)
}

type anthropicTurn struct {
	role   string
	blocks []types.ContentBlock
}

func appendTurn(turns []anthropicTurn, role string, blocks []types.ContentBlock) []anthropicTurn {
	if len(blocks) == 0 {
		return turns
	}
	if n := len(turns); n > 0 && turns[n-1].role == role {
		turns[n-1].blocks = append(turns[n-1].blocks, blocks...)
		return turns
	}
	return append(turns, anthropicTurn{role: role, blocks: blocks})
}

func assistantBlocks(msg types.ChatMessage) []types.ContentBlock {
	var blocks []types.ContentBlock
	if text := types.TextOfContent(msg.Content); text != "" {
		blocks = append(blocks, types.ContentBlock{Type: "text", Text: text})
	}
	for _, call := range msg.ToolCalls {
		input := json.RawMessage(call.Function.Arguments)
		if !json.Valid(input) {
			input = json.RawMessage(`{}`)
		}
		blocks = append(blocks, types.ContentBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}
	return blocks
}

func userBlocks(msg types.ChatMessage) ([]types.ContentBlock, error) {
	var parts []types.ContentPart
	if err := json.Unmarshal(msg.Content, &parts); err == nil {
		var blocks []types.ContentBlock
		for _, part := range parts {
			switch part.Type {
			case "", "text":
				blocks = append(blocks, types.ContentBlock{Type: "text", Text: part.Text})
			case "image_url":
				source, err := dataURLToImageSource(part.ImageURL)
				if err != nil {
					return nil, err
				}
				blocks = append(blocks, types.ContentBlock{Type: "image", Source: source})
			}
		}
		return blocks, nil
	}

	text := types.TextOfContent(msg.Content)
	if text == "" {
		return nil, nil
	}
	return []types.ContentBlock{{Type: "text", Text: text}}, nil
}

func dataURLToImageSource(imageURL json.RawMessage) (json.RawMessage, error) {
	var ref struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(imageURL, &ref); err != nil {
		return nil, proxyerrors.NewValidationError("invalid image_url: " + err.Error())
	}

	if data, ok := strings.CutPrefix(ref.URL, "data:"); ok {
		mediaType, payload, found := strings.Cut(data, ";base64,")
		if !found {
			return nil, proxyerrors.NewValidationError("unsupported data url encoding")
		}
		return json.Marshal(map[string]string{
			"type":       "base64",
			"media_type": mediaType,
			"data":       payload,
		})
	}

	return json.Marshal(map[string]string{"type": "url", "url": ref.URL})
}

func openAIToolChoiceToAnthropic(choice json.RawMessage) json.RawMessage {
	var mode string
	if err := json.Unmarshal(choice, &mode); err == nil {
		switch mode {
		case "auto":
			return json.RawMessage(`{"type":"auto"}`)
		case "required":
			return json.RawMessage(`{"type":"any"}`)
		case "none":
			return nil
		}
		return nil
	}

	var tc struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(choice, &tc); err == nil && tc.Function.Name != "" {
		encoded, _ := json.Marshal(map[string]string{"type": "tool", "name": tc.Function.Name})
		return encoded
	}
	return nil
}

// DecodeResponse converts a Messages response into the pivot shape.
func (c *AnthropicCodec) DecodeResponse(data []byte, model string) (*types.ChatResponse, error) {
	var in types.MessagesResponse
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, proxyerrors.NewProtocolDriftError("anthropic_response_parse",
			"upstream messages response is not valid JSON: "+err.Error())
	}

	msg := types.ChatMessage{Role: "assistant"}
	var text strings.Builder
	for _, block := range in.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}
	msg.Content = types.StringContent(text.String())

	out := &types.ChatResponse{
		ID:      in.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   firstNonEmpty(in.Model, model),
		Choices: []types.Choice{{
			Message:      msg,
			FinishReason: types.MapStopToFinishReason(in.StopReason),
		}},
	}
	if in.Usage != nil {
		out.Usage = &types.Usage{
			PromptTokens:     in.Usage.InputTokens,
			CompletionTokens: in.Usage.OutputTokens,
			TotalTokens:      in.Usage.InputTokens + in.Usage.OutputTokens,
		}
	}
	return out, nil
}

// EncodeResponse renders a pivot response as a Messages response for clients
// that entered through /v1/messages.
func (c *AnthropicCodec) EncodeResponse(resp *types.ChatResponse) ([]byte, error) {
	out := types.MessagesResponse{
		ID:    firstNonEmpty(resp.ID, "msg_"+uuid.NewString()),
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if text := types.TextOfContent(choice.Message.Content); text != "" {
			out.Content = append(out.Content, types.ContentBlock{Type: "text", Text: text})
		}
		for _, call := range choice.Message.ToolCalls {
			input := json.RawMessage(call.Function.Arguments)
			if !json.Valid(input) {
				input = json.RawMessage(`{}`)
			}
			out.Content = append(out.Content, types.ContentBlock{
				Type:  "tool_use",
				ID:    call.ID,
				Name:  call.Function.Name,
				Input: input,
			})
		}
		out.StopReason = types.MapFinishToStopReason(choice.FinishReason)
	}
	if out.Content == nil {
		out.Content = []types.ContentBlock{}
	}

	if resp.Usage != nil {
		out.Usage = &types.AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return json.Marshal(out)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
