package codec

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// GeminiCodec converts between Gemini generateContent payloads and the
// pivot. Gemini is an upstream-only protocol: the proxy dispatches to Gemini
// providers but does not accept Gemini-shaped client requests.
type GeminiCodec struct{}

// NewGeminiCodec creates the Gemini codec.
func NewGeminiCodec() *GeminiCodec {
	return &GeminiCodec{}
}

// Protocol implements Codec.
func (c *GeminiCodec) Protocol() types.Protocol {
	return types.ProtocolGemini
}

// DecodeRequest is not supported; there is no Gemini entry endpoint.
func (c *GeminiCodec) DecodeRequest(_ []byte) (*types.ChatRequest, error) {
	return nil, errUnsupported("DecodeRequest", types.ProtocolGemini)
}

// EncodeRequest renders a pivot request as a generateContent request.
func (c *GeminiCodec) EncodeRequest(req *types.ChatRequest) ([]byte, error) {
	out := types.GeminiRequest{}

	var systemParts []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			systemParts = append(systemParts, types.TextOfContent(msg.Content))

		case "assistant":
			content := types.GeminiContent{Role: "model"}
			if text := types.TextOfContent(msg.Content); text != "" {
				content.Parts = append(content.Parts, types.GeminiPart{Text: text})
			}
			for _, call := range msg.ToolCalls {
				args := json.RawMessage(call.Function.Arguments)
				if !json.Valid(args) {
					args = json.RawMessage(`{}`)
				}
				content.Parts = append(content.Parts, types.GeminiPart{
					FunctionCall: &types.GeminiFunctionCall{
						Name: call.Function.Name,
						Args: args,
					},
				})
			}
			if len(content.Parts) > 0 {
				out.Contents = append(out.Contents, content)
			}

		case "tool":
			response, _ := json.Marshal(map[string]string{
				"result": types.TextOfContent(msg.Content),
			})
			out.Contents = append(out.Contents, types.GeminiContent{
				Role: "user",
				Parts: []types.GeminiPart{{
					FunctionResponse: &types.GeminiFunctionResponse{
						// The pivot keys tool results by call id, Gemini by
						// function name; the id is the best stable handle.
						Name:     msg.ToolCallID,
						Response: response,
					},
				}},
			})

		default:
			out.Contents = append(out.Contents, types.GeminiContent{
				Role:  "user",
				Parts: []types.GeminiPart{{Text: types.TextOfContent(msg.Content)}},
			})
		}
	}

	if len(systemParts) > 0 {
		out.SystemInstruction = &types.GeminiContent{
			Parts: []types.GeminiPart{{Text: strings.Join(systemParts, "\n")}},
		}
	}

	if len(req.Tools) > 0 {
		decl := types.GeminiToolDeclaration{}
		for _, tool := range req.Tools {
			decl.FunctionDeclarations = append(decl.FunctionDeclarations, types.GeminiFunctionDeclaration{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			})
		}
		out.Tools = []types.GeminiToolDeclaration{decl}
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens > 0 || len(req.Stop) > 0 {
		out.GenerationConfig = &types.GeminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}

	return json.Marshal(out)
}

// DecodeResponse converts a generateContent response into the pivot shape.
func (c *GeminiCodec) DecodeResponse(data []byte, model string) (*types.ChatResponse, error) {
	var in types.GeminiResponse
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, proxyerrors.NewProtocolDriftError("gemini_response_parse",
			"upstream gemini response is not valid JSON: "+err.Error())
	}

	msg := types.ChatMessage{Role: "assistant"}
	finish := "stop"
	var text strings.Builder

	if len(in.Candidates) > 0 {
		candidate := in.Candidates[0]
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				args := string(part.FunctionCall.Args)
				if args == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
					ID:   "call_" + uuid.NewString(),
					Type: "function",
					Function: types.ToolCallFunction{
						Name:      part.FunctionCall.Name,
						Arguments: args,
					},
				})
			}
		}
		finish = types.MapGeminiFinishReason(candidate.FinishReason)
		if len(msg.ToolCalls) > 0 {
			finish = "tool_calls"
		}
	}
	msg.Content = types.StringContent(text.String())

	out := &types.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   firstNonEmpty(in.ModelVersion, model),
		Choices: []types.Choice{{Message: msg, FinishReason: finish}},
	}
	if in.UsageMetadata != nil {
		out.Usage = &types.Usage{
			PromptTokens:     in.UsageMetadata.PromptTokenCount,
			CompletionTokens: in.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      in.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}

// EncodeResponse is not supported; there is no Gemini entry endpoint.
func (c *GeminiCodec) EncodeResponse(_ *types.ChatResponse) ([]byte, error) {
	return nil, errUnsupported("EncodeResponse", types.ProtocolGemini)
}
