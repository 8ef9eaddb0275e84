package codec

import (
	"strconv"

	"github.com/goccy/go-json"

	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// OpenAICodec is the identity codec for the pivot protocol. Decoding still
// validates and normalizes the request shape.
type OpenAICodec struct{}

// NewOpenAICodec creates the chat completions codec.
func NewOpenAICodec() *OpenAICodec {
	return &OpenAICodec{}
}

// Protocol implements Codec.
func (c *OpenAICodec) Protocol() types.Protocol {
	return types.ProtocolOpenAIChat
}

// DecodeRequest parses and validates a chat completion request.
func (c *OpenAICodec) DecodeRequest(data []byte) (*types.ChatRequest, error) {
	var req types.ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, proxyerrors.NewValidationError("invalid request body: " + err.Error())
	}
	normalizeChatRequest(&req)
	if err := validateChatRequest(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// normalizeChatRequest repairs common client-shape drift before validation:
// missing message content becomes an empty string, string-encoded tool
// parameters are parsed back into objects, and tool definitions without a
// function name are dropped.
func normalizeChatRequest(req *types.ChatRequest) {
	for i := range req.Messages {
		c := req.Messages[i].Content
		if len(c) == 0 || string(c) == "null" {
			req.Messages[i].Content = json.RawMessage(`""`)
		}
	}

	if len(req.Tools) == 0 {
		return
	}
	kept := req.Tools[:0]
	for _, tool := range req.Tools {
		if tool.Function.Name == "" {
			continue
		}
		if p := tool.Function.Parameters; len(p) > 0 && p[0] == '"' {
			var inner string
			if err := json.Unmarshal(p, &inner); err == nil {
				var parsed json.RawMessage
				if err := json.Unmarshal([]byte(inner), &parsed); err == nil {
					tool.Function.Parameters = parsed
				}
			}
		}
		kept = append(kept, tool)
	}
	if len(kept) == 0 {
		kept = nil
	}
	req.Tools = kept
}

// EncodeRequest renders the pivot request unchanged.
func (c *OpenAICodec) EncodeRequest(req *types.ChatRequest) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeResponse parses a chat completion response. The model argument fills
// in when the upstream omits the field.
func (c *OpenAICodec) DecodeResponse(data []byte, model string) (*types.ChatResponse, error) {
	var resp types.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, proxyerrors.NewProtocolDriftError("chat_response_parse",
			"upstream chat response is not valid JSON: "+err.Error())
	}
	if resp.Model == "" {
		resp.Model = model
	}
	return &resp, nil
}

// EncodeResponse renders the pivot response unchanged.
func (c *OpenAICodec) EncodeResponse(resp *types.ChatResponse) ([]byte, error) {
	return json.Marshal(resp)
}

func validateChatRequest(req *types.ChatRequest) error {
	if req.Model == "" {
		return proxyerrors.NewValidationError("model is required")
	}
	if len(req.Messages) == 0 {
		return proxyerrors.NewValidationError("messages must not be empty")
	}
	for i, msg := range req.Messages {
		if msg.Role == "" {
			return proxyerrors.NewValidationError("messages[" + strconv.Itoa(i) + "]: role is required")
		}
	}
	return nil
}
