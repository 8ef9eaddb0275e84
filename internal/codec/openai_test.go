package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/routecodex/pkg/types"
)

func TestOpenAIDecodeRequestBasic(t *testing.T) {
	body := []byte(`{
		"model": "glm-4.6",
		"messages": [{"role": "user", "content": "hello"}],
		"stream": true,
		"thinking": {"type": "enabled"}
	}`)

	c := NewOpenAICodec()
	req, err := c.DecodeRequest(body)
	require.NoError(t, err)

	assert.Equal(t, "glm-4.6", req.Model)
	assert.True(t, req.Stream)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hello", types.TextOfContent(req.Messages[0].Content))
	// Unknown fields survive in Extra for passthrough.
	assert.Contains(t, req.Extra, "thinking")
}

func TestOpenAIDecodeRequestValidation(t *testing.T) {
	c := NewOpenAICodec()

	_, err := c.DecodeRequest([]byte(`{"messages": [{"role": "user", "content": "x"}]}`))
	assert.Error(t, err)

	_, err = c.DecodeRequest([]byte(`{"model": "m", "messages": []}`))
	assert.Error(t, err)

	_, err = c.DecodeRequest([]byte(`{"model": "m", "messages": [{"content": "x"}]}`))
	assert.Error(t, err)
}

func TestOpenAIDecodeRequestNormalizesMissingContent(t *testing.T) {
	body := []byte(`{
		"model": "m",
		"messages": [
			{"role": "user"},
			{"role": "assistant", "content": null},
			{"role": "user", "content": "keep"}
		]
	}`)

	c := NewOpenAICodec()
	req, err := c.DecodeRequest(body)
	require.NoError(t, err)

	assert.Equal(t, `""`, string(req.Messages[0].Content))
	assert.Equal(t, `""`, string(req.Messages[1].Content))
	assert.Equal(t, "keep", types.TextOfContent(req.Messages[2].Content))
}

func TestOpenAIDecodeRequestStringifiesObjectArguments(t *testing.T) {
	body := []byte(`{
		"model": "m",
		"messages": [
			{"role": "assistant", "content": "", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {
					"name": "lookup",
					"arguments": {"city": "SF"}
				}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "sunny"}
		]
	}`)

	c := NewOpenAICodec()
	req, err := c.DecodeRequest(body)
	require.NoError(t, err)

	require.Len(t, req.Messages[0].ToolCalls, 1)
	call := req.Messages[0].ToolCalls[0]
	assert.Equal(t, "lookup", call.Function.Name)
	assert.JSONEq(t, `{"city": "SF"}`, call.Function.Arguments)
}

func TestOpenAIDecodeRequestStringArgumentsKept(t *testing.T) {
	body := []byte(`{
		"model": "m",
		"messages": [
			{"role": "assistant", "content": "", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {
					"name": "lookup",
					"arguments": "{\"city\": \"SF\"}"
				}}
			]}
		]
	}`)

	c := NewOpenAICodec()
	req, err := c.DecodeRequest(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"city": "SF"}`, req.Messages[0].ToolCalls[0].Function.Arguments)
}

func TestOpenAIDecodeRequestParsesStringParameters(t *testing.T) {
	body := []byte(`{
		"model": "m",
		"messages": [{"role": "user", "content": "hi"}],
		"tools": [
			{"type": "function", "function": {
				"name": "lookup",
				"parameters": "{\"type\": \"object\", \"properties\": {}}"
			}}
		]
	}`)

	c := NewOpenAICodec()
	req, err := c.DecodeRequest(body)
	require.NoError(t, err)

	require.Len(t, req.Tools, 1)
	assert.JSONEq(t, `{"type": "object", "properties": {}}`, string(req.Tools[0].Function.Parameters))
}

func TestOpenAIDecodeRequestDropsNamelessTools(t *testing.T) {
	body := []byte(`{
		"model": "m",
		"messages": [{"role": "user", "content": "hi"}],
		"tools": [
			{"type": "function", "function": {"description": "no name"}},
			{"type": "function", "function": {"name": "kept"}}
		]
	}`)

	c := NewOpenAICodec()
	req, err := c.DecodeRequest(body)
	require.NoError(t, err)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "kept", req.Tools[0].Function.Name)
}

func TestOpenAIDecodeResponseFillsModel(t *testing.T) {
	body := []byte(`{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"choices": [{"message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}]
	}`)

	c := NewOpenAICodec()
	resp, err := c.DecodeResponse(body, "glm-4.6")
	require.NoError(t, err)
	assert.Equal(t, "glm-4.6", resp.Model)
}
