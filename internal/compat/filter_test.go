package compat

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/routecodex/internal/config"
	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

func TestApplyRequestRoleNormalization(t *testing.T) {
	f := NewFilter(config.FamilyOpenAI)
	req := &types.ChatRequest{
		Model: "m",
		Messages: []types.ChatMessage{
			{Role: "human", Content: types.StringContent("hi")},
			{Role: "user", Content: types.StringContent("hello")},
		},
	}

	require.NoError(t, f.ApplyRequest(req))
	assert.Equal(t, "user", req.Messages[0].Role)
}

func TestApplyRequestEmptyToolContentFailsFast(t *testing.T) {
	f := NewFilter(config.FamilyGLM)
	req := &types.ChatRequest{
		Model: "m",
		Messages: []types.ChatMessage{
			{Role: "assistant", ToolCalls: []types.ToolCall{{
				ID: "c1", Type: "function",
				Function: types.ToolCallFunction{Name: "run", Arguments: "{}"},
			}}},
			{Role: "tool", ToolCallID: "c1", Content: types.StringContent("  ")},
		},
	}

	err := f.ApplyRequest(req)
	require.Error(t, err)
	var perr *proxyerrors.ProxyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeToolTextEmpty, perr.Code)
}

func TestApplyRequestGLMToolRepair(t *testing.T) {
	strict := true
	f := NewFilter(config.FamilyGLM)
	req := &types.ChatRequest{
		Model:    "glm-4.6",
		Messages: []types.ChatMessage{{Role: "user", Content: types.StringContent("run ls")}},
		Tools: []types.Tool{{
			Type: "function",
			Function: types.ToolFunction{
				Name:   "shell",
				Strict: &strict,
				Parameters: json.RawMessage(
					`{"type":"object","properties":{"command":{"type":"string"}}}`),
			},
		}},
	}

	require.NoError(t, f.ApplyRequest(req))

	assert.Nil(t, req.Tools[0].Function.Strict)

	var schema struct {
		Properties struct {
			Command struct {
				Type  string `json:"type"`
				Items struct {
					Type string `json:"type"`
				} `json:"items"`
			} `json:"command"`
		} `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(req.Tools[0].Function.Parameters, &schema))
	assert.Equal(t, "array", schema.Properties.Command.Type)
	assert.Equal(t, "string", schema.Properties.Command.Items.Type)
}

func TestApplyRequestDefaultsEmptyToolParameters(t *testing.T) {
	f := NewFilter(config.FamilyOpenAI)
	req := &types.ChatRequest{
		Model:    "m",
		Messages: []types.ChatMessage{{Role: "user", Content: types.StringContent("x")}},
		Tools: []types.Tool{{
			Type:     "function",
			Function: types.ToolFunction{Name: "f"},
		}},
	}

	require.NoError(t, f.ApplyRequest(req))
	assert.True(t, json.Valid(req.Tools[0].Function.Parameters))
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(req.Tools[0].Function.Parameters))
}

func TestApplyRequestGLMDefaultsToolChoiceAuto(t *testing.T) {
	f := NewFilter(config.FamilyGLM)
	req := &types.ChatRequest{
		Model:    "glm-4.6",
		Messages: []types.ChatMessage{{Role: "user", Content: types.StringContent("x")}},
		Tools: []types.Tool{{
			Type:     "function",
			Function: types.ToolFunction{Name: "f"},
		}},
	}

	require.NoError(t, f.ApplyRequest(req))
	assert.Equal(t, `"auto"`, string(req.ToolChoice))
}

func TestApplyRequestKeepsExplicitToolChoice(t *testing.T) {
	f := NewFilter(config.FamilyGLM)
	choice := json.RawMessage(`{"type":"function","function":{"name":"f"}}`)
	req := &types.ChatRequest{
		Model:      "glm-4.6",
		Messages:   []types.ChatMessage{{Role: "user", Content: types.StringContent("x")}},
		Tools:      []types.Tool{{Type: "function", Function: types.ToolFunction{Name: "f"}}},
		ToolChoice: choice,
	}

	require.NoError(t, f.ApplyRequest(req))
	assert.JSONEq(t, string(choice), string(req.ToolChoice))
}

func TestApplyRequestNoToolChoiceDefaultForOpenAI(t *testing.T) {
	f := NewFilter(config.FamilyOpenAI)
	req := &types.ChatRequest{
		Model:    "m",
		Messages: []types.ChatMessage{{Role: "user", Content: types.StringContent("x")}},
		Tools:    []types.Tool{{Type: "function", Function: types.ToolFunction{Name: "f"}}},
	}

	require.NoError(t, f.ApplyRequest(req))
	assert.Nil(t, req.ToolChoice)
}

func TestRepairToolsSkippedWhenToolSurfaceOff(t *testing.T) {
	t.Setenv(config.EnvToolSurface, config.PolicyOff)

	strict := true
	f := NewFilter(config.FamilyGLM)
	req := &types.ChatRequest{
		Model:    "glm-4.6",
		Messages: []types.ChatMessage{{Role: "user", Content: types.StringContent("x")}},
		Tools: []types.Tool{{
			Type: "function",
			Function: types.ToolFunction{
				Name:   "shell",
				Strict: &strict,
				Parameters: json.RawMessage(
					`{"type":"object","properties":{"command":{"type":"string"}}}`),
			},
		}},
	}

	require.NoError(t, f.ApplyRequest(req))

	// Declarations pass through untouched; the tool_choice default still
	// applies outside the repair gate.
	assert.NotNil(t, req.Tools[0].Function.Strict)
	assert.JSONEq(t,
		`{"type":"object","properties":{"command":{"type":"string"}}}`,
		string(req.Tools[0].Function.Parameters))
	assert.Equal(t, `"auto"`, string(req.ToolChoice))
}

func TestApplyRequestDropsToolChoiceWithoutTools(t *testing.T) {
	f := NewFilter(config.FamilyOpenAI)
	req := &types.ChatRequest{
		Model:      "m",
		Messages:   []types.ChatMessage{{Role: "user", Content: types.StringContent("x")}},
		ToolChoice: json.RawMessage(`"auto"`),
	}

	require.NoError(t, f.ApplyRequest(req))
	assert.Nil(t, req.ToolChoice)
}

func TestApplyRequestGLMDropsNonLastAssistantToolCalls(t *testing.T) {
	f := NewFilter(config.FamilyGLM)
	call := func(id string) []types.ToolCall {
		return []types.ToolCall{{
			ID: id, Type: "function",
			Function: types.ToolCallFunction{Name: "run", Arguments: "{}"},
		}}
	}
	req := &types.ChatRequest{
		Model: "glm-4.6",
		Messages: []types.ChatMessage{
			{Role: "user", Content: types.StringContent("first")},
			{Role: "assistant", ToolCalls: call("c1")},
			{Role: "tool", ToolCallID: "c1", Content: types.StringContent("ok")},
			{Role: "user", Content: types.StringContent("again")},
			{Role: "assistant", ToolCalls: call("c2")},
			{Role: "tool", ToolCallID: "c2", Content: types.StringContent("ok")},
		},
	}

	require.NoError(t, f.ApplyRequest(req))

	var assistantsWithCalls int
	for _, msg := range req.Messages {
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			assistantsWithCalls++
			assert.Equal(t, "c2", msg.ToolCalls[0].ID)
		}
	}
	assert.Equal(t, 1, assistantsWithCalls)

	// The tool result whose call was dropped must not survive orphaned.
	for _, msg := range req.Messages {
		if msg.Role == "tool" {
			assert.Equal(t, "c2", msg.ToolCallID)
		}
	}
}

func TestApplyRequestPairsToolMessages(t *testing.T) {
	f := NewFilter(config.FamilyOpenAI)
	req := &types.ChatRequest{
		Model: "m",
		Messages: []types.ChatMessage{
			{Role: "assistant", ToolCalls: []types.ToolCall{{
				ID: "c1", Type: "function",
				Function: types.ToolCallFunction{Name: "get_weather", Arguments: "{}"},
			}}},
			{Role: "tool", ToolCallID: "c1", Content: types.StringContent("sunny")},
		},
	}

	require.NoError(t, f.ApplyRequest(req))
	assert.Equal(t, "get_weather", req.Messages[1].Name)
}

func TestApplyRequestStripsReasoningTags(t *testing.T) {
	f := NewFilter(config.FamilyGLM)
	req := &types.ChatRequest{
		Model: "glm-4.6",
		Messages: []types.ChatMessage{
			{Role: "user", Content: types.StringContent("<think>secret</think>what is 2+2")},
		},
	}

	require.NoError(t, f.ApplyRequest(req))
	assert.Equal(t, "what is 2+2", types.TextOfContent(req.Messages[0].Content))
}

func TestApplyRequestExtraAllowList(t *testing.T) {
	f := NewFilter(config.FamilyGLM)
	req := &types.ChatRequest{
		Model:    "glm-4.6",
		Messages: []types.ChatMessage{{Role: "user", Content: types.StringContent("x")}},
		Extra: map[string]json.RawMessage{
			"do_sample":     json.RawMessage(`true`),
			"unknown_knob":  json.RawMessage(`1`),
			"another_thing": json.RawMessage(`"x"`),
		},
	}

	require.NoError(t, f.ApplyRequest(req))
	assert.Contains(t, req.Extra, "do_sample")
	assert.NotContains(t, req.Extra, "unknown_knob")
	assert.NotContains(t, req.Extra, "another_thing")
}

func TestApplyResponseFinishReasonAndUsage(t *testing.T) {
	f := NewFilter(config.FamilyGLM)
	resp := &types.ChatResponse{
		Choices: []types.Choice{{
			Message:      types.ChatMessage{Role: "assistant", Content: types.StringContent("ok")},
			FinishReason: "tool_use",
		}},
		Usage: &types.Usage{PromptTokens: 3, CompletionTokens: 4},
	}

	f.ApplyResponse(resp)
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestNormalizeRawResponseCreatedAtAndUsage(t *testing.T) {
	f := NewFilter(config.FamilyGLM)
	raw := []byte(`{
		"id": "x",
		"created_at": 1700000000,
		"choices": [],
		"usage": {"input_tokens": 5, "output_tokens": 2}
	}`)

	out := f.NormalizeRawResponse(raw)

	var payload struct {
		Created int64 `json:"created"`
		Usage   struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(out, &payload))
	assert.Equal(t, int64(1700000000), payload.Created)
	assert.Equal(t, 5, payload.Usage.PromptTokens)
	assert.Equal(t, 2, payload.Usage.CompletionTokens)
	assert.Equal(t, 7, payload.Usage.TotalTokens)
}

func TestNormalizeRawResponseRestrictsKeysWhenFilterActive(t *testing.T) {
	t.Setenv(config.EnvGLMResponseFilterBypass, "0")

	f := NewFilter(config.FamilyGLM)
	raw := []byte(`{
		"id": "x",
		"created_at": 1700000000,
		"choices": [],
		"request_id": "req-1",
		"video_result": {"url": "http://example.invalid"}
	}`)

	out := f.NormalizeRawResponse(raw)

	var payload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &payload))
	assert.NotContains(t, payload, "request_id")
	assert.NotContains(t, payload, "video_result")
	assert.Contains(t, payload, "created")
	assert.Contains(t, payload, "choices")
}

func TestNormalizeRawResponseKeepsUnknownKeysByDefault(t *testing.T) {
	f := NewFilter(config.FamilyGLM)
	raw := []byte(`{"id": "x", "choices": [], "request_id": "req-1"}`)

	out := f.NormalizeRawResponse(raw)

	var payload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &payload))
	assert.Contains(t, payload, "request_id")
}

func TestNormalizeRawResponseStringifiesToolArgs(t *testing.T) {
	f := NewFilter(config.FamilyGLM)
	raw := []byte(`{
		"id": "x",
		"choices": [{
			"index": 0,
			"message": {
				"role": "assistant",
				"tool_calls": [{
					"id": "c1",
					"type": "function",
					"function": {"name": "run", "arguments": {"cmd": "ls"}}
				}]
			},
			"finish_reason": "tool_calls"
		}]
	}`)

	out := f.NormalizeRawResponse(raw)

	var resp types.ChatResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Len(t, resp.Choices, 1)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	args := resp.Choices[0].Message.ToolCalls[0].Function.Arguments
	assert.JSONEq(t, `{"cmd":"ls"}`, args)
}
