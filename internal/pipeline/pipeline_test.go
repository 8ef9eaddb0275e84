package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/routecodex/internal/auth"
	"github.com/Jasonzhangf/routecodex/internal/codec"
	"github.com/Jasonzhangf/routecodex/internal/config"
	"github.com/Jasonzhangf/routecodex/internal/router"
	"github.com/Jasonzhangf/routecodex/internal/transport"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

func testAssembler(t *testing.T, baseURL string, family config.Family, caps config.ModelCaps) (*Assembler, router.Target) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Providers = []config.ProviderDescriptor{{
		ID:      "up",
		Family:  family,
		BaseURL: baseURL,
		Models:  map[string]config.ModelCaps{"target-model": caps},
		Keys: map[string]config.KeyBinding{
			"k": {Type: "apikey", APIKey: "sk"},
		},
	}}
	mgr := config.NewStaticManager(cfg, nil)
	a := NewAssembler(mgr, auth.NewRegistry(t.TempDir(), nil), transport.NewClient(), codec.NewRegistry(), nil)
	return a, router.NewTarget("up", "k", "target-model", family)
}

func TestExecuteOneshotRewritesModel(t *testing.T) {
	var got struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
		Tools  []any  `json:"tools"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "c1",
			"created_at": 1700000000,
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi"}, "finish_reason": "tool_use"}],
			"usage": {"input_tokens": 3, "output_tokens": 2}
		}`))
	}))
	defer srv.Close()

	a, target := testAssembler(t, srv.URL, config.FamilyGLM, config.ModelCaps{SupportsTools: true})
	p, err := a.For(target)
	require.NoError(t, err)

	strict := true
	req := &types.ChatRequest{
		Model:    "client-alias",
		Messages: []types.ChatMessage{{Role: "user", Content: types.StringContent("hello")}},
		Tools: []types.Tool{{Type: "function", Function: types.ToolFunction{
			Name:   "lookup",
			Strict: &strict,
		}}},
	}

	up, err := p.Execute(context.Background(), req, false)
	require.NoError(t, err)
	assert.False(t, up.Stream)
	assert.Equal(t, "target-model", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Tools, 1)

	// GLM profile strips the strict flag before dispatch.
	assert.Nil(t, req.Tools[0].Function.Strict)

	resp, err := up.Decode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "client-alias", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 3, resp.Usage.PromptTokens)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestWorkflowForcesOneshotWhenModelCannotStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEqual(t, "text/event-stream", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`{"id":"c1","choices":[]}`))
	}))
	defer srv.Close()

	a, target := testAssembler(t, srv.URL, config.FamilyOpenAI, config.ModelCaps{NoStreaming: true})
	p, err := a.For(target)
	require.NoError(t, err)

	req := &types.ChatRequest{
		Model:         "m",
		Messages:      []types.ChatMessage{{Role: "user", Content: types.StringContent("hi")}},
		StreamOptions: &types.StreamOptions{IncludeUsage: true},
	}
	up, err := p.Execute(context.Background(), req, true)
	require.NoError(t, err)
	defer up.Response.Body.Close()

	assert.False(t, up.Stream)
	assert.False(t, req.Stream)
	assert.Nil(t, req.StreamOptions)
}

func TestWorkflowDropsToolsWhenUnsupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"c1","choices":[]}`))
	}))
	defer srv.Close()

	a, target := testAssembler(t, srv.URL, config.FamilyOpenAI, config.ModelCaps{})
	p, err := a.For(target)
	require.NoError(t, err)

	req := &types.ChatRequest{
		Model:    "m",
		Messages: []types.ChatMessage{{Role: "user", Content: types.StringContent("hi")}},
		Tools:    []types.Tool{{Type: "function", Function: types.ToolFunction{Name: "f"}}},
	}
	up, err := p.Execute(context.Background(), req, false)
	require.NoError(t, err)
	defer up.Response.Body.Close()

	assert.Empty(t, req.Tools)
}

func TestExecuteEncodesAnthropicUpstream(t *testing.T) {
	var raw map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &raw))
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant",
			"content": [{"type": "text", "text": "ok"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 1, "output_tokens": 1}
		}`))
	}))
	defer srv.Close()

	a, target := testAssembler(t, srv.URL, config.FamilyAnthropic, config.ModelCaps{})
	p, err := a.For(target)
	require.NoError(t, err)

	req := &types.ChatRequest{
		Model: "m",
		Messages: []types.ChatMessage{
			{Role: "system", Content: types.StringContent("be brief")},
			{Role: "user", Content: types.StringContent("hi")},
		},
	}
	up, err := p.Execute(context.Background(), req, false)
	require.NoError(t, err)
	assert.Equal(t, types.ProtocolAnthropic, up.Protocol)

	var system string
	require.NoError(t, json.Unmarshal(raw["system"], &system))
	assert.Equal(t, "be brief", system)
	assert.Contains(t, raw, "max_tokens")

	resp, err := up.Decode(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
}

func TestWorkflowAppliesSystemPromptOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(config.EnvSystemPromptSource, "codex")
	promptDir := filepath.Join(home, ".routecodex", "prompts")
	require.NoError(t, os.MkdirAll(promptDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(promptDir, "codex.md"), []byte("You are a coding agent.\n"), 0o644))

	w := newWorkflow()
	require.Equal(t, "You are a coding agent.", w.systemPrompt)

	replaced := &types.ChatRequest{
		Model: "m",
		Messages: []types.ChatMessage{
			{Role: "system", Content: types.StringContent("old prompt")},
			{Role: "user", Content: types.StringContent("hi")},
		},
	}
	require.NoError(t, w.ProcessIncoming(context.Background(), &Exchange{Request: replaced}))
	assert.Equal(t, "You are a coding agent.", types.TextOfContent(replaced.Messages[0].Content))
	assert.Len(t, replaced.Messages, 2)

	prepended := &types.ChatRequest{
		Model:    "m",
		Messages: []types.ChatMessage{{Role: "user", Content: types.StringContent("hi")}},
	}
	require.NoError(t, w.ProcessIncoming(context.Background(), &Exchange{Request: prepended}))
	require.Len(t, prepended.Messages, 2)
	assert.Equal(t, "system", prepended.Messages[0].Role)
	assert.Equal(t, "You are a coding agent.", types.TextOfContent(prepended.Messages[0].Content))
}

func TestWorkflowWithoutPromptSourceLeavesMessages(t *testing.T) {
	t.Setenv(config.EnvSystemPromptSource, "")

	w := newWorkflow()
	assert.Empty(t, w.systemPrompt)

	req := &types.ChatRequest{
		Model:    "m",
		Messages: []types.ChatMessage{{Role: "user", Content: types.StringContent("hi")}},
	}
	require.NoError(t, w.ProcessIncoming(context.Background(), &Exchange{Request: req}))
	assert.Len(t, req.Messages, 1)
}

func TestAssemblerReusesPipelines(t *testing.T) {
	a, target := testAssembler(t, "http://unused", config.FamilyOpenAI, config.ModelCaps{})

	p1, err := a.For(target)
	require.NoError(t, err)
	p2, err := a.For(target)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
}

func TestAssemblerRejectsUnknownModel(t *testing.T) {
	a, _ := testAssembler(t, "http://unused", config.FamilyOpenAI, config.ModelCaps{})
	_, err := a.For(router.NewTarget("up", "k", "absent", config.FamilyOpenAI))
	require.Error(t, err)
}
