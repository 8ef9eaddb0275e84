package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/routecodex/internal/auth"
	"github.com/Jasonzhangf/routecodex/internal/classify"
	"github.com/Jasonzhangf/routecodex/internal/codec"
	"github.com/Jasonzhangf/routecodex/internal/config"
	"github.com/Jasonzhangf/routecodex/internal/health"
	"github.com/Jasonzhangf/routecodex/internal/pipeline"
	"github.com/Jasonzhangf/routecodex/internal/router"
	"github.com/Jasonzhangf/routecodex/internal/session"
	"github.com/Jasonzhangf/routecodex/internal/transport"
	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// newTestServer assembles the full stack over a single chat upstream.
func newTestServer(t *testing.T, upstreamURL string) *httptest.Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Providers = []config.ProviderDescriptor{{
		ID:      "up",
		Family:  config.FamilyOpenAI,
		BaseURL: upstreamURL,
		Models: map[string]config.ModelCaps{
			"m-1": {SupportsTools: true},
			"m-2": {SupportsTools: true},
		},
		Keys: map[string]config.KeyBinding{
			"k": {Type: "apikey", APIKey: "sk"},
		},
	}}
	cfg.Routing = map[string][]string{
		config.CategoryDefault: {"up.k.m-1", "up.k.m-2"},
	}

	mgr := config.NewStaticManager(cfg, nil)
	hm := health.NewManager(cfg.Health, nil)
	rl := health.NewRateLimitManager(cfg.Health, health.NewMemoryCooldownStore(), hm, nil)
	sessions := session.NewStore(cfg.Session.TTL)
	classifier := classify.New(cfg.Classifier)

	engine, err := router.NewEngine(mgr, classifier, hm, rl, sessions, nil)
	require.NoError(t, err)

	codecs := codec.NewRegistry()
	assembler := pipeline.NewAssembler(mgr, auth.NewRegistry(t.TempDir(), nil), transport.NewClient(), codecs, nil)

	srv := httptest.NewServer(NewServer(mgr, engine, assembler, codecs, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func chatUpstream(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestChatCompletionsOneshot(t *testing.T) {
	upstream := chatUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"id": "c1", "object": "chat.completion", "model": "m-1",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
		}`))
	})
	srv := newTestServer(t, upstream.URL)

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"any","messages":[{"role":"user","content":"hello"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	var out types.ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "hi", types.TextOfContent(out.Choices[0].Message.Content))
}

func TestChatCompletionsFailover(t *testing.T) {
	var calls atomic.Int32
	upstream := chatUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream exploded"}}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"id": "c2", "object": "chat.completion", "model": "m-2",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "recovered"}, "finish_reason": "stop"}]
		}`))
	})
	srv := newTestServer(t, upstream.URL)

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"any","messages":[{"role":"user","content":"hello"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestValidationErrorEnvelope(t *testing.T) {
	srv := newTestServer(t, "http://unused")

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"","messages":[]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var envelope struct {
		Error struct {
			Message string         `json:"message"`
			Type    string         `json:"type"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "bad_request", envelope.Error.Type)
	assert.NotEmpty(t, envelope.Error.Details["requestId"])
}

func TestMessagesEntryOverChatUpstream(t *testing.T) {
	upstream := chatUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"id": "c1", "object": "chat.completion", "model": "m-1",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "bonjour"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 2, "completion_tokens": 3, "total_tokens": 5}
		}`))
	})
	srv := newTestServer(t, upstream.URL)

	resp, err := http.Post(srv.URL+"/v1/messages", "application/json",
		strings.NewReader(`{"model":"any","max_tokens":100,"messages":[{"role":"user","content":"salut"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out types.MessagesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "message", out.Type)
	require.NotEmpty(t, out.Content)
	assert.Equal(t, "bonjour", out.Content[0].Text)
	assert.Equal(t, "end_turn", out.StopReason)
}

func TestChatStreamPassthrough(t *testing.T) {
	upstream := chatUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	})
	srv := newTestServer(t, upstream.URL)

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"any","stream":true,"messages":[{"role":"user","content":"hello"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body := readAllString(t, resp)
	assert.Contains(t, body, `"content":"hi"`)
	assert.Equal(t, 1, strings.Count(body, "[DONE]"))
}

func TestMessagesStreamOverChatUpstream(t *testing.T) {
	upstream := chatUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"model\":\"m-1\",\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"hey\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	})
	srv := newTestServer(t, upstream.URL)

	resp, err := http.Post(srv.URL+"/v1/messages", "application/json",
		strings.NewReader(`{"model":"any","max_tokens":10,"stream":true,"messages":[{"role":"user","content":"yo"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	body := readAllString(t, resp)
	assert.Contains(t, body, "event: message_start")
	assert.Contains(t, body, `"text_delta"`)
	assert.Equal(t, 1, strings.Count(body, "event: message_stop"))
	assert.NotContains(t, body, "[DONE]")
}

func TestCompletionsBridge(t *testing.T) {
	upstream := chatUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		var req types.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "complete me", types.TextOfContent(req.Messages[0].Content))

		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "model": "m-1",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "done"}, "finish_reason": "stop"}]
		}`))
	})
	srv := newTestServer(t, upstream.URL)

	resp, err := http.Post(srv.URL+"/v1/completions", "application/json",
		strings.NewReader(`{"model":"any","prompt":"complete me"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out completionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "text_completion", out.Object)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "done", out.Choices[0].Text)
}

func TestModelsListing(t *testing.T) {
	srv := newTestServer(t, "http://unused")

	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()

	var list modelList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 2)
	assert.Equal(t, "m-1", list.Data[0].ID)
	assert.Equal(t, "up", list.Data[0].OwnedBy)

	single, err := http.Get(srv.URL + "/v1/models/m-2")
	require.NoError(t, err)
	defer single.Body.Close()
	assert.Equal(t, http.StatusOK, single.StatusCode)

	missing, err := http.Get(srv.URL + "/v1/models/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestEmbeddingsPassthrough(t *testing.T) {
	upstream := chatUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		_, _ = w.Write([]byte(`{"object":"list","data":[{"embedding":[0.1,0.2]}]}`))
	})
	srv := newTestServer(t, upstream.URL)

	resp, err := http.Post(srv.URL+"/v1/embeddings", "application/json",
		strings.NewReader(`{"model":"m-1","input":"text"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := readAllString(t, resp)
	assert.Contains(t, body, "embedding")
}

func TestWriteErrorHidesUnclassifiedDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)

	writeError(rec, req, errors.New("dial tcp 10.0.0.5:443: connect: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "internal server error", envelope.Error.Message)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestWriteErrorKeepsClassifiedMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)

	writeError(rec, req, proxyerrors.NewValidationError("model is required"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "model is required")
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, "http://unused")
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func readAllString(t *testing.T, resp *http.Response) string {
	t.Helper()
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return sb.String()
}
