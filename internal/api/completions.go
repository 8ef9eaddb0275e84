package api

import (
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/Jasonzhangf/routecodex/internal/router"
	"github.com/Jasonzhangf/routecodex/internal/streaming"
	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// completionRequest is the legacy text completion shape. Prompt accepts a
// string or an array of strings.
type completionRequest struct {
	Model       string          `json:"model"`
	Prompt      json.RawMessage `json:"prompt"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	User        string          `json:"user,omitempty"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   *types.Usage       `json:"usage,omitempty"`
}

type completionChoice struct {
	Text         string `json:"text"`
	Index        int    `json:"index"`
	LogProbs     any    `json:"logprobs"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// handleCompletions serves the legacy endpoint by bridging onto the chat
// pivot.
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var in completionRequest
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, r, proxyerrors.NewValidationError("invalid request body: "+err.Error()))
		return
	}
	if in.Model == "" {
		writeError(w, r, proxyerrors.NewValidationError("model is required"))
		return
	}
	prompt, err := completionPrompt(in.Prompt)
	if err != nil {
		writeError(w, r, err)
		return
	}

	req := &types.ChatRequest{
		Model:       in.Model,
		Messages:    []types.ChatMessage{{Role: "user", Content: types.StringContent(prompt)}},
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stop:        in.Stop,
		Stream:      in.Stream,
		User:        in.User,
	}

	s.serve(w, r, req, types.ProtocolOpenAIChat, completionRenderer{})
}

func completionPrompt(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", proxyerrors.NewValidationError("prompt is required")
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single, nil
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return strings.Join(many, "\n"), nil
	}
	return "", proxyerrors.NewValidationError("prompt must be a string or an array of strings")
}

// completionRenderer converts chat pivot output to the legacy shape.
type completionRenderer struct{}

func (completionRenderer) oneshot(resp *types.ChatResponse) ([]byte, error) {
	out := completionResponse{
		ID:      strings.Replace(resp.ID, "chatcmpl", "cmpl", 1),
		Object:  "text_completion",
		Created: resp.Created,
		Model:   resp.Model,
		Usage:   resp.Usage,
	}
	for i, choice := range resp.Choices {
		out.Choices = append(out.Choices, completionChoice{
			Text:         types.TextOfContent(choice.Message.Content),
			Index:        i,
			FinishReason: choice.FinishReason,
		})
	}
	return json.Marshal(out)
}

func (completionRenderer) live(upstream types.Protocol, t router.Target, model string) streaming.Converter {
	toChat := codecRenderer{entry: types.ProtocolOpenAIChat}.live(upstream, t, model)
	return streaming.NewChain(toChat, newCompletionStream())
}

func (completionRenderer) synth(_ router.Target, _ string) streaming.Converter {
	return newCompletionStream()
}

// completionStream rewrites chat chunks into legacy completion chunks.
type completionStream struct {
	doneSent bool
	failSent bool
}

func newCompletionStream() *completionStream {
	return &completionStream{}
}

// Convert implements streaming.Converter.
func (c *completionStream) Convert(ev streaming.Event) ([]streaming.Event, error) {
	if ev.IsDone() {
		if c.doneSent {
			return nil, nil
		}
		c.doneSent = true
		return []streaming.Event{streaming.DoneEvent()}, nil
	}

	var chunk types.StreamChunk
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return nil, proxyerrors.NewProtocolDriftError("chat_stream_parse",
			"stream chunk is not valid JSON: "+err.Error())
	}

	out := completionResponse{
		ID:      strings.Replace(chunk.ID, "chatcmpl", "cmpl", 1),
		Object:  "text_completion",
		Created: chunk.Created,
		Model:   chunk.Model,
		Usage:   chunk.Usage,
	}
	for i, choice := range chunk.Choices {
		out.Choices = append(out.Choices, completionChoice{
			Text:         choice.Delta.Content,
			Index:        i,
			FinishReason: choice.FinishReason,
		})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return []streaming.Event{{Data: data}}, nil
}

// Fail implements streaming.Converter.
func (c *completionStream) Fail(perr *proxyerrors.ProxyError) []streaming.Event {
	if c.failSent {
		return nil
	}
	c.failSent = true
	data, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": perr.Message,
			"type":    perr.Type,
			"code":    perr.Code,
		},
	})
	return []streaming.Event{{Data: data}}
}

// Finish implements streaming.Converter.
func (c *completionStream) Finish() []streaming.Event {
	if c.doneSent {
		return nil
	}
	c.doneSent = true
	return []streaming.Event{streaming.DoneEvent()}
}
