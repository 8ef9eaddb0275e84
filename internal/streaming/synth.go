package streaming

import (
	"net/http"

	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// Chain composes two converters: upstream events run through first, and its
// output runs through second. Used for entry/upstream pairs that pivot
// through the chat dialect.
type Chain struct {
	first  Converter
	second Converter
}

// NewChain composes first then second.
func NewChain(first, second Converter) *Chain {
	return &Chain{first: first, second: second}
}

// Convert implements Converter.
func (c *Chain) Convert(ev Event) ([]Event, error) {
	mid, err := c.first.Convert(ev)
	if err != nil {
		return nil, err
	}
	return c.fanOut(mid)
}

// Fail implements Converter. The error surfaces in the client-facing
// dialect, so only the second converter renders it.
func (c *Chain) Fail(perr *proxyerrors.ProxyError) []Event {
	return c.second.Fail(perr)
}

// Finish implements Converter.
func (c *Chain) Finish() []Event {
	out, _ := c.fanOut(c.first.Finish())
	out = append(out, c.second.Finish()...)
	return out
}

func (c *Chain) fanOut(events []Event) ([]Event, error) {
	var out []Event
	for _, ev := range events {
		next, err := c.second.Convert(ev)
		if err != nil {
			return out, err
		}
		out = append(out, next...)
	}
	return out, nil
}

// ChunksFromResponse replays a complete chat response as a chat stream:
// role, content, tool calls, then the finish chunk and [DONE]. Used when the
// client asked for a stream but the target model only supports oneshot.
func ChunksFromResponse(resp *types.ChatResponse) []Event {
	var events []Event

	chunk := func(delta types.StreamDelta, finish string, usage *types.Usage) {
		events = append(events, marshalChunk(&types.StreamChunk{
			ID:      resp.ID,
			Object:  "chat.completion.chunk",
			Created: resp.Created,
			Model:   resp.Model,
			Choices: []types.StreamChoice{{Delta: delta, FinishReason: finish}},
			Usage:   usage,
		}))
	}

	chunk(types.StreamDelta{Role: "assistant"}, "", nil)

	finish := "stop"
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}

		if text := types.TextOfContent(choice.Message.Content); text != "" {
			chunk(types.StreamDelta{Content: text}, "", nil)
		}
		for i, call := range choice.Message.ToolCalls {
			i := i
			call.Index = &i
			if call.Type == "" {
				call.Type = "function"
			}
			chunk(types.StreamDelta{ToolCalls: []types.ToolCall{call}}, "", nil)
		}
	}

	chunk(types.StreamDelta{}, finish, resp.Usage)
	events = append(events, DoneEvent())
	return events
}

// Replay drives pre-built chat events through a converter into the client
// writer, finishing the converter afterwards.
func Replay(w http.ResponseWriter, events []Event, conv Converter) error {
	writer := NewWriter(w)
	writer.Begin()

	for _, ev := range events {
		outs, err := conv.Convert(ev)
		if err != nil {
			return err
		}
		for _, out := range outs {
			if werr := writer.Send(out); werr != nil {
				return werr
			}
		}
	}
	for _, out := range conv.Finish() {
		if werr := writer.Send(out); werr != nil {
			return werr
		}
	}
	return nil
}
