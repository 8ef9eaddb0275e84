package streaming

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// Converter rewrites upstream events into client events. Convert returns the
// events to emit for one input; Fail returns the dialect's error event when
// the upstream aborts; Finish returns the terminal events once the upstream
// ends. Fail is called at most once, before Finish, and Finish must be
// idempotent.
type Converter interface {
	Convert(ev Event) ([]Event, error)
	Fail(perr *proxyerrors.ProxyError) []Event
	Finish() []Event
}

// Pipe drives an upstream SSE body through a converter into the client
// writer. An aborted upstream surfaces as the dialect's error event followed
// by the terminal events, so the client always sees a shaped stream end.
func Pipe(ctx context.Context, w http.ResponseWriter, body io.ReadCloser, conv Converter, idle time.Duration) error {
	defer body.Close()

	reader := NewReader(body, idle)
	writer := NewWriter(w)
	writer.Begin()

	var streamErr error
	for {
		ev, err := reader.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			break
		}

		outs, err := conv.Convert(*ev)
		if err != nil {
			streamErr = err
			break
		}
		for _, out := range outs {
			if werr := writer.Send(out); werr != nil {
				return werr
			}
		}
	}

	if streamErr != nil {
		for _, out := range conv.Fail(abortError(streamErr)) {
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
	return streamErr
}

// abortError coerces a stream failure into a ProxyError for Fail.
func abortError(err error) *proxyerrors.ProxyError {
	var perr *proxyerrors.ProxyError
	if errors.As(err, &perr) {
		return perr
	}
	return proxyerrors.NewStreamAbortError("", "", "upstream stream aborted: "+err.Error())
}

// chatErrorEvent renders a ProxyError as an in-stream chat error payload.
func chatErrorEvent(perr *proxyerrors.ProxyError) Event {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": perr.Message,
			"type":    perr.Type,
			"code":    perr.Code,
		},
	})
	return Event{Data: data}
}

// anthropicErrorEvent renders a ProxyError as an Anthropic error event.
func anthropicErrorEvent(perr *proxyerrors.ProxyError) Event {
	data, _ := json.Marshal(map[string]any{
		"type": types.AnthropicEventError,
		"error": map[string]any{
			"type":    "api_error",
			"message": perr.Message,
		},
	})
	return Event{Name: types.AnthropicEventError, Data: data}
}

// responsesErrorEvent renders a ProxyError as a Responses error event.
func responsesErrorEvent(perr *proxyerrors.ProxyError) Event {
	data, _ := json.Marshal(map[string]any{
		"type":    "error",
		"code":    perr.Code,
		"message": perr.Message,
	})
	return Event{Name: "error", Data: data}
}

// Passthrough forwards events unchanged. Used when the client and upstream
// speak the same dialect; the idle timeout still applies via the reader.
type Passthrough struct {
	protocol       types.Protocol
	synthesizeDone bool
	sawDone        bool
	failed         bool
}

// NewPassthrough creates an identity converter for a named-event dialect,
// which carries its own terminal events.
func NewPassthrough(protocol types.Protocol) *Passthrough {
	return &Passthrough{protocol: protocol}
}

// NewChatPassthrough creates an identity converter that appends the [DONE]
// sentinel when the upstream ends without one.
func NewChatPassthrough() *Passthrough {
	return &Passthrough{protocol: types.ProtocolOpenAIChat, synthesizeDone: true}
}

// Convert implements Converter.
func (p *Passthrough) Convert(ev Event) ([]Event, error) {
	if ev.IsDone() {
		p.sawDone = true
	}
	return []Event{ev}, nil
}

// Fail implements Converter.
func (p *Passthrough) Fail(perr *proxyerrors.ProxyError) []Event {
	if p.failed {
		return nil
	}
	p.failed = true
	switch p.protocol {
	case types.ProtocolAnthropic:
		return []Event{anthropicErrorEvent(perr)}
	case types.ProtocolOpenAIResponses:
		return []Event{responsesErrorEvent(perr)}
	default:
		return []Event{chatErrorEvent(perr)}
	}
}

// Finish implements Converter.
func (p *Passthrough) Finish() []Event {
	if p.synthesizeDone && !p.sawDone {
		p.sawDone = true
		return []Event{DoneEvent()}
	}
	return nil
}
