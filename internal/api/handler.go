package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/Jasonzhangf/routecodex/internal/codec"
	"github.com/Jasonzhangf/routecodex/internal/config"
	"github.com/Jasonzhangf/routecodex/internal/metrics"
	"github.com/Jasonzhangf/routecodex/internal/pipeline"
	"github.com/Jasonzhangf/routecodex/internal/router"
	"github.com/Jasonzhangf/routecodex/internal/streaming"
	"github.com/Jasonzhangf/routecodex/internal/tokenizer"
	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// renderer shapes the outgoing response for one entry dialect.
type renderer interface {
	// oneshot encodes a complete pivot response.
	oneshot(resp *types.ChatResponse) ([]byte, error)
	// live converts a running upstream stream into the entry dialect.
	live(upstream types.Protocol, t router.Target, model string) streaming.Converter
	// synth converts replayed chat chunks into the entry dialect, for
	// oneshot upstreams serving stream clients.
	synth(t router.Target, model string) streaming.Converter
}

// codecRenderer renders through the protocol codecs.
type codecRenderer struct {
	entry types.Protocol
	codec codec.Codec
}

func (c codecRenderer) oneshot(resp *types.ChatResponse) ([]byte, error) {
	return c.codec.EncodeResponse(resp)
}

func (c codecRenderer) live(upstream types.Protocol, t router.Target, model string) streaming.Converter {
	toChat := func() streaming.Converter {
		switch upstream {
		case types.ProtocolAnthropic:
			return streaming.NewAnthropicToChat(t.ProviderID, model)
		case types.ProtocolOpenAIResponses:
			return streaming.NewResponsesToChat(t.ProviderID, model)
		case types.ProtocolGemini:
			return streaming.NewGeminiToChat(model)
		default:
			return streaming.NewChatPassthrough()
		}
	}

	switch c.entry {
	case types.ProtocolAnthropic:
		if upstream == types.ProtocolAnthropic {
			return streaming.NewPassthrough(types.ProtocolAnthropic)
		}
		return streaming.NewChain(toChat(), streaming.NewChatToAnthropic())
	case types.ProtocolOpenAIResponses:
		if upstream == types.ProtocolOpenAIResponses {
			return streaming.NewPassthrough(types.ProtocolOpenAIResponses)
		}
		return streaming.NewChain(toChat(), streaming.NewChatToResponses(model))
	default:
		return toChat()
	}
}

func (c codecRenderer) synth(t router.Target, model string) streaming.Converter {
	switch c.entry {
	case types.ProtocolAnthropic:
		return streaming.NewChatToAnthropic()
	case types.ProtocolOpenAIResponses:
		return streaming.NewChatToResponses(model)
	default:
		return streaming.NewChatPassthrough()
	}
}

// handleEntry serves one of the protocol entry endpoints.
func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request, entry types.Protocol) {
	entryCodec, err := s.codecs.Get(entry)
	if err != nil {
		writeError(w, r, err)
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	req, err := entryCodec.DecodeRequest(body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.serve(w, r, req, entry, codecRenderer{entry: entry, codec: entryCodec})
}

// serve runs the full request orchestration: route, pipeline, dispatch, and
// failover across targets while upstream failures stay retryable.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, req *types.ChatRequest, entry types.Protocol, render renderer) {
	ctx := r.Context()
	start := time.Now()

	clientStream := req.Stream
	sessionID := s.sessionID(r, req)
	tokens := tokenizer.EstimateChatTokens(req)

	exclude := make(map[string]struct{})
	for attempt := 0; ; attempt++ {
		dec, err := s.engine.Route(ctx, router.RouteInput{
			SessionID:  sessionID,
			Request:    req,
			TokenCount: tokens,
			Exclude:    exclude,
		})
		if err != nil {
			writeError(w, r, err)
			s.record(router.Target{}, "", err, start)
			return
		}

		if dec.StopMessage != "" {
			s.writeStopMessage(w, r, req, dec, render, clientStream)
			return
		}

		pl, err := s.assembler.For(dec.Target)
		if err != nil {
			writeError(w, r, err)
			s.record(dec.Target, dec.Category, err, start)
			return
		}

		// Anthropic clients over chat upstreams can be forced through the
		// oneshot path when live conversion is toggled off.
		wantStream := clientStream
		if clientStream && entry == types.ProtocolAnthropic &&
			dec.Target.Protocol == types.ProtocolOpenAIChat &&
			!config.EnvBool(config.EnvO2AStream, true) {
			wantStream = false
		}

		up, execErr := pl.Execute(ctx, cloneRequest(req), wantStream)
		if execErr != nil {
			perr := asProxyError(execErr)
			retry := s.engine.RecordFailure(ctx, sessionID, dec.Target, perr)
			exclude[dec.Target.RuntimeKey] = struct{}{}

			if retry && attempt+1 < s.attemptLimit(dec.Category) {
				if s.logger != nil {
					s.logger.Warn("target failed, trying next",
						"target", dec.Target.RuntimeKey, "error", execErr)
				}
				continue
			}
			writeError(w, r, perr)
			s.record(dec.Target, dec.Category, perr, start)
			return
		}

		s.engine.RecordSuccess(sessionID, dec.Target)
		s.finish(ctx, w, r, up, dec, render, clientStream, start)
		return
	}
}

// finish writes the response for a successful dispatch.
func (s *Server) finish(ctx context.Context, w http.ResponseWriter, r *http.Request, up *pipeline.Upstream, dec *router.Decision, render renderer, clientStream bool, start time.Time) {
	target := dec.Target

	if clientStream && up.Stream {
		conv := render.live(up.Protocol, target, target.ModelID)
		if err := streaming.Pipe(ctx, w, up.Response.Body, conv, s.streamIdle()); err != nil {
			if s.logger != nil {
				s.logger.Warn("stream ended with error",
					"target", target.RuntimeKey, "error", err)
			}
		}
		metrics.RecordStreamEvent(string(up.Protocol), "completed")
		s.record(target, dec.Category, nil, start)
		return
	}

	resp, err := up.Decode(ctx)
	if err != nil {
		writeError(w, r, err)
		s.record(target, dec.Category, err, start)
		return
	}

	if resp.Usage != nil {
		metrics.RecordTokens(target.ProviderID, target.ModelID,
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}

	if clientStream {
		conv := render.synth(target, resp.Model)
		if err := streaming.Replay(w, streaming.ChunksFromResponse(resp), conv); err != nil && s.logger != nil {
			s.logger.Warn("stream replay failed", "target", target.RuntimeKey, "error", err)
		}
		s.record(target, dec.Category, nil, start)
		return
	}

	out, err := render.oneshot(resp)
	if err != nil {
		writeError(w, r, err)
		s.record(target, dec.Category, err, start)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
	s.record(target, dec.Category, nil, start)
}

// writeStopMessage answers with the session's canned stop message instead of
// dispatching upstream.
func (s *Server) writeStopMessage(w http.ResponseWriter, r *http.Request, req *types.ChatRequest, dec *router.Decision, render renderer, clientStream bool) {
	resp := &types.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []types.Choice{{
			Message: types.ChatMessage{
				Role:    "assistant",
				Content: types.StringContent(dec.StopMessage),
			},
			FinishReason: "stop",
		}},
	}

	if clientStream {
		conv := render.synth(dec.Target, resp.Model)
		_ = streaming.Replay(w, streaming.ChunksFromResponse(resp), conv)
		return
	}

	out, err := render.oneshot(resp)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// attemptLimit bounds failover to one pass over the category pool.
func (s *Server) attemptLimit(category string) int {
	pool := s.engine.Pools().Pool(category)
	if pool == nil || len(pool.Targets) == 0 {
		return 1
	}
	return len(pool.Targets)
}

func (s *Server) record(t router.Target, category string, err error, start time.Time) {
	provider, model := t.ProviderID, t.ModelID
	if provider == "" {
		provider = "none"
	}
	if model == "" {
		model = "none"
	}
	status := http.StatusOK
	if err != nil {
		status = asProxyError(err).HTTPStatusCode()
	}
	elapsed := time.Since(start)
	metrics.RecordRequest(provider, model, category, strconv.Itoa(status), elapsed)

	if config.StatsEnabled() && s.logger != nil {
		s.logger.Info("request stats",
			"provider", provider, "model", model, "category", category,
			"status", status, "duration_ms", elapsed.Milliseconds())
	}
}

func (s *Server) streamIdle() time.Duration {
	return s.cfg.Get().Stream.IdleTimeout
}

// sessionID resolves the routing session for a request: explicit header
// first, then the user field, else the conversation is stateless.
func (s *Server) sessionID(r *http.Request, req *types.ChatRequest) string {
	if id := r.Header.Get("x-session-id"); id != "" {
		return id
	}
	if req != nil && req.User != "" {
		return req.User
	}
	return ""
}

// readBody drains the request body under the configured size cap.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	maxBody := s.cfg.Get().Server.MaxBodySize
	if maxBody <= 0 {
		maxBody = 32 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &proxyerrors.ProxyError{
				StatusCode: http.StatusRequestEntityTooLarge,
				Type:       proxyerrors.TypeBadRequest,
				Message:    "request body exceeds the size limit",
				Kind:       proxyerrors.KindValidation,
			}
		}
		return nil, proxyerrors.NewValidationError("read request body: " + err.Error())
	}
	return body, nil
}

// cloneRequest deep-copies the pivot request so a failover attempt never
// sees the previous attempt's rewrites.
func cloneRequest(req *types.ChatRequest) *types.ChatRequest {
	data, err := json.Marshal(req)
	if err != nil {
		return req
	}
	var clone types.ChatRequest
	if err := json.Unmarshal(data, &clone); err != nil {
		return req
	}
	return &clone
}
