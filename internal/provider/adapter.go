// Package provider performs the outbound call for one (provider, key)
// binding: endpoint resolution, header assembly, auth injection, error
// classification and the single OAuth refresh-retry.
package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/Jasonzhangf/routecodex/internal/auth"
	"github.com/Jasonzhangf/routecodex/internal/config"
	"github.com/Jasonzhangf/routecodex/internal/metrics"
	"github.com/Jasonzhangf/routecodex/internal/transport"
	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// Adapter dispatches requests to one provider with one key binding.
type Adapter struct {
	desc           *config.ProviderDescriptor
	keyAlias       string
	binding        config.KeyBinding
	authProv       auth.Provider
	client         *transport.Client
	logger         *slog.Logger
	snapshotDir    string
	headersTimeout time.Duration
}

// NewAdapter builds an adapter for a (provider, key alias) pair. The headers
// timeout bounds the wait for response headers on streaming dispatches.
func NewAdapter(desc *config.ProviderDescriptor, keyAlias string, authProv auth.Provider, client *transport.Client, snapshotDir string, headersTimeout time.Duration, logger *slog.Logger) (*Adapter, error) {
	kb, ok := desc.Keys[keyAlias]
	if !ok {
		return nil, proxyerrors.NewRoutingError("unknown_key",
			fmt.Sprintf("provider %s has no key %s", desc.ID, keyAlias))
	}
	return &Adapter{
		desc:           desc,
		keyAlias:       keyAlias,
		binding:        kb,
		authProv:       authProv,
		client:         client,
		logger:         logger,
		snapshotDir:    snapshotDir,
		headersTimeout: headersTimeout,
	}, nil
}

// Endpoint resolves the full upstream URL for a protocol and model.
func (a *Adapter) Endpoint(protocol types.Protocol, model string, stream bool) string {
	endpoint := a.desc.DefaultEndpoint
	if endpoint == "" {
		endpoint = defaultEndpointFor(protocol, model, stream)
	}
	return JoinURL(a.desc.BaseURL, endpoint)
}

func defaultEndpointFor(protocol types.Protocol, model string, stream bool) string {
	switch protocol {
	case types.ProtocolAnthropic:
		return "/v1/messages"
	case types.ProtocolOpenAIResponses:
		return "/v1/responses"
	case types.ProtocolGemini:
		verb := "generateContent"
		if stream {
			verb = "streamGenerateContent?alt=sse"
		}
		return "/v1beta/models/" + model + ":" + verb
	default:
		return "/v1/chat/completions"
	}
}

// JoinURL concatenates a base URL and an endpoint path without duplicating
// the /v1 segment when both carry it.
func JoinURL(baseURL, endpoint string) string {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	if strings.HasSuffix(base, "/v1") && strings.HasPrefix(endpoint, "/v1/") {
		endpoint = strings.TrimPrefix(endpoint, "/v1")
	}
	return base + endpoint
}

// Dispatch performs the upstream call and returns the raw response with its
// body open. Non-2xx statuses are classified into a ProxyError; a 401 on an
// OAuth binding triggers exactly one refresh and retry.
func (a *Adapter) Dispatch(ctx context.Context, body []byte, model string, stream bool) (*http.Response, error) {
	if isGLMCodingHost(a.desc.BaseURL) {
		body = MapGLMCodingRequest(body)
	}

	a.snapshot(body)

	resp, err := a.send(ctx, body, model, stream)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && auth.IsOAuth(a.binding) {
		drainBody(resp)
		if rerr := a.authProv.Refresh(ctx); rerr != nil {
			return nil, proxyerrors.NewAuthError(a.desc.ID, model,
				"oauth refresh after 401 failed: "+rerr.Error())
		}
		resp, err = a.send(ctx, body, model, stream)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := readErrorMessage(resp)
		perr := proxyerrors.FromUpstreamStatus(resp.StatusCode, a.desc.ID, model, message, auth.IsOAuth(a.binding))
		metrics.RecordError(a.desc.ID, string(perr.Kind))
		return nil, perr
	}

	return resp, nil
}

// DispatchPath performs an upstream call against an explicit endpoint path,
// bypassing protocol endpoint resolution. Used for passthrough surfaces like
// embeddings.
func (a *Adapter) DispatchPath(ctx context.Context, path string, body []byte) (*http.Response, error) {
	resp, err := a.sendTo(ctx, JoinURL(a.desc.BaseURL, path), body, false)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && auth.IsOAuth(a.binding) {
		drainBody(resp)
		if rerr := a.authProv.Refresh(ctx); rerr != nil {
			return nil, proxyerrors.NewAuthError(a.desc.ID, "",
				"oauth refresh after 401 failed: "+rerr.Error())
		}
		resp, err = a.sendTo(ctx, JoinURL(a.desc.BaseURL, path), body, false)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := readErrorMessage(resp)
		perr := proxyerrors.FromUpstreamStatus(resp.StatusCode, a.desc.ID, "", message, auth.IsOAuth(a.binding))
		metrics.RecordError(a.desc.ID, string(perr.Kind))
		return nil, perr
	}
	return resp, nil
}

func (a *Adapter) send(ctx context.Context, body []byte, model string, stream bool) (*http.Response, error) {
	protocol := a.desc.Family.Protocol()
	return a.sendTo(ctx, a.Endpoint(protocol, model, stream), body, stream)
}

func (a *Adapter) sendTo(ctx context.Context, url string, body []byte, stream bool) (*http.Response, error) {
	headers := map[string]string{
		"Content-Type": "application/json",
	}
	if stream {
		headers["Accept"] = "text/event-stream"
	}
	for name, value := range a.desc.DefaultHeaders {
		headers[name] = value
	}
	authHeaders, err := a.authProv.Headers(ctx)
	if err != nil {
		return nil, err
	}
	for name, value := range authHeaders {
		headers[name] = value
	}

	if a.desc.Family.Protocol() == types.ProtocolAnthropic {
		if _, ok := headers["anthropic-version"]; !ok {
			headers["anthropic-version"] = "2023-06-01"
		}
	}

	req := transport.Request{
		Method:     http.MethodPost,
		URL:        url,
		Headers:    headers,
		Body:       body,
		Provider:   a.desc.ID,
		MaxRetries: a.desc.MaxRetries,
	}
	if stream {
		// A stream's lifetime is owned by the reader's idle timeout; only
		// the wait for headers is bounded here.
		req.HeadersTimeout = a.headersTimeout
	} else {
		req.Timeout = a.desc.ProviderTimeout()
	}
	return a.client.Do(ctx, req)
}

// ReadResponse drains a successful response and applies the GLM coding-host
// response mapper when needed.
func (a *Adapter) ReadResponse(resp *http.Response) ([]byte, error) {
	body, err := transport.ReadAll(resp)
	if err != nil {
		return nil, proxyerrors.NewNetworkError(a.desc.ID, "", "read response body: "+err.Error())
	}
	if isGLMCodingHost(a.desc.BaseURL) {
		body = MapGLMCodingResponse(body)
	}
	return body, nil
}

// Descriptor returns the provider descriptor.
func (a *Adapter) Descriptor() *config.ProviderDescriptor {
	return a.desc
}

// KeyAlias returns the key alias this adapter authenticates with.
func (a *Adapter) KeyAlias() string {
	return a.keyAlias
}

// OAuth reports whether this adapter's binding is OAuth-backed.
func (a *Adapter) OAuth() bool {
	return auth.IsOAuth(a.binding)
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// readErrorMessage extracts the upstream error text from a non-2xx body.
func readErrorMessage(resp *http.Response) string {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(body) == 0 {
		return resp.Status
	}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error.Message != "" {
			return envelope.Error.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	return string(body)
}

// snapshot writes the outbound payload to the debug directory when enabled.
func (a *Adapter) snapshot(body []byte) {
	if a.snapshotDir == "" {
		return
	}
	name := fmt.Sprintf("%s-%d.json", a.desc.ID, time.Now().UnixNano())
	path := filepath.Join(a.snapshotDir, name)
	if err := os.WriteFile(path, body, 0o600); err != nil && a.logger != nil {
		a.logger.Warn("debug snapshot write failed", "path", path, "error", err)
	}
}
