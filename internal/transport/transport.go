// Package transport provides the outbound HTTP client: pooled connections,
// transient-error retries with backoff, per-provider request pacing and
// streaming response bodies.
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
)

// Request is one outbound call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte

	// Provider keys the pacing limiter.
	Provider string

	// Timeout bounds the whole call including body read for non-streaming
	// requests. Streaming callers own the body and its deadline.
	Timeout time.Duration

	// HeadersTimeout bounds the wait for response headers. Used by streaming
	// calls, which leave Timeout unset. Zero means no bound.
	HeadersTimeout time.Duration

	// MaxRetries caps transient-error retries. Retries re-send the full
	// body; the transport never retries after bytes were received.
	MaxRetries int
}

// Client performs outbound HTTP with retries and pacing.
type Client struct {
	httpClient *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	pace     rate.Limit
	burst    int
}

// Option configures the client.
type Option func(*Client)

// WithPacing sets the per-provider request rate. Zero disables pacing.
func WithPacing(perSecond float64, burst int) Option {
	return func(c *Client) {
		c.pace = rate.Limit(perSecond)
		c.burst = burst
	}
}

// WithHTTPClient replaces the underlying client, for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates an outbound client with pooled connections.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) limiter(provider string) *rate.Limiter {
	if c.pace <= 0 || provider == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[provider]
	if !ok {
		burst := c.burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(c.pace, burst)
		c.limiters[provider] = l
	}
	return l
}

// Do performs the request and returns the response with its body still open.
// The caller must close the body. Transient network failures retry up to
// MaxRetries with short backoff.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	if l := c.limiter(req.Provider); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, proxyerrors.NewNetworkError(req.Provider, "", "pacing wait canceled: "+err.Error())
		}
	}

	var cancel context.CancelFunc = func() {}
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
	}

	attempts := req.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				cancel()
				return nil, proxyerrors.NewNetworkError(req.Provider, "", "request canceled: "+ctx.Err().Error())
			case <-time.After(backoff(attempt)):
			}
		}

		// The headers timeout cancels the attempt until headers arrive;
		// once they do, the timer stops and the body read is unbounded.
		attemptCtx := ctx
		var attemptCancel context.CancelFunc = func() {}
		var headersTimer *time.Timer
		if req.HeadersTimeout > 0 {
			attemptCtx, attemptCancel = context.WithCancel(ctx)
			headersTimer = time.AfterFunc(req.HeadersTimeout, attemptCancel)
		}

		httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			attemptCancel()
			cancel()
			return nil, proxyerrors.NewInternalError(req.Provider, "", "build request: "+err.Error())
		}
		for name, value := range req.Headers {
			httpReq.Header.Set(name, value)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err == nil {
			if headersTimer != nil {
				headersTimer.Stop()
			}
			// Both contexts must stay alive while the caller reads the
			// body; closing the body releases them.
			bodyCancel, headerCancel := cancel, attemptCancel
			resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: func() {
				headerCancel()
				bodyCancel()
			}}
			return resp, nil
		}
		attemptCancel()

		lastErr = err
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			lastErr = errors.New("no response headers within " + req.HeadersTimeout.String())
			break
		}
		if !isTransient(err) {
			break
		}
	}

	cancel()
	return nil, proxyerrors.NewNetworkError(req.Provider, "", lastErr.Error())
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// ReadAll drains and closes a response body.
func ReadAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 250 * time.Millisecond
	if d > 2*time.Second {
		return 2 * time.Second
	}
	return d
}

// isTransient reports whether a transport error is worth retrying on the
// same target. Context cancellation and deadline expiry are not; a dropped
// connection before or during the response is.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
