package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient()
	resp, err := c.Do(context.Background(), Request{
		Method:  http.MethodPost,
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer k"},
		Body:    []byte(`{}`),
	})
	require.NoError(t, err)

	body, err := ReadAll(resp)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestDoTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient()
	_, err := c.Do(context.Background(), Request{
		Method:  http.MethodGet,
		URL:     srv.URL,
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestDoRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Close the connection mid-request to force a transport error.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			_ = conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient()
	resp, err := c.Do(context.Background(), Request{
		Method:     http.MethodGet,
		URL:        srv.URL,
		MaxRetries: 2,
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestDoNon2xxIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient()
	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(io.EOF))
	assert.True(t, isTransient(io.ErrUnexpectedEOF))
	assert.True(t, isTransient(syscall.ECONNRESET))
	assert.True(t, isTransient(&net.OpError{Op: "read", Err: errors.New("reset")}))
	assert.True(t, isTransient(fmt.Errorf("send request: %w", io.EOF)))

	assert.False(t, isTransient(context.Canceled))
	assert.False(t, isTransient(context.DeadlineExceeded))
	assert.False(t, isTransient(errors.New("certificate verify failed")))
}

func TestDoHeadersTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient()
	start := time.Now()
	_, err := c.Do(context.Background(), Request{
		Method:         http.MethodGet,
		URL:            srv.URL,
		HeadersTimeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Contains(t, err.Error(), "headers")
}

func TestDoHeadersTimeoutLeavesBodyOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		flusher.Flush()
		// Body continues well past the headers bound.
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte("tail"))
	}))
	defer srv.Close()

	c := NewClient()
	resp, err := c.Do(context.Background(), Request{
		Method:         http.MethodGet,
		URL:            srv.URL,
		HeadersTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	body, err := ReadAll(resp)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tail")
}

func TestPacingLimiterIsPerProvider(t *testing.T) {
	c := NewClient(WithPacing(100, 1))
	a := c.limiter("glm")
	b := c.limiter("qwen")
	assert.NotSame(t, a, b)
	assert.Same(t, a, c.limiter("glm"))
}
