// Package errors defines the unified error type for proxy operations.
// Upstream failures of every provider family are mapped onto ProxyError so
// that routing, health accounting and the client-facing envelope all work
// from one classification.
package errors

import (
	"fmt"
	"net/http"
	"strings"
)

// Kind groups errors for propagation policy decisions.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindRouting        Kind = "routing"
	KindAuth           Kind = "auth"
	KindRateLimit      Kind = "rate_limit"
	KindUpstreamClient Kind = "upstream_client"
	KindUpstreamServer Kind = "upstream_server"
	KindNetwork        Kind = "network"
	KindProtocolDrift  Kind = "protocol_drift"
	KindStreamAbort    Kind = "stream_abort"
	KindInternal       Kind = "internal"
)

// Stable error type strings surfaced to clients.
const (
	TypeBadRequest          = "bad_request"
	TypeUnauthorized        = "unauthorized"
	TypeForbidden           = "forbidden"
	TypeNotFound            = "not_found"
	TypeRequestTimeout      = "request_timeout"
	TypeConflict            = "conflict"
	TypeUnprocessableEntity = "unprocessable_entity"
	TypeRateLimitExceeded   = "rate_limit_exceeded"
	TypeServerError         = "server_error"
	TypeInternalError       = "internal_error"
)

// ProxyError is a classified failure carrying everything needed for the
// client envelope, health accounting and failover decisions.
type ProxyError struct {
	StatusCode    int    `json:"status_code"`
	Type          string `json:"type"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message"`
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
	Kind          Kind   `json:"-"`
	Retryable     bool   `json:"-"`
	AffectsHealth bool   `json:"-"`
	DailyQuota    bool   `json:"-"`
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, status=%d)",
		e.Type, e.Message, e.Provider, e.Model, e.StatusCode)
}

// HTTPStatusCode returns the status for the client response.
func (e *ProxyError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// TypeForStatus maps an HTTP status to the stable client-facing type string.
func TypeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return TypeBadRequest
	case http.StatusUnauthorized:
		return TypeUnauthorized
	case http.StatusPaymentRequired, http.StatusForbidden:
		return TypeForbidden
	case http.StatusNotFound:
		return TypeNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return TypeRequestTimeout
	case http.StatusConflict:
		return TypeConflict
	case http.StatusUnprocessableEntity:
		return TypeUnprocessableEntity
	case http.StatusTooManyRequests:
		return TypeRateLimitExceeded
	default:
		if status >= 500 {
			return TypeServerError
		}
		if status >= 400 {
			return TypeBadRequest
		}
		return TypeInternalError
	}
}

var dailyQuotaKeywords = []string{"quota", "daily", "exceeded today"}

// IsDailyQuota reports whether a 429 message indicates per-day exhaustion
// rather than a transient rate limit.
func IsDailyQuota(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range dailyQuotaKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// NewValidationError creates a pre-dispatch input shape error (400).
func NewValidationError(message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusBadRequest,
		Type:       TypeBadRequest,
		Code:       "invalid_request",
		Message:    message,
		Kind:       KindValidation,
	}
}

// NewRoutingError creates a routing failure (503).
func NewRoutingError(code, message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusServiceUnavailable,
		Type:       TypeServerError,
		Code:       code,
		Message:    message,
		Kind:       KindRouting,
	}
}

// NewAuthError creates an authentication failure surfaced to the client.
func NewAuthError(provider, model, message string) *ProxyError {
	return &ProxyError{
		StatusCode:    http.StatusUnauthorized,
		Type:          TypeUnauthorized,
		Code:          "authentication_failed",
		Message:       message,
		Provider:      provider,
		Model:         model,
		Kind:          KindAuth,
		AffectsHealth: true,
	}
}

// NewNetworkError creates a transport-level failure. Network errors are
// retryable against another target and do not affect health.
func NewNetworkError(provider, model, message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusBadGateway,
		Type:       TypeServerError,
		Code:       "network_error",
		Message:    message,
		Provider:   provider,
		Model:      model,
		Kind:       KindNetwork,
		Retryable:  true,
	}
}

// NewProtocolDriftError creates a 502 for a compat shape assertion failure.
func NewProtocolDriftError(code, message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusBadGateway,
		Type:       TypeServerError,
		Code:       code,
		Message:    message,
		Kind:       KindProtocolDrift,
	}
}

// NewStreamAbortError creates a stream termination failure.
func NewStreamAbortError(provider, model, message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusGatewayTimeout,
		Type:       TypeRequestTimeout,
		Code:       "stream_abort",
		Message:    message,
		Provider:   provider,
		Model:      model,
		Kind:       KindStreamAbort,
		Retryable:  true,
	}
}

// NewInternalError creates a 500 with a generic client message.
func NewInternalError(provider, model, message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusInternalServerError,
		Type:       TypeInternalError,
		Code:       "internal_error",
		Message:    message,
		Provider:   provider,
		Model:      model,
		Kind:       KindInternal,
		Retryable:  true,
	}
}

// FromUpstreamStatus classifies a non-2xx upstream status per the failover
// policy: which errors are retryable against another target and which count
// against the target's health.
func FromUpstreamStatus(status int, provider, model, message string, oauthAuth bool) *ProxyError {
	e := &ProxyError{
		StatusCode: status,
		Type:       TypeForStatus(status),
		Code:       fmt.Sprintf("upstream_%d", status),
		Message:    message,
		Provider:   provider,
		Model:      model,
	}

	switch {
	case status == http.StatusBadRequest:
		e.Kind = KindUpstreamClient
		e.Retryable = true
	case status == http.StatusUnauthorized:
		// The provider adapter already retried once after a token refresh
		// for OAuth keys, so a 401 that reaches here is final. It is never
		// retried on another target. Only static keys count against health.
		e.Kind = KindAuth
		if !oauthAuth {
			e.AffectsHealth = true
		}
	case status == http.StatusPaymentRequired || status == http.StatusForbidden:
		e.Kind = KindAuth
		e.AffectsHealth = true
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
		e.AffectsHealth = true
		if IsDailyQuota(message) {
			e.DailyQuota = true
		} else {
			e.Retryable = true
		}
	case status >= 500:
		e.Kind = KindUpstreamServer
		e.AffectsHealth = true
	default:
		e.Kind = KindUpstreamClient
	}

	return e
}
