package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/Jasonzhangf/routecodex/internal/observability"
	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
)

// errorEnvelope is the client-facing error shape. Param is always present
// and null to match OpenAI client expectations.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string       `json:"message"`
	Type    string       `json:"type"`
	Code    string       `json:"code,omitempty"`
	Param   any          `json:"param"`
	Details errorDetails `json:"details"`
}

type errorDetails struct {
	RequestID string `json:"requestId"`
}

// asProxyError normalizes any error into a ProxyError. Unclassified errors
// get a generic client message; the original text only reaches the logs.
func asProxyError(err error) *proxyerrors.ProxyError {
	var perr *proxyerrors.ProxyError
	if errors.As(err, &perr) {
		return perr
	}
	return proxyerrors.NewInternalError("", "", "internal server error")
}

func notFoundError(message string) *proxyerrors.ProxyError {
	return &proxyerrors.ProxyError{
		StatusCode: http.StatusNotFound,
		Type:       proxyerrors.TypeNotFound,
		Message:    message,
		Kind:       proxyerrors.KindValidation,
	}
}

// writeError renders the error envelope. Must not be called once the
// response has begun streaming.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	perr := asProxyError(err)

	envelope := errorEnvelope{Error: errorBody{
		Message: perr.Message,
		Type:    perr.Type,
		Code:    perr.Code,
		Details: errorDetails{
			RequestID: observability.RequestIDFromContext(r.Context()),
		},
	}}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(perr.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(envelope)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
