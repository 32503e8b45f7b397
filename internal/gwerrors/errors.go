package gwerrors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// GatewayError is an error the gateway generates itself. Upstream errors are
// passed through verbatim and never wrapped in this envelope.
type GatewayError struct {
	Status     int
	Code       string
	Message    string
	underlying error
}

// envelope is the wire form: {"error":{...}}.
type envelope struct {
	Error body `json:"error"`
}

type body struct {
	Status        int    `json:"status"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Timestamp     string `json:"timestamp"`
	Path          string `json:"path,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// Common errors. Codes are part of the client contract.
var (
	ErrUnauthorized = &GatewayError{
		Status:  http.StatusUnauthorized,
		Code:    "UNAUTHORIZED",
		Message: "Missing or invalid credentials",
	}

	ErrForbidden = &GatewayError{
		Status:  http.StatusForbidden,
		Code:    "FORBIDDEN",
		Message: "Insufficient permissions",
	}

	ErrRouteNotFound = &GatewayError{
		Status:  http.StatusNotFound,
		Code:    "ROUTE_NOT_FOUND",
		Message: "No route matches the request path",
	}

	ErrTenantNotFound = &GatewayError{
		Status:  http.StatusNotFound,
		Code:    "TENANT_NOT_FOUND",
		Message: "Unknown tenant",
	}

	ErrTooManyRequests = &GatewayError{
		Status:  http.StatusTooManyRequests,
		Code:    "RATE_LIMIT_EXCEEDED",
		Message: "Rate limit exceeded",
	}

	ErrBadGateway = &GatewayError{
		Status:  http.StatusBadGateway,
		Code:    "UPSTREAM_UNAVAILABLE",
		Message: "Upstream request failed",
	}

	ErrGatewayTimeout = &GatewayError{
		Status:  http.StatusGatewayTimeout,
		Code:    "UPSTREAM_TIMEOUT",
		Message: "Upstream request timed out",
	}

	ErrQueueFull = &GatewayError{
		Status:  http.StatusServiceUnavailable,
		Code:    "QUEUE_FULL",
		Message: "Server is overloaded",
	}

	ErrInternal = &GatewayError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: "Internal server error",
	}
)

// New creates a new GatewayError.
func New(status int, code, message string) *GatewayError {
	return &GatewayError{
		Status:  status,
		Code:    code,
		Message: message,
	}
}

// Wrap attaches an underlying cause, preserving status/code/message. The cause
// appears in logs only, never in the client envelope.
func (e *GatewayError) Wrap(err error) *GatewayError {
	return &GatewayError{
		Status:     e.Status,
		Code:       e.Code,
		Message:    e.Message,
		underlying: err,
	}
}

// WithMessage returns a copy with a more specific client-visible message.
func (e *GatewayError) WithMessage(message string) *GatewayError {
	return &GatewayError{
		Status:     e.Status,
		Code:       e.Code,
		Message:    message,
		underlying: e.underlying,
	}
}

// WriteJSON writes the error envelope, stamping request path and correlation
// id from the request.
func (e *GatewayError) WriteJSON(w http.ResponseWriter, r *http.Request) {
	env := envelope{Error: body{
		Status:    e.Status,
		Code:      e.Code,
		Message:   e.Message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}}
	if r != nil {
		env.Error.Path = r.URL.Path
		env.Error.CorrelationID = CorrelationID(r)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	json.NewEncoder(w).Encode(env)
}

// IsGatewayError checks if an error is a GatewayError.
func IsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}

// CorrelationIDHeader is the inbound/outbound correlation id header.
const CorrelationIDHeader = "X-Correlation-ID"

// CorrelationID returns the request's correlation id. The correlation id
// middleware guarantees the header is set before any filter can fail.
func CorrelationID(r *http.Request) string {
	return r.Header.Get(CorrelationIDHeader)
}
