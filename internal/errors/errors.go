package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind identifies an error category with a fixed HTTP mapping.
type Kind string

const (
	KindUnauthenticated   Kind = "UNAUTHENTICATED"
	KindForbidden         Kind = "FORBIDDEN"
	KindRateLimited       Kind = "RATE_LIMITED"
	KindCircuitOpen       Kind = "CIRCUIT_OPEN"
	KindNoHealthyInstance Kind = "NO_HEALTHY_INSTANCE"
	KindUpstreamTimeout   Kind = "UPSTREAM_TIMEOUT"
	KindBadGateway        Kind = "BAD_GATEWAY"
	KindValidation        Kind = "VALIDATION_FAILURE"
	KindNotFound          Kind = "NOT_FOUND"
	KindInternal          Kind = "INTERNAL"
)

// GatewayError represents an error that can be returned to clients.
type GatewayError struct {
	Code       int    `json:"-"`
	Kind       Kind   `json:"error"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"` // seconds
	underlying error
}

// body is the wire shape of an error response.
type body struct {
	Error      Kind   `json:"error"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
	RequestID  string `json:"requestId,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
	Details    string `json:"details,omitempty"`
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

// WriteJSON writes the error as JSON to the response. Details are
// included only when includeDetails is true (non-production).
func (e *GatewayError) WriteJSON(w http.ResponseWriter, includeDetails bool) {
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.WriteHeader(e.Code)
	b := body{
		Error:      e.Kind,
		Message:    e.Message,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RequestID:  e.RequestID,
		RetryAfter: e.RetryAfter,
	}
	if includeDetails {
		b.Details = e.Details
	}
	json.NewEncoder(w).Encode(b)
}

// Base errors, one per kind.
var (
	ErrUnauthorized = &GatewayError{
		Code:    http.StatusUnauthorized,
		Kind:    KindUnauthenticated,
		Message: "Unauthorized",
	}

	ErrForbidden = &GatewayError{
		Code:    http.StatusForbidden,
		Kind:    KindForbidden,
		Message: "Forbidden",
	}

	ErrTooManyRequests = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Kind:    KindRateLimited,
		Message: "Too Many Requests",
	}

	ErrCircuitOpen = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Kind:    KindCircuitOpen,
		Message: "Service temporarily unavailable",
	}

	ErrNoHealthyInstance = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Kind:    KindNoHealthyInstance,
		Message: "No healthy instances available",
	}

	ErrGatewayTimeout = &GatewayError{
		Code:    http.StatusGatewayTimeout,
		Kind:    KindUpstreamTimeout,
		Message: "Gateway Timeout",
	}

	ErrBadGateway = &GatewayError{
		Code:    http.StatusBadGateway,
		Kind:    KindBadGateway,
		Message: "Bad Gateway",
	}

	ErrBadRequest = &GatewayError{
		Code:    http.StatusBadRequest,
		Kind:    KindValidation,
		Message: "Bad Request",
	}

	ErrNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Kind:    KindNotFound,
		Message: "Not Found",
	}

	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Kind:    KindInternal,
		Message: "Internal Server Error",
	}
)

// New creates a new GatewayError.
func New(code int, kind Kind, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Kind:    kind,
		Message: message,
	}
}

// Wrap wraps an error with a kind and message.
func Wrap(err error, code int, kind Kind, message string) *GatewayError {
	return &GatewayError{
		Code:       code,
		Kind:       kind,
		Message:    message,
		underlying: err,
	}
}

// WithDetails returns a copy of the error with details attached.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	c := *e
	c.Details = details
	return &c
}

// WithMessage returns a copy of the error with a replacement message.
func (e *GatewayError) WithMessage(message string) *GatewayError {
	c := *e
	c.Message = message
	return &c
}

// WithRequestID returns a copy of the error with a request ID attached.
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	c := *e
	c.RequestID = requestID
	return &c
}

// WithRetryAfter returns a copy of the error carrying a Retry-After hint.
func (e *GatewayError) WithRetryAfter(seconds int) *GatewayError {
	if seconds < 1 {
		seconds = 1
	}
	c := *e
	c.RetryAfter = seconds
	return &c
}

// IsGatewayError checks if an error is a GatewayError.
func IsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
