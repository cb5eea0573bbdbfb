// Package errors provides the error taxonomy of the lorebridge proxy.
// Every failure that can reach a caller is expressed as a *ProxyError
// carrying a Kind, the HTTP status it maps to, and an optional
// retry-after hint passed through from the upstream provider.
//
// Errors are written to clients inside a fixed envelope:
//
//	{"error": {"kind": "validation_error", "message": "messages must not be empty"}}
//
// Basic usage:
//
//	errors.WriteError(w, errors.NewValidationError(requestID, "model is required", nil))
//
// Arbitrary errors can be normalised with From, which keeps any ProxyError
// found in the chain and wraps everything else as an internal error.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Kind categorises an error for client handling. The string value is what
// appears in the "kind" field of the response envelope.
type Kind string

const (
	// ValidationError is a malformed or incomplete caller request.
	ValidationError Kind = "validation_error"

	// AuthError means the upstream provider rejected our credential.
	AuthError Kind = "authentication_error"

	// UpstreamRateLimited is throttling signalled by the provider.
	UpstreamRateLimited Kind = "upstream_rate_limited"

	// UpstreamTimeout means no first chunk arrived within the deadline.
	UpstreamTimeout Kind = "upstream_timeout"

	// UpstreamUnavailable is a transport failure before any output.
	UpstreamUnavailable Kind = "upstream_unavailable"

	// StreamInterrupted is a transport failure after partial output.
	StreamInterrupted Kind = "stream_interrupted"

	// InternalError is an unexpected failure inside the proxy.
	InternalError Kind = "internal_error"

	// NotFound and MethodNotAllowed are produced by the router.
	NotFound         Kind = "not_found"
	MethodNotAllowed Kind = "method_not_allowed"
)

// Status returns the default HTTP status for the kind.
func (k Kind) Status() int {
	switch k {
	case ValidationError:
		return http.StatusBadRequest
	case AuthError:
		return http.StatusUnauthorized
	case UpstreamRateLimited:
		return http.StatusTooManyRequests
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	case UpstreamUnavailable, StreamInterrupted:
		return http.StatusBadGateway
	case NotFound:
		return http.StatusNotFound
	case MethodNotAllowed:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// ProxyError is the error type returned by every proxy component. It is
// serialised into the response envelope while keeping the underlying
// cause available for logging.
type ProxyError struct {
	// Kind categorises the error for client handling
	Kind Kind `json:"kind"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Code is the HTTP status code (not exposed in JSON)
	Code int `json:"-"`

	// RequestID links the error to a specific request
	RequestID string `json:"request_id,omitempty"`

	// RetryAfter is the upstream retry hint, zero when absent
	RetryAfter time.Duration `json:"-"`

	// Details contains additional error context
	Details map[string]interface{} `json:"details,omitempty"`

	err error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.err
}

// Is matches on Kind only, so errors.Is(err, &ProxyError{Kind: UpstreamTimeout})
// works regardless of message or request ID.
func (e *ProxyError) Is(target error) bool {
	t, ok := target.(*ProxyError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithRequestID returns a copy of the error bound to requestID.
func (e *ProxyError) WithRequestID(requestID string) *ProxyError {
	cp := *e
	cp.RequestID = requestID
	return &cp
}

// envelope is the wire shape of every error response.
type envelope struct {
	Error *ProxyError `json:"error"`
}

// WriteError writes err as a JSON envelope with its status code. A
// positive RetryAfter is exposed as a Retry-After header in whole seconds.
func WriteError(w http.ResponseWriter, err *ProxyError) {
	code := err.Code
	if code == 0 {
		code = err.Kind.Status()
	}
	if err.RetryAfter > 0 {
		secs := int(math.Ceil(err.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(envelope{Error: err})
}

// Encode marshals err into the envelope without writing headers. The
// response streamer uses it for in-band error frames.
func Encode(err *ProxyError) ([]byte, error) {
	return json.Marshal(envelope{Error: err})
}

// From returns the first *ProxyError in err's chain, or wraps err as an
// internal error. A nil err yields nil.
func From(err error) *ProxyError {
	if err == nil {
		return nil
	}
	var pe *ProxyError
	if stderrors.As(err, &pe) {
		return pe
	}
	return NewInternalError("", err)
}

// IsKind reports whether any ProxyError in err's chain has kind k.
func IsKind(err error, k Kind) bool {
	return stderrors.Is(err, &ProxyError{Kind: k})
}
