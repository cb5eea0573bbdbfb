package errors

import (
	"net/http"
	"time"
)

// NewError creates a ProxyError with full control over its fields. Most
// callers should prefer one of the specialised constructors below.
func NewError(kind Kind, message string, code int, requestID string, details map[string]interface{}, err error) *ProxyError {
	if code == 0 {
		code = kind.Status()
	}
	return &ProxyError{
		Kind:      kind,
		Message:   message,
		Code:      code,
		RequestID: requestID,
		Details:   details,
		err:       err,
	}
}

// NewValidationError reports a malformed or incomplete caller request.
//
// Example:
//
//	err := NewValidationError("req_123", "unsupported role", map[string]interface{}{
//	    "field": "messages[1].role",
//	})
func NewValidationError(requestID, message string, details map[string]interface{}) *ProxyError {
	return &ProxyError{
		Kind:      ValidationError,
		Message:   message,
		Code:      http.StatusBadRequest,
		RequestID: requestID,
		Details:   details,
	}
}

// NewAuthError reports that the provider rejected the configured
// credential. code should be 401 or 403; anything else becomes 401.
func NewAuthError(requestID string, code int, err error) *ProxyError {
	if code != http.StatusForbidden {
		code = http.StatusUnauthorized
	}
	return &ProxyError{
		Kind:      AuthError,
		Message:   "upstream rejected the configured credential",
		Code:      code,
		RequestID: requestID,
		err:       err,
	}
}

// NewRateLimitedError passes provider throttling through to the caller.
// retryAfter may be zero when the provider gave no hint.
func NewRateLimitedError(requestID string, retryAfter time.Duration, err error) *ProxyError {
	pe := &ProxyError{
		Kind:       UpstreamRateLimited,
		Message:    "upstream rate limit exceeded",
		Code:       http.StatusTooManyRequests,
		RequestID:  requestID,
		RetryAfter: retryAfter,
		err:        err,
	}
	if retryAfter > 0 {
		pe.Details = map[string]interface{}{"retry_after_seconds": retryAfter.Seconds()}
	}
	return pe
}

// NewTimeoutError reports that the upstream produced no output in time.
func NewTimeoutError(requestID string, err error) *ProxyError {
	return &ProxyError{
		Kind:      UpstreamTimeout,
		Message:   "upstream did not respond in time",
		Code:      http.StatusGatewayTimeout,
		RequestID: requestID,
		err:       err,
	}
}

// NewUnavailableError reports a transport failure before any chunk.
func NewUnavailableError(requestID, message string, err error) *ProxyError {
	if message == "" {
		message = "upstream unavailable"
	}
	return &ProxyError{
		Kind:      UpstreamUnavailable,
		Message:   message,
		Code:      http.StatusBadGateway,
		RequestID: requestID,
		err:       err,
	}
}

// NewInterruptedError reports a stream that failed after partial output.
func NewInterruptedError(requestID string, err error) *ProxyError {
	return &ProxyError{
		Kind:      StreamInterrupted,
		Message:   "upstream stream interrupted",
		Code:      http.StatusBadGateway,
		RequestID: requestID,
		err:       err,
	}
}

// NewInternalError reports an unexpected failure. The cause is kept for
// logging but never shown to the caller.
func NewInternalError(requestID string, err error) *ProxyError {
	return &ProxyError{
		Kind:      InternalError,
		Message:   "an internal error occurred",
		Code:      http.StatusInternalServerError,
		RequestID: requestID,
		err:       err,
	}
}
