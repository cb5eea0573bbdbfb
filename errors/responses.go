package errors

import (
	"net/http"
)

// RequestIDHeader is the header carrying the request correlation ID.
const RequestIDHeader = "X-Request-ID"

// ErrorResponse is the body of an error response as seen by clients.
type ErrorResponse struct {
	Error struct {
		Kind      Kind                   `json:"kind"`
		Message   string                 `json:"message"`
		RequestID string                 `json:"request_id,omitempty"`
		Details   map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

// NotFoundHandler answers unknown routes with the error envelope.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, NewError(NotFound, "route not found", 0, w.Header().Get(RequestIDHeader), nil, nil))
}

// MethodNotAllowedHandler answers known routes called with the wrong method.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, NewError(MethodNotAllowed, "method not allowed", 0, w.Header().Get(RequestIDHeader), nil, nil))
}
