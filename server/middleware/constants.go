package middleware

import "context"

type contextKey string

// RequestIDKey is the context key under which RequestID stores the
// request correlation ID.
const RequestIDKey contextKey = "request_id"

// GetRequestID returns the request ID stored by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}
