// Package middleware provides the HTTP middleware chain of the proxy.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/teilomillet/lorebridge/errors"
)

const maxRequestIDLength = 128

// RequestID middleware adds a request ID to the context and echoes it in
// the response header. A well-formed incoming X-Request-ID is reused so
// callers can correlate their own logs.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(errors.RequestIDHeader)
		if !validRequestID(requestID) {
			requestID = uuid.New().String()
		}

		w.Header().Set(errors.RequestIDHeader, requestID)
		r.Header.Set(errors.RequestIDHeader, requestID)

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}
