package errors

import (
	"go.uber.org/zap"
)

// LogError logs an error with its context. Client-side kinds are logged
// at warn level, everything else at error.
func LogError(logger *zap.Logger, err error, requestID string) {
	pe, ok := err.(*ProxyError)
	if !ok {
		logger.Error("unexpected error",
			zap.Error(err),
			zap.String("request_id", requestID),
		)
		return
	}

	fields := []zap.Field{
		zap.String("error_kind", string(pe.Kind)),
		zap.String("message", pe.Message),
		zap.Int("code", pe.Code),
		zap.String("request_id", requestID),
	}
	if pe.Details != nil {
		fields = append(fields, zap.Any("details", pe.Details))
	}
	if pe.err != nil {
		fields = append(fields, zap.NamedError("cause", pe.err))
	}
	if pe.Kind == ValidationError || pe.Kind == NotFound || pe.Kind == MethodNotAllowed {
		logger.Warn("request error", fields...)
		return
	}
	logger.Error("request error", fields...)
}
