package errors

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// GenerateRequestID mints the id that ties a $bulk-submit call to its
// log lines and error responses.
func GenerateRequestID() string {
	return uuid.NewString()
}

// WithRequestID stores the request id for the handlers and error
// writers downstream.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the request id carried by ctx, or "" outside a
// request (background jobs, sweeps).
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}
