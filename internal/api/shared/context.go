package shared

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// ContextKey is the type of request-scoped values set by the API middleware.
type ContextKey string

const (
	// PrincipalContextKey holds the authenticated token subject.
	PrincipalContextKey ContextKey = "principal"

	// TraceIDKey holds the trace ID of the request.
	TraceIDKey ContextKey = "traceID"

	// TraceIDLength is the number of random bytes in a trace ID.
	TraceIDLength = 16
)

// SetTraceID stores a fresh trace ID in ctx.
func SetTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, TraceIDKey, generateTraceID())
}

// GetTraceID returns the trace ID stored in ctx, or "".
func GetTraceID(ctx context.Context) string {
	traceID, _ := ctx.Value(TraceIDKey).(string)
	return traceID
}

// WithPrincipal stores the authenticated subject in ctx.
func WithPrincipal(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, subject)
}

// GetPrincipal returns the authenticated subject, if any.
func GetPrincipal(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(PrincipalContextKey).(string)
	return subject, ok && subject != ""
}

// generateTraceID returns 32 hex characters. If the system random source
// fails it falls back to a version 4 UUID with the dashes removed.
func generateTraceID() string {
	b := make([]byte, TraceIDLength)
	if n, err := rand.Read(b); err != nil || n != TraceIDLength {
		slog.Error("failed to generate random trace ID",
			"error", err,
			"bytes_read", n,
			"fallback", "uuid")
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return hex.EncodeToString(b)
}
