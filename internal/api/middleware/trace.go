package middleware

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/contextflow/internal/api/shared"
	"github.com/phrazzld/contextflow/internal/platform/logger"
)

// NewTraceMiddleware assigns each request a trace ID and stores a logger
// scoped to it in the request context.
func NewTraceMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.SetTraceID(r.Context())
			traceID := shared.GetTraceID(ctx)

			log := base.With(slog.String("trace_id", traceID))
			log.Debug("request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			w.Header().Set("X-Trace-ID", traceID)
			next.ServeHTTP(w, r.WithContext(logger.WithLogger(ctx, log)))
		})
	}
}
