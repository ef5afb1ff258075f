package middleware

import (
	"log/slog"
	"net/http"

	"github.com/zihaoli-cn/codestat-agent/internal/api/shared"
	"github.com/zihaoli-cn/codestat-agent/internal/platform/logger"
)

// TraceMiddleware adds a trace ID to the request context and a
// request-scoped logger carrying it. It should be applied early in the
// middleware chain so all subsequent handlers share the trace ID.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.SetTraceID(r.Context())
		traceID := shared.GetTraceID(ctx)

		log := slog.With(slog.String("trace_id", traceID))
		ctx = logger.WithContext(ctx, log)

		log.Debug("request started",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
