package otelobs

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"pointerguard/pkg/structlog"
)

// HTTPTraceLogMiddleware logs one access line per request with the trace
// and correlation ids, and echoes the trace ids as response headers.
func HTTPTraceLogMiddleware(log *structlog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, corrID := structlog.GetOrCreateCorrelationID(r.Context())
			if v := r.Header.Get("X-Correlation-ID"); v != "" {
				ctx, corrID = structlog.ContextWithCorrelationID(r.Context(), v), v
			}
			w.Header().Set("X-Correlation-ID", corrID)
			if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
				w.Header().Set("Trace-Id", sc.TraceID().String())
				w.Header().Set("Span-Id", sc.SpanID().String())
			}
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r.WithContext(ctx))

			ev := log.WithContext(ctx).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sr.status).
				Dur("dur", time.Since(start))
			if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
				ev = ev.Str("trace_id", sc.TraceID().String())
			}
			ev.Msg("http")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
