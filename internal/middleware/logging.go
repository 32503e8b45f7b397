package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/portcullis/gateway/internal/exchange"
	"github.com/portcullis/gateway/internal/logging"
)

// loggingResponseWriter captures the status code and body size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.bytes += int64(n)
	return n, err
}

// Flush passes through so streaming responses keep working behind the wrapper.
func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogging logs every completed exchange. It runs last in the pipeline
// so it observes the final status, including short-circuits.
func RequestLogging(skipPaths []string) Middleware {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			lw := &loggingResponseWriter{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(lw, r)
			if lw.status == 0 {
				lw.status = http.StatusOK
			}

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", lw.status),
				zap.Int64("bytes", lw.bytes),
				zap.Duration("duration", time.Since(start)),
			}
			if ex := exchange.FromRequest(r); ex != nil {
				fields = append(fields, zap.String("correlationId", ex.CorrelationID))
				if ex.Route != nil {
					fields = append(fields, zap.String("route", ex.Route.ID))
				}
				if ex.TenantSlug != "" {
					fields = append(fields, zap.String("tenant", ex.TenantSlug))
				}
				if ex.Principal != nil {
					fields = append(fields, zap.String("principal", ex.Principal.Username))
				}
			}

			if lw.status >= 500 {
				logging.Error("request completed", fields...)
			} else {
				logging.Info("request completed", fields...)
			}
		})
	}
}
