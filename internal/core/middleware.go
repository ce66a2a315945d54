package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"entitle/internal/types"
)

// responseCapture wraps an http.ResponseWriter to capture the status code
// written by downstream handlers, for logging middleware that needs to
// observe the response status after the handler chain completes.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

// Write ensures the status code is captured even when WriteHeader is not
// called explicitly (the default is 200 per the net/http spec).
func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// Unwrap returns the underlying ResponseWriter, enabling
// http.ResponseController to access it for features like Flush.
func (rc *responseCapture) Unwrap() http.ResponseWriter {
	return rc.ResponseWriter
}

// RequestID assigns each request a UUID, stores it in the context, and
// echoes it in the X-Request-ID response header for correlation.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)

		ctx := types.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Recoverer catches panics in the handler chain, logs the stack trace
// internally, and writes a standardized 500 error response to the client.
// This middleware MUST be the outermost handler in the chain.
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("panic", fmt.Sprintf("%v", rvr)),
						slog.String("stack", string(debug.Stack())),
					)

					Error(w, r, types.NewAppError(
						types.ErrCodeInternalUnexpected,
						"an unexpected error occurred",
						nil,
					))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs request metadata (method, path, status, duration) and
// stores a request-scoped logger in the context for handlers to use.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqLogger := logger.With(
				slog.String("request_id", types.GetRequestID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			ctx := types.WithLogger(r.Context(), reqLogger)

			rc := &responseCapture{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rc, r.WithContext(ctx))

			duration := time.Since(start)
			args := []any{
				slog.Int("status", rc.statusCode),
				slog.Duration("duration", duration),
				slog.String("remote_addr", r.RemoteAddr),
			}

			switch {
			case rc.statusCode >= 500:
				reqLogger.Error("request completed", args...)
			case rc.statusCode >= 400:
				reqLogger.Warn("request completed", args...)
			default:
				reqLogger.Info("request completed", args...)
			}
		})
	}
}
