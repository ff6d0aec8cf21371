package inspect

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const (
	keyRequestID ctxKey = iota
	keyLogger
)

const maxRequestIDLen = 64

// requestIDMiddleware tags each request with an ID, reusing a sane incoming
// X-Request-ID, and stores a logger carrying it in the context.
func requestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > maxRequestIDLen {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)

			ctx := context.WithValue(r.Context(), keyRequestID, id)
			ctx = context.WithValue(ctx, keyLogger, logger.With("request_id", id))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestLogger returns the request-scoped logger, or fallback outside a request.
func requestLogger(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(keyLogger).(*slog.Logger); ok {
		return l
	}
	return fallback
}

// loggingMiddleware logs one line per request. Health checks log at debug.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w}

			next.ServeHTTP(rw, r)

			level := slog.LevelInfo
			if r.URL.Path == "/healthz" {
				level = slog.LevelDebug
			}
			requestLogger(r.Context(), logger).Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.status(),
				"bytes", rw.written,
				"latency_ms", float64(time.Since(start).Microseconds())/1000.0,
			)
		})
	}
}

// recoveryMiddleware turns a handler panic into a 500 unless a response has
// already started.
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				requestLogger(r.Context(), logger).Error("panic recovered", "error", rec, "path", r.URL.Path)
				if rw.code == 0 {
					writeError(rw, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

// adminAuth guards mutating endpoints with a bearer token. An empty token
// leaves them open.
func adminAuth(token string) func(http.Handler) http.Handler {
	if token == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
				requestLogger(r.Context(), slog.Default()).Warn("admin token rejected", "path", r.URL.Path)
				writeError(w, http.StatusUnauthorized, "auth_failed", "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// applyMiddleware wraps h so the first middleware in the list is outermost.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// responseWriter records the status code and body size.
type responseWriter struct {
	http.ResponseWriter
	code    int
	written int
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.code == 0 {
		rw.code = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.code == 0 {
		rw.code = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.written += n
	return n, err
}

func (rw *responseWriter) status() int {
	if rw.code == 0 {
		return http.StatusOK
	}
	return rw.code
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
