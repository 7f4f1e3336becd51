package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// probePaths are polled by orchestrators; their access lines stay at debug.
var probePaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *responseRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *responseRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

type logAnnotations struct {
	mu    sync.Mutex
	attrs []any
}

// Annotate adds key/value pairs to the access-log line of the request
// carried by ctx. It is a no-op outside WithAccessLog.
func Annotate(ctx context.Context, kv ...any) {
	a, ok := ctx.Value(ctxKeyLogAnnotations).(*logAnnotations)
	if !ok || len(kv) == 0 {
		return
	}
	a.mu.Lock()
	a.attrs = append(a.attrs, kv...)
	a.mu.Unlock()
}

func accessLevel(status int, path string) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	case probePaths[path]:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func WithAccessLog(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w}
			notes := &logAnnotations{}
			ctx := context.WithValue(r.Context(), ctxKeyLogAnnotations, notes)

			next.ServeHTTP(rec, r.WithContext(ctx))

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				"request_id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", rec.bytes,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			notes.mu.Lock()
			attrs = append(attrs, notes.attrs...)
			notes.mu.Unlock()
			logger.Log(ctx, accessLevel(status, r.URL.Path), "http request", attrs...)
		})
	}
}
