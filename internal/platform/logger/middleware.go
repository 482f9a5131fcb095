package logger

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader is read from incoming requests and echoed on responses.
const RequestIDHeader = "X-Request-ID"

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the Flusher underneath.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// RequestLogger returns a chi-compatible middleware that tags each request
// with an id and logs method, path, status, duration_ms, and response size.
// Query strings are not logged; they carry upstream URLs.
func RequestLogger(log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			r = r.WithContext(WithRequestID(r.Context(), id))

			wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				// An aborted handler (http.ErrAbortHandler) is still logged,
				// then the panic continues to the server.
				rec := recover()
				dur := time.Since(start)
				log.Info("request",
					slog.String("request_id", id),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", wrap.status),
					slog.Int("duration_ms", int(dur.Milliseconds())),
					slog.Int64("size", wrap.size),
					slog.Bool("aborted", rec != nil),
				)
				if rec != nil {
					panic(rec)
				}
			}()
			next.ServeHTTP(wrap, r)
		})
	}
}
