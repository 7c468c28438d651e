package observability

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const traceHeader = "X-Trace-ID"

// TraceMiddleware threads a trace ID through the request context and echoes
// it back on the response. Incoming IDs win so callers can correlate retries.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(traceHeader)
		if traceID == "" {
			traceID = newTraceID()
		}
		w.Header().Set(traceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(ContextWithTraceID(r.Context(), traceID)))
	})
}

func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			meta := newResponseMeta(w)
			next.ServeHTTP(meta, r)
			logger.InfoContext(r.Context(), "http_request",
				slog.String("trace_id", TraceIDFromContext(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.Int("status", meta.code),
				slog.String("duration", time.Since(started).String()),
				slog.Int("bytes", meta.written),
			)
		})
	}
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		meta := newResponseMeta(w)
		next.ServeHTTP(meta, r)

		code := strconv.Itoa(meta.code)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, code).Inc()
		httpRequestDurationSeconds.WithLabelValues(r.Method, r.URL.Path, code).Observe(time.Since(started).Seconds())
	})
}

// responseMeta captures the status code and body size a handler produced.
type responseMeta struct {
	http.ResponseWriter
	code    int
	written int
}

func newResponseMeta(w http.ResponseWriter) *responseMeta {
	return &responseMeta{ResponseWriter: w, code: http.StatusOK}
}

func (m *responseMeta) WriteHeader(code int) {
	m.code = code
	m.ResponseWriter.WriteHeader(code)
}

func (m *responseMeta) Write(body []byte) (int, error) {
	n, err := m.ResponseWriter.Write(body)
	m.written += n
	return n, err
}

func newTraceID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf)
}
