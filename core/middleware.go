package core

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"
)

// responseWriter captures the status code for request logging. Flush and
// Hijack are forwarded so streaming responses and WebSocket upgrades
// keep working behind the wrapper.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not support hijacking")
	}
	rw.written = true
	rw.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// slowRequest is the latency above which a request is logged even in
// production mode.
const slowRequest = time.Second

// LoggingMiddleware logs HTTP requests with method, path, status, and
// latency. In dev mode every request is logged; in production only
// errors (status >= 400) and slow requests are.
func LoggingMiddleware(logger Logger, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			if logger == nil {
				return
			}
			if !devMode && wrapped.statusCode < 400 && duration <= slowRequest {
				return
			}

			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"duration_ms": duration.Milliseconds(),
				"remote_addr": r.RemoteAddr,
			}
			if r.URL.RawQuery != "" {
				fields["query"] = r.URL.RawQuery
			}

			switch {
			case wrapped.statusCode >= 500:
				logger.ErrorWithContext(r.Context(), "HTTP request error", fields)
			case wrapped.statusCode >= 400:
				logger.WarnWithContext(r.Context(), "HTTP request client error", fields)
			case duration > slowRequest:
				logger.WarnWithContext(r.Context(), "HTTP request slow", fields)
			default:
				logger.InfoWithContext(r.Context(), "HTTP request", fields)
			}
		})
	}
}
