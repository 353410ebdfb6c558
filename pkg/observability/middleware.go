package observability

import (
	"net/http"
	"strings"
)

// MetricsMiddleware counts inbound requests. endpointOf maps a request path to
// a bounded label so arbitrary paths do not blow up cardinality.
func MetricsMiddleware(endpointOf func(path string) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			endpoint := "other"
			if endpointOf != nil {
				endpoint = endpointOf(r.URL.Path)
			}
			RequestsTotal.WithLabelValues(endpoint, strings.ToUpper(r.Method), StatusClass(sw.status)).Inc()
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

// Flush keeps SSE responses streaming through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
