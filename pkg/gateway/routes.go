package gateway

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lkarlslund/copilotbridge/pkg/logutil"
	"github.com/lkarlslund/copilotbridge/pkg/observability"
)

const (
	pathChat       = "/v1/chat/completions"
	pathEmbeddings = "/v1/embeddings"
	pathModels     = "/v1/models"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)
	r.Use(s.lifecycleMiddleware)
	r.Use(logutil.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(observability.MetricsMiddleware(endpointLabel))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", observability.Handler())

	for path, h := range map[string]http.HandlerFunc{
		pathChat:       s.handleChatCompletions,
		pathEmbeddings: s.handleEmbeddings,
		pathModels:     s.handleModels,
	} {
		r.HandleFunc(path, withCORS(h))
		r.HandleFunc(path+"/*", withCORS(h))
	}
	r.NotFound(s.handleFallback)
	r.MethodNotAllowed(s.handleFallback)
	return r
}

// handleFallback keeps prefix dispatch for paths chi does not match exactly,
// then serves the landing page for GET and 404 otherwise.
func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	switch p := r.URL.Path; {
	case strings.HasPrefix(p, pathChat):
		withCORS(s.handleChatCompletions)(w, r)
	case strings.HasPrefix(p, pathEmbeddings):
		withCORS(s.handleEmbeddings)(w, r)
	case strings.HasPrefix(p, pathModels):
		withCORS(s.handleModels)(w, r)
	case r.Method == http.MethodGet:
		s.writeLanding(w)
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

func endpointLabel(path string) string {
	switch {
	case strings.HasPrefix(path, pathChat):
		return "chat"
	case strings.HasPrefix(path, pathEmbeddings):
		return "embeddings"
	case strings.HasPrefix(path, pathModels):
		return "models"
	case path == "/healthz":
		return "healthz"
	case path == "/metrics":
		return "metrics"
	}
	return "other"
}

func setCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	h.Set("Cache-Control", "no-cache")
}

// corsMiddleware stamps the CORS set on every response, including the landing
// page, health and metrics.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w.Header())
		next.ServeHTTP(w, r)
	})
}

// withCORS stamps the permissive CORS set and answers preflights.
func withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w.Header())
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

func (s *Server) lifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isAPIReq := strings.HasPrefix(r.URL.Path, "/v1/")
		if isAPIReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}
		if isAPIReq {
			s.activeRequests.Add(1)
			defer s.activeRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}
