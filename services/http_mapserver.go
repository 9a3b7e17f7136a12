package services

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/flashbots/techmap/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// HTTPMapServer exposes the producer-facing operations of a MapServerService.
//
// Routes:
//   - GET  /config         techmap schema
//   - GET  /public-key     encryption key bundle relayed from the key server
//   - POST /provision      signed ProvisionRequest
//   - POST /query          signed QueryRequest
//   - POST /reverse-query  signed ReverseQueryRequest
//   - POST /select         signed SelectRequest
type HTTPMapServer struct {
	service        *protocol.MapServerService
	allowedOrigins []string
	log            *slog.Logger
}

// NewHTTPMapServer wraps service. allowedOrigins enables CORS for browser
// based producers; empty disables it.
func NewHTTPMapServer(service *protocol.MapServerService, allowedOrigins []string, log *slog.Logger) *HTTPMapServer {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPMapServer{service: service, allowedOrigins: allowedOrigins, log: log}
}

// RegisterRoutes implements httpserver.RouteRegistrar.
func (s *HTTPMapServer) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Recoverer)
		r.Use(func(next http.Handler) http.Handler {
			return httplogger.LoggingMiddlewareSlog(s.log, next)
		})
		if len(s.allowedOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: s.allowedOrigins,
				AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
				AllowedHeaders: []string{"Accept", "Content-Type"},
				MaxAge:         300,
			}))
			// chi only runs group middleware on matched routes, so preflight
			// requests need routes of their own.
			for _, path := range []string{"/config", "/public-key", "/provision", "/query", "/reverse-query", "/select"} {
				r.Options(path, func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusNoContent)
				})
			}
		}

		r.Get("/config", s.handleConfig)
		r.Get("/public-key", s.handlePublicKey)
		r.Post("/provision", handleSigned(s, s.service.Provision))
		r.Post("/query", handleSigned(s, s.service.RegularQuery))
		r.Post("/reverse-query", handleSigned(s, s.service.ReverseQuery))
		r.Post("/select", handleSigned(s, s.service.SelectCandidate))
	})
}

func (s *HTTPMapServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	config, err := s.service.Config(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, config)
}

func (s *HTTPMapServer) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	resp, err := s.service.PublicKey(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSigned decodes a signed request of type T and answers with the
// result of op.
func handleSigned[T, R any](s *HTTPMapServer, op func(ctx context.Context, req *protocol.Signed[T]) (*R, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Signed[T]
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, s.log, err)
			return
		}
		resp, err := op(r.Context(), &req)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
