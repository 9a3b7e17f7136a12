package services

import (
	"log/slog"
	"net/http"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/flashbots/techmap/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HTTPKeyServer exposes a KeyServerService over HTTP.
//
// Routes:
//   - GET  /public-key    encryption key bundle, optionally attested
//   - POST /blind-decrypt signed BlindDecryptRequest
//   - POST /sign-test     signed SignTestRequest
type HTTPKeyServer struct {
	service *protocol.KeyServerService
	log     *slog.Logger
}

func NewHTTPKeyServer(service *protocol.KeyServerService, log *slog.Logger) *HTTPKeyServer {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPKeyServer{service: service, log: log}
}

// RegisterRoutes implements httpserver.RouteRegistrar.
func (s *HTTPKeyServer) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Recoverer)
		r.Use(func(next http.Handler) http.Handler {
			return httplogger.LoggingMiddlewareSlog(s.log, next)
		})

		r.Get("/public-key", s.handlePublicKey)
		r.Post("/blind-decrypt", s.handleBlindDecrypt)
		r.Post("/sign-test", s.handleSignTest)
	})
}

func (s *HTTPKeyServer) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	resp, err := s.service.PublicKey(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPKeyServer) handleBlindDecrypt(w http.ResponseWriter, r *http.Request) {
	var req protocol.Signed[protocol.BlindDecryptRequest]
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	resp, err := s.service.BlindDecrypt(r.Context(), &req)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPKeyServer) handleSignTest(w http.ResponseWriter, r *http.Request) {
	var req protocol.Signed[protocol.SignTestRequest]
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	resp, err := s.service.SignTest(r.Context(), &req)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
