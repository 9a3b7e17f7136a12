package httpserver

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type pingRoutes struct{}

func (pingRoutes) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Group", "ping")
				next.ServeHTTP(w, r)
			})
		})
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("pong"))
		})
	})
}

type echoRoutes struct{}

func (echoRoutes) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Get("/echo", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(r.URL.Query().Get("q")))
		})
	})
}

func newTestServer(t *testing.T) *BaseServer {
	t.Helper()
	srv, err := New(&HTTPServerConfig{
		Name:                     "techmap-test",
		ListenAddr:               "127.0.0.1:0",
		Log:                      slog.New(slog.NewTextHandler(io.Discard, nil)),
		GracefulShutdownDuration: time.Second,
		RequestTimeout:           time.Second,
	}, pingRoutes{}, echoRoutes{})
	require.NoError(t, err)
	return srv
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestRegistrarsShareTheRouter(t *testing.T) {
	h := newTestServer(t).Handler()

	w := get(t, h, "/ping")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "pong", w.Body.String())
	require.Equal(t, "ping", w.Header().Get("X-Group"))

	w = get(t, h, "/echo?q=hi")
	require.Equal(t, "hi", w.Body.String())
	require.Empty(t, w.Header().Get("X-Group"))
}

func TestDrainAndUndrain(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	require.Equal(t, http.StatusOK, get(t, h, "/livez").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)

	require.Contains(t, get(t, h, "/drain").Body.String(), "draining")
	require.False(t, srv.IsReady())
	require.Equal(t, http.StatusServiceUnavailable, get(t, h, "/readyz").Code)
	require.Contains(t, get(t, h, "/drain").Body.String(), "already draining")

	// liveness is unaffected by draining
	require.Equal(t, http.StatusOK, get(t, h, "/livez").Code)

	require.Contains(t, get(t, h, "/undrain").Body.String(), "ready")
	require.True(t, srv.IsReady())
	require.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)
}

func TestNewRequiresName(t *testing.T) {
	_, err := New(&HTTPServerConfig{ListenAddr: ":0"})
	require.Error(t, err)
}
