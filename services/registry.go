package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flashbots/techmap/crypto"
	"github.com/flashbots/techmap/protocol"
	"github.com/go-chi/chi/v5"
)

// ErrProducerNotFound is returned by ProducerStore lookups of unknown keys.
var ErrProducerNotFound = errors.New("producer not found")

// ProducerStore persists producer accounts.
type ProducerStore interface {
	SaveProducer(ctx context.Context, p *Producer) error
	DeleteProducer(ctx context.Context, publicKey string) error
	// GetProducer returns ErrProducerNotFound for unknown keys.
	GetProducer(ctx context.Context, publicKey string) (*Producer, error)
	ListProducers(ctx context.Context) ([]*Producer, error)
}

// AccessLog lists access records, filtered by producer unless empty.
type AccessLog interface {
	AccessLog(ctx context.Context, producer string) ([]*protocol.AccessRecord, error)
}

// InMemoryProducerStore implements ProducerStore without persistence.
type InMemoryProducerStore struct {
	mu        sync.RWMutex
	producers map[string]*Producer
}

func NewInMemoryProducerStore() *InMemoryProducerStore {
	return &InMemoryProducerStore{producers: make(map[string]*Producer)}
}

func (s *InMemoryProducerStore) SaveProducer(ctx context.Context, p *Producer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *p
	s.producers[p.PublicKey] = &stored
	return nil
}

func (s *InMemoryProducerStore) DeleteProducer(ctx context.Context, publicKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.producers, publicKey)
	return nil
}

func (s *InMemoryProducerStore) GetProducer(ctx context.Context, publicKey string) (*Producer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.producers[publicKey]
	if !ok {
		return nil, ErrProducerNotFound
	}
	out := *p
	return &out, nil
}

func (s *InMemoryProducerStore) ListProducers(ctx context.Context) ([]*Producer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Producer, 0, len(s.producers))
	for _, p := range s.producers {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ProducerRegistry manages producer accounts and authenticates their
// requests at the map server.
type ProducerRegistry struct {
	store      ProducerStore
	access     AccessLog
	adminToken string
	log        *slog.Logger
}

var _ protocol.Authenticator = (*ProducerRegistry)(nil)

// NewProducerRegistry creates a registry. An empty adminToken leaves the
// admin routes unprotected.
func NewProducerRegistry(store ProducerStore, access AccessLog, adminToken string, log *slog.Logger) *ProducerRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &ProducerRegistry{store: store, access: access, adminToken: adminToken, log: log}
}

// SetAccessLog sets the source of the access route. The map server usually
// depends on the registry, so this is wired after both exist.
func (r *ProducerRegistry) SetAccessLog(access AccessLog) {
	r.access = access
}

// Authenticate accepts signers with a registered account.
func (r *ProducerRegistry) Authenticate(ctx context.Context, signer crypto.PublicKey) error {
	_, err := r.store.GetProducer(ctx, signer.String())
	switch {
	case errors.Is(err, ErrProducerNotFound):
		return protocol.Errorf(protocol.ErrUnauthenticated, "unknown producer")
	case err != nil:
		return protocol.Wrap(protocol.ErrServiceUnavailable, err)
	}
	return nil
}

// Register creates or renames a producer account.
func (r *ProducerRegistry) Register(ctx context.Context, req *RegisterProducerRequest) (*Producer, error) {
	pk, err := crypto.NewPublicKeyFromString(req.PublicKey)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrMalformedRequest, "invalid public key")
	}
	p := &Producer{PublicKey: pk.String(), Name: strings.TrimSpace(req.Name), CreatedAt: time.Now().UTC()}
	if existing, err := r.store.GetProducer(ctx, p.PublicKey); err == nil {
		p.CreatedAt = existing.CreatedAt
	}
	if err := r.store.SaveProducer(ctx, p); err != nil {
		return nil, protocol.Wrap(protocol.ErrServiceUnavailable, err)
	}
	r.log.Info("producer registered", "producer", p.PublicKey, "name", p.Name)
	return p, nil
}

// RegisterRoutes implements httpserver.RouteRegistrar. All routes live under
// /admin behind basic auth.
//
//   - POST   /admin/producers
//   - DELETE /admin/producers/{public_key}
//   - GET    /admin/producers
//   - GET    /admin/access?producer=
func (r *ProducerRegistry) RegisterRoutes(router chi.Router) {
	router.Route("/admin", func(router chi.Router) {
		router.Use(AdminAuth(r.adminToken))

		router.Post("/producers", r.handleRegister)
		router.Delete("/producers/{public_key}", r.handleUnregister)
		router.Get("/producers", r.handleList)
		router.Get("/access", r.handleAccess)
	})
}

func (r *ProducerRegistry) handleRegister(w http.ResponseWriter, req *http.Request) {
	var body RegisterProducerRequest
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, r.log, err)
		return
	}
	p, err := r.Register(req.Context(), &body)
	if err != nil {
		writeError(w, r.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (r *ProducerRegistry) handleUnregister(w http.ResponseWriter, req *http.Request) {
	publicKey := chi.URLParam(req, "public_key")
	if err := r.store.DeleteProducer(req.Context(), publicKey); err != nil {
		writeError(w, r.log, err)
		return
	}
	r.log.Info("producer removed", "producer", publicKey)
	w.WriteHeader(http.StatusOK)
}

func (r *ProducerRegistry) handleList(w http.ResponseWriter, req *http.Request) {
	producers, err := r.store.ListProducers(req.Context())
	if err != nil {
		writeError(w, r.log, err)
		return
	}
	writeJSON(w, http.StatusOK, &ProducerListResponse{Producers: producers})
}

func (r *ProducerRegistry) handleAccess(w http.ResponseWriter, req *http.Request) {
	if r.access == nil {
		writeJSON(w, http.StatusOK, &AccessLogResponse{})
		return
	}
	records, err := r.access.AccessLog(req.Context(), req.URL.Query().Get("producer"))
	if err != nil {
		writeError(w, r.log, err)
		return
	}
	writeJSON(w, http.StatusOK, &AccessLogResponse{Records: records})
}

// AdminAuth checks basic auth credentials against a "user:pass" token. An
// empty token lets every request through.
func AdminAuth(token string) func(http.Handler) http.Handler {
	wantUser, wantPass := parseAdminToken(token)
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) != 1 ||
				subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="techmap-admin"`)
				writeJSON(w, http.StatusUnauthorized, &errorResponse{Error: protocol.ErrUnauthenticated.Public()})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseAdminToken(token string) (user, pass string) {
	idx := strings.Index(token, ":")
	if idx < 0 {
		return token, ""
	}
	return token[:idx], token[idx+1:]
}
