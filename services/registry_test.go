package services

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flashbots/techmap/crypto"
	"github.com/flashbots/techmap/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type staticAccessLog []*protocol.AccessRecord

func (l staticAccessLog) AccessLog(ctx context.Context, producer string) ([]*protocol.AccessRecord, error) {
	var out []*protocol.AccessRecord
	for _, rec := range l {
		if producer == "" || rec.Producer == producer {
			out = append(out, rec)
		}
	}
	return out, nil
}

func setupTestRegistry(t *testing.T, adminToken string, access AccessLog) (*ProducerRegistry, chi.Router) {
	t.Helper()
	registry := NewProducerRegistry(NewInMemoryProducerStore(), access, adminToken, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	registry.RegisterRoutes(r)
	return registry, r
}

func serve(r http.Handler, method, path, body, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		user, pass := parseAdminToken(auth)
		req.SetBasicAuth(user, pass)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegistryAdminAuth(t *testing.T) {
	_, router := setupTestRegistry(t, "admin:secret", nil)

	tests := []struct {
		name string
		auth string
		want int
	}{
		{name: "no credentials", auth: "", want: http.StatusUnauthorized},
		{name: "wrong password", auth: "admin:wrong", want: http.StatusUnauthorized},
		{name: "wrong user", auth: "root:secret", want: http.StatusUnauthorized},
		{name: "valid", auth: "admin:secret", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, http.MethodGet, "/admin/producers", "", tt.auth)
			require.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRegistryWithoutTokenIsOpen(t *testing.T) {
	_, router := setupTestRegistry(t, "", nil)
	w := serve(router, http.MethodGet, "/admin/producers", "", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRegistryProducerLifecycle(t *testing.T) {
	registry, router := setupTestRegistry(t, "admin:secret", nil)
	ctx := context.Background()

	pub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.ErrorIs(t, registry.Authenticate(ctx, pub), protocol.ErrUnauthenticated)

	body := `{"public_key":"` + pub.String() + `","name":"plant 7"}`
	w := serve(router, http.MethodPost, "/admin/producers", body, "admin:secret")
	require.Equal(t, http.StatusOK, w.Code)

	var created Producer
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	require.Equal(t, pub.String(), created.PublicKey)
	require.Equal(t, "plant 7", created.Name)
	require.NoError(t, registry.Authenticate(ctx, pub))

	// renaming keeps the account age
	w = serve(router, http.MethodPost, "/admin/producers", `{"public_key":"`+pub.String()+`","name":"plant 8"}`, "admin:secret")
	require.Equal(t, http.StatusOK, w.Code)
	var renamed Producer
	require.NoError(t, json.NewDecoder(w.Body).Decode(&renamed))
	require.Equal(t, created.CreatedAt, renamed.CreatedAt)

	w = serve(router, http.MethodGet, "/admin/producers", "", "admin:secret")
	var list ProducerListResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list.Producers, 1)
	require.Equal(t, "plant 8", list.Producers[0].Name)

	w = serve(router, http.MethodDelete, "/admin/producers/"+pub.String(), "", "admin:secret")
	require.Equal(t, http.StatusOK, w.Code)
	require.ErrorIs(t, registry.Authenticate(ctx, pub), protocol.ErrUnauthenticated)
}

func TestRegistryRejectsInvalidKey(t *testing.T) {
	_, router := setupTestRegistry(t, "admin:secret", nil)

	for _, body := range []string{`{"public_key":"zz"}`, `{"public_key":"abcd"}`, `{`} {
		w := serve(router, http.MethodPost, "/admin/producers", body, "admin:secret")
		require.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestRegistryAccessLog(t *testing.T) {
	access := staticAccessLog{
		{Producer: "aa", MapID: "m1", Kind: protocol.AccessProvision, PointCount: 1},
		{Producer: "bb", MapID: "m1", Kind: protocol.AccessRegularQuery, PointCount: 4},
		{Producer: "aa", Kind: protocol.AccessReverseQuery},
	}
	_, router := setupTestRegistry(t, "admin:secret", access)

	w := serve(router, http.MethodGet, "/admin/access?producer=aa", "", "admin:secret")
	require.Equal(t, http.StatusOK, w.Code)
	var resp AccessLogResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Records, 2)

	w = serve(router, http.MethodGet, "/admin/access", "", "admin:secret")
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Records, 3)
}

func TestParseAdminToken(t *testing.T) {
	user, pass := parseAdminToken("admin:se:cret")
	require.Equal(t, "admin", user)
	require.Equal(t, "se:cret", pass)

	user, pass = parseAdminToken("admin")
	require.Equal(t, "admin", user)
	require.Empty(t, pass)
}
