package protocol

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/flashbots/techmap/crypto"
	"github.com/flashbots/techmap/testutil"
	"github.com/stretchr/testify/require"
)

// testTechMapConfig buckets ap in 0.5 mm and ae in 1 mm steps, so (1, 2)
// lands on (2, 2).
func testTechMapConfig(mode ValidationMode) *TechMapConfig {
	return &TechMapConfig{
		Inputs: []Dimension{
			{Name: "ap", Origin: 0, Width: 0.5, Buckets: 40},
			{Name: "ae", Origin: 0, Width: 1, Buckets: 40},
		},
		Outputs: []OutputParam{
			{Name: "fz", Min: 0, Max: 100},
			{Name: "usage", Min: 0, Max: 1000},
		},
		Resolution:     6,
		Scale:          1000,
		Validation:     mode,
		MaxCandidates:  10,
		MaxQueryPoints: 64,
	}
}

var steelLabel = MapLabel{Machine: "DMU 50", Material: "hardened steel", Tool: "end mill 10mm"}

var endMill = ToolProperties{Type: "end mill", Diameter: 10}

type testEnv struct {
	keypair   *crypto.Keypair
	keyServer *KeyServerService
	mapServer *MapServerService
	store     Store
	auth      *StaticAuthenticator
	producer  *ProducerService

	producerPub crypto.PublicKey
	producerKey crypto.PrivateKey
	mapPub      crypto.PublicKey
	mapKey      crypto.PrivateKey
}

type envOptions struct {
	mode      ValidationMode
	store     Store
	keyServer func(KeyServerClient) KeyServerClient
	config    func(*MapServerConfig)
}

type envOption func(*envOptions)

func withValidation(mode ValidationMode) envOption {
	return func(o *envOptions) { o.mode = mode }
}

func withStore(s Store) envOption {
	return func(o *envOptions) { o.store = s }
}

func withKeyServer(wrap func(KeyServerClient) KeyServerClient) envOption {
	return func(o *envOptions) { o.keyServer = wrap }
}

func withMapServerConfig(f func(*MapServerConfig)) envOption {
	return func(o *envOptions) { o.config = f }
}

func newTestEnv(t *testing.T, options ...envOption) *testEnv {
	t.Helper()
	opts := &envOptions{mode: ValidationChecked, store: NewInMemoryStore()}
	for _, o := range options {
		o(opts)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	kp := testutil.SharedKeypair(t)

	mapPub, mapKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	_, ksKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	producerPub, producerKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	ksConfig := DefaultKeyServerConfig()
	ksConfig.AllowedMapServers = []crypto.PublicKey{mapPub}
	keyServer := NewKeyServerService(ksConfig, kp, ksKey, log)

	var ksClient KeyServerClient = keyServer
	if opts.keyServer != nil {
		ksClient = opts.keyServer(keyServer)
	}

	bundle, err := keyServer.PublicKey(context.Background())
	require.NoError(t, err)

	msConfig := DefaultMapServerConfig()
	msConfig.StoreBackoff = time.Millisecond
	if opts.config != nil {
		opts.config(msConfig)
	}

	auth := NewStaticAuthenticator(producerPub)
	mapServer, err := NewMapServerService(msConfig, testTechMapConfig(opts.mode), opts.store, ksClient, auth, mapKey, bundle, log)
	require.NoError(t, err)

	producer, err := NewProducerService(context.Background(), mapServer, producerKey, nil, log)
	require.NoError(t, err)

	return &testEnv{
		keypair:     kp,
		keyServer:   keyServer,
		mapServer:   mapServer,
		store:       opts.store,
		auth:        auth,
		producer:    producer,
		producerPub: producerPub,
		producerKey: producerKey,
		mapPub:      mapPub,
		mapKey:      mapKey,
	}
}

// newProducer registers another producer against the same map server.
func (e *testEnv) newProducer(t *testing.T) (*ProducerService, crypto.PublicKey) {
	t.Helper()
	pub, key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	e.auth.Add(pub)

	p, err := NewProducerService(context.Background(), e.mapServer, key, nil, nil)
	require.NoError(t, err)
	return p, pub
}

// slowKeyServer blocks every decryption until the caller gives up.
type slowKeyServer struct {
	KeyServerClient
}

func (s *slowKeyServer) BlindDecrypt(ctx context.Context, req *Signed[BlindDecryptRequest]) (*BlindDecryptResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *slowKeyServer) SignTest(ctx context.Context, req *Signed[SignTestRequest]) (*SignTestResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// racingStore loses every compare-and-swap.
type racingStore struct {
	*InMemoryStore
}

func (s *racingStore) StoreAggregate(ctx context.Context, rec *AggregateRecord, expectedVersion int64) error {
	return ErrVersionConflict
}

// flakyStore fails the first failures aggregate loads with a storage fault.
type flakyStore struct {
	*InMemoryStore
	failures int
	calls    int
}

var errDiskOnFire = errors.New("connection refused")

func (s *flakyStore) LoadAggregate(ctx context.Context, id MapID, coord Coordinate) (*AggregateRecord, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, errDiskOnFire
	}
	return s.InMemoryStore.LoadAggregate(ctx, id, coord)
}
