package services

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/flashbots/techmap/crypto"
	"github.com/flashbots/techmap/protocol"
	"github.com/flashbots/techmap/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestPostgresConnectionString(t *testing.T) {
	c := &PostgresConfig{Host: "db", Port: 5432, User: "techmap", Password: "pw", Database: "maps"}
	require.Equal(t, "host=db port=5432 user=techmap password=pw dbname=maps sslmode=disable", c.ConnectionString())

	c.SSLMode = "require"
	require.Contains(t, c.ConnectionString(), "sslmode=require")
}

func TestLikePatternEscapes(t *testing.T) {
	require.Equal(t, `%%`, likePattern(""))
	require.Equal(t, `%steel%`, likePattern(" steel "))
	require.Equal(t, `%100\%\_a\\b%`, likePattern(`100%_a\b`))
}

// newPostgresStore connects to TECHMAP_TEST_POSTGRES_DSN. Every test uses
// fresh random map ids and producer keys, so runs do not interfere.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TECHMAP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TECHMAP_TEST_POSTGRES_DSN not set")
	}
	store, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestMap(t *testing.T, material string) *protocol.MapInfo {
	t.Helper()
	id, err := protocol.NewMapID()
	require.NoError(t, err)
	return &protocol.MapInfo{
		ID:        id,
		Label:     protocol.MapLabel{Machine: "pg-" + string(id), Material: material, Tool: "end mill 10mm"},
		Salt:      "salt",
		Tool:      endMill,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestPostgresMaps(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	info := newTestMap(t, "hardened steel")
	created, err := store.CreateMap(ctx, info)
	require.NoError(t, err)
	if diff := cmp.Diff(info, created); diff != "" {
		t.Fatalf("created map differs (-want +got):\n%s", diff)
	}

	// a second allocation under the same label converges on the first
	dup := *info
	dup.ID = "other"
	again, err := store.CreateMap(ctx, &dup)
	require.NoError(t, err)
	require.Equal(t, info.ID, again.ID)

	byLabel, err := store.GetMapByLabel(ctx, info.Label)
	require.NoError(t, err)
	require.Equal(t, info.ID, byLabel.ID)

	_, err = store.GetMap(ctx, "missing")
	require.ErrorIs(t, err, protocol.ErrNotFound)

	found, err := store.FindMaps(ctx, &protocol.ReverseQueryFilter{Machine: info.Label.Machine, Material: "STEEL"}, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)

	found, err = store.FindMaps(ctx, &protocol.ReverseQueryFilter{Machine: info.Label.Machine, ExcludedTools: []string{"end mill 10mm"}}, 10)
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestPostgresAggregateCAS(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	kp := testutil.SharedKeypair(t)

	info, err := store.CreateMap(ctx, newTestMap(t, "aluminium"))
	require.NoError(t, err)
	coord := protocol.Coordinate{2, 2}

	_, err = store.LoadAggregate(ctx, info.ID, coord)
	require.ErrorIs(t, err, protocol.ErrNotFound)

	c, err := kp.Public.EncryptInt64(10)
	require.NoError(t, err)
	rec := &protocol.AggregateRecord{
		MapID:      info.ID,
		Coordinate: coord,
		Params:     map[string]*protocol.EncryptedValue{"fz": {Sum: c, Count: c}},
		Version:    1,
		UpdatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, store.StoreAggregate(ctx, rec, 0))
	require.ErrorIs(t, store.StoreAggregate(ctx, rec, 0), protocol.ErrVersionConflict)

	loaded, err := store.LoadAggregate(ctx, info.ID, coord)
	require.NoError(t, err)
	require.Equal(t, int64(1), loaded.Version)
	require.True(t, loaded.Params["fz"].Sum.Equal(c))

	next := loaded.Clone()
	next.Version = 2
	require.ErrorIs(t, store.StoreAggregate(ctx, next, 5), protocol.ErrVersionConflict)
	require.NoError(t, store.StoreAggregate(ctx, next, 1))

	points, err := store.ListPoints(ctx, info.ID)
	require.NoError(t, err)
	require.Equal(t, []protocol.Coordinate{coord}, points)

	n, err := store.CountPoints(ctx, info.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPostgresCandidatesAndAccess(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	pub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	producer := pub.String()
	now := time.Now().UTC()

	require.NoError(t, store.SaveCandidates(ctx, producer, []protocol.MapID{"m1", "m2"}, now.Add(time.Minute)))
	require.NoError(t, store.TakeCandidate(ctx, producer, "m1", now))
	require.ErrorIs(t, store.TakeCandidate(ctx, producer, "m1", now), protocol.ErrNotFound)
	require.ErrorIs(t, store.TakeCandidate(ctx, producer, "m2", now.Add(time.Hour)), protocol.ErrNotFound)

	require.NoError(t, store.RecordAccess(ctx, &protocol.AccessRecord{Producer: producer, MapID: "m1", Kind: protocol.AccessSelect, PointCount: 3, At: now}))
	records, err := store.ListAccess(ctx, producer)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 3, records[0].PointCount)

	require.NoError(t, store.SaveProducer(ctx, &Producer{PublicKey: producer, Name: "plant", CreatedAt: now}))
	got, err := store.GetProducer(ctx, producer)
	require.NoError(t, err)
	require.Equal(t, "plant", got.Name)
	require.NoError(t, store.DeleteProducer(ctx, producer))
	_, err = store.GetProducer(ctx, producer)
	require.ErrorIs(t, err, ErrProducerNotFound)
}
