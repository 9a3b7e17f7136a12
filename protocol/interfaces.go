package protocol

import (
	"context"
	"time"

	"github.com/flashbots/techmap/crypto"
)

// EncryptedValue is the running state of one output parameter at a point.
type EncryptedValue struct {
	Sum   *crypto.Ciphertext `json:"sum"`
	Count *crypto.Ciphertext `json:"count"`
}

// AggregateRecord is the encrypted state of a point. Version counts accepted
// contributions and drives compare-and-swap updates.
type AggregateRecord struct {
	MapID      MapID                      `json:"map_id"`
	Coordinate Coordinate                 `json:"coordinate"`
	Params     map[string]*EncryptedValue `json:"params"`
	Version    int64                      `json:"version"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

// Clone returns a copy safe to modify. Ciphertexts are immutable and shared.
func (r *AggregateRecord) Clone() *AggregateRecord {
	out := *r
	out.Coordinate = append(Coordinate(nil), r.Coordinate...)
	out.Params = make(map[string]*EncryptedValue, len(r.Params))
	for k, v := range r.Params {
		ev := *v
		out.Params[k] = &ev
	}
	return &out
}

// AccessKind tags access log entries.
type AccessKind string

const (
	AccessProvision    AccessKind = "provision"
	AccessRegularQuery AccessKind = "regular_query"
	AccessReverseQuery AccessKind = "reverse_query"
	AccessSelect       AccessKind = "select"
)

// AccessRecord is one billing and audit entry. It never contains values.
type AccessRecord struct {
	Producer   string     `json:"producer"`
	MapID      MapID      `json:"map_id,omitempty"`
	Kind       AccessKind `json:"kind"`
	PointCount int        `json:"point_count"`
	At         time.Time  `json:"at"`
}

// Store persists map state. Implementations must make StoreAggregate an
// atomic compare-and-swap on the record version.
type Store interface {
	// GetMapByLabel returns ErrNotFound for unknown labels.
	GetMapByLabel(ctx context.Context, label MapLabel) (*MapInfo, error)
	// GetMap returns ErrNotFound for unknown ids.
	GetMap(ctx context.Context, id MapID) (*MapInfo, error)
	// CreateMap inserts info unless its label exists, and returns the stored map either way.
	CreateMap(ctx context.Context, info *MapInfo) (*MapInfo, error)
	// FindMaps returns up to limit maps matching filter, oldest first.
	FindMaps(ctx context.Context, filter *ReverseQueryFilter, limit int) ([]*MapInfo, error)

	// LoadAggregate returns ErrNotFound for empty points.
	LoadAggregate(ctx context.Context, id MapID, coord Coordinate) (*AggregateRecord, error)
	// StoreAggregate writes rec if the stored version equals expectedVersion
	// (zero meaning absent) and returns ErrVersionConflict otherwise.
	StoreAggregate(ctx context.Context, rec *AggregateRecord, expectedVersion int64) error
	// ListPoints returns the populated coordinates of a map.
	ListPoints(ctx context.Context, id MapID) ([]Coordinate, error)
	// CountPoints returns the number of populated coordinates of a map.
	CountPoints(ctx context.Context, id MapID) (int, error)

	// SaveCandidates remembers reverse query results of a producer until expires.
	SaveCandidates(ctx context.Context, producer string, ids []MapID, expires time.Time) error
	// TakeCandidate consumes a pending candidate and returns ErrNotFound if there is none.
	TakeCandidate(ctx context.Context, producer string, id MapID, now time.Time) error

	RecordAccess(ctx context.Context, rec *AccessRecord) error
	// ListAccess returns access records, filtered by producer unless empty.
	ListAccess(ctx context.Context, producer string) ([]*AccessRecord, error)
}

// Authenticator resolves request signers to registered producers.
type Authenticator interface {
	// Authenticate returns ErrUnauthenticated for unknown signers.
	Authenticate(ctx context.Context, signer crypto.PublicKey) error
}

// KeyServerClient is everything the map server may ask of the key server.
type KeyServerClient interface {
	PublicKey(ctx context.Context) (*PublicKeyResponse, error)
	BlindDecrypt(ctx context.Context, req *Signed[BlindDecryptRequest]) (*BlindDecryptResponse, error)
	SignTest(ctx context.Context, req *Signed[SignTestRequest]) (*SignTestResponse, error)
}

// MapServerAPI is the producer-facing surface of the map server.
type MapServerAPI interface {
	Config(ctx context.Context) (*TechMapConfig, error)
	PublicKey(ctx context.Context) (*PublicKeyResponse, error)
	Provision(ctx context.Context, req *Signed[ProvisionRequest]) (*ProvisionAck, error)
	RegularQuery(ctx context.Context, req *Signed[QueryRequest]) (*QueryResponse, error)
	ReverseQuery(ctx context.Context, req *Signed[ReverseQueryRequest]) (*ReverseQueryResponse, error)
	SelectCandidate(ctx context.Context, req *Signed[SelectRequest]) (*SelectAck, error)
}
