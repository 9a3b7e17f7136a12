package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/flashbots/techmap/crypto"
	"github.com/flashbots/techmap/metrics"
)

// MapServerService stores encrypted maps and runs the producer-facing side of
// all three protocols. It holds no decryption capability.
type MapServerService struct {
	config    *MapServerConfig
	techmap   *TechMapConfig
	store     Store
	keyServer KeyServerClient
	auth      Authenticator
	signer    crypto.PrivateKey
	keyBundle *PublicKeyResponse
	log       *slog.Logger
	now       func() time.Time

	locks    *keyedMutex
	requests *ReplayGuard

	// Cached encryptions reused as operands. Every stored or returned value
	// is rerandomized, so sharing them is not observable.
	encOne  *crypto.Ciphertext
	encZero *crypto.Ciphertext
}

// NewMapServerService creates a map server. keyBundle is the key server's
// published encryption key, usually fetched through keyServer.PublicKey.
func NewMapServerService(config *MapServerConfig, techmap *TechMapConfig, store Store, keyServer KeyServerClient, auth Authenticator, signer crypto.PrivateKey, keyBundle *PublicKeyResponse, log *slog.Logger) (*MapServerService, error) {
	if err := techmap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid techmap config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid map server config: %w", err)
	}
	if keyBundle == nil || keyBundle.Key == nil {
		return nil, errors.New("missing encryption key")
	}
	if log == nil {
		log = slog.Default()
	}

	pk := keyBundle.Key
	encOne, err := pk.EncryptInt64(1)
	if err != nil {
		return nil, err
	}
	encZero, err := pk.EncryptInt64(0)
	if err != nil {
		return nil, err
	}

	return &MapServerService{
		config:    config,
		techmap:   techmap,
		store:     store,
		keyServer: keyServer,
		auth:      auth,
		signer:    signer,
		keyBundle: keyBundle,
		log:       log,
		now:       time.Now,
		locks:     newKeyedMutex(),
		requests:  NewReplayGuard(config.RequestTTL),
		encOne:    encOne,
		encZero:   encZero,
	}, nil
}

func (s *MapServerService) Config(ctx context.Context) (*TechMapConfig, error) {
	c := *s.techmap
	return &c, nil
}

func (s *MapServerService) PublicKey(ctx context.Context) (*PublicKeyResponse, error) {
	return s.keyBundle, nil
}

func (s *MapServerService) key() *crypto.PaillierPublicKey {
	return s.keyBundle.Key
}

// recoverProducer verifies the request signature and the producer registration.
func recoverProducer[T any](ctx context.Context, auth Authenticator, signed *Signed[T]) (*T, crypto.PublicKey, error) {
	req, signer, err := signed.Recover()
	if err != nil {
		return nil, nil, Wrap(ErrUnauthenticated, err)
	}
	if err := auth.Authenticate(ctx, signer); err != nil {
		return nil, nil, err
	}
	return req, signer, nil
}

func observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = string(KindOf(err))
	}
	metrics.ObserveOperation(op, result, start)
}

// Provision adds one contribution to the aggregate of the point its input
// falls into. The update is all or nothing.
func (s *MapServerService) Provision(ctx context.Context, signed *Signed[ProvisionRequest]) (ack *ProvisionAck, err error) {
	defer func(start time.Time) { observe("provision", start, err) }(time.Now())

	req, signer, err := recoverProducer(ctx, s.auth, signed)
	if err != nil {
		return nil, err
	}
	if err := s.requests.Admit(req.Nonce, req.IssuedAt, s.now()); err != nil {
		return nil, err
	}
	if req.KeyFingerprint != s.key().Fingerprint() {
		return nil, Errorf(ErrKeyMismatch, "contribution encrypted under an unknown key")
	}
	if err := s.checkContribution(req.Values); err != nil {
		return nil, err
	}
	if err := req.Label.Validate(); err != nil {
		return nil, err
	}
	coord, err := s.techmap.Quantization().CoordinateOf(req.Input)
	if err != nil {
		return nil, err
	}

	if s.techmap.Validation == ValidationChecked {
		if err := s.validateRanges(ctx, req.Values); err != nil {
			return nil, err
		}
	}

	info, err := retryStore(ctx, s, func() (*MapInfo, error) {
		return MapIdentityOf(ctx, s.store, req.Label, req.Tool)
	})
	if err != nil {
		return nil, err
	}

	version, err := s.aggregate(ctx, info.ID, coord, req.Values)
	if err != nil {
		return nil, err
	}

	s.recordAccess(ctx, &AccessRecord{Producer: signer.String(), MapID: info.ID, Kind: AccessProvision, PointCount: 1})
	s.log.Debug("contribution aggregated", "map", info.ID, "coordinate", coord.Key(), "version", version)

	return &ProvisionAck{Map: info.Ref(), Coordinate: coord, Version: version}, nil
}

func (s *MapServerService) checkContribution(values map[string]*crypto.Ciphertext) error {
	if len(values) == 0 {
		return Errorf(ErrBadContribution, "empty contribution")
	}
	for name, c := range values {
		if _, _, ok := s.techmap.Output(name); !ok {
			return Errorf(ErrBadContribution, "unknown output parameter %q", name)
		}
		if err := s.key().Validate(c); err != nil {
			return Errorf(ErrBadContribution, "malformed ciphertext for %q", name)
		}
	}
	return nil
}

var (
	signTestScaleLo = new(big.Int).Lsh(big.NewInt(1), 32)
	signTestScaleHi = new(big.Int).Lsh(big.NewInt(1), 64)
)

// validateRanges checks min <= v <= max for every value without decrypting
// it. For each bound the key server decrypts s*(v-min)+t and s*(max-v)+t with
// fresh random s > t >= 0 and only reports the sign.
func (s *MapServerService) validateRanges(ctx context.Context, values map[string]*crypto.Ciphertext) error {
	pk := s.key()
	enc := s.techmap.Encoder()

	rounds := s.config.SignTestRounds
	var tests []*crypto.Ciphertext
	for _, name := range sortedKeys(values) {
		param, _, _ := s.techmap.Output(name)
		lo, err := enc.Encode(param.Min)
		if err != nil {
			return Wrap(ErrServiceUnavailable, err)
		}
		hi, err := enc.Encode(param.Max)
		if err != nil {
			return Wrap(ErrServiceUnavailable, err)
		}
		encLo, err := pk.Encrypt(lo)
		if err != nil {
			return Wrap(ErrServiceUnavailable, err)
		}
		encHi, err := pk.Encrypt(hi)
		if err != nil {
			return Wrap(ErrServiceUnavailable, err)
		}

		minusOne := big.NewInt(-1)
		negV, err := pk.ScalarMul(values[name], minusOne)
		if err != nil {
			return Wrap(ErrBadContribution, err)
		}
		negLo, err := pk.ScalarMul(encLo, minusOne)
		if err != nil {
			return Wrap(ErrServiceUnavailable, err)
		}
		aboveMin, err := pk.Add(values[name], negLo)
		if err != nil {
			return Wrap(ErrServiceUnavailable, err)
		}
		belowMax, err := pk.Add(encHi, negV)
		if err != nil {
			return Wrap(ErrServiceUnavailable, err)
		}

		for r := 0; r < rounds; r++ {
			for _, diff := range []*crypto.Ciphertext{aboveMin, belowMax} {
				masked, err := maskSign(pk, diff)
				if err != nil {
					return Wrap(ErrServiceUnavailable, err)
				}
				tests = append(tests, masked)
			}
		}
	}

	// Shuffle so the key server cannot pair lower and upper bounds.
	if err := shuffle(tests); err != nil {
		return Wrap(ErrServiceUnavailable, err)
	}

	token, err := newServerToken(s.now())
	if err != nil {
		return Wrap(ErrServiceUnavailable, err)
	}
	req, err := NewSigned(s.signer, &SignTestRequest{Token: *token, Ciphertexts: tests})
	if err != nil {
		return Wrap(ErrServiceUnavailable, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.KeyServerTimeout)
	defer cancel()

	metrics.IncKeyServerCall()
	resp, err := s.keyServer.SignTest(callCtx, req)
	if err != nil {
		return keyServerError(callCtx, err)
	}
	if len(resp.NonNegative) != len(tests) {
		return Errorf(ErrServiceUnavailable, "key server answered %d of %d sign tests", len(resp.NonNegative), len(tests))
	}
	for _, ok := range resp.NonNegative {
		if !ok {
			return Errorf(ErrValidation, "contribution outside the configured range")
		}
	}
	return nil
}

// maskSign returns Enc(s*d + t) for uniform s in [2^32, 2^64) and t in [0, s).
func maskSign(pk *crypto.PaillierPublicKey, diff *crypto.Ciphertext) (*crypto.Ciphertext, error) {
	scale, err := crypto.RandomInRange(signTestScaleLo, signTestScaleHi)
	if err != nil {
		return nil, err
	}
	shift, err := crypto.RandomBelow(scale)
	if err != nil {
		return nil, err
	}
	scaled, err := pk.ScalarMul(diff, scale)
	if err != nil {
		return nil, err
	}
	encShift, err := pk.Encrypt(shift)
	if err != nil {
		return nil, err
	}
	return pk.Add(scaled, encShift)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shuffle(cs []*crypto.Ciphertext) error {
	for i := len(cs) - 1; i > 0; i-- {
		j, err := crypto.RandomBelow(big.NewInt(int64(i + 1)))
		if err != nil {
			return err
		}
		cs[i], cs[j.Int64()] = cs[j.Int64()], cs[i]
	}
	return nil
}

func newServerToken(now time.Time) (*QueryToken, error) {
	nonce, err := crypto.NewSeed()
	if err != nil {
		return nil, err
	}
	return &QueryToken{Nonce: nonce, IssuedAt: now}, nil
}

// aggregate folds values into the point under the per-coordinate lock and a
// compare-and-swap on the record version. Returns the new version.
func (s *MapServerService) aggregate(ctx context.Context, id MapID, coord Coordinate, values map[string]*crypto.Ciphertext) (int64, error) {
	unlock := s.locks.Lock(string(id) + "/" + coord.Key())
	defer unlock()

	pk := s.key()
	for attempt := 0; attempt <= s.config.CASRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, Wrap(ErrTimeout, err)
		}

		rec, err := retryStore(ctx, s, func() (*AggregateRecord, error) {
			return s.store.LoadAggregate(ctx, id, coord)
		})
		if errors.Is(err, ErrNotFound) {
			rec = &AggregateRecord{MapID: id, Coordinate: coord, Params: make(map[string]*EncryptedValue)}
		} else if err != nil {
			return 0, err
		}

		expected := rec.Version
		for name, c := range values {
			ev, ok := rec.Params[name]
			if !ok {
				ev = &EncryptedValue{Sum: s.encZero, Count: s.encZero}
			}
			sum, err := pk.Add(ev.Sum, c)
			if err != nil {
				return 0, Wrap(ErrBadContribution, err)
			}
			count, err := pk.Add(ev.Count, s.encOne)
			if err != nil {
				return 0, Wrap(ErrServiceUnavailable, err)
			}
			if sum, err = pk.Rerandomize(sum); err != nil {
				return 0, Wrap(ErrServiceUnavailable, err)
			}
			if count, err = pk.Rerandomize(count); err != nil {
				return 0, Wrap(ErrServiceUnavailable, err)
			}
			rec.Params[name] = &EncryptedValue{Sum: sum, Count: count}
		}
		rec.Version = expected + 1
		rec.UpdatedAt = s.now().UTC()

		_, err = retryStore(ctx, s, func() (struct{}, error) {
			return struct{}{}, s.store.StoreAggregate(ctx, rec, expected)
		})
		if errors.Is(err, ErrVersionConflict) {
			metrics.IncCASConflict()
			s.log.Debug("aggregate version conflict", "map", id, "coordinate", coord.Key(), "attempt", attempt)
			continue
		}
		if err != nil {
			return 0, err
		}
		return rec.Version, nil
	}
	return 0, Errorf(ErrContention, "point updated concurrently too often, retry later")
}

// RegularQuery returns the aggregates at the requested points blinded by the
// producer's masks and sealed by the key server to the producer's reply key.
// An unknown map, a label or salt mismatch and an empty point are
// indistinguishable.
func (s *MapServerService) RegularQuery(ctx context.Context, signed *Signed[QueryRequest]) (resp *QueryResponse, err error) {
	defer func(start time.Time) { observe("regular_query", start, err) }(time.Now())

	req, signer, err := recoverProducer(ctx, s.auth, signed)
	if err != nil {
		return nil, err
	}
	if n := len(req.Coordinates); n == 0 || n > s.techmap.MaxQueryPoints {
		return nil, Errorf(ErrMalformedRequest, "query must name between 1 and %d points", s.techmap.MaxQueryPoints)
	}
	perPoint := s.techmap.ValuesPerPoint()
	if len(req.Masks) != len(req.Coordinates)*perPoint {
		return nil, Errorf(ErrMalformedRequest, "expected %d masks, got %d", len(req.Coordinates)*perPoint, len(req.Masks))
	}
	if _, err := crypto.ParseReplyKey(req.Token.ReplyKey); err != nil {
		return nil, Errorf(ErrMalformedRequest, "invalid reply key")
	}
	for _, m := range req.Masks {
		if err := s.key().Validate(m); err != nil {
			return nil, Errorf(ErrMalformedRequest, "malformed mask ciphertext")
		}
	}

	records, err := s.loadPoints(ctx, req.Map, req.Coordinates)
	if err != nil {
		return nil, err
	}

	blinded, err := s.blind(records, req.Masks)
	if err != nil {
		return nil, err
	}

	decReq, err := NewSigned(s.signer, &BlindDecryptRequest{Token: req.Token, Ciphertexts: blinded})
	if err != nil {
		return nil, Wrap(ErrServiceUnavailable, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.KeyServerTimeout)
	defer cancel()

	metrics.IncKeyServerCall()
	decResp, err := s.keyServer.BlindDecrypt(callCtx, decReq)
	if err != nil {
		return nil, keyServerError(callCtx, err)
	}

	s.recordAccess(ctx, &AccessRecord{Producer: signer.String(), MapID: req.Map.ID, Kind: AccessRegularQuery, PointCount: len(records)})
	return &QueryResponse{Sealed: decResp.Sealed}, nil
}

func (s *MapServerService) loadPoints(ctx context.Context, ref MapRef, coords []Coordinate) ([]*AggregateRecord, error) {
	info, err := retryStore(ctx, s, func() (*MapInfo, error) {
		return s.store.GetMap(ctx, ref.ID)
	})
	if err != nil {
		return nil, err
	}
	if !info.Matches(ref) {
		return nil, ErrNotFound
	}

	q := s.techmap.Quantization()
	records := make([]*AggregateRecord, len(coords))
	for i, c := range coords {
		if !q.Contains(c) {
			return nil, ErrNotFound
		}
		rec, err := retryStore(ctx, s, func() (*AggregateRecord, error) {
			return s.store.LoadAggregate(ctx, info.ID, c)
		})
		if err != nil {
			return nil, err
		}
		records[i] = rec
	}
	return records, nil
}

// blind lays out [sum, count] per output per record, adds the masks and
// rerandomizes. Outputs nobody has provisioned at a point read as zero.
func (s *MapServerService) blind(records []*AggregateRecord, masks []*crypto.Ciphertext) ([]*crypto.Ciphertext, error) {
	pk := s.key()
	out := make([]*crypto.Ciphertext, 0, len(masks))
	for _, rec := range records {
		for _, param := range s.techmap.Outputs {
			ev, ok := rec.Params[param.Name]
			if !ok {
				ev = &EncryptedValue{Sum: s.encZero, Count: s.encZero}
			}
			for _, c := range []*crypto.Ciphertext{ev.Sum, ev.Count} {
				masked, err := pk.Add(c, masks[len(out)])
				if err != nil {
					return nil, Wrap(ErrServiceUnavailable, err)
				}
				masked, err = pk.Rerandomize(masked)
				if err != nil {
					return nil, Wrap(ErrServiceUnavailable, err)
				}
				out = append(out, masked)
			}
		}
	}
	return out, nil
}

// ReverseQuery lists maps whose non-confidential metadata matches the filter
// and remembers them as selectable for the caller.
func (s *MapServerService) ReverseQuery(ctx context.Context, signed *Signed[ReverseQueryRequest]) (resp *ReverseQueryResponse, err error) {
	defer func(start time.Time) { observe("reverse_query", start, err) }(time.Now())

	req, signer, err := recoverProducer(ctx, s.auth, signed)
	if err != nil {
		return nil, err
	}
	if err := req.Filter.Validate(s.techmap.MaxCandidates); err != nil {
		return nil, err
	}

	maps, err := retryStore(ctx, s, func() ([]*MapInfo, error) {
		return s.store.FindMaps(ctx, &req.Filter, req.Filter.EffectiveLimit(s.techmap.MaxCandidates))
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]*CandidateDescriptor, 0, len(maps))
	ids := make([]MapID, 0, len(maps))
	for _, info := range maps {
		n, err := retryStore(ctx, s, func() (int, error) {
			return s.store.CountPoints(ctx, info.ID)
		})
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, &CandidateDescriptor{Map: info.CandidateRef(), Tool: info.Tool, PointCount: n})
		ids = append(ids, info.ID)
	}

	producer := signer.String()
	if len(ids) > 0 {
		expires := s.now().Add(s.config.CandidateTTL)
		if _, err := retryStore(ctx, s, func() (struct{}, error) {
			return struct{}{}, s.store.SaveCandidates(ctx, producer, ids, expires)
		}); err != nil {
			return nil, err
		}
	}

	s.recordAccess(ctx, &AccessRecord{Producer: producer, Kind: AccessReverseQuery, PointCount: len(candidates)})
	return &ReverseQueryResponse{Candidates: candidates}, nil
}

// SelectCandidate finalizes the choice of a pending candidate and reveals its
// points for follow-up regular queries. Each candidate can be selected once.
func (s *MapServerService) SelectCandidate(ctx context.Context, signed *Signed[SelectRequest]) (ack *SelectAck, err error) {
	defer func(start time.Time) { observe("select", start, err) }(time.Now())

	req, signer, err := recoverProducer(ctx, s.auth, signed)
	if err != nil {
		return nil, err
	}
	producer := signer.String()

	if _, err := retryStore(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.store.TakeCandidate(ctx, producer, req.MapID, s.now())
	}); err != nil {
		return nil, err
	}

	info, err := retryStore(ctx, s, func() (*MapInfo, error) {
		return s.store.GetMap(ctx, req.MapID)
	})
	if err != nil {
		return nil, err
	}
	points, err := retryStore(ctx, s, func() ([]Coordinate, error) {
		return s.store.ListPoints(ctx, info.ID)
	})
	if err != nil {
		return nil, err
	}

	s.recordAccess(ctx, &AccessRecord{Producer: producer, MapID: info.ID, Kind: AccessSelect, PointCount: len(points)})
	return &SelectAck{Map: info.Ref(), Points: points}, nil
}

// AccessLog returns access records, filtered by producer unless empty.
func (s *MapServerService) AccessLog(ctx context.Context, producer string) ([]*AccessRecord, error) {
	return retryStore(ctx, s, func() ([]*AccessRecord, error) {
		return s.store.ListAccess(ctx, producer)
	})
}

// recordAccess logs failures instead of failing the operation, which has
// already been committed.
func (s *MapServerService) recordAccess(ctx context.Context, rec *AccessRecord) {
	rec.At = s.now().UTC()
	if _, err := retryStore(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.store.RecordAccess(ctx, rec)
	}); err != nil {
		s.log.Error("recording access failed", "producer", rec.Producer, "kind", rec.Kind, "err", err)
	}
}

// retryStore retries storage faults with exponential backoff. Protocol
// errors such as ErrNotFound and ErrVersionConflict are returned at once.
func retryStore[T any](ctx context.Context, s *MapServerService, fn func() (T, error)) (T, error) {
	var zero T
	delay := s.config.StoreBackoff
	for attempt := 0; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		var pe *Error
		if errors.As(err, &pe) {
			return zero, pe
		}
		if attempt >= s.config.StoreRetries {
			s.log.Error("storage unavailable", "attempts", attempt+1, "err", err)
			return zero, Wrap(ErrServiceUnavailable, err)
		}
		s.log.Warn("storage call failed, retrying", "attempt", attempt+1, "err", err)

		select {
		case <-ctx.Done():
			return zero, Wrap(ErrTimeout, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// keyServerError maps a failed key server call. Deadline overruns become
// ErrTimeout. Crypto errors pass through, everything else is internal.
func keyServerError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return Wrap(ErrTimeout, err)
	}
	pe := AsError(err)
	switch {
	case pe.Kind == KindCrypto:
		return pe
	case errors.Is(pe, ErrReplayedToken), errors.Is(pe, ErrExpiredToken), errors.Is(pe, ErrMalformedRequest):
		return pe
	}
	return Wrap(ErrServiceUnavailable, err)
}
