package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/flashbots/techmap/crypto"
	"github.com/montanaflynn/stats"
)

// KeyBundleVerifier checks the attestation of a published encryption key.
type KeyBundleVerifier interface {
	VerifyKeyBundle(bundle *PublicKeyResponse) error
}

// ProducerService is the client side of the protocols. It encrypts
// contributions, blinds queries and removes the blinding from replies. It is
// the only party that ever sees plaintext aggregates.
type ProducerService struct {
	mapServer  MapServerAPI
	signingKey crypto.PrivateKey
	config     *TechMapConfig
	key        *crypto.PaillierPublicKey
	log        *slog.Logger
	now        func() time.Time
}

// NewProducerService fetches the schema and the encryption key from the map
// server. A non-nil verifier must accept the key bundle.
func NewProducerService(ctx context.Context, mapServer MapServerAPI, signingKey crypto.PrivateKey, verifier KeyBundleVerifier, log *slog.Logger) (*ProducerService, error) {
	if log == nil {
		log = slog.Default()
	}

	config, err := mapServer.Config(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching techmap config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid techmap config: %w", err)
	}

	bundle, err := mapServer.PublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching public key: %w", err)
	}
	if bundle == nil || bundle.Key == nil {
		return nil, errors.New("map server published no encryption key")
	}
	if verifier != nil {
		if err := verifier.VerifyKeyBundle(bundle); err != nil {
			return nil, Wrap(ErrKeyMismatch, err)
		}
	}

	return &ProducerService{
		mapServer:  mapServer,
		signingKey: signingKey,
		config:     config,
		key:        bundle.Key,
		log:        log,
		now:        time.Now,
	}, nil
}

// Config returns the schema the producer encrypts against.
func (p *ProducerService) Config() *TechMapConfig {
	return p.config
}

// Provision encrypts values and contributes them at the point of input.
func (p *ProducerService) Provision(ctx context.Context, label MapLabel, tool ToolProperties, input []float64, values map[string]float64) (*ProvisionAck, error) {
	enc := p.config.Encoder()
	cts := make(map[string]*crypto.Ciphertext, len(values))
	for name, v := range values {
		if _, _, ok := p.config.Output(name); !ok {
			return nil, Errorf(ErrBadContribution, "unknown output parameter %q", name)
		}
		m, err := enc.Encode(v)
		if err != nil {
			return nil, Errorf(ErrValidation, "%s: %v", name, err)
		}
		c, err := p.key.Encrypt(m)
		if err != nil {
			return nil, Wrap(ErrValidation, err)
		}
		cts[name] = c
	}

	nonce, err := crypto.NewSeed()
	if err != nil {
		return nil, Wrap(ErrServiceUnavailable, err)
	}
	req, err := NewSigned(p.signingKey, &ProvisionRequest{
		Label:          label,
		Tool:           tool,
		Input:          input,
		Values:         cts,
		KeyFingerprint: p.key.Fingerprint(),
		Nonce:          nonce,
		IssuedAt:       p.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return p.mapServer.Provision(ctx, req)
}

// ParamResult is the decrypted aggregate of one output parameter at a point.
type ParamResult struct {
	Sum     float64 `json:"sum"`
	Count   int64   `json:"count"`
	Average float64 `json:"average"`
}

// DecryptedAggregate holds the results at one point. Outputs nobody has
// provided at the point are absent.
type DecryptedAggregate struct {
	Coordinate Coordinate             `json:"coordinate"`
	Values     map[string]ParamResult `json:"values"`
}

// RegularQuery decrypts the aggregates at coords of a map. Larger batches
// are split into queries of at most MaxQueryPoints points.
func (p *ProducerService) RegularQuery(ctx context.Context, ref MapRef, coords []Coordinate) ([]*DecryptedAggregate, error) {
	if len(coords) == 0 {
		return nil, Errorf(ErrMalformedRequest, "no points to query")
	}
	out := make([]*DecryptedAggregate, 0, len(coords))
	for start := 0; start < len(coords); start += p.config.MaxQueryPoints {
		end := min(start+p.config.MaxQueryPoints, len(coords))
		batch, err := p.queryBatch(ctx, ref, coords[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

// QueryInputs quantizes raw input tuples and queries the resulting points.
func (p *ProducerService) QueryInputs(ctx context.Context, ref MapRef, inputs [][]float64) ([]*DecryptedAggregate, error) {
	q := p.config.Quantization()
	coords := make([]Coordinate, len(inputs))
	for i, input := range inputs {
		c, err := q.CoordinateOf(input)
		if err != nil {
			return nil, err
		}
		coords[i] = c
	}
	return p.RegularQuery(ctx, ref, coords)
}

func (p *ProducerService) queryBatch(ctx context.Context, ref MapRef, coords []Coordinate) ([]*DecryptedAggregate, error) {
	n := len(coords) * p.config.ValuesPerPoint()
	modulus := p.key.N()

	replyKey, err := crypto.NewReplyKey()
	if err != nil {
		return nil, Wrap(ErrServiceUnavailable, err)
	}
	seed, err := crypto.NewSeed()
	if err != nil {
		return nil, Wrap(ErrServiceUnavailable, err)
	}
	nonce, err := crypto.NewSeed()
	if err != nil {
		return nil, Wrap(ErrServiceUnavailable, err)
	}

	masks, err := crypto.DeriveMasks(seed, nonce, n, modulus)
	if err != nil {
		return nil, Wrap(ErrServiceUnavailable, err)
	}
	encMasks := make([]*crypto.Ciphertext, n)
	for i, r := range masks {
		if encMasks[i], err = p.key.EncryptResidue(r); err != nil {
			return nil, Wrap(ErrServiceUnavailable, err)
		}
	}

	req, err := NewSigned(p.signingKey, &QueryRequest{
		Map:         ref,
		Coordinates: coords,
		Token: QueryToken{
			Nonce:    nonce,
			IssuedAt: p.now().UTC(),
			ReplyKey: replyKey.PublicKey().Bytes(),
		},
		Masks: encMasks,
	})
	if err != nil {
		return nil, err
	}

	resp, err := p.mapServer.RegularQuery(ctx, req)
	if err != nil {
		return nil, err
	}

	payload, err := crypto.Open(replyKey, resp.Sealed)
	if err != nil {
		return nil, Wrap(ErrDecryptionFailed, err)
	}
	var blinded BlindedValues
	if err := json.Unmarshal(payload, &blinded); err != nil {
		return nil, Wrap(ErrDecryptionFailed, err)
	}
	if len(blinded.Values) != n {
		return nil, Errorf(ErrDecryptionFailed, "expected %d values, got %d", n, len(blinded.Values))
	}
	for _, v := range blinded.Values {
		if v == nil || v.Sign() < 0 || v.Cmp(modulus) >= 0 {
			return nil, Errorf(ErrDecryptionFailed, "blinded value outside the plaintext space")
		}
	}
	if err := crypto.UnblindInplace(blinded.Values, masks, modulus); err != nil {
		return nil, Wrap(ErrDecryptionFailed, err)
	}

	enc := p.config.Encoder()
	out := make([]*DecryptedAggregate, len(coords))
	i := 0
	for j, c := range coords {
		agg := &DecryptedAggregate{Coordinate: c, Values: make(map[string]ParamResult)}
		for _, param := range p.config.Outputs {
			sum := p.key.Decode(blinded.Values[i])
			count := p.key.Decode(blinded.Values[i+1])
			i += 2
			if !count.IsInt64() || count.Sign() < 0 {
				return nil, Errorf(ErrDecryptionFailed, "invalid contribution count")
			}
			if count.Sign() == 0 {
				continue
			}
			agg.Values[param.Name] = ParamResult{
				Sum:     enc.Decode(sum),
				Count:   count.Int64(),
				Average: enc.Average(sum, count.Int64()),
			}
		}
		out[j] = agg
	}
	return out, nil
}

// ReverseQuery lists candidate maps by non-confidential attributes.
func (p *ProducerService) ReverseQuery(ctx context.Context, filter ReverseQueryFilter) ([]*CandidateDescriptor, error) {
	req, err := NewSigned(p.signingKey, &ReverseQueryRequest{Filter: filter})
	if err != nil {
		return nil, err
	}
	resp, err := p.mapServer.ReverseQuery(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Candidates, nil
}

// SelectCandidate finalizes a reverse query choice and returns its points.
func (p *ProducerService) SelectCandidate(ctx context.Context, id MapID) (*SelectAck, error) {
	req, err := NewSigned(p.signingKey, &SelectRequest{MapID: id})
	if err != nil {
		return nil, err
	}
	return p.mapServer.SelectCandidate(ctx, req)
}

// CandidateResult is a selected candidate with its decrypted points.
type CandidateResult struct {
	Candidate  *CandidateDescriptor
	Aggregates []*DecryptedAggregate
}

// RankedCandidate summarizes a candidate for comparison against targets.
type RankedCandidate struct {
	Map      MapRef             `json:"map"`
	Tool     ToolProperties     `json:"tool"`
	Means    map[string]float64 `json:"means"`
	Medians  map[string]float64 `json:"medians"`
	Distance float64            `json:"distance"`
}

// Explore runs a reverse query, selects every candidate and decrypts all of
// its points. Candidates without points are skipped.
func (p *ProducerService) Explore(ctx context.Context, filter ReverseQueryFilter) ([]*CandidateResult, error) {
	candidates, err := p.ReverseQuery(ctx, filter)
	if err != nil {
		return nil, err
	}

	var results []*CandidateResult
	for _, c := range candidates {
		if c.PointCount == 0 {
			continue
		}
		ack, err := p.SelectCandidate(ctx, c.Map.ID)
		if err != nil {
			return nil, err
		}
		if len(ack.Points) == 0 {
			continue
		}
		aggs, err := p.RegularQuery(ctx, ack.Map, ack.Points)
		if err != nil {
			return nil, err
		}
		results = append(results, &CandidateResult{Candidate: c, Aggregates: aggs})
	}
	return results, nil
}

// RankCandidates orders candidates by the distance of their per-parameter
// mean point averages to targets, closest first. The distance sums
// |mean-target| relative to the target magnitude. Candidates lacking a
// targeted parameter rank last.
func RankCandidates(results []*CandidateResult, targets map[string]float64) []*RankedCandidate {
	ranked := make([]*RankedCandidate, 0, len(results))
	for _, r := range results {
		rc := &RankedCandidate{
			Map:     r.Candidate.Map,
			Tool:    r.Candidate.Tool,
			Means:   make(map[string]float64),
			Medians: make(map[string]float64),
		}

		samples := make(map[string]stats.Float64Data)
		for _, agg := range r.Aggregates {
			for name, v := range agg.Values {
				samples[name] = append(samples[name], v.Average)
			}
		}
		for name, data := range samples {
			if mean, err := stats.Mean(data); err == nil {
				rc.Means[name] = mean
			}
			if median, err := stats.Median(data); err == nil {
				rc.Medians[name] = median
			}
		}

		for name, target := range targets {
			mean, ok := rc.Means[name]
			if !ok {
				rc.Distance = math.Inf(1)
				break
			}
			rc.Distance += math.Abs(mean-target) / math.Max(math.Abs(target), 1)
		}
		ranked = append(ranked, rc)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Distance < ranked[j].Distance
	})
	return ranked
}
