package protocol

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/flashbots/techmap/crypto"
	"github.com/flashbots/techmap/metrics"
)

// KeyServerService holds the decryption key and answers blinded requests from
// the map server. It never sees maps, coordinates or producers.
type KeyServerService struct {
	config     *KeyServerConfig
	keypair    *crypto.Keypair
	signingKey crypto.PrivateKey
	replay     *ReplayGuard
	log        *slog.Logger
	now        func() time.Time

	allowed map[string]bool

	mu              sync.RWMutex
	attestationType string
	attestation     []byte
}

// NewKeyServerService creates a key server around an existing keypair.
func NewKeyServerService(config *KeyServerConfig, keypair *crypto.Keypair, signingKey crypto.PrivateKey, log *slog.Logger) *KeyServerService {
	if log == nil {
		log = slog.Default()
	}
	allowed := make(map[string]bool, len(config.AllowedMapServers))
	for _, pk := range config.AllowedMapServers {
		allowed[pk.String()] = true
	}
	return &KeyServerService{
		config:     config,
		keypair:    keypair,
		signingKey: signingKey,
		replay:     NewReplayGuard(config.TokenTTL),
		log:        log,
		now:        time.Now,
		allowed:    allowed,
	}
}

// KeyBundleReportData binds the encryption key and the key server's signing
// key into attestation report data.
func KeyBundleReportData(key *crypto.PaillierPublicKey, signer crypto.PublicKey) [64]byte {
	h := sha256.New()
	h.Write(key.N().Bytes())
	h.Write(signer.Bytes())

	var reportData [64]byte
	copy(reportData[:], h.Sum(nil))
	return reportData
}

// SetAttestation publishes attestation evidence over KeyBundleReportData.
func (s *KeyServerService) SetAttestation(attestationType string, attestation []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attestationType = attestationType
	s.attestation = attestation
}

// SignerPublicKey returns the key server's signing identity.
func (s *KeyServerService) SignerPublicKey() crypto.PublicKey {
	pk, _ := s.signingKey.PublicKey()
	return pk
}

// PublicKey returns the encryption key with the current attestation.
func (s *KeyServerService) PublicKey(ctx context.Context) (*PublicKeyResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &PublicKeyResponse{
		Key:             s.keypair.Public,
		SignerKey:       s.SignerPublicKey(),
		AttestationType: s.attestationType,
		Attestation:     s.attestation,
	}, nil
}

func (s *KeyServerService) authenticate(signer crypto.PublicKey) error {
	if s.config.InsecureAllowAnyMapServer {
		return nil
	}
	if !s.allowed[signer.String()] {
		return Errorf(ErrUnauthenticated, "signer is not an allowed map server")
	}
	return nil
}

// admit runs the checks shared by all decrypting operations.
func (s *KeyServerService) admit(signer crypto.PublicKey, token *QueryToken, batch int) error {
	if err := s.authenticate(signer); err != nil {
		return err
	}
	if batch == 0 || batch > s.config.MaxBatch {
		return Errorf(ErrMalformedRequest, "batch of %d ciphertexts outside [1, %d]", batch, s.config.MaxBatch)
	}
	if err := s.replay.Admit(token.Nonce, token.IssuedAt, s.now()); err != nil {
		if errors.Is(err, ErrReplayedToken) {
			metrics.IncReplayRejected()
		}
		return err
	}
	return nil
}

// BlindDecrypt decrypts blinded ciphertexts and seals the residues to the
// token's reply key. Each token is accepted once.
func (s *KeyServerService) BlindDecrypt(ctx context.Context, signed *Signed[BlindDecryptRequest]) (*BlindDecryptResponse, error) {
	req, signer, err := signed.Recover()
	if err != nil {
		return nil, Wrap(ErrUnauthenticated, err)
	}
	if _, err := crypto.ParseReplyKey(req.Token.ReplyKey); err != nil {
		return nil, Errorf(ErrMalformedRequest, "invalid reply key")
	}
	if err := s.admit(signer, &req.Token, len(req.Ciphertexts)); err != nil {
		return nil, err
	}

	values := make([]*big.Int, len(req.Ciphertexts))
	for i, c := range req.Ciphertexts {
		if err := ctx.Err(); err != nil {
			return nil, Wrap(ErrTimeout, err)
		}
		m, err := s.keypair.DecryptResidue(c)
		if err != nil {
			s.log.Warn("blind decryption failed", "index", i, "err", err)
			return nil, Wrap(ErrDecryptionFailed, err)
		}
		values[i] = m
	}
	metrics.AddDecryptions(len(values))

	payload, err := json.Marshal(&BlindedValues{Values: values})
	if err != nil {
		return nil, Wrap(ErrServiceUnavailable, err)
	}
	sealed, err := crypto.Seal(req.Token.ReplyKey, payload)
	if err != nil {
		return nil, Wrap(ErrServiceUnavailable, err)
	}

	s.log.Debug("blind decryption served", "values", len(values))
	return &BlindDecryptResponse{Sealed: sealed}, nil
}

// SignTest reports for each ciphertext whether it decrypts to a non-negative
// signed value. The map server only sends multiplicatively masked differences.
func (s *KeyServerService) SignTest(ctx context.Context, signed *Signed[SignTestRequest]) (*SignTestResponse, error) {
	req, signer, err := signed.Recover()
	if err != nil {
		return nil, Wrap(ErrUnauthenticated, err)
	}
	if err := s.admit(signer, &req.Token, len(req.Ciphertexts)); err != nil {
		return nil, err
	}

	out := make([]bool, len(req.Ciphertexts))
	for i, c := range req.Ciphertexts {
		if err := ctx.Err(); err != nil {
			return nil, Wrap(ErrTimeout, err)
		}
		m, err := s.keypair.Decrypt(c)
		if err != nil {
			return nil, Wrap(ErrDecryptionFailed, err)
		}
		out[i] = m.Sign() >= 0
	}
	metrics.AddDecryptions(len(out))

	return &SignTestResponse{NonNegative: out}, nil
}
