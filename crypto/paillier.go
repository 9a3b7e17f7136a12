package crypto

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/niclabs/tcpaillier"
	"github.com/zeebo/blake3"
)

const (
	// MinKeyBits is the smallest modulus GenerateKeypair accepts.
	MinKeyBits = 2048
	// MinTestKeyBits is the smallest modulus GenerateTestKeypair accepts.
	MinTestKeyBits = 512
)

var (
	// ErrInvalidKeyParameters is returned by key generation for unsupported sizes or share counts.
	ErrInvalidKeyParameters = errors.New("invalid key parameters")
	// ErrPlaintextOutOfRange is returned when a plaintext does not fit the signed plaintext space.
	ErrPlaintextOutOfRange = errors.New("plaintext out of range")
	// ErrMalformedCiphertext is returned for ciphertexts outside Z*_{N^2}.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	// ErrDecryptionFailed is returned when a ciphertext cannot be decrypted with the held key.
	ErrDecryptionFailed = errors.New("decryption failed")
)

var one = big.NewInt(1)

// PaillierPublicKey is the public half of the map's encryption key.
// Producers encrypt with it and the map server uses it for homomorphic
// evaluation. It carries no decryption capability.
type PaillierPublicKey struct {
	pk       *tcpaillier.PubKey
	nSquared *big.Int
	half     *big.Int
}

func newPaillierPublicKey(pk *tcpaillier.PubKey) *PaillierPublicKey {
	return &PaillierPublicKey{
		pk:       pk,
		nSquared: new(big.Int).Mul(pk.N, pk.N),
		half:     new(big.Int).Rsh(pk.N, 1),
	}
}

// N returns a copy of the modulus.
func (k *PaillierPublicKey) N() *big.Int {
	return new(big.Int).Set(k.pk.N)
}

// Fingerprint binds the modulus to a short digest. Used in attestation report
// data and to detect key rotation on the client side.
func (k *PaillierPublicKey) Fingerprint() string {
	sum := blake3.Sum256(k.pk.N.Bytes())
	return hex.EncodeToString(sum[:])
}

// Equal reports whether both keys share the same modulus.
func (k *PaillierPublicKey) Equal(other *PaillierPublicKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.pk.N.Cmp(other.pk.N) == 0
}

func (k *PaillierPublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.pk)
}

func (k *PaillierPublicKey) UnmarshalJSON(data []byte) error {
	pk := new(tcpaillier.PubKey)
	if err := json.Unmarshal(data, pk); err != nil {
		return err
	}
	if pk.N == nil || pk.N.Sign() <= 0 {
		return fmt.Errorf("%w: missing modulus", ErrInvalidKeyParameters)
	}
	*k = *newPaillierPublicKey(pk)
	return nil
}

// Encrypt encrypts a signed integer. Negative values are embedded as N-|m|.
// Each call draws fresh randomness, so equal plaintexts yield distinct ciphertexts.
func (k *PaillierPublicKey) Encrypt(m *big.Int) (*Ciphertext, error) {
	embedded, err := k.Embed(m)
	if err != nil {
		return nil, err
	}
	c, _, err := k.pk.Encrypt(embedded)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return &Ciphertext{c: c}, nil
}

// EncryptInt64 is a shorthand for Encrypt(big.NewInt(m)).
func (k *PaillierPublicKey) EncryptInt64(m int64) (*Ciphertext, error) {
	return k.Encrypt(big.NewInt(m))
}

// EncryptResidue encrypts a value already reduced into Z_N. Used for blinding masks.
func (k *PaillierPublicKey) EncryptResidue(r *big.Int) (*Ciphertext, error) {
	if r.Sign() < 0 || r.Cmp(k.pk.N) >= 0 {
		return nil, ErrPlaintextOutOfRange
	}
	c, _, err := k.pk.Encrypt(r)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return &Ciphertext{c: c}, nil
}

// Embed maps a signed integer into Z_N.
func (k *PaillierPublicKey) Embed(m *big.Int) (*big.Int, error) {
	if new(big.Int).Abs(m).Cmp(k.half) >= 0 {
		return nil, ErrPlaintextOutOfRange
	}
	if m.Sign() < 0 {
		return new(big.Int).Add(k.pk.N, m), nil
	}
	return new(big.Int).Set(m), nil
}

// Decode maps a residue of Z_N back to a signed integer.
func (k *PaillierPublicKey) Decode(x *big.Int) *big.Int {
	if x.Cmp(k.half) > 0 {
		return new(big.Int).Sub(x, k.pk.N)
	}
	return new(big.Int).Set(x)
}

// Add returns the encryption of the sum of the inputs.
func (k *PaillierPublicKey) Add(cs ...*Ciphertext) (*Ciphertext, error) {
	if len(cs) == 0 {
		return nil, errors.New("add: no operands")
	}
	raw := make([]*big.Int, len(cs))
	for i, c := range cs {
		if err := k.Validate(c); err != nil {
			return nil, err
		}
		raw[i] = c.c
	}
	sum, err := k.pk.Add(raw...)
	if err != nil {
		return nil, fmt.Errorf("add: %w", err)
	}
	return &Ciphertext{c: sum}, nil
}

// ScalarMul returns the encryption of scalar*m for c = Enc(m). Negative scalars are
// reduced modulo N.
func (k *PaillierPublicKey) ScalarMul(c *Ciphertext, scalar *big.Int) (*Ciphertext, error) {
	if err := k.Validate(c); err != nil {
		return nil, err
	}
	alpha := new(big.Int).Mod(scalar, k.pk.N)
	product, _, err := k.pk.Multiply(c.c, alpha)
	if err != nil {
		return nil, fmt.Errorf("multiply: %w", err)
	}
	return &Ciphertext{c: product}, nil
}

// Rerandomize returns a fresh ciphertext of the same plaintext.
func (k *PaillierPublicKey) Rerandomize(c *Ciphertext) (*Ciphertext, error) {
	zero, err := k.EncryptResidue(new(big.Int))
	if err != nil {
		return nil, err
	}
	return k.Add(c, zero)
}

// Validate checks that c is a unit of Z_{N^2}. The range and gcd test is
// cheap and rejects garbage contributions before they reach the aggregate.
func (k *PaillierPublicKey) Validate(c *Ciphertext) error {
	if c == nil || c.c == nil {
		return ErrMalformedCiphertext
	}
	if c.c.Sign() <= 0 || c.c.Cmp(k.nSquared) >= 0 {
		return ErrMalformedCiphertext
	}
	if new(big.Int).GCD(nil, nil, c.c, k.pk.N).Cmp(one) != 0 {
		return ErrMalformedCiphertext
	}
	return nil
}

// Keypair holds the full threshold key. Only the key server owns one; all
// shares stay in its process and the first Threshold shares are combined
// for every decryption.
type Keypair struct {
	Public *PaillierPublicKey

	shares    []*tcpaillier.KeyShare
	threshold int
}

// GenerateKeypair creates a threshold Paillier key with the given modulus size.
// bits must be at least MinKeyBits and a multiple of 256.
func GenerateKeypair(bits int, shares, threshold uint8) (*Keypair, error) {
	return generateKeypair(MinKeyBits, bits, shares, threshold)
}

// GenerateTestKeypair is GenerateKeypair with the floor lowered to
// MinTestKeyBits. Such keys are insecure and only fit for tests.
func GenerateTestKeypair(bits int, shares, threshold uint8) (*Keypair, error) {
	return generateKeypair(MinTestKeyBits, bits, shares, threshold)
}

func generateKeypair(minBits, bits int, shares, threshold uint8) (*Keypair, error) {
	if bits < minBits || bits%256 != 0 {
		return nil, fmt.Errorf("%w: modulus of %d bits", ErrInvalidKeyParameters, bits)
	}
	if shares == 0 || threshold == 0 || threshold > shares {
		return nil, fmt.Errorf("%w: %d-of-%d shares", ErrInvalidKeyParameters, threshold, shares)
	}

	keyShares, pk, err := tcpaillier.NewKey(bits, 1, shares, threshold)
	if err != nil {
		return nil, fmt.Errorf("generating paillier key: %w", err)
	}

	return newKeypair(pk, keyShares, int(threshold))
}

func newKeypair(pk *tcpaillier.PubKey, shares []*tcpaillier.KeyShare, threshold int) (*Keypair, error) {
	if len(shares) < threshold || threshold <= 0 {
		return nil, fmt.Errorf("%w: %d shares for threshold %d", ErrInvalidKeyParameters, len(shares), threshold)
	}
	kp := &Keypair{
		Public:    newPaillierPublicKey(pk),
		shares:    shares,
		threshold: threshold,
	}

	// Run one round trip so lazily built key caches exist before concurrent use.
	probe, err := kp.Public.EncryptInt64(1)
	if err != nil {
		return nil, err
	}
	m, err := kp.Decrypt(probe)
	if err != nil {
		return nil, err
	}
	if m.Cmp(one) != 0 {
		return nil, fmt.Errorf("%w: key self-test failed", ErrInvalidKeyParameters)
	}
	return kp, nil
}

// DecryptResidue returns the plaintext in Z_N without signed decoding.
func (kp *Keypair) DecryptResidue(c *Ciphertext) (*big.Int, error) {
	if err := kp.Public.Validate(c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}

	partials := make([]*tcpaillier.DecryptionShare, 0, kp.threshold)
	for _, share := range kp.shares[:kp.threshold] {
		partial, err := share.PartialDecrypt(c.c)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
		}
		partials = append(partials, partial)
	}

	m, err := kp.Public.pk.CombineShares(partials...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	return m, nil
}

// Decrypt returns the signed plaintext of c.
func (kp *Keypair) Decrypt(c *Ciphertext) (*big.Int, error) {
	m, err := kp.DecryptResidue(c)
	if err != nil {
		return nil, err
	}
	return kp.Public.Decode(m), nil
}

type keypairJSON struct {
	Threshold int                    `json:"threshold"`
	Shares    []*tcpaillier.KeyShare `json:"shares"`
}

// MarshalJSON serializes all key shares. The output is secret material.
func (kp *Keypair) MarshalJSON() ([]byte, error) {
	return json.Marshal(&keypairJSON{Threshold: kp.threshold, Shares: kp.shares})
}

func (kp *Keypair) UnmarshalJSON(data []byte) error {
	var raw keypairJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Shares) == 0 || raw.Shares[0] == nil || raw.Shares[0].PubKey == nil {
		return fmt.Errorf("%w: no key shares", ErrInvalidKeyParameters)
	}

	loaded, err := newKeypair(raw.Shares[0].PubKey, raw.Shares, raw.Threshold)
	if err != nil {
		return err
	}
	*kp = *loaded
	return nil
}

// Ciphertext is an immutable Paillier ciphertext.
type Ciphertext struct {
	c *big.Int
}

// NewCiphertext wraps a raw ciphertext value. The value is copied.
func NewCiphertext(c *big.Int) *Ciphertext {
	return &Ciphertext{c: new(big.Int).Set(c)}
}

// Int returns a copy of the raw value.
func (c *Ciphertext) Int() *big.Int {
	return new(big.Int).Set(c.c)
}

func (c *Ciphertext) Equal(other *Ciphertext) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.c.Cmp(other.c) == 0
}

func (c *Ciphertext) String() string {
	return c.c.Text(16)
}

func (c *Ciphertext) MarshalText() ([]byte, error) {
	if c.c == nil {
		return nil, ErrMalformedCiphertext
	}
	return []byte(c.c.Text(16)), nil
}

func (c *Ciphertext) UnmarshalText(text []byte) error {
	v, ok := new(big.Int).SetString(string(text), 16)
	if !ok {
		return ErrMalformedCiphertext
	}
	c.c = v
	return nil
}
