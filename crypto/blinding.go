package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// SeedSize is the size of a query seed and of a query token nonce.
const SeedSize = 32

var masksInfo = []byte("techmap-query-masks-v1")

// NewSeed returns SeedSize bytes from the system CSPRNG.
func NewSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("reading entropy: %w", err)
	}
	return seed, nil
}

// DeriveMasks expands a secret seed into n additive masks uniform in Z_modulus.
// The salt separates masks of different queries made from the same seed.
// Each mask is drawn with 128 extra bits before reduction, keeping the
// modular bias negligible.
func DeriveMasks(seed []byte, salt []byte, n int, modulus *big.Int) ([]*big.Int, error) {
	if len(seed) < 16 {
		return nil, errors.New("mask seed too short")
	}
	if n < 0 || modulus.Sign() <= 0 {
		return nil, errors.New("invalid mask parameters")
	}

	bytesPerElement := (modulus.BitLen()+7)/8 + 16
	prk := hkdf.Extract(sha256.New, seed, salt)

	// HKDF output is capped at 255 hash blocks, so every mask gets its own expansion.
	info := make([]byte, len(masksInfo)+4)
	copy(info, masksInfo)
	buf := make([]byte, bytesPerElement)
	res := make([]*big.Int, n)
	for i := range res {
		binary.BigEndian.PutUint32(info[len(masksInfo):], uint32(i))
		reader := hkdf.Expand(sha256.New, prk, info)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, fmt.Errorf("expanding masks: %w", err)
		}
		res[i] = new(big.Int).SetBytes(buf)
		res[i].Mod(res[i], modulus)
	}
	return res, nil
}

// UnblindInplace removes additive masks from blinded residues: v[i] = v[i] - r[i] mod modulus.
func UnblindInplace(values []*big.Int, masks []*big.Int, modulus *big.Int) error {
	if len(values) != len(masks) {
		return fmt.Errorf("unblind: %d values for %d masks", len(values), len(masks))
	}
	for i := range values {
		ModSubInplace(values[i], masks[i], modulus)
	}
	return nil
}

// RandomBelow returns a uniform integer in [0, max).
func RandomBelow(max *big.Int) (*big.Int, error) {
	return rand.Int(rand.Reader, max)
}

// RandomInRange returns a uniform integer in [lo, hi).
func RandomInRange(lo, hi *big.Int) (*big.Int, error) {
	width := new(big.Int).Sub(hi, lo)
	if width.Sign() <= 0 {
		return nil, errors.New("empty range")
	}
	r, err := rand.Int(rand.Reader, width)
	if err != nil {
		return nil, err
	}
	return r.Add(r, lo), nil
}
