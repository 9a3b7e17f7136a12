package testutil

import (
	"crypto/rand"
	"math"
	mrand "math/rand"
	"sync"
	"testing"

	"github.com/flashbots/techmap/crypto"
	"github.com/stretchr/testify/require"
)

var (
	keypairOnce sync.Once
	keypair     *crypto.Keypair
	keypairErr  error
)

// SharedKeypair returns a 2-of-3 threshold key of the minimal size, generated
// once per test binary.
func SharedKeypair(t testing.TB) *crypto.Keypair {
	t.Helper()
	keypairOnce.Do(func() {
		keypair, keypairErr = crypto.GenerateTestKeypair(crypto.MinTestKeyBits, 3, 2)
	})
	require.NoError(t, keypairErr)
	return keypair
}

// GenerateRandomBytes returns length bytes from the system CSPRNG.
func GenerateRandomBytes(length int) ([]byte, error) {
	b := make([]byte, length)
	_, err := rand.Read(b)
	return b, err
}

// GenerateTestKeyPair creates an Ed25519 signing identity.
func GenerateTestKeyPair() (crypto.PublicKey, crypto.PrivateKey, error) {
	return crypto.GenerateKeyPair()
}

// GenerateTestPublicKeys creates count unrelated public keys.
func GenerateTestPublicKeys(count int) ([]crypto.PublicKey, error) {
	keys := make([]crypto.PublicKey, count)
	for i := range keys {
		pk, _, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		keys[i] = pk
	}
	return keys, nil
}

type valueOptions struct {
	min, max float64
	decimals int
}

// ValueOption customizes GenerateValues.
type ValueOption func(*valueOptions)

// WithRange bounds generated values to [min, max].
func WithRange(min, max float64) ValueOption {
	return func(o *valueOptions) {
		o.min, o.max = min, max
	}
}

// WithDecimals rounds generated values to the given number of decimals.
func WithDecimals(decimals int) ValueOption {
	return func(o *valueOptions) {
		o.decimals = decimals
	}
}

// GenerateValues draws count values deterministically from seed. Defaults
// are [0, 1] with three decimals, matching a fixed-point scale of 1000.
func GenerateValues(seed int64, count int, options ...ValueOption) []float64 {
	o := &valueOptions{min: 0, max: 1, decimals: 3}
	for _, opt := range options {
		opt(o)
	}

	rng := mrand.New(mrand.NewSource(seed))
	pow := math.Pow10(o.decimals)
	out := make([]float64, count)
	for i := range out {
		v := o.min + rng.Float64()*(o.max-o.min)
		out[i] = math.Round(v*pow) / pow
	}
	return out
}
