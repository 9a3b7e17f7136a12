package crypto

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveMasksDeterministic(t *testing.T) {
	modulus, ok := new(big.Int).SetString("fffffffffffffffffffffffffffffffeffffffffffffffff", 16)
	require.True(t, ok)

	seed, err := NewSeed()
	require.NoError(t, err)

	a, err := DeriveMasks(seed, []byte("nonce-1"), 8, modulus)
	require.NoError(t, err)
	b, err := DeriveMasks(seed, []byte("nonce-1"), 8, modulus)
	require.NoError(t, err)
	c, err := DeriveMasks(seed, []byte("nonce-2"), 8, modulus)
	require.NoError(t, err)

	require.Len(t, a, 8)
	for i := range a {
		require.Equal(t, 0, a[i].Cmp(b[i]))
		require.NotEqual(t, 0, a[i].Cmp(c[i]))
		require.True(t, a[i].Sign() >= 0 && a[i].Cmp(modulus) < 0)
	}

	_, err = DeriveMasks([]byte("short"), nil, 1, modulus)
	require.Error(t, err)
}

func TestBlindUnblindThroughPaillier(t *testing.T) {
	kp := sharedKeypair(t)
	n := kp.Public.N()

	seed, err := NewSeed()
	require.NoError(t, err)
	masks, err := DeriveMasks(seed, []byte("q"), 2, n)
	require.NoError(t, err)

	values := []int64{4321, -17}
	blinded := make([]*big.Int, len(values))
	for i, v := range values {
		c, err := kp.Public.EncryptInt64(v)
		require.NoError(t, err)
		encMask, err := kp.Public.EncryptResidue(masks[i])
		require.NoError(t, err)
		sum, err := kp.Public.Add(c, encMask)
		require.NoError(t, err)
		blinded[i], err = kp.DecryptResidue(sum)
		require.NoError(t, err)
	}

	require.NoError(t, UnblindInplace(blinded, masks, n))
	for i, v := range values {
		require.Equal(t, v, kp.Public.Decode(blinded[i]).Int64())
	}

	require.Error(t, UnblindInplace(blinded, masks[:1], n))
}

func TestModArithmetic(t *testing.T) {
	m := big.NewInt(97)

	require.Equal(t, int64(3), ModAddInplace(big.NewInt(50), big.NewInt(50), m).Int64())
	require.Equal(t, int64(0), ModAddInplace(big.NewInt(96), big.NewInt(1), m).Int64())
	require.Equal(t, int64(90), ModSubInplace(big.NewInt(3), big.NewInt(10), m).Int64())
	require.Equal(t, int64(0), ModSubInplace(big.NewInt(10), big.NewInt(10), m).Int64())
}

func FuzzModSubInplace(f *testing.F) {
	f.Add([]byte{0}, []byte{0})
	f.Add([]byte{255}, []byte{1})
	f.Add(make([]byte, 48), []byte{7})

	modulus, _ := new(big.Int).SetString("fffffffffffffffffffffffffffffffeffffffffffffffff", 16)

	f.Fuzz(func(t *testing.T, aBytes, bBytes []byte) {
		a := new(big.Int).SetBytes(aBytes)
		b := new(big.Int).SetBytes(bBytes)
		a.Mod(a, modulus)
		b.Mod(b, modulus)

		want := new(big.Int).Sub(a, b)
		want.Mod(want, modulus)

		got := ModSubInplace(new(big.Int).Set(a), b, modulus)
		if got.Cmp(want) != 0 {
			t.Errorf("got %v, want %v", got, want)
		}

		back := ModAddInplace(got, b, modulus)
		if back.Cmp(a) != 0 {
			t.Errorf("add does not invert sub: %v != %v", back, a)
		}
	})
}
