package crypto

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFixedPointEncoder(t *testing.T) {
	enc := NewFixedPointEncoder(1000)

	for _, tc := range []struct {
		in   float64
		want int64
	}{
		{0.05, 50},
		{0.3, 300},
		{-1.2346, -1235},
		{12.0004, 12000},
		{0, 0},
	} {
		got, err := enc.Encode(tc.in)
		require.NoError(t, err)
		require.Equal(t, tc.want, got.Int64(), "encode %v", tc.in)
	}

	require.InDelta(t, 0.05, enc.Decode(big.NewInt(50)), 1e-12)
	require.InDelta(t, -1.235, enc.Decode(big.NewInt(-1235)), 1e-12)

	_, err := enc.Encode(math.NaN())
	require.ErrorIs(t, err, ErrNotFinite)
	_, err = enc.Encode(math.Inf(-1))
	require.ErrorIs(t, err, ErrNotFinite)
}

func TestFixedPointAverage(t *testing.T) {
	enc := NewFixedPointEncoder(1000)

	require.InDelta(t, 0.06, enc.Average(big.NewInt(120), 2), 1e-12)
	require.Zero(t, enc.Average(big.NewInt(120), 0))
	require.Equal(t, int64(1), NewFixedPointEncoder(0).Scale)
}

func TestEncryptedFixedPointSum(t *testing.T) {
	kp := sharedKeypair(t)
	enc := NewFixedPointEncoder(1000)

	a, err := enc.Encode(0.05)
	require.NoError(t, err)
	b, err := enc.Encode(0.07)
	require.NoError(t, err)

	ca, err := kp.Public.Encrypt(a)
	require.NoError(t, err)
	cb, err := kp.Public.Encrypt(b)
	require.NoError(t, err)

	sum, err := kp.Public.Add(ca, cb)
	require.NoError(t, err)
	plain, err := kp.Decrypt(sum)
	require.NoError(t, err)
	require.InDelta(t, 0.06, enc.Average(plain, 2), 1e-12)
}
