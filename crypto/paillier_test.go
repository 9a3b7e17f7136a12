package crypto

import (
	"encoding/json"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testKeyOnce sync.Once
	testKey     *Keypair
	testKeyErr  error
)

func sharedKeypair(t *testing.T) *Keypair {
	t.Helper()
	testKeyOnce.Do(func() {
		testKey, testKeyErr = GenerateTestKeypair(MinTestKeyBits, 3, 2)
	})
	require.NoError(t, testKeyErr)
	return testKey
}

func TestGenerateKeypairRejectsInvalidParameters(t *testing.T) {
	for _, tc := range []struct {
		name      string
		bits      int
		shares    uint8
		threshold uint8
	}{
		{"too short", 256, 3, 2},
		{"below production floor", 1024, 3, 2},
		{"not aligned", 2100, 3, 2},
		{"threshold above shares", 2048, 2, 3},
		{"no shares", 2048, 0, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := GenerateKeypair(tc.bits, tc.shares, tc.threshold)
			require.ErrorIs(t, err, ErrInvalidKeyParameters)
		})
	}

	_, err := GenerateTestKeypair(256, 3, 2)
	require.ErrorIs(t, err, ErrInvalidKeyParameters)
}

func TestEncryptDecryptSigned(t *testing.T) {
	kp := sharedKeypair(t)

	for _, m := range []int64{0, 1, 42, -1, -123456, 1 << 40} {
		c, err := kp.Public.EncryptInt64(m)
		require.NoError(t, err)
		got, err := kp.Decrypt(c)
		require.NoError(t, err)
		require.Equal(t, m, got.Int64())
	}
}

func TestEncryptRejectsOutOfRange(t *testing.T) {
	kp := sharedKeypair(t)

	tooLarge := new(big.Int).Rsh(kp.Public.N(), 1)
	_, err := kp.Public.Encrypt(tooLarge)
	require.ErrorIs(t, err, ErrPlaintextOutOfRange)

	_, err = kp.Public.Encrypt(new(big.Int).Neg(tooLarge))
	require.ErrorIs(t, err, ErrPlaintextOutOfRange)
}

func TestEncryptIsProbabilistic(t *testing.T) {
	kp := sharedKeypair(t)

	a, err := kp.Public.EncryptInt64(7)
	require.NoError(t, err)
	b, err := kp.Public.EncryptInt64(7)
	require.NoError(t, err)
	require.False(t, a.Equal(b))
}

func TestHomomorphicAddition(t *testing.T) {
	kp := sharedKeypair(t)

	values := []int64{5, -3, 1000, 0, -250}
	cs := make([]*Ciphertext, len(values))
	var want int64
	for i, v := range values {
		c, err := kp.Public.EncryptInt64(v)
		require.NoError(t, err)
		cs[i] = c
		want += v
	}

	sum, err := kp.Public.Add(cs...)
	require.NoError(t, err)
	got, err := kp.Decrypt(sum)
	require.NoError(t, err)
	require.Equal(t, want, got.Int64())

	// order of addition does not matter
	reversed, err := kp.Public.Add(cs[4], cs[3], cs[2], cs[1], cs[0])
	require.NoError(t, err)
	got, err = kp.Decrypt(reversed)
	require.NoError(t, err)
	require.Equal(t, want, got.Int64())
}

func TestScalarMul(t *testing.T) {
	kp := sharedKeypair(t)

	c, err := kp.Public.EncryptInt64(12)
	require.NoError(t, err)

	for _, k := range []int64{0, 1, 3, -2} {
		prod, err := kp.Public.ScalarMul(c, big.NewInt(k))
		require.NoError(t, err)
		got, err := kp.Decrypt(prod)
		require.NoError(t, err)
		require.Equal(t, 12*k, got.Int64())
	}
}

func TestRerandomize(t *testing.T) {
	kp := sharedKeypair(t)

	c, err := kp.Public.EncryptInt64(-77)
	require.NoError(t, err)
	r, err := kp.Public.Rerandomize(c)
	require.NoError(t, err)
	require.False(t, c.Equal(r))

	got, err := kp.Decrypt(r)
	require.NoError(t, err)
	require.Equal(t, int64(-77), got.Int64())
}

func TestValidateRejectsMalformed(t *testing.T) {
	kp := sharedKeypair(t)
	n := kp.Public.N()
	nSquared := new(big.Int).Mul(n, n)

	for _, c := range []*Ciphertext{
		nil,
		{c: big.NewInt(0)},
		{c: big.NewInt(-5)},
		{c: nSquared},
		{c: new(big.Int).Mul(n, big.NewInt(3))},
	} {
		require.ErrorIs(t, kp.Public.Validate(c), ErrMalformedCiphertext)
	}

	_, err := kp.Decrypt(&Ciphertext{c: nSquared})
	require.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = kp.Public.Add(&Ciphertext{c: big.NewInt(0)})
	require.ErrorIs(t, err, ErrMalformedCiphertext)
}

func TestCiphertextTextRoundTrip(t *testing.T) {
	kp := sharedKeypair(t)

	c, err := kp.Public.EncryptInt64(9)
	require.NoError(t, err)

	data, err := json.Marshal(map[string]*Ciphertext{"fz": c})
	require.NoError(t, err)

	var decoded map[string]*Ciphertext
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.True(t, c.Equal(decoded["fz"]))

	var bad Ciphertext
	require.ErrorIs(t, bad.UnmarshalText([]byte("xyz")), ErrMalformedCiphertext)
}

func TestPublicKeyJSONRoundTrip(t *testing.T) {
	kp := sharedKeypair(t)

	data, err := json.Marshal(kp.Public)
	require.NoError(t, err)

	var pub PaillierPublicKey
	require.NoError(t, json.Unmarshal(data, &pub))
	require.True(t, pub.Equal(kp.Public))
	require.Equal(t, kp.Public.Fingerprint(), pub.Fingerprint())

	// ciphertexts made with the decoded key decrypt under the original keypair
	c, err := pub.EncryptInt64(31)
	require.NoError(t, err)
	got, err := kp.Decrypt(c)
	require.NoError(t, err)
	require.Equal(t, int64(31), got.Int64())
}

func TestKeypairJSONRoundTrip(t *testing.T) {
	kp := sharedKeypair(t)

	data, err := json.Marshal(kp)
	require.NoError(t, err)

	var loaded Keypair
	require.NoError(t, json.Unmarshal(data, &loaded))
	require.True(t, loaded.Public.Equal(kp.Public))

	c, err := kp.Public.EncryptInt64(-8)
	require.NoError(t, err)
	got, err := loaded.Decrypt(c)
	require.NoError(t, err)
	require.Equal(t, int64(-8), got.Int64())
}

func TestConcurrentDecrypt(t *testing.T) {
	kp := sharedKeypair(t)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			c, err := kp.Public.EncryptInt64(v)
			if err != nil {
				errs <- err
				return
			}
			got, err := kp.Decrypt(c)
			if err != nil {
				errs <- err
				return
			}
			if got.Int64() != v {
				errs <- ErrDecryptionFailed
			}
		}(int64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}
