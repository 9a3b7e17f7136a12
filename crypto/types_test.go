package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	pubKey, privKey, err := GenerateKeyPair()
	require.NoError(t, err)

	data := []byte("provision ap=0.3 ae=1.2")
	sig, err := Sign(privKey, data)
	require.NoError(t, err)
	require.Len(t, sig, 64)
	require.True(t, sig.Verify(pubKey, data))

	other, _, err := GenerateKeyPair()
	require.NoError(t, err)
	require.False(t, sig.Verify(other, data))

	tampered := append([]byte{}, data...)
	tampered[0] ^= 0xff
	require.False(t, sig.Verify(pubKey, tampered))

	require.False(t, sig.Verify(PublicKey{1, 2, 3}, data))
}

func TestPublicKeyEqualAndString(t *testing.T) {
	pubKey, privKey, err := GenerateKeyPair()
	require.NoError(t, err)

	derived, err := privKey.PublicKey()
	require.NoError(t, err)
	require.True(t, pubKey.Equal(derived))

	other, _, err := GenerateKeyPair()
	require.NoError(t, err)
	require.False(t, pubKey.Equal(other))

	parsed, err := NewPublicKeyFromString(pubKey.String())
	require.NoError(t, err)
	require.True(t, parsed.Equal(pubKey))

	_, err = NewPublicKeyFromString("0g")
	require.Error(t, err)
	_, err = NewPublicKeyFromString("0102")
	require.Error(t, err)
}

func TestSignRejectsShortKey(t *testing.T) {
	_, err := Sign(PrivateKey{1, 2, 3}, []byte("x"))
	require.Error(t, err)

	_, err = PrivateKey{1, 2, 3}.PublicKey()
	require.Error(t, err)
}
