package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	replyKey, err := NewReplyKey()
	require.NoError(t, err)

	for _, plaintext := range [][]byte{{}, []byte("blinded"), make([]byte, 4096)} {
		sealed, err := Seal(replyKey.PublicKey().Bytes(), plaintext)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(sealed), p256PubKeyLen+gcmNonceLen+gcmTagLen+len(plaintext))

		opened, err := Open(replyKey, sealed)
		require.NoError(t, err)
		require.Equal(t, len(plaintext), len(opened))
		require.Equal(t, string(plaintext), string(opened))
	}
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	replyKey, err := NewReplyKey()
	require.NoError(t, err)
	other, err := NewReplyKey()
	require.NoError(t, err)

	sealed, err := Seal(replyKey.PublicKey().Bytes(), []byte("values"))
	require.NoError(t, err)

	_, err = Open(other, sealed)
	require.Error(t, err)
}

func TestSealRejectsInvalidRecipient(t *testing.T) {
	_, err := Seal([]byte{4, 1, 2}, []byte("values"))
	require.Error(t, err)
}

func TestParseEncryptedMessageTooShort(t *testing.T) {
	_, err := ParseEncryptedMessage(make([]byte, p256PubKeyLen+gcmNonceLen+gcmTagLen-1))
	require.Error(t, err)
}

func FuzzOpenTampered(f *testing.F) {
	f.Add([]byte("test message"), 0)
	f.Add([]byte("another test"), 80)

	replyKey, err := NewReplyKey()
	if err != nil {
		f.Fatal(err)
	}

	f.Fuzz(func(t *testing.T, plaintext []byte, idx int) {
		sealed, err := Seal(replyKey.PublicKey().Bytes(), plaintext)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		sealed[uint(idx)%uint(len(sealed))] ^= 0x01

		if _, err := Open(replyKey, sealed); err == nil {
			t.Error("tampered reply opened")
		}
	})
}
