package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const (
	p256PubKeyLen = 65
	gcmNonceLen   = 12
	gcmTagLen     = 16
)

// EncryptedMessage contains ECIES-encrypted data. The key server seals blinded
// query results to the producer's ephemeral reply key with it, so the map
// server relaying the reply learns nothing.
// Format: ephemeral pubkey (65 bytes) || nonce (12 bytes) || ciphertext+tag
type EncryptedMessage struct {
	EphemeralPubKey []byte // P-256 uncompressed public key
	Nonce           []byte
	Ciphertext      []byte // includes the GCM tag
}

// NewReplyKey generates an ephemeral P-256 key for a single query reply.
func NewReplyKey() (*ecdh.PrivateKey, error) {
	return ecdh.P256().GenerateKey(rand.Reader)
}

// ParseReplyKey parses an uncompressed P-256 public key.
func ParseReplyKey(raw []byte) (*ecdh.PublicKey, error) {
	return ecdh.P256().NewPublicKey(raw)
}

// Encrypt encrypts plaintext to a recipient's ECDH public key using ECIES with
// AES-256-GCM. The ephemeral key is bound as additional data.
func Encrypt(recipientPubKey *ecdh.PublicKey, plaintext []byte) (*EncryptedMessage, error) {
	ephemeralPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	sharedSecret, err := ephemeralPriv.ECDH(recipientPubKey)
	if err != nil {
		return nil, fmt.Errorf("ECDH: %w", err)
	}

	gcm, err := newGCM(sharedSecret)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ephemeralPub := ephemeralPriv.PublicKey().Bytes()
	return &EncryptedMessage{
		EphemeralPubKey: ephemeralPub,
		Nonce:           nonce,
		Ciphertext:      gcm.Seal(nil, nonce, plaintext, ephemeralPub),
	}, nil
}

// Decrypt opens an ECIES-encrypted message with the recipient's private key.
func Decrypt(recipientPrivKey *ecdh.PrivateKey, msg *EncryptedMessage) ([]byte, error) {
	ephemeralPub, err := ecdh.P256().NewPublicKey(msg.EphemeralPubKey)
	if err != nil {
		return nil, fmt.Errorf("parse ephemeral key: %w", err)
	}

	sharedSecret, err := recipientPrivKey.ECDH(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("ECDH: %w", err)
	}

	gcm, err := newGCM(sharedSecret)
	if err != nil {
		return nil, err
	}
	if len(msg.Nonce) != gcm.NonceSize() {
		return nil, errors.New("invalid nonce size")
	}

	plaintext, err := gcm.Open(nil, msg.Nonce, msg.Ciphertext, msg.EphemeralPubKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Seal encrypts plaintext to a raw P-256 public key and returns the serialized message.
func Seal(recipient []byte, plaintext []byte) ([]byte, error) {
	pub, err := ParseReplyKey(recipient)
	if err != nil {
		return nil, fmt.Errorf("parse recipient key: %w", err)
	}
	msg, err := Encrypt(pub, plaintext)
	if err != nil {
		return nil, err
	}
	return msg.Bytes(), nil
}

// Open reverses Seal.
func Open(recipient *ecdh.PrivateKey, sealed []byte) ([]byte, error) {
	msg, err := ParseEncryptedMessage(sealed)
	if err != nil {
		return nil, err
	}
	return Decrypt(recipient, msg)
}

// Bytes serializes an encrypted message.
func (m *EncryptedMessage) Bytes() []byte {
	result := make([]byte, 0, len(m.EphemeralPubKey)+len(m.Nonce)+len(m.Ciphertext))
	result = append(result, m.EphemeralPubKey...)
	result = append(result, m.Nonce...)
	result = append(result, m.Ciphertext...)
	return result
}

// ParseEncryptedMessage deserializes an encrypted message.
func ParseEncryptedMessage(data []byte) (*EncryptedMessage, error) {
	if len(data) < p256PubKeyLen+gcmNonceLen+gcmTagLen {
		return nil, errors.New("encrypted message too short")
	}

	return &EncryptedMessage{
		EphemeralPubKey: data[:p256PubKeyLen],
		Nonce:           data[p256PubKeyLen : p256PubKeyLen+gcmNonceLen],
		Ciphertext:      data[p256PubKeyLen+gcmNonceLen:],
	}, nil
}

func newGCM(sharedSecret []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveAESKey(sharedSecret))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

func deriveAESKey(sharedSecret []byte) []byte {
	h := sha3.New256()
	h.Write([]byte("techmap-reply-v1"))
	h.Write(sharedSecret)
	return h.Sum(nil)
}
