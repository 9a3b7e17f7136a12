package protocol

import (
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"time"

	"github.com/flashbots/techmap/crypto"
)

// Signed authenticates protocol requests.
// Security: Uses Ed25519 signatures. Assumes private keys are secure.
// Note: Signature covers serialized object + public key to prevent substitution.
type Signed[T any] struct {
	PublicKey crypto.PublicKey `json:"public_key"`
	Signature crypto.Signature `json:"signature"`
	Object    *T               `json:"object"`
}

// NewSigned creates a signed message.
func NewSigned[T any](privkey crypto.PrivateKey, obj *T) (*Signed[T], error) {
	pubkey, err := privkey.PublicKey()
	if err != nil {
		return nil, err
	}

	serializedData, err := SerializeMessage(obj)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(privkey, append(serializedData, pubkey...))
	if err != nil {
		return nil, err
	}

	return &Signed[T]{
		PublicKey: pubkey,
		Signature: signature,
		Object:    obj,
	}, nil
}

// UnsafeObject returns the object without signature verification.
func (s *Signed[T]) UnsafeObject() *T {
	return s.Object
}

// Recover verifies the signature and returns the object and signer's public key.
func (s *Signed[T]) Recover() (*T, crypto.PublicKey, error) {
	if s == nil || s.Object == nil {
		return nil, nil, errors.New("empty signed message")
	}

	serializedData, err := SerializeMessage(s.Object)
	if err != nil {
		return nil, nil, err
	}

	ok := s.Signature.Verify(s.PublicKey, append(serializedData, s.PublicKey...))
	if !ok {
		return nil, nil, errors.New("signature not valid")
	}

	return s.Object, s.PublicKey, nil
}

// ProvisionRequest carries one producer contribution for the point the input
// tuple falls into. Values holds one ciphertext per provided output parameter.
type ProvisionRequest struct {
	Label          MapLabel                      `json:"label"`
	Tool           ToolProperties                `json:"tool"`
	Input          []float64                     `json:"input"`
	Values         map[string]*crypto.Ciphertext `json:"values"`
	KeyFingerprint string                        `json:"key_fingerprint"`

	// Nonce and IssuedAt make each signed request single use.
	Nonce    []byte    `json:"nonce"`
	IssuedAt time.Time `json:"issued_at"`
}

// ProvisionAck confirms that a contribution was aggregated.
type ProvisionAck struct {
	Map        MapRef     `json:"map"`
	Coordinate Coordinate `json:"coordinate"`
	Version    int64      `json:"version"`
}

// QueryToken is a single-use token of one regular query. ReplyKey is an
// ephemeral P-256 key the key server seals the blinded plaintexts to.
type QueryToken struct {
	Nonce    []byte    `json:"nonce"`
	IssuedAt time.Time `json:"issued_at"`
	ReplyKey []byte    `json:"reply_key,omitempty"`
}

// QueryRequest asks for the aggregates at Coordinates of a named map. Masks
// holds Enc(r) for every returned value, laid out per coordinate as
// [sum, count] for each output in config order.
type QueryRequest struct {
	Map         MapRef               `json:"map"`
	Coordinates []Coordinate         `json:"coordinates"`
	Token       QueryToken           `json:"token"`
	Masks       []*crypto.Ciphertext `json:"masks"`
}

// QueryResponse relays the key server reply. Only the producer can open it.
type QueryResponse struct {
	Sealed []byte `json:"sealed"`
}

// ReverseQueryRequest searches maps by non-confidential attributes.
type ReverseQueryRequest struct {
	Filter ReverseQueryFilter `json:"filter"`
}

// ReverseQueryResponse lists candidate maps. Empty is not an error.
type ReverseQueryResponse struct {
	Candidates []*CandidateDescriptor `json:"candidates"`
}

// SelectRequest finalizes the choice of a reverse query candidate.
type SelectRequest struct {
	MapID MapID `json:"map_id"`
}

// SelectAck returns the points of the selected map for follow-up regular queries.
type SelectAck struct {
	Map    MapRef       `json:"map"`
	Points []Coordinate `json:"points"`
}

// BlindDecryptRequest is what the key server sees of a regular query: a token
// and rerandomized, blinded ciphertexts. No map, coordinate or producer.
type BlindDecryptRequest struct {
	Token       QueryToken           `json:"token"`
	Ciphertexts []*crypto.Ciphertext `json:"ciphertexts"`
}

// BlindDecryptResponse carries BlindedValues sealed to the token's reply key.
type BlindDecryptResponse struct {
	Sealed []byte `json:"sealed"`
}

// BlindedValues is the sealed payload of a blind decryption: residues of Z_N
// that are still masked.
type BlindedValues struct {
	Values []*big.Int `json:"values"`
}

// SignTestRequest asks whether masked ciphertexts decrypt to non-negative values.
type SignTestRequest struct {
	Token       QueryToken           `json:"token"`
	Ciphertexts []*crypto.Ciphertext `json:"ciphertexts"`
}

// SignTestResponse answers a SignTestRequest in order.
type SignTestResponse struct {
	NonNegative []bool `json:"non_negative"`
}

// PublicKeyResponse publishes the encryption key, optionally attested.
type PublicKeyResponse struct {
	Key             *crypto.PaillierPublicKey `json:"key"`
	SignerKey       crypto.PublicKey          `json:"signer_key,omitempty"`
	AttestationType string                    `json:"attestation_type,omitempty"`
	Attestation     []byte                    `json:"attestation,omitempty"`
}

// UnmarshalMessage deserializes a message from JSON bytes.
func UnmarshalMessage[T any](data []byte) (*T, error) {
	var msg T
	err := json.Unmarshal(data, &msg)
	return &msg, err
}

// DecodeMessage deserializes a message from a JSON reader.
func DecodeMessage[T any](reader io.Reader) (*T, error) {
	var msg T
	err := json.NewDecoder(reader).Decode(&msg)
	return &msg, err
}

// SerializeMessage serializes a message to JSON bytes.
func SerializeMessage[T any](msg *T) ([]byte, error) {
	return json.Marshal(msg)
}
