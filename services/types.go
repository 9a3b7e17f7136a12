package services

import (
	"time"

	"github.com/flashbots/techmap/protocol"
)

// TEEProvider abstracts attestation generation and verification.
type TEEProvider interface {
	AttestationType() string
	Attest(reportData [64]byte) ([]byte, error)
	Verify(attestationReport []byte, expectedReportData [64]byte) (map[int][]byte, error)
}

// Measurements maps PCR indices to expected measurement values for attestation verification.
type Measurements map[int][]byte

// Producer is a registered producer account. Requests signed by PublicKey
// are accepted by the map server.
type Producer struct {
	PublicKey string    `json:"public_key"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// RegisterProducerRequest creates or renames a producer account.
type RegisterProducerRequest struct {
	PublicKey string `json:"public_key"`
	Name      string `json:"name"`
}

// ProducerListResponse lists registered producers.
type ProducerListResponse struct {
	Producers []*Producer `json:"producers"`
}

// AccessLogResponse lists access records for billing and audit.
type AccessLogResponse struct {
	Records []*protocol.AccessRecord `json:"records"`
}

// errorResponse is the wire form of protocol errors.
type errorResponse struct {
	Error *protocol.Error `json:"error"`
}
