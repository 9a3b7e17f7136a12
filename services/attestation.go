package services

import (
	"errors"
	"fmt"

	"github.com/flashbots/techmap/protocol"
)

// AttestKeyBundle generates attestation evidence binding the key server's
// encryption key and signing key. A nil provider yields no attestation.
func AttestKeyBundle(provider TEEProvider, bundle *protocol.PublicKeyResponse) ([]byte, error) {
	if provider == nil {
		return nil, nil
	}
	return provider.Attest(protocol.KeyBundleReportData(bundle.Key, bundle.SignerKey))
}

// KeyBundleVerifier checks key bundle attestations before a producer or map
// server encrypts anything under the key.
type KeyBundleVerifier struct {
	Provider TEEProvider
	Source   MeasurementSource
}

var _ protocol.KeyBundleVerifier = (*KeyBundleVerifier)(nil)

// VerifyKeyBundle verifies the attestation against the bundle's report data
// and, with a Source, against the allowed measurements.
func (v *KeyBundleVerifier) VerifyKeyBundle(bundle *protocol.PublicKeyResponse) error {
	_, err := VerifyKeyBundle(v.Source, v.Provider, bundle)
	return err
}

// VerifyKeyBundle returns the attested measurements of bundle. Without a
// provider there is nothing to check.
func VerifyKeyBundle(source MeasurementSource, provider TEEProvider, bundle *protocol.PublicKeyResponse) (Measurements, error) {
	if provider == nil {
		return nil, nil
	}
	if bundle == nil || bundle.Key == nil {
		return nil, errors.New("empty key bundle")
	}
	if len(bundle.Attestation) == 0 {
		return nil, errors.New("no attestation data")
	}
	if bundle.AttestationType != "" && bundle.AttestationType != provider.AttestationType() {
		return nil, fmt.Errorf("attestation type %q, expected %q", bundle.AttestationType, provider.AttestationType())
	}

	reportData := protocol.KeyBundleReportData(bundle.Key, bundle.SignerKey)
	measurements, err := provider.Verify(bundle.Attestation, reportData)
	if err != nil {
		return nil, fmt.Errorf("could not verify attestation: %w", err)
	}

	if source != nil {
		allowed, err := source.GetAllowedMeasurements()
		if err != nil {
			return nil, fmt.Errorf("could not fetch allowed measurements: %w", err)
		}
		if _, err := VerifyMeasurementsMatch(allowed, measurements); err != nil {
			return nil, fmt.Errorf("attestation is not allowed: %w", err)
		}
	}
	return measurements, nil
}
