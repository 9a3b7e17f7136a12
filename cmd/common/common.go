// Package common provides shared utilities for the techmap commands.
//
// The keyserver, mapserver and producer binaries share:
//
//   - YAML configuration (Config, LoadConfig)
//   - logger construction
//   - Ed25519 signing key and Paillier key loading or generation
//   - TEE provider and measurement source factories
package common

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/flashbots/techmap/crypto"
	"github.com/flashbots/techmap/protocol"
	"github.com/flashbots/techmap/services"
	"github.com/flashbots/techmap/tdx"
)

// NewLogger returns a slog logger writing to stderr.
func NewLogger(level string, jsonOutput bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

// LoadOrGenerateSigningKey loads an Ed25519 private key from a hex string,
// or generates a new key pair if hexKey is empty.
func LoadOrGenerateSigningKey(hexKey string) (crypto.PrivateKey, error) {
	if hexKey != "" {
		keyBytes, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		key := crypto.NewPrivateKeyFromBytes(keyBytes)
		if _, err := key.PublicKey(); err != nil {
			return nil, err
		}
		return key, nil
	}
	_, privKey, err := crypto.GenerateKeyPair()
	return privKey, err
}

// generatePaillierKey is replaced in tests to allow small keys.
var generatePaillierKey = crypto.GenerateKeypair

// LoadOrGeneratePaillierKey reads the key server's threshold key from path.
// A missing file is created with a fresh key, readable only by the owner.
// An existing key smaller than minBits is rejected.
func LoadOrGeneratePaillierKey(path string, keys KeysConfig, minBits int) (*crypto.Keypair, bool, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		kp := new(crypto.Keypair)
		if err := json.Unmarshal(data, kp); err != nil {
			return nil, false, fmt.Errorf("decoding %s: %w", path, err)
		}
		// moduli of a k-bit key may come out one bit short
		if bits := (kp.Public.N().BitLen() + 255) / 256 * 256; bits < minBits {
			return nil, false, fmt.Errorf("key in %s has %d bits, want at least %d", path, bits, minBits)
		}
		return kp, false, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, false, fmt.Errorf("reading %s: %w", path, err)
	}

	kp, err := generatePaillierKey(keys.PaillierBits, keys.Shares, keys.Threshold)
	if err != nil {
		return nil, false, err
	}
	data, err = json.Marshal(kp)
	if err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, false, fmt.Errorf("writing %s: %w", path, err)
	}
	return kp, true, nil
}

// ParsePublicKeys decodes hex Ed25519 public keys.
func ParsePublicKeys(hexKeys []string) ([]crypto.PublicKey, error) {
	out := make([]crypto.PublicKey, 0, len(hexKeys))
	for _, h := range hexKeys {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		pk, err := crypto.NewPublicKeyFromString(h)
		if err != nil {
			return nil, fmt.Errorf("public key %q: %w", h, err)
		}
		out = append(out, pk)
	}
	return out, nil
}

// NewAttestationProvider creates a TEE provider based on configuration flags.
// Returns TDXProvider or RemoteDCAPProvider when useTDX is true,
// otherwise returns DummyProvider for testing.
func NewAttestationProvider(useTDX bool, remoteTDXURL string) services.TEEProvider {
	if useTDX {
		if remoteTDXURL != "" {
			return tdx.NewRemoteDCAPProvider(remoteTDXURL)
		}
		return &tdx.TDXProvider{}
	}
	return &tdx.DummyProvider{}
}

// NewMeasurementSource creates a measurement source from a URL.
// Returns nil if measurementsURL is empty, indicating no measurement
// verification should be performed.
func NewMeasurementSource(measurementsURL string) services.MeasurementSource {
	if measurementsURL != "" {
		return services.NewRemoteMeasurementSource(measurementsURL)
	}
	return nil
}

// NewKeyBundleVerifier returns the verifier producers and the map server use
// to check the key server's attested key. With skip set it returns nil and
// keys are trusted on first use.
func NewKeyBundleVerifier(cfg AttestationConfig, skip bool) protocol.KeyBundleVerifier {
	if skip {
		return nil
	}
	source := NewMeasurementSource(cfg.MeasurementsURL)
	if source == nil {
		source = services.DemoMeasurementSource()
	}
	return &services.KeyBundleVerifier{
		Provider: NewAttestationProvider(cfg.UseTDX, cfg.TDXRemoteURL),
		Source:   source,
	}
}

// SplitList splits a comma separated flag value, dropping empty entries.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
