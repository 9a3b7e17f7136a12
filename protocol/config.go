package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/flashbots/techmap/crypto"
)

// ValidationMode selects how contributions are checked before aggregation.
type ValidationMode string

const (
	// ValidationChecked range-checks every value through the masked sign test.
	ValidationChecked ValidationMode = "validated"
	// ValidationUnchecked skips range checks. Integrity then relies on producers.
	ValidationUnchecked ValidationMode = "unchecked"
)

// OutputParam describes a tracked outcome value with its plausible range.
type OutputParam struct {
	Name string  `json:"name" yaml:"name"`
	Min  float64 `json:"min" yaml:"min"`
	Max  float64 `json:"max" yaml:"max"`
}

// TechMapConfig is the schema shared by producers and the map server. It is
// served to producers at GET /config.
type TechMapConfig struct {
	// Inputs are the quantized process settings, in coordinate order.
	Inputs []Dimension `json:"inputs" yaml:"inputs"`

	// Outputs are the encrypted outcome values stored per point, in wire order.
	Outputs []OutputParam `json:"outputs" yaml:"outputs"`

	// Resolution is the number of decimal digits inputs are rounded to before bucketing.
	Resolution int `json:"resolution" yaml:"resolution"`

	// Scale is the fixed-point scale applied to output values.
	Scale int64 `json:"scale" yaml:"scale"`

	Validation ValidationMode `json:"validation" yaml:"validation"`

	// MaxCandidates bounds reverse query results.
	MaxCandidates int `json:"max_candidates" yaml:"max_candidates"`

	// MaxQueryPoints bounds the number of coordinates of one regular query.
	MaxQueryPoints int `json:"max_query_points" yaml:"max_query_points"`
}

// DefaultTechMapConfig describes a milling map over cutting depth (ap, mm) and
// cutting width (ae, mm) with feed per tooth (fz, mm) and tool usage outputs.
func DefaultTechMapConfig() *TechMapConfig {
	return &TechMapConfig{
		Inputs: []Dimension{
			{Name: "ap", Origin: 0, Width: 0.04, Buckets: 250},
			{Name: "ae", Origin: 0, Width: 0.1, Buckets: 250},
		},
		Outputs: []OutputParam{
			{Name: "fz", Min: 0, Max: 3},
			{Name: "usage", Min: 0, Max: 100},
		},
		Resolution:     6,
		Scale:          1000,
		Validation:     ValidationChecked,
		MaxCandidates:  50,
		MaxQueryPoints: 1024,
	}
}

// Validate checks the schema for internal consistency.
func (c *TechMapConfig) Validate() error {
	if len(c.Inputs) == 0 {
		return errors.New("no input dimensions")
	}
	if err := c.Quantization().Validate(); err != nil {
		return err
	}
	if len(c.Outputs) == 0 {
		return errors.New("no output parameters")
	}
	seen := make(map[string]bool, len(c.Outputs))
	for _, o := range c.Outputs {
		if o.Name == "" || seen[o.Name] {
			return fmt.Errorf("invalid or duplicate output %q", o.Name)
		}
		if o.Min > o.Max {
			return fmt.Errorf("output %s: min above max", o.Name)
		}
		seen[o.Name] = true
	}
	if c.Scale <= 0 {
		return errors.New("scale must be positive")
	}
	switch c.Validation {
	case ValidationChecked, ValidationUnchecked:
	default:
		return fmt.Errorf("unknown validation mode %q", c.Validation)
	}
	if c.MaxCandidates <= 0 || c.MaxQueryPoints <= 0 {
		return errors.New("result bounds must be positive")
	}
	return nil
}

// Quantization returns the indexing parameters of the schema.
func (c *TechMapConfig) Quantization() Quantization {
	return Quantization{Dimensions: c.Inputs, Resolution: c.Resolution}
}

// Encoder returns the fixed-point encoder for output values.
func (c *TechMapConfig) Encoder() crypto.FixedPointEncoder {
	return crypto.NewFixedPointEncoder(c.Scale)
}

// Output looks up an output parameter by name.
func (c *TechMapConfig) Output(name string) (OutputParam, int, bool) {
	for i, o := range c.Outputs {
		if o.Name == name {
			return o, i, true
		}
	}
	return OutputParam{}, -1, false
}

// ValuesPerPoint is the number of ciphertexts a regular query returns per
// coordinate: a sum and a count for every output.
func (c *TechMapConfig) ValuesPerPoint() int {
	return 2 * len(c.Outputs)
}

// MapServerConfig holds operational settings of the map server.
type MapServerConfig struct {
	// KeyServerTimeout bounds every call to the key server.
	KeyServerTimeout time.Duration `yaml:"key_server_timeout"`

	// CASRetries bounds optimistic retries of one aggregate update before ErrContention.
	CASRetries int `yaml:"cas_retries"`

	// StoreRetries bounds retries of failed storage calls before ErrServiceUnavailable.
	StoreRetries int `yaml:"store_retries"`

	// StoreBackoff is the base delay between storage retries.
	StoreBackoff time.Duration `yaml:"store_backoff"`

	// CandidateTTL is how long reverse query results stay selectable.
	CandidateTTL time.Duration `yaml:"candidate_ttl"`

	// RequestTTL bounds the age of signed provisioning requests.
	RequestTTL time.Duration `yaml:"request_ttl"`

	// SignTestRounds is the number of independent rounds of masked sign
	// tests per value, each testing both bounds. A value outside [min, max]
	// passes one round with probability at most 1/4.
	SignTestRounds int `yaml:"sign_test_rounds"`
}

// MinSignTestRounds bounds the acceptance probability of an out-of-range
// contribution to 2^-64.
const MinSignTestRounds = 32

func DefaultMapServerConfig() *MapServerConfig {
	return &MapServerConfig{
		KeyServerTimeout: 5 * time.Second,
		CASRetries:       8,
		StoreRetries:     3,
		StoreBackoff:     50 * time.Millisecond,
		CandidateTTL:     30 * time.Minute,
		RequestTTL:       2 * time.Minute,
		SignTestRounds:   MinSignTestRounds,
	}
}

// Validate rejects settings the map server cannot run safely with.
func (c *MapServerConfig) Validate() error {
	if c.SignTestRounds < MinSignTestRounds {
		return fmt.Errorf("sign_test_rounds %d below minimum %d", c.SignTestRounds, MinSignTestRounds)
	}
	if c.KeyServerTimeout <= 0 {
		return errors.New("key_server_timeout must be positive")
	}
	if c.CASRetries < 0 || c.StoreRetries < 0 {
		return errors.New("retry counts must not be negative")
	}
	if c.CandidateTTL <= 0 || c.RequestTTL <= 0 {
		return errors.New("candidate_ttl and request_ttl must be positive")
	}
	return nil
}

// KeyServerConfig holds operational settings of the key server.
type KeyServerConfig struct {
	// TokenTTL is the lifetime of query tokens.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// MaxBatch bounds the number of ciphertexts of one request.
	MaxBatch int `yaml:"max_batch"`

	// AllowedMapServers lists signer keys accepted for decryption requests.
	// An empty list rejects every request.
	AllowedMapServers []crypto.PublicKey `yaml:"-"`

	// InsecureAllowAnyMapServer accepts any validly signed request. Anyone
	// holding a ciphertext can then have it decrypted. Local development only.
	InsecureAllowAnyMapServer bool `yaml:"-"`
}

func DefaultKeyServerConfig() *KeyServerConfig {
	return &KeyServerConfig{
		TokenTTL: 2 * time.Minute,
		MaxBatch: 8192,
	}
}
