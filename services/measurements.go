package services

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrNoMatchingBuild is returned when an attested key server matches none of
// the allowed builds.
var ErrNoMatchingBuild = errors.New("key server measurements match no allowed build")

// DefaultMeasurementsCacheTTL is how long a fetched build list is reused.
const DefaultMeasurementsCacheTTL = time.Hour

// PublishedMeasurements lists the key server builds whose attested key
// bundles producers and the map server accept. It is published next to
// each key server release:
//
//	[
//	  {
//	    "measurement_id": "techmap-keyserver-v0.1.0-tdx-abc123...",
//	    "measurements": {
//	      0: {"expected": "hex-encoded-mrtd..."},
//	      1: {"expected": "hex-encoded-rtmr0..."},
//	      2: {"expected": "hex-encoded-rtmr1..."},
//	      3: {"expected": "hex-encoded-rtmr2..."}
//	    }
//	  }
//	]
//
// Keys of "measurements" are register indices. A key bundle is trusted when
// its quote matches every register of at least one build.
type PublishedMeasurements []MeasurementEntry

// MeasurementEntry is one released key server build.
type MeasurementEntry struct {
	MeasurementID string                   `json:"measurement_id"`
	Measurements  map[int]MeasurementValue `json:"measurements"`
}

type MeasurementValue struct {
	Expected string `json:"expected"`
}

// ToMeasurements decodes the expected register values.
func (e *MeasurementEntry) ToMeasurements() (Measurements, error) {
	result := make(Measurements, len(e.Measurements))
	for idx, mv := range e.Measurements {
		val, err := hex.DecodeString(mv.Expected)
		if err != nil {
			return nil, fmt.Errorf("build %s: invalid hex for register %d: %w", e.MeasurementID, idx, err)
		}
		result[idx] = val
	}
	return result, nil
}

// MeasurementSource provides the key server builds a KeyBundleVerifier accepts.
type MeasurementSource interface {
	GetAllowedMeasurements() (PublishedMeasurements, error)
}

// StaticMeasurementSource serves a fixed build list, for tests and
// deployments that pin a single key server release.
type StaticMeasurementSource struct {
	Measurements PublishedMeasurements
}

func NewStaticMeasurementSource(measurements PublishedMeasurements) *StaticMeasurementSource {
	return &StaticMeasurementSource{Measurements: measurements}
}

// DemoMeasurementSource accepts key servers attested by tdx.DummyProvider.
// Never use it with real key material.
func DemoMeasurementSource() *StaticMeasurementSource {
	return NewStaticMeasurementSource(PublishedMeasurements{
		{
			MeasurementID: "demo-dummy-attestation",
			Measurements: map[int]MeasurementValue{
				0: {Expected: "00"},
				1: {Expected: "01"},
				2: {Expected: "02"},
				3: {Expected: "03"},
				4: {Expected: "04"},
			},
		},
	})
}

func (s *StaticMeasurementSource) GetAllowedMeasurements() (PublishedMeasurements, error) {
	return s.Measurements, nil
}

// RemoteMeasurementSource fetches the published build list over HTTP and
// caches it for CacheTTL. Safe for concurrent use.
type RemoteMeasurementSource struct {
	URL        string
	HTTPClient *http.Client
	CacheTTL   time.Duration

	mu      sync.Mutex
	expires time.Time
	cached  PublishedMeasurements
}

func NewRemoteMeasurementSource(url string) *RemoteMeasurementSource {
	return &RemoteMeasurementSource{
		URL:        url,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		CacheTTL:   DefaultMeasurementsCacheTTL,
	}
}

// GetAllowedMeasurements returns the cached list, refreshing it once expired.
// A failed refresh is returned as an error rather than served stale.
func (r *RemoteMeasurementSource) GetAllowedMeasurements() (PublishedMeasurements, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil && time.Now().Before(r.expires) {
		return r.cached, nil
	}

	published, err := r.fetchMeasurements()
	if err != nil {
		return nil, err
	}

	r.cached = published
	r.expires = time.Now().Add(r.CacheTTL)
	return published, nil
}

func (r *RemoteMeasurementSource) fetchMeasurements() (PublishedMeasurements, error) {
	resp, err := r.HTTPClient.Get(r.URL)
	if err != nil {
		return nil, fmt.Errorf("fetching key server builds: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("key server builds returned %d: %s", resp.StatusCode, body)
	}

	var pub PublishedMeasurements
	if err := json.NewDecoder(resp.Body).Decode(&pub); err != nil {
		return nil, fmt.Errorf("decoding key server builds: %w", err)
	}
	return pub, nil
}

// VerifyMeasurementsMatch returns the first build whose registers all equal
// the attested ones. Builds without registers never match.
func VerifyMeasurementsMatch(allowed PublishedMeasurements, attested Measurements) (MeasurementEntry, error) {
	for _, entry := range allowed {
		if len(entry.Measurements) == 0 {
			continue
		}
		if buildMatches(entry, attested) {
			return entry, nil
		}
	}
	return MeasurementEntry{}, ErrNoMatchingBuild
}

func buildMatches(entry MeasurementEntry, attested Measurements) bool {
	for idx, expected := range entry.Measurements {
		actual, ok := attested[idx]
		if !ok || expected.Expected != hex.EncodeToString(actual) {
			return false
		}
	}
	return true
}
