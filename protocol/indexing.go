package protocol

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// maxExactUnits keeps scaled inputs inside the exactly representable float64 integers.
const maxExactUnits = 1 << 52

// Dimension quantizes one input parameter into fixed-width buckets starting at Origin.
type Dimension struct {
	Name   string  `json:"name" yaml:"name"`
	Origin float64 `json:"origin" yaml:"origin"`
	Width  float64 `json:"width" yaml:"width"`
	// Buckets bounds the grid. Zero leaves the dimension unbounded above.
	Buckets int64 `json:"buckets" yaml:"buckets"`
}

// Quantization maps continuous input tuples onto grid coordinates.
type Quantization struct {
	Dimensions []Dimension
	// Resolution is the number of decimal digits inputs are rounded to.
	Resolution int
}

// Validate checks bucket widths and the resolution.
func (q Quantization) Validate() error {
	if q.Resolution < 0 || q.Resolution > 9 {
		return fmt.Errorf("resolution %d outside [0, 9]", q.Resolution)
	}
	for _, d := range q.Dimensions {
		if d.Name == "" {
			return errors.New("unnamed dimension")
		}
		w, err := q.units(d.Width)
		if err != nil || w <= 0 {
			return fmt.Errorf("dimension %s: width must be positive at resolution %d", d.Name, q.Resolution)
		}
		if d.Buckets < 0 {
			return fmt.Errorf("dimension %s: negative bucket count", d.Name)
		}
	}
	return nil
}

// units rounds x to the configured number of decimals and returns it as an integer.
// Rounding first removes representation noise such as 0.30000000000000004.
func (q Quantization) units(x float64) (int64, error) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, errors.New("not a finite number")
	}
	scaled := math.Round(x * math.Pow10(q.Resolution))
	if math.Abs(scaled) > maxExactUnits {
		return 0, errors.New("value too large")
	}
	return int64(scaled), nil
}

// CoordinateOf deterministically buckets an input tuple. Values are rounded
// half away from zero to Resolution decimals, then floor-divided by the
// bucket width. Identical inputs yield identical coordinates on any platform.
func (q Quantization) CoordinateOf(input []float64) (Coordinate, error) {
	if len(input) != len(q.Dimensions) {
		return nil, Errorf(ErrValidation, "expected %d input parameters, got %d", len(q.Dimensions), len(input))
	}

	coord := make(Coordinate, len(input))
	for i, d := range q.Dimensions {
		x, err := q.units(input[i])
		if err != nil {
			return nil, Errorf(ErrValidation, "%s: %v", d.Name, err)
		}
		origin, err := q.units(d.Origin)
		if err != nil {
			return nil, Errorf(ErrValidation, "%s origin: %v", d.Name, err)
		}
		width, err := q.units(d.Width)
		if err != nil || width <= 0 {
			return nil, Errorf(ErrValidation, "%s: invalid bucket width", d.Name)
		}

		idx := floorDiv(x-origin, width)
		if idx < 0 || (d.Buckets > 0 && idx >= d.Buckets) {
			return nil, Errorf(ErrValidation, "%s=%v outside the map grid", d.Name, input[i])
		}
		coord[i] = idx
	}
	return coord, nil
}

// Contains reports whether c is a valid coordinate of this grid.
func (q Quantization) Contains(c Coordinate) bool {
	if len(c) != len(q.Dimensions) {
		return false
	}
	for i, d := range q.Dimensions {
		if c[i] < 0 || (d.Buckets > 0 && c[i] >= d.Buckets) {
			return false
		}
	}
	return true
}

// Lower returns the lower corner of the bucket c in input units.
func (q Quantization) Lower(c Coordinate) []float64 {
	out := make([]float64, len(c))
	for i, d := range q.Dimensions {
		if i >= len(c) {
			break
		}
		out[i] = d.Origin + float64(c[i])*d.Width
	}
	return out
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Coordinate is a discretized location in a map's input space.
type Coordinate []int64

// Key is the canonical storage form, e.g. "25:20".
func (c Coordinate) Key() string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, ":")
}

func (c Coordinate) String() string {
	return "(" + strings.ReplaceAll(c.Key(), ":", ", ") + ")"
}

func (c Coordinate) Equal(other Coordinate) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i] != other[i] {
			return false
		}
	}
	return true
}

// ParseCoordinate parses the Key form.
func ParseCoordinate(key string) (Coordinate, error) {
	if key == "" {
		return nil, errors.New("empty coordinate")
	}
	parts := strings.Split(key, ":")
	c := make(Coordinate, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("coordinate %q: %w", key, err)
		}
		c[i] = v
	}
	return c, nil
}

// MapID is the random identifier of a map. Together with the label it names a
// map in regular queries, so it doubles as an access secret.
type MapID string

// NewMapID draws 128 random bits.
func NewMapID() (MapID, error) {
	s, err := randomHex(16)
	return MapID(s), err
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

const maxLabelLen = 128

// MapLabel is the non-confidential name of a map. Labels are unique.
type MapLabel struct {
	Machine  string `json:"machine"`
	Material string `json:"material"`
	Tool     string `json:"tool"`
}

func (l MapLabel) Validate() error {
	for name, v := range map[string]string{"machine": l.Machine, "material": l.Material, "tool": l.Tool} {
		if strings.TrimSpace(v) == "" {
			return Errorf(ErrMalformedRequest, "map label: empty %s", name)
		}
		if len(v) > maxLabelLen {
			return Errorf(ErrMalformedRequest, "map label: %s too long", name)
		}
	}
	return nil
}

func (l MapLabel) String() string {
	return l.Machine + "/" + l.Material + "/" + l.Tool
}

// ToolProperties are non-confidential tool descriptors used by reverse queries.
type ToolProperties struct {
	Type     string  `json:"type"`
	Diameter float64 `json:"diameter"`
}

// MapInfo is the stored metadata of a map.
type MapInfo struct {
	ID        MapID          `json:"id"`
	Label     MapLabel       `json:"label"`
	Salt      string         `json:"salt"`
	Tool      ToolProperties `json:"tool"`
	CreatedAt time.Time      `json:"created_at"`
}

// Ref returns the full reference regular queries need.
func (m *MapInfo) Ref() MapRef {
	return MapRef{ID: m.ID, Label: m.Label, Salt: m.Salt}
}

// CandidateRef names the map without its salt. A reverse query reveals no
// more than this until the candidate is selected.
func (m *MapInfo) CandidateRef() MapRef {
	return MapRef{ID: m.ID, Label: m.Label}
}

// MapRef names a map for regular queries. All three parts must match.
type MapRef struct {
	ID    MapID    `json:"id"`
	Label MapLabel `json:"label"`
	Salt  string   `json:"salt,omitempty"`
}

// Matches reports whether ref names this map.
func (m *MapInfo) Matches(ref MapRef) bool {
	return m.ID == ref.ID && m.Label == ref.Label &&
		subtle.ConstantTimeCompare([]byte(m.Salt), []byte(ref.Salt)) == 1
}

// MapIdentityOf returns the map for label, allocating one with fresh random
// identifiers if none exists. Concurrent first allocations converge on the
// map the store accepted first.
func MapIdentityOf(ctx context.Context, store Store, label MapLabel, tool ToolProperties) (*MapInfo, error) {
	if err := label.Validate(); err != nil {
		return nil, err
	}

	info, err := store.GetMapByLabel(ctx, label)
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	id, err := NewMapID()
	if err != nil {
		return nil, Wrap(ErrServiceUnavailable, err)
	}
	salt, err := randomHex(16)
	if err != nil {
		return nil, Wrap(ErrServiceUnavailable, err)
	}

	return store.CreateMap(ctx, &MapInfo{
		ID:        id,
		Label:     label,
		Salt:      salt,
		Tool:      tool,
		CreatedAt: time.Now().UTC(),
	})
}
