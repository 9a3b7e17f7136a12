package crypto

import (
	"errors"
	"math"
	"math/big"
)

// ErrNotFinite is returned when encoding NaN or infinite values.
var ErrNotFinite = errors.New("value is not finite")

// FixedPointEncoder maps rationals to integers as round(x * Scale).
type FixedPointEncoder struct {
	Scale int64
}

// NewFixedPointEncoder returns an encoder with the given scale. Non-positive
// scales fall back to 1.
func NewFixedPointEncoder(scale int64) FixedPointEncoder {
	if scale <= 0 {
		scale = 1
	}
	return FixedPointEncoder{Scale: scale}
}

// Encode converts x into its fixed-point integer representation.
func (e FixedPointEncoder) Encode(x float64) (*big.Int, error) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil, ErrNotFinite
	}
	scaled := new(big.Float).SetPrec(256).SetFloat64(x)
	scaled.Mul(scaled, new(big.Float).SetInt64(e.Scale))

	// round half away from zero
	half := big.NewFloat(0.5)
	if scaled.Sign() < 0 {
		scaled.Sub(scaled, half)
	} else {
		scaled.Add(scaled, half)
	}
	out, _ := scaled.Int(nil)
	return out, nil
}

// Decode converts a fixed-point integer back to a float.
func (e FixedPointEncoder) Decode(v *big.Int) float64 {
	r := new(big.Rat).SetFrac(v, big.NewInt(e.Scale))
	f, _ := r.Float64()
	return f
}

// Average returns sum/count as a float, both given in fixed-point units for the sum.
func (e FixedPointEncoder) Average(sum *big.Int, count int64) float64 {
	if count == 0 {
		return 0
	}
	r := new(big.Rat).SetFrac(sum, new(big.Int).Mul(big.NewInt(e.Scale), big.NewInt(count)))
	f, _ := r.Float64()
	return f
}
