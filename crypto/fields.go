package crypto

import (
	"math/big"
)

// ModAddInplace performs modular addition in-place: l = (l + r) mod modulus.
// Both operands must already be reduced. The result is stored in l and also returned.
func ModAddInplace(l *big.Int, r *big.Int, modulus *big.Int) *big.Int {
	l.Add(l, r)
	if l.Cmp(modulus) >= 0 {
		l.Sub(l, modulus)
	}
	if l.Sign() < 0 {
		l.Add(l, modulus)
	}
	return l
}

// ModSubInplace performs modular subtraction in-place: l = (l - r) mod modulus.
func ModSubInplace(l *big.Int, r *big.Int, modulus *big.Int) *big.Int {
	l.Sub(l, r)
	if l.Cmp(modulus) >= 0 {
		l.Sub(l, modulus)
	}
	if l.Sign() < 0 {
		l.Add(l, modulus)
	}
	return l
}
