// Package amount converts between decimal strings and integer amounts in an
// asset's smallest unit, and provides the rounding helpers used by share
// accounting.
//
// All ledger arithmetic happens on *big.Int. Decimal strings only appear at
// the API edge.
package amount

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultDecimals matches a 6-decimal stablecoin.
const DefaultDecimals int32 = 6

// Parse converts a non-negative decimal string (e.g. "1.50") to smallest
// units at the given precision. Excess fractional digits are truncated.
// An empty string parses as zero.
func Parse(s string, decimals int32) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: negative", s)
	}
	return d.Shift(decimals).Truncate(0).BigInt(), nil
}

// Format renders smallest units as a decimal string with exactly decimals
// fractional digits.
func Format(v *big.Int, decimals int32) string {
	if v == nil {
		v = new(big.Int)
	}
	return decimal.NewFromBigInt(v, -decimals).StringFixed(decimals)
}

// Float64 approximates v in whole units, for gauges.
func Float64(v *big.Int, decimals int32) float64 {
	if v == nil {
		return 0
	}
	return decimal.NewFromBigInt(v, -decimals).InexactFloat64()
}

// MulDivDown returns floor(a*b/c). c must be positive.
func MulDivDown(a, b, c *big.Int) *big.Int {
	n := new(big.Int).Mul(a, b)
	return n.Quo(n, c)
}

// MulDivUp returns ceil(a*b/c) for non-negative operands. c must be positive.
func MulDivUp(a, b, c *big.Int) *big.Int {
	n := new(big.Int).Mul(a, b)
	q, r := new(big.Int).QuoRem(n, c, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Bps returns floor(v*bps/10000).
func Bps(v *big.Int, bps uint64) *big.Int {
	return MulDivDown(v, new(big.Int).SetUint64(bps), big.NewInt(10000))
}

// Min returns a copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
