// Package units provides smallest-unit token amount parsing, formatting and
// bounded arithmetic.
//
// All amounts are big.Int values in the token's smallest unit. The largest
// representable amount is 2^256-1, the same bound as an on-chain uint256.
package units

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"
)

// SettlementDecimals is the decimal precision of the settlement stablecoin.
const SettlementDecimals = 6

// MaxAmount is the largest amount any counter may hold (2^256-1).
var MaxAmount = math.MaxBig256

// ParseInt parses a base-10 integer string of smallest units. Negative
// values, signs, fractions and values above MaxAmount are rejected.
func ParseInt(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, false
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Cmp(MaxAmount) > 0 {
		return nil, false
	}
	return v, true
}

// Parse converts a decimal string (e.g. "1.50") into smallest units for a
// token with the given decimals. Fractional digits beyond the precision
// are truncated.
func Parse(s string, decimals int) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || decimals < 0 {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	if whole == "" {
		whole = "0"
	}
	return ParseInt(whole + frac)
}

// Format renders a smallest-unit amount as a decimal string with exactly
// the given number of fractional digits.
func Format(amount *big.Int, decimals int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	if decimals <= 0 {
		if neg {
			return "-" + s
		}
		return s
	}
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// Pow10 returns 10^n.
func Pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Add returns a+b, or false when the sum exceeds MaxAmount.
func Add(a, b *big.Int) (*big.Int, bool) {
	sum := new(big.Int).Add(a, b)
	if sum.Cmp(MaxAmount) > 0 {
		return nil, false
	}
	return sum, true
}

// Mul returns a*b, or false when the product exceeds MaxAmount.
func Mul(a, b *big.Int) (*big.Int, bool) {
	p := new(big.Int).Mul(a, b)
	if p.Cmp(MaxAmount) > 0 {
		return nil, false
	}
	return p, true
}

// MulBps returns amount*bps/10000 truncated toward zero.
func MulBps(amount *big.Int, bps int64) *big.Int {
	v := new(big.Int).Mul(amount, big.NewInt(bps))
	return v.Quo(v, big.NewInt(10_000))
}

// OrZero parses a stored integer string and yields zero for empty or
// malformed input. Only use on values this process wrote itself.
func OrZero(s string) *big.Int {
	v, ok := ParseInt(s)
	if !ok {
		return new(big.Int)
	}
	return v
}
