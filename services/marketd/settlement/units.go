package settlement

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// ParseAmount parses a non-negative decimal string.
func ParseAmount(raw string) (*big.Rat, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.ContainsAny(trimmed, "/eE") {
		return nil, fmt.Errorf("settlement: invalid amount %q", raw)
	}
	value, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("settlement: invalid amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("settlement: negative amount %q", raw)
	}
	return value, nil
}

// FormatAmount renders a decimal with at most the given precision and no trailing zeros.
func FormatAmount(value *big.Rat, precision int) string {
	if value == nil {
		return "0"
	}
	out := value.FloatString(precision)
	if strings.Contains(out, ".") {
		out = strings.TrimRight(out, "0")
		out = strings.TrimSuffix(out, ".")
	}
	if out == "-0" {
		return "0"
	}
	return out
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// ToMinorUnits converts a human amount into integer base units, rounding half up.
func ToMinorUnits(value *big.Rat, decimals uint8) (*uint256.Int, error) {
	if value == nil || value.Sign() < 0 {
		return nil, fmt.Errorf("settlement: amount must be non-negative")
	}
	scaled := new(big.Int).Mul(value.Num(), pow10(decimals))
	den := value.Denom()
	quo, rem := new(big.Int).QuoRem(scaled, den, new(big.Int))
	if new(big.Int).Lsh(rem, 1).Cmp(den) >= 0 {
		quo.Add(quo, big.NewInt(1))
	}
	out, overflow := uint256.FromBig(quo)
	if overflow {
		return nil, fmt.Errorf("settlement: amount overflows 256 bits")
	}
	return out, nil
}

// FromMinorUnits converts integer base units back into a human amount.
func FromMinorUnits(units *uint256.Int, decimals uint8) *big.Rat {
	if units == nil {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(units.ToBig(), pow10(decimals))
}

// MulPercent returns value * percent / 100 exactly.
func MulPercent(value *big.Rat, percent uint32) *big.Rat {
	out := new(big.Rat).Mul(value, big.NewRat(int64(percent), 100))
	return out
}
