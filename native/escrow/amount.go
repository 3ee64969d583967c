package escrow

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of wei decimal places in one ether.
const EtherDecimals = 18

// ParseWei parses a base-10 wei amount.
func ParseWei(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, raw, err)
	}
	return v, nil
}

// ParseEther converts a decimal ether string such as "0.5" into wei. Values
// with more than 18 fractional digits are rejected rather than truncated.
func ParseEther(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, raw, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, raw)
	}
	scaled := d.Shift(EtherDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, raw, EtherDecimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %q overflows 256 bits", ErrInvalidAmount, raw)
	}
	return v, nil
}

// MustParseEther is ParseEther for constants and tests.
func MustParseEther(raw string) *uint256.Int {
	v, err := ParseEther(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatEther renders a wei amount as a decimal ether string without trailing
// zeros.
func FormatEther(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -EtherDecimals).String()
}

// SumAmounts adds the supplied amounts, reporting overflow instead of
// wrapping.
func SumAmounts(amounts []*uint256.Int) (*uint256.Int, bool) {
	total := uint256.NewInt(0)
	for _, amt := range amounts {
		if amt == nil {
			continue
		}
		if _, overflow := total.AddOverflow(total, amt); overflow {
			return nil, true
		}
	}
	return total, false
}
