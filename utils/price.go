package utils

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParsePrice parses a human price such as "$0.01", "0.01" or "0.01 USDC".
func ParsePrice(price string) (decimal.Decimal, error) {
	s := strings.TrimSpace(price)
	s = strings.TrimPrefix(s, "$")
	if fields := strings.Fields(s); len(fields) == 2 {
		s = fields[0]
	}
	s = strings.ReplaceAll(s, ",", "")

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid price %q: %w", price, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("invalid price %q: must not be negative", price)
	}
	return d, nil
}

// ToAtomic converts a token amount into its smallest unit. Amounts finer than
// the token's precision are rejected rather than rounded.
func ToAtomic(amount decimal.Decimal, decimals int32) (string, error) {
	scaled := amount.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return "", fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	return scaled.StringFixed(0), nil
}

// FromAtomic converts a smallest-unit amount back into token units.
func FromAtomic(atomic string, decimals int32) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(atomic)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid atomic amount %q: %w", atomic, err)
	}
	return d.Shift(-decimals), nil
}

// PriceToAtomic is ParsePrice followed by ToAtomic.
func PriceToAtomic(price string, decimals int32) (string, error) {
	d, err := ParsePrice(price)
	if err != nil {
		return "", err
	}
	return ToAtomic(d, decimals)
}
