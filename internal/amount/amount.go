// Package amount converts between on-chain integer amounts and decimal strings.
//
// Token amounts carry per-token decimals. USD sizes and prices carry a fixed
// 30-decimal scale. Down-conversions truncate toward zero.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	PriceDecimals        = 30
	BasisPointsDivisor   = 10_000
	FundingRatePrecision = 1_000_000
)

var (
	ErrNegative = errors.New("amount must not be negative")
	ErrEmpty    = errors.New("amount is required")

	PricePrecision = Pow10(PriceDecimals)
)

func Pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// ToBaseUnits parses a decimal string into base units with the given
// decimals, truncating any excess fractional digits.
func ToBaseUnits(value string, decimals uint8) (*big.Int, error) {
	d, err := ParseDecimal(value)
	if err != nil {
		return nil, err
	}
	return DecimalToBaseUnits(d, decimals)
}

func DecimalToBaseUnits(d decimal.Decimal, decimals uint8) (*big.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("%s: %w", d.String(), ErrNegative)
	}
	return d.Shift(int32(decimals)).Truncate(0).BigInt(), nil
}

// ToDecimalString renders base units as a decimal string without trailing zeros.
func ToDecimalString(v *big.Int, decimals uint8) (string, error) {
	if v == nil {
		return "", ErrEmpty
	}
	if v.Sign() < 0 {
		return "", fmt.Errorf("%s: %w", v.String(), ErrNegative)
	}
	return FromBaseUnits(v, decimals).String(), nil
}

func FromBaseUnits(v *big.Int, decimals uint8) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -int32(decimals))
}

func ParseDecimal(value string) (decimal.Decimal, error) {
	clean := strings.TrimSpace(value)
	if clean == "" {
		return decimal.Zero, ErrEmpty
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return d, nil
}

// USDToFixed scales a USD value to the 30-decimal fixed-point representation.
func USDToFixed(usd decimal.Decimal) (*big.Int, error) {
	return DecimalToBaseUnits(usd, PriceDecimals)
}

func FixedToUSD(v *big.Int) decimal.Decimal {
	return FromBaseUnits(v, PriceDecimals)
}

// TokensToUSD values a token amount at a 30-decimal price.
func TokensToUSD(tokens, price *big.Int, decimals uint8) *big.Int {
	out := new(big.Int).Mul(tokens, price)
	return out.Quo(out, Pow10(decimals))
}

// USDToTokens converts a 30-decimal USD value into token base units.
func USDToTokens(usd, price *big.Int, decimals uint8) (*big.Int, error) {
	if price == nil || price.Sign() <= 0 {
		return nil, errors.New("price must be > 0")
	}
	out := new(big.Int).Mul(usd, Pow10(decimals))
	return out.Quo(out, price), nil
}

// ApplyBps returns v * (10000 + delta) / 10000 using integer division.
func ApplyBps(v *big.Int, delta int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(BasisPointsDivisor+delta))
	return out.Quo(out, big.NewInt(BasisPointsDivisor))
}
