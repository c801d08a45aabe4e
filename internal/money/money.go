package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount in the minor units of an asset (cents, kobo).
type Money struct {
	Asset Asset
	Minor int64
}

var (
	// ErrUnsupportedCurrency is returned for codes missing from the registry or rate table.
	ErrUnsupportedCurrency = errors.New("money: unsupported currency")

	// ErrInvalidAmount is returned for negative or malformed amounts.
	ErrInvalidAmount = errors.New("money: invalid amount")

	// ErrOverflow occurs when a conversion would not fit in int64 minor units.
	ErrOverflow = errors.New("money: arithmetic overflow")
)

// New creates Money from minor units.
func New(asset Asset, minor int64) Money {
	return Money{Asset: asset, Minor: minor}
}

// FromMajor converts a major-unit decimal to minor units, truncating toward zero
// any precision finer than the asset supports.
func FromMajor(asset Asset, major decimal.Decimal) (Money, error) {
	scaled := major.Shift(int32(asset.Decimals)).Truncate(0)
	if !scaled.BigInt().IsInt64() {
		return Money{}, ErrOverflow
	}
	return Money{Asset: asset, Minor: scaled.IntPart()}, nil
}

// Major returns the amount in major units.
func (m Money) Major() decimal.Decimal {
	return decimal.New(m.Minor, -int32(m.Asset.Decimals))
}

// String renders the amount as "150000.00 NGN".
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Major().StringFixed(int32(m.Asset.Decimals)), m.Asset.Code)
}

// ParseUSD parses a USD amount such as "10.00". At most two decimal places are
// accepted and the amount must not be negative.
func ParseUSD(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	if amount.Exponent() < -2 && !amount.Equal(amount.Truncate(2)) {
		return decimal.Zero, fmt.Errorf("%w: more than 2 decimal places", ErrInvalidAmount)
	}
	return amount, nil
}
