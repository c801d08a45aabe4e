package money

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Conversion is the result of pricing a USD amount in a settlement currency.
type Conversion struct {
	Currency   string          `json:"currency"`
	Rate       decimal.Decimal `json:"rate"`
	AmountUSD  decimal.Decimal `json:"amountUsd"`
	Amount     decimal.Decimal `json:"amount"`     // Exact product in major units
	MinorUnits int64           `json:"minorUnits"` // Amount in minor units, truncated toward zero
}

// Converter maps USD amounts onto settlement currencies using an injected rate
// table. It holds no mutable state and is safe for concurrent use.
type Converter struct {
	rates map[string]decimal.Decimal
}

// NewConverter builds a converter from a code -> multiplier table. Every code must
// be a registered asset with a positive rate.
func NewConverter(rates map[string]decimal.Decimal) (*Converter, error) {
	table := make(map[string]decimal.Decimal, len(rates)+1)
	for code, rate := range rates {
		code = strings.ToUpper(strings.TrimSpace(code))
		if _, err := GetAsset(code); err != nil {
			return nil, err
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("money: rate for %s must be positive", code)
		}
		table[code] = rate
	}
	if _, ok := table["USD"]; !ok {
		table["USD"] = decimal.NewFromInt(1)
	}
	return &Converter{rates: table}, nil
}

// Convert prices amountUSD in the target currency. The major amount is the exact
// product of amount and rate; minor units drop any fraction below the currency's
// smallest unit.
func (c *Converter) Convert(amountUSD decimal.Decimal, currency string) (Conversion, error) {
	if amountUSD.IsNegative() {
		return Conversion{}, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	code := strings.ToUpper(strings.TrimSpace(currency))
	rate, ok := c.rates[code]
	if !ok {
		return Conversion{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	asset, err := GetAsset(code)
	if err != nil {
		return Conversion{}, err
	}

	amount := amountUSD.Mul(rate)
	minor, err := FromMajor(asset, amount)
	if err != nil {
		return Conversion{}, err
	}

	return Conversion{
		Currency:   code,
		Rate:       rate,
		AmountUSD:  amountUSD,
		Amount:     amount,
		MinorUnits: minor.Minor,
	}, nil
}

// Supports reports whether the rate table carries currency.
func (c *Converter) Supports(currency string) bool {
	_, ok := c.rates[strings.ToUpper(strings.TrimSpace(currency))]
	return ok
}

// Rates returns a copy of the rate table.
func (c *Converter) Rates() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.rates))
	for code, rate := range c.rates {
		out[code] = rate
	}
	return out
}

// Currencies returns the supported codes in sorted order.
func (c *Converter) Currencies() []string {
	codes := make([]string, 0, len(c.rates))
	for code := range c.rates {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
