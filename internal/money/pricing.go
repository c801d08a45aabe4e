package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrPriceMismatch is returned when a quoted USD amount disagrees with the token price.
var ErrPriceMismatch = errors.New("money: amount does not match token price")

// TokenPricing prices tokens in USD and bounds purchase and payout sizes.
type TokenPricing struct {
	USDPerToken   decimal.Decimal
	MinPurchase   int64
	MaxPurchase   int64 // 0 = unlimited
	MinWithdrawal int64
}

// USDFor returns the USD value of tokens, rounded to cents.
func (p TokenPricing) USDFor(tokens int64) decimal.Decimal {
	return p.USDPerToken.Mul(decimal.NewFromInt(tokens)).Round(2)
}

// CheckPurchase validates a token quantity against the purchase bounds.
func (p TokenPricing) CheckPurchase(tokens int64) error {
	if tokens <= 0 {
		return fmt.Errorf("%w: token quantity must be positive", ErrInvalidAmount)
	}
	if p.MinPurchase > 0 && tokens < p.MinPurchase {
		return fmt.Errorf("%w: minimum purchase is %d tokens", ErrInvalidAmount, p.MinPurchase)
	}
	if p.MaxPurchase > 0 && tokens > p.MaxPurchase {
		return fmt.Errorf("%w: maximum purchase is %d tokens", ErrInvalidAmount, p.MaxPurchase)
	}
	return nil
}

// CheckQuote reports ErrPriceMismatch when amountUSD differs from the price of tokens.
func (p TokenPricing) CheckQuote(tokens int64, amountUSD decimal.Decimal) error {
	if want := p.USDFor(tokens); !want.Equal(amountUSD) {
		return fmt.Errorf("%w: %d tokens cost %s USD, got %s", ErrPriceMismatch, tokens, want.StringFixed(2), amountUSD.StringFixed(2))
	}
	return nil
}
