// Package money provides decimal amount handling for the settlement engine.
//
// All balances and trade amounts are shopspring decimals carried as
// NUMERIC(32,8) in storage. Floating point never touches fund math.
package money

import (
	"errors"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("money: invalid amount")
	ErrInvalidCurrency = errors.New("money: invalid currency code")
	ErrInvalidPercent  = errors.New("money: percentage out of range")
)

// currencyRegex matches upper-case 3-5 letter currency codes (fiat and
// crypto tickers both fit, e.g. "USD", "NGN", "USDT").
var currencyRegex = regexp.MustCompile(`^[A-Z]{3,5}$`)

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string into an amount. Rejects empty strings,
// malformed input, and negative values.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// ParsePositive is Parse but additionally rejects zero.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsZero() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// NormalizeCurrency upper-cases and validates a currency code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !currencyRegex.MatchString(code) {
		return "", ErrInvalidCurrency
	}
	return code, nil
}

// Split divides total by a buyer-share percentage in [0, 100]. The two parts
// always sum exactly to total: the buyer part is rounded to 8 decimal places
// and the seller part is the remainder, so no dust is created or lost.
func Split(total decimal.Decimal, buyerPct int) (buyer, seller decimal.Decimal, err error) {
	if buyerPct < 0 || buyerPct > 100 {
		return decimal.Zero, decimal.Zero, ErrInvalidPercent
	}
	buyer = total.Mul(decimal.NewFromInt(int64(buyerPct))).Div(decimal.NewFromInt(100)).Round(8)
	seller = total.Sub(buyer)
	return buyer, seller, nil
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThanOrEqual(b) {
		return a
	}
	return b
}
