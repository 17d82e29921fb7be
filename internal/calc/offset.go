// Package calc holds the pure decimal arithmetic used by the trade
// orchestrator: offset prices and volume cycle planning. All price outputs
// are truncated, never rounded up, so a computed buy price never overshoots
// the precision the venue accepts.
package calc

import (
	"fmt"

	"github.com/shopspring/decimal"

	"otoflow/internal/enginerr"
)

var hundred = decimal.NewFromInt(100)

// BuyPrice returns current * (1 + offsetPct/100) truncated to precision
// fractional digits. offsetPct must not be negative.
func BuyPrice(current, offsetPct decimal.Decimal, precision int32) (decimal.Decimal, error) {
	if offsetPct.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: buy offset percentage %s is negative", enginerr.ErrInvalidParameter, offsetPct)
	}
	raw := current.Mul(hundred.Add(offsetPct)).Div(hundred)
	return raw.Truncate(precision), nil
}

// SellPrice returns current * (1 - offsetPct/100) truncated to precision
// fractional digits. An offset of 100% or more would produce a non-positive
// price and is rejected before truncation.
func SellPrice(current, offsetPct decimal.Decimal, precision int32) (decimal.Decimal, error) {
	if offsetPct.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: sell offset percentage %s is negative", enginerr.ErrInvalidParameter, offsetPct)
	}
	raw := current.Mul(hundred.Sub(offsetPct)).Div(hundred)
	if raw.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: sell offset percentage %s exceeds 100%%", enginerr.ErrInvalidParameter, offsetPct)
	}
	return raw.Truncate(precision), nil
}

// PercentChange returns (new-old)/old*100.
func PercentChange(oldPrice, newPrice decimal.Decimal) (decimal.Decimal, error) {
	if oldPrice.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: old price is zero", enginerr.ErrDivisionByZero)
	}
	return newPrice.Sub(oldPrice).Div(oldPrice).Mul(hundred), nil
}

// Spread returns (buy-sell)/buy*100, the percentage gap between the two legs.
func Spread(buyPrice, sellPrice decimal.Decimal) (decimal.Decimal, error) {
	if buyPrice.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: buy price is zero", enginerr.ErrDivisionByZero)
	}
	return buyPrice.Sub(sellPrice).Div(buyPrice).Mul(hundred), nil
}
