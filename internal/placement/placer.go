// Package placement defines the external order-placement collaborator the
// engine consumes. The engine never talks to the venue's order endpoint
// itself; it only uses the returned references to populate pair refs.
package placement

import (
	"context"

	"github.com/shopspring/decimal"
)

// Result carries the references of the placed legs. SellRef may stay empty
// until the buy leg fills; the sell leg is only placed afterwards.
type Result struct {
	BuyRef  string
	SellRef string
	Message string
}

// Placer places the buy leg of an OTO pair and arms the sell leg.
type Placer interface {
	PlaceOTO(ctx context.Context, symbol string, quantity, buyPrice, sellPrice decimal.Decimal, chain string) (*Result, error)
}
