package placement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"otoflow/logger"
)

// BinancePlacer places the buy leg as a limit order through the binance-go
// client. The sell leg is placed by the venue-side collaborator once the buy
// fills, so only the buy reference is returned here.
type BinancePlacer struct {
	client *binance.Client
	log    *logger.Log
}

// NewBinancePlacer creates a placer bound to the given API credentials.
// baseURL overrides the default endpoint when not empty.
func NewBinancePlacer(apiKey, secretKey, baseURL string) *BinancePlacer {
	client := binance.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &BinancePlacer{
		client: client,
		log:    logger.GetLogger(),
	}
}

// PlaceOTO submits the buy limit order. The intended sell price travels in
// the result message for the collaborator that arms the sell leg on fill.
func (p *BinancePlacer) PlaceOTO(ctx context.Context, symbol string, quantity, buyPrice, sellPrice decimal.Decimal, chain string) (*Result, error) {
	log := p.log.WithComponent("order_placer").WithFields(logger.Fields{
		"symbol":     symbol,
		"buy_price":  buyPrice.String(),
		"sell_price": sellPrice.String(),
		"chain":      chain,
	})

	start := time.Now()
	order, err := p.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideTypeBuy).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(quantity.String()).
		Price(buyPrice.String()).
		Do(ctx)
	logger.LogPerformanceEntry(log, "order_placer", "place_order", time.Since(start), logger.Fields{"symbol": symbol})
	if err != nil {
		log.WithError(err).Warn("buy order placement failed")
		return nil, fmt.Errorf("place buy order: %w", err)
	}

	log.WithFields(logger.Fields{"order_id": order.OrderID}).Info("buy leg placed, sell leg armed on fill")
	return &Result{
		BuyRef:  strconv.FormatInt(order.OrderID, 10),
		Message: fmt.Sprintf("buy leg placed, sell at %s pending fill", sellPrice.String()),
	}, nil
}
