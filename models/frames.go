package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Envelope carries only the event-type discriminator of an inbound frame.
// It is decoded first to select the registered handler for the full payload.
type Envelope struct {
	EventType string `json:"e"`
}

// SubscribeRequest is the frame sent right after a stream connects.
type SubscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// TickFrame is the inbound trade tick wire format.
type TickFrame struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// ToPriceTick parses the string-encoded decimal fields of a tick frame.
func (f TickFrame) ToPriceTick() (PriceTick, error) {
	price, err := decimal.NewFromString(f.Price)
	if err != nil {
		return PriceTick{}, fmt.Errorf("invalid tick price %q: %w", f.Price, err)
	}
	volume, err := decimal.NewFromString(f.Quantity)
	if err != nil {
		return PriceTick{}, fmt.Errorf("invalid tick quantity %q: %w", f.Quantity, err)
	}
	return PriceTick{
		Symbol:    f.Symbol,
		Price:     price,
		Volume:    volume,
		Timestamp: time.UnixMilli(f.TradeTime).UTC(),
	}, nil
}

// OrderEventFrame is the inbound order execution report wire format.
type OrderEventFrame struct {
	EventType     string      `json:"e"`
	EventTime     int64       `json:"E"`
	Symbol        string      `json:"s"`
	Side          string      `json:"S"`
	OrderStatus   string      `json:"X"`
	OrderID       json.Number `json:"i"`
	ClientOrderID string      `json:"c"`
	Price         string      `json:"p"`
	Quantity      string      `json:"q"`
	ExecutedQty   string      `json:"z"`
	Commission    string      `json:"n"`
}

// ToOrderEvent maps an execution report onto the registry's event model.
// Fill events split by side; cancel-like statuses collapse to a cancel event.
func (f OrderEventFrame) ToOrderEvent(userID string) OrderEvent {
	ev := OrderEvent{
		Kind:      OrderEventIgnored,
		UserID:    userID,
		OrderRef:  f.OrderID.String(),
		ClientRef: f.ClientOrderID,
		Symbol:    f.Symbol,
		Side:      strings.ToUpper(f.Side),
		Status:    strings.ToUpper(f.OrderStatus),
		EventTime: time.UnixMilli(f.EventTime).UTC(),
	}
	ev.Price = decimalOrZero(f.Price)
	ev.Quantity = decimalOrZero(f.Quantity)
	ev.ExecutedQty = decimalOrZero(f.ExecutedQty)
	ev.Commission = decimalOrZero(f.Commission)

	switch ev.Status {
	case "FILLED":
		if ev.Side == "BUY" {
			ev.Kind = OrderEventBuyFilled
		} else {
			ev.Kind = OrderEventSellFilled
		}
	case "CANCELED", "CANCELLED", "EXPIRED", "REJECTED":
		ev.Kind = OrderEventCancelled
	}
	return ev
}

func decimalOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
